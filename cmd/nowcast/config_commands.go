package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/flu-nowcast/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand(ctx))

	return configCmd
}

// configTarget resolves where `config init` writes: the --path flag when
// given, the default location otherwise, with ~ expanded either way.
func configTarget(flagValue string) (string, error) {
	target := strings.TrimSpace(flagValue)
	if target == "" {
		return config.DefaultConfigPath()
	}
	return config.ExpandPath(target)
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := configTarget(targetPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(target); err == nil && !overwrite {
				return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
			} else if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("check config path: %w", err)
			}
			if err := config.CreateSample(target); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Set the epidata auth keys (fluview_auth etc., or the matching *_AUTH env vars) before fitting restricted sensors.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing configuration file")

	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Reaching this point means init loaded and validated the config.
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database: %s\n", ctx.cfg.Database.Path)
			fmt.Fprintf(out, "Epidata:  %s\n", ctx.cfg.Epidata.BaseURL)
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}
