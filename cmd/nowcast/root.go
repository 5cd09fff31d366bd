package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var logFlag string

	ctx := newCommandContext(&configFlag, &logFlag)

	rootCmd := &cobra.Command{
		Use:           "nowcast",
		Short:         "Influenza nowcasting from digital surveillance sensors",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipInit(cmd) {
				return nil
			}
			return ctx.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logFlag, "log", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newSensorsCommand(ctx))
	rootCmd.AddCommand(newUpdateCommand(ctx))
	rootCmd.AddCommand(newExperimentCommand(ctx))
	rootCmd.AddCommand(newPredictCommand(ctx))
	rootCmd.AddCommand(newFetchTrendsCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
