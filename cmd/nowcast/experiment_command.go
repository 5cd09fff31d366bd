package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/flu-nowcast/internal/experiment"
)

func newExperimentCommand(ctx *commandContext) *cobra.Command {
	var sel experiment.Selection

	cmd := &cobra.Command{
		Use:   "experiment FILE",
		Short: "Rebuild historical nowcasts under an altered configuration",
		Long: `Rebuild historical nowcasts with one controlled alteration and write
them to FILE as headerless CSV rows (epiweek, location, value, stdev)
for offline scoring. Exactly one experiment must be selected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sel.Validate(); err != nil {
				return err
			}
			return runExperiment(cmd.Context(), ctx, sel, args[0])
		},
	}

	cmd.Flags().StringVar(&sel.Ablate, "ablate", "", "Ablation experiment, leaving out this sensor")
	cmd.Flags().StringVar(&sel.Abscission1, "abscise1", "", "Abscission experiment (all sensors) at this resolution (national, regional, state)")
	cmd.Flags().StringVar(&sel.Abscission2, "abscise2", "", "Abscission experiment (hi-res sensors) at this resolution (national, regional, state)")
	cmd.Flags().StringVar(&sel.Covariance, "covariance", "", "Covariance experiment, using this shrinkage (bd0, bd1, bd2)")
	cmd.Flags().BoolVar(&sel.Vanilla, "vanilla", false, "Control; unmodified operational nowcasting")

	return cmd
}

func runExperiment(ctx context.Context, cc *commandContext, sel experiment.Selection, path string) error {
	store, err := cc.openStoreReadOnly()
	if err != nil {
		return err
	}
	defer store.Close()

	runner := experiment.NewRunner(cc.epidataClient(), store, cc.logger, cc.metrics)
	return runner.Run(ctx, sel, path)
}
