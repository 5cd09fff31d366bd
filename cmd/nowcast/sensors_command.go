package main

import (
	"context"

	"github.com/spf13/cobra"

	httpadapter "github.com/couchcryptid/flu-nowcast/internal/adapter/http"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/sensor"
)

func newSensorsCommand(ctx *commandContext) *cobra.Command {
	var (
		first, last, week int
		test, valid       bool
		trendsFile        string
	)

	cmd := &cobra.Command{
		Use:   "sensors NAMES",
		Short: "Fit and store sensor readings",
		Long: `Fit and store sensor readings for a list of name-location pairs, for
example "gft-nat,twtr-hhs". The location half can be a group (nat, hhs,
cen, state) or a specific location label.

Without week flags, each sensor resumes from its most recently stored
reading and runs through the week after the most recent ILINet issue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := sensor.ParsePairs(args[0])
			if err != nil {
				return err
			}
			firstWeek, lastWeek, err := resolveSensorRange(first, last, week)
			if err != nil {
				return err
			}
			return runSensors(cmd.Context(), ctx, pairs, firstWeek, lastWeek, test, valid, trendsFile)
		},
	}

	cmd.Flags().IntVarP(&first, "first", "f", 0, "First epiweek override")
	cmd.Flags().IntVarP(&last, "last", "l", 0, "Last epiweek override")
	cmd.Flags().IntVarP(&week, "epiweek", "w", 0, "Single epiweek override")
	cmd.Flags().BoolVarP(&test, "test", "t", false, "Dry run; roll back all writes")
	cmd.Flags().BoolVarP(&valid, "valid", "v", false, "Require unstable wILI; do not fall back to stable")
	cmd.Flags().StringVar(&trendsFile, "trends-file", "", "Trends CSV for the ghtf sensor")

	return cmd
}

func runSensors(ctx context.Context, cc *commandContext, pairs []sensor.Pair, first, last epiweek.Week, test, valid bool, trendsFile string) error {
	store, err := cc.openStore(test)
	if err != nil {
		return err
	}
	defer store.Close()

	fitter := sensor.NewSensors(cc.epidataClient(), trendsFile, cc.logger)
	update := sensor.NewUpdate(fitter, store, valid, cc.pipelineOptions(), cc.logger, cc.metrics)

	// Sensor runs can take hours; keep the operational endpoints up so the
	// run can be watched.
	stop := cc.serveOps(httpadapter.ProgressFunc(func(context.Context) (httpadapter.RunProgress, bool) {
		stored, last, ready := update.Progress()
		return httpadapter.RunProgress{ReadingsStored: stored, LastStored: last}, ready
	}))
	defer stop()

	return update.Run(ctx, pairs, first, last)
}
