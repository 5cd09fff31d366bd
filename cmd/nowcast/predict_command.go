package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/predict"
)

func newPredictCommand(ctx *commandContext) *cobra.Command {
	var (
		location   string
		first      int
		last       int
		trendsFile string
		truthFile  string
		outFile    string
		fetch      bool
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict wILI from a search trends series",
		Long: `Fit per-target-week regressions of official wILI against a search
trends series and write predictions for [first, last] to a CSV file.

The trends series either comes from an existing file (--trends-file) or
is fetched by the configured external program (--fetch). It must cover
the full training history, 55 weeks before the first target week.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			firstWeek, lastWeek, err := requireRange(first, last)
			if err != nil {
				return err
			}
			if fetch && trendsFile != "" {
				return errors.New("--fetch and --trends-file are mutually exclusive")
			}
			if !fetch && trendsFile == "" {
				return errors.New("either --fetch or --trends-file is required")
			}
			return runPredict(cmd.Context(), ctx, location, firstWeek, lastWeek, trendsFile, truthFile, outFile, fetch)
		},
	}

	cmd.Flags().StringVar(&location, "location", "nat", "Location to predict")
	cmd.Flags().IntVar(&first, "first", 0, "First epiweek to predict")
	cmd.Flags().IntVar(&last, "last", 0, "Last epiweek to predict")
	cmd.Flags().StringVar(&trendsFile, "trends-file", "", "Existing trends CSV to predict from")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Fetch the trends series with the configured external program")
	cmd.Flags().StringVar(&truthFile, "truth-file", "", "Local truth CSV instead of the Epidata API")
	cmd.Flags().StringVar(&outFile, "out", "", "Output CSV path")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runPredict(ctx context.Context, cc *commandContext, location string, first, last epiweek.Week, trendsFile, truthFile, outFile string, fetch bool) error {
	trendsPath := trendsFile
	if fetch {
		// The regression trains on the 52 weeks ending 4 weeks before each
		// target, so the fetch reaches back past the first target week.
		fetchFirst := first.Add(-(predict.TrainSize + predict.TrainLag))
		path, err := cc.trendsFetcher().Fetch(ctx, trendsLocation(location), fetchFirst, last)
		if err != nil {
			return err
		}
		trendsPath = path
	}

	var truth predict.TruthProvider
	if truthFile != "" {
		ft, err := predict.NewFileTruth(truthFile)
		if err != nil {
			return err
		}
		truth = ft
	} else {
		truth = predict.NewAPITruth(cc.epidataClient(), cc.logger)
	}

	engine := predict.NewEngine(truth, cc.logger)
	return engine.Run(ctx, location, first, last, trendsPath, outFile)
}

// trendsLocation maps a fluview region to the label the external trends
// program expects. The national signal is published under "US".
func trendsLocation(location string) string {
	if location == "nat" {
		return "US"
	}
	return location
}
