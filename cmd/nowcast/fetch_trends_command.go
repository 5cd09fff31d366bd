package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFetchTrendsCommand(ctx *commandContext) *cobra.Command {
	var location string
	var first, last int

	cmd := &cobra.Command{
		Use:   "fetch-trends",
		Short: "Run the external search trends fetch program",
		Long: `Run the configured external program to fetch a search trends series for
one location and week range, and print the path of the CSV it wrote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			firstWeek, lastWeek, err := requireRange(first, last)
			if err != nil {
				return err
			}
			path, err := ctx.trendsFetcher().Fetch(cmd.Context(), location, firstWeek, lastWeek)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&location, "location", "US", "Location label passed to the fetch program")
	cmd.Flags().IntVar(&first, "first", 0, "First epiweek to fetch")
	cmd.Flags().IntVar(&last, "last", 0, "Last epiweek to fetch")

	return cmd
}
