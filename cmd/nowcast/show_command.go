package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var first, last int
	var location string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display stored nowcasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			firstWeek, lastWeek, err := resolveSensorRange(first, last, 0)
			if err != nil {
				return err
			}
			return runShow(cmd.Context(), ctx, cmd.OutOrStdout(), firstWeek, lastWeek, location)
		},
	}

	cmd.Flags().IntVar(&first, "first", 0, "Only show epiweeks at or after this one")
	cmd.Flags().IntVar(&last, "last", 0, "Only show epiweeks at or before this one")
	cmd.Flags().StringVar(&location, "location", "", "Only show nowcasts for this location")

	return cmd
}

func runShow(ctx context.Context, cc *commandContext, out io.Writer, first, last epiweek.Week, location string) error {
	store, err := cc.openStoreReadOnly()
	if err != nil {
		return err
	}
	defer store.Close()

	nowcasts, err := store.ListNowcasts(ctx, first, last, location)
	if err != nil {
		return err
	}
	updated, err := store.LastUpdated(ctx)
	if err != nil {
		return err
	}
	renderNowcasts(out, nowcasts, updated)
	return nil
}

func renderNowcasts(out io.Writer, nowcasts []domain.Nowcast, updated time.Time) {
	if len(nowcasts) == 0 {
		fmt.Fprintln(out, "No nowcasts stored.")
	} else {
		rows := make([][]string, 0, len(nowcasts))
		for _, nc := range nowcasts {
			rows = append(rows, []string{
				nc.Epiweek.String(),
				nc.Location,
				strconv.FormatFloat(nc.Value, 'f', 3, 64),
				strconv.FormatFloat(nc.Stdev, 'f', 3, 64),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Epiweek", "Location", "wILI", "Stdev"},
			rows,
			2, 3,
		))
	}

	if updated.IsZero() {
		fmt.Fprintln(out, "Last updated: never")
	} else {
		fmt.Fprintln(out, "Last updated: "+updated.UTC().Format(time.RFC3339))
	}
}
