package main

import (
	"context"

	"github.com/spf13/cobra"

	kafkaadapter "github.com/couchcryptid/flu-nowcast/internal/adapter/kafka"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/fusion"
	"github.com/couchcryptid/flu-nowcast/internal/geo"
	"github.com/couchcryptid/flu-nowcast/internal/nowcast"
)

func newUpdateCommand(ctx *commandContext) *cobra.Command {
	var first, last int
	var test bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Fuse stored sensor readings into nowcasts",
		Long: `Fuse stored sensor readings with ILINet ground truth into wILI nowcasts
and store them. Without week flags the most recent issue and the week
after it are nowcast: the previous estimate is refreshed in case new
data arrived, and the first week without ILINet data gets its estimate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			firstWeek, lastWeek, err := resolveUpdateRange(first, last)
			if err != nil {
				return err
			}
			return runUpdate(cmd.Context(), ctx, firstWeek, lastWeek, test)
		},
	}

	cmd.Flags().IntVar(&first, "first", 0, "Nowcast a range of weeks, starting with this one")
	cmd.Flags().IntVar(&last, "last", 0, "Nowcast a range of weeks, ending with this one")
	cmd.Flags().BoolVar(&test, "test", false, "Dry run; roll back all writes and publish nothing")

	return cmd
}

func runUpdate(ctx context.Context, cc *commandContext, first, last epiweek.Week, test bool) error {
	store, err := cc.openStore(test)
	if err != nil {
		return err
	}
	defer store.Close()

	shrinkage, err := fusion.ByName(cc.cfg.Nowcast.Shrinkage)
	if err != nil {
		return err
	}

	var publisher nowcast.Publisher
	if cc.cfg.Kafka.Enabled && !test {
		kp := kafkaadapter.NewPublisher(cc.cfg.Kafka.Brokers, cc.cfg.Kafka.Topic, cc.runID, cc.logger)
		defer kp.Close()
		publisher = kp
	}

	source := nowcast.NewFluDataSource(cc.epidataClient(), store, nowcast.DefaultSensors, geo.RegionList(), cc.logger)
	caster := nowcast.New(source, shrinkage, cc.logger, cc.metrics)
	update := nowcast.NewUpdate(source, caster, store, publisher, cc.logger, cc.metrics)
	return update.Run(ctx, first, last)
}
