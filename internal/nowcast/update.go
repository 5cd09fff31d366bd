package nowcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

// Store persists nowcast rows and the freshness stamp.
type Store interface {
	InsertNowcast(ctx context.Context, nc domain.Nowcast) error
	SetLastUpdated(ctx context.Context, t time.Time) error
}

// Publisher sends nowcasts downstream.
type Publisher interface {
	PublishNowcast(ctx context.Context, nc domain.Nowcast) error
}

// Update produces nowcasts over a range of weeks and records them.
type Update struct {
	source    *FluDataSource
	caster    *Nowcaster
	store     Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewUpdate wires a data source, nowcaster, and store together. A nil
// publisher disables downstream delivery.
func NewUpdate(source *FluDataSource, caster *Nowcaster, store Store, publisher Publisher, logger *slog.Logger, metrics *observability.Metrics) *Update {
	return &Update{
		source:    source,
		caster:    caster,
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "nowcast-update"),
		metrics:   metrics,
	}
}

// Run nowcasts [first, last] and stores every row plus the freshness stamp.
// A zero last replaces the range with the most recent issue and the week
// after it: the previous nowcast is repeated in case new data arrived, and
// the first week without ILINet data gets its estimate.
func (u *Update) Run(ctx context.Context, first, last epiweek.Week) error {
	if last == 0 {
		issue, err := u.source.MostRecentIssue(ctx)
		if err != nil {
			return fmt.Errorf("finding most recent issue: %w", err)
		}
		first, last = issue, issue.Add(1)
	}
	u.logger.Info("nowcasting", "first", first, "last", last)

	if err := u.source.Prefetch(ctx, last); err != nil {
		return err
	}
	weeks := epiweek.Range(first, last)
	nowcasts, err := u.caster.Batch(ctx, weeks)
	if err != nil {
		return err
	}

	for i, week := range weeks {
		for _, row := range nowcasts[i] {
			nc := domain.NewNowcast(row.Location, week, row.Value, row.Stdev)
			if err := u.store.InsertNowcast(ctx, nc); err != nil {
				return fmt.Errorf("storing nowcast for %s on %s: %w", row.Location, week, err)
			}
			u.publish(ctx, nc)
		}
	}
	if err := u.store.SetLastUpdated(ctx, domain.Now()); err != nil {
		return fmt.Errorf("stamping update time: %w", err)
	}
	return nil
}

// publish is best-effort: the store is authoritative, so a downstream
// delivery failure is logged and counted but does not fail the run.
func (u *Update) publish(ctx context.Context, nc domain.Nowcast) {
	if u.publisher == nil {
		return
	}
	if err := u.publisher.PublishNowcast(ctx, nc); err != nil {
		u.metrics.PublishErrors.Inc()
		u.logger.Warn("nowcast publish failed",
			"error", err, "location", nc.Location, "epiweek", nc.Epiweek)
		return
	}
	u.metrics.NowcastsPublished.Inc()
}
