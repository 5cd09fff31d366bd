package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
	"github.com/couchcryptid/flu-nowcast/internal/pipeline"
)

// Pair names one sensor to update for one location or location group.
type Pair struct {
	Name     string
	Location string
}

// ParsePairs parses a comma-separated list of name-location pairs, for
// example "gft-nat,twtr-hhs". Neither half may contain a hyphen.
func ParsePairs(s string) ([]Pair, error) {
	var pairs []Pair
	for _, part := range strings.Split(s, ",") {
		name, loc, ok := strings.Cut(part, "-")
		if !ok || name == "" || loc == "" || strings.Contains(loc, "-") {
			return nil, fmt.Errorf("invalid sensor specification %q", part)
		}
		pairs = append(pairs, Pair{Name: name, Location: loc})
	}
	return pairs, nil
}

// Store persists sensor readings.
type Store interface {
	InsertSensorReading(ctx context.Context, reading domain.SensorReading) error
	MostRecentSensorWeek(ctx context.Context, name, location string) (epiweek.Week, error)
}

// Update computes sensor readings over a range of weeks and stores them,
// running the fits through the batch pipeline.
type Update struct {
	fitter  *Sensors
	store   Store
	valid   bool
	opts    pipeline.Options
	logger  *slog.Logger
	metrics *observability.Metrics

	stored     atomic.Int64
	lastStored atomic.Value // key of the newest stored reading
}

func NewUpdate(fitter *Sensors, store Store, valid bool, opts pipeline.Options, logger *slog.Logger, metrics *observability.Metrics) *Update {
	return &Update{
		fitter:  fitter,
		store:   store,
		valid:   valid,
		opts:    opts,
		logger:  logger.With("component", "sensor-update"),
		metrics: metrics,
	}
}

// Progress reports how many readings this run has stored and the key of the
// most recent one, in pair syntax with the epiweek appended ("gft-nat@201519").
// A run is ready once its first batch lands.
func (u *Update) Progress() (stored int64, last string, ready bool) {
	stored = u.stored.Load()
	last, _ = u.lastStored.Load().(string)
	return stored, last, stored > 0
}

// Run updates every pair over [first, last]. A zero last means one week past
// the most recent issue. A zero first resumes from the most recently stored
// reading for that sensor and location, or from DefaultFirstWeek when there
// is none.
func (u *Update) Run(ctx context.Context, pairs []Pair, first, last epiweek.Week) error {
	if last == 0 {
		issue, err := u.fitter.api.MostRecentIssue(ctx, epiweek.FromTime(domain.Now()))
		if err != nil {
			return fmt.Errorf("finding most recent issue: %w", err)
		}
		last = issue.Add(1)
	}
	source := &taskSource{update: u, pairs: pairs, first: first, last: last}
	pipe := pipeline.New(source, fitStage{u}, storeStage{u}, u.logger, u.metrics, u.opts)
	return pipe.Run(ctx)
}

// fitTask identifies one reading to fit: one sensor, one location, one
// target week.
type fitTask struct {
	name     string
	location string
	week     epiweek.Week
}

// taskSource walks the requested pairs in order, expanding location groups
// and resolving each location's resume week as the walk reaches it.
type taskSource struct {
	update      *Update
	pairs       []Pair
	first, last epiweek.Week

	pending   []fitTask
	name      string
	locations []string
	pairIndex int
	locIndex  int
}

func (s *taskSource) ExtractBatch(ctx context.Context, batchSize int) ([]fitTask, error) {
	for len(s.pending) == 0 {
		more, err := s.advance(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, nil
		}
	}
	n := min(batchSize, len(s.pending))
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

// advance queues the tasks of the next location, reporting false when every
// pair has been walked.
func (s *taskSource) advance(ctx context.Context) (bool, error) {
	for s.locIndex >= len(s.locations) {
		if s.pairIndex >= len(s.pairs) {
			return false, nil
		}
		pair := s.pairs[s.pairIndex]
		s.pairIndex++
		locations, err := LocationGroup(pair.Location)
		if err != nil {
			return false, err
		}
		s.name, s.locations, s.locIndex = pair.Name, locations, 0
	}
	location := s.locations[s.locIndex]
	s.locIndex++

	u := s.update
	start := s.first
	if start == 0 {
		stored, err := u.store.MostRecentSensorWeek(ctx, s.name, location)
		if err != nil {
			return false, fmt.Errorf("finding last %s-%s reading: %w", s.name, location, err)
		}
		start = stored
		if start == 0 {
			start = DefaultFirstWeek
			u.logger.Info("no stored readings yet",
				"sensor", s.name, "location", location, "first", start)
		}
	}
	u.logger.Info("updating sensor",
		"sensor", s.name, "location", location, "first", start, "last", s.last)
	for _, week := range epiweek.Range(start, s.last) {
		s.pending = append(s.pending, fitTask{name: s.name, location: location, week: week})
	}
	return true, nil
}

// fitStage fits one reading per task. Fit failures are counted and skipped
// by the pipeline.
type fitStage struct{ update *Update }

func (f fitStage) Transform(ctx context.Context, task fitTask) (domain.SensorReading, error) {
	u := f.update
	train := task.week.Add(-1)
	value, err := u.fitter.Fit(ctx, task.name, task.location, train, u.valid)
	if err != nil {
		u.metrics.FitErrors.Inc()
		u.logger.Warn("sensor fit failed",
			"error", err, "sensor", task.name, "location", task.location, "epiweek", task.week)
		return domain.SensorReading{}, err
	}
	u.metrics.ReadingsFit.Inc()
	return domain.SensorReading{
		Name: task.name, Location: task.location, Epiweek: task.week, Value: value,
	}, nil
}

// storeStage persists fitted readings. Inserts are upserts, so a retried
// batch is harmless.
type storeStage struct{ update *Update }

func (s storeStage) LoadBatch(ctx context.Context, readings []domain.SensorReading) error {
	u := s.update
	for _, r := range readings {
		if err := u.store.InsertSensorReading(ctx, r); err != nil {
			return fmt.Errorf("storing %s-%s reading for %s: %w", r.Name, r.Location, r.Epiweek, err)
		}
		u.logger.Debug("stored sensor reading",
			"sensor", r.Name, "location", r.Location, "epiweek", r.Epiweek, "value", r.Value)
	}
	u.metrics.ReadingsStored.Add(float64(len(readings)))
	u.stored.Add(int64(len(readings)))
	newest := readings[len(readings)-1]
	u.lastStored.Store(fmt.Sprintf("%s-%s@%s", newest.Name, newest.Location, newest.Epiweek))
	return nil
}
