package nowcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/geo"
)

// FirstDataWeek is the first epiweek with ground truth ILI in every
// location.
const FirstDataWeek epiweek.Week = 201040

// DefaultSensors lists every known sensor, past and present.
var DefaultSensors = []string{"gft", "ght", "twtr", "wiki", "cdc", "epic", "sar3", "arch"}

// TruthAPI is the slice of the epidata client the data source needs.
type TruthAPI interface {
	Fluview(ctx context.Context, region string, from, to epiweek.Week) ([]epidata.FluviewRow, error)
	MostRecentIssue(ctx context.Context, asOf epiweek.Week) (epiweek.Week, error)
}

// ReadingStore lists locally stored sensor readings.
type ReadingStore interface {
	ListSensorReadings(ctx context.Context, first, last epiweek.Week) ([]domain.SensorReading, error)
}

type truthKey struct {
	week     epiweek.Week
	location string
}

type readingKey struct {
	week     epiweek.Week
	location string
	name     string
}

// FluDataSource feeds the nowcaster from ILINet ground truth and locally
// stored sensor readings. Prefetch loads everything in bulk; lookups
// afterwards are map reads, and anything Prefetch did not find stays
// missing.
type FluDataSource struct {
	api             TruthAPI
	store           ReadingStore
	sensors         []string
	sensorLocations map[string]bool
	logger          *slog.Logger

	weeks    []epiweek.Week
	truth    map[truthKey]float64
	readings map[readingKey]float64
}

// NewFluDataSource builds a data source over the given sensors. Truth is
// loaded for every known location; readings are loaded only for
// sensorLocations, so retrospective experiments can withhold whole tiers.
// The operational configuration is DefaultSensors over geo.RegionList().
func NewFluDataSource(api TruthAPI, store ReadingStore, sensors, sensorLocations []string, logger *slog.Logger) *FluDataSource {
	withReadings := make(map[string]bool, len(sensorLocations))
	for _, loc := range sensorLocations {
		withReadings[loc] = true
	}
	return &FluDataSource{
		api:             api,
		store:           store,
		sensors:         sensors,
		sensorLocations: withReadings,
		logger:          logger.With("component", "data-source"),
		truth:           make(map[truthKey]float64),
		readings:        make(map[readingKey]float64),
	}
}

// MostRecentIssue returns the newest ILINet issue as of the current date.
func (s *FluDataSource) MostRecentIssue(ctx context.Context) (epiweek.Week, error) {
	return s.api.MostRecentIssue(ctx, epiweek.FromTime(domain.Now()))
}

// ResolveWeeks fixes the data source's week range, FirstDataWeek through the
// most recent ILINet issue. The result is cached; Prefetch resolves
// implicitly when a caller has not already done so.
func (s *FluDataSource) ResolveWeeks(ctx context.Context) ([]epiweek.Week, error) {
	if s.weeks == nil {
		issue, err := s.MostRecentIssue(ctx)
		if err != nil {
			return nil, fmt.Errorf("finding most recent issue: %w", err)
		}
		s.weeks = epiweek.Range(FirstDataWeek, issue)
	}
	return s.weeks, nil
}

// Prefetch loads truth for every location and sensor readings for the
// configured locations, FirstDataWeek through last inclusive. Fluview rows
// reported by zero providers carry no signal and stay missing.
func (s *FluDataSource) Prefetch(ctx context.Context, last epiweek.Week) error {
	if _, err := s.ResolveWeeks(ctx); err != nil {
		return err
	}

	for _, loc := range geo.RegionList() {
		s.logger.Debug("prefetching truth", "location", loc)
		rows, err := s.api.Fluview(ctx, loc, FirstDataWeek, last)
		if err != nil {
			return fmt.Errorf("prefetching truth for %s: %w", loc, err)
		}
		for _, row := range rows {
			if row.NumProviders > 0 {
				s.truth[truthKey{row.Epiweek, loc}] = row.WILI
			}
		}
	}

	stored, err := s.store.ListSensorReadings(ctx, FirstDataWeek, last)
	if err != nil {
		return fmt.Errorf("loading sensor readings: %w", err)
	}
	known := make(map[string]bool, len(s.sensors))
	for _, name := range s.sensors {
		known[name] = true
	}
	for _, r := range stored {
		if known[r.Name] && s.sensorLocations[r.Location] {
			s.readings[readingKey{r.Epiweek, r.Location, r.Name}] = r.Value
		}
	}

	s.logger.Info("prefetch complete",
		"last", last, "truth", len(s.truth), "readings", len(s.readings))
	return nil
}

// Locations returns every location with ground truth, in canonical order.
func (s *FluDataSource) Locations() []string {
	return geo.RegionList()
}

// Sensors returns the configured sensor names.
func (s *FluDataSource) Sensors() []string {
	return s.sensors
}

// Weeks returns the resolved week range. Empty until ResolveWeeks or
// Prefetch has run.
func (s *FluDataSource) Weeks() []epiweek.Week {
	return s.weeks
}

// MissingLocations returns the atoms with no truth on a week. When no atom
// has truth at all, reporting for the week is assumed to still be pending
// and nothing is considered missing.
func (s *FluDataSource) MissingLocations(week epiweek.Week) []string {
	var missing []string
	available := 0
	for _, atom := range geo.Atoms() {
		if _, ok := s.Truth(week, atom); ok {
			available++
		} else {
			missing = append(missing, atom)
		}
	}
	if available == 0 {
		return nil
	}
	return missing
}

// Truth returns the stable wILI for a week and location.
func (s *FluDataSource) Truth(week epiweek.Week, location string) (float64, bool) {
	v, ok := s.truth[truthKey{week, location}]
	return v, ok
}

// Sensor returns one sensor's stored reading for a week and location.
func (s *FluDataSource) Sensor(week epiweek.Week, location, name string) (float64, bool) {
	v, ok := s.readings[readingKey{week, location, name}]
	return v, ok
}
