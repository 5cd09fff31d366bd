// Package experiment rebuilds historical nowcasts under controlled
// alterations of the operational configuration and writes the results to CSV
// for offline scoring. Ablation withholds a single sensor and nowcasts the
// weeks that sensor reported, abscission restricts inputs to a geographic
// resolution tier, and the covariance study swaps the shrinkage strategy.
// Vanilla reruns the operational configuration unchanged as a baseline.
package experiment

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/fusion"
	"github.com/couchcryptid/flu-nowcast/internal/geo"
	"github.com/couchcryptid/flu-nowcast/internal/nowcast"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

// ErrInvalidSelection is returned when zero or several studies are selected.
var ErrInvalidSelection = errors.New("exactly one experiment must be run")

// Fixed study ranges. Abscission1 covers the span when all eight sensors
// reported simultaneously; abscission2 starts when the high-resolution
// sensors came online and runs through the most recent issue.
const (
	abscission1First epiweek.Week = 201445
	abscission1Last  epiweek.Week = 201520
	abscission2First epiweek.Week = 201330
)

// highResolutionSensors are the inputs that report below the regional tier.
var highResolutionSensors = []string{"twtr", "cdc", "sar3"}

// ReadingStore supplies persisted sensor readings for nowcast rebuilds.
type ReadingStore interface {
	nowcast.ReadingStore

	// SensorWeeks lists the weeks on which a sensor has a reading for a
	// location, sorted ascending.
	SensorWeeks(ctx context.Context, name, location string) ([]epiweek.Week, error)
}

// Selection names the study to run. Exactly one field may be set.
type Selection struct {
	// Ablate withholds the named sensor from the roster.
	Ablate string
	// Abscission1 restricts inputs to a resolution tier over the span when
	// every sensor reported.
	Abscission1 string
	// Abscission2 restricts the high-resolution sensors to a tier over
	// their full history.
	Abscission2 string
	// Covariance swaps the shrinkage strategy (bd0, bd1, or bd2).
	Covariance string
	// Vanilla reruns the operational configuration as a baseline.
	Vanilla bool
}

// Validate checks that exactly one study is selected.
func (s Selection) Validate() error {
	chosen := 0
	for _, set := range []bool{
		s.Ablate != "",
		s.Abscission1 != "",
		s.Abscission2 != "",
		s.Covariance != "",
		s.Vanilla,
	} {
		if set {
			chosen++
		}
	}
	if chosen != 1 {
		return ErrInvalidSelection
	}
	return nil
}

// parameters fixes the concrete inputs of a study.
type parameters struct {
	sensors   []string
	locations []string
	weeks     []epiweek.Week
	shrinkage fusion.ShrinkageFactory
}

// Runner rebuilds nowcasts for selected studies.
type Runner struct {
	api   nowcast.TruthAPI
	store ReadingStore
	// base is handed to the data source and nowcaster built per run, which
	// tag their own components.
	base    *slog.Logger
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRunner returns a Runner reading ground truth from api and sensor
// readings from store.
func NewRunner(api nowcast.TruthAPI, store ReadingStore, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		api:     api,
		store:   store,
		base:    logger,
		logger:  logger.With("component", "experiment"),
		metrics: metrics,
	}
}

// Run resolves the selection, rebuilds nowcasts over its week range, and
// writes one CSV row per location per week to path.
func (r *Runner) Run(ctx context.Context, sel Selection, path string) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	p, err := r.resolve(ctx, sel)
	if err != nil {
		return err
	}
	r.logger.Info("running experiment",
		"sensors", len(p.sensors), "locations", len(p.locations), "weeks", len(p.weeks))

	source := nowcast.NewFluDataSource(r.api, r.store, p.sensors, p.locations, r.base)
	// weeks are sorted ascending, so the last one bounds the prefetch
	if err := source.Prefetch(ctx, p.weeks[len(p.weeks)-1]); err != nil {
		return err
	}

	caster := nowcast.New(source, p.shrinkage, r.base, r.metrics)
	batches, err := caster.Batch(ctx, p.weeks)
	if err != nil {
		return err
	}
	return r.save(path, p.weeks, batches)
}

func (r *Runner) resolve(ctx context.Context, sel Selection) (parameters, error) {
	switch {
	case sel.Ablate != "":
		return r.ablation(ctx, sel.Ablate)
	case sel.Abscission1 != "":
		locations, err := locationsAtResolution(sel.Abscission1)
		if err != nil {
			return parameters{}, err
		}
		return parameters{
			sensors:   nowcast.DefaultSensors,
			locations: locations,
			weeks:     epiweek.Range(abscission1First, abscission1Last),
			shrinkage: fusion.NewBlendDiagonal2,
		}, nil
	case sel.Abscission2 != "":
		locations, err := locationsAtResolution(sel.Abscission2)
		if err != nil {
			return parameters{}, err
		}
		issue, err := r.mostRecentIssue(ctx)
		if err != nil {
			return parameters{}, err
		}
		return parameters{
			sensors:   highResolutionSensors,
			locations: locations,
			weeks:     epiweek.Range(abscission2First, issue),
			shrinkage: fusion.NewBlendDiagonal2,
		}, nil
	case sel.Covariance != "":
		shrinkage, err := fusion.ByName(sel.Covariance)
		if err != nil {
			return parameters{}, err
		}
		return r.operational(ctx, shrinkage)
	default:
		return r.operational(ctx, fusion.NewBlendDiagonal2)
	}
}

// ablation withholds one sensor and nowcasts exactly the weeks that sensor
// reported nationally, so the rebuilt series can be scored against the
// operational one on equal footing.
func (r *Runner) ablation(ctx context.Context, name string) (parameters, error) {
	roster := make([]string, 0, len(nowcast.DefaultSensors))
	known := false
	for _, s := range nowcast.DefaultSensors {
		if s == name {
			known = true
			continue
		}
		roster = append(roster, s)
	}
	if !known {
		return parameters{}, fmt.Errorf("unknown sensor: %s", name)
	}

	weeks, err := r.sensorWeeks(ctx, name)
	if err != nil {
		return parameters{}, err
	}
	return parameters{
		sensors:   roster,
		locations: geo.RegionList(),
		weeks:     weeks,
		shrinkage: fusion.NewBlendDiagonal2,
	}, nil
}

// sensorWeeks returns the settled weeks on which the sensor reported
// nationally, minus its first weeks where the rest of the roster has too
// little noise history to train on.
func (r *Runner) sensorWeeks(ctx context.Context, name string) ([]epiweek.Week, error) {
	issue, err := r.mostRecentIssue(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := r.store.SensorWeeks(ctx, name, "nat")
	if err != nil {
		return nil, fmt.Errorf("listing %s weeks: %w", name, err)
	}
	var weeks []epiweek.Week
	for _, w := range stored {
		if w >= nowcast.FirstDataWeek && w <= issue {
			weeks = append(weeks, w)
		}
	}
	if len(weeks) <= nowcast.DefaultMinObservations {
		return nil, fmt.Errorf("sensor %s available <= %d weeks", name, nowcast.DefaultMinObservations)
	}
	return weeks[nowcast.DefaultMinObservations:], nil
}

// operational runs the full roster over all locations and every settled week
// with enough prior history to estimate sensor noise.
func (r *Runner) operational(ctx context.Context, shrinkage fusion.ShrinkageFactory) (parameters, error) {
	issue, err := r.mostRecentIssue(ctx)
	if err != nil {
		return parameters{}, err
	}
	weeks := epiweek.Range(nowcast.FirstDataWeek, issue)
	if len(weeks) <= nowcast.DefaultMinObservations {
		return parameters{}, fmt.Errorf("only %d weeks of truth available", len(weeks))
	}
	return parameters{
		sensors:   nowcast.DefaultSensors,
		locations: geo.RegionList(),
		weeks:     weeks[nowcast.DefaultMinObservations:],
		shrinkage: shrinkage,
	}, nil
}

func (r *Runner) mostRecentIssue(ctx context.Context) (epiweek.Week, error) {
	issue, err := r.api.MostRecentIssue(ctx, epiweek.FromTime(domain.Now()))
	if err != nil {
		return 0, fmt.Errorf("finding most recent issue: %w", err)
	}
	return issue, nil
}

// locationsAtResolution returns the reporting locations of a tier.
func locationsAtResolution(resolution string) ([]string, error) {
	switch resolution {
	case "national":
		return []string{"nat"}, nil
	case "regional":
		locations := []string{"nat"}
		locations = append(locations, geo.HHSRegions()...)
		return append(locations, geo.CensusRegions()...), nil
	case "state":
		return geo.RegionList(), nil
	}
	return nil, fmt.Errorf("resolution %q is not one of national, regional, state", resolution)
}

// save writes one headerless row per nowcast: epiweek, location, value,
// standard deviation.
func (r *Runner) save(path string, weeks []epiweek.Week, batches [][]nowcast.Row) error {
	total := 0
	for _, rows := range batches {
		total += len(rows)
	}
	r.logger.Info("saving nowcasts", "path", path, "rows", total)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	for i, rows := range batches {
		for _, row := range rows {
			record := []string{
				strconv.Itoa(int(weeks[i])),
				row.Location,
				strconv.FormatFloat(row.Value, 'f', -1, 64),
				strconv.FormatFloat(row.Stdev, 'f', -1, 64),
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("write row for %d: %w", weeks[i], err)
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush output file: %w", err)
	}
	return nil
}
