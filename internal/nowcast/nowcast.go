// Package nowcast fuses sensor readings into weekly (w)ILI estimates.
//
// Each sensor provides a noisy view of influenza activity for some set of
// locations. The nowcaster learns every sensor's noise against eventual
// ground truth, then combines the current week's readings through the
// sensor fusion kernel to estimate (w)ILI everywhere statespace can reach,
// aggregates included.
package nowcast

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/fusion"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

// DefaultMinObservations is the number of finite noise values a sensor
// column needs before it participates in a nowcast.
const DefaultMinObservations = 5

// DataSource supplies the truth and sensor readings nowcasts are built from.
// Lookups are expected to be cheap map reads; implementations load data in
// bulk up front.
type DataSource interface {
	// Locations returns every location a sensor reading may cover.
	Locations() []string
	// Sensors returns the sensor names.
	Sensors() []string
	// Weeks returns the weeks on which truth and readings may exist, oldest
	// first.
	Weeks() []epiweek.Week
	// MissingLocations returns the atoms with no truth for the week, or
	// nothing when truth for the week is entirely absent.
	MissingLocations(week epiweek.Week) []string
	// Truth returns the eventual (w)ILI for a week and location.
	Truth(week epiweek.Week, location string) (float64, bool)
	// Sensor returns one sensor's reading for a week and location.
	Sensor(week epiweek.Week, location, name string) (float64, bool)
}

// Input identifies one sensor matrix column: one sensor at one location.
type Input struct {
	Sensor   string
	Location string
}

// Row is one location's fused estimate for one week.
type Row struct {
	Location string
	Value    float64
	Stdev    float64
}

// Nowcaster produces fused nowcasts from a data source.
type Nowcaster struct {
	source          DataSource
	shrinkage       fusion.ShrinkageFactory
	minObservations int
	logger          *slog.Logger
	metrics         *observability.Metrics
}

// New builds a Nowcaster. A nil shrinkage factory selects the operational
// default, support-weighted diagonal blending.
func New(source DataSource, shrinkage fusion.ShrinkageFactory, logger *slog.Logger, metrics *observability.Metrics) *Nowcaster {
	if shrinkage == nil {
		shrinkage = fusion.NewBlendDiagonal2
	}
	return &Nowcaster{
		source:          source,
		shrinkage:       shrinkage,
		minObservations: DefaultMinObservations,
		logger:          logger.With("component", "nowcast"),
		metrics:         metrics,
	}
}

// sensorMatrix builds the training noise matrix and the test reading matrix
// for a batch of test weeks. Columns are (sensor, location) pairs in
// sensor-major order; noise rows are the source weeks strictly before the
// last test week, reading rows are the test weeks. A noise cell is the
// sensor's reading minus eventual truth, NaN when either side is missing.
// Columns with no finite noise or no finite reading anywhere are dropped.
func (n *Nowcaster) sensorMatrix(testWeeks []epiweek.Week) ([]Input, [][]float64, [][]float64) {
	locations := n.source.Locations()
	sensors := n.source.Sensors()

	last := testWeeks[0]
	for _, w := range testWeeks[1:] {
		if w > last {
			last = w
		}
	}
	var trainWeeks []epiweek.Week
	for _, w := range n.source.Weeks() {
		if w < last {
			trainWeeks = append(trainWeeks, w)
		}
	}

	inputs := make([]Input, 0, len(sensors)*len(locations))
	for _, sen := range sensors {
		for _, loc := range locations {
			inputs = append(inputs, Input{Sensor: sen, Location: loc})
		}
	}

	noise := nanRows(len(trainWeeks), len(inputs))
	readings := nanRows(len(testWeeks), len(inputs))
	for col, in := range inputs {
		for row, week := range trainWeeks {
			reading, ok := n.source.Sensor(week, in.Location, in.Sensor)
			if !ok {
				continue
			}
			truth, ok := n.source.Truth(week, in.Location)
			if !ok {
				continue
			}
			noise[row][col] = reading - truth
		}
		for row, week := range testWeeks {
			if reading, ok := n.source.Sensor(week, in.Location, in.Sensor); ok {
				readings[row][col] = reading
			}
		}
	}

	keep := make([]bool, len(inputs))
	kept := make([]Input, 0, len(inputs))
	for col := range inputs {
		keep[col] = columnHasFinite(noise, col) && columnHasFinite(readings, col)
		if keep[col] {
			kept = append(kept, inputs[col])
		}
	}
	return kept, filterColumns(noise, keep), filterColumns(readings, keep)
}

// weekSlice selects the training data and readings usable for one week. A
// column survives when its reading is finite, it is not excluded, and it has
// at least minObservations finite noise values over the weeks before the
// target. Rows with no finite value in any column are dropped; NaN holes
// inside surviving rows stay, since covariance estimation handles them
// pairwise. Returns the surviving columns' locations, in column order and
// with duplicates when several sensors cover one location.
func (n *Nowcaster) weekSlice(inputs []Input, noise [][]float64, week epiweek.Week, reading []float64, excludes []string) ([]string, [][]float64, []float64) {
	trainWeeks := n.source.Weeks()[:len(noise)]
	var past [][]float64
	for i, w := range trainWeeks {
		if w < week {
			past = append(past, noise[i])
		}
	}

	excluded := make(map[string]bool, len(excludes))
	for _, loc := range excludes {
		excluded[loc] = true
	}
	keep := make([]bool, len(inputs))
	var locations []string
	for col, in := range inputs {
		count := 0
		for _, row := range past {
			if finite(row[col]) {
				count++
			}
		}
		keep[col] = count >= n.minObservations && finite(reading[col]) && !excluded[in.Location]
		if keep[col] {
			locations = append(locations, in.Location)
		}
	}

	var rows [][]float64
	for _, row := range past {
		if rowHasFinite(row) {
			rows = append(rows, filterRow(row, keep))
		}
	}
	return locations, rows, filterRow(reading, keep)
}

// Compute fuses one week of sensor readings into estimates for every
// location statespace can determine. The noise matrix columns line up with
// locations and readings; season selects the population weights in effect,
// zero meaning current. Excluded atoms are removed from statespace so the
// aggregates they belong to renormalize over the locations actually
// reporting.
func Compute(locations []string, noise [][]float64, readings []float64, shrinkage fusion.ShrinkageFactory, season int, excludes []string) ([]Row, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("no usable sensor readings")
	}
	if len(noise) == 0 {
		return nil, fmt.Errorf("no training observations")
	}
	ss, err := fusion.DetermineStatespace(locations, season, excludes)
	if err != nil {
		return nil, fmt.Errorf("determining statespace: %w", err)
	}
	R := fusion.MLECov(denseFromRows(noise), shrinkage)

	z := mat.NewVecDense(len(readings), readings)
	x, P, err := fusion.Fuse(z, R, ss.H)
	if err != nil {
		return nil, err
	}
	y, S := fusion.Extract(x, P, ss.W)
	stdev := fusion.Stdevs(S)

	rows := make([]Row, len(ss.Outputs))
	for i, loc := range ss.Outputs {
		rows[i] = Row{Location: loc, Value: y.AtVec(i), Stdev: stdev[i]}
	}
	return rows, nil
}

// Batch nowcasts each test week. The model is retrained per week so that no
// training data comes from the target week or later, but the matrix assembly
// is shared across the whole batch.
func (n *Nowcaster) Batch(ctx context.Context, testWeeks []epiweek.Week) ([][]Row, error) {
	if len(testWeeks) == 0 {
		return nil, fmt.Errorf("no weeks to nowcast")
	}
	inputs, noise, readings := n.sensorMatrix(testWeeks)

	out := make([][]Row, 0, len(testWeeks))
	for i, week := range testWeeks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		excludes := n.source.MissingLocations(week)
		locations, weekNoise, weekReadings := n.weekSlice(inputs, noise, week, readings[i], excludes)
		rows, err := Compute(locations, weekNoise, weekReadings, n.shrinkage, week.Season(), excludes)
		if err != nil {
			n.metrics.NowcastErrors.Inc()
			return nil, fmt.Errorf("nowcasting %s: %w", week, err)
		}
		n.metrics.NowcastsComputed.Add(float64(len(rows)))
		n.logger.Info("nowcast computed",
			"epiweek", week, "location", rows[0].Location, "value", rows[0].Value,
			"stdev", rows[0].Stdev, "rows", len(rows))
		out = append(out, rows)
	}
	return out, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// nanRows returns an r by c matrix of NaN.
func nanRows(r, c int) [][]float64 {
	rows := make([][]float64, r)
	for i := range rows {
		row := make([]float64, c)
		for j := range row {
			row[j] = math.NaN()
		}
		rows[i] = row
	}
	return rows
}

func columnHasFinite(rows [][]float64, col int) bool {
	for _, row := range rows {
		if finite(row[col]) {
			return true
		}
	}
	return false
}

func rowHasFinite(row []float64) bool {
	for _, v := range row {
		if finite(v) {
			return true
		}
	}
	return false
}

func filterRow(row []float64, keep []bool) []float64 {
	out := make([]float64, 0, len(row))
	for i, v := range row {
		if keep[i] {
			out = append(out, v)
		}
	}
	return out
}

func filterColumns(rows [][]float64, keep []bool) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = filterRow(row, keep)
	}
	return out
}

// denseFromRows copies non-empty row-major data into a Dense matrix.
func denseFromRows(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}
