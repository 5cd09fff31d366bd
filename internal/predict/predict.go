// Package predict fits per-target-week regressions of official wILI against
// an external trends series and predicts wILI where official numbers are not
// yet out.
//
// Each target week gets its own model: ordinary least squares over the 52
// training weeks ending four weeks before the target, with truth taken from
// the issue immediately preceding the target. Training never includes the
// target week itself.
package predict

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/trendfile"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

const (
	// TrainSize is the number of weeks in each training window.
	TrainSize = 52
	// TrainLag is how many weeks of recent truth are considered too unstable
	// to train on, beyond the one-week publication gap.
	TrainLag = 3
)

// TruthProvider serves official (w)ILI values for one location, keyed by
// epiweek. A non-zero issue asks for values as they were known in that
// issue; zero asks for the stable record.
type TruthProvider interface {
	Truth(ctx context.Context, location string, from, to, issue epiweek.Week) (map[epiweek.Week]float64, error)
}

// Engine turns a trends series plus historical truth into wILI predictions.
type Engine struct {
	truth  TruthProvider
	logger *slog.Logger
}

func NewEngine(truth TruthProvider, logger *slog.Logger) *Engine {
	return &Engine{truth: truth, logger: logger.With("component", "predict")}
}

// Run reads the trends file, predicts every week in [first, last], and
// writes `epiweek,prediction` rows to outPath.
func (e *Engine) Run(ctx context.Context, location string, first, last epiweek.Week, trendsPath, outPath string) error {
	series, err := trendfile.ReadFile(trendsPath)
	if err != nil {
		return fmt.Errorf("reading trends: %w", err)
	}

	rows, err := e.MakePredictions(ctx, location, first, last, series)
	if err != nil {
		return err
	}

	if err := trendfile.WriteFile(outPath, rows); err != nil {
		return fmt.Errorf("writing predictions: %w", err)
	}
	e.logger.Info("wrote predictions",
		"location", location,
		"first", first,
		"last", last,
		"rows", len(rows),
		"path", outPath)
	return nil
}

// MakePredictions fits one regression per target week in [first, last] and
// returns the predictions in epiweek order.
func (e *Engine) MakePredictions(ctx context.Context, location string, first, last epiweek.Week, series trendfile.Series) ([]trendfile.Row, error) {
	if err := epiweek.Check(first); err != nil {
		return nil, err
	}
	if err := epiweek.Check(last); err != nil {
		return nil, err
	}
	if last < first {
		return nil, fmt.Errorf("empty prediction range %s-%s", first, last)
	}

	rows := make([]trendfile.Row, 0, last.Sub(first)+1)
	for _, target := range epiweek.Range(first, last) {
		value, err := e.predictWeek(ctx, location, target, series)
		if err != nil {
			return nil, fmt.Errorf("predicting %s %s: %w", location, target, err)
		}
		e.logger.Debug("predicted", "location", location, "epiweek", target, "value", value)
		rows = append(rows, trendfile.Row{Week: target, Value: value})
	}
	return rows, nil
}

// predictWeek fits the training-window regression for one target week and
// evaluates it at the target's trend value.
func (e *Engine) predictWeek(ctx context.Context, location string, target epiweek.Week, series trendfile.Series) (float64, error) {
	week1 := target.Add(-(TrainSize + TrainLag))
	week2 := target.Add(-(TrainLag + 1))
	issue := target.Add(-1)
	window := epiweek.Range(week1, week2)

	signal, ok := series[target]
	if !ok {
		return 0, fmt.Errorf("no trend value for target week %s", target)
	}

	xs, missing := windowValues(window, series)
	if len(missing) > 0 {
		return 0, fmt.Errorf("trends series is missing %s", describeMissing(missing))
	}

	truth, err := e.truth.Truth(ctx, location, week1, week2, issue)
	if err != nil {
		return 0, fmt.Errorf("fetching truth as of %s: %w", issue, err)
	}
	ys, missing := windowValues(window, truth)
	if len(missing) > 0 {
		return 0, fmt.Errorf("truth as of %s is missing %s", issue, describeMissing(missing))
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	return alpha + beta*signal, nil
}

// windowValues collects the window's values in week order, along with any
// weeks the series has no value for.
func windowValues(window []epiweek.Week, series map[epiweek.Week]float64) (values []float64, missing []epiweek.Week) {
	values = make([]float64, 0, len(window))
	for _, w := range window {
		v, ok := series[w]
		if !ok {
			missing = append(missing, w)
			continue
		}
		values = append(values, v)
	}
	return values, missing
}

func describeMissing(weeks []epiweek.Week) string {
	if len(weeks) == 1 {
		return fmt.Sprintf("week %s", weeks[0])
	}
	return fmt.Sprintf("%d weeks in %s-%s", len(weeks), weeks[0], weeks[len(weeks)-1])
}
