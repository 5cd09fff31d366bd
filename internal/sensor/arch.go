package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// archSeasons is one location's ILINet history split into 52-week season
// curves starting on week 30. Incomplete seasons are dropped, and the 2009
// pandemic's fall rebound is spliced onto the tail of the 2008 season so the
// pandemic never contributes a curve of its own.
type archSeasons struct {
	years  []int
	curves map[int][]float64
}

// fitArch predicts next week's wILI by fitting a shifted and scaled archetype
// season against the trajectory observed so far this season.
func (s *Sensors) fitArch(ctx context.Context, location string, train epiweek.Week, valid bool) (float64, error) {
	// There is no trajectory worth extrapolating between seasons.
	if w := train.WeekOfYear(); w >= 20 && w < 39 {
		return 0, errors.New("no prediction during the off-season")
	}
	seasons, ok := s.archData[location]
	if !ok {
		var err error
		seasons, err = newArchSeasons(ctx, s.api, location)
		if err != nil {
			return 0, err
		}
		s.archData[location] = seasons
	}
	model, err := newArchetype(seasons.completeBy(train))
	if err != nil {
		return 0, err
	}
	curve, err := s.archTrajectory(ctx, location, train, valid)
	if err != nil {
		return 0, err
	}
	arch := archFit(model, curve)
	return arch[len(curve)], nil
}

func newArchSeasons(ctx context.Context, api Epidata, location string) (*archSeasons, error) {
	rows, err := api.Fluview(ctx, location, signalFirst, historyLast)
	if err != nil {
		return nil, fmt.Errorf("fetching wILI history: %w", err)
	}
	seasons := make(map[int]map[int]float64)
	for _, row := range rows {
		year := row.Epiweek.Year()
		if row.Epiweek.WeekOfYear() < archWeek0 {
			year--
		}
		i := row.Epiweek.Sub(epiweek.Join(year, archWeek0))
		if i < 0 || i >= 52 {
			continue
		}
		if seasons[year] == nil {
			seasons[year] = make(map[int]float64)
		}
		seasons[year][i] = row.WILI
	}
	for year, weeks := range seasons {
		if len(weeks) != 52 {
			delete(seasons, year)
		}
	}
	if seasons[2008] != nil && seasons[2009] != nil {
		for i := 40; i < 52; i++ {
			seasons[2008][i] = seasons[2009][i]
		}
		delete(seasons, 2009)
	}

	d := &archSeasons{curves: make(map[int][]float64, len(seasons))}
	for year, weeks := range seasons {
		curve := make([]float64, 52)
		for i := range curve {
			curve[i] = weeks[i]
		}
		d.years = append(d.years, year)
		d.curves[year] = curve
	}
	sort.Ints(d.years)
	return d, nil
}

// completeBy returns the curves of every season that had fully ended by ew.
func (d *archSeasons) completeBy(ew epiweek.Week) [][]float64 {
	var curves [][]float64
	for _, year := range d.years {
		if ew >= epiweek.Join(year+1, 29) {
			curves = append(curves, d.curves[year])
		}
	}
	return curves
}

// archTrajectory assembles wILI from week 30 of the current season through
// ew. In valid mode the five weeks closest to ew must come from the record as
// published on ew; anything older may fall back to stable values.
func (s *Sensors) archTrajectory(ctx context.Context, location string, ew epiweek.Week, valid bool) ([]float64, error) {
	year := ew.Year()
	if ew.WeekOfYear() < archWeek0 {
		year--
	}
	first := epiweek.Join(year, archWeek0)
	limit := ew.Add(-5)

	stable, err := s.api.Fluview(ctx, location, first, ew)
	if err != nil {
		return nil, fmt.Errorf("fetching stable wILI: %w", err)
	}
	var unstable []epidata.FluviewRow
	if rows, err := s.api.FluviewIssue(ctx, location, first, ew, ew); err == nil {
		unstable = rows
	}

	wili := make(map[epiweek.Week]float64)
	for _, row := range stable {
		if !valid || row.Epiweek < limit {
			wili[row.Epiweek] = row.WILI
		}
	}
	for _, row := range unstable {
		wili[row.Epiweek] = row.WILI
	}

	weeks := epiweek.Range(first, ew)
	curve := make([]float64, 0, len(weeks))
	for _, w := range weeks {
		v, ok := wili[w]
		if !ok {
			kind := "any"
			if valid {
				kind = "unstable"
			}
			return nil, fmt.Errorf("wILI (%s) not available for week %s", kind, w)
		}
		curve = append(curve, v)
	}
	return curve, nil
}

// archFit finds the shift and scale of the archetype that best continues the
// observed partial trajectory. Weeks are weighted by inverse standard
// deviation, the five most recent ones double. A coarse grid search seeds a
// simplex refinement.
func archFit(model *archetype, curve []float64) []float64 {
	const bins = 32
	shifts := floats.Span(make([]float64, bins), -10, 10)
	scales := floats.Span(make([]float64, bins), 0.25, 4)
	step := math.Max(shifts[1]-shifts[0], scales[1]-scales[0])

	i := len(curve)
	test := make([]float64, 0, len(model.mean))
	test = append(test, curve...)
	test = append(test, model.mean[i:]...)
	weights := make([]float64, len(model.variance))
	for j, v := range model.variance {
		weights[j] = 1 / math.Sqrt(v)
	}
	if i >= 5 {
		for j := i - 5; j < i; j++ {
			weights[j] *= 2
		}
	}

	objective := func(params []float64) float64 {
		shift, scale := params[0], params[1]
		if shift < -11 || shift > 11 || scale < 0.2 || scale > 5 {
			return 1e6
		}
		arch := model.instance(scale, shift, true)
		var score float64
		for j := range test {
			d := weights[j] * (test[j] - arch[j])
			score += d * d
		}
		return score / float64(len(test))
	}

	bestShift, bestScale := shifts[0], scales[0]
	bestScore := math.Inf(1)
	for _, shift := range shifts {
		for _, scale := range scales {
			if score := objective([]float64{shift, scale}); score < bestScore {
				bestScore = score
				bestShift, bestScale = shift, scale
			}
		}
	}
	best := nelderMead(objective, []float64{bestShift, bestScale}, step, 1024)
	return model.instance(best[1], best[0], true)
}
