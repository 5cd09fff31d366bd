package sensor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// affineSignal builds a one-field signal x_i = 1 + 0.3i over consecutive
// weeks and the matching truth rows wili = 2 + 3x.
func affineSignal(first epiweek.Week, n int) (signal, []epidata.FluviewRow) {
	sig := make(signal, n)
	rows := make([]epidata.FluviewRow, 0, n)
	w := first
	for i := 0; i < n; i++ {
		x := 1 + 0.3*float64(i)
		sig[w] = []float64{x}
		rows = append(rows, epidata.FluviewRow{Region: "nat", Epiweek: w, WILI: 2 + 3*x})
		w = w.Add(1)
	}
	return sig, rows
}

func staticFetch(sig signal) signalFunc {
	return func(context.Context, epiweek.Week, epiweek.Week) (signal, error) {
		return sig, nil
	}
}

func TestFitLochNessRecoversAffineTruth(t *testing.T) {
	// 21 signal weeks ending at the test week; the 20 training weeks are too
	// few for the periodic bias terms, so the fit is a plain weighted affine
	// regression and recovers the exact relationship.
	sig, rows := affineSignal(201001, 21)
	training := rows[:20]
	api := &fakeAPI{
		fluviewIssue: func(region string, from, to, issue epiweek.Week) ([]epidata.FluviewRow, error) {
			assert.Equal(t, epiweek.Week(201020), issue)
			return training, nil
		},
		// Stable truth is garbage; the fit must prefer the as-of-issue rows.
		fluview: func(string, epiweek.Week, epiweek.Week) ([]epidata.FluviewRow, error) {
			garbage := make([]epidata.FluviewRow, len(training))
			copy(garbage, training)
			for i := range garbage {
				garbage[i].WILI = 999
			}
			return garbage, nil
		},
	}
	s := NewSensors(api, "", testLogger())

	value, err := s.fitLochNess(context.Background(), "nat", 201020, false, "gft", 1, staticFetch(sig))
	require.NoError(t, err)

	xTest := sig[201021][0]
	assert.InDelta(t, 2+3*xTest, value, 1e-6)
}

func TestFitLochNessMissingTestWeek(t *testing.T) {
	sig, rows := affineSignal(201001, 20)
	api := &fakeAPI{
		fluview: func(string, epiweek.Week, epiweek.Week) ([]epidata.FluviewRow, error) {
			return rows, nil
		},
	}
	s := NewSensors(api, "", testLogger())

	_, err := s.fitLochNess(context.Background(), "nat", 201020, false, "gft", 1, staticFetch(sig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gft unavailable on 201021")
}

func TestFitLochNessTooFewSignalWeeks(t *testing.T) {
	sig, _ := affineSignal(201019, 3)
	s := NewSensors(&fakeAPI{}, "", testLogger())

	_, err := s.fitLochNess(context.Background(), "nat", 201020, false, "gft", 1, staticFetch(sig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gft available less than 4 weeks")
}

func TestFitLochNessTooFewTruthWeeks(t *testing.T) {
	sig, rows := affineSignal(201015, 7)
	api := &fakeAPI{
		fluview: func(string, epiweek.Week, epiweek.Week) ([]epidata.FluviewRow, error) {
			return rows[:2], nil
		},
	}
	s := NewSensors(api, "", testLogger())

	_, err := s.fitLochNess(context.Background(), "nat", 201020, false, "gft", 1, staticFetch(sig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(w)ILI available less than 3 weeks")
}

func TestFitLochNessFetchErrorPropagates(t *testing.T) {
	s := NewSensors(&fakeAPI{}, "", testLogger())
	fetchErr := errors.New("gft is down")
	fetch := func(context.Context, epiweek.Week, epiweek.Week) (signal, error) {
		return nil, fetchErr
	}

	_, err := s.fitLochNess(context.Background(), "nat", 201020, false, "gft", 1, fetch)
	assert.ErrorIs(t, err, fetchErr)
}

func TestTrainingSetValidModeRequiresRecentUnstable(t *testing.T) {
	sig, rows := affineSignal(201001, 21)
	// As-of-issue truth is missing 201019, two weeks before the test week.
	var unstable []epidata.FluviewRow
	for _, row := range rows[:20] {
		if row.Epiweek != 201019 {
			unstable = append(unstable, row)
		}
	}
	api := &fakeAPI{
		fluviewIssue: func(string, epiweek.Week, epiweek.Week, epiweek.Week) ([]epidata.FluviewRow, error) {
			return unstable, nil
		},
		fluview: func(string, epiweek.Week, epiweek.Week) ([]epidata.FluviewRow, error) {
			return rows[:20], nil
		},
	}
	s := NewSensors(api, "", testLogger())

	_, _, _, err := s.trainingSet(context.Background(), "nat", 201020, sig, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unstable wILI is not available on 201019")

	// Without valid mode the stable record fills the gap.
	weeks, _, _, err := s.trainingSet(context.Background(), "nat", 201020, sig, false)
	require.NoError(t, err)
	assert.Contains(t, weeks, epiweek.Week(201019))
}

func TestTrainingSetDropsWeeksWithoutTruth(t *testing.T) {
	sig, rows := affineSignal(201001, 6)
	sig[200340] = []float64{5}
	api := &fakeAPI{
		fluview: func(string, epiweek.Week, epiweek.Week) ([]epidata.FluviewRow, error) {
			return rows, nil
		},
	}
	s := NewSensors(api, "", testLogger())

	weeks, x, y, err := s.trainingSet(context.Background(), "nat", 201006, sig, false)
	require.NoError(t, err)
	assert.Equal(t, epiweek.Range(201001, 201006), weeks)
	assert.Len(t, x, 6)
	assert.Len(t, y, 6)
	assert.NotContains(t, weeks, epiweek.Week(200340))
}

func TestLochNessModelPeriodicActivation(t *testing.T) {
	build := func(weeks []epiweek.Week) int {
		x := make([][]float64, len(weeks))
		y := make([]float64, len(weeks))
		for i := range weeks {
			x[i] = []float64{math.Sin(float64(i)), math.Cos(float64(2 * i))}
			y[i] = 1 + float64(i%7)
		}
		beta, _, err := lochNessModel(weeks[len(weeks)-1].Add(1), weeks, x, y)
		require.NoError(t, err)
		return beta.Len()
	}

	// 20 consecutive weeks: constant bias only.
	assert.Equal(t, 3, build(epiweek.Range(201001, 201020)))

	// 60 consecutive weeks: span and count both qualify for periodic bias.
	assert.Equal(t, 5, build(epiweek.Range(201001, 201108)))
}

func TestLochNessModelLengthMismatch(t *testing.T) {
	weeks := epiweek.Range(201001, 201005)
	x := [][]float64{{1}, {2}}
	y := []float64{1, 2, 3, 4, 5}
	_, _, err := lochNessModel(201006, weeks, x, y)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "length mismatch")
}

func TestLochNessWeight(t *testing.T) {
	// One week back: half-killed by the recency factor.
	assert.InDelta(t, 0.465, lochNessWeight(1), 0.001)

	// The same time last year outweighs mid-year distance.
	assert.Greater(t, lochNessWeight(52), lochNessWeight(26))

	// No week is weightless.
	for _, dw := range []int{1, 10, 26, 52, 104, 520} {
		assert.Greater(t, lochNessWeight(dw), 0.0)
	}
}

func TestPeriodicBias(t *testing.T) {
	sin, cos := periodicBias(200001)
	assert.InDelta(t, 0, sin, 1e-12)
	assert.InDelta(t, 1, cos, 1e-12)

	sin, cos = periodicBias(201733)
	assert.InDelta(t, 1, sin*sin+cos*cos, 1e-12)
}
