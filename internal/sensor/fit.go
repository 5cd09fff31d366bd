package sensor

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// signal is an epiweek-keyed series of feature vectors for one source.
type signal map[epiweek.Week][]float64

// signalFunc fetches a source's feature rows over an inclusive week range.
type signalFunc func(ctx context.Context, from, to epiweek.Week) (signal, error)

// fitLochNess fits a weighted regression of (w)ILI on the source's features
// and evaluates it at the test week (the week after train). Weights fall off
// with distance from the test week and bump at the same time of prior years;
// when history is long enough the model also carries sin/cos seasonal bias
// terms.
func (s *Sensors) fitLochNess(ctx context.Context, location string, train epiweek.Week, valid bool, name string, numFields int, fetch signalFunc) (float64, error) {
	test := train.Add(1)
	sig, err := fetch(ctx, signalFirst, test)
	if err != nil {
		return 0, err
	}

	minRows := 3 + numFields
	testRow, ok := sig[test]
	if !ok {
		return 0, fmt.Errorf("%s unavailable on %s", name, test)
	}
	if len(sig) < minRows {
		return 0, fmt.Errorf("%s available less than %d weeks", name, minRows)
	}

	weeks, x, y, err := s.trainingSet(ctx, location, train, sig, valid)
	if err != nil {
		return 0, err
	}
	if len(y) < minRows-1 {
		return 0, fmt.Errorf("(w)ILI available less than %d weeks", minRows-1)
	}

	beta, periodic, err := lochNessModel(test, weeks, x, y)
	if err != nil {
		return 0, err
	}
	return applyLochNess(test, beta, periodic, testRow), nil
}

// trainingSet pairs signal weeks with (w)ILI truth. Truth prefers values as
// published in the train issue; older weeks fall back to the stable record.
// In valid mode the five weeks closest to the test week must have unstable
// values, and signal weeks with no truth at all are dropped.
func (s *Sensors) trainingSet(ctx context.Context, location string, train epiweek.Week, sig signal, valid bool) ([]epiweek.Week, [][]float64, []float64, error) {
	test := train.Add(1)

	var unstable map[epiweek.Week]float64
	if rows, err := s.api.FluviewIssue(ctx, location, signalFirst, train, train); err == nil {
		unstable = wiliByWeek(rows)
	}
	rows, err := s.api.Fluview(ctx, location, signalFirst, train)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fetching stable wILI: %w", err)
	}
	stable := wiliByWeek(rows)

	truth := make(map[epiweek.Week]float64, len(sig))
	dropped := 0
	for ew := range sig {
		if ew == test {
			continue
		}
		wili, ok := unstable[ew]
		if !ok {
			if valid && test.Sub(ew) <= 5 {
				return nil, nil, nil, fmt.Errorf("unstable wILI is not available on %s", ew)
			}
			wili, ok = stable[ew]
			if !ok {
				dropped++
				continue
			}
		}
		truth[ew] = wili
	}
	if dropped > 0 {
		s.logger.Warn("dropped signal weeks with no (w)ILI",
			"location", location, "dropped", dropped, "total", len(sig))
	}

	weeks := make([]epiweek.Week, 0, len(truth))
	for ew := range truth {
		weeks = append(weeks, ew)
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i] < weeks[j] })

	x := make([][]float64, len(weeks))
	y := make([]float64, len(weeks))
	for i, ew := range weeks {
		x[i] = sig[ew]
		y[i] = truth[ew]
	}
	return weeks, x, y, nil
}

func wiliByWeek(rows []epidata.FluviewRow) map[epiweek.Week]float64 {
	out := make(map[epiweek.Week]float64, len(rows))
	for _, row := range rows {
		out[row.Epiweek] = row.WILI
	}
	return out
}

// lochNessModel solves the weighted least squares system. The feature matrix
// gains a constant bias column, plus sin/cos seasonal columns once there are
// at least 26 training weeks spanning at least a year.
func lochNessModel(test epiweek.Week, weeks []epiweek.Week, x [][]float64, y []float64) (*mat.VecDense, bool, error) {
	n := len(weeks)
	if n != len(x) || n != len(y) {
		return nil, false, fmt.Errorf("length mismatch e=%d x=%d y=%d", n, len(x), len(y))
	}
	nx := len(x[0])
	periodic := n >= 26 && weeks[n-1].Sub(weeks[0]) >= 52

	cols := nx + 1
	if periodic {
		cols += 2
	}
	xm := mat.NewDense(n, cols, nil)
	wv := make([]float64, n)
	for i, ew := range weeks {
		if len(x[i]) != nx {
			return nil, false, fmt.Errorf("ragged feature row on %s", ew)
		}
		for j, v := range x[i] {
			xm.Set(i, j, v)
		}
		xm.Set(i, nx, 1)
		if periodic {
			sin, cos := periodicBias(ew)
			xm.Set(i, nx+1, sin)
			xm.Set(i, nx+2, cos)
		}
		wv[i] = lochNessWeight(test.Sub(ew))
	}
	w := mat.NewDiagDense(n, wv)

	var xtw mat.Dense
	xtw.Mul(xm.T(), w)
	var xtwx mat.Dense
	xtwx.Mul(&xtw, xm)
	var xtwy mat.VecDense
	xtwy.MulVec(&xtw, mat.NewVecDense(n, y))

	var beta mat.VecDense
	if err := beta.SolveVec(&xtwx, &xtwy); err != nil {
		return nil, false, fmt.Errorf("singular training matrix: %w", err)
	}
	return &beta, periodic, nil
}

func applyLochNess(test epiweek.Week, beta *mat.VecDense, periodic bool, values []float64) float64 {
	obs := make([]float64, 0, len(values)+3)
	obs = append(obs, values...)
	obs = append(obs, 1)
	if periodic {
		sin, cos := periodicBias(test)
		obs = append(obs, sin, cos)
	}
	return mat.Dot(mat.NewVecDense(len(obs), obs), beta)
}

// lochNessWeight weights a training week dw weeks before the test week. It
// drops sharply over the most recent few weeks, decays exponentially with a
// one-year half-life, bumps at the same time of prior years, and never
// reaches zero.
func lochNessWeight(dw int) float64 {
	const (
		yr = 52.2
		bw = 4.0
		a  = 0.05
	)
	m := math.Mod(float64(dw), yr)
	b := math.Exp(-math.Pow(math.Min(m, yr-m)/bw, 2))
	c := math.Pow(2, -float64(dw)/yr)
	d := 1 - math.Pow(2, -float64(dw))
	return (a + (1-a)*b) * c * d
}

// periodicBias returns sin/cos of the week's phase within an average year.
func periodicBias(w epiweek.Week) (float64, float64) {
	const weeksPerYear = 52.2
	offset := math.Mod(float64(w.Sub(200001)), weeksPerYear)
	angle := 2 * math.Pi * offset / weeksPerYear
	return math.Sin(angle), math.Cos(angle)
}
