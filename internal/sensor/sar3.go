package sensor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// stableLag keys the fully-revised wILI value in a sar3Model row, alongside
// the preliminary values at lags 0 through 2.
const stableLag = 3

// sar3Model is a seasonal autoregression of order 3. Each prediction regresses
// next week's wILI on an intercept, the three most recent preliminary wILI
// values, and four holiday indicators covering the weeks around new year.
//
// The 2009 pandemic weeks are cut out of the index entirely so that lagged
// features never straddle them. Missing preliminary values fall back to the
// stable record during training; during prediction that fallback is refused
// when valid mode is on.
type sar3Model struct {
	data  map[int]map[int]float64
	valid map[int]map[int]bool
	ew2i  map[epiweek.Week]int
	i2ew  map[int]epiweek.Week
	weeks []int
}

func (s *Sensors) fitSAR3(ctx context.Context, location string, train epiweek.Week, valid bool) (float64, error) {
	model, ok := s.sar3Models[location]
	if !ok {
		var err error
		model, err = newSAR3Model(ctx, s.api, location)
		if err != nil {
			return 0, err
		}
		s.sar3Models[location] = model
	}
	return model.predict(train, valid)
}

func newSAR3Model(ctx context.Context, api Epidata, location string) (*sar3Model, error) {
	m := &sar3Model{
		data:  make(map[int]map[int]float64),
		valid: make(map[int]map[int]bool),
		ew2i:  make(map[epiweek.Week]int),
		i2ew:  make(map[int]epiweek.Week),
	}
	for _, ew := range epiweek.Range(signalFirst, historyLast) {
		if ew >= 200916 && ew <= 201015 {
			continue
		}
		i := len(m.ew2i)
		m.ew2i[ew] = i
		m.i2ew[i] = ew
	}

	var rows []epidata.FluviewRow
	for lag := 0; lag <= 2; lag++ {
		lagRows, err := api.FluviewLag(ctx, location, signalFirst, historyLast, lag)
		if err != nil {
			return nil, fmt.Errorf("fetching wILI at lag %d: %w", lag, err)
		}
		rows = append(rows, lagRows...)
	}
	stableRows, err := api.Fluview(ctx, location, signalFirst, historyLast)
	if err != nil {
		return nil, fmt.Errorf("fetching stable wILI: %w", err)
	}
	rows = append(rows, stableRows...)

	for _, row := range rows {
		i, ok := m.ew2i[row.Epiweek]
		if !ok {
			continue
		}
		if m.data[i] == nil {
			m.data[i] = make(map[int]float64)
			m.valid[i] = make(map[int]bool)
		}
		lag := row.Lag
		if lag < 0 || lag > 2 {
			lag = stableLag
		}
		m.data[i][lag] = row.WILI
		m.valid[i][lag] = true
	}

	m.weeks = make([]int, 0, len(m.data))
	for i := range m.data {
		m.weeks = append(m.weeks, i)
	}
	sort.Ints(m.weeks)

	// Backfill preliminary values from the stable record. The valid flags
	// stay false so valid-mode prediction still refuses these weeks.
	for _, i := range m.weeks {
		stable, ok := m.data[i][stableLag]
		if !ok {
			continue
		}
		for lag := 0; lag <= 2; lag++ {
			if _, ok := m.data[i][lag]; !ok {
				m.data[i][lag] = stable
			}
		}
	}
	return m, nil
}

// features builds the 8-element covariate row for one week. In valid mode a
// lagged value is only used if it was actually published at that lag.
func (m *sar3Model) features(ew epiweek.Week, valid bool) ([]float64, error) {
	i, ok := m.ew2i[ew]
	if !ok {
		return nil, fmt.Errorf("no index for %s", ew)
	}
	x := make([]float64, 8)
	x[0] = 1
	for lag := 0; lag <= 2; lag++ {
		if valid && !m.valid[i-lag][lag] {
			return nil, fmt.Errorf("missing unstable wILI (ew=%s|lag=%d)", m.i2ew[i-lag], lag)
		}
		v, ok := m.data[i-lag][lag]
		if !ok {
			return nil, fmt.Errorf("no wILI for %s at lag %d", m.i2ew[i-lag], lag)
		}
		x[1+lag] = v
	}
	for holiday := 0; holiday < 4; holiday++ {
		if ew.Add(holiday).WeekOfYear() == 1 {
			x[4+holiday] = 1
		}
	}
	return x, nil
}

// train fits the regression on all weeks from the third observed index
// through five weeks before the training week.
func (m *sar3Model) train(ew epiweek.Week) (*mat.VecDense, error) {
	i, ok := m.ew2i[ew]
	if !ok {
		return nil, errors.New("not predicting during the pandemic")
	}
	if len(m.weeks) < 3 {
		return nil, errors.New("not enough wILI history")
	}
	i1 := m.weeks[2]
	i2 := i - 5
	n := i2 - i1 + 1
	if n < 1 {
		return nil, fmt.Errorf("no training data before %s", ew)
	}

	x := mat.NewDense(n, 8, nil)
	y := mat.NewVecDense(n, nil)
	for r := 0; r < n; r++ {
		idx := i1 + r
		feats, err := m.features(m.i2ew[idx], false)
		if err != nil {
			return nil, err
		}
		x.SetRow(r, feats)
		next, ok := m.data[idx+1][stableLag]
		if !ok {
			return nil, fmt.Errorf("no stable wILI after %s", m.i2ew[idx])
		}
		y.SetVec(r, next)
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var xty mat.VecDense
	xty.MulVec(x.T(), y)
	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return nil, fmt.Errorf("singular training matrix: %w", err)
	}
	return &beta, nil
}

func (m *sar3Model) predict(ew epiweek.Week, valid bool) (float64, error) {
	beta, err := m.train(ew)
	if err != nil {
		return 0, err
	}
	feats, err := m.features(ew, valid)
	if err != nil {
		return 0, err
	}
	return mat.Dot(mat.NewVecDense(len(feats), feats), beta), nil
}
