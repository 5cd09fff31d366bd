package fusion

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func ratMatrix(rows [][]int64) [][]*big.Rat {
	m := make([][]*big.Rat, len(rows))
	for i, row := range rows {
		m[i] = make([]*big.Rat, len(row))
		for j, v := range row {
			m[i][j] = big.NewRat(v, 1)
		}
	}
	return m
}

func ratsApproxEqual(t *testing.T, want [][]float64, got [][]*big.Rat) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Len(t, got[i], len(want[i]))
		for j := range want[i] {
			f, _ := got[i][j].Float64()
			assert.InDelta(t, want[i][j], f, 1e-12, "entry (%d,%d)", i, j)
		}
	}
}

func TestFuse(t *testing.T) {
	const numStates, numInputs = 5, 10

	// Five direct state sensors plus five uniform-average sensors.
	H := mat.NewDense(numInputs, numStates, nil)
	for i := 0; i < numStates; i++ {
		H.Set(i, i, 1)
	}
	for i := numStates; i < numInputs; i++ {
		for j := 0; j < numStates; j++ {
			H.Set(i, j, 1.0/numStates)
		}
	}
	z := mat.NewVecDense(numInputs, nil)
	for i := 0; i < numInputs; i++ {
		z.SetVec(i, 1)
	}
	R := mat.NewSymDense(numInputs, nil)
	for i := 0; i < numInputs; i++ {
		R.SetSym(i, i, 1)
	}

	x, P, err := Fuse(z, R, H)
	require.NoError(t, err)

	for i := 0; i < numStates; i++ {
		assert.InDelta(t, 1.0, x.AtVec(i), 1e-12)
	}

	// With unit noise, P is the inverse of Hᵀ H.
	var info mat.Dense
	info.Mul(H.T(), H)
	var expected mat.Dense
	require.NoError(t, expected.Inverse(&info))
	assert.True(t, mat.EqualApprox(&expected, P, 1e-12))
}

func TestFuseRejectsBadInputs(t *testing.T) {
	H := mat.NewDense(2, 1, []float64{1, 1})
	z := mat.NewVecDense(3, nil)
	R := mat.NewSymDense(2, nil)

	_, _, err := Fuse(z, R, H)
	require.Error(t, err, "reading length must match sensor rows")

	// Zero noise covariance is not positive definite.
	z2 := mat.NewVecDense(2, nil)
	_, _, err = Fuse(z2, R, H)
	require.Error(t, err)
}

func TestExtract(t *testing.T) {
	const numStates, numOutputs = 5, 10

	x := mat.NewVecDense(numStates, nil)
	P := mat.NewDense(numStates, numStates, nil)
	for i := 0; i < numStates; i++ {
		x.SetVec(i, 1)
		P.Set(i, i, 1)
	}
	W := mat.NewDense(numOutputs, numStates, nil)
	for i := 0; i < numOutputs; i++ {
		for j := 0; j < numStates; j++ {
			W.Set(i, j, 1.0/numStates)
		}
	}

	y, S := Extract(x, P, W)
	for i := 0; i < numOutputs; i++ {
		assert.InDelta(t, 1.0, y.AtVec(i), 1e-12)
		for j := 0; j < numOutputs; j++ {
			assert.InDelta(t, 1.0/numStates, S.At(i, j), 1e-12)
		}
	}
}

func TestStdevs(t *testing.T) {
	S := mat.NewDense(2, 2, []float64{4, 0, 0, -1e-18})
	got := Stdevs(S)
	assert.Equal(t, 2.0, got[0])
	assert.Equal(t, 0.0, got[1], "roundoff negatives clamp to zero")
}

func TestRREF(t *testing.T) {
	t.Run("negated identity", func(t *testing.T) {
		m := rref(ratMatrix([][]int64{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}}))
		ratsApproxEqual(t, [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, m)
	})

	t.Run("full rank", func(t *testing.T) {
		m := rref(ratMatrix([][]int64{{6, 7, 8}, {3, 5, 7}, {11, 23, 31}}))
		ratsApproxEqual(t, [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, m)
	})

	t.Run("rank deficient", func(t *testing.T) {
		m := rref(ratMatrix([][]int64{
			{0, 1, -3, 4, 1},
			{2, -2, 1, 0, -1},
			{2, -1, -2, 4, 0},
			{-6, 4, 3, -8, 1},
		}))
		ratsApproxEqual(t, [][]float64{
			{1, 0, -2.5, 4, 0.5},
			{0, 1, -3, 4, 1},
			{0, 0, 0, 0, 0},
			{0, 0, 0, 0, 0},
		}, m)
	})
}

func TestRatMatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randInts := func(rows, cols int) [][]int64 {
		m := make([][]int64, rows)
		for i := range m {
			m[i] = make([]int64, cols)
			for j := range m[i] {
				m[i][j] = int64(rng.Intn(7)) - 3
			}
		}
		return m
	}
	toDense := func(m [][]int64) *mat.Dense {
		d := mat.NewDense(len(m), len(m[0]), nil)
		for i, row := range m {
			for j, v := range row {
				d.Set(i, j, float64(v))
			}
		}
		return d
	}

	t.Run("single argument passes through", func(t *testing.T) {
		x := ratMatrix(randInts(2, 3))
		got, err := ratMatMul(x)
		require.NoError(t, err)
		assert.Same(t, x[0][0], got[0][0])
	})

	t.Run("chained product", func(t *testing.T) {
		x, y, z := randInts(4, 5), randInts(5, 6), randInts(6, 3)
		got, err := ratMatMul(ratMatrix(x), ratMatrix(y), ratMatrix(z))
		require.NoError(t, err)

		var xy, xyz mat.Dense
		xy.Mul(toDense(x), toDense(y))
		xyz.Mul(&xy, toDense(z))
		want := make([][]float64, 4)
		for i := range want {
			want[i] = make([]float64, 3)
			for j := range want[i] {
				want[i][j] = xyz.At(i, j)
			}
		}
		ratsApproxEqual(t, want, got)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := ratMatMul(ratMatrix(randInts(1, 2)), ratMatrix(randInts(3, 4)))
		require.Error(t, err)
	})
}

// TestDetermineStatespace exercises the generic elimination on a small
// synthetic country: six states a-f with populations 1-6, three "h" regions
// partitioning the states one way, three "v" regions partitioning them
// another way, and a national total.
func TestDetermineStatespace(t *testing.T) {
	states := []string{"a", "b", "c", "d", "e", "f"}
	populations := map[string]int64{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}
	makeup := map[string][]int64{
		"nat": {1, 1, 1, 1, 1, 1},
		"h1":  {1, 0, 0, 1, 0, 0},
		"h2":  {0, 1, 1, 0, 0, 0},
		"h3":  {0, 0, 0, 0, 1, 1},
		"v1":  {1, 0, 0, 1, 0, 0},
		"v2":  {0, 1, 0, 0, 1, 0},
		"v3":  {0, 0, 1, 0, 0, 1},
		"a":   {1, 0, 0, 0, 0, 0},
		"b":   {0, 1, 0, 0, 0, 0},
		"c":   {0, 0, 1, 0, 0, 0},
		"d":   {0, 0, 0, 1, 0, 0},
		"e":   {0, 0, 0, 0, 1, 0},
		"f":   {0, 0, 0, 0, 0, 1},
	}
	regions := []string{
		"nat", "h1", "h2", "h3", "v1", "v2", "v3", "a", "b", "c", "d", "e", "f",
	}

	weightRow := func(loc string) []*big.Rat {
		total := int64(0)
		for i, m := range makeup[loc] {
			total += m * populations[states[i]]
		}
		row := make([]*big.Rat, len(states))
		for i, m := range makeup[loc] {
			row[i] = big.NewRat(m*populations[states[i]], total)
		}
		return row
	}
	weightMatrix := func(locs []string) [][]*big.Rat {
		m := make([][]*big.Rat, len(locs))
		for i, loc := range locs {
			m[i] = weightRow(loc)
		}
		return m
	}

	cases := []struct {
		name      string
		sensors   []string
		numStates int
		outputs   []string
	}{
		{
			name: "overlapping partitions",
			sensors: []string{
				"nat", "nat", "nat", "h1", "h2", "h3", "v1", "v2", "v3", "b", "b", "b",
			},
			numStates: 5,
			outputs:   []string{"nat", "h1", "h2", "h3", "v1", "v2", "v3", "b", "c", "e", "f"},
		},
		{
			name:      "single partition",
			sensors:   []string{"h1", "h2", "h3"},
			numStates: 3,
			outputs:   []string{"nat", "h1", "h2", "h3", "v1"},
		},
		{
			name:      "all states",
			sensors:   states,
			numStates: 6,
			outputs:   regions,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h0 := weightMatrix(tc.sensors)
			w0 := weightMatrix(regions)

			h, w, selected, err := determineStatespace(h0, w0)
			require.NoError(t, err)

			require.Len(t, h, len(tc.sensors))
			assert.Len(t, h[0], tc.numStates)
			require.Len(t, w, len(selected))

			outputs := make([]string, len(selected))
			for i, idx := range selected {
				outputs[i] = regions[idx]
			}
			assert.Equal(t, tc.outputs, outputs)
		})
	}
}
