// Package fusion implements the sensor fusion kernel behind wILI nowcasting.
//
// Sensor readings z are modeled as z = Hx + noise, where x is an unobserved
// latent state over atomic locations and the noise has covariance R. Fuse
// recovers the maximum likelihood estimate of x, and Extract projects it onto
// any set of output locations through a weight matrix W. The statespace
// itself (H, W, and the list of representable outputs) is derived with exact
// rational arithmetic so that no output is kept or dropped because of
// floating point error.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"gonum.org/v1/gonum/mat"
)

// Fuse estimates the latent state from a sensor reading vector z with noise
// covariance R, where H maps statespace to input space. It returns the
// estimate x and its covariance P.
func Fuse(z *mat.VecDense, R *mat.SymDense, H *mat.Dense) (x *mat.VecDense, P *mat.Dense, err error) {
	numInputs, numStates := H.Dims()
	if z.Len() != numInputs {
		return nil, nil, fmt.Errorf("fuse: %d readings for %d sensor rows", z.Len(), numInputs)
	}

	var chol mat.Cholesky
	if !chol.Factorize(R) {
		return nil, nil, errors.New("fuse: noise covariance is not positive definite")
	}

	// P = (Hᵀ R⁻¹ H)⁻¹
	var riH mat.Dense
	if err := chol.SolveTo(&riH, H); err != nil {
		return nil, nil, fmt.Errorf("fuse: %w", err)
	}
	var info mat.Dense
	info.Mul(H.T(), &riH)
	P = mat.NewDense(numStates, numStates, nil)
	if err := P.Inverse(&info); err != nil {
		return nil, nil, fmt.Errorf("fuse: information matrix is singular: %w", err)
	}

	// x = P Hᵀ R⁻¹ z
	var riZ mat.VecDense
	if err := chol.SolveVecTo(&riZ, z); err != nil {
		return nil, nil, fmt.Errorf("fuse: %w", err)
	}
	projected := mat.NewVecDense(numStates, nil)
	projected.MulVec(H.T(), &riZ)
	x = mat.NewVecDense(numStates, nil)
	x.MulVec(P, projected)
	return x, P, nil
}

// Extract maps the latent state estimate onto output space, where W maps
// statespace to output space. It returns the output estimates y and their
// covariance S.
func Extract(x *mat.VecDense, P *mat.Dense, W *mat.Dense) (y *mat.VecDense, S *mat.Dense) {
	numOutputs, _ := W.Dims()
	y = mat.NewVecDense(numOutputs, nil)
	y.MulVec(W, x)

	var wp mat.Dense
	wp.Mul(W, P)
	S = mat.NewDense(numOutputs, numOutputs, nil)
	S.Mul(&wp, W.T())
	return y, S
}

// Stdevs returns the standard deviations along the diagonal of an output
// covariance. Slightly negative diagonal entries from floating point roundoff
// are treated as zero.
func Stdevs(S *mat.Dense) []float64 {
	n, _ := S.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Sqrt(math.Max(0, S.At(i, i)))
	}
	return out
}

// rref reduces m to reduced row echelon form in place, using exact rational
// arithmetic, and returns m.
func rref(m [][]*big.Rat) [][]*big.Rat {
	if len(m) == 0 {
		return m
	}
	rows, cols := len(m), len(m[0])
	r := 0
	for c := 0; c < cols && r < rows; c++ {
		pivot := -1
		for i := r; i < rows; i++ {
			if m[i][c].Sign() != 0 {
				pivot = i
				break
			}
		}
		if pivot < 0 {
			continue
		}
		m[r], m[pivot] = m[pivot], m[r]

		scale := new(big.Rat).Inv(m[r][c])
		for j := c; j < cols; j++ {
			m[r][j].Mul(m[r][j], scale)
		}

		for i := 0; i < rows; i++ {
			if i == r || m[i][c].Sign() == 0 {
				continue
			}
			factor := new(big.Rat).Set(m[i][c])
			for j := c; j < cols; j++ {
				m[i][j].Sub(m[i][j], new(big.Rat).Mul(factor, m[r][j]))
			}
		}
		r++
	}
	return m
}

// determineStatespace finds the latent statespace implied by the sensor
// weight rows h0 and reexpresses both h0 and the candidate output rows w0 in
// its coordinates. The latent basis is the set of nonzero rows of the reduced
// row echelon form of h0. Output rows that are not exact rational linear
// combinations of the basis are dropped; selected identifies the rows of w0
// that survive, in order.
func determineStatespace(h0, w0 [][]*big.Rat) (h, w [][]*big.Rat, selected []int, err error) {
	basis := nonzeroRows(rref(copyRatMatrix(h0)))
	if len(basis) == 0 {
		return nil, nil, nil, errors.New("sensor rows span nothing")
	}
	pivots := make([]int, len(basis))
	for i, row := range basis {
		pivots[i] = leadingIndex(row)
	}

	h = make([][]*big.Rat, len(h0))
	for i, row := range h0 {
		coords, ok := coordinates(row, basis, pivots)
		if !ok {
			return nil, nil, nil, errors.New("sensor row is outside its own span")
		}
		h[i] = coords
	}

	for i, row := range w0 {
		coords, ok := coordinates(row, basis, pivots)
		if !ok {
			continue
		}
		w = append(w, coords)
		selected = append(selected, i)
	}
	return h, w, selected, nil
}

// coordinates expresses v in basis coordinates, or reports that v is outside
// the span. Because the basis is in reduced row echelon form, the coordinate
// along basis row i is exactly v's entry at that row's pivot column; v is in
// the span iff the reconstruction from those coordinates matches v exactly.
func coordinates(v []*big.Rat, basis [][]*big.Rat, pivots []int) ([]*big.Rat, bool) {
	coords := make([]*big.Rat, len(basis))
	for i, p := range pivots {
		coords[i] = new(big.Rat).Set(v[p])
	}
	residual := new(big.Rat)
	for j := range v {
		residual.Set(v[j])
		for i := range basis {
			residual.Sub(residual, new(big.Rat).Mul(coords[i], basis[i][j]))
		}
		if residual.Sign() != 0 {
			return nil, false
		}
	}
	return coords, true
}

// ratMatMul multiplies rational matrices left to right. A single argument is
// returned unchanged.
func ratMatMul(ms ...[][]*big.Rat) ([][]*big.Rat, error) {
	out := ms[0]
	for _, m := range ms[1:] {
		rows, inner := len(out), len(m)
		if len(out[0]) != inner {
			return nil, fmt.Errorf("dimension mismatch: %dx%d times %dx%d", rows, len(out[0]), inner, len(m[0]))
		}
		cols := len(m[0])
		next := newRatMatrix(rows, cols)
		tmp := new(big.Rat)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				sum := next[i][j]
				for k := 0; k < inner; k++ {
					sum.Add(sum, tmp.Mul(out[i][k], m[k][j]))
				}
			}
		}
		out = next
	}
	return out, nil
}

func newRatMatrix(rows, cols int) [][]*big.Rat {
	m := make([][]*big.Rat, rows)
	for i := range m {
		m[i] = make([]*big.Rat, cols)
		for j := range m[i] {
			m[i][j] = new(big.Rat)
		}
	}
	return m
}

func copyRatMatrix(m [][]*big.Rat) [][]*big.Rat {
	out := make([][]*big.Rat, len(m))
	for i, row := range m {
		out[i] = make([]*big.Rat, len(row))
		for j, v := range row {
			out[i][j] = new(big.Rat).Set(v)
		}
	}
	return out
}

func nonzeroRows(m [][]*big.Rat) [][]*big.Rat {
	var rows [][]*big.Rat
	for _, row := range m {
		if leadingIndex(row) >= 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// leadingIndex returns the index of the first nonzero entry, or -1 for a zero
// row.
func leadingIndex(row []*big.Rat) int {
	for i, v := range row {
		if v.Sign() != 0 {
			return i
		}
	}
	return -1
}
