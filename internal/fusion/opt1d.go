package fusion

// StopCondition decides when a 1-dimensional search should end. It receives
// the number of objective evaluations so far, the width of the current
// bracketing interval, and the best objective value seen.
type StopCondition func(evals int, width, best float64) bool

// invPhi is the inverse golden ratio, (sqrt(5)-1)/2.
const invPhi = 0.6180339887498949

// Maximize searches [a, b] for the maximum of f by golden-section search and
// returns the best point and its value. The objective must be unimodal on the
// interval for the result to be the global maximum; endpoints themselves are
// never evaluated, so a maximum on the boundary is approached to within the
// final interval width.
func Maximize(a, b float64, f func(float64) float64, stop StopCondition) (float64, float64) {
	lo, hi := a, b
	x1 := hi - invPhi*(hi-lo)
	x2 := lo + invPhi*(hi-lo)
	f1, f2 := f(x1), f(x2)
	evals := 2

	for {
		best := f1
		if f2 > best {
			best = f2
		}
		if stop(evals, hi-lo, best) {
			break
		}
		if f1 < f2 {
			lo = x1
			x1, f1 = x2, f2
			x2 = lo + invPhi*(hi-lo)
			f2 = f(x2)
		} else {
			hi = x2
			x2, f2 = x1, f1
			x1 = hi - invPhi*(hi-lo)
			f1 = f(x1)
		}
		evals++
	}

	if f1 > f2 {
		return x1, f1
	}
	return x2, f2
}
