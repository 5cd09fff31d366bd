package sensor

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// archWeek0 is the season's first week; curve index 0 is week 30.
	archWeek0 = 30
	// archWindow and archBandwidth shape the Gaussian smoothing kernel.
	archWindow    = 17
	archBandwidth = 2
)

// archetype is an empirical model of a flu season, built from complete
// historical season curves. The curves are corrected for holiday reporting
// distortion, smoothed, and peak-aligned to index 25; the model keeps the
// blended mean curve and the per-index variance of the smoothed aligned
// curves.
type archetype struct {
	kernel   []float64
	holiday  []float64
	mean     []float64
	variance []float64
	baseline float64
	w2i, i2w map[int]int
}

func newArchetype(curves [][]float64) (*archetype, error) {
	if len(curves) < 2 {
		return nil, fmt.Errorf("need at least 2 complete seasons, have %d", len(curves))
	}
	a := &archetype{
		w2i: make(map[int]int, 52),
		i2w: make(map[int]int, 52),
	}
	for w := 1; w <= 52; w++ {
		i := (52 + w - archWeek0) % 52
		a.w2i[w] = i
		a.i2w[i] = w
	}

	dist := distuv.Normal{Mu: float64(archWindow / 2), Sigma: archBandwidth}
	a.kernel = make([]float64, archWindow)
	for i := range a.kernel {
		x := float64(i)
		a.kernel[i] = dist.CDF(x+0.5) - dist.CDF(x-0.5)
	}

	a.holiday = a.buildHolidayModel(curves)

	nh := make([][]float64, len(curves))
	nhSm := make([][]float64, len(curves))
	nhAl := make([][]float64, len(curves))
	nhSmAl := make([][]float64, len(curves))
	for k, c := range curves {
		nh[k] = floats.MulTo(make([]float64, len(c)), c, a.holiday)
		nhSm[k] = a.smooth(nh[k])
		shift := 25 - a.w2i[a.peakWeek(nhSm[k])]
		nhAl[k] = roll(nh[k], shift)
		nhSmAl[k] = roll(nhSm[k], shift)
	}

	smoothedMean, variance := columnStats(nhSmAl)
	unsmoothedMean, _ := columnStats(nhAl)

	// Near the peak the unsmoothed mean dominates, toward the season edges
	// the smoothed one.
	a.mean = make([]float64, 52)
	for i := range a.mean {
		w := hann(i)
		a.mean[i] = w*unsmoothedMean[i] + (1-w)*smoothedMean[i]
	}
	a.variance = variance
	a.baseline = floats.Min(a.mean)
	return a, nil
}

func (a *archetype) peakWeek(curve []float64) int {
	return a.i2w[floats.MaxIdx(curve)]
}

// buildHolidayModel estimates multiplicative reporting distortion for the
// four weeks spanning the winter holidays. The multipliers that minimize
// curvature over the holiday stretch without raising any curve above its
// original peak are taken as the distortion; multiplying by the returned
// vector removes the effect and dividing restores it.
func (a *archetype) buildHolidayModel(curves [][]float64) []float64 {
	idx0, idx1 := a.w2i[49], a.w2i[2]
	peaks := make([]float64, len(curves))
	scores := make([]float64, len(curves))
	for k, c := range curves {
		peaks[k] = floats.Max(c)
		d := diff2(c)
		scores[k] = floats.Norm(d[idx0:idx1], 2)
	}
	objective := func(params []float64) float64 {
		if floats.Max(params) > 1 {
			return 1e9
		}
		var score float64
		for k, c0 := range curves {
			c1 := append([]float64(nil), c0...)
			for i := 0; i < 4; i++ {
				c1[idx0+1+i] *= params[i]
			}
			d := diff2(c1)
			s := floats.Norm(d[idx0:idx1], 2)
			// A multiplier that moves the seasonal peak is not removing
			// holiday noise; any improvement it brings is ignored.
			if !isClose(peaks[k], floats.Max(c1)) {
				s = scores[k]
			}
			score += s
		}
		return score
	}
	// Multipliers are capped at 1, so the initial simplex must open
	// downward from the all-ones guess.
	best := nelderMead(objective, []float64{1, 1, 1, 1}, -0.1, 100)
	holiday := make([]float64, 52)
	for i := range holiday {
		holiday[i] = 1
	}
	copy(holiday[idx0+1:idx0+5], best)
	return holiday
}

// smooth circularly extends the season by half a window on each side and
// convolves with the Gaussian kernel. The kernel is symmetric, so plain
// correlation is the same thing.
func (a *archetype) smooth(curve []float64) []float64 {
	extend := len(a.kernel) / 2
	n := len(curve)
	ext := make([]float64, 0, n+2*extend)
	ext = append(ext, curve[n-extend:]...)
	ext = append(ext, curve...)
	ext = append(ext, curve[:extend]...)
	out := make([]float64, n)
	for j := range out {
		var sum float64
		for k, kv := range a.kernel {
			sum += ext[j+k] * kv
		}
		out[j] = sum
	}
	return out
}

// instance generates a season curve: the mean rotated by t weeks and scaled
// by s about the baseline. addHoliday restores the holiday distortion that
// the model curves had removed.
func (a *archetype) instance(s, t float64, addHoliday bool) []float64 {
	curve := rotate(a.mean, t)
	for i, v := range curve {
		curve[i] = (v-a.baseline)*s + a.baseline
	}
	if addHoliday {
		floats.Div(curve, a.holiday)
	}
	return curve
}

// nelderMead refines guess by simplex search, keeping the guess when the
// search fails or does not actually improve on it.
func nelderMead(objective func([]float64) float64, guess []float64, step float64, maxIter int) []float64 {
	problem := optimize.Problem{Func: objective}
	method := &optimize.NelderMead{SimplexSize: step}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Runtime:         500 * time.Millisecond,
	}
	result, err := optimize.Minimize(problem, guess, settings, method)
	if err != nil || result == nil {
		return guess
	}
	obj0, obj1 := objective(guess), objective(result.X)
	if isClose(obj0, obj1) || obj0 < obj1 {
		return guess
	}
	return result.X
}

// roll rotates a copy of curve n places to the right, wrapping around.
func roll(curve []float64, n int) []float64 {
	size := len(curve)
	out := make([]float64, size)
	for i, v := range curve {
		out[((i+n)%size+size)%size] = v
	}
	return out
}

// rotate is roll with fractional n: the result blends the two neighboring
// integer rotations.
func rotate(curve []float64, n float64) []float64 {
	if isClose(n, math.Round(n)) {
		return roll(curve, int(math.Round(n)))
	}
	n1, n2 := int(math.Floor(n)), int(math.Ceil(n))
	w1, w2 := float64(n2)-n, n-float64(n1)
	r1, r2 := roll(curve, n1), roll(curve, n2)
	out := make([]float64, len(curve))
	for i := range out {
		out[i] = w1*r1[i] + w2*r2[i]
	}
	return out
}

// diff2 is the second difference of curve.
func diff2(curve []float64) []float64 {
	out := make([]float64, len(curve)-2)
	for i := range out {
		out[i] = curve[i+2] - 2*curve[i+1] + curve[i]
	}
	return out
}

// columnStats returns the per-index mean and unbiased variance across curves.
func columnStats(curves [][]float64) (mean, variance []float64) {
	n := len(curves[0])
	mean = make([]float64, n)
	variance = make([]float64, n)
	sample := make([]float64, len(curves))
	for j := 0; j < n; j++ {
		for k, c := range curves {
			sample[k] = c[j]
		}
		mean[j] = stat.Mean(sample, nil)
		variance[j] = stat.Variance(sample, nil)
	}
	return mean, variance
}

// hann is a 51-point Hann window extended with a trailing zero, so weights
// peak at the season's center (index 25) and vanish at both edges.
func hann(i int) float64 {
	if i >= 51 {
		return 0
	}
	return 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/50)
}

// isClose matches floats with the tolerances numpy uses by default.
func isClose(a, b float64) bool {
	return math.Abs(a-b) <= 1e-8+1e-5*math.Abs(b)
}
