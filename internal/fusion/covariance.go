package fusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Shrinkage blends an empirical covariance toward a structured target, with
// blending intensity alpha.
type Shrinkage interface {
	// AlphaBounds returns the interval of valid intensities. The bounds
	// themselves are never evaluated by the intensity search.
	AlphaBounds() (lo, hi float64)
	// Cov returns the blended covariance at the given intensity.
	Cov(alpha float64) *mat.SymDense
}

// ShrinkageFactory builds a Shrinkage from pairwise covariance sums num,
// pairwise observation counts den, and the number of observation rows.
type ShrinkageFactory func(num, den *mat.Dense, numObs int) Shrinkage

// nancov computes pairwise covariance numerators and observation counts over
// the rows of data, treating non-finite entries as missing. The covariance
// estimate for a pair is num/den; keeping the parts separate lets shrinkage
// weigh pairs by how often they were actually observed together. Readings are
// taken to be zero-mean, which holds for sensor noise by construction.
func nancov(data *mat.Dense) (num, den *mat.Dense) {
	rows, cols := data.Dims()
	filled := mat.NewDense(rows, cols, nil)
	mask := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			filled.Set(i, j, v)
			mask.Set(i, j, 1)
		}
	}
	num = mat.NewDense(cols, cols, nil)
	num.Mul(filled.T(), filled)
	den = mat.NewDense(cols, cols, nil)
	den.Mul(mask.T(), mask)
	return num, den
}

// logLikelihood returns the log likelihood of the rows of data under a
// zero-mean Gaussian with the given covariance. Missing entries contribute no
// deviation. Returns -Inf when cov is not positive definite, which makes it
// usable directly as a maximization objective over shrinkage intensities.
func logLikelihood(cov *mat.SymDense, data *mat.Dense) float64 {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return math.Inf(-1)
	}
	rows, cols := data.Dims()
	constant := float64(cols)*math.Log(2*math.Pi) + chol.LogDet()

	total := 0.0
	z := mat.NewVecDense(cols, nil)
	var solved mat.VecDense
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			z.SetVec(j, v)
		}
		if err := chol.SolveVecTo(&solved, z); err != nil {
			return math.Inf(-1)
		}
		total += -0.5 * (constant + mat.Dot(z, &solved))
	}
	return total
}

// mleStop ends the shrinkage intensity search once the bracketing interval is
// tight.
func mleStop(evals int, width, best float64) bool {
	return evals >= 100 || width <= 1e-6
}

// MLECov estimates a well-conditioned noise covariance from rows of sensor
// noise, selecting the shrinkage intensity by maximum likelihood.
func MLECov(data *mat.Dense, newShrinkage ShrinkageFactory) *mat.SymDense {
	rows, _ := data.Dims()
	num, den := nancov(data)
	s := newShrinkage(num, den, rows)
	lo, hi := s.AlphaBounds()
	alpha, _ := Maximize(lo, hi, func(a float64) float64 {
		return logLikelihood(s.Cov(a), data)
	}, mleStop)
	return s.Cov(alpha)
}

// blendBase holds the empirical covariance shared by the blending strategies.
type blendBase struct {
	sample *mat.SymDense // num/den, zero for never-observed pairs
	den    *mat.Dense
	numObs int
}

func newBlendBase(num, den *mat.Dense, numObs int) blendBase {
	n, _ := num.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if den.At(i, j) > 0 {
				s.SetSym(i, j, num.At(i, j)/den.At(i, j))
			}
		}
	}
	return blendBase{sample: s, den: den, numObs: numObs}
}

func (b blendBase) AlphaBounds() (float64, float64) { return 0, 1 }

// BlendDiagonal0 blends the whole sample covariance toward the identity.
type BlendDiagonal0 struct{ blendBase }

// NewBlendDiagonal0 returns identity-target shrinkage.
func NewBlendDiagonal0(num, den *mat.Dense, numObs int) Shrinkage {
	return &BlendDiagonal0{newBlendBase(num, den, numObs)}
}

func (s *BlendDiagonal0) Cov(alpha float64) *mat.SymDense {
	n := s.sample.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - alpha) * s.sample.At(i, j)
			if i == j {
				v += alpha
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// BlendDiagonal1 keeps sample variances and shrinks only the covariances
// toward zero.
type BlendDiagonal1 struct{ blendBase }

// NewBlendDiagonal1 returns diagonal-target shrinkage.
func NewBlendDiagonal1(num, den *mat.Dense, numObs int) Shrinkage {
	return &BlendDiagonal1{newBlendBase(num, den, numObs)}
}

func (s *BlendDiagonal1) Cov(alpha float64) *mat.SymDense {
	n := s.sample.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, s.sample.At(i, i))
		for j := i + 1; j < n; j++ {
			out.SetSym(i, j, (1-alpha)*s.sample.At(i, j))
		}
	}
	return out
}

// BlendDiagonal2 keeps sample variances and shrinks covariances toward zero,
// discounting each pair by how often it was observed. A pair seen in every
// observation row shrinks exactly like BlendDiagonal1; sparsely observed
// pairs shrink harder.
type BlendDiagonal2 struct{ blendBase }

// NewBlendDiagonal2 returns support-weighted diagonal-target shrinkage. This
// is the default strategy for nowcasting, where sensors come and go and
// pairwise support is very uneven.
func NewBlendDiagonal2(num, den *mat.Dense, numObs int) Shrinkage {
	return &BlendDiagonal2{newBlendBase(num, den, numObs)}
}

func (s *BlendDiagonal2) Cov(alpha float64) *mat.SymDense {
	n := s.sample.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, s.sample.At(i, i))
		for j := i + 1; j < n; j++ {
			support := 0.0
			if s.numObs > 0 {
				support = s.den.At(i, j) / float64(s.numObs)
				if support > 1 {
					support = 1
				}
			}
			out.SetSym(i, j, (1-alpha)*support*s.sample.At(i, j))
		}
	}
	return out
}

// ByName returns the shrinkage factory for a short strategy name.
func ByName(name string) (ShrinkageFactory, error) {
	switch name {
	case "bd0":
		return NewBlendDiagonal0, nil
	case "bd1":
		return NewBlendDiagonal1, nil
	case "bd2":
		return NewBlendDiagonal2, nil
	}
	return nil, fmt.Errorf("shrinkage %q is not one of bd0, bd1, bd2", name)
}
