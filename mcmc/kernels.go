package mcmc

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// SliceKernel applies a univariate slice step per coordinate: bracket
// the slice by stepping out, then shrink toward the current point on
// rejection (Neal 2003). It needs no tuning and no gradients, which
// makes it the default for neural targets of unknown scale.
type SliceKernel struct {
	Width     float64 // initial bracket width
	MaxGrow   int     // stepping-out iterations per side
	MaxShrink int     // shrinkage iterations before keeping the current point
	scratch   []float64
}

// NewSliceKernel returns a slice kernel with unit bracket width.
func NewSliceKernel() *SliceKernel {
	return &SliceKernel{Width: 1.0, MaxGrow: 50, MaxShrink: 100}
}

func (k *SliceKernel) Name() string { return "slice" }

func (k *SliceKernel) Step(t Target, u []float64, logp float64, r *rand.Rand) float64 {
	if cap(k.scratch) < len(u) {
		k.scratch = make([]float64, len(u))
	}
	x := k.scratch[:len(u)]
	copy(x, u)
	lp := logp
	for i := range u {
		at := func(v float64) float64 {
			x[i] = v
			return t.LogProb(x)
		}
		level := lp + math.Log(r.Float64())

		lo := u[i] - k.Width*r.Float64()
		hi := lo + k.Width
		for g := 0; g < k.MaxGrow && at(lo) > level; g++ {
			lo -= k.Width
		}
		for g := 0; g < k.MaxGrow && at(hi) > level; g++ {
			hi += k.Width
		}

		moved := false
		for s := 0; s < k.MaxShrink; s++ {
			v := lo + r.Float64()*(hi-lo)
			lpv := at(v)
			if lpv > level {
				u[i] = v
				lp = lpv
				moved = true
				break
			}
			if v < u[i] {
				lo = v
			} else {
				hi = v
			}
		}
		if !moved {
			x[i] = u[i]
		}
	}
	return lp
}

// RWMHKernel is a Gaussian random-walk Metropolis kernel. During warmup
// the proposal scale adapts toward a target acceptance rate; adaptation
// stops when sampling begins so the chain stays Markovian.
type RWMHKernel struct {
	Scale      float64
	TargetRate float64
	AdaptRate  float64

	adapting  bool
	proposed  int
	accepted  int
	prop      []float64
}

// NewRWMHKernel returns an adaptive random-walk kernel with the given
// initial proposal scale.
func NewRWMHKernel(scale float64) *RWMHKernel {
	return &RWMHKernel{Scale: scale, TargetRate: 0.234, AdaptRate: 0.05, adapting: true}
}

func (k *RWMHKernel) Name() string { return "rwmh" }

func (k *RWMHKernel) FinishWarmup() { k.adapting = false }

// AcceptRate returns the fraction of proposals accepted so far, or NaN
// before any proposal.
func (k *RWMHKernel) AcceptRate() float64 {
	if k.proposed == 0 {
		return math.NaN()
	}
	return float64(k.accepted) / float64(k.proposed)
}

func (k *RWMHKernel) Step(t Target, u []float64, logp float64, r *rand.Rand) float64 {
	if cap(k.prop) < len(u) {
		k.prop = make([]float64, len(u))
	}
	prop := k.prop[:len(u)]
	for i := range u {
		prop[i] = u[i] + k.Scale*r.NormFloat64()
	}
	lp := t.LogProb(prop)
	k.proposed++
	acc := 0.0
	if lp-logp > math.Log(r.Float64()) {
		copy(u, prop)
		logp = lp
		k.accepted++
		acc = 1
	}
	if k.adapting {
		k.Scale *= math.Exp(k.AdaptRate * (acc - k.TargetRate))
	}
	return logp
}

// MALAKernel is the Metropolis-adjusted Langevin kernel: proposals
// drift along the target gradient and an accept step corrects the
// discretization. Requires a GradTarget.
type MALAKernel struct {
	StepSize   float64
	TargetRate float64
	AdaptRate  float64

	adapting bool
	proposed int
	accepted int
	prop     []float64
	gcur     []float64
	gprop    []float64
}

// NewMALAKernel returns an adaptive Langevin kernel with the given
// initial step size.
func NewMALAKernel(step float64) *MALAKernel {
	return &MALAKernel{StepSize: step, TargetRate: 0.574, AdaptRate: 0.05, adapting: true}
}

func (k *MALAKernel) Name() string { return "mala" }

func (k *MALAKernel) RequiresGradients() bool { return true }

func (k *MALAKernel) FinishWarmup() { k.adapting = false }

// AcceptRate returns the fraction of proposals accepted so far, or NaN
// before any proposal.
func (k *MALAKernel) AcceptRate() float64 {
	if k.proposed == 0 {
		return math.NaN()
	}
	return float64(k.accepted) / float64(k.proposed)
}

func (k *MALAKernel) Step(t Target, u []float64, logp float64, r *rand.Rand) float64 {
	gt := t.(GradTarget)
	n := len(u)
	if cap(k.prop) < n {
		k.prop = make([]float64, n)
		k.gcur = make([]float64, n)
		k.gprop = make([]float64, n)
	}
	prop, gcur, gprop := k.prop[:n], k.gcur[:n], k.gprop[:n]

	lpcur := gt.LogProbGrad(u, gcur)
	h := k.StepSize * k.StepSize
	for i := range u {
		prop[i] = u[i] + 0.5*h*gcur[i] + k.StepSize*r.NormFloat64()
	}
	lpprop := gt.LogProbGrad(prop, gprop)
	k.proposed++
	acc := 0.0
	if isFinite(lpprop) {
		fwd, back := 0.0, 0.0
		for i := range u {
			df := prop[i] - (u[i] + 0.5*h*gcur[i])
			db := u[i] - (prop[i] + 0.5*h*gprop[i])
			fwd += df * df
			back += db * db
		}
		logRatio := lpprop - lpcur + (fwd-back)/(2*h)
		if logRatio > math.Log(r.Float64()) {
			copy(u, prop)
			lpcur = lpprop
			k.accepted++
			acc = 1
		}
	}
	if k.adapting {
		k.StepSize *= math.Exp(k.AdaptRate * (acc - k.TargetRate))
	}
	return lpcur
}

// AnnealedLangevinOptions configure unadjusted Langevin dynamics over a
// descending noise ladder. The per-level step is
// StepScale * (sigma/sigma_min)^2, following the usual annealing
// schedule for score models.
type AnnealedLangevinOptions struct {
	StepsPerLevel int
	StepScale     float64
	Seed          uint64
}

// DefaultAnnealedLangevinOptions returns the standard annealing
// schedule parameters.
func DefaultAnnealedLangevinOptions() AnnealedLangevinOptions {
	return AnnealedLangevinOptions{StepsPerLevel: 100, StepScale: 2e-5}
}

// AnnealedLangevin moves a population of positions through the noise
// ladder with unadjusted Langevin updates driven by a noise-conditional
// score. pop is updated in place, one row per particle; sigmas must be
// in descending order. There is no accept step, so the result is
// approximate in the step size.
func AnnealedLangevin(ctx context.Context, pop *mat.Dense, score func(u []float64, sigma float64) []float64, sigmas []float64, opts AnnealedLangevinOptions) error {
	if opts.StepsPerLevel < 1 {
		return fmt.Errorf("mcmc: StepsPerLevel must be at least 1, got %d", opts.StepsPerLevel)
	}
	if opts.StepScale <= 0 {
		return fmt.Errorf("mcmc: StepScale must be positive, got %g", opts.StepScale)
	}
	if len(sigmas) == 0 {
		return fmt.Errorf("mcmc: empty noise ladder")
	}
	r := rand.New(rand.NewSource(opts.Seed))
	rows, dim := pop.Dims()
	last := sigmas[len(sigmas)-1]
	for _, sigma := range sigmas {
		alpha := opts.StepScale * (sigma * sigma) / (last * last)
		noise := math.Sqrt(alpha)
		for s := 0; s < opts.StepsPerLevel; s++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := 0; i < rows; i++ {
				row := pop.RawRowView(i)
				g := score(row, sigma)
				for j := 0; j < dim; j++ {
					row[j] += 0.5*alpha*g[j] + noise*r.NormFloat64()
				}
			}
		}
	}
	return nil
}
