// Package estimator defines the trainable conditional models at the core of
// the inference engine and the capability contract samplers rely on.
//
// All families expose the same flat-parameter surface: parameters live in a
// single []float64, gradients accumulate into a caller-provided slice, and
// optimizers stay ignorant of the architecture behind them. What a family
// can do beyond loss evaluation is declared in Caps and discovered through
// the optional interfaces below.
package estimator

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Kind identifies which conditional a family models.
type Kind int

const (
	// KindPosterior models q(theta | x) directly.
	KindPosterior Kind = iota
	// KindLikelihood models l(x | theta).
	KindLikelihood
	// KindRatio models an unnormalized log ratio h(theta, x).
	KindRatio
	// KindScore models the gradient of a smoothed posterior log density.
	KindScore
)

func (k Kind) String() string {
	switch k {
	case KindPosterior:
		return "posterior"
	case KindLikelihood:
		return "likelihood"
	case KindRatio:
		return "ratio"
	case KindScore:
		return "score"
	default:
		return "unknown"
	}
}

// Caps declares what an estimator family supports. Samplers consult it to
// pick a backend instead of type-switching on concrete models.
type Caps struct {
	// ExactSampling means TargetSampler draws from the modeled
	// conditional without MCMC.
	ExactSampling bool
	// TractableDensity means LogProb returns a normalized log density
	// rather than an unnormalized score.
	TractableDensity bool
	// TargetGradients means TargetScorer is available.
	TargetGradients bool
}

// Estimator is the trainable model contract. LogProb and LogProbGrad
// evaluate the family's conditional at a single (theta, x) pair; for a
// posterior family that is log q(theta|x), for a likelihood family
// log l(x|theta), for a ratio family the unnormalized logit.
//
// LogProbGrad adds the parameter gradient of LogProb into grad, which must
// have length NumParams. Families without a pointwise density (score
// models) return NaN from both and train through their own loss.
type Estimator interface {
	Kind() Kind
	ThetaDim() int
	XDim() int
	Caps() Caps
	Device() string

	LogProb(theta, x []float64) float64
	LogProbGrad(theta, x, grad []float64) float64

	// Params returns a copy of the flat parameter vector.
	Params() []float64
	// SetParams overwrites the parameters from a flat vector.
	SetParams(p []float64)
	NumParams() int
	// Reset reinitializes the parameters, for retraining from scratch.
	Reset(src rand.Source)
}

// TargetSampler draws from the modeled conditional: theta rows for a
// posterior family given x as context, x rows for a likelihood family
// given theta as context.
type TargetSampler interface {
	SampleTarget(n int, context []float64, src rand.Source) *mat.Dense
}

// TargetScorer returns the gradient of the conditional log density with
// respect to the target variable, at fixed context.
type TargetScorer interface {
	ScoreTarget(target, context []float64) []float64
}

// NoiseConditionalScorer is implemented by score families: an estimate of
// grad_theta log p_sigma(theta | x) across a ladder of noise scales.
type NoiseConditionalScorer interface {
	ScoreNoisy(theta, x []float64, sigma float64) []float64
	// NoiseLevels returns the trained sigma ladder, largest first.
	NoiseLevels() []float64
}

// ContextStandardizable is implemented by families that z-score their
// conditioning input. Trainers fit the standardizer on the corpus before
// the first epoch.
type ContextStandardizable interface {
	ContextStandardizer() *Standardizer
	SetContextStandardizer(s *Standardizer)
}
