// Package train fits estimator families on accumulated simulation corpora.
//
// A Loss turns raw (theta, x) examples into the family's training
// objective, including whatever correction the estimation scheme needs for
// data drawn from non-prior proposals. The Trainer drives minibatch Adam
// over a Loss with early stopping and non-finite step protection.
package train

import (
	"fmt"
	"math"
)

// PriorProposalID is the proposal identifier batches drawn directly from
// the prior carry. Examples under it always get importance weight exactly 1.
const PriorProposalID = "prior"

// Density is the log-density surface corrections evaluate. Priors satisfy
// it, and so do built posteriors, which is what lets round r+1 reweight
// parameters drawn from round r's posterior.
type Density interface {
	LogProb(theta []float64) float64
}

// ProposalDegeneracyError reports importance weights that have collapsed
// onto too few examples to be usable. Round is the training round the
// weights belong to, or negative when the weights came from a sampler
// rather than a round.
type ProposalDegeneracyError struct {
	Round int
	ESS   float64
	Floor float64
}

func (e *ProposalDegeneracyError) Error() string {
	if e.Round < 0 {
		return fmt.Sprintf("importance weights: effective sample size %.1f below floor %.1f, proposal is degenerate", e.ESS, e.Floor)
	}
	return fmt.Sprintf("round %d: effective sample size %.1f below floor %.1f, proposal is degenerate", e.Round, e.ESS, e.Floor)
}

// ImportanceWeight returns the prior-over-proposal density ratio at theta,
// clipped at maxRatio when maxRatio is positive.
func ImportanceWeight(pri, prop Density, theta []float64, maxRatio float64) float64 {
	if prop == pri {
		return 1
	}
	lw := pri.LogProb(theta) - prop.LogProb(theta)
	w := math.Exp(lw)
	if maxRatio > 0 && w > maxRatio {
		w = maxRatio
	}
	return w
}

// EffectiveSampleSize is (sum w)^2 / sum w^2, between 1 and len(w) for
// nonnegative weights that are not all zero, and 0 for empty or all-zero
// weights.
func EffectiveSampleSize(w []float64) float64 {
	sum, sumSq := 0.0, 0.0
	for _, v := range w {
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}

// CheckWeights validates a round's importance weights against a relative
// ESS floor in (0, 1]. It returns a ProposalDegeneracyError when the
// effective sample size falls below floor*len(w). Weights that overflow
// to infinity leave the ESS undefined and count as degenerate.
func CheckWeights(w []float64, floor float64, round int) error {
	if floor <= 0 || len(w) == 0 {
		return nil
	}
	ess := EffectiveSampleSize(w)
	if math.IsNaN(ess) || ess < floor*float64(len(w)) {
		return &ProposalDegeneracyError{Round: round, ESS: ess, Floor: floor * float64(len(w))}
	}
	return nil
}
