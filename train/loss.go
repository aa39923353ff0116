package train

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/pflow-xyz/go-sbi/data"
	"github.com/pflow-xyz/go-sbi/estimator"
)

// Loss is a training objective over corpus examples. Prepare runs once per
// fit before the first epoch; MinibatchGrad computes the mean loss over the
// flat indices idx and adds its parameter gradient into grad; MinibatchLoss
// evaluates without gradients, for validation.
type Loss interface {
	Name() string
	Prepare(est estimator.Estimator, snap *data.Snapshot) error
	MinibatchGrad(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand, grad []float64) (float64, error)
	MinibatchLoss(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand) (float64, error)
}

// MLLoss is the maximum-likelihood objective: mean negative conditional
// log density, optionally importance-reweighted so that training on
// proposal-drawn parameters still targets the prior-weighted posterior.
//
// With a nil Prior the loss is plain negative log likelihood, which is the
// right objective for likelihood families regardless of the proposal.
type MLLoss struct {
	// Prior enables prior-over-proposal reweighting.
	Prior Density
	// Proposals resolves a batch's proposal identifier. Entries are
	// required for every non-prior proposal ID in the corpus.
	Proposals map[string]Density
	// MaxRatio clips individual weights. Zero disables clipping.
	MaxRatio float64

	weights []float64 // flat index -> weight, built in Prepare
}

// Name returns "maximum_likelihood".
func (l *MLLoss) Name() string { return "maximum_likelihood" }

// Prepare computes the per-example weights for the snapshot.
func (l *MLLoss) Prepare(est estimator.Estimator, snap *data.Snapshot) error {
	l.weights = make([]float64, snap.Len())
	if l.Prior == nil {
		for i := range l.weights {
			l.weights[i] = 1
		}
		return nil
	}
	for i := range l.weights {
		b := snap.BatchOf(i)
		if b.ProposalID() == PriorProposalID {
			l.weights[i] = 1
			continue
		}
		prop, ok := l.Proposals[b.ProposalID()]
		if !ok {
			return fmt.Errorf("ml loss: no proposal registered for batch %s (proposal %q)", b.ID(), b.ProposalID())
		}
		theta, _, _ := snap.Example(i)
		l.weights[i] = ImportanceWeight(l.Prior, prop, theta, l.MaxRatio)
	}
	return nil
}

// Weights returns the per-example weights computed by Prepare, indexed by
// flat example index.
func (l *MLLoss) Weights() []float64 { return l.weights }

// MinibatchGrad accumulates the weighted NLL gradient over idx.
func (l *MLLoss) MinibatchGrad(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand, grad []float64) (float64, error) {
	if l.weights == nil {
		return 0, fmt.Errorf("ml loss: Prepare not called")
	}
	n := len(idx)
	if n == 0 {
		return 0, fmt.Errorf("ml loss: empty minibatch")
	}
	exGrad := make([]float64, len(grad))
	total := 0.0
	for _, i := range idx {
		theta, x, _ := snap.Example(i)
		for j := range exGrad {
			exGrad[j] = 0
		}
		lp := est.LogProbGrad(theta, x, exGrad)
		w := l.weights[i]
		total += -w * lp
		scale := -w / float64(n)
		floats.AddScaled(grad, scale, exGrad)
	}
	return total / float64(n), nil
}

// MinibatchLoss evaluates the weighted NLL over idx without gradients.
func (l *MLLoss) MinibatchLoss(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand) (float64, error) {
	if l.weights == nil {
		return 0, fmt.Errorf("ml loss: Prepare not called")
	}
	if len(idx) == 0 {
		return 0, fmt.Errorf("ml loss: empty minibatch")
	}
	total := 0.0
	for _, i := range idx {
		theta, x, _ := snap.Example(i)
		total += -l.weights[i] * est.LogProb(theta, x)
	}
	return total / float64(len(idx)), nil
}

// AtomicLoss is the contrastive correction: each example is scored against
// M-1 parameter atoms resampled from the same minibatch, and the model is
// trained to pick the true pairing by softmax cross-entropy. For posterior
// families the contrast score is log q(theta|x) - log p(theta), which
// cancels the proposal's influence; for ratio families it is the raw logit.
type AtomicLoss struct {
	// Prior is required for posterior families and ignored for ratio
	// families.
	Prior Density
	// NumAtoms is M, the contrast set size including the true pairing.
	// It must be at least 2 and at most the minibatch size.
	NumAtoms int
	// CombineWithNLL adds the plain negative log density on examples
	// drawn from the prior, which anchors the normalized density where
	// atoms alone leave it free. Posterior families only.
	CombineWithNLL bool
	// ExcludePriorAtoms keeps round-0 parameters out of the contrast
	// sets, so decoys come from proposal-drawn examples only. A
	// minibatch with fewer than NumAtoms proposal-round examples falls
	// back to the full contrast pool.
	ExcludePriorAtoms bool
}

// Name returns "atomic".
func (l *AtomicLoss) Name() string { return "atomic" }

// Prepare validates the configuration against the estimator family.
func (l *AtomicLoss) Prepare(est estimator.Estimator, snap *data.Snapshot) error {
	if l.NumAtoms < 2 {
		return fmt.Errorf("atomic loss: need at least 2 atoms, got %d", l.NumAtoms)
	}
	switch est.Kind() {
	case estimator.KindPosterior:
		if l.Prior == nil {
			return fmt.Errorf("atomic loss: posterior family needs a prior")
		}
	case estimator.KindRatio:
	default:
		return fmt.Errorf("atomic loss: unsupported family %v", est.Kind())
	}
	return nil
}

// contrastScore is log q - log p for posterior families, the logit for
// ratio families.
func (l *AtomicLoss) contrastScore(est estimator.Estimator, theta, x []float64) float64 {
	s := est.LogProb(theta, x)
	if est.Kind() == estimator.KindPosterior {
		s -= l.Prior.LogProb(theta)
	}
	return s
}

// MinibatchGrad accumulates the atomic cross-entropy gradient over idx.
func (l *AtomicLoss) MinibatchGrad(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand, grad []float64) (float64, error) {
	return l.run(est, snap, idx, r, grad)
}

// MinibatchLoss evaluates the atomic cross-entropy over idx.
func (l *AtomicLoss) MinibatchLoss(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand) (float64, error) {
	return l.run(est, snap, idx, r, nil)
}

func (l *AtomicLoss) run(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand, grad []float64) (float64, error) {
	n := len(idx)
	if n == 0 {
		return 0, fmt.Errorf("atomic loss: empty minibatch")
	}
	m := l.NumAtoms
	if m > n {
		return 0, fmt.Errorf("atomic loss: %d atoms exceed minibatch size %d", m, n)
	}
	isPosterior := est.Kind() == estimator.KindPosterior

	// With ExcludePriorAtoms the decoy pool narrows to the minibatch
	// positions holding proposal-round examples.
	var pool []int
	if l.ExcludePriorAtoms {
		for p, i := range idx {
			if _, _, round := snap.Example(i); round > 0 {
				pool = append(pool, p)
			}
		}
		if len(pool) < m {
			pool = nil
		}
	}

	scores := make([]float64, m)
	atoms := make([][]float64, m)
	var exGrad []float64
	if grad != nil {
		exGrad = make([]float64, len(grad))
	}
	total := 0.0

	for pos, i := range idx {
		thetaTrue, x, round := snap.Example(i)
		atoms[0] = thetaTrue
		// Contrast parameters come from other examples of the same
		// minibatch, excluding the true pairing.
		if pool != nil {
			perm := r.Perm(len(pool))
			a := 1
			for _, pi := range perm {
				if a == m {
					break
				}
				if pool[pi] == pos {
					continue
				}
				theta, _, _ := snap.Example(idx[pool[pi]])
				atoms[a] = theta
				a++
			}
		} else {
			perm := r.Perm(n - 1)
			for a := 1; a < m; a++ {
				j := perm[a-1]
				if j >= pos {
					j++
				}
				theta, _, _ := snap.Example(idx[j])
				atoms[a] = theta
			}
		}
		for a := 0; a < m; a++ {
			scores[a] = l.contrastScore(est, atoms[a], x)
		}
		lse := floats.LogSumExp(scores)
		total += -(scores[0] - lse)

		if grad != nil {
			for a := 0; a < m; a++ {
				// d loss / d score_a = softmax_a - [a == true].
				coeff := math.Exp(scores[a]-lse) / float64(n)
				if a == 0 {
					coeff -= 1 / float64(n)
				}
				if coeff == 0 {
					continue
				}
				for j := range exGrad {
					exGrad[j] = 0
				}
				est.LogProbGrad(atoms[a], x, exGrad)
				floats.AddScaled(grad, coeff, exGrad)
			}
		}

		// The atomic objective only sees density ratios. Anchoring the
		// absolute density on prior-drawn examples reduces leakage mass.
		if l.CombineWithNLL && isPosterior && round == 0 {
			if grad != nil {
				for j := range exGrad {
					exGrad[j] = 0
				}
				lp := est.LogProbGrad(thetaTrue, x, exGrad)
				total += -lp
				floats.AddScaled(grad, -1/float64(n), exGrad)
			} else {
				total += -est.LogProb(thetaTrue, x)
			}
		}
	}
	return total / float64(n), nil
}

// ScoreLoss is denoising score matching for score families. It ignores
// proposal corrections; the smoothed-score objective is proposal-agnostic
// in the same way maximum likelihood is for likelihood families.
type ScoreLoss struct{}

// Name returns "denoising_score_matching".
func (ScoreLoss) Name() string { return "denoising_score_matching" }

// Prepare validates that the estimator is a score family.
func (ScoreLoss) Prepare(est estimator.Estimator, snap *data.Snapshot) error {
	if est.Kind() != estimator.KindScore {
		return fmt.Errorf("score loss: estimator family is %v, want score", est.Kind())
	}
	if _, ok := est.(denoiser); !ok {
		return fmt.Errorf("score loss: estimator does not implement denoising training")
	}
	return nil
}

type denoiser interface {
	DenoisingLossGrad(theta, x []float64, r *rand.Rand, grad []float64) float64
}

// MinibatchGrad accumulates the mean denoising loss gradient over idx.
func (ScoreLoss) MinibatchGrad(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand, grad []float64) (float64, error) {
	den := est.(denoiser)
	n := len(idx)
	if n == 0 {
		return 0, fmt.Errorf("score loss: empty minibatch")
	}
	exGrad := make([]float64, len(grad))
	total := 0.0
	for _, i := range idx {
		theta, x, _ := snap.Example(i)
		for j := range exGrad {
			exGrad[j] = 0
		}
		total += den.DenoisingLossGrad(theta, x, r, exGrad)
		floats.AddScaled(grad, 1/float64(n), exGrad)
	}
	return total / float64(n), nil
}

// MinibatchLoss evaluates the mean denoising loss over idx.
func (s ScoreLoss) MinibatchLoss(est estimator.Estimator, snap *data.Snapshot, idx []int, r *rand.Rand) (float64, error) {
	den := est.(denoiser)
	n := len(idx)
	if n == 0 {
		return 0, fmt.Errorf("score loss: empty minibatch")
	}
	scratch := make([]float64, est.NumParams())
	total := 0.0
	for _, i := range idx {
		theta, x, _ := snap.Example(i)
		for j := range scratch {
			scratch[j] = 0
		}
		total += den.DenoisingLossGrad(theta, x, r, scratch)
	}
	return total / float64(n), nil
}
