package posterior

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/mcmc"
	"github.com/pflow-xyz/go-sbi/transform"
)

// chainTarget is the posterior potential pushed to unconstrained space:
// potential(inverse(u)) plus the log Jacobian of the inverse map.
type chainTarget struct {
	p *Posterior
}

func (t chainTarget) Dim() int { return t.p.Dim() }

func (t chainTarget) LogProb(u []float64) float64 {
	return t.p.potential(t.p.tr.Inverse(u)) + t.p.tr.LogAbsDetJacobian(u)
}

// priorScorer is implemented by priors exposing the gradient of their
// log density, used as the prior term of a gradient target.
type priorScorer interface {
	ScoreLogProb(theta []float64) []float64
}

// gradChainTarget adds the chain-rule gradient of the unconstrained
// target: the theta score times the diagonal inverse derivative, plus
// the gradient of the log Jacobian term.
type gradChainTarget struct {
	chainTarget
	score func(theta []float64) []float64
}

func (t gradChainTarget) LogProbGrad(u, grad []float64) float64 {
	theta := t.p.tr.Inverse(u)
	lp := t.p.potential(theta) + t.p.tr.LogAbsDetJacobian(u)
	if !isFinite(lp) {
		for i := range grad {
			grad[i] = 0
		}
		return lp
	}
	s := t.score(theta)
	dtheta := t.p.tr.InverseDeriv(u)
	dlogdet := t.p.tr.LogAbsDetJacobianGrad(u)
	for i := range grad {
		grad[i] = s[i]*dtheta[i] + dlogdet[i]
	}
	return lp
}

// thetaScoreFunc assembles the gradient of the potential with respect
// to theta when the family supports it. Posterior families score theta
// directly; ratio families add the prior score to the logit gradient.
// Likelihood families score x rather than theta, so they get none.
func (p *Posterior) thetaScoreFunc() (func(theta []float64) []float64, bool) {
	sc, ok := p.est.(estimator.TargetScorer)
	if !ok || !p.est.Caps().TargetGradients {
		return nil, false
	}
	switch p.est.Kind() {
	case estimator.KindPosterior:
		return func(theta []float64) []float64 {
			return sc.ScoreTarget(theta, p.xo)
		}, true
	case estimator.KindRatio:
		ps, ok := p.pri.(priorScorer)
		if !ok {
			return nil, false
		}
		return func(theta []float64) []float64 {
			s := sc.ScoreTarget(theta, p.xo)
			g := ps.ScoreLogProb(theta)
			for i := range s {
				s[i] += g[i]
			}
			return s
		}, true
	default:
		return nil, false
	}
}

// newChainTarget builds the unconstrained-space target, with gradients
// when the estimator can score theta.
func (p *Posterior) newChainTarget() mcmc.Target {
	base := chainTarget{p: p}
	score, ok := p.thetaScoreFunc()
	if !ok {
		return base
	}
	return gradChainTarget{chainTarget: base, score: score}
}

// newKernel constructs a fresh transition kernel. Kernels hold
// adaptation state, so every sampling run gets its own instance.
func (p *Posterior) newKernel() (mcmc.Kernel, error) {
	switch p.cfg.MCMC.Kernel {
	case "slice":
		return mcmc.NewSliceKernel(), nil
	case "rwmh":
		return mcmc.NewRWMHKernel(p.cfg.MCMC.RWMHScale), nil
	case "mala":
		if _, ok := p.thetaScoreFunc(); !ok {
			return nil, fmt.Errorf("posterior: mala kernel needs theta gradients, %s family has none", p.est.Kind())
		}
		return mcmc.NewMALAKernel(p.cfg.MCMC.MALAStep), nil
	default:
		return nil, fmt.Errorf("posterior: unknown mcmc kernel %q", p.cfg.MCMC.Kernel)
	}
}

// sampleMCMC runs a chain pool against the potential in unconstrained
// space and maps the pooled draws back to theta coordinates. Chains are
// seeded from prior draws pushed through the transform.
func (p *Posterior) sampleMCMC(ctx context.Context, n int) (*mat.Dense, error) {
	kern, err := p.newKernel()
	if err != nil {
		return nil, err
	}
	candidates := func(m int, _ *rand.Rand) *mat.Dense {
		return transform.ForwardBatch(p.tr, p.pri.Sample(m))
	}
	opts := p.cfg.MCMC.Options
	if opts.Seed == 0 {
		opts.Seed = p.nextSeed()
	}
	pool, err := mcmc.NewChainPool(p.newChainTarget(), kern, candidates, opts, p.logger)
	if err != nil {
		return nil, err
	}
	res, err := pool.Run(ctx, n)
	if err != nil {
		return nil, err
	}
	p.setAcceptRate(res.Diag.AcceptRate)
	p.setMaxRHat(res.Diag.MaxRHat)
	return transform.InverseBatch(p.tr, res.Draws), nil
}
