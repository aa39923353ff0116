package posterior

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/mcmc"
	"github.com/pflow-xyz/go-sbi/odeflow"
)

// flowPasses bounds the support-filter retry loop of the flow sampler.
const flowPasses = 4

// sampleFlow draws from a score family. The ode method integrates the
// probability-flow equation du/dsigma = -sigma * score(u, sigma) from
// the top of the noise ladder to the bottom; the langevin method
// anneals the population with unadjusted Langevin steps instead. Draws
// outside the prior support are redrawn for a bounded number of passes.
func (p *Posterior) sampleFlow(ctx context.Context, n int) (*mat.Dense, error) {
	ns := p.est.(estimator.NoiseConditionalScorer)
	sigmas := ns.NoiseLevels()
	if len(sigmas) < 2 {
		return nil, fmt.Errorf("posterior: score model has %d noise levels, need at least 2", len(sigmas))
	}
	dim := p.Dim()
	out := mat.NewDense(n, dim, nil)
	got := 0
	for pass := 0; pass < flowPasses && got < n; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		need := n - got
		var draws *mat.Dense
		var err error
		if p.cfg.Flow.Method == "langevin" {
			draws, err = p.flowLangevin(ctx, need, ns, sigmas)
		} else {
			draws, err = p.flowODE(need, ns, sigmas)
		}
		if err != nil {
			return nil, err
		}
		for i := 0; i < need; i++ {
			row := draws.RawRowView(i)
			if rowFinite(row) && p.sup.Contains(row) {
				out.SetRow(got, row)
				got++
			}
		}
	}
	if got < n {
		return nil, fmt.Errorf("posterior: flow sampler kept %d of %d draws inside the prior support", got, n)
	}
	return out, nil
}

// flowODE stacks all particles into one state vector and integrates the
// probability flow in a single adaptive solve. Initial positions are
// drawn from the sigma-max noise distribution.
func (p *Posterior) flowODE(n int, ns estimator.NoiseConditionalScorer, sigmas []float64) (*mat.Dense, error) {
	dim := p.Dim()
	smax, smin := sigmas[0], sigmas[len(sigmas)-1]
	r := rand.New(rand.NewSource(p.nextSeed()))
	u0 := make([]float64, n*dim)
	for i := range u0 {
		u0[i] = smax * r.NormFloat64()
	}
	f := func(sigma float64, u []float64) []float64 {
		du := make([]float64, len(u))
		for i := 0; i < n; i++ {
			s := ns.ScoreNoisy(u[i*dim:(i+1)*dim], p.xo, sigma)
			for j, v := range s {
				du[i*dim+j] = -sigma * v
			}
		}
		return du
	}
	opts := p.cfg.Flow.Options
	if opts == nil {
		opts = odeflow.SamplingOptions()
	}
	sol := odeflow.Solve(odeflow.NewProblem(f, u0, [2]float64{smax, smin}), odeflow.Tsit5(), opts)
	final := sol.Final()
	if final == nil {
		return nil, fmt.Errorf("posterior: probability flow integration produced no states")
	}
	out := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, final[i*dim:(i+1)*dim])
	}
	return out, nil
}

// flowLangevin anneals a particle population down the noise ladder with
// unadjusted Langevin updates.
func (p *Posterior) flowLangevin(ctx context.Context, n int, ns estimator.NoiseConditionalScorer, sigmas []float64) (*mat.Dense, error) {
	dim := p.Dim()
	smax := sigmas[0]
	r := rand.New(rand.NewSource(p.nextSeed()))
	pop := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		row := pop.RawRowView(i)
		for j := range row {
			row[j] = smax * r.NormFloat64()
		}
	}
	opts := p.cfg.Flow.Langevin
	if opts.Seed == 0 {
		opts.Seed = p.nextSeed()
	}
	score := func(u []float64, sigma float64) []float64 {
		return ns.ScoreNoisy(u, p.xo, sigma)
	}
	if err := mcmc.AnnealedLangevin(ctx, pop, score, sigmas, opts); err != nil {
		return nil, err
	}
	return pop, nil
}
