// Package mcmc draws from unnormalized densities by advancing a pool of
// Markov chains in lockstep. Chains operate on an unconstrained
// parameterization supplied by the caller; the transition kernel is
// pluggable, with coordinatewise slice sampling as the default.
//
// Chains that hit a non-finite target value are marked stalled and
// excluded from the pooled sample. A pool whose stall fraction exceeds
// the configured threshold fails with ChainDivergenceError instead of
// returning a biased sample.
package mcmc

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Target is a possibly unnormalized log density over unconstrained
// coordinates.
type Target interface {
	Dim() int
	LogProb(u []float64) float64
}

// GradTarget is a Target that also exposes the gradient of its log
// density. Gradient-based kernels require it.
type GradTarget interface {
	Target
	// LogProbGrad writes the gradient at u into grad and returns the
	// log density.
	LogProbGrad(u, grad []float64) float64
}

// Kernel advances a single chain by one transition. Step mutates u in
// place and returns the log density at the new position. Kernels are
// invoked from one goroutine and may keep adaptation state between
// calls; a kernel instance belongs to one run.
type Kernel interface {
	Name() string
	Step(t Target, u []float64, logp float64, r *rand.Rand) float64
}

// gradientKernel marks kernels that can only work with a GradTarget.
type gradientKernel interface {
	RequiresGradients() bool
}

// warmupAware lets adaptive kernels freeze their tuning once the
// sampling phase starts.
type warmupAware interface {
	FinishWarmup()
}

// acceptTracking reports Metropolis acceptance statistics.
type acceptTracking interface {
	AcceptRate() float64
}

// CandidateFunc draws candidate start positions in the unconstrained
// space, one position per row.
type CandidateFunc func(n int, r *rand.Rand) *mat.Dense

// InitStrategy selects how chains are seeded before warmup.
type InitStrategy int

const (
	// InitCandidates starts each chain at an independent candidate
	// draw, redrawing positions with non-finite target density.
	InitCandidates InitStrategy = iota
	// InitSIR draws a candidate pool, weights it by target density and
	// resamples chain starts from the weighted pool.
	InitSIR
	// InitPoint starts every chain at a fixed position.
	InitPoint
)

// Phase is the lifecycle state of one chain.
type Phase int

const (
	Warming Phase = iota
	Sampling
	Converged
	Stalled
)

func (p Phase) String() string {
	switch p {
	case Warming:
		return "warming"
	case Sampling:
		return "sampling"
	case Converged:
		return "converged"
	case Stalled:
		return "stalled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ChainDivergenceError reports that too many chains produced non-finite
// target values for the pooled sample to be trusted.
type ChainDivergenceError struct {
	Stalled   int
	Total     int
	Threshold float64
}

func (e *ChainDivergenceError) Error() string {
	return fmt.Sprintf("mcmc: %d of %d chains stalled (max stall fraction %g)",
		e.Stalled, e.Total, e.Threshold)
}

// Options configure a ChainPool.
type Options struct {
	Chains           int     // number of lockstep chains
	Warmup           int     // warmup transitions per chain, discarded
	Thin             int     // record every Thin-th post-warmup state
	MinChainDraws    int     // minimum recorded draws per surviving chain
	MaxStallFraction float64 // stalled fraction above which the run fails
	Init             InitStrategy
	SIRCandidates    int       // candidate pool size for InitSIR
	InitPoint        []float64 // start position for InitPoint
	Seed             uint64
}

// DefaultOptions returns the settings used by the posterior MCMC
// backend unless overridden.
func DefaultOptions() Options {
	return Options{
		Chains:           20,
		Warmup:           200,
		Thin:             1,
		MinChainDraws:    1,
		MaxStallFraction: 0.2,
		Init:             InitSIR,
		SIRCandidates:    1024,
	}
}

// Diagnostics summarize a finished or aborted run.
type Diagnostics struct {
	Chains     int
	Stalled    int
	Steps      int // lockstep transitions taken, warmup included
	Kernel     string
	AcceptRate float64   // NaN for kernels without an accept step
	RHat       []float64 // split Gelman-Rubin statistic per dimension
	MaxRHat    float64   // NaN when the statistic is unavailable
}

// Result holds pooled post-warmup draws in the unconstrained space.
type Result struct {
	Draws *mat.Dense
	Diag  Diagnostics
}

// ChainPool runs a configurable number of chains in lockstep against a
// shared target. The pool itself is sequential: vectorization is across
// the chain dimension, not across goroutines, and no chain ever
// observes another's state.
type ChainPool struct {
	target     Target
	kernel     Kernel
	candidates CandidateFunc
	opts       Options
	logger     *zap.Logger
}

// NewChainPool validates the configuration and builds a pool. A nil
// kernel selects slice sampling; a nil logger disables logging.
// candidates may be nil only for InitPoint.
func NewChainPool(target Target, kernel Kernel, candidates CandidateFunc, opts Options, logger *zap.Logger) (*ChainPool, error) {
	if kernel == nil {
		kernel = NewSliceKernel()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if target == nil {
		return nil, fmt.Errorf("mcmc: target must not be nil")
	}
	if opts.Chains < 1 {
		return nil, fmt.Errorf("mcmc: Chains must be at least 1, got %d", opts.Chains)
	}
	if opts.Warmup < 0 {
		return nil, fmt.Errorf("mcmc: Warmup must not be negative, got %d", opts.Warmup)
	}
	if opts.Thin < 1 {
		return nil, fmt.Errorf("mcmc: Thin must be at least 1, got %d", opts.Thin)
	}
	if opts.MinChainDraws < 0 {
		return nil, fmt.Errorf("mcmc: MinChainDraws must not be negative, got %d", opts.MinChainDraws)
	}
	if opts.MaxStallFraction < 0 || opts.MaxStallFraction > 1 {
		return nil, fmt.Errorf("mcmc: MaxStallFraction must lie in [0, 1], got %g", opts.MaxStallFraction)
	}
	if gk, ok := kernel.(gradientKernel); ok && gk.RequiresGradients() {
		if _, ok := target.(GradTarget); !ok {
			return nil, fmt.Errorf("mcmc: kernel %q requires a target with gradients", kernel.Name())
		}
	}
	switch opts.Init {
	case InitPoint:
		if len(opts.InitPoint) != target.Dim() {
			return nil, fmt.Errorf("mcmc: InitPoint has length %d, target dim is %d",
				len(opts.InitPoint), target.Dim())
		}
	case InitSIR:
		if candidates == nil {
			return nil, fmt.Errorf("mcmc: InitSIR requires a candidate function")
		}
		if opts.SIRCandidates < 1 {
			return nil, fmt.Errorf("mcmc: SIRCandidates must be at least 1, got %d", opts.SIRCandidates)
		}
	case InitCandidates:
		if candidates == nil {
			return nil, fmt.Errorf("mcmc: InitCandidates requires a candidate function")
		}
	default:
		return nil, fmt.Errorf("mcmc: unknown init strategy %d", opts.Init)
	}
	return &ChainPool{
		target:     target,
		kernel:     kernel,
		candidates: candidates,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Run produces n pooled draws. Warmup transitions are discarded, draws
// are thinned, and stalled chains contribute nothing. On context
// cancellation Run returns the draws gathered so far together with the
// context error, so a partial result is distinguishable from success.
func (p *ChainPool) Run(ctx context.Context, n int) (*Result, error) {
	if n < 1 {
		return nil, fmt.Errorf("mcmc: sample count must be positive, got %d", n)
	}
	dim := p.target.Dim()
	chains := p.opts.Chains
	r := rand.New(rand.NewSource(p.opts.Seed))

	phases := make([]Phase, chains)
	states := make([][]float64, chains)
	logps := make([]float64, chains)
	for c := range states {
		states[c] = make([]float64, dim)
	}

	if err := p.initialize(r, phases, states, logps); err != nil {
		return nil, err
	}
	if err := p.checkStalls(phases); err != nil {
		return nil, err
	}

	steps := 0
	draws := make([][][]float64, chains)

	for s := 0; s < p.opts.Warmup; s++ {
		if err := ctx.Err(); err != nil {
			return p.finish(phases, draws, steps, 0), err
		}
		p.advance(r, phases, states, logps)
		steps++
	}
	if wa, ok := p.kernel.(warmupAware); ok {
		wa.FinishWarmup()
	}
	if err := p.checkStalls(phases); err != nil {
		return nil, err
	}
	for c := range phases {
		if phases[c] == Warming {
			phases[c] = Sampling
		}
	}

	for iter := 1; ; iter++ {
		pooled, minRec, live := p.progress(phases, draws)
		if live == 0 {
			stalled := chains - live
			return nil, &ChainDivergenceError{Stalled: stalled, Total: chains, Threshold: p.opts.MaxStallFraction}
		}
		if pooled >= n && minRec >= p.opts.MinChainDraws {
			break
		}
		if err := ctx.Err(); err != nil {
			return p.finish(phases, draws, steps, 0), err
		}
		p.advance(r, phases, states, logps)
		steps++
		if iter%p.opts.Thin == 0 {
			for c := range states {
				if phases[c] == Sampling {
					draws[c] = append(draws[c], append([]float64(nil), states[c]...))
				}
			}
		}
		if err := p.checkStalls(phases); err != nil {
			return nil, err
		}
	}

	res := p.finish(phases, draws, steps, n)
	p.logger.Debug("chain pool finished",
		zap.Int("chains", res.Diag.Chains),
		zap.Int("stalled", res.Diag.Stalled),
		zap.Int("steps", res.Diag.Steps),
		zap.String("kernel", res.Diag.Kernel),
		zap.Float64("max_rhat", res.Diag.MaxRHat))
	return res, nil
}

// advance moves every live chain one transition forward and stalls
// chains whose target became non-finite.
func (p *ChainPool) advance(r *rand.Rand, phases []Phase, states [][]float64, logps []float64) {
	for c := range states {
		if phases[c] == Stalled {
			continue
		}
		lp := p.kernel.Step(p.target, states[c], logps[c], r)
		if !isFinite(lp) {
			phases[c] = Stalled
			p.logger.Warn("chain stalled on non-finite target", zap.Int("chain", c))
			continue
		}
		logps[c] = lp
	}
}

// progress reports the pooled live draw count, the minimum record count
// over live chains and the number of live chains.
func (p *ChainPool) progress(phases []Phase, draws [][][]float64) (pooled, minRec, live int) {
	minRec = math.MaxInt
	for c := range draws {
		if phases[c] == Stalled {
			continue
		}
		live++
		pooled += len(draws[c])
		if len(draws[c]) < minRec {
			minRec = len(draws[c])
		}
	}
	if live == 0 {
		minRec = 0
	}
	return pooled, minRec, live
}

func (p *ChainPool) checkStalls(phases []Phase) error {
	stalled := 0
	for _, ph := range phases {
		if ph == Stalled {
			stalled++
		}
	}
	total := len(phases)
	if stalled == total || float64(stalled) > p.opts.MaxStallFraction*float64(total) {
		return &ChainDivergenceError{Stalled: stalled, Total: total, Threshold: p.opts.MaxStallFraction}
	}
	return nil
}

// finish assembles the result: live chains move to Converged, their
// draws are pooled step-major and truncated to limit rows when limit is
// positive, and diagnostics are computed from the untruncated records.
func (p *ChainPool) finish(phases []Phase, draws [][][]float64, steps, limit int) *Result {
	dim := p.target.Dim()
	stalled := 0
	var liveDraws [][][]float64
	rows := 0
	for c := range phases {
		if phases[c] == Stalled {
			stalled++
			continue
		}
		if phases[c] == Sampling {
			phases[c] = Converged
		}
		if len(draws[c]) > 0 {
			liveDraws = append(liveDraws, draws[c])
			rows += len(draws[c])
		}
	}
	if limit > 0 && limit < rows {
		rows = limit
	}

	// Pool step-major across live chains so early and late draws mix.
	// Draws is nil when nothing was recorded, as on early cancellation.
	var out *mat.Dense
	if rows > 0 {
		out = mat.NewDense(rows, dim, nil)
		maxRec := 0
		for _, d := range liveDraws {
			if len(d) > maxRec {
				maxRec = len(d)
			}
		}
		idx := 0
		for rec := 0; rec < maxRec && idx < rows; rec++ {
			for _, d := range liveDraws {
				if rec < len(d) && idx < rows {
					out.SetRow(idx, d[rec])
					idx++
				}
			}
		}
	}

	diag := Diagnostics{
		Chains:     len(phases),
		Stalled:    stalled,
		Steps:      steps,
		Kernel:     p.kernel.Name(),
		AcceptRate: math.NaN(),
		MaxRHat:    math.NaN(),
	}
	if at, ok := p.kernel.(acceptTracking); ok {
		diag.AcceptRate = at.AcceptRate()
	}
	if rhat := SplitRHat(liveDraws); rhat != nil {
		diag.RHat = rhat
		m := rhat[0]
		for _, v := range rhat[1:] {
			if v > m {
				m = v
			}
		}
		diag.MaxRHat = m
	}
	return &Result{Draws: out, Diag: diag}
}

func (p *ChainPool) initialize(r *rand.Rand, phases []Phase, states [][]float64, logps []float64) error {
	switch p.opts.Init {
	case InitPoint:
		lp := p.target.LogProb(p.opts.InitPoint)
		if !isFinite(lp) {
			for c := range phases {
				phases[c] = Stalled
			}
			return nil
		}
		for c := range states {
			copy(states[c], p.opts.InitPoint)
			logps[c] = lp
		}
		return nil
	case InitSIR:
		return p.initSIR(r, phases, states, logps)
	default:
		return p.initCandidates(r, phases, states, logps)
	}
}

// initCandidates seeds each chain from its own candidate draw,
// redrawing a bounded number of times for positions with non-finite
// density.
func (p *ChainPool) initCandidates(r *rand.Rand, phases []Phase, states [][]float64, logps []float64) error {
	const redrawRounds = 20
	dim := p.target.Dim()
	pending := make([]int, len(states))
	for c := range pending {
		pending[c] = c
	}
	for attempt := 0; attempt < redrawRounds && len(pending) > 0; attempt++ {
		cand := p.candidates(len(pending), r)
		rows, cols := cand.Dims()
		if rows != len(pending) || cols != dim {
			return fmt.Errorf("mcmc: candidate draw returned %dx%d, want %dx%d", rows, cols, len(pending), dim)
		}
		var still []int
		for k, c := range pending {
			row := cand.RawRowView(k)
			lp := p.target.LogProb(row)
			if isFinite(lp) {
				copy(states[c], row)
				logps[c] = lp
			} else {
				still = append(still, c)
			}
		}
		pending = still
	}
	for _, c := range pending {
		phases[c] = Stalled
		p.logger.Warn("chain failed to initialize", zap.Int("chain", c))
	}
	return nil
}

// initSIR weights a candidate pool by target density and resamples
// chain starts from it.
func (p *ChainPool) initSIR(r *rand.Rand, phases []Phase, states [][]float64, logps []float64) error {
	dim := p.target.Dim()
	m := p.opts.SIRCandidates
	cand := p.candidates(m, r)
	rows, cols := cand.Dims()
	if rows != m || cols != dim {
		return fmt.Errorf("mcmc: candidate draw returned %dx%d, want %dx%d", rows, cols, m, dim)
	}

	lps := make([]float64, m)
	var finite []int
	var finiteLps []float64
	for k := 0; k < m; k++ {
		lps[k] = p.target.LogProb(cand.RawRowView(k))
		if isFinite(lps[k]) {
			finite = append(finite, k)
			finiteLps = append(finiteLps, lps[k])
		}
	}
	if len(finite) == 0 {
		for c := range phases {
			phases[c] = Stalled
		}
		return nil
	}

	lse := floats.LogSumExp(finiteLps)
	cdf := make([]float64, len(finite))
	acc := 0.0
	for k, lp := range finiteLps {
		acc += math.Exp(lp - lse)
		cdf[k] = acc
	}
	for c := range states {
		v := r.Float64()
		pick := len(finite) - 1
		for k, cv := range cdf {
			if v <= cv {
				pick = k
				break
			}
		}
		src := finite[pick]
		copy(states[c], cand.RawRowView(src))
		logps[c] = lps[src]
	}
	return nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
