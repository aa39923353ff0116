package mcmc

import (
	"context"
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// gaussTarget is an isotropic Gaussian with unit variance, unnormalized.
type gaussTarget struct {
	mu []float64
}

func (g *gaussTarget) Dim() int { return len(g.mu) }

func (g *gaussTarget) LogProb(u []float64) float64 {
	s := 0.0
	for i := range u {
		d := u[i] - g.mu[i]
		s += d * d
	}
	return -0.5 * s
}

func (g *gaussTarget) LogProbGrad(u, grad []float64) float64 {
	for i := range u {
		grad[i] = g.mu[i] - u[i]
	}
	return g.LogProb(u)
}

// flatTarget has a density but no gradients.
type flatTarget struct{ dim int }

func (f flatTarget) Dim() int { return f.dim }

func (f flatTarget) LogProb(u []float64) float64 { return 0 }

// hopelessTarget is non-finite everywhere.
type hopelessTarget struct{ dim int }

func (h hopelessTarget) Dim() int { return h.dim }

func (h hopelessTarget) LogProb(u []float64) float64 { return math.NaN() }

func boxCandidates(low, high float64, dim int) CandidateFunc {
	return func(n int, r *rand.Rand) *mat.Dense {
		m := mat.NewDense(n, dim, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < dim; j++ {
				m.Set(i, j, low+(high-low)*r.Float64())
			}
		}
		return m
	}
}

func colMoments(m *mat.Dense, col int) (mean, variance float64) {
	vals := mat.Col(nil, col, m)
	return stat.MeanVariance(vals, nil)
}

func checkGaussianDraws(t *testing.T, res *Result, mu []float64, meanTol, varLo, varHi float64) {
	t.Helper()
	rows, cols := res.Draws.Dims()
	if cols != len(mu) {
		t.Fatalf("draws have %d columns, want %d", cols, len(mu))
	}
	if rows == 0 {
		t.Fatal("no draws returned")
	}
	for d := range mu {
		mean, variance := colMoments(res.Draws, d)
		if math.Abs(mean-mu[d]) > meanTol {
			t.Errorf("dim %d: mean = %v, want %v within %v", d, mean, mu[d], meanTol)
		}
		if variance < varLo || variance > varHi {
			t.Errorf("dim %d: variance = %v, want in [%v, %v]", d, variance, varLo, varHi)
		}
	}
}

func TestChainPoolSliceCandidateInit(t *testing.T) {
	target := &gaussTarget{mu: []float64{1, -2}}
	opts := DefaultOptions()
	opts.Chains = 8
	opts.Warmup = 150
	opts.Init = InitCandidates
	opts.Seed = 7

	pool, err := NewChainPool(target, nil, boxCandidates(-5, 5, 2), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(context.Background(), 4000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows, _ := res.Draws.Dims()
	if rows != 4000 {
		t.Errorf("got %d draws, want 4000", rows)
	}
	checkGaussianDraws(t, res, target.mu, 0.1, 0.85, 1.15)
	if res.Diag.Stalled != 0 {
		t.Errorf("stalled = %d, want 0", res.Diag.Stalled)
	}
	if res.Diag.Kernel != "slice" {
		t.Errorf("kernel = %q, want slice", res.Diag.Kernel)
	}
	if math.IsNaN(res.Diag.MaxRHat) || res.Diag.MaxRHat > 1.1 {
		t.Errorf("max rhat = %v, want finite and below 1.1", res.Diag.MaxRHat)
	}
}

func TestChainPoolSliceSIRInit(t *testing.T) {
	target := &gaussTarget{mu: []float64{1, -2}}
	opts := DefaultOptions()
	opts.Chains = 8
	opts.Warmup = 150
	opts.Init = InitSIR
	opts.SIRCandidates = 512
	opts.Seed = 11

	pool, err := NewChainPool(target, nil, boxCandidates(-5, 5, 2), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(context.Background(), 4000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkGaussianDraws(t, res, target.mu, 0.1, 0.85, 1.15)
}

func TestChainPoolRWMH(t *testing.T) {
	target := &gaussTarget{mu: []float64{0.5, -1}}
	opts := DefaultOptions()
	opts.Chains = 8
	opts.Warmup = 500
	opts.Init = InitSIR
	opts.SIRCandidates = 512
	opts.Seed = 3

	pool, err := NewChainPool(target, NewRWMHKernel(0.8), boxCandidates(-4, 4, 2), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(context.Background(), 8000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkGaussianDraws(t, res, target.mu, 0.15, 0.8, 1.25)
	if res.Diag.AcceptRate < 0.1 || res.Diag.AcceptRate > 0.5 {
		t.Errorf("accept rate = %v, want adapted near 0.234", res.Diag.AcceptRate)
	}
}

func TestChainPoolMALA(t *testing.T) {
	target := &gaussTarget{mu: []float64{-1, 2}}
	opts := DefaultOptions()
	opts.Chains = 8
	opts.Warmup = 500
	opts.Init = InitSIR
	opts.SIRCandidates = 512
	opts.Seed = 5

	pool, err := NewChainPool(target, NewMALAKernel(0.5), boxCandidates(-4, 4, 2), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(context.Background(), 8000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkGaussianDraws(t, res, target.mu, 0.15, 0.8, 1.25)
	if res.Diag.AcceptRate < 0.3 || res.Diag.AcceptRate > 0.9 {
		t.Errorf("accept rate = %v, want adapted near 0.574", res.Diag.AcceptRate)
	}
}

func TestMALARequiresGradients(t *testing.T) {
	_, err := NewChainPool(flatTarget{dim: 2}, NewMALAKernel(0.1), boxCandidates(-1, 1, 2), DefaultOptions(), nil)
	if err == nil {
		t.Fatal("MALA against a gradient-free target should fail to construct")
	}
}

func TestChainPoolAllStalled(t *testing.T) {
	opts := DefaultOptions()
	opts.Chains = 6
	opts.Init = InitCandidates
	pool, err := NewChainPool(hopelessTarget{dim: 2}, nil, boxCandidates(-1, 1, 2), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	_, err = pool.Run(context.Background(), 100)
	var divErr *ChainDivergenceError
	if !errors.As(err, &divErr) {
		t.Fatalf("got %v, want ChainDivergenceError", err)
	}
	if divErr.Stalled != 6 || divErr.Total != 6 {
		t.Errorf("stalled %d of %d, want 6 of 6", divErr.Stalled, divErr.Total)
	}
}

func TestChainPoolInitPoint(t *testing.T) {
	target := &gaussTarget{mu: []float64{0, 0}}
	opts := DefaultOptions()
	opts.Chains = 4
	opts.Warmup = 100
	opts.Init = InitPoint
	opts.InitPoint = []float64{0.5, -0.5}
	opts.Seed = 13

	pool, err := NewChainPool(target, nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(context.Background(), 2000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkGaussianDraws(t, res, target.mu, 0.15, 0.8, 1.25)
}

func TestNewChainPoolValidation(t *testing.T) {
	target := &gaussTarget{mu: []float64{0, 0}}
	cands := boxCandidates(-1, 1, 2)
	cases := []struct {
		name string
		mod  func(*Options)
	}{
		{"zero chains", func(o *Options) { o.Chains = 0 }},
		{"zero thin", func(o *Options) { o.Thin = 0 }},
		{"negative warmup", func(o *Options) { o.Warmup = -1 }},
		{"stall fraction above one", func(o *Options) { o.MaxStallFraction = 1.5 }},
		{"init point wrong length", func(o *Options) { o.Init = InitPoint; o.InitPoint = []float64{1} }},
		{"sir without candidates", func(o *Options) { o.Init = InitSIR }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mod(&opts)
			c := cands
			if tc.name == "sir without candidates" {
				c = nil
			}
			if _, err := NewChainPool(target, nil, c, opts, nil); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}
	if _, err := NewChainPool(nil, nil, cands, DefaultOptions(), nil); err == nil {
		t.Error("nil target should fail")
	}
}

func TestChainPoolCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := &gaussTarget{mu: []float64{0, 0}}
	opts := DefaultOptions()
	opts.Chains = 4
	opts.Init = InitCandidates
	pool, err := NewChainPool(target, nil, boxCandidates(-1, 1, 2), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(ctx, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res == nil {
		t.Fatal("canceled run should still report partial diagnostics")
	}
	if res.Draws != nil {
		t.Error("no draws should be recorded before the first transition")
	}
	if res.Diag.Steps != 0 {
		t.Errorf("steps = %d, want 0", res.Diag.Steps)
	}
}

func TestChainPoolThinning(t *testing.T) {
	target := &gaussTarget{mu: []float64{0}}
	opts := DefaultOptions()
	opts.Chains = 4
	opts.Warmup = 20
	opts.Thin = 5
	opts.MinChainDraws = 2
	opts.Init = InitCandidates
	opts.Seed = 99

	pool, err := NewChainPool(target, nil, boxCandidates(-2, 2, 1), opts, nil)
	if err != nil {
		t.Fatalf("NewChainPool: %v", err)
	}
	res, err := pool.Run(context.Background(), 8)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows, _ := res.Draws.Dims()
	if rows != 8 {
		t.Errorf("got %d draws, want 8", rows)
	}
	// Two records per chain at every 5th transition: 20 warmup steps
	// plus 10 sampling steps.
	if res.Diag.Steps != 30 {
		t.Errorf("steps = %d, want 30", res.Diag.Steps)
	}
}

func TestSplitRHatAgreesAndDisagrees(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	mkChain := func(shift float64, steps int) [][]float64 {
		c := make([][]float64, steps)
		for i := range c {
			c[i] = []float64{shift + r.NormFloat64()}
		}
		return c
	}

	agree := [][][]float64{mkChain(0, 200), mkChain(0, 200), mkChain(0, 200), mkChain(0, 200)}
	rhat := SplitRHat(agree)
	if rhat == nil {
		t.Fatal("expected a statistic for well-sized draws")
	}
	if rhat[0] > 1.1 {
		t.Errorf("identical chains give rhat %v, want near 1", rhat[0])
	}

	disagree := [][][]float64{mkChain(0, 200), mkChain(0, 200), mkChain(5, 200), mkChain(5, 200)}
	rhat = SplitRHat(disagree)
	if rhat[0] < 1.5 {
		t.Errorf("separated chains give rhat %v, want well above 1", rhat[0])
	}

	if SplitRHat([][][]float64{mkChain(0, 3)}) != nil {
		t.Error("too-short chains should return nil")
	}
	if SplitRHat(nil) != nil {
		t.Error("empty input should return nil")
	}
}

func TestAnnealedLangevin(t *testing.T) {
	// Score of N(3, 1+sigma^2), the usual smoothed target.
	score := func(u []float64, sigma float64) []float64 {
		g := make([]float64, len(u))
		for i := range u {
			g[i] = (3 - u[i]) / (1 + sigma*sigma)
		}
		return g
	}
	r := rand.New(rand.NewSource(17))
	pop := mat.NewDense(1000, 1, nil)
	for i := 0; i < 1000; i++ {
		pop.Set(i, 0, 2*r.NormFloat64())
	}
	sigmas := []float64{1.0, 0.6, 0.3, 0.15, 0.05}
	opts := AnnealedLangevinOptions{StepsPerLevel: 300, StepScale: 5e-4, Seed: 29}
	if err := AnnealedLangevin(context.Background(), pop, score, sigmas, opts); err != nil {
		t.Fatalf("AnnealedLangevin: %v", err)
	}
	mean, variance := colMoments(pop, 0)
	if math.Abs(mean-3) > 0.15 {
		t.Errorf("annealed mean = %v, want 3 within 0.15", mean)
	}
	if variance < 0.8 || variance > 1.35 {
		t.Errorf("annealed variance = %v, want near 1", variance)
	}
}

func TestAnnealedLangevinValidation(t *testing.T) {
	pop := mat.NewDense(1, 1, nil)
	score := func(u []float64, sigma float64) []float64 { return []float64{0} }
	if err := AnnealedLangevin(context.Background(), pop, score, nil, DefaultAnnealedLangevinOptions()); err == nil {
		t.Error("empty ladder should fail")
	}
	bad := AnnealedLangevinOptions{StepsPerLevel: 0, StepScale: 1e-4}
	if err := AnnealedLangevin(context.Background(), pop, score, []float64{1}, bad); err == nil {
		t.Error("zero steps per level should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := AnnealedLangevin(ctx, pop, score, []float64{1}, DefaultAnnealedLangevinOptions()); !errors.Is(err, context.Canceled) {
		t.Error("canceled context should propagate")
	}
}

func TestDefaultOptionsMCMC(t *testing.T) {
	opts := DefaultOptions()
	if opts.Chains != 20 {
		t.Errorf("Chains = %d, want 20", opts.Chains)
	}
	if opts.Warmup != 200 {
		t.Errorf("Warmup = %d, want 200", opts.Warmup)
	}
	if opts.Thin != 1 {
		t.Errorf("Thin = %d, want 1", opts.Thin)
	}
	if opts.MinChainDraws != 1 {
		t.Errorf("MinChainDraws = %d, want 1", opts.MinChainDraws)
	}
	if opts.MaxStallFraction != 0.2 {
		t.Errorf("MaxStallFraction = %v, want 0.2", opts.MaxStallFraction)
	}
	if opts.Init != InitSIR {
		t.Errorf("Init = %v, want InitSIR", opts.Init)
	}
	if opts.SIRCandidates != 1024 {
		t.Errorf("SIRCandidates = %d, want 1024", opts.SIRCandidates)
	}
}
