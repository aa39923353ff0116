package posterior

import (
	"context"
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/prior"
	"github.com/pflow-xyz/go-sbi/train"
)

// pinnedPosteriorMDN builds a one-component, no-hidden posterior MDN
// whose conditional is N(mu, sd^2 I) regardless of the context.
func pinnedPosteriorMDN(t *testing.T, dim int, mu, sd float64) *estimator.MDN {
	t.Helper()
	m := estimator.NewPosteriorMDN(dim, dim, estimator.MDNConfig{Components: 1, Hidden: 0}, rand.NewSource(1))
	p := make([]float64, m.NumParams())
	// Layout: Wa (dim), ba (1), Wm (dim*dim), bm (dim), Ws (dim*dim),
	// bs (dim). Only the mean and log-std biases are set.
	offBm := dim + 1 + dim*dim
	offBs := offBm + dim + dim*dim
	for i := 0; i < dim; i++ {
		p[offBm+i] = mu
		p[offBs+i] = math.Log(sd)
	}
	m.SetParams(p)
	return m
}

// pinnedLikelihoodMDN pins a likelihood MDN to l(x | theta) =
// N(x; theta, sd^2) in one dimension.
func pinnedLikelihoodMDN(t *testing.T, sd float64) *estimator.MDN {
	t.Helper()
	m := estimator.NewLikelihoodMDN(1, 1, estimator.MDNConfig{Components: 1, Hidden: 0}, rand.NewSource(1))
	p := make([]float64, m.NumParams())
	// Layout: Wa (1), ba (1), Wm (1), bm (1), Ws (1), bs (1); the unit
	// mean weight makes the observation mean equal theta.
	p[2] = 1
	p[5] = math.Log(sd)
	m.SetParams(p)
	return m
}

// pinnedRatioClassifier pins a no-hidden classifier to the logit
// h(theta, x) = wTheta * theta.
func pinnedRatioClassifier(t *testing.T, wTheta float64) *estimator.Classifier {
	t.Helper()
	c := estimator.NewRatioClassifier(1, 1, estimator.ClassifierConfig{Hidden: 0}, rand.NewSource(1))
	p := make([]float64, c.NumParams())
	p[0] = wTheta
	c.SetParams(p)
	return c
}

// pinnedScoreModel pins every ladder level to the exact smoothed
// Gaussian score (mean - theta) / (sd^2 + sigma^2).
func pinnedScoreModel(t *testing.T, mean, sd float64) *estimator.ScoreModel {
	t.Helper()
	m := estimator.NewScoreModel(1, 1, estimator.ScoreConfig{Levels: 12, SigmaMin: 0.01, SigmaMax: 2}, rand.NewSource(1))
	p := make([]float64, m.NumParams())
	for l, sigma := range m.NoiseLevels() {
		v := sd*sd + sigma*sigma
		p[l*3+0] = -1 / v
		p[l*3+2] = mean / v
	}
	m.SetParams(p)
	return m
}

func unitGaussian(t *testing.T, dim int) *prior.Gaussian {
	t.Helper()
	g, err := prior.NewIsotropicGaussian(make([]float64, dim), 1, rand.NewSource(3))
	if err != nil {
		t.Fatalf("gaussian prior: %v", err)
	}
	return g
}

func boxPrior(t *testing.T, lo, hi float64) *prior.BoxUniform {
	t.Helper()
	b, err := prior.NewBoxUniform([]float64{lo}, []float64{hi}, rand.NewSource(4))
	if err != nil {
		t.Fatalf("box prior: %v", err)
	}
	return b
}

func colMoments(t *testing.T, draws *mat.Dense, col int) (mean, variance float64) {
	t.Helper()
	return stat.MeanVariance(mat.Col(nil, col, draws), nil)
}

func TestNewValidation(t *testing.T) {
	pri := unitGaussian(t, 1)
	est := pinnedPosteriorMDN(t, 1, 0, 1)
	if _, err := New(nil, pri, []float64{0}, DefaultConfig(), nil); err == nil {
		t.Error("nil estimator should fail")
	}
	if _, err := New(est, nil, []float64{0}, DefaultConfig(), nil); err == nil {
		t.Error("nil prior should fail")
	}
	if _, err := New(est, pri, []float64{0, 1}, DefaultConfig(), nil); err == nil {
		t.Error("wrong observation length should fail")
	}
	if _, err := New(est, unitGaussian(t, 2), []float64{0}, DefaultConfig(), nil); err == nil {
		t.Error("prior dim mismatch should fail")
	}

	cfg := DefaultConfig()
	cfg.Backend = BackendFlow
	if _, err := New(est, pri, []float64{0}, cfg, nil); err == nil {
		t.Error("flow backend without a score model should fail")
	}
	cfg = DefaultConfig()
	cfg.Backend = BackendMCMC
	cfg.MCMC.Kernel = "hamiltonian"
	if _, err := New(est, pri, []float64{0}, cfg, nil); err == nil {
		t.Error("unknown kernel should fail")
	}
	cfg = DefaultConfig()
	cfg.Backend = BackendDirect
	if _, err := New(pinnedRatioClassifier(t, 0.5), pri, []float64{0}, cfg, nil); err == nil {
		t.Error("direct backend for a ratio family should fail")
	}
}

func TestBackendAuto(t *testing.T) {
	pri := unitGaussian(t, 1)
	cases := []struct {
		est  estimator.Estimator
		want Backend
	}{
		{pinnedPosteriorMDN(t, 1, 0, 1), BackendDirect},
		{pinnedLikelihoodMDN(t, 0.5), BackendMCMC},
		{pinnedRatioClassifier(t, 0.5), BackendMCMC},
		{pinnedScoreModel(t, 0, 1), BackendFlow},
	}
	for _, c := range cases {
		p, err := New(c.est, pri, []float64{0}, DefaultConfig(), nil)
		if err != nil {
			t.Fatalf("build for %s: %v", c.est.Kind(), err)
		}
		if p.Backend() != c.want {
			t.Errorf("%s family resolved to %s, want %s", c.est.Kind(), p.Backend(), c.want)
		}
	}
}

func TestDirectSampleMoments(t *testing.T) {
	est := pinnedPosteriorMDN(t, 2, 1.5, 0.5)
	pri := unitGaussian(t, 2)
	cfg := DefaultConfig()
	cfg.Seed = 11
	p, err := New(est, pri, []float64{0, 0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.Backend() != BackendDirect {
		t.Fatalf("backend = %s, want direct", p.Backend())
	}
	if !p.Normalized() {
		t.Error("unbounded tractable posterior should report normalized")
	}
	if !math.IsNaN(p.Leakage()) {
		t.Errorf("leakage = %v, want NaN without an estimate", p.Leakage())
	}

	draws, err := p.Sample(context.Background(), 4000)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	rows, cols := draws.Dims()
	if rows != 4000 || cols != 2 {
		t.Fatalf("draws %dx%d, want 4000x2", rows, cols)
	}
	for d := 0; d < 2; d++ {
		mean, variance := colMoments(t, draws, d)
		if math.Abs(mean-1.5) > 0.03 {
			t.Errorf("dim %d mean = %v, want about 1.5", d, mean)
		}
		if math.Abs(variance-0.25) > 0.03 {
			t.Errorf("dim %d variance = %v, want about 0.25", d, variance)
		}
	}
	if rate := p.AcceptRate(); rate != 1 {
		t.Errorf("accept rate = %v, want 1 with unbounded support", rate)
	}
}

func TestLeakageCorrection(t *testing.T) {
	est := pinnedPosteriorMDN(t, 1, 0, 1)
	pri := boxPrior(t, -1, 1)
	cfg := DefaultConfig()
	cfg.Seed = 5
	cfg.Leakage.Seed = 17
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Mass of N(0, 1) inside [-1, 1].
	mass := math.Erf(1 / math.Sqrt2)
	if math.Abs(p.Leakage()-(1-mass)) > 0.03 {
		t.Errorf("leakage = %v, want about %v", p.Leakage(), 1-mass)
	}
	if !p.Normalized() {
		t.Error("bounded posterior with a mass estimate should report normalized")
	}
	shift := p.LogProb([]float64{0}) - p.LogProbUncorrected([]float64{0})
	if math.Abs(shift+math.Log(mass)) > 0.05 {
		t.Errorf("correction shift = %v, want about %v", shift, -math.Log(mass))
	}

	// Trapezoid integral of the corrected density over the support.
	const grid = 2001
	step := 2.0 / float64(grid-1)
	sum := 0.0
	for i := 0; i < grid; i++ {
		w := 1.0
		if i == 0 || i == grid-1 {
			w = 0.5
		}
		sum += w * math.Exp(p.LogProb([]float64{-1 + float64(i)*step}))
	}
	if integral := sum * step; math.Abs(integral-1) > 0.05 {
		t.Errorf("corrected density integrates to %v, want about 1", integral)
	}
	if !math.IsInf(p.LogProb([]float64{1.5}), -1) {
		t.Error("log prob outside the support should be -Inf")
	}
}

func TestBatchMatchesSingle(t *testing.T) {
	est := pinnedPosteriorMDN(t, 1, 0.3, 0.7)
	pri := boxPrior(t, -2, 2)
	cfg := DefaultConfig()
	cfg.Seed = 9
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	thetas := mat.NewDense(5, 1, []float64{-1.5, -0.5, 0, 0.8, 1.9})
	for i, got := range p.LogProbBatch(thetas) {
		if want := p.LogProb(thetas.RawRowView(i)); got != want {
			t.Errorf("row %d: batch = %v, single = %v", i, got, want)
		}
	}
}

func TestMCMCLikelihoodPosterior(t *testing.T) {
	est := pinnedLikelihoodMDN(t, 0.5)
	pri := unitGaussian(t, 1)
	cfg := DefaultConfig()
	cfg.Seed = 21
	cfg.MCMC.Options.Chains = 10
	cfg.MCMC.Options.Warmup = 150
	p, err := New(est, pri, []float64{1.2}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.Backend() != BackendMCMC {
		t.Fatalf("backend = %s, want mcmc", p.Backend())
	}
	draws, err := p.Sample(context.Background(), 3000)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	// x = theta + N(0, 0.25) under a standard normal prior gives the
	// conjugate posterior N(xo/1.25, 0.25/1.25).
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean-0.96) > 0.08 {
		t.Errorf("mean = %v, want about 0.96", mean)
	}
	if math.Abs(variance-0.2) > 0.06 {
		t.Errorf("variance = %v, want about 0.2", variance)
	}
}

func TestMCMCBoundedSupport(t *testing.T) {
	est := pinnedPosteriorMDN(t, 1, 0.4, 0.5)
	pri := boxPrior(t, -1, 1)
	cfg := DefaultConfig()
	cfg.Backend = BackendMCMC
	cfg.Seed = 25
	cfg.MCMC.Options.Chains = 10
	cfg.MCMC.Options.Warmup = 150
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	draws, err := p.Sample(context.Background(), 3000)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	rows, _ := draws.Dims()
	for i := 0; i < rows; i++ {
		if v := draws.At(i, 0); v <= -1 || v >= 1 {
			t.Fatalf("draw %d = %v escaped the support", i, v)
		}
	}

	// Moments of N(0.4, 0.25) truncated to [-1, 1].
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean-0.294) > 0.1 {
		t.Errorf("mean = %v, want about 0.294", mean)
	}
	if math.Abs(variance-0.167) > 0.06 {
		t.Errorf("variance = %v, want about 0.167", variance)
	}
}

func TestMCMCRatioMALA(t *testing.T) {
	est := pinnedRatioClassifier(t, 0.8)
	pri := unitGaussian(t, 1)
	cfg := DefaultConfig()
	cfg.Seed = 23
	cfg.MCMC.Kernel = "mala"
	cfg.MCMC.MALAStep = 0.8
	cfg.MCMC.Options.Chains = 10
	cfg.MCMC.Options.Warmup = 200
	p, err := New(est, pri, []float64{0.4}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.Normalized() {
		t.Error("ratio family should not report a normalized density")
	}
	draws, err := p.Sample(context.Background(), 3000)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	// Tilting a standard normal by exp(0.8 theta) shifts the mean to
	// 0.8 and keeps unit variance.
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean-0.8) > 0.15 {
		t.Errorf("mean = %v, want about 0.8", mean)
	}
	if math.Abs(variance-1) > 0.25 {
		t.Errorf("variance = %v, want about 1", variance)
	}
	if rate := p.AcceptRate(); math.IsNaN(rate) || rate < 0.3 {
		t.Errorf("mala accept rate = %v, want tracked and healthy", rate)
	}
	if rhat := p.MaxRHat(); math.IsNaN(rhat) || rhat > 1.2 {
		t.Errorf("max r-hat = %v, want recorded and near 1", rhat)
	}
}

func TestImportanceBackend(t *testing.T) {
	pri := boxPrior(t, -2, 2)
	cfg := DefaultConfig()
	cfg.Backend = BackendImportance
	cfg.Seed = 31
	p, err := New(pinnedPosteriorMDN(t, 1, 0.5, 0.4), pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	draws, err := p.Sample(context.Background(), 1500)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean-0.5) > 0.08 {
		t.Errorf("mean = %v, want about 0.5", mean)
	}
	if math.Abs(variance-0.16) > 0.05 {
		t.Errorf("variance = %v, want about 0.16", variance)
	}
}

func TestImportanceDegeneracy(t *testing.T) {
	pri := boxPrior(t, -2, 2)
	cfg := DefaultConfig()
	cfg.Backend = BackendImportance
	cfg.Seed = 33
	p, err := New(pinnedPosteriorMDN(t, 1, 0.9, 0.02), pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = p.Sample(context.Background(), 100)
	var dg *train.ProposalDegeneracyError
	if !errors.As(err, &dg) {
		t.Fatalf("sample error = %v, want a proposal degeneracy error", err)
	}
	if dg.Round >= 0 {
		t.Errorf("round = %d, want negative outside training", dg.Round)
	}
}

func TestRejectionBackend(t *testing.T) {
	pri := boxPrior(t, -2, 2)
	cfg := DefaultConfig()
	cfg.Backend = BackendRejection
	cfg.Seed = 41
	p, err := New(pinnedPosteriorMDN(t, 1, 0, 0.5), pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	draws, err := p.Sample(context.Background(), 800)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean) > 0.08 {
		t.Errorf("mean = %v, want about 0", mean)
	}
	if math.Abs(variance-0.25) > 0.06 {
		t.Errorf("variance = %v, want about 0.25", variance)
	}
	if rate := p.AcceptRate(); !(rate > 0 && rate < 1) {
		t.Errorf("accept rate = %v, want in (0, 1)", rate)
	}
}

func TestRejectionBatchGrowth(t *testing.T) {
	pri := boxPrior(t, -2, 2)
	cfg := DefaultConfig()
	cfg.Backend = BackendRejection
	cfg.Seed = 43
	cfg.Rejection.InitialBatch = 8
	cfg.Rejection.AcceptanceFloor = 0.95 // unreachable, forces growth
	cfg.Rejection.MaxBatches = 60
	p, err := New(pinnedPosteriorMDN(t, 1, 0, 0.3), pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	draws, err := p.Sample(context.Background(), 200)
	if err != nil {
		t.Fatalf("growth run should still terminate: %v", err)
	}
	if rows, _ := draws.Dims(); rows != 200 {
		t.Fatalf("rows = %d, want 200", rows)
	}
}

func TestRejectionExhaustion(t *testing.T) {
	pri := boxPrior(t, -2, 2)
	cfg := DefaultConfig()
	cfg.Backend = BackendRejection
	cfg.Seed = 45
	cfg.Rejection.InitialBatch = 4
	cfg.Rejection.MaxBatches = 2
	p, err := New(pinnedPosteriorMDN(t, 1, 0, 0.5), pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := p.Sample(context.Background(), 5000); err == nil {
		t.Fatal("exhausting the batch budget should fail")
	}
}

func TestFlowODE(t *testing.T) {
	est := pinnedScoreModel(t, 1.2, 0.3)
	pri := unitGaussian(t, 1)
	cfg := DefaultConfig()
	cfg.Seed = 51
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.Backend() != BackendFlow {
		t.Fatalf("backend = %s, want flow", p.Backend())
	}
	if p.HasDensity() {
		t.Error("score family should expose no density")
	}
	if !math.IsNaN(p.LogProb([]float64{0})) {
		t.Error("log prob should be NaN for a score family")
	}

	draws, err := p.Sample(context.Background(), 400)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	// The flow transports N(0, smax^2) through du/dsigma =
	// sigma*(u-mean)/(sd^2+sigma^2), so the final law is exactly
	// N(mean*(1-k), (smax*k)^2) with
	// k = sqrt((sd^2+smin^2)/(sd^2+smax^2)).
	k := math.Sqrt((0.09 + 0.0001) / (0.09 + 4))
	wantMean := 1.2 * (1 - k)
	wantVar := 4 * k * k
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean-wantMean) > 0.08 {
		t.Errorf("mean = %v, want about %v", mean, wantMean)
	}
	if math.Abs(variance-wantVar) > 0.03 {
		t.Errorf("variance = %v, want about %v", variance, wantVar)
	}
}

func TestFlowLangevin(t *testing.T) {
	est := pinnedScoreModel(t, 1.2, 0.3)
	pri := unitGaussian(t, 1)
	cfg := DefaultConfig()
	cfg.Flow.Method = "langevin"
	cfg.Seed = 53
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	draws, err := p.Sample(context.Background(), 400)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	mean, variance := colMoments(t, draws, 0)
	if math.Abs(mean-1.2) > 0.1 {
		t.Errorf("mean = %v, want about 1.2", mean)
	}
	if variance < 0.05 || variance > 0.2 {
		t.Errorf("variance = %v, want near 0.09", variance)
	}
}

func TestMAPGaussian(t *testing.T) {
	est := pinnedPosteriorMDN(t, 1, 1.5, 0.5)
	pri := unitGaussian(t, 1)
	cfg := DefaultConfig()
	cfg.Seed = 61
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m, err := p.MAP(context.Background())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if math.Abs(m[0]-1.5) > 0.02 {
		t.Errorf("map = %v, want about 1.5", m[0])
	}
}

func TestMAPBoundary(t *testing.T) {
	est := pinnedPosteriorMDN(t, 1, 2.5, 0.5)
	pri := boxPrior(t, 0, 2)
	cfg := DefaultConfig()
	cfg.Seed = 63
	p, err := New(est, pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m, err := p.MAP(context.Background())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if m[0] < 1.9 || m[0] > 2 {
		t.Errorf("map = %v, want close to the upper bound 2", m[0])
	}
}

func TestSampleCancel(t *testing.T) {
	pri := unitGaussian(t, 1)
	cfg := DefaultConfig()
	cfg.Seed = 71
	p, err := New(pinnedPosteriorMDN(t, 1, 0, 1), pri, []float64{0}, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Sample(ctx, 100); !errors.Is(err, context.Canceled) {
		t.Errorf("sample on canceled context = %v, want context.Canceled", err)
	}
	if _, err := p.Sample(context.Background(), 0); err == nil {
		t.Error("non-positive sample count should fail")
	}
}
