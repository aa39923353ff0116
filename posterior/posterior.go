// Package posterior binds a trained estimator to a fixed observation and
// serves parameter draws and log densities from the implied posterior.
//
// A Posterior is immutable once built. The sampling backend, the
// constrained-space transform and the leakage mass estimate are all fixed
// at construction, so every later query is normalized the same way.
// Training further rounds produces a new Posterior instead of mutating an
// existing one.
package posterior

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/mcmc"
	"github.com/pflow-xyz/go-sbi/odeflow"
	"github.com/pflow-xyz/go-sbi/prior"
	"github.com/pflow-xyz/go-sbi/transform"
)

// Backend selects the sampling strategy a Posterior uses.
type Backend int

const (
	// BackendAuto picks a backend from the estimator's capabilities:
	// flow sampling for score families, direct sampling for posterior
	// families that admit it, MCMC for everything else.
	BackendAuto Backend = iota
	// BackendDirect draws from the estimator's exact conditional
	// sampler, keeping only draws inside the prior support.
	BackendDirect
	// BackendMCMC runs a chain pool against the posterior potential in
	// unconstrained space.
	BackendMCMC
	// BackendImportance weights a prior candidate pool by the potential
	// and resamples from the weighted pool.
	BackendImportance
	// BackendRejection accepts prior draws under an estimated density
	// ratio cap, growing the batch size when acceptance is poor.
	BackendRejection
	// BackendFlow integrates the probability-flow equation of a score
	// family down its noise ladder, or anneals Langevin dynamics.
	BackendFlow
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendDirect:
		return "direct"
	case BackendMCMC:
		return "mcmc"
	case BackendImportance:
		return "importance"
	case BackendRejection:
		return "rejection"
	case BackendFlow:
		return "flow"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// LeakageConfig controls the Monte Carlo estimate of the estimator mass
// inside the prior support. The estimate is computed once at build time
// and cached, so single and batched density queries share it. Samples 0
// disables the estimate; Seed 0 draws a seed at build time.
type LeakageConfig struct {
	Samples int
	Seed    uint64
}

// MCMCConfig configures the MCMC backend. Kernel is "slice", "rwmh" or
// "mala"; the scale fields seed the adaptive kernels. Zero Options
// fields fall back to the mcmc package defaults.
type MCMCConfig struct {
	Kernel    string
	RWMHScale float64
	MALAStep  float64
	Options   mcmc.Options
}

// ImportanceConfig configures the importance backend. Oversample is the
// candidate pool size as a multiple of the requested draw count.
// ESSFloor is the relative effective-sample-size floor in (0, 1] below
// which sampling fails; zero or negative disables the check.
type ImportanceConfig struct {
	Oversample int
	ESSFloor   float64
}

// RejectionConfig configures the rejection backend. CapSamples prior
// draws estimate the density ratio cap. The batch starts at
// InitialBatch rows and is multiplied by GrowthFactor whenever the
// running acceptance rate sits below AcceptanceFloor, for at most
// MaxBatches batches.
type RejectionConfig struct {
	CapSamples      int
	InitialBatch    int
	GrowthFactor    float64
	MaxBatches      int
	AcceptanceFloor float64
}

// FlowConfig configures score-family sampling. Method is "ode" for the
// probability-flow integration or "langevin" for annealed Langevin
// dynamics. A nil Options uses the integrator's sampling preset.
type FlowConfig struct {
	Method   string
	Options  *odeflow.Options
	Langevin mcmc.AnnealedLangevinOptions
}

// Config assembles the per-backend settings. Backend zero is BackendAuto
// and Seed zero draws a seed from the clock, so the zero value is usable;
// DefaultConfig returns the recommended settings.
type Config struct {
	Backend    Backend
	Leakage    LeakageConfig
	MCMC       MCMCConfig
	Importance ImportanceConfig
	Rejection  RejectionConfig
	Flow       FlowConfig
	Seed       uint64
}

// DefaultConfig returns the recommended backend settings.
func DefaultConfig() Config {
	return Config{
		Backend: BackendAuto,
		Leakage: LeakageConfig{Samples: 4096},
		MCMC: MCMCConfig{
			Kernel:    "slice",
			RWMHScale: 0.5,
			MALAStep:  0.1,
			Options:   mcmc.DefaultOptions(),
		},
		Importance: ImportanceConfig{Oversample: 16, ESSFloor: 0.05},
		Rejection: RejectionConfig{
			CapSamples:      1024,
			InitialBatch:    256,
			GrowthFactor:    2,
			MaxBatches:      1000,
			AcceptanceFloor: 0.05,
		},
		Flow: FlowConfig{Method: "ode", Langevin: mcmc.DefaultAnnealedLangevinOptions()},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Leakage.Samples < 0 {
		c.Leakage.Samples = 0
	}
	if c.MCMC.Kernel == "" {
		c.MCMC.Kernel = def.MCMC.Kernel
	}
	if c.MCMC.RWMHScale <= 0 {
		c.MCMC.RWMHScale = def.MCMC.RWMHScale
	}
	if c.MCMC.MALAStep <= 0 {
		c.MCMC.MALAStep = def.MCMC.MALAStep
	}
	o, do := &c.MCMC.Options, mcmc.DefaultOptions()
	if o.Chains == 0 {
		o.Chains = do.Chains
	}
	if o.Warmup == 0 {
		o.Warmup = do.Warmup
	}
	if o.Thin == 0 {
		o.Thin = do.Thin
	}
	if o.MinChainDraws == 0 {
		o.MinChainDraws = do.MinChainDraws
	}
	if o.MaxStallFraction == 0 {
		o.MaxStallFraction = do.MaxStallFraction
	}
	if o.Init == mcmc.InitSIR && o.SIRCandidates == 0 {
		o.SIRCandidates = do.SIRCandidates
	}
	if c.Importance.Oversample <= 0 {
		c.Importance.Oversample = def.Importance.Oversample
	}
	if c.Rejection.CapSamples <= 0 {
		c.Rejection.CapSamples = def.Rejection.CapSamples
	}
	if c.Rejection.InitialBatch <= 0 {
		c.Rejection.InitialBatch = def.Rejection.InitialBatch
	}
	if c.Rejection.GrowthFactor <= 1 {
		c.Rejection.GrowthFactor = def.Rejection.GrowthFactor
	}
	if c.Rejection.MaxBatches <= 0 {
		c.Rejection.MaxBatches = def.Rejection.MaxBatches
	}
	if c.Flow.Method == "" {
		c.Flow.Method = def.Flow.Method
	}
	dl := mcmc.DefaultAnnealedLangevinOptions()
	if c.Flow.Langevin.StepsPerLevel == 0 {
		c.Flow.Langevin.StepsPerLevel = dl.StepsPerLevel
	}
	if c.Flow.Langevin.StepScale == 0 {
		c.Flow.Langevin.StepScale = dl.StepScale
	}
	return c
}

// Posterior serves draws and densities from a trained estimator
// conditioned on one observation. Build one with New; the zero value is
// not usable. Methods are safe for concurrent use.
type Posterior struct {
	est     estimator.Estimator
	pri     prior.Prior
	sup     prior.Support
	xo      []float64
	tr      transform.Transform
	cfg     Config
	backend Backend
	logger  *zap.Logger

	logMass float64 // log of the estimated in-support mass, 0 when exact
	leakage float64 // NaN when no estimate was configured

	mu         sync.Mutex
	rng        *rand.Rand
	acceptRate float64
	maxRHat    float64
}

// New binds est to the given observation. The backend is resolved from
// cfg and the estimator's capabilities, and for posterior families with
// exact sampling over a bounded support the in-support mass is estimated
// immediately so that later density queries are consistently corrected.
func New(est estimator.Estimator, pri prior.Prior, observation []float64, cfg Config, logger *zap.Logger) (*Posterior, error) {
	if est == nil || pri == nil {
		return nil, fmt.Errorf("posterior: estimator and prior must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pri.Dim() != est.ThetaDim() {
		return nil, fmt.Errorf("posterior: prior dim %d does not match estimator theta dim %d", pri.Dim(), est.ThetaDim())
	}
	if len(observation) != est.XDim() {
		return nil, fmt.Errorf("posterior: observation has %d values, estimator expects %d", len(observation), est.XDim())
	}
	cfg = cfg.withDefaults()
	backend, err := resolveBackend(cfg.Backend, est)
	if err != nil {
		return nil, err
	}
	if backend == BackendFlow && cfg.Flow.Method != "ode" && cfg.Flow.Method != "langevin" {
		return nil, fmt.Errorf("posterior: unknown flow method %q", cfg.Flow.Method)
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	p := &Posterior{
		est:        est,
		pri:        pri,
		sup:        pri.Support(),
		xo:         append([]float64(nil), observation...),
		tr:         transform.FromSupport(pri.Support()),
		cfg:        cfg,
		backend:    backend,
		logger:     logger,
		leakage:    math.NaN(),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		acceptRate: math.NaN(),
		maxRHat:    math.NaN(),
	}
	if backend == BackendMCMC {
		if _, err := p.newKernel(); err != nil {
			return nil, err
		}
	}
	if p.correctable() && cfg.Leakage.Samples > 0 {
		if err := p.estimateMass(); err != nil {
			return nil, err
		}
	}
	p.logger.Info("posterior built",
		zap.String("family", est.Kind().String()),
		zap.String("backend", backend.String()),
		zap.Int("dim", est.ThetaDim()),
		zap.Float64("leakage", p.leakage))
	return p, nil
}

// resolveBackend applies the auto rule and validates explicit choices
// against the estimator's capabilities.
func resolveBackend(b Backend, est estimator.Estimator) (Backend, error) {
	if b == BackendAuto {
		switch {
		case est.Kind() == estimator.KindScore:
			return BackendFlow, nil
		case est.Kind() == estimator.KindPosterior && est.Caps().ExactSampling:
			return BackendDirect, nil
		default:
			return BackendMCMC, nil
		}
	}
	switch b {
	case BackendDirect:
		if est.Kind() != estimator.KindPosterior || !est.Caps().ExactSampling {
			return 0, fmt.Errorf("posterior: direct backend needs a posterior family with exact sampling, have %s", est.Kind())
		}
	case BackendMCMC, BackendImportance, BackendRejection:
		if est.Kind() == estimator.KindScore {
			return 0, fmt.Errorf("posterior: %s backend needs a pointwise density, score families sample by flow", b)
		}
	case BackendFlow:
		if _, ok := est.(estimator.NoiseConditionalScorer); !ok {
			return 0, fmt.Errorf("posterior: flow backend needs a noise-conditional score model, have %s", est.Kind())
		}
	default:
		return 0, fmt.Errorf("posterior: unknown backend %d", b)
	}
	return b, nil
}

// correctable reports whether a leakage estimate is meaningful: the
// family must expose a normalized density and exact sampling, and the
// support must actually cut mass off somewhere.
func (p *Posterior) correctable() bool {
	caps := p.est.Caps()
	return p.est.Kind() == estimator.KindPosterior &&
		caps.TractableDensity && caps.ExactSampling &&
		anyBounded(p.sup)
}

func anyBounded(s prior.Support) bool {
	for i := 0; i < s.Dim(); i++ {
		if s.BoundedBelow(i) || s.BoundedAbove(i) {
			return true
		}
	}
	return false
}

// estimateMass draws from the raw estimator and records the fraction of
// draws inside the prior support. A zero fraction fails the build: such
// an estimator cannot represent the posterior at all.
func (p *Posterior) estimateMass() error {
	ts, ok := p.est.(estimator.TargetSampler)
	if !ok {
		return fmt.Errorf("posterior: estimator declares exact sampling but implements no target sampler")
	}
	seed := p.cfg.Leakage.Seed
	if seed == 0 {
		seed = p.nextSeed()
	}
	n := p.cfg.Leakage.Samples
	draws := ts.SampleTarget(n, p.xo, rand.NewSource(seed))
	in := 0
	for i := 0; i < n; i++ {
		if p.sup.Contains(draws.RawRowView(i)) {
			in++
		}
	}
	if in == 0 {
		return fmt.Errorf("posterior: no estimator mass inside the prior support after %d draws", n)
	}
	frac := float64(in) / float64(n)
	p.logMass = math.Log(frac)
	p.leakage = 1 - frac
	return nil
}

// potential is the unnormalized posterior log density at theta, -Inf
// outside the prior support for every family.
func (p *Posterior) potential(theta []float64) float64 {
	if !p.sup.Contains(theta) {
		return math.Inf(-1)
	}
	switch p.est.Kind() {
	case estimator.KindPosterior:
		return p.est.LogProb(theta, p.xo)
	case estimator.KindLikelihood, estimator.KindRatio:
		return p.est.LogProb(theta, p.xo) + p.pri.LogProb(theta)
	default:
		return math.NaN()
	}
}

// Dim returns the parameter dimensionality.
func (p *Posterior) Dim() int { return p.est.ThetaDim() }

// Backend returns the backend resolved at build time.
func (p *Posterior) Backend() Backend { return p.backend }

// Observation returns a copy of the conditioning observation.
func (p *Posterior) Observation() []float64 { return append([]float64(nil), p.xo...) }

// HasDensity reports whether LogProb is meaningful. Score families can
// sample but expose no pointwise density, so their LogProb is NaN.
func (p *Posterior) HasDensity() bool { return p.est.Kind() != estimator.KindScore }

// Leakage returns the estimated fraction of estimator mass outside the
// prior support, or NaN when no estimate was configured.
func (p *Posterior) Leakage() float64 { return p.leakage }

// Normalized reports whether LogProb values integrate to one over the
// support: a tractable posterior family that is either unbounded or
// carries a leakage estimate.
func (p *Posterior) Normalized() bool {
	if p.est.Kind() != estimator.KindPosterior || !p.est.Caps().TractableDensity {
		return false
	}
	if !anyBounded(p.sup) {
		return true
	}
	return !math.IsNaN(p.leakage)
}

// LogProb returns the leakage-corrected posterior log density at theta,
// or NaN for families without one. The correction uses the mass
// estimate fixed at build time, so single and batched queries are
// normalized identically.
func (p *Posterior) LogProb(theta []float64) float64 {
	if !p.HasDensity() {
		return math.NaN()
	}
	return p.potential(theta) - p.logMass
}

// LogProbUncorrected returns the raw density with no leakage
// correction.
func (p *Posterior) LogProbUncorrected(theta []float64) float64 {
	if !p.HasDensity() {
		return math.NaN()
	}
	return p.potential(theta)
}

// LogProbBatch evaluates LogProb for every row of thetas.
func (p *Posterior) LogProbBatch(thetas *mat.Dense) []float64 {
	rows, cols := thetas.Dims()
	if rows > 0 && cols != p.Dim() {
		panic(fmt.Sprintf("posterior: batch has %d columns, want %d", cols, p.Dim()))
	}
	out := make([]float64, rows)
	for i := range out {
		out[i] = p.LogProb(thetas.RawRowView(i))
	}
	return out
}

// Sample draws n parameter vectors from the posterior, one per row,
// using the backend resolved at build time.
func (p *Posterior) Sample(ctx context.Context, n int) (*mat.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("posterior: sample count must be positive, got %d", n)
	}
	switch p.backend {
	case BackendDirect:
		return p.sampleDirect(ctx, n)
	case BackendMCMC:
		return p.sampleMCMC(ctx, n)
	case BackendImportance:
		return p.sampleImportance(ctx, n)
	case BackendRejection:
		return p.sampleRejection(ctx, n)
	default:
		return p.sampleFlow(ctx, n)
	}
}

// AcceptRate returns the acceptance rate of the most recent Sample
// call, for backends that have one, or NaN.
func (p *Posterior) AcceptRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptRate
}

func (p *Posterior) setAcceptRate(v float64) {
	p.mu.Lock()
	p.acceptRate = v
	p.mu.Unlock()
}

// MaxRHat returns the worst per-dimension split Gelman-Rubin statistic
// of the most recent MCMC Sample call, or NaN for other backends.
func (p *Posterior) MaxRHat() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRHat
}

func (p *Posterior) setMaxRHat(v float64) {
	p.mu.Lock()
	p.maxRHat = v
	p.mu.Unlock()
}

// nextSeed derives a fresh seed from the build-seeded stream, so that
// repeated Sample calls draw different yet reproducible samples.
func (p *Posterior) nextSeed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Uint64()
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func rowFinite(row []float64) bool {
	for _, v := range row {
		if !isFinite(v) {
			return false
		}
	}
	return true
}
