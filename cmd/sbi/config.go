package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/posterior"
	"github.com/pflow-xyz/go-sbi/prior"
	"github.com/pflow-xyz/go-sbi/rounds"
	"github.com/pflow-xyz/go-sbi/simulate"
)

// experimentConfig is the JSON schema the infer, simulate and sample
// commands share. Omitted fields fall back to the engine defaults.
type experimentConfig struct {
	Name                string          `json:"name"`
	Family              string          `json:"family"`
	Prior               priorConfig     `json:"prior"`
	Simulator           simulatorConfig `json:"simulator"`
	Estimator           estimatorConfig `json:"estimator"`
	Observation         []float64       `json:"observation"`
	Rounds              int             `json:"rounds"`
	SimulationsPerRound int             `json:"simulations_per_round"`
	Correction          string          `json:"correction"`
	NumAtoms            int             `json:"num_atoms"`
	CombineWithNLL      bool            `json:"combine_with_nll"`
	ExcludePriorAtoms   bool            `json:"exclude_prior_atoms"`
	MaxRatio            float64         `json:"max_ratio"`
	ESSFloor            float64         `json:"ess_floor"`
	Seed                uint64          `json:"seed"`
	Train               trainConfig     `json:"train"`
	Posterior           posteriorConfig `json:"posterior"`
}

type priorConfig struct {
	Kind  string    `json:"kind"`
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
	Mean  []float64 `json:"mean"`
	Scale float64   `json:"scale"`
}

type simulatorConfig struct {
	Kind      string    `json:"kind"`
	Shift     []float64 `json:"shift"`
	Scale     float64   `json:"scale"`
	BatchSize int       `json:"batch_size"`
	Workers   int       `json:"workers"`
}

type estimatorConfig struct {
	Components int     `json:"components"`
	Hidden     int     `json:"hidden"`
	Levels     int     `json:"levels"`
	SigmaMin   float64 `json:"sigma_min"`
	SigmaMax   float64 `json:"sigma_max"`
}

type trainConfig struct {
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	MaxEpochs    int     `json:"max_epochs"`
	Patience     int     `json:"patience"`
	ValFraction  float64 `json:"val_fraction"`
	FromRound    int     `json:"from_round"`
	ResetParams  bool    `json:"reset_params"`
}

type posteriorConfig struct {
	Backend        string `json:"backend"`
	Kernel         string `json:"kernel"`
	LeakageSamples int    `json:"leakage_samples"`
}

// loadExperiment reads and decodes a config file.
func loadExperiment(path string) (*experimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg experimentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Family == "" {
		cfg.Family = "posterior"
	}
	switch cfg.Family {
	case "posterior", "likelihood", "ratio", "score":
	default:
		return nil, fmt.Errorf("unknown family %q (want posterior, likelihood, ratio or score)", cfg.Family)
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 1
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(strings.TrimSuffix(path, ".json"), ".jsonld")
	}
	return &cfg, nil
}

// newSource seeds a shared generator, or returns nil so each component
// seeds itself.
func newSource(seed uint64) rand.Source {
	if seed == 0 {
		return nil
	}
	return rand.NewSource(seed)
}

func buildPrior(cfg priorConfig, src rand.Source) (prior.Prior, error) {
	switch cfg.Kind {
	case "box", "":
		if len(cfg.Lower) == 0 {
			return nil, fmt.Errorf("box prior: lower and upper bounds required")
		}
		return prior.NewBoxUniform(cfg.Lower, cfg.Upper, src)
	case "gaussian":
		if len(cfg.Mean) == 0 {
			return nil, fmt.Errorf("gaussian prior: mean required")
		}
		scale := cfg.Scale
		if scale <= 0 {
			scale = 1
		}
		return prior.NewIsotropicGaussian(cfg.Mean, scale, src)
	default:
		return nil, fmt.Errorf("unknown prior kind %q (want box or gaussian)", cfg.Kind)
	}
}

// buildSimulator returns the configured simulator and its observation
// dimension.
func buildSimulator(cfg simulatorConfig, thetaDim int, src rand.Source) (simulate.Simulator, int, error) {
	switch cfg.Kind {
	case "linear_gaussian", "":
		shift := cfg.Shift
		if len(shift) == 0 {
			shift = make([]float64, thetaDim)
		}
		if len(shift) != thetaDim {
			return nil, 0, fmt.Errorf("linear_gaussian: shift dim %d does not match prior dim %d", len(shift), thetaDim)
		}
		scale := cfg.Scale
		if scale <= 0 {
			scale = 0.3
		}
		sim, err := simulate.NewLinearGaussian(shift, simulate.ScaledEye(thetaDim, scale), src)
		if err != nil {
			return nil, 0, err
		}
		return sim, thetaDim, nil
	default:
		return nil, 0, fmt.Errorf("unknown simulator kind %q (want linear_gaussian)", cfg.Kind)
	}
}

func buildEstimator(family string, cfg estimatorConfig, thetaDim, xDim int, src rand.Source) (estimator.Estimator, error) {
	switch family {
	case "posterior":
		return estimator.NewPosteriorMDN(thetaDim, xDim,
			estimator.MDNConfig{Components: cfg.Components, Hidden: cfg.Hidden}, src), nil
	case "likelihood":
		return estimator.NewLikelihoodMDN(thetaDim, xDim,
			estimator.MDNConfig{Components: cfg.Components, Hidden: cfg.Hidden}, src), nil
	case "ratio":
		ccfg := estimator.DefaultClassifierConfig()
		if cfg.Hidden > 0 {
			ccfg.Hidden = cfg.Hidden
		}
		return estimator.NewRatioClassifier(thetaDim, xDim, ccfg, src), nil
	case "score":
		return estimator.NewScoreModel(thetaDim, xDim,
			estimator.ScoreConfig{Levels: cfg.Levels, SigmaMin: cfg.SigmaMin, SigmaMax: cfg.SigmaMax}, src), nil
	default:
		return nil, fmt.Errorf("unknown family %q", family)
	}
}

// buildOptions maps the config onto engine options, leaving engine
// defaults in force for omitted fields.
func buildOptions(cfg *experimentConfig) (rounds.Options, error) {
	opts := rounds.DefaultOptions()
	if cfg.SimulationsPerRound > 0 {
		opts.SimulationsPerRound = cfg.SimulationsPerRound
	}
	if cfg.Correction != "" {
		opts.Correction = rounds.Correction(cfg.Correction)
	}
	if cfg.NumAtoms > 0 {
		opts.NumAtoms = cfg.NumAtoms
	}
	opts.CombineWithNLL = cfg.CombineWithNLL
	opts.ExcludePriorAtoms = cfg.ExcludePriorAtoms
	if cfg.MaxRatio > 0 {
		opts.MaxRatio = cfg.MaxRatio
	}
	if cfg.ESSFloor > 0 {
		opts.ESSFloor = cfg.ESSFloor
	}
	opts.Seed = cfg.Seed

	if cfg.Train.LearningRate > 0 {
		opts.Train.LearningRate = cfg.Train.LearningRate
	}
	if cfg.Train.BatchSize > 0 {
		opts.Train.BatchSize = cfg.Train.BatchSize
	}
	if cfg.Train.MaxEpochs > 0 {
		opts.Train.MaxEpochs = cfg.Train.MaxEpochs
	}
	if cfg.Train.Patience > 0 {
		opts.Train.Patience = cfg.Train.Patience
	}
	if cfg.Train.ValFraction > 0 {
		opts.Train.ValFraction = cfg.Train.ValFraction
	}
	if cfg.Train.FromRound > 0 {
		opts.Train.FromRound = cfg.Train.FromRound
	}
	opts.Train.ResetParams = cfg.Train.ResetParams

	if cfg.Posterior.Backend != "" {
		backend, err := parseBackend(cfg.Posterior.Backend)
		if err != nil {
			return opts, err
		}
		opts.Posterior.Backend = backend
	}
	if cfg.Posterior.Kernel != "" {
		opts.Posterior.MCMC.Kernel = cfg.Posterior.Kernel
	}
	if cfg.Posterior.LeakageSamples > 0 {
		opts.Posterior.Leakage.Samples = cfg.Posterior.LeakageSamples
	}

	if cfg.Simulator.BatchSize > 0 {
		opts.Runner.BatchSize = cfg.Simulator.BatchSize
	}
	if cfg.Simulator.Workers > 0 {
		opts.Runner.Workers = cfg.Simulator.Workers
	}
	return opts, nil
}

func parseBackend(s string) (posterior.Backend, error) {
	switch s {
	case "auto":
		return posterior.BackendAuto, nil
	case "direct":
		return posterior.BackendDirect, nil
	case "mcmc":
		return posterior.BackendMCMC, nil
	case "importance":
		return posterior.BackendImportance, nil
	case "rejection":
		return posterior.BackendRejection, nil
	case "flow":
		return posterior.BackendFlow, nil
	default:
		return posterior.BackendAuto, fmt.Errorf("unknown backend %q (want auto, direct, mcmc, importance, rejection or flow)", s)
	}
}

// parseFloats parses "0.5,-0.3" into a vector.
func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", strings.TrimSpace(part))
		}
		out = append(out, v)
	}
	return out, nil
}

// matRows copies a matrix into row slices for JSON output.
func matRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		copy(rows[i], m.RawRowView(i))
	}
	return rows
}
