package report

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/pflow-xyz/go-sbi/train"
)

// Builder helps construct a Report from a run.
type Builder struct {
	report Report
	start  time.Time
}

// NewBuilder creates a report builder. An empty runID gets a fresh one.
func NewBuilder(runID string) *Builder {
	if runID == "" {
		runID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Builder{
		report: Report{
			Version: SchemaVersion,
			Metadata: Metadata{
				RunID:     runID,
				Timestamp: now,
			},
		},
		start: now,
	}
}

// WithProblem sets the inference task summary.
func (b *Builder) WithProblem(thetaDim, xDim int, family, correction string, observation []float64) *Builder {
	obs := make([]float64, len(observation))
	copy(obs, observation)
	b.report.Problem = Problem{
		ThetaDim:    thetaDim,
		XDim:        xDim,
		Family:      family,
		Correction:  correction,
		Observation: obs,
	}
	return b
}

// WithRound appends one round's record. rep may be nil when the round
// never reached its fit.
func (b *Builder) WithRound(round int, proposalID string, simulations, corpusSize int, rep *train.Report) *Builder {
	r := Round{
		Round:       round,
		ProposalID:  proposalID,
		Simulations: simulations,
		CorpusSize:  corpusSize,
	}
	if rep != nil {
		r.Training = Training{
			Loss:           rep.Loss,
			Epochs:         rep.Epochs,
			Steps:          rep.Steps,
			TrainLoss:      sanitize(rep.TrainLoss),
			ValLoss:        sanitize(rep.ValLoss),
			BestValLoss:    sanitize(rep.BestValLoss),
			BestEpoch:      rep.BestEpoch,
			DiscardedSteps: rep.DiscardedSteps,
			StopReason:     rep.StopReason,
		}
	}
	b.report.Rounds = append(b.report.Rounds, r)
	return b
}

// WithPosterior summarizes the final posterior from its draws. mapEst
// may be nil.
func (b *Builder) WithPosterior(backend string, leakage, acceptRate, maxRHat float64, draws *mat.Dense, mapEst []float64) *Builder {
	ps := &PosteriorSummary{
		Backend:    backend,
		Leakage:    sanitize(leakage),
		AcceptRate: sanitize(acceptRate),
		MaxRHat:    sanitize(maxRHat),
	}
	if len(mapEst) > 0 {
		ps.MAP = make([]float64, len(mapEst))
		copy(ps.MAP, mapEst)
	}
	if draws != nil {
		n, d := draws.Dims()
		ps.Samples = n
		ps.Marginals = make([]Marginal, d)
		for j := 0; j < d; j++ {
			ps.Marginals[j] = marginalOf(j, mat.Col(nil, j, draws))
		}
	}
	b.report.Posterior = ps
	return b
}

// WithError sets error status.
func (b *Builder) WithError(err error) *Builder {
	b.report.Metadata.Status = "error"
	b.report.Metadata.Error = err.Error()
	return b
}

// WithStatus overrides the status, for canceled or degenerate runs.
func (b *Builder) WithStatus(status string) *Builder {
	b.report.Metadata.Status = status
	return b
}

// Build stamps the compute time and returns the constructed Report.
// A run that never recorded a status is a success.
func (b *Builder) Build() *Report {
	b.report.Metadata.ComputeTime = time.Since(b.start).Seconds()
	if b.report.Metadata.Status == "" {
		b.report.Metadata.Status = "success"
	}
	return &b.report
}

func marginalOf(dim int, col []float64) Marginal {
	sorted := make([]float64, len(col))
	copy(sorted, col)
	sort.Float64s(sorted)
	mean, variance := stat.MeanVariance(col, nil)
	return Marginal{
		Dim:    dim,
		Mean:   mean,
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Std:    math.Sqrt(variance),
		Q05:    stat.Quantile(0.05, stat.Empirical, sorted, nil),
		Q95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// sanitize maps non-finite values to -1 so reports stay serializable.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}
