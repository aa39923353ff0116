// Package report defines the structured output format for inference runs.
package report

import "time"

const SchemaVersion = "1.0.0"

// Report contains complete inference run output.
type Report struct {
	Version   string            `json:"version"`
	Metadata  Metadata          `json:"metadata"`
	Problem   Problem           `json:"problem"`
	Rounds    []Round           `json:"rounds"`
	Posterior *PosteriorSummary `json:"posterior,omitempty"`
}

// Metadata contains run execution information.
type Metadata struct {
	RunID       string    `json:"runId"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"` // success, error, canceled, degenerate
	Error       string    `json:"error,omitempty"`
	ComputeTime float64   `json:"computeTime"` // seconds
}

// Problem summarizes the inference task.
type Problem struct {
	ThetaDim    int       `json:"thetaDim"`
	XDim        int       `json:"xDim"`
	Family      string    `json:"family"`
	Correction  string    `json:"correction,omitempty"`
	Observation []float64 `json:"observation,omitempty"`
}

// Round records one round of the sequential loop.
type Round struct {
	Round       int      `json:"round"`
	ProposalID  string   `json:"proposalId"`
	Simulations int      `json:"simulations"`
	CorpusSize  int      `json:"corpusSize"`
	Training    Training `json:"training"`
}

// Training summarizes a fit.
type Training struct {
	Loss           string  `json:"loss"`
	Epochs         int     `json:"epochs"`
	Steps          int     `json:"steps"`
	TrainLoss      float64 `json:"trainLoss"`
	ValLoss        float64 `json:"valLoss"`
	BestValLoss    float64 `json:"bestValLoss"`
	BestEpoch      int     `json:"bestEpoch"`
	DiscardedSteps int     `json:"discardedSteps"`
	StopReason     string  `json:"stopReason"`
}

// PosteriorSummary describes the final posterior. Leakage, AcceptRate,
// and MaxRHat are -1 when the backend did not estimate them.
type PosteriorSummary struct {
	Backend    string     `json:"backend"`
	Leakage    float64    `json:"leakage"`
	AcceptRate float64    `json:"acceptRate"`
	MaxRHat    float64    `json:"maxRHat"`
	Samples    int        `json:"samples"`
	MAP        []float64  `json:"map,omitempty"`
	Marginals  []Marginal `json:"marginals,omitempty"`
}

// Marginal is the per-dimension statistical summary of posterior draws.
type Marginal struct {
	Dim    int     `json:"dim"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Q05    float64 `json:"q05"`
	Q95    float64 `json:"q95"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}
