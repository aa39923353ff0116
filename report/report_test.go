package report

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/train"
)

func TestMarginals(t *testing.T) {
	draws := mat.NewDense(5, 2, []float64{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
		5, 50,
	})
	b := NewBuilder("run-1")
	b.WithPosterior("direct", 0.1, 1, 1.02, draws, []float64{3, 30})
	r := b.Build()

	if r.Posterior == nil {
		t.Fatal("posterior summary missing")
	}
	if r.Posterior.Samples != 5 {
		t.Fatalf("Samples = %d, want 5", r.Posterior.Samples)
	}
	if len(r.Posterior.Marginals) != 2 {
		t.Fatalf("got %d marginals, want 2", len(r.Posterior.Marginals))
	}
	m := r.Posterior.Marginals[0]
	if m.Dim != 0 || m.Mean != 3 || m.Median != 3 || m.Min != 1 || m.Max != 5 {
		t.Errorf("marginal 0 = %+v, want mean/median 3 over [1,5]", m)
	}
	if math.Abs(m.Std-math.Sqrt(2.5)) > 1e-12 {
		t.Errorf("Std = %v, want sqrt(2.5)", m.Std)
	}
	if m.Q05 != 1 || m.Q95 != 5 {
		t.Errorf("quantiles = [%v, %v], want [1, 5]", m.Q05, m.Q95)
	}
	if len(r.Posterior.MAP) != 2 || r.Posterior.MAP[1] != 30 {
		t.Errorf("MAP = %v, want [3 30]", r.Posterior.MAP)
	}
}

func TestSanitizeNonFinite(t *testing.T) {
	b := NewBuilder("")
	b.WithPosterior("flow", math.NaN(), math.Inf(1), math.NaN(), nil, nil)
	r := b.Build()
	if r.Posterior.Leakage != -1 || r.Posterior.AcceptRate != -1 || r.Posterior.MaxRHat != -1 {
		t.Errorf("leakage %v accept %v rhat %v, want -1 for all", r.Posterior.Leakage, r.Posterior.AcceptRate, r.Posterior.MaxRHat)
	}
	if _, err := ToJSON(r); err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if r.Metadata.RunID == "" {
		t.Error("empty run id was not replaced")
	}
}

func TestBuilderFileRoundTrip(t *testing.T) {
	rep := &train.Report{
		Loss:        "atomic",
		Examples:    800,
		Epochs:      40,
		Steps:       640,
		TrainLoss:   1.25,
		ValLoss:     1.31,
		BestValLoss: 1.29,
		BestEpoch:   33,
		StopReason:  "patience",
	}
	b := NewBuilder("run-42")
	b.WithProblem(2, 2, "posterior", "atomic", []float64{0.5, -0.3})
	b.WithRound(0, "prior", 500, 500, rep)
	b.WithRound(1, "posterior_round_0", 300, 800, rep)
	r := b.Build()

	if r.Version != SchemaVersion {
		t.Fatalf("Version = %q, want %q", r.Version, SchemaVersion)
	}
	if r.Metadata.Status != "success" {
		t.Fatalf("Status = %q, want success", r.Metadata.Status)
	}
	if len(r.Rounds) != 2 || r.Rounds[1].CorpusSize != 800 {
		t.Fatalf("rounds = %+v, want two rounds ending at corpus 800", r.Rounds)
	}
	if r.Rounds[0].Training.Loss != "atomic" || r.Rounds[0].Training.BestEpoch != 33 {
		t.Fatalf("training block %+v not carried over", r.Rounds[0].Training)
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteJSON(r, path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Metadata.RunID != "run-42" || got.Problem.ThetaDim != 2 || len(got.Rounds) != 2 {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Rounds[1].ProposalID != "posterior_round_0" {
		t.Errorf("ProposalID = %q after round trip", got.Rounds[1].ProposalID)
	}
	if got.Problem.Observation[1] != -0.3 {
		t.Errorf("observation %v after round trip", got.Problem.Observation)
	}
}

func TestWithError(t *testing.T) {
	b := NewBuilder("run-9")
	b.WithError(errors.New("simulator exploded"))
	r := b.Build()
	if r.Metadata.Status != "error" || r.Metadata.Error != "simulator exploded" {
		t.Errorf("metadata = %+v, want error status", r.Metadata)
	}
}

func TestFromJSONInvalid(t *testing.T) {
	if _, err := FromJSON("{"); err == nil {
		t.Error("FromJSON accepted truncated input")
	}
	if _, err := ReadJSON(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ReadJSON accepted a missing file")
	}
}
