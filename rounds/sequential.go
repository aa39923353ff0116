package rounds

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/checkpoint"
	"github.com/pflow-xyz/go-sbi/data"
	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/posterior"
	"github.com/pflow-xyz/go-sbi/prior"
	"github.com/pflow-xyz/go-sbi/simulate"
	"github.com/pflow-xyz/go-sbi/train"
)

// Correction selects how posterior-family training compensates for
// drawing later rounds from a proposal instead of the prior.
type Correction string

const (
	// CorrectionAtomic trains with the atomic contrastive loss.
	CorrectionAtomic Correction = "atomic"
	// CorrectionImportance reweights examples by prior over proposal
	// density. Requires every non-prior proposal to carry a density.
	CorrectionImportance Correction = "importance"
)

// Options configures a sequential run.
type Options struct {
	// SimulationsPerRound is the batch Infer simulates each round.
	SimulationsPerRound int
	// Correction picks the posterior-family proposal correction.
	Correction Correction
	// NumAtoms is the contrast set size for the atomic correction.
	NumAtoms int
	// CombineWithNLL adds the plain likelihood term on prior-round
	// examples under the atomic correction.
	CombineWithNLL bool
	// ExcludePriorAtoms keeps prior-drawn parameters out of the atomic
	// contrast sets.
	ExcludePriorAtoms bool
	// MaxRatio clips importance weights. Zero keeps them unclipped.
	MaxRatio float64
	// ESSFloor fails a round before its fit when the importance
	// weights of the fresh examples carry a smaller effective sample
	// fraction. Zero disables the check.
	ESSFloor float64
	// Train configures each round's fit.
	Train train.Options
	// Posterior configures the built posteriors.
	Posterior posterior.Config
	// Runner configures simulator execution.
	Runner simulate.RunnerOptions
	// Seed derives per-round seeds for fits and posteriors. Zero
	// leaves their own seeding in force.
	Seed uint64
}

// DefaultOptions mirror the reference sequential posterior setup.
func DefaultOptions() Options {
	return Options{
		SimulationsPerRound: 1000,
		Correction:          CorrectionAtomic,
		NumAtoms:            10,
		ESSFloor:            0.05,
		Train:               train.DefaultOptions(),
		Posterior:           posterior.DefaultConfig(),
		Runner:              simulate.DefaultRunnerOptions(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SimulationsPerRound <= 0 {
		o.SimulationsPerRound = def.SimulationsPerRound
	}
	if o.Correction == "" {
		o.Correction = def.Correction
	}
	if o.NumAtoms < 2 {
		o.NumAtoms = def.NumAtoms
	}
	if o.ESSFloor < 0 {
		o.ESSFloor = 0
	}
	return o
}

// Checkpoint record kinds Sequential journals, in the order they
// appear within a run.
const (
	RecordRunStarted     = "run_started"
	RecordRoundStarted   = "round_started"
	RecordBatchAdded     = "batch_added"
	RecordRoundFinalized = "round_finalized"
	RecordFitFinished    = "fit_finished"
	RecordPosteriorBuilt = "posterior_built"
)

type runStartedPayload struct {
	ThetaDim   int    `json:"theta_dim"`
	XDim       int    `json:"x_dim"`
	Family     string `json:"family"`
	Correction string `json:"correction"`
}

type roundStartedPayload struct {
	Round      int    `json:"round"`
	ProposalID string `json:"proposal_id"`
}

type matrixPayload struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type batchPayload struct {
	Round      int           `json:"round"`
	ProposalID string        `json:"proposal_id"`
	Theta      matrixPayload `json:"theta"`
	X          matrixPayload `json:"x"`
}

type roundFinalizedPayload struct {
	Round    int `json:"round"`
	Batches  int `json:"batches"`
	Examples int `json:"examples"`
	Version  int `json:"version"`
}

type fitPayload struct {
	Round  int           `json:"round"`
	Params []float64     `json:"params"`
	Report *train.Report `json:"report"`
}

type posteriorPayload struct {
	Round   int     `json:"round"`
	Backend string  `json:"backend"`
	Leakage float64 `json:"leakage"`
}

func matrixToPayload(m *mat.Dense) matrixPayload {
	r, c := m.Dims()
	p := matrixPayload{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		p.Data = append(p.Data, m.RawRowView(i)...)
	}
	return p
}

func (p matrixPayload) matrix() (*mat.Dense, error) {
	if p.Rows <= 0 || p.Cols <= 0 || p.Rows*p.Cols != len(p.Data) {
		return nil, fmt.Errorf("rounds: corrupt matrix payload, %dx%d with %d values", p.Rows, p.Cols, len(p.Data))
	}
	return mat.NewDense(p.Rows, p.Cols, p.Data), nil
}

// Sequential runs multi-round inference against one estimator. Each
// round simulates from the current proposal, fits the estimator on the
// full corpus with the family's correction, and builds a posterior
// that becomes the next round's proposal. With a checkpoint store
// attached every step is journaled and Resume can rebuild the run.
type Sequential struct {
	ctrl   *Controller
	pri    prior.Prior
	est    estimator.Estimator
	runner *simulate.Runner
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	store    checkpoint.Store
	version  int
	reports  []*train.Report
	lastPost *posterior.Posterior
}

// NewSequential assembles a run. sim may be nil when every batch comes
// through AppendSimulations; logger may be nil.
func NewSequential(pri prior.Prior, sim simulate.Simulator, est estimator.Estimator, opts Options, logger *zap.Logger) (*Sequential, error) {
	if pri == nil {
		return nil, fmt.Errorf("rounds: nil prior")
	}
	if est == nil {
		return nil, fmt.Errorf("rounds: nil estimator")
	}
	if pri.Dim() != est.ThetaDim() {
		return nil, fmt.Errorf("rounds: prior dimension %d does not match estimator parameter dimension %d",
			pri.Dim(), est.ThetaDim())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	switch opts.Correction {
	case CorrectionAtomic, CorrectionImportance:
	default:
		return nil, fmt.Errorf("rounds: unknown correction %q", opts.Correction)
	}
	s := &Sequential{
		ctrl:    NewController(pri, logger),
		pri:     pri,
		est:     est,
		opts:    opts,
		logger:  logger,
		version: -1,
	}
	if sim != nil {
		s.runner = simulate.NewRunner(sim, opts.Runner, logger)
	}
	return s, nil
}

// WithCheckpoint journals the run to store. Attach it before the first
// round; the receiver is returned for chaining.
func (s *Sequential) WithCheckpoint(store checkpoint.Store) *Sequential {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
	return s
}

// RunID identifies the run and its checkpoint stream.
func (s *Sequential) RunID() string { return s.ctrl.RunID() }

// Controller exposes the round state machine.
func (s *Sequential) Controller() *Controller { return s.ctrl }

// Estimator returns the estimator being trained.
func (s *Sequential) Estimator() estimator.Estimator { return s.est }

// Reports returns the per-round fit reports in round order.
func (s *Sequential) Reports() []*train.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*train.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// Posterior returns the most recently built posterior, nil before the
// first BuildPosterior.
func (s *Sequential) Posterior() *posterior.Posterior {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPost
}

func (s *Sequential) record(ctx context.Context, kind string, payload any) error {
	s.mu.Lock()
	store, version := s.store, s.version
	s.mu.Unlock()
	if store == nil {
		return nil
	}
	rec, err := checkpoint.NewRecord(s.ctrl.RunID(), kind, payload)
	if err != nil {
		return fmt.Errorf("rounds: journal %s: %w", kind, err)
	}
	v, err := store.Append(ctx, s.ctrl.RunID(), version, []*checkpoint.Record{rec})
	if err != nil {
		return fmt.Errorf("rounds: journal %s: %w", kind, err)
	}
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
	return nil
}

// StartRound opens the next round drawing from prop.
func (s *Sequential) StartRound(ctx context.Context, prop Proposal) (int, error) {
	s.mu.Lock()
	fresh := s.store != nil && s.version < 0
	s.mu.Unlock()
	if fresh {
		if err := s.record(ctx, RecordRunStarted, runStartedPayload{
			ThetaDim:   s.pri.Dim(),
			XDim:       s.est.XDim(),
			Family:     s.est.Kind().String(),
			Correction: string(s.opts.Correction),
		}); err != nil {
			return 0, err
		}
	}
	round, err := s.ctrl.StartRound(prop)
	if err != nil {
		return 0, err
	}
	if err := s.record(ctx, RecordRoundStarted, roundStartedPayload{
		Round:      round,
		ProposalID: prop.ID,
	}); err != nil {
		return 0, err
	}
	return round, nil
}

// AppendSimulations adds externally produced simulations to the open
// round. proposalID must match the round's proposal.
func (s *Sequential) AppendSimulations(ctx context.Context, theta, x *mat.Dense, proposalID string) error {
	round := s.ctrl.OpenRound()
	if round < 0 {
		return fmt.Errorf("rounds: no open round to append simulations to")
	}
	b, err := data.NewBatch(theta, x, proposalID)
	if err != nil {
		return err
	}
	if err := s.ctrl.AddBatch(round, b); err != nil {
		return err
	}
	return s.record(ctx, RecordBatchAdded, batchPayload{
		Round:      round,
		ProposalID: proposalID,
		Theta:      matrixToPayload(theta),
		X:          matrixToPayload(x),
	})
}

// Simulate draws n parameters from the open round's proposal, runs the
// simulator on them and appends the resulting batch.
func (s *Sequential) Simulate(ctx context.Context, n int) error {
	if s.runner == nil {
		return fmt.Errorf("rounds: no simulator configured")
	}
	round := s.ctrl.OpenRound()
	if round < 0 {
		return fmt.Errorf("rounds: no open round to simulate into")
	}
	prop, ok := s.ctrl.ProposalAt(round)
	if !ok || prop.Sample == nil {
		return fmt.Errorf("rounds: round %d has no sampling proposal", round)
	}
	theta, err := prop.Sample(ctx, n)
	if err != nil {
		return fmt.Errorf("rounds: draw %d parameters from %s: %w", n, prop.ID, err)
	}
	x, err := s.runner.Run(ctx, theta)
	if err != nil {
		return err
	}
	return s.AppendSimulations(ctx, theta, x, prop.ID)
}

// Train finalizes the pending round and fits the estimator on the
// frozen corpus with the family's loss. For importance-corrected
// posterior training the fresh round's effective sample size is
// checked first, so a degenerate proposal fails the round before any
// gradient step runs.
func (s *Sequential) Train(ctx context.Context) (*train.Report, error) {
	round, snap, finalized, err := s.ctrl.PendingFit()
	if err != nil {
		return nil, err
	}
	if finalized {
		if err := s.record(ctx, RecordRoundFinalized, roundFinalizedPayload{
			Round:    round,
			Batches:  snap.NumBatches(),
			Examples: snap.Len(),
			Version:  snap.Version(),
		}); err != nil {
			return nil, err
		}
	}
	if err := s.checkRoundESS(round, snap); err != nil {
		return nil, err
	}
	loss, err := s.lossFor()
	if err != nil {
		return nil, err
	}
	topts := s.opts.Train
	if topts.Seed == 0 && s.opts.Seed != 0 {
		topts.Seed = s.opts.Seed + uint64(round) + 1
	}
	rep, err := train.Fit(ctx, s.est, snap, loss, topts, s.logger)
	if err != nil {
		return rep, err
	}
	if err := s.ctrl.MarkFitted(round); err != nil {
		return rep, err
	}
	s.mu.Lock()
	s.reports = append(s.reports, rep)
	s.mu.Unlock()
	if err := s.record(ctx, RecordFitFinished, fitPayload{
		Round:  round,
		Params: s.est.Params(),
		Report: rep,
	}); err != nil {
		return rep, err
	}
	return rep, nil
}

// checkRoundESS validates the fresh round's importance weights before
// training touches them.
func (s *Sequential) checkRoundESS(round int, snap *data.Snapshot) error {
	if s.opts.ESSFloor <= 0 || round == 0 {
		return nil
	}
	if s.est.Kind() != estimator.KindPosterior || s.opts.Correction != CorrectionImportance {
		return nil
	}
	prop, ok := s.ctrl.ProposalAt(round)
	if !ok || prop.ID == train.PriorProposalID || prop.Density == nil {
		return nil
	}
	idx := snap.ExamplesFromRound(round)
	if len(idx) == 0 {
		return nil
	}
	w := make([]float64, len(idx))
	for j, i := range idx {
		theta, _, _ := snap.Example(i)
		w[j] = train.ImportanceWeight(s.pri, prop.Density, theta, s.opts.MaxRatio)
	}
	return train.CheckWeights(w, s.opts.ESSFloor, round)
}

func (s *Sequential) lossFor() (train.Loss, error) {
	switch s.est.Kind() {
	case estimator.KindPosterior:
		switch s.opts.Correction {
		case CorrectionImportance:
			return &train.MLLoss{
				Prior:     s.pri,
				Proposals: s.ctrl.Proposals(),
				MaxRatio:  s.opts.MaxRatio,
			}, nil
		case CorrectionAtomic:
			return &train.AtomicLoss{
				Prior:             s.pri,
				NumAtoms:          s.opts.NumAtoms,
				CombineWithNLL:    s.opts.CombineWithNLL,
				ExcludePriorAtoms: s.opts.ExcludePriorAtoms,
			}, nil
		default:
			return nil, fmt.Errorf("rounds: unknown correction %q", s.opts.Correction)
		}
	case estimator.KindLikelihood:
		return &train.MLLoss{}, nil
	case estimator.KindRatio:
		return &train.AtomicLoss{
			NumAtoms:          s.opts.NumAtoms,
			ExcludePriorAtoms: s.opts.ExcludePriorAtoms,
		}, nil
	case estimator.KindScore:
		return train.ScoreLoss{}, nil
	default:
		return nil, fmt.Errorf("rounds: no loss for estimator family %v", s.est.Kind())
	}
}

// BuildPosterior binds the trained estimator to observation.
func (s *Sequential) BuildPosterior(ctx context.Context, observation []float64) (*posterior.Posterior, error) {
	round := s.ctrl.LastFitted()
	if round < 0 {
		return nil, fmt.Errorf("rounds: no trained estimator to build a posterior from")
	}
	pcfg := s.opts.Posterior
	if pcfg.Seed == 0 && s.opts.Seed != 0 {
		pcfg.Seed = s.opts.Seed + uint64(round)*101 + 19
	}
	post, err := posterior.New(s.est, s.pri, observation, pcfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastPost = post
	s.mu.Unlock()
	leak := post.Leakage()
	if math.IsNaN(leak) {
		leak = -1
	}
	if err := s.record(ctx, RecordPosteriorBuilt, posteriorPayload{
		Round:   round,
		Backend: post.Backend().String(),
		Leakage: leak,
	}); err != nil {
		return nil, err
	}
	return post, nil
}

// Infer runs numRounds rounds of simulate, train, build posterior,
// refining the proposal with each built posterior, and returns the
// final posterior.
func (s *Sequential) Infer(ctx context.Context, observation []float64, numRounds int) (*posterior.Posterior, error) {
	if numRounds < 1 {
		return nil, fmt.Errorf("rounds: need at least one round, got %d", numRounds)
	}
	prop := PriorProposal(s.pri)
	var post *posterior.Posterior
	for r := 0; r < numRounds; r++ {
		if _, err := s.StartRound(ctx, prop); err != nil {
			return nil, err
		}
		if err := s.Simulate(ctx, s.opts.SimulationsPerRound); err != nil {
			return nil, err
		}
		if _, err := s.Train(ctx); err != nil {
			return nil, err
		}
		var err error
		post, err = s.BuildPosterior(ctx, observation)
		if err != nil {
			return nil, err
		}
		prop = PosteriorProposal(post, r)
	}
	return post, nil
}

// Resume rebuilds a sequential run from its checkpoint stream. The
// caller supplies the same prior, simulator and estimator architecture
// the run was started with; corpus, round state and trained parameters
// are replayed from the store, and the returned run keeps journaling
// to it. A trailing round that was started but never finalized is
// dropped with a warning, since its in-flight proposal cannot be
// reconstructed; when the run later reruns that round, replay keeps
// only the final attempt. Replayed proposals carry no density;
// re-register one with Controller.SetProposalDensity before an
// importance-corrected fit that must score their batches.
func Resume(ctx context.Context, store checkpoint.Store, runID string, pri prior.Prior, sim simulate.Simulator, est estimator.Estimator, opts Options, logger *zap.Logger) (*Sequential, error) {
	s, err := NewSequential(pri, sim, est, opts, logger)
	if err != nil {
		return nil, err
	}
	recs, err := store.Read(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("rounds: run %s has no checkpoint records", runID)
	}

	// A round interrupted and rerun after an earlier resume appears in
	// the stream twice. Only the last attempt counts; everything a
	// superseded attempt wrote is skipped below.
	finalized := make(map[int]bool)
	lastStart := make(map[int]int)
	for i, rec := range recs {
		switch rec.Kind {
		case RecordRoundFinalized:
			var p roundFinalizedPayload
			if err := rec.Decode(&p); err != nil {
				return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
			}
			finalized[p.Round] = true
		case RecordRoundStarted:
			var p roundStartedPayload
			if err := rec.Decode(&p); err != nil {
				return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
			}
			lastStart[p.Round] = i
		}
	}

	ctrl := s.ctrl
	ctrl.runID = runID
	dropped := 0
	for i, rec := range recs {
		switch rec.Kind {
		case RecordRunStarted:
			var p runStartedPayload
			if err := rec.Decode(&p); err != nil {
				return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
			}
			if p.ThetaDim != pri.Dim() || p.XDim != est.XDim() || p.Family != est.Kind().String() {
				return nil, fmt.Errorf("rounds: run %s holds a %s estimator over %d/%d dimensions, cannot resume with %s over %d/%d",
					runID, p.Family, p.ThetaDim, p.XDim, est.Kind(), pri.Dim(), est.XDim())
			}
		case RecordRoundStarted:
			var p roundStartedPayload
			if err := rec.Decode(&p); err != nil {
				return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
			}
			if lastStart[p.Round] != i {
				continue
			}
			if !finalized[p.Round] {
				s.logger.Warn("dropping unfinalized round from resume",
					zap.String("run_id", runID),
					zap.Int("round", p.Round),
					zap.String("proposal", p.ProposalID))
				continue
			}
			ctrl.props = append(ctrl.props, Proposal{ID: p.ProposalID})
			ctrl.open = p.Round
			ctrl.next = p.Round + 1
		case RecordBatchAdded:
			var p batchPayload
			if err := rec.Decode(&p); err != nil {
				return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
			}
			if i < lastStart[p.Round] || !finalized[p.Round] {
				dropped++
				continue
			}
			theta, err := p.Theta.matrix()
			if err != nil {
				return nil, err
			}
			x, err := p.X.matrix()
			if err != nil {
				return nil, err
			}
			b, err := data.NewBatch(theta, x, p.ProposalID)
			if err != nil {
				return nil, fmt.Errorf("rounds: resume %s round %d: %w", runID, p.Round, err)
			}
			if err := ctrl.ds.Append(b, p.Round); err != nil {
				return nil, fmt.Errorf("rounds: resume %s round %d: %w", runID, p.Round, err)
			}
		case RecordRoundFinalized:
			ctrl.snapshots = append(ctrl.snapshots, ctrl.ds.Snapshot())
			ctrl.open = -1
		case RecordFitFinished:
			var p fitPayload
			if err := rec.Decode(&p); err != nil {
				return nil, fmt.Errorf("rounds: resume %s: %w", runID, err)
			}
			if len(p.Params) != est.NumParams() {
				return nil, fmt.Errorf("rounds: run %s checkpointed %d parameters, estimator holds %d",
					runID, len(p.Params), est.NumParams())
			}
			est.SetParams(p.Params)
			ctrl.fitted = p.Round
			if p.Report != nil {
				s.reports = append(s.reports, p.Report)
			}
		}
	}
	s.store = store
	s.version = recs[len(recs)-1].Version
	if dropped > 0 {
		s.logger.Warn("resume dropped batches from an unfinalized round",
			zap.String("run_id", runID),
			zap.Int("batches", dropped))
	}
	s.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.Int("rounds", len(ctrl.snapshots)),
		zap.Int("examples", ctrl.ds.Len()),
		zap.Int("last_fitted", ctrl.fitted))
	return s, nil
}
