// Package rounds orchestrates sequential inference. A Controller walks
// each round through its lifecycle, started, batched, finalized, fitted,
// and guards the append-only growth of the simulation corpus across
// rounds. Sequential drives whole rounds end to end, simulate, train,
// build posterior, refine proposal, and can journal every step to a
// checkpoint store so interrupted runs resume where they stopped.
package rounds

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/data"
	"github.com/pflow-xyz/go-sbi/posterior"
	"github.com/pflow-xyz/go-sbi/prior"
	"github.com/pflow-xyz/go-sbi/train"
)

// RoundSequenceError reports a lifecycle operation issued out of order:
// starting a round while another is open, adding batches to a round that
// is not open, finalizing twice, or seeding round zero with anything but
// the prior.
type RoundSequenceError struct {
	Round  int
	Op     string
	Reason string
}

func (e *RoundSequenceError) Error() string {
	return fmt.Sprintf("rounds: cannot %s round %d: %s", e.Op, e.Round, e.Reason)
}

// Proposal is the distribution a round draws its parameters from.
type Proposal struct {
	// ID tags every batch drawn from this proposal. Round zero uses
	// train.PriorProposalID.
	ID string
	// Sample draws n parameter rows.
	Sample func(ctx context.Context, n int) (*mat.Dense, error)
	// Density scores parameters for importance corrections. It may be
	// nil when the correction in force never evaluates the proposal,
	// score-family posteriors for example carry no density.
	Density train.Density
}

// PriorProposal wraps the prior as the round-zero proposal.
func PriorProposal(pri prior.Prior) Proposal {
	return Proposal{
		ID: train.PriorProposalID,
		Sample: func(_ context.Context, n int) (*mat.Dense, error) {
			return pri.Sample(n), nil
		},
		Density: pri,
	}
}

// PosteriorProposal wraps the posterior built after round as the next
// round's proposal.
func PosteriorProposal(post *posterior.Posterior, round int) Proposal {
	p := Proposal{
		ID:     fmt.Sprintf("posterior_round_%d", round),
		Sample: post.Sample,
	}
	if post.HasDensity() {
		p.Density = post
	}
	return p
}

// Controller owns the round state machine of a single run. Rounds are
// numbered from zero and move through start, add batches, finalize,
// fit; at most one round is open at a time, and a new round cannot
// start until the previous one has been fit. Round zero must draw from
// the prior.
//
// Methods are safe for concurrent use, but the lifecycle itself is
// sequential: interleaved calls still have to arrive in a legal order.
type Controller struct {
	mu        sync.Mutex
	pri       prior.Prior
	ds        *data.Dataset
	runID     string
	open      int // open round index, -1 when none
	next      int // index the next StartRound will take
	fitted    int // highest round with a completed fit, -1 initially
	props     []Proposal
	snapshots []*data.Snapshot
	logger    *zap.Logger
}

// NewController starts an empty run. logger may be nil.
func NewController(pri prior.Prior, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		pri:    pri,
		ds:     data.NewDataset(),
		runID:  uuid.NewString(),
		open:   -1,
		fitted: -1,
		logger: logger,
	}
}

// RunID identifies the run, and its checkpoint stream when one exists.
func (c *Controller) RunID() string { return c.runID }

// Prior returns the run's prior.
func (c *Controller) Prior() prior.Prior { return c.pri }

// StartRound opens the next round drawing from prop and returns its
// index. The previous round must have been fit first.
func (c *Controller) StartRound(prop Proposal) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open >= 0 {
		return 0, &RoundSequenceError{Round: c.next, Op: "start",
			Reason: fmt.Sprintf("round %d is still open", c.open)}
	}
	if c.fitted < c.next-1 {
		return 0, &RoundSequenceError{Round: c.next, Op: "start",
			Reason: fmt.Sprintf("round %d has not been fit", c.next-1)}
	}
	if prop.Sample == nil {
		return 0, fmt.Errorf("rounds: proposal %q has no sampler", prop.ID)
	}
	if c.next == 0 && prop.ID != train.PriorProposalID {
		return 0, &RoundSequenceError{Round: 0, Op: "start",
			Reason: fmt.Sprintf("round 0 must draw from the prior, got proposal %q", prop.ID)}
	}
	if prop.ID != train.PriorProposalID {
		for r := range c.props {
			if c.props[r].ID == prop.ID {
				return 0, fmt.Errorf("rounds: proposal %q already drawn from in round %d", prop.ID, r)
			}
		}
	}
	c.open = c.next
	c.next++
	c.props = append(c.props, prop)
	c.logger.Info("round started",
		zap.String("run_id", c.runID),
		zap.Int("round", c.open),
		zap.String("proposal", prop.ID))
	return c.open, nil
}

// AddBatch appends one simulation batch to the open round. The batch's
// proposal must be the round's proposal.
func (c *Controller) AddBatch(round int, b *data.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if round < 0 || round != c.open {
		return &RoundSequenceError{Round: round, Op: "add batch to", Reason: c.notOpenReason(round)}
	}
	if got := b.ProposalID(); got != c.props[round].ID {
		return fmt.Errorf("rounds: batch drawn from %q cannot join round %d, which draws from %q",
			got, round, c.props[round].ID)
	}
	if err := c.ds.Append(b, round); err != nil {
		return err
	}
	c.logger.Debug("batch added",
		zap.Int("round", round),
		zap.String("batch_id", b.ID()),
		zap.Int("examples", b.Len()))
	return nil
}

// FinalizeRound closes the open round and freezes the corpus. The
// returned snapshot extends every earlier round's snapshot.
func (c *Controller) FinalizeRound(round int) (*data.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizeLocked(round)
}

func (c *Controller) finalizeLocked(round int) (*data.Snapshot, error) {
	if round < 0 || round != c.open {
		return nil, &RoundSequenceError{Round: round, Op: "finalize", Reason: c.notOpenReason(round)}
	}
	snap := c.ds.Snapshot()
	if snap.MaxRound() < round {
		return nil, &RoundSequenceError{Round: round, Op: "finalize", Reason: "round has no batches"}
	}
	c.snapshots = append(c.snapshots, snap)
	c.open = -1
	c.logger.Info("round finalized",
		zap.Int("round", round),
		zap.Int("examples", snap.Len()),
		zap.Int("batches", snap.NumBatches()),
		zap.Int("version", snap.Version()))
	return snap, nil
}

func (c *Controller) notOpenReason(round int) string {
	switch {
	case round < 0 || round >= c.next:
		return "round was never started"
	case c.open < 0:
		return "round is already finalized"
	default:
		return fmt.Sprintf("round %d is the open one", c.open)
	}
}

// MarkFitted records that the newest finalized round's fit completed,
// which unlocks the next StartRound.
func (c *Controller) MarkFitted(round int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if round <= c.fitted {
		return &RoundSequenceError{Round: round, Op: "mark fitted", Reason: "round is already fitted"}
	}
	if round != len(c.snapshots)-1 {
		return &RoundSequenceError{Round: round, Op: "mark fitted", Reason: "round is not finalized"}
	}
	c.fitted = round
	return nil
}

// PendingFit returns the round whose fit should run next together with
// its frozen snapshot: the open round, finalizing it first, or the
// newest finalized round when its fit never completed. finalized
// reports whether this call performed the finalization. It errors when
// every finalized round is already fitted.
func (c *Controller) PendingFit() (round int, snap *data.Snapshot, finalized bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open >= 0 {
		round = c.open
		snap, err = c.finalizeLocked(round)
		return round, snap, err == nil, err
	}
	if n := len(c.snapshots); n > 0 && c.fitted < n-1 {
		return n - 1, c.snapshots[n-1], false, nil
	}
	return 0, nil, false, fmt.Errorf("rounds: no round is awaiting a fit")
}

// OpenRound returns the open round's index, -1 when none is open.
func (c *Controller) OpenRound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Rounds returns the number of finalized rounds.
func (c *Controller) Rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

// LastFitted returns the highest round with a completed fit, -1 before
// the first.
func (c *Controller) LastFitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fitted
}

// SnapshotAt returns the snapshot frozen when round was finalized.
func (c *Controller) SnapshotAt(round int) (*data.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if round < 0 || round >= len(c.snapshots) {
		return nil, false
	}
	return c.snapshots[round], true
}

// ProposalAt returns the proposal round draws from.
func (c *Controller) ProposalAt(round int) (Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if round < 0 || round >= len(c.props) {
		return Proposal{}, false
	}
	return c.props[round], true
}

// Proposals collects the registered proposal densities keyed by ID,
// the registry importance corrections score batches against. Proposals
// without a density, the prior included, are left out; the prior is
// passed to the loss separately.
func (c *Controller) Proposals() map[string]train.Density {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]train.Density, len(c.props))
	for _, p := range c.props {
		if p.ID == train.PriorProposalID || p.Density == nil {
			continue
		}
		out[p.ID] = p.Density
	}
	return out
}

// SetProposalDensity re-registers the density behind a proposal ID.
// Resumed runs need this when an importance-corrected fit has to score
// batches whose original posterior object is gone.
func (c *Controller) SetProposalDensity(id string, d train.Density) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.props {
		if c.props[i].ID == id {
			c.props[i].Density = d
		}
	}
}

// Dataset exposes the run's corpus for inspection.
func (c *Controller) Dataset() *data.Dataset { return c.ds }
