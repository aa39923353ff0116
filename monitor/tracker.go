// Package monitor tracks inference run progress and serves it to
// WebSocket subscribers. The tracker keeps a ring of recent events for
// replay and fans live events out to subscriber channels without ever
// blocking the publisher; a slow subscriber loses events, the run does
// not stall.
package monitor

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pflow-xyz/go-sbi/train"
)

// EventType categorizes progress events.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRoundStarted   EventType = "round_started"
	EventSimulations    EventType = "simulations_added"
	EventEpoch          EventType = "epoch"
	EventFitFinished    EventType = "fit_finished"
	EventPosteriorBuilt EventType = "posterior_built"
	EventRunFinished    EventType = "run_finished"
)

// Event is one progress observation. Round is -1 for run-level events.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Round     int       `json:"round"`
	Timestamp int64     `json:"timestamp"`
	Proposal  string    `json:"proposal,omitempty"`
	ThetaDim  int       `json:"theta_dim,omitempty"`
	XDim      int       `json:"x_dim,omitempty"`
	Examples  int       `json:"examples,omitempty"`
	Epoch     int       `json:"epoch,omitempty"`
	Loss      float64   `json:"loss,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Leakage   float64   `json:"leakage,omitempty"`
	Family    string    `json:"family,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// Options configures a Tracker.
type Options struct {
	// Keep is how many recent events are retained for replay.
	Keep int
	// Buffer is each subscriber channel's capacity.
	Buffer int
}

// DefaultOptions returns the recommended tracker settings.
func DefaultOptions() Options {
	return Options{Keep: 256, Buffer: 64}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Keep <= 0 {
		o.Keep = def.Keep
	}
	if o.Buffer <= 0 {
		o.Buffer = def.Buffer
	}
	return o
}

// Stats summarizes tracker activity.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Tracker collects run progress events.
type Tracker struct {
	mu        sync.Mutex
	opts      Options
	runID     string
	recent    []Event
	subs      map[chan Event]struct{}
	published uint64
	dropped   uint64
	logger    *zap.Logger
}

// NewTracker creates a tracker. logger may be nil.
func NewTracker(opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		opts:   opts.withDefaults(),
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Publish records ev and fans it out. Missing run ID and timestamp are
// filled in; a subscriber whose buffer is full loses the event.
func (t *Tracker) Publish(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.RunID == "" {
		ev.RunID = t.runID
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if len(t.recent) == t.opts.Keep {
		copy(t.recent, t.recent[1:])
		t.recent = t.recent[:len(t.recent)-1]
	}
	t.recent = append(t.recent, ev)
	t.published++
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.dropped++
		}
	}
}

// Subscribe registers a live event channel. The returned cancel
// unregisters and closes it; calling cancel more than once is safe.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	ch := make(chan Event, t.opts.Buffer)
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscribeWithReplay registers a live channel and returns the retained
// history in the same atomic step, so no event falls between replay and
// stream.
func (t *Tracker) SubscribeWithReplay() ([]Event, <-chan Event, func()) {
	t.mu.Lock()
	history := make([]Event, len(t.recent))
	copy(history, t.recent)
	ch := make(chan Event, t.opts.Buffer)
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return history, ch, cancel
}

// Snapshot returns the retained events, oldest first.
func (t *Tracker) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.recent))
	copy(out, t.recent)
	return out
}

// Stats returns tracker activity counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Published: t.published, Dropped: t.dropped, Subscribers: len(t.subs)}
}

// RunStarted announces a run. The run ID is stamped on later events.
func (t *Tracker) RunStarted(runID string, thetaDim, xDim int, family string) {
	t.mu.Lock()
	t.runID = runID
	t.mu.Unlock()
	t.Publish(Event{
		Type:     EventRunStarted,
		RunID:    runID,
		Round:    -1,
		ThetaDim: thetaDim,
		XDim:     xDim,
		Family:   family,
	})
}

// RoundStarted announces a round drawing from proposal.
func (t *Tracker) RoundStarted(round int, proposal string) {
	t.Publish(Event{Type: EventRoundStarted, Round: round, Proposal: proposal})
}

// SimulationsAdded announces a batch of examples landing in round.
func (t *Tracker) SimulationsAdded(round, examples int) {
	t.Publish(Event{Type: EventSimulations, Round: round, Examples: examples})
}

// EpochFinished announces one training epoch.
func (t *Tracker) EpochFinished(round, epoch int, valLoss float64) {
	t.Publish(Event{Type: EventEpoch, Round: round, Epoch: epoch, Loss: sanitize(valLoss)})
}

// FitFinished announces a completed fit.
func (t *Tracker) FitFinished(round int, rep *train.Report) {
	ev := Event{Type: EventFitFinished, Round: round}
	if rep != nil {
		ev.Epoch = rep.Epochs
		ev.Loss = sanitize(rep.BestValLoss)
		ev.Examples = rep.Examples
		ev.Status = rep.StopReason
	}
	t.Publish(ev)
}

// PosteriorBuilt announces a built posterior.
func (t *Tracker) PosteriorBuilt(round int, backend string, leakage float64) {
	t.Publish(Event{Type: EventPosteriorBuilt, Round: round, Backend: backend, Leakage: sanitize(leakage)})
}

// RunFinished announces the run's terminal status.
func (t *Tracker) RunFinished(status string) {
	t.Publish(Event{Type: EventRunFinished, Round: -1, Status: status})
}

// sanitize maps non-finite values to -1 so events stay serializable.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}
