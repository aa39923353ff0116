// Package data holds the training corpus for sequential inference: batches
// of simulated (theta, x) pairs accumulated over rounds, with immutable
// snapshots handed to trainers.
//
// Importance weights are never stored here. They depend on the correction
// policy in force at training time and are recomputed from the batch's
// proposal on every fit.
package data

import (
	"fmt"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// DefaultDevice labels in-memory float64 storage. The engine runs on the
// host only, but every container carries the label so that mixing data
// prepared for different backends fails loudly instead of silently.
const DefaultDevice = "cpu"

// DeviceMismatchError reports an operation that mixed containers living on
// different devices.
type DeviceMismatchError struct {
	Want string
	Got  string
	Op   string
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("device mismatch in %s: want %q, got %q", e.Op, e.Want, e.Got)
}

// Batch is an immutable set of simulations drawn from a single proposal.
// Round is assigned by the controller when the batch is appended and is -1
// until then.
type Batch struct {
	id         string
	device     string
	proposalID string
	round      int
	theta      *mat.Dense
	x          *mat.Dense
}

// NewBatch copies theta and x into a batch on the default device.
// proposalID names the distribution the parameters were drawn from.
func NewBatch(theta, x *mat.Dense, proposalID string) (*Batch, error) {
	return NewBatchOnDevice(theta, x, proposalID, DefaultDevice)
}

// NewBatchOnDevice is NewBatch with an explicit device label.
func NewBatchOnDevice(theta, x *mat.Dense, proposalID, device string) (*Batch, error) {
	tr, tc := theta.Dims()
	xr, xc := x.Dims()
	if tr == 0 {
		return nil, fmt.Errorf("batch: empty parameter set")
	}
	if tc == 0 || xc == 0 {
		return nil, fmt.Errorf("batch: zero-dimensional rows")
	}
	if tr != xr {
		return nil, fmt.Errorf("batch: %d parameter rows but %d observation rows", tr, xr)
	}
	t := mat.NewDense(tr, tc, nil)
	t.Copy(theta)
	o := mat.NewDense(xr, xc, nil)
	o.Copy(x)
	return &Batch{
		id:         uuid.NewString(),
		device:     device,
		proposalID: proposalID,
		round:      -1,
		theta:      t,
		x:          o,
	}, nil
}

// ID returns the unique batch identifier.
func (b *Batch) ID() string { return b.id }

// Device returns the device label.
func (b *Batch) Device() string { return b.device }

// ProposalID names the proposal the parameters were drawn from.
func (b *Batch) ProposalID() string { return b.proposalID }

// Round returns the round index the batch belongs to, or -1 if the batch
// has not been appended to a dataset yet.
func (b *Batch) Round() int { return b.round }

// Len returns the number of examples in the batch.
func (b *Batch) Len() int {
	r, _ := b.theta.Dims()
	return r
}

// ThetaDim returns the parameter dimensionality.
func (b *Batch) ThetaDim() int {
	_, c := b.theta.Dims()
	return c
}

// XDim returns the observation dimensionality.
func (b *Batch) XDim() int {
	_, c := b.x.Dims()
	return c
}

// ThetaRow returns the i-th parameter vector. The returned slice aliases
// internal storage and must not be modified.
func (b *Batch) ThetaRow(i int) []float64 { return b.theta.RawRowView(i) }

// XRow returns the i-th observation vector. The returned slice aliases
// internal storage and must not be modified.
func (b *Batch) XRow(i int) []float64 { return b.x.RawRowView(i) }

// Theta returns the parameter matrix. Callers must treat it as read-only.
func (b *Batch) Theta() *mat.Dense { return b.theta }

// X returns the observation matrix. Callers must treat it as read-only.
func (b *Batch) X() *mat.Dense { return b.x }
