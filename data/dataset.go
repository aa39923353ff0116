package data

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"
)

// Dataset is the append-only accumulator of simulation batches. Appends
// stamp each batch with its round and are rejected when dimensionality or
// device disagree with what the dataset already holds.
//
// Dataset is safe for concurrent use. Trainers never see it directly; they
// receive immutable Snapshots.
type Dataset struct {
	mu       sync.Mutex
	device   string
	batches  []*Batch
	total    int
	thetaDim int
	xDim     int
	version  int
}

// NewDataset returns an empty dataset on the default device.
func NewDataset() *Dataset { return NewDatasetOnDevice(DefaultDevice) }

// NewDatasetOnDevice returns an empty dataset with the given device label.
func NewDatasetOnDevice(device string) *Dataset {
	return &Dataset{device: device}
}

// Device returns the device label.
func (d *Dataset) Device() string { return d.device }

// Append stamps b with round and adds it to the corpus. The first append
// fixes the parameter and observation dimensionality.
func (d *Dataset) Append(b *Batch, round int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.Device() != d.device {
		return &DeviceMismatchError{Want: d.device, Got: b.Device(), Op: "dataset append"}
	}
	if len(d.batches) == 0 {
		d.thetaDim = b.ThetaDim()
		d.xDim = b.XDim()
	} else if b.ThetaDim() != d.thetaDim || b.XDim() != d.xDim {
		return fmt.Errorf("dataset: batch dims (%d, %d) do not match dataset dims (%d, %d)",
			b.ThetaDim(), b.XDim(), d.thetaDim, d.xDim)
	}
	if round < 0 {
		return fmt.Errorf("dataset: negative round %d", round)
	}
	if n := len(d.batches); n > 0 && round < d.batches[n-1].round {
		return fmt.Errorf("dataset: round %d arrives after round %d", round, d.batches[n-1].round)
	}
	b.round = round
	d.batches = append(d.batches, b)
	d.total += b.Len()
	d.version++
	return nil
}

// Len returns the total number of examples across all batches.
func (d *Dataset) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Version counts appends. Two snapshots taken at the same version hold the
// same batches.
func (d *Dataset) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Snapshot returns an immutable view of the current corpus.
func (d *Dataset) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	batches := make([]*Batch, len(d.batches))
	copy(batches, d.batches)
	offsets := make([]int, len(batches))
	total := 0
	for i, b := range batches {
		offsets[i] = total
		total += b.Len()
	}
	return &Snapshot{
		device:   d.device,
		version:  d.version,
		batches:  batches,
		offsets:  offsets,
		total:    total,
		thetaDim: d.thetaDim,
		xDim:     d.xDim,
	}
}

// Snapshot is a frozen view of the dataset at some version. Batches are
// shared with the dataset but immutable, so a snapshot never changes after
// creation.
type Snapshot struct {
	device   string
	version  int
	batches  []*Batch
	offsets  []int
	total    int
	thetaDim int
	xDim     int
}

// Device returns the device label.
func (s *Snapshot) Device() string { return s.device }

// Version is the dataset version the snapshot was taken at.
func (s *Snapshot) Version() int { return s.version }

// Len returns the total number of examples.
func (s *Snapshot) Len() int { return s.total }

// NumBatches returns the number of batches.
func (s *Snapshot) NumBatches() int { return len(s.batches) }

// Batch returns the i-th batch in append order.
func (s *Snapshot) Batch(i int) *Batch { return s.batches[i] }

// ThetaDim returns the parameter dimensionality, 0 for an empty snapshot.
func (s *Snapshot) ThetaDim() int { return s.thetaDim }

// XDim returns the observation dimensionality, 0 for an empty snapshot.
func (s *Snapshot) XDim() int { return s.xDim }

// Example resolves flat index i to its parameter vector, observation vector
// and round. The slices alias internal storage and must not be modified.
func (s *Snapshot) Example(i int) (theta, x []float64, round int) {
	if i < 0 || i >= s.total {
		panic(fmt.Sprintf("dataset: example index %d out of range [0, %d)", i, s.total))
	}
	// Batches are few; linear scan from the back finds the owner.
	for b := len(s.batches) - 1; b >= 0; b-- {
		if i >= s.offsets[b] {
			local := i - s.offsets[b]
			return s.batches[b].ThetaRow(local), s.batches[b].XRow(local), s.batches[b].round
		}
	}
	panic("unreachable")
}

// BatchOf resolves flat index i to the batch that owns it.
func (s *Snapshot) BatchOf(i int) *Batch {
	if i < 0 || i >= s.total {
		panic(fmt.Sprintf("dataset: example index %d out of range [0, %d)", i, s.total))
	}
	for b := len(s.batches) - 1; b >= 0; b-- {
		if i >= s.offsets[b] {
			return s.batches[b]
		}
	}
	panic("unreachable")
}

// ExamplesFromRound returns the flat indices of all examples whose round is
// at least min, in order.
func (s *Snapshot) ExamplesFromRound(min int) []int {
	var idx []int
	for b, batch := range s.batches {
		if batch.round < min {
			continue
		}
		for i := 0; i < batch.Len(); i++ {
			idx = append(idx, s.offsets[b]+i)
		}
	}
	return idx
}

// PrefixOf reports whether s's batches form a prefix of other's, by batch
// identity and order.
func (s *Snapshot) PrefixOf(other *Snapshot) bool {
	if len(s.batches) > len(other.batches) {
		return false
	}
	for i, b := range s.batches {
		if other.batches[i].id != b.id {
			return false
		}
	}
	return true
}

// MaxRound returns the highest round present, or -1 for an empty snapshot.
func (s *Snapshot) MaxRound() int {
	if len(s.batches) == 0 {
		return -1
	}
	return s.batches[len(s.batches)-1].round
}

// Split partitions indices into a training and a validation part. The
// validation part holds ceil(valFraction*len(indices)) examples, chosen by
// a seeded shuffle so splits are reproducible.
func Split(indices []int, valFraction float64, src rand.Source) (train, val []int) {
	if valFraction <= 0 || len(indices) < 2 {
		return indices, nil
	}
	if valFraction >= 1 {
		return nil, indices
	}
	var perm []int
	if src != nil {
		perm = rand.New(src).Perm(len(indices))
	} else {
		perm = rand.Perm(len(indices))
	}
	nVal := int(math.Ceil(valFraction * float64(len(indices))))
	if nVal >= len(indices) {
		nVal = len(indices) - 1
	}
	if nVal < 1 {
		nVal = 1
	}
	val = make([]int, 0, nVal)
	train = make([]int, 0, len(indices)-nVal)
	for i, p := range perm {
		if i < nVal {
			val = append(val, indices[p])
		} else {
			train = append(train, indices[p])
		}
	}
	return train, val
}
