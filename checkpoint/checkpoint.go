// Package checkpoint persists the lifecycle of inference runs as versioned
// record streams, one stream per run. Stores append with optimistic
// concurrency: a writer states the version it believes the stream is at,
// and a mismatch fails instead of interleaving two writers' histories.
//
// Records carry opaque JSON payloads. The rounds package defines the
// payload shapes and replays streams to resume interrupted runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrVersionConflict reports an Append whose expected version no longer
// matches the stream, meaning another writer got there first.
var ErrVersionConflict = errors.New("checkpoint: run version conflict")

// Record is one entry of a run stream. Version is assigned by the store
// at append time, densely from 0.
type Record struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRecord builds an unversioned record with payload marshaled to JSON.
// A nil payload produces an empty Data field.
func NewRecord(runID, kind string, payload any) (*Record, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: marshal %s payload: %w", kind, err)
		}
		data = b
	}
	return &Record{
		ID:      uuid.NewString(),
		RunID:   runID,
		Kind:    kind,
		Version: -1,
		At:      time.Now().UTC(),
		Data:    data,
	}, nil
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("checkpoint: record %s has no payload", r.ID)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("checkpoint: decode %s payload: %w", r.Kind, err)
	}
	return nil
}

// Filter selects records for ReadAll. Zero fields match everything.
type Filter struct {
	// RunID restricts to a single run.
	RunID string
	// Kinds restricts to the listed record kinds.
	Kinds []string
}

func (f Filter) matches(r *Record) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if r.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Store is the persistence contract for run streams.
type Store interface {
	// Append adds records to a run stream. expectedVersion must equal
	// the stream's current version, -1 for a run with no records yet.
	// It returns the version of the last appended record, or the
	// current version with ErrVersionConflict on a mismatch.
	Append(ctx context.Context, runID string, expectedVersion int, recs []*Record) (int, error)
	// Read returns the run's records with version >= fromVersion, in
	// version order.
	Read(ctx context.Context, runID string, fromVersion int) ([]*Record, error)
	// ReadAll returns records across runs matching the filter, in
	// global append order.
	ReadAll(ctx context.Context, f Filter) ([]*Record, error)
	// RunVersion returns the run's latest version, -1 when the run has
	// no records.
	RunVersion(ctx context.Context, runID string) (int, error)
	// DeleteRun removes every record of the run.
	DeleteRun(ctx context.Context, runID string) error
	// Close releases the store's resources.
	Close() error
}
