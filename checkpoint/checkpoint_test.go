package checkpoint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pflow-xyz/go-sbi/checkpoint"
)

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func() checkpoint.Store {
		return checkpoint.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func() checkpoint.Store {
		store, err := checkpoint.NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("create sqlite store: %v", err)
		}
		return store
	})
}

func runStoreTests(t *testing.T, newStore func() checkpoint.Store) {
	t.Run("AppendAndRead", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		rec1, _ := checkpoint.NewRecord("run-1", "round_started", map[string]int{"round": 0})
		rec2, _ := checkpoint.NewRecord("run-1", "fit_finished", map[string]int{"round": 0})

		version, err := store.Append(ctx, "run-1", -1, []*checkpoint.Record{rec1})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if version != 0 {
			t.Errorf("version = %d, want 0", version)
		}

		version, err = store.Append(ctx, "run-1", 0, []*checkpoint.Record{rec2})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if version != 1 {
			t.Errorf("version = %d, want 1", version)
		}

		recs, err := store.Read(ctx, "run-1", 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		if recs[0].Kind != "round_started" {
			t.Errorf("kind = %s, want round_started", recs[0].Kind)
		}
		if recs[1].Kind != "fit_finished" {
			t.Errorf("kind = %s, want fit_finished", recs[1].Kind)
		}
		var payload map[string]int
		if err := recs[0].Decode(&payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if payload["round"] != 0 {
			t.Errorf("payload round = %d, want 0", payload["round"])
		}
	})

	t.Run("VersionConflict", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		rec1, _ := checkpoint.NewRecord("run-1", "round_started", nil)
		rec2, _ := checkpoint.NewRecord("run-1", "fit_finished", nil)

		if _, err := store.Append(ctx, "run-1", -1, []*checkpoint.Record{rec1}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if _, err := store.Append(ctx, "run-1", 5, []*checkpoint.Record{rec2}); !errors.Is(err, checkpoint.ErrVersionConflict) {
			t.Errorf("append with stale version = %v, want ErrVersionConflict", err)
		}
		if _, err := store.Append(ctx, "run-1", 0, []*checkpoint.Record{rec2}); err != nil {
			t.Errorf("append with correct version failed: %v", err)
		}
	})

	t.Run("RunVersion", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		version, err := store.RunVersion(ctx, "run-1")
		if err != nil {
			t.Fatalf("run version failed: %v", err)
		}
		if version != -1 {
			t.Errorf("version = %d, want -1 for an unknown run", version)
		}

		rec, _ := checkpoint.NewRecord("run-1", "round_started", nil)
		if _, err := store.Append(ctx, "run-1", -1, []*checkpoint.Record{rec}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		version, err = store.RunVersion(ctx, "run-1")
		if err != nil {
			t.Fatalf("run version failed: %v", err)
		}
		if version != 0 {
			t.Errorf("version = %d, want 0", version)
		}
	})

	t.Run("ReadFromVersion", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			rec, _ := checkpoint.NewRecord("run-1", "batch_added", i)
			if _, err := store.Append(ctx, "run-1", i-1, []*checkpoint.Record{rec}); err != nil {
				t.Fatalf("append %d failed: %v", i, err)
			}
		}

		recs, err := store.Read(ctx, "run-1", 1)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		if recs[0].Version != 1 {
			t.Errorf("first version = %d, want 1", recs[0].Version)
		}
	})

	t.Run("ReadAllWithFilter", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		rec1, _ := checkpoint.NewRecord("run-1", "round_started", nil)
		rec2, _ := checkpoint.NewRecord("run-1", "fit_finished", nil)
		rec3, _ := checkpoint.NewRecord("run-2", "round_started", nil)

		store.Append(ctx, "run-1", -1, []*checkpoint.Record{rec1, rec2})
		store.Append(ctx, "run-2", -1, []*checkpoint.Record{rec3})

		recs, err := store.ReadAll(ctx, checkpoint.Filter{Kinds: []string{"round_started"}})
		if err != nil {
			t.Fatalf("read all failed: %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("got %d round_started records, want 2", len(recs))
		}

		recs, err = store.ReadAll(ctx, checkpoint.Filter{RunID: "run-1"})
		if err != nil {
			t.Fatalf("read all failed: %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("got %d records in run-1, want 2", len(recs))
		}
	})

	t.Run("DeleteRun", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		rec, _ := checkpoint.NewRecord("run-1", "round_started", nil)
		if _, err := store.Append(ctx, "run-1", -1, []*checkpoint.Record{rec}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if err := store.DeleteRun(ctx, "run-1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		version, _ := store.RunVersion(ctx, "run-1")
		if version != -1 {
			t.Errorf("version after delete = %d, want -1", version)
		}
		recs, _ := store.ReadAll(ctx, checkpoint.Filter{RunID: "run-1"})
		if len(recs) != 0 {
			t.Errorf("got %d records after delete, want 0", len(recs))
		}
	})
}
