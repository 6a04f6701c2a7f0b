package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "quorum.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	h, err := store.Open(ctx, "int_42", types.CheckpointMeta{Model: "deep-research-pro-preview-12-2025", Provider: types.ProviderGemini, Topic: "fusion"})
	if err != nil {
		t.Fatal(err)
	}
	store.Append(ctx, h, "AB")
	store.Append(ctx, h, "C")
	store.SetSequence(ctx, h, 12)
	store.SetSequence(ctx, h, 4)

	cp, err := store.FindByJobID(ctx, "int_42")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Content != "ABC" || cp.LastSequence != 12 || cp.Provider != types.ProviderGemini {
		t.Errorf("unexpected checkpoint %+v", cp)
	}

	if err := store.Complete(ctx, h, types.CompleteOptions{Usage: &llm.Usage{TotalTokens: 9}}); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.List(ctx, false)
	if len(pending) != 0 {
		t.Errorf("expected no pending checkpoints, got %d", len(pending))
	}
	all, _ := store.List(ctx, true)
	if len(all) != 1 || all[0].Usage == nil || all[0].Usage.TotalTokens != 9 {
		t.Errorf("expected completed checkpoint with usage, got %+v", all)
	}

	if err := store.Delete(ctx, "int_42"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindByJobID(ctx, "int_42"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestSQLiteStore_CompleteDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	h, _ := store.Open(ctx, "j", types.CheckpointMeta{Model: "m"})
	store.Append(ctx, h, "x")
	if err := store.Complete(ctx, h, types.CompleteOptions{Delete: true}); err != nil {
		t.Fatal(err)
	}
	all, _ := store.List(ctx, true)
	if len(all) != 0 {
		t.Errorf("expected checkpoint removed, got %d", len(all))
	}
}

func TestSQLiteStore_PurgeOlderThan(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	store.now = func() time.Time { return now.Add(-10 * 24 * time.Hour) }
	store.Open(ctx, "old", types.CheckpointMeta{Model: "m"})
	store.now = func() time.Time { return now.Add(-24 * time.Hour) }
	store.Open(ctx, "recent", types.CheckpointMeta{Model: "m"})
	store.now = func() time.Time { return now }

	removed, err := store.PurgeOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	all, _ := store.List(ctx, true)
	if len(all) != 1 || all[0].JobID != "recent" {
		t.Errorf("unexpected remaining checkpoints %+v", all)
	}
}

func TestSQLiteStore_CloseKeepsPending(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	h, _ := store.Open(ctx, "j", types.CheckpointMeta{Model: "m"})
	store.Append(ctx, h, "x")
	if err := store.Close(ctx, h); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.List(ctx, false)
	if len(pending) != 1 {
		t.Errorf("expected closed checkpoint to stay pending, got %d", len(pending))
	}
	if err := store.Close(ctx, nil); err == nil {
		t.Error("expected error for a foreign handle")
	}
}
