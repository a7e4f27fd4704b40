package dedup

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"ammoharvest/coord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsDuplicateFirstSeenWins(t *testing.T) {
	d := NewRunDedupStore(coord.NewMemStore(), testLogger())
	ctx := context.Background()

	if d.IsDuplicate(ctx, "run-1", "ammoking", "SKU:A1") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !d.IsDuplicate(ctx, "run-1", "ammoking", "SKU:A1") {
		t.Fatal("second sighting not flagged")
	}
}

func TestIsDuplicateScopedByRunAndSource(t *testing.T) {
	d := NewRunDedupStore(coord.NewMemStore(), testLogger())
	ctx := context.Background()

	d.IsDuplicate(ctx, "run-1", "ammoking", "SKU:A1")

	if d.IsDuplicate(ctx, "run-2", "ammoking", "SKU:A1") {
		t.Fatal("identity leaked across runs")
	}
	if d.IsDuplicate(ctx, "run-1", "gunbroker", "SKU:A1") {
		t.Fatal("identity leaked across sources")
	}
}

func TestIsDuplicateFailsOpen(t *testing.T) {
	store := coord.NewMemStore()
	store.Fail = true
	d := NewRunDedupStore(store, testLogger())

	for i := 0; i < 3; i++ {
		if d.IsDuplicate(context.Background(), "run-1", "ammoking", "SKU:A1") {
			t.Fatal("store failure must not flag duplicates")
		}
	}
}

func TestCleanupForgetsRun(t *testing.T) {
	d := NewRunDedupStore(coord.NewMemStore(), testLogger())
	ctx := context.Background()

	d.IsDuplicate(ctx, "run-1", "ammoking", "SKU:A1")
	d.Cleanup(ctx, "run-1")

	if d.IsDuplicate(ctx, "run-1", "ammoking", "SKU:A1") {
		t.Fatal("cleanup did not clear the run set")
	}
}
