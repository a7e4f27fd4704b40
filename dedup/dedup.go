// Package dedup suppresses duplicate offers within a single scrape run.
// The seen-set lives in the shared coordination store so workers on
// different hosts contributing to the same run agree on first-writer-wins.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// setTTL bounds how long a run's seen-set can outlive the run itself.
// It is applied when the set is created and never refreshed, so even an
// abandoned run's set disappears on its own.
const setTTL = 2 * time.Hour

// Adder is the slice of the coordination store the dedup set needs.
type Adder interface {
	SAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// RunDedupStore tracks (runID, sourceID, identityKey) triples. Duplicate
// detection is best-effort: when the store is down we let offers through
// rather than silently discarding live prices.
type RunDedupStore struct {
	store  Adder
	logger *slog.Logger
}

func NewRunDedupStore(store Adder, logger *slog.Logger) *RunDedupStore {
	return &RunDedupStore{store: store, logger: logger}
}

func runKey(runID string) string {
	return fmt.Sprintf("dedup:run:%s", runID)
}

// IsDuplicate records the offer identity for the run and reports whether it
// was already present. Store failure reports false (fail open) after
// logging; the downstream writer is idempotent so the worst case is a
// harmless double upsert.
func (d *RunDedupStore) IsDuplicate(ctx context.Context, runID, sourceID, identityKey string) bool {
	member := sourceID + "|" + identityKey
	added, err := d.store.SAdd(ctx, runKey(runID), member, setTTL)
	if err != nil {
		d.logger.Warn("dedup store unavailable, passing offer through",
			"run_id", runID, "identity_key", identityKey, "error", err)
		return false
	}
	return !added
}

// Cleanup drops the run's seen-set once the run finalizes. The TTL covers
// the case where this never happens.
func (d *RunDedupStore) Cleanup(ctx context.Context, runID string) {
	if err := d.store.Del(ctx, runKey(runID)); err != nil {
		d.logger.Warn("dedup cleanup failed, TTL will reap the set",
			"run_id", runID, "error", err)
	}
}
