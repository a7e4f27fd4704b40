package pipeline

import (
	"sync"
	"time"

	"ammoharvest/models"
)

// RunTracker accumulates metrics for one (run, adapter) pair while workers
// process its jobs concurrently. Finalization is one-shot: the first caller
// wins, every later call is a no-op.
type RunTracker struct {
	runID     string
	adapterID string
	trigger   models.Trigger
	startedAt time.Time

	mu        sync.Mutex
	metrics   models.ScrapeRunMetrics
	finalized bool
}

func NewRunTracker(runID, adapterID string, trigger models.Trigger, startedAt time.Time) *RunTracker {
	return &RunTracker{
		runID:     runID,
		adapterID: adapterID,
		trigger:   trigger,
		startedAt: startedAt,
		metrics: models.ScrapeRunMetrics{
			RunID:     runID,
			AdapterID: adapterID,
		},
	}
}

func (t *RunTracker) RunID() string     { return t.runID }
func (t *RunTracker) AdapterID() string { return t.adapterID }

func (t *RunTracker) URLAttempted() {
	t.mu.Lock()
	t.metrics.URLsAttempted++
	t.mu.Unlock()
}

func (t *RunTracker) URLSucceeded() {
	t.mu.Lock()
	t.metrics.URLsSucceeded++
	t.mu.Unlock()
}

func (t *RunTracker) URLFailed() {
	t.mu.Lock()
	t.metrics.URLsFailed++
	t.mu.Unlock()
}

// OOSNoPrice counts an out-of-stock page with no price. It lands in the
// failed column but carries its own counter so drift can exclude it.
func (t *RunTracker) OOSNoPrice() {
	t.mu.Lock()
	t.metrics.URLsFailed++
	t.metrics.OOSNoPriceCount++
	t.mu.Unlock()
}

func (t *RunTracker) OfferExtracted() {
	t.mu.Lock()
	t.metrics.OffersExtracted++
	t.mu.Unlock()
}

func (t *RunTracker) OfferValid() {
	t.mu.Lock()
	t.metrics.OffersValid++
	t.mu.Unlock()
}

func (t *RunTracker) OfferDropped() {
	t.mu.Lock()
	t.metrics.OffersDropped++
	t.mu.Unlock()
}

func (t *RunTracker) OfferQuarantined(reason models.QuarantineReason) {
	t.mu.Lock()
	t.metrics.OffersQuarantined++
	if reason == models.QuarantineZeroPriceExtracted {
		t.metrics.ZeroPriceCount++
	}
	t.mu.Unlock()
}

// Snapshot returns a copy of the accumulated metrics.
func (t *RunTracker) Snapshot() models.ScrapeRunMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// markFinalized flips the one-shot gate; reports whether this call won.
func (t *RunTracker) markFinalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.finalized = true
	return true
}
