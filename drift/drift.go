// Package drift watches per-adapter run metrics for the signature of a
// retailer changing their page structure: failure-rate spikes, zero-price
// streaks, and yield collapse against the adapter's own rolling baseline.
// Detection can auto-disable an adapter; re-enabling is always an operator
// action.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ammoharvest/coord"
	"ammoharvest/models"
)

const (
	// minBatchSize gates every batch-level signal. Small manual runs and
	// retries never feed the detector.
	minBatchSize = 20

	// failureRateThreshold is exclusive: a batch at exactly 0.5 is healthy.
	failureRateThreshold = 0.5

	// disableAfterStreak is the number of consecutive bad batches that
	// disables the adapter.
	disableAfterStreak = 2

	// brokenAfterFailures marks a single target BROKEN after this many
	// consecutive per-URL failures.
	brokenAfterFailures = 5

	// baselineWindow and baselineMinSamples shape the rolling median
	// baseline over the trailing completed runs.
	baselineWindow     = 10
	baselineMinSamples = 3

	streakTTL   = 24 * time.Hour
	finalizeTTL = 30 * time.Second
)

// ErrFinalizeContended reports that another process is finalizing the same
// adapter's run right now. Callers back off and let the holder finish.
var ErrFinalizeContended = errors.New("drift finalization already in progress")

// History is the persisted-metrics slice the baseline reads from.
type History interface {
	GetRecentDerivedMetrics(ctx context.Context, adapterID string, limit int) ([]models.DerivedMetrics, error)
}

// Assessment is the outcome of evaluating one finalized batch.
type Assessment struct {
	Evaluated bool

	Alert       bool
	AlertDetail string

	// ConsecutiveFailedBatches is the adapter's bad-batch streak after this
	// batch, 0 when the batch was healthy or the counter was unreachable.
	ConsecutiveFailedBatches int

	Disable       bool
	DisableReason models.QuarantineReason
}

// Detector evaluates finalized run metrics. Streak counters live in the
// coordination store so runs of the same adapter on different hosts share
// one streak.
type Detector struct {
	store   coord.Store
	history History
	logger  *slog.Logger
}

func NewDetector(store coord.Store, history History, logger *slog.Logger) *Detector {
	return &Detector{store: store, history: history, logger: logger}
}

// ComputeDerived turns raw counters into the ratios drift reasons over.
// OOS-no-price outcomes are expected behavior and are excluded from the
// failure rate.
func ComputeDerived(m models.ScrapeRunMetrics) models.DerivedMetrics {
	var d models.DerivedMetrics
	if m.URLsAttempted > 0 {
		hardFailures := m.URLsFailed - m.OOSNoPriceCount
		if hardFailures < 0 {
			hardFailures = 0
		}
		d.FailureRate = float64(hardFailures) / float64(m.URLsAttempted)
		d.YieldRate = float64(m.OffersValid) / float64(m.URLsAttempted)
	}
	if m.OffersExtracted > 0 {
		d.DropRate = float64(m.OffersDropped) / float64(m.OffersExtracted)
	}
	return d
}

func failStreakKey(adapterID string) string {
	return fmt.Sprintf("drift:failstreak:%s", adapterID)
}

func zeroStreakKey(adapterID string) string {
	return fmt.Sprintf("drift:zerostreak:%s", adapterID)
}

// Evaluate assesses one finalized batch. Batches under the minimum size are
// never evaluated and never touch the streak counters. Store failures
// degrade to alert-only: an unreachable counter must not disable a healthy
// adapter, and a broken adapter will be caught on the next reachable batch.
func (d *Detector) Evaluate(ctx context.Context, m models.ScrapeRunMetrics) Assessment {
	if m.URLsAttempted < minBatchSize {
		return Assessment{}
	}

	derived := ComputeDerived(m)
	a := Assessment{Evaluated: true}

	if derived.FailureRate > failureRateThreshold {
		a.Alert = true
		a.AlertDetail = fmt.Sprintf("failure rate %.2f over %d urls", derived.FailureRate, m.URLsAttempted)
		streak, err := d.store.Incr(ctx, failStreakKey(m.AdapterID), streakTTL)
		if err != nil {
			d.logger.Warn("drift streak counter unavailable",
				"adapter_id", m.AdapterID, "error", err)
		} else {
			a.ConsecutiveFailedBatches = int(streak)
			if streak >= disableAfterStreak {
				a.Disable = true
				a.DisableReason = models.QuarantineDriftDetected
			}
		}
	} else {
		if err := d.store.Del(ctx, failStreakKey(m.AdapterID)); err != nil {
			d.logger.Warn("drift streak reset failed",
				"adapter_id", m.AdapterID, "error", err)
		}
		if m.OffersExtracted == 0 {
			a.Alert = true
			a.AlertDetail = fmt.Sprintf("no offers extracted over %d urls", m.URLsAttempted)
		}
	}

	// A streak of batches where some extraction produced a zero price is
	// the classic symptom of a price selector matching the wrong node.
	if m.ZeroPriceCount > 0 {
		streak, err := d.store.Incr(ctx, zeroStreakKey(m.AdapterID), streakTTL)
		if err != nil {
			d.logger.Warn("zero-price streak counter unavailable",
				"adapter_id", m.AdapterID, "error", err)
		} else if streak >= disableAfterStreak && !a.Disable {
			a.Disable = true
			a.DisableReason = models.QuarantineDriftDetected
		}
	} else {
		if err := d.store.Del(ctx, zeroStreakKey(m.AdapterID)); err != nil {
			d.logger.Warn("zero-price streak reset failed",
				"adapter_id", m.AdapterID, "error", err)
		}
	}

	return a
}

// ShouldMarkBroken reports whether a target's consecutive failure count has
// crossed the broken threshold.
func ShouldMarkBroken(consecutiveFailures int) bool {
	return consecutiveFailures >= brokenAfterFailures
}

// Baseline computes the rolling median baseline for an adapter from its
// trailing completed runs. The baseline is advisory until enough samples
// exist.
func (d *Detector) Baseline(ctx context.Context, adapterID string) (models.DriftBaseline, error) {
	recent, err := d.history.GetRecentDerivedMetrics(ctx, adapterID, baselineWindow)
	if err != nil {
		return models.DriftBaseline{}, fmt.Errorf("load baseline window: %w", err)
	}
	b := models.DriftBaseline{SampleSize: len(recent)}
	if len(recent) == 0 {
		return b, nil
	}
	failures := make([]float64, len(recent))
	yields := make([]float64, len(recent))
	for i, m := range recent {
		failures[i] = m.FailureRate
		yields[i] = m.YieldRate
	}
	b.MedianFailureRate = median(failures)
	b.MedianYieldRate = median(yields)
	b.IsEstablished = len(recent) >= baselineMinSamples
	return b, nil
}

// median of a non-empty slice; even lengths take the mean of the middle two.
func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// AcquireFinalize serializes run finalization per adapter across processes.
// Exactly one holder exists at a time; everyone else gets
// ErrFinalizeContended and retries after backoff.
func (d *Detector) AcquireFinalize(ctx context.Context, adapterID string) (*coord.Lock, error) {
	key := fmt.Sprintf("drift:finalize:%s", adapterID)
	lock, ok, err := coord.AcquireLock(ctx, d.store, key, finalizeTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire finalize lock: %w", err)
	}
	if !ok {
		return nil, ErrFinalizeContended
	}
	return lock, nil
}
