package drift

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"ammoharvest/coord"
	"ammoharvest/models"
)

type fakeHistory struct {
	metrics []models.DerivedMetrics
	err     error
}

func (f *fakeHistory) GetRecentDerivedMetrics(_ context.Context, _ string, limit int) ([]models.DerivedMetrics, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.metrics) > limit {
		return f.metrics[:limit], nil
	}
	return f.metrics, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDetector(history History) (*Detector, *coord.MemStore) {
	store := coord.NewMemStore()
	if history == nil {
		history = &fakeHistory{}
	}
	return NewDetector(store, history, testLogger()), store
}

func batch(attempted, failed, oos int) models.ScrapeRunMetrics {
	return models.ScrapeRunMetrics{
		RunID:           "run-1",
		AdapterID:       "ammoking",
		URLsAttempted:   attempted,
		URLsFailed:      failed,
		URLsSucceeded:   attempted - failed,
		OffersExtracted: attempted - failed,
		OffersValid:     attempted - failed,
		OOSNoPriceCount: oos,
	}
}

func TestComputeDerived(t *testing.T) {
	d := ComputeDerived(batch(25, 13, 0))
	if math.Abs(d.FailureRate-0.52) > 1e-9 {
		t.Fatalf("failure rate = %v, want 0.52", d.FailureRate)
	}

	// OOS-no-price outcomes are excluded from the failure rate.
	d = ComputeDerived(batch(25, 13, 2))
	if math.Abs(d.FailureRate-0.44) > 1e-9 {
		t.Fatalf("failure rate with oos = %v, want 0.44", d.FailureRate)
	}

	// More OOS than failures must not go negative.
	d = ComputeDerived(models.ScrapeRunMetrics{URLsAttempted: 10, URLsFailed: 2, OOSNoPriceCount: 5})
	if d.FailureRate != 0 {
		t.Fatalf("failure rate = %v, want 0", d.FailureRate)
	}

	if d := ComputeDerived(models.ScrapeRunMetrics{}); d.FailureRate != 0 || d.DropRate != 0 || d.YieldRate != 0 {
		t.Fatalf("empty metrics produced nonzero rates: %+v", d)
	}
}

func TestEvaluateSkipsSmallBatches(t *testing.T) {
	det, store := newDetector(nil)
	ctx := context.Background()

	// 19 attempted with everything failing: still under the batch minimum.
	a := det.Evaluate(ctx, batch(19, 19, 0))
	if a.Evaluated || a.Alert || a.Disable {
		t.Fatalf("small batch was evaluated: %+v", a)
	}
	if _, ok, _ := store.GetInt(ctx, failStreakKey("ammoking")); ok {
		t.Fatal("small batch touched the streak counter")
	}
}

func TestEvaluateExactThresholdIsHealthy(t *testing.T) {
	det, _ := newDetector(nil)
	a := det.Evaluate(context.Background(), batch(20, 10, 0))
	if a.Alert || a.Disable {
		t.Fatalf("failure rate exactly 0.5 must not alert: %+v", a)
	}
}

func TestEvaluateDisablesAfterConsecutiveBadBatches(t *testing.T) {
	det, _ := newDetector(nil)
	ctx := context.Background()

	first := det.Evaluate(ctx, batch(25, 13, 0)) // 0.52
	if !first.Alert {
		t.Fatal("first bad batch should alert")
	}
	if first.Disable {
		t.Fatal("first bad batch must not disable")
	}
	if first.ConsecutiveFailedBatches != 1 {
		t.Fatalf("streak after first bad batch = %d, want 1", first.ConsecutiveFailedBatches)
	}

	second := det.Evaluate(ctx, batch(25, 14, 0))
	if !second.Disable || second.DisableReason != models.QuarantineDriftDetected {
		t.Fatalf("second bad batch should disable with DRIFT_DETECTED: %+v", second)
	}
	if second.ConsecutiveFailedBatches != 2 {
		t.Fatalf("streak on disable = %d, want 2", second.ConsecutiveFailedBatches)
	}
}

func TestEvaluateHealthyBatchResetsStreak(t *testing.T) {
	det, _ := newDetector(nil)
	ctx := context.Background()

	det.Evaluate(ctx, batch(25, 13, 0)) // bad
	healthy := det.Evaluate(ctx, batch(25, 2, 0))
	if healthy.ConsecutiveFailedBatches != 0 {
		t.Fatalf("healthy batch streak = %d, want 0", healthy.ConsecutiveFailedBatches)
	}
	a := det.Evaluate(ctx, batch(25, 13, 0))
	if a.Disable {
		t.Fatal("streak should have reset on the healthy batch")
	}
	if a.ConsecutiveFailedBatches != 1 {
		t.Fatalf("streak after reset = %d, want 1", a.ConsecutiveFailedBatches)
	}
}

func TestEvaluateZeroPriceStreakDisables(t *testing.T) {
	det, _ := newDetector(nil)
	ctx := context.Background()

	m := batch(25, 0, 0)
	m.ZeroPriceCount = 3

	first := det.Evaluate(ctx, m)
	if first.Disable {
		t.Fatal("one zero-price batch must not disable")
	}
	second := det.Evaluate(ctx, m)
	if !second.Disable || second.DisableReason != models.QuarantineDriftDetected {
		t.Fatalf("second zero-price batch should disable with DRIFT_DETECTED: %+v", second)
	}
}

func TestEvaluateZeroExtractionAlerts(t *testing.T) {
	det, _ := newDetector(nil)
	m := models.ScrapeRunMetrics{AdapterID: "ammoking", URLsAttempted: 20, URLsSucceeded: 20}
	a := det.Evaluate(context.Background(), m)
	if !a.Alert {
		t.Fatal("healthy fetches with zero extraction should alert")
	}
	if a.Disable {
		t.Fatal("zero extraction alone must not disable")
	}
}

func TestEvaluateStoreFailureNeverDisables(t *testing.T) {
	store := coord.NewMemStore()
	store.Fail = true
	det := NewDetector(store, &fakeHistory{}, testLogger())

	for i := 0; i < 3; i++ {
		a := det.Evaluate(context.Background(), batch(25, 20, 0))
		if a.Disable {
			t.Fatal("unreachable counter must not disable an adapter")
		}
		if !a.Alert {
			t.Fatal("alert should still fire on the bad batch itself")
		}
	}
}

func TestShouldMarkBroken(t *testing.T) {
	if ShouldMarkBroken(4) {
		t.Fatal("4 failures should not be broken")
	}
	if !ShouldMarkBroken(5) {
		t.Fatal("5 failures should be broken")
	}
}

func TestBaselineMedians(t *testing.T) {
	det, _ := newDetector(&fakeHistory{metrics: []models.DerivedMetrics{
		{FailureRate: 0.10, YieldRate: 0.90},
		{FailureRate: 0.30, YieldRate: 0.70},
		{FailureRate: 0.20, YieldRate: 0.80},
	}})
	b, err := det.Baseline(context.Background(), "ammoking")
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if !b.IsEstablished || b.SampleSize != 3 {
		t.Fatalf("baseline not established: %+v", b)
	}
	if b.MedianFailureRate != 0.20 || b.MedianYieldRate != 0.80 {
		t.Fatalf("odd-length medians wrong: %+v", b)
	}
}

func TestBaselineEvenLengthAveragesMiddle(t *testing.T) {
	det, _ := newDetector(&fakeHistory{metrics: []models.DerivedMetrics{
		{FailureRate: 0.10}, {FailureRate: 0.20}, {FailureRate: 0.30}, {FailureRate: 0.40},
	}})
	b, err := det.Baseline(context.Background(), "ammoking")
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if math.Abs(b.MedianFailureRate-0.25) > 1e-9 {
		t.Fatalf("even-length median = %v, want 0.25", b.MedianFailureRate)
	}
}

func TestBaselineTooFewSamples(t *testing.T) {
	det, _ := newDetector(&fakeHistory{metrics: []models.DerivedMetrics{
		{FailureRate: 0.10}, {FailureRate: 0.20},
	}})
	b, err := det.Baseline(context.Background(), "ammoking")
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if b.IsEstablished {
		t.Fatal("two samples must not establish a baseline")
	}
	if b.SampleSize != 2 {
		t.Fatalf("sample size = %d, want 2", b.SampleSize)
	}
}

func TestAcquireFinalizeContention(t *testing.T) {
	det, _ := newDetector(nil)
	ctx := context.Background()

	lock, err := det.AcquireFinalize(ctx, "ammoking")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := det.AcquireFinalize(ctx, "ammoking"); !errors.Is(err, ErrFinalizeContended) {
		t.Fatalf("second acquire err = %v, want ErrFinalizeContended", err)
	}

	// A different adapter is not contended.
	if _, err := det.AcquireFinalize(ctx, "other"); err != nil {
		t.Fatalf("other adapter acquire: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := det.AcquireFinalize(ctx, "ammoking"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}
