package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"

	"ammoharvest/adapters"
	"ammoharvest/coord"
	"ammoharvest/dedup"
	"ammoharvest/drift"
	"ammoharvest/fetch"
	"ammoharvest/models"
	"ammoharvest/ratelimit"
	"ammoharvest/robots"
	"ammoharvest/validate"
	"ammoharvest/writer"
)

const productPage = `<html><body>
<div class="product" data-product-id="98765">
  <h1 class="product_title">Federal 9mm Luger 115gr FMJ 50 Rounds</h1>
  <p class="price"><span class="woocommerce-Price-amount">$24.99</span></p>
  <p class="stock">In stock</p>
  <span class="sku">FED-AE9DP</span>
</div>
</body></html>`

const oosPage = `<html><body>
<div class="product">
  <h1 class="product_title">Federal 9mm 115gr FMJ 50 Rounds</h1>
  <p class="stock">Out of stock</p>
</div>
</body></html>`

const zeroPricePage = `<html><body>
<div class="product">
  <h1 class="product_title">Federal 9mm 115gr FMJ 50 Rounds</h1>
  <p class="price"><span class="woocommerce-Price-amount">$0.00</span></p>
  <p class="stock">In stock</p>
</div>
</body></html>`

type fakeTracking struct {
	targetResults   []string
	targetFailures  int // value RecordTargetResult reports back
	failedFlags     []bool
	statuses        map[int64]models.TargetStatus
	quarantined     []models.QuarantinedOffer
	finalized       []models.ScrapeRun
	runLogs         []models.RunLog
	disabledCalls   int
	disableAdapters []string
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{statuses: make(map[int64]models.TargetStatus)}
}

func (f *fakeTracking) RecordTargetResult(_ context.Context, _ int64, lastStatus string, failed bool) (int, error) {
	f.targetResults = append(f.targetResults, lastStatus)
	f.failedFlags = append(f.failedFlags, failed)
	if failed {
		return f.targetFailures, nil
	}
	return 0, nil
}

func (f *fakeTracking) SetTargetStatus(_ context.Context, targetID int64, status models.TargetStatus) error {
	f.statuses[targetID] = status
	return nil
}

func (f *fakeTracking) DisableTargetsForAdapter(_ context.Context, adapterID string) (int64, error) {
	f.disabledCalls++
	f.disableAdapters = append(f.disableAdapters, adapterID)
	return 3, nil
}

func (f *fakeTracking) InsertQuarantinedOffer(_ context.Context, q *models.QuarantinedOffer) error {
	f.quarantined = append(f.quarantined, *q)
	return nil
}

func (f *fakeTracking) FinalizeScrapeRun(_ context.Context, run *models.ScrapeRun) error {
	f.finalized = append(f.finalized, *run)
	return nil
}

func (f *fakeTracking) CreateRunLog(_ context.Context, rl *models.RunLog) error {
	f.runLogs = append(f.runLogs, *rl)
	return nil
}

type fakeWriterStore struct {
	prices int
}

func (f *fakeWriterStore) GetSourceProductByID(context.Context, uuid.UUID) (*models.SourceProduct, error) {
	return nil, nil
}
func (f *fakeWriterStore) UpsertSourceProduct(context.Context, *models.SourceProduct) error {
	return nil
}
func (f *fakeWriterStore) UpsertProductIdentifier(context.Context, *models.ProductIdentifier) error {
	return nil
}
func (f *fakeWriterStore) InsertPriceRecord(context.Context, *models.PriceRecord) error {
	f.prices++
	return nil
}
func (f *fakeWriterStore) LinkTargetToProduct(context.Context, int64, uuid.UUID) error {
	return nil
}

type fakeHistory struct{}

func (fakeHistory) GetRecentDerivedMetrics(context.Context, string, int) ([]models.DerivedMetrics, error) {
	return nil, nil
}

type fakeArchiver struct {
	keys []string
}

func (f *fakeArchiver) Archive(_ context.Context, retailerID, contentHash, _ string) (string, error) {
	key := "snapshots/" + retailerID + "/" + contentHash + ".html"
	f.keys = append(f.keys, key)
	return key, nil
}

type testHarness struct {
	pipeline  *Pipeline
	tracking  *fakeTracking
	writes    *fakeWriterStore
	archiver  *fakeArchiver
	transport *httpmock.MockTransport
	mem       *coord.MemStore
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := httpmock.NewMockTransport()
	client := &http.Client{Transport: transport}

	registry := adapters.NewRegistry()
	if err := registry.Register(adapters.NewAmmoKingAdapter()); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	mem := coord.NewMemStore()
	tracking := newFakeTracking()
	writes := &fakeWriterStore{}
	archiver := &fakeArchiver{}
	dd := dedup.NewRunDedupStore(mem, logger)

	p := New(Deps{
		Registry:  registry,
		Robots:    robots.New(client, "ammoharvest-bot", logger),
		Limiter:   ratelimit.New(mem, map[string]models.RateLimitConfig{"ammoking.com": {RequestsPerSecond: 1000, MinDelay: time.Millisecond, MaxConcurrent: 10}}, logger),
		Fetcher:   fetch.NewHTTPFetcher(client),
		Validator: validate.NewOfferValidator(dd),
		Writer:    writer.NewOfferWriter(writes, logger),
		Store:     tracking,
		Archiver:  archiver,
		Detector:  drift.NewDetector(mem, fakeHistory{}, logger),
		Dedup:     dd,
		Metrics:   nil,
		Logger:    logger,
		FetchOpts: fetch.Options{Timeout: time.Second, MaxSize: 1 << 20},
		Retry:     models.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	return &testHarness{pipeline: p, tracking: tracking, writes: writes, archiver: archiver, transport: transport, mem: mem}
}

func (h *testHarness) allowRobots() {
	h.transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewStringResponder(404, "not found"))
}

func testJob() models.URLJob {
	return models.URLJob{
		TargetID:   7,
		URL:        "https://ammoking.com/p/federal-9mm",
		SourceID:   "ammoking",
		RetailerID: "ammoking",
		AdapterID:  "ammoking",
		RunID:      "run-1",
		Trigger:    models.TriggerScheduled,
	}
}

func newTracker() *RunTracker {
	return NewRunTracker("run-1", "ammoking", models.TriggerScheduled, time.Now().UTC())
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t)
	h.allowRobots()
	h.transport.RegisterResponder("GET", "https://ammoking.com/p/federal-9mm",
		httpmock.NewStringResponder(200, productPage))

	tracker := newTracker()
	if err := h.pipeline.Process(context.Background(), testJob(), tracker); err != nil {
		t.Fatalf("process: %v", err)
	}

	m := tracker.Snapshot()
	if m.URLsAttempted != 1 || m.URLsSucceeded != 1 || m.OffersValid != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if h.writes.prices != 1 {
		t.Fatalf("prices written = %d, want 1", h.writes.prices)
	}
	if len(h.archiver.keys) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(h.archiver.keys))
	}
	last := h.tracking.targetResults[len(h.tracking.targetResults)-1]
	if last != "ok" || h.tracking.failedFlags[len(h.tracking.failedFlags)-1] {
		t.Fatalf("target result = %q failed=%v", last, h.tracking.failedFlags)
	}
}

func TestProcessRobotsDenied(t *testing.T) {
	h := newHarness(t)
	// Unreachable robots.txt denies.
	h.transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	tracker := newTracker()
	if err := h.pipeline.Process(context.Background(), testJob(), tracker); err != nil {
		t.Fatalf("process: %v", err)
	}

	m := tracker.Snapshot()
	if m.URLsAttempted != 1 || m.URLsFailed != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if h.writes.prices != 0 {
		t.Fatal("blocked url must not reach the writer")
	}
}

func TestProcessOOSNoPrice(t *testing.T) {
	h := newHarness(t)
	h.allowRobots()
	h.transport.RegisterResponder("GET", "https://ammoking.com/p/federal-9mm",
		httpmock.NewStringResponder(200, oosPage))

	tracker := newTracker()
	if err := h.pipeline.Process(context.Background(), testJob(), tracker); err != nil {
		t.Fatalf("process: %v", err)
	}

	m := tracker.Snapshot()
	if m.URLsFailed != 1 || m.OOSNoPriceCount != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	// OOS does not advance the target's failure streak.
	if h.tracking.failedFlags[len(h.tracking.failedFlags)-1] {
		t.Fatal("oos recorded as target failure")
	}
	if len(h.tracking.quarantined) != 0 {
		t.Fatal("oos page should not quarantine")
	}
}

func TestProcessSelectorFailureQuarantines(t *testing.T) {
	h := newHarness(t)
	h.allowRobots()
	h.transport.RegisterResponder("GET", "https://ammoking.com/p/federal-9mm",
		httpmock.NewStringResponder(200, "<html><body><div class=\"content\">redesigned</div></body></html>"))

	tracker := newTracker()
	if err := h.pipeline.Process(context.Background(), testJob(), tracker); err != nil {
		t.Fatalf("process: %v", err)
	}

	m := tracker.Snapshot()
	if m.URLsFailed != 1 || m.OffersQuarantined != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if len(h.tracking.quarantined) != 1 {
		t.Fatalf("quarantined = %d, want 1", len(h.tracking.quarantined))
	}
	q := h.tracking.quarantined[0]
	if q.Reason != models.QuarantineSelectorFailure {
		t.Fatalf("reason = %s", q.Reason)
	}
	// Structural failures count against the target.
	if !h.tracking.failedFlags[len(h.tracking.failedFlags)-1] {
		t.Fatal("selector failure not recorded as target failure")
	}
}

func TestProcessZeroPriceQuarantines(t *testing.T) {
	h := newHarness(t)
	h.allowRobots()
	h.transport.RegisterResponder("GET", "https://ammoking.com/p/federal-9mm",
		httpmock.NewStringResponder(200, zeroPricePage))

	tracker := newTracker()
	if err := h.pipeline.Process(context.Background(), testJob(), tracker); err != nil {
		t.Fatalf("process: %v", err)
	}

	m := tracker.Snapshot()
	if m.OffersQuarantined != 1 || m.ZeroPriceCount != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if len(h.tracking.quarantined) != 1 || h.tracking.quarantined[0].Reason != models.QuarantineZeroPriceExtracted {
		t.Fatalf("quarantined = %+v", h.tracking.quarantined)
	}
	if h.writes.prices != 0 {
		t.Fatal("zero price must not reach the live stream")
	}
}

func TestProcessFetchFailureMarksTargetBroken(t *testing.T) {
	h := newHarness(t)
	h.allowRobots()
	h.transport.RegisterResponder("GET", "https://ammoking.com/p/federal-9mm",
		httpmock.NewStringResponder(500, "boom"))
	h.tracking.targetFailures = 5

	tracker := newTracker()
	if err := h.pipeline.Process(context.Background(), testJob(), tracker); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := h.tracking.statuses[7]; got != models.TargetStatusBroken {
		t.Fatalf("target status = %q, want BROKEN", got)
	}
}

func TestProcessDuplicateWithinRunDropped(t *testing.T) {
	h := newHarness(t)
	h.allowRobots()
	h.transport.RegisterResponder("GET", "https://ammoking.com/p/federal-9mm",
		httpmock.NewStringResponder(200, productPage))

	tracker := newTracker()
	ctx := context.Background()
	if err := h.pipeline.Process(ctx, testJob(), tracker); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := h.pipeline.Process(ctx, testJob(), tracker); err != nil {
		t.Fatalf("second process: %v", err)
	}

	m := tracker.Snapshot()
	if m.OffersValid != 1 || m.OffersDropped != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if h.writes.prices != 1 {
		t.Fatalf("prices = %d, want 1 (second was a duplicate)", h.writes.prices)
	}
}

func TestFinalizeIsOneShot(t *testing.T) {
	h := newHarness(t)
	tracker := newTracker()
	tracker.URLAttempted()
	tracker.URLSucceeded()
	tracker.OfferExtracted()
	tracker.OfferValid()

	ctx := context.Background()
	if err := h.pipeline.Finalize(ctx, tracker); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := h.pipeline.Finalize(ctx, tracker); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if len(h.tracking.finalized) != 1 {
		t.Fatalf("runs finalized %d times, want 1", len(h.tracking.finalized))
	}
	run := h.tracking.finalized[0]
	if run.Status != models.RunStatusSuccess || run.CompletedAt == nil {
		t.Fatalf("run = %+v", run)
	}
}

func TestFinalizeContentionRestoresOneShot(t *testing.T) {
	h := newHarness(t)
	tracker := newTracker()
	tracker.URLAttempted()
	tracker.URLSucceeded()

	ctx := context.Background()
	lock, ok, err := coord.AcquireLock(ctx, h.mem, "drift:finalize:ammoking", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}

	if err := h.pipeline.Finalize(ctx, tracker); !errors.Is(err, drift.ErrFinalizeContended) {
		t.Fatalf("err = %v, want contended", err)
	}
	if len(h.tracking.finalized) != 0 {
		t.Fatal("contended finalize must not persist the run")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	// The one-shot gate was handed back; a retry completes the run.
	if err := h.pipeline.Finalize(ctx, tracker); err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if len(h.tracking.finalized) != 1 {
		t.Fatalf("runs finalized = %d, want 1", len(h.tracking.finalized))
	}
}

func TestFinalizeDisablesAdapterAfterBadStreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	badTracker := func(runID string) *RunTracker {
		tr := NewRunTracker(runID, "ammoking", models.TriggerScheduled, time.Now().UTC())
		for i := 0; i < 20; i++ {
			tr.URLAttempted()
			tr.URLFailed()
		}
		return tr
	}

	if err := h.pipeline.Finalize(ctx, badTracker("run-1")); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if h.tracking.disabledCalls != 0 {
		t.Fatal("one bad batch must not disable")
	}

	if err := h.pipeline.Finalize(ctx, badTracker("run-2")); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if h.tracking.disabledCalls != 1 {
		t.Fatalf("disable calls = %d, want 1 after two bad batches", h.tracking.disabledCalls)
	}
	if h.tracking.disableAdapters[0] != "ammoking" {
		t.Fatalf("disabled adapter = %q", h.tracking.disableAdapters[0])
	}
}

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name string
		m    models.ScrapeRunMetrics
		want models.RunStatus
	}{
		{"all failed", models.ScrapeRunMetrics{URLsAttempted: 5, URLsFailed: 5}, models.RunStatusFailed},
		{"only quarantines", models.ScrapeRunMetrics{URLsAttempted: 5, URLsSucceeded: 5, OffersQuarantined: 5}, models.RunStatusQuarantined},
		{"mixed but some valid", models.ScrapeRunMetrics{URLsAttempted: 5, URLsSucceeded: 4, OffersQuarantined: 1, OffersValid: 3}, models.RunStatusSuccess},
		{"empty run", models.ScrapeRunMetrics{}, models.RunStatusSuccess},
	}
	for _, tt := range tests {
		if got := runStatus(tt.m); got != tt.want {
			t.Errorf("%s: runStatus = %s, want %s", tt.name, got, tt.want)
		}
	}
}
