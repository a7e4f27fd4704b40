// Package pipeline drives one URL job end to end: robots check, rate
// limiting, fetch, extraction, normalization, validation, persistence and
// per-URL tracking, then one-shot run finalization feeding drift detection.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ammoharvest/adapters"
	"ammoharvest/dedup"
	"ammoharvest/drift"
	"ammoharvest/fetch"
	"ammoharvest/metrics"
	"ammoharvest/models"
	"ammoharvest/ratelimit"
	"ammoharvest/robots"
	"ammoharvest/writer"
)

// TrackingStore is the persistence slice the pipeline itself writes to;
// offer-level writes go through the writer.
type TrackingStore interface {
	RecordTargetResult(ctx context.Context, targetID int64, lastStatus string, failed bool) (int, error)
	SetTargetStatus(ctx context.Context, targetID int64, status models.TargetStatus) error
	DisableTargetsForAdapter(ctx context.Context, adapterID string) (int64, error)
	InsertQuarantinedOffer(ctx context.Context, q *models.QuarantinedOffer) error
	FinalizeScrapeRun(ctx context.Context, run *models.ScrapeRun) error
	CreateRunLog(ctx context.Context, log *models.RunLog) error
}

// Archiver stores raw page snapshots; optional.
type Archiver interface {
	Archive(ctx context.Context, retailerID, contentHash, html string) (string, error)
}

// Pipeline wires the per-job stages together.
type Pipeline struct {
	registry  *adapters.Registry
	robots    *robots.Policy
	limiter   *ratelimit.Limiter
	fetcher   fetch.Fetcher
	validator Validator
	writer    *writer.OfferWriter
	store     TrackingStore
	archiver  Archiver
	detector  *drift.Detector
	dedup     *dedup.RunDedupStore
	metrics   *metrics.Metrics
	logger    *slog.Logger

	fetchOpts fetch.Options
	retry     models.RetryPolicy
	now       func() time.Time
}

// Validator classifies a normalized offer for one run.
type Validator interface {
	Validate(ctx context.Context, runID string, offer *models.ScrapedOffer) models.NormalizeResult
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Registry  *adapters.Registry
	Robots    *robots.Policy
	Limiter   *ratelimit.Limiter
	Fetcher   fetch.Fetcher
	Validator Validator
	Writer    *writer.OfferWriter
	Store     TrackingStore
	Archiver  Archiver
	Detector  *drift.Detector
	Dedup     *dedup.RunDedupStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	FetchOpts fetch.Options
	Retry     models.RetryPolicy
}

func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.FetchOpts.Timeout <= 0 {
		d.FetchOpts = fetch.DefaultOptions()
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry = models.DefaultRetryPolicy()
	}
	return &Pipeline{
		registry:  d.Registry,
		robots:    d.Robots,
		limiter:   d.Limiter,
		fetcher:   d.Fetcher,
		validator: d.Validator,
		writer:    d.Writer,
		store:     d.Store,
		archiver:  d.Archiver,
		detector:  d.Detector,
		dedup:     d.Dedup,
		metrics:   d.Metrics,
		logger:    d.Logger,
		fetchOpts: d.FetchOpts,
		retry:     d.Retry,
		now:       time.Now,
	}
}

// Process runs one URL job to completion. Every outcome is absorbed into
// tracking and metrics; the returned error covers only infrastructure
// failures the caller may want to retry the whole job for.
func (p *Pipeline) Process(ctx context.Context, job models.URLJob, tracker *RunTracker) error {
	adapter, ok := p.registry.Get(job.AdapterID)
	if !ok {
		tracker.URLAttempted()
		tracker.URLFailed()
		p.logger.Error("no adapter registered for job",
			"adapter_id", job.AdapterID, "url", job.URL)
		return fmt.Errorf("unknown adapter %q", job.AdapterID)
	}

	tracker.URLAttempted()

	if !p.robots.IsAllowed(ctx, job.URL) {
		tracker.URLFailed()
		p.countFetch(job.RetailerID, string(fetch.StatusRobotsBlocked))
		p.recordTarget(ctx, job, string(fetch.StatusRobotsBlocked), false)
		p.logger.Info("url disallowed by robots.txt", "url", job.URL, "run_id", job.RunID)
		return nil
	}

	domain, err := ratelimit.RegistrableDomain(job.URL)
	if err != nil {
		tracker.URLFailed()
		p.recordTargetFailure(ctx, job, "bad_url")
		return nil
	}
	if delay, ok := p.robots.CrawlDelay(ctx, domain); ok {
		p.limiter.EnsureMinDelay(domain, delay)
	}

	if err := p.limiter.Acquire(ctx, domain); err != nil {
		tracker.URLFailed()
		return fmt.Errorf("acquire rate limit for %s: %w", domain, err)
	}
	res := fetch.WithRetry(ctx, p.fetcher, job.URL, p.fetchOpts, p.retry)
	p.limiter.Release(ctx, domain)

	p.countFetch(job.RetailerID, string(res.Status))
	if p.metrics != nil {
		p.metrics.FetchDuration.WithLabelValues(job.RetailerID).
			Observe(float64(res.DurationMs) / 1000)
	}

	if res.Status != fetch.StatusOK {
		tracker.URLFailed()
		p.recordTargetFailure(ctx, job, string(res.Status))
		p.runLog(ctx, job, "warn", fmt.Sprintf("fetch %s: %s (http %d)", job.URL, res.Status, res.StatusCode))
		return nil
	}

	snapshotKey := ""
	if p.archiver != nil {
		key, aerr := p.archiver.Archive(ctx, job.RetailerID, res.ContentHash, res.HTML)
		if aerr != nil {
			p.logger.Warn("snapshot archive failed", "url", job.URL, "error", aerr)
		} else {
			snapshotKey = key
		}
	}

	sctx := adapters.ScrapeContext{
		SourceID:   job.SourceID,
		RetailerID: job.RetailerID,
		RunID:      job.RunID,
		ObservedAt: p.now().UTC(),
	}

	extracted := adapter.Extract(res.HTML, job.URL, sctx)
	if !extracted.OK() {
		reason, details := extracted.Failure()
		if reason == models.ExtractOOSNoPrice {
			tracker.OOSNoPrice()
			p.recordTarget(ctx, job, string(reason), false)
			return nil
		}
		tracker.URLFailed()
		p.recordTargetFailure(ctx, job, string(reason))
		p.quarantineExtractFailure(ctx, job, tracker, reason, details, res.ContentHash, snapshotKey)
		return nil
	}

	tracker.URLSucceeded()
	tracker.OfferExtracted()
	if p.metrics != nil {
		p.metrics.OffersExtracted.WithLabelValues(job.AdapterID).Inc()
	}

	normalized := adapter.Normalize(extracted.Offer(), sctx)
	if !p.absorb(ctx, job, tracker, normalized) {
		p.recordTarget(ctx, job, "processed", false)
		return nil
	}

	verdict := p.validator.Validate(ctx, job.RunID, normalized.Offer())
	if !p.absorb(ctx, job, tracker, verdict) {
		p.recordTarget(ctx, job, "processed", false)
		return nil
	}

	wres := p.writer.Write(ctx, job, verdict.Offer())
	if wres.Err != nil {
		tracker.OfferDropped()
		p.runLog(ctx, job, "error", fmt.Sprintf("write offer for %s: %v", job.URL, wres.Err))
		p.recordTarget(ctx, job, "write_failed", false)
		return nil
	}
	if wres.ReconcileWarning != "" {
		p.runLog(ctx, job, "warn", wres.ReconcileWarning)
	}

	tracker.OfferValid()
	if p.metrics != nil {
		p.metrics.PricesWritten.WithLabelValues(job.RetailerID).Inc()
	}
	p.recordTarget(ctx, job, "ok", false)
	return nil
}

// absorb applies a drop/quarantine verdict to tracking; reports whether the
// offer continues down the pipeline.
func (p *Pipeline) absorb(ctx context.Context, job models.URLJob, tracker *RunTracker, r models.NormalizeResult) bool {
	switch r.Status() {
	case models.NormalizeStatusOK:
		return true
	case models.NormalizeStatusDrop:
		tracker.OfferDropped()
		if p.metrics != nil {
			p.metrics.OffersDropped.WithLabelValues(string(r.Drop())).Inc()
		}
		p.logger.Info("offer dropped",
			"reason", r.Drop(), "url", job.URL, "run_id", job.RunID)
		return false
	default:
		tracker.OfferQuarantined(r.Quarantine())
		if p.metrics != nil {
			p.metrics.OffersQuarantined.WithLabelValues(string(r.Quarantine())).Inc()
		}
		p.quarantineOffer(ctx, job, r.Quarantine(), r.Offer())
		return false
	}
}

func (p *Pipeline) quarantineOffer(ctx context.Context, job models.URLJob, reason models.QuarantineReason, offer *models.ScrapedOffer) {
	payload, err := json.Marshal(offer)
	if err != nil {
		p.logger.Error("marshal quarantined offer", "url", job.URL, "error", err)
		return
	}
	q := &models.QuarantinedOffer{
		RunID:      job.RunID,
		RetailerID: job.RetailerID,
		Reason:     reason,
		Offer:      payload,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.InsertQuarantinedOffer(ctx, q); err != nil {
		p.logger.Error("insert quarantined offer", "url", job.URL, "error", err)
	}
}

// quarantineExtractFailure records structural extraction failures for review
// with a pointer back to the archived page bytes.
func (p *Pipeline) quarantineExtractFailure(ctx context.Context, job models.URLJob, tracker *RunTracker, reason models.ExtractFailure, details, contentHash, snapshotKey string) {
	if reason != models.ExtractSelectorNotFound && reason != models.ExtractPageStructureChanged {
		return
	}
	tracker.OfferQuarantined(models.QuarantineSelectorFailure)
	if p.metrics != nil {
		p.metrics.OffersQuarantined.WithLabelValues(string(models.QuarantineSelectorFailure)).Inc()
	}
	payload, _ := json.Marshal(map[string]string{
		"url":          job.URL,
		"failure":      string(reason),
		"details":      details,
		"content_hash": contentHash,
		"snapshot_key": snapshotKey,
	})
	q := &models.QuarantinedOffer{
		RunID:      job.RunID,
		RetailerID: job.RetailerID,
		Reason:     models.QuarantineSelectorFailure,
		Offer:      payload,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.InsertQuarantinedOffer(ctx, q); err != nil {
		p.logger.Error("insert quarantined extraction failure", "url", job.URL, "error", err)
	}
}

func (p *Pipeline) recordTarget(ctx context.Context, job models.URLJob, status string, failed bool) {
	if job.TargetID == 0 {
		return
	}
	failures, err := p.store.RecordTargetResult(ctx, job.TargetID, status, failed)
	if err != nil {
		p.logger.Warn("record target result failed", "target_id", job.TargetID, "error", err)
		return
	}
	if failed && drift.ShouldMarkBroken(failures) {
		if err := p.store.SetTargetStatus(ctx, job.TargetID, models.TargetStatusBroken); err != nil {
			p.logger.Error("mark target broken failed", "target_id", job.TargetID, "error", err)
			return
		}
		p.logger.Warn("target marked broken",
			"target_id", job.TargetID, "url", job.URL, "consecutive_failures", failures)
	}
}

func (p *Pipeline) recordTargetFailure(ctx context.Context, job models.URLJob, status string) {
	p.recordTarget(ctx, job, status, true)
}

func (p *Pipeline) countFetch(retailerID, status string) {
	if p.metrics != nil {
		p.metrics.URLsFetched.WithLabelValues(retailerID, status).Inc()
	}
}

func (p *Pipeline) runLog(ctx context.Context, job models.URLJob, level, msg string) {
	rl := &models.RunLog{
		RunID:     job.RunID,
		Timestamp: p.now().UTC(),
		Level:     level,
		Message:   msg,
		AdapterID: job.AdapterID,
	}
	if err := p.store.CreateRunLog(ctx, rl); err != nil {
		p.logger.Warn("run log write failed", "run_id", job.RunID, "error", err)
	}
}

// Finalize completes a run exactly once: persists metrics, evaluates drift
// and applies an auto-disable verdict. Contention with another process on
// the same adapter surfaces as drift.ErrFinalizeContended.
func (p *Pipeline) Finalize(ctx context.Context, tracker *RunTracker) error {
	if !tracker.markFinalized() {
		return nil
	}

	lock, err := p.detector.AcquireFinalize(ctx, tracker.AdapterID())
	if err != nil {
		// Give the tracker back its one shot so the caller can retry.
		tracker.mu.Lock()
		tracker.finalized = false
		tracker.mu.Unlock()
		return err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			p.logger.Warn("finalize lock release failed",
				"adapter_id", tracker.AdapterID(), "error", rerr)
		}
	}()

	m := tracker.Snapshot()
	derived := drift.ComputeDerived(m)
	completed := p.now().UTC()

	run := &models.ScrapeRun{
		ID:          tracker.RunID(),
		AdapterID:   tracker.AdapterID(),
		Trigger:     tracker.trigger,
		Status:      runStatus(m),
		StartedAt:   tracker.startedAt,
		CompletedAt: &completed,
		DurationMs:  completed.Sub(tracker.startedAt).Milliseconds(),
		Metrics:     m,
		Derived:     derived,
	}
	if err := p.store.FinalizeScrapeRun(ctx, run); err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	if p.metrics != nil {
		p.metrics.RunsFinalized.WithLabelValues(run.AdapterID, string(run.Status)).Inc()
	}

	assessment := p.detector.Evaluate(ctx, m)
	if assessment.Alert {
		p.logger.Warn("drift alert",
			"adapter_id", run.AdapterID, "run_id", run.ID, "detail", assessment.AlertDetail)
	}
	if assessment.Disable {
		n, derr := p.store.DisableTargetsForAdapter(ctx, run.AdapterID)
		if derr != nil {
			p.logger.Error("drift auto-disable failed",
				"adapter_id", run.AdapterID, "error", derr)
		} else {
			p.logger.Error("adapter auto-disabled",
				"adapter_id", run.AdapterID, "reason", assessment.DisableReason,
				"targets_disabled", n, "run_id", run.ID)
			if p.metrics != nil {
				p.metrics.AdaptersDisabled.
					WithLabelValues(run.AdapterID, string(assessment.DisableReason)).Inc()
			}
		}
	}

	if p.dedup != nil {
		p.dedup.Cleanup(ctx, run.ID)
	}

	p.logger.Info("run finalized",
		"run_id", run.ID, "adapter_id", run.AdapterID, "status", run.Status,
		"urls_attempted", m.URLsAttempted, "offers_valid", m.OffersValid,
		"failure_rate", fmt.Sprintf("%.3f", derived.FailureRate))
	return nil
}

func runStatus(m models.ScrapeRunMetrics) models.RunStatus {
	switch {
	case m.URLsAttempted > 0 && m.URLsSucceeded == 0:
		return models.RunStatusFailed
	case m.OffersQuarantined > 0 && m.OffersValid == 0:
		return models.RunStatusQuarantined
	default:
		return models.RunStatusSuccess
	}
}
