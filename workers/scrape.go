// Package workers runs the background consumers: the queue-driven scrape
// worker that serves manual, retry and recheck jobs between scheduled runs.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ammoharvest/drift"
	"ammoharvest/models"
	"ammoharvest/pipeline"
	"ammoharvest/queue"
)

// staleClaimCutoff is how long a claim may sit before the sweep assumes its
// worker died and requeues the job.
const staleClaimCutoff = 10 * time.Minute

// RunStore persists run rows for queue-originated runs.
type RunStore interface {
	CreateScrapeRun(ctx context.Context, run *models.ScrapeRun) error
}

// StaleRequeuer recovers abandoned claims; *queue.PostgresQueue satisfies it.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ScrapeWorker drains the URL job queue. Jobs are grouped by run id; a
// run's tracker is finalized once a drain cycle sees no more of its jobs.
type ScrapeWorker struct {
	queue       queue.Consumer
	pipe        *pipeline.Pipeline
	runs        RunStore
	logger      *slog.Logger
	batchSize   int
	interval    time.Duration
	concurrency int

	triggerCh chan struct{}

	mu       sync.Mutex
	trackers map[string]*pipeline.RunTracker
}

func NewScrapeWorker(q queue.Consumer, pipe *pipeline.Pipeline, runs RunStore, cfg models.QueueConfig, concurrency int, logger *slog.Logger) *ScrapeWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScrapeWorker{
		queue:       q,
		pipe:        pipe,
		runs:        runs,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		interval:    cfg.PollInterval,
		concurrency: concurrency,
		triggerCh:   make(chan struct{}, 1),
		trackers:    make(map[string]*pipeline.RunTracker),
	}
}

// Trigger wakes the worker outside its poll interval.
func (w *ScrapeWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// DrainOnce processes queue batches until the queue is empty, finalizing
// every run it touched. Used by the run-once mode.
func (w *ScrapeWorker) DrainOnce(ctx context.Context) {
	w.drain(ctx)
}

// Run polls the queue until the context ends.
func (w *ScrapeWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scrape worker stopping")
			w.finalizeAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.triggerCh:
			w.drain(ctx)
		}
	}
}

// drain processes queue batches until the queue comes back empty, then
// finalizes every run the cycle touched.
func (w *ScrapeWorker) drain(ctx context.Context) {
	for {
		claimed, err := w.queue.Dequeue(ctx, w.batchSize)
		if err != nil {
			w.logger.Error("queue dequeue failed", "error", err)
			return
		}
		if len(claimed) == 0 {
			w.finalizeAll(ctx)
			return
		}
		w.processBatch(ctx, claimed)
	}
}

func (w *ScrapeWorker) processBatch(ctx context.Context, claimed []queue.ClaimedJob) {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, c := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(c queue.ClaimedJob) {
			defer wg.Done()
			defer func() { <-sem }()

			tracker := w.trackerFor(ctx, c.Job)
			if err := w.pipe.Process(ctx, c.Job, tracker); err != nil {
				w.logger.Warn("job failed, releasing for retry",
					"url", c.Job.URL, "run_id", c.Job.RunID, "error", err)
				if rerr := w.queue.Release(ctx, c.ID); rerr != nil {
					w.logger.Error("job release failed", "job_id", c.ID, "error", rerr)
				}
				return
			}
			if err := w.queue.Complete(ctx, c.ID); err != nil {
				w.logger.Error("job complete failed", "job_id", c.ID, "error", err)
			}
		}(c)
	}
	wg.Wait()
}

func (w *ScrapeWorker) trackerFor(ctx context.Context, job models.URLJob) *pipeline.RunTracker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.trackers[job.RunID]; ok {
		return t
	}
	started := time.Now().UTC()
	t := pipeline.NewRunTracker(job.RunID, job.AdapterID, job.Trigger, started)
	w.trackers[job.RunID] = t

	// The run row may already exist when an operator enqueued it; the
	// insert is idempotent either way.
	if err := w.runs.CreateScrapeRun(ctx, &models.ScrapeRun{
		ID:        job.RunID,
		AdapterID: job.AdapterID,
		Trigger:   job.Trigger,
		Status:    models.RunStatusRunning,
		StartedAt: started,
	}); err != nil {
		w.logger.Warn("create run row failed", "run_id", job.RunID, "error", err)
	}
	return t
}

func (w *ScrapeWorker) finalizeAll(ctx context.Context) {
	w.mu.Lock()
	pending := make([]*pipeline.RunTracker, 0, len(w.trackers))
	for _, t := range w.trackers {
		pending = append(pending, t)
	}
	w.trackers = make(map[string]*pipeline.RunTracker)
	w.mu.Unlock()

	for _, t := range pending {
		if err := finalizeWithRetry(ctx, w.pipe, t); err != nil {
			w.logger.Error("run finalization failed",
				"run_id", t.RunID(), "adapter_id", t.AdapterID(), "error", err)
		}
	}
}

// finalizeWithRetry retries finalization while another process holds the
// adapter's finalize lock.
func finalizeWithRetry(ctx context.Context, pipe *pipeline.Pipeline, t *pipeline.RunTracker) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = pipe.Finalize(ctx, t)
		if err == nil || !errors.Is(err, drift.ErrFinalizeContended) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SweepStaleClaims periodically requeues claims abandoned by dead workers.
func SweepStaleClaims(ctx context.Context, q StaleRequeuer, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RequeueStale(ctx, staleClaimCutoff)
			if err != nil {
				logger.Error("stale claim sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("requeued stale claims", "count", n)
			}
		}
	}
}
