// Package scheduler turns the configured cadence into scrape runs: on each
// tick it creates one run per adapter with active targets, enqueues their
// URLs and wakes the queue worker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ammoharvest/adapters"
	"ammoharvest/config"
	"ammoharvest/models"
	"ammoharvest/queue"
)

// batchLimit caps how many targets one scheduled run takes per adapter.
const batchLimit = 500

// Triggerable wakes a background worker outside its poll interval.
type Triggerable interface {
	Trigger()
}

// TargetStore provides the scheduler's persistence slice.
type TargetStore interface {
	GetActiveTargets(ctx context.Context, adapterID string, limit int) ([]models.ScrapeTarget, error)
	CreateScrapeRun(ctx context.Context, run *models.ScrapeRun) error
}

type Scheduler struct {
	cfg      *config.Config
	store    TargetStore
	producer queue.Producer
	registry *adapters.Registry
	worker   Triggerable
	logger   *slog.Logger

	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}
}

func New(cfg *config.Config, store TargetStore, producer queue.Producer, registry *adapters.Registry, worker Triggerable, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		producer: producer,
		registry: registry,
		worker:   worker,
		logger:   logger,
		cron:     cron.New(),
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Scheduler.Cron != "" {
		s.logger.Info("starting scheduler", "cron", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			if err := s.RunScheduled(ctx); err != nil {
				s.logger.Error("scheduled run failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		s.logger.Info("starting scheduler", "interval", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					if err := s.RunScheduled(ctx); err != nil {
						s.logger.Error("scheduled run failed", "error", err)
					}
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		s.logger.Info("no schedule configured, daemon serves queue jobs only")
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// RunScheduled enqueues one run per adapter that has active targets.
func (s *Scheduler) RunScheduled(ctx context.Context) error {
	var lastErr error
	for _, adapterID := range s.registry.List() {
		if err := s.runAdapter(ctx, adapterID); err != nil {
			s.logger.Error("adapter batch enqueue failed", "adapter_id", adapterID, "error", err)
			lastErr = err
		}
	}
	if s.worker != nil {
		s.worker.Trigger()
	}
	return lastErr
}

func (s *Scheduler) runAdapter(ctx context.Context, adapterID string) error {
	targets, err := s.store.GetActiveTargets(ctx, adapterID, batchLimit)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	runID := uuid.New().String()
	run := &models.ScrapeRun{
		ID:        runID,
		AdapterID: adapterID,
		Trigger:   models.TriggerScheduled,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateScrapeRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	enqueued := 0
	for _, t := range targets {
		job := models.URLJob{
			TargetID:   t.ID,
			URL:        t.URL,
			SourceID:   t.SourceID,
			RetailerID: t.RetailerID,
			AdapterID:  t.AdapterID,
			RunID:      runID,
			Trigger:    models.TriggerScheduled,
		}
		if t.SourceProductID != nil {
			job.SourceProductID = t.SourceProductID.String()
		}
		if err := s.producer.Enqueue(ctx, job); err != nil {
			s.logger.Error("enqueue target failed", "url", t.URL, "error", err)
			continue
		}
		enqueued++
	}

	s.logger.Info("scheduled run enqueued",
		"run_id", runID, "adapter_id", adapterID, "targets", enqueued)
	return nil
}
