// Package queue is the boundary to the URL job queue. The pipeline consumes
// jobs; who produced them (scheduler batches, manual rechecks, retries) is
// invisible to it.
package queue

import (
	"context"

	"ammoharvest/models"
)

// ClaimedJob is one dequeued job plus the queue's own handle for acking.
type ClaimedJob struct {
	ID  int64
	Job models.URLJob
}

// Consumer claims batches of pending jobs. A claimed job must be either
// Completed or Released; claims abandoned by a dead worker are recovered by
// the queue's requeue sweep.
type Consumer interface {
	Dequeue(ctx context.Context, limit int) ([]ClaimedJob, error)
	Complete(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64) error
}

// Producer enqueues jobs.
type Producer interface {
	Enqueue(ctx context.Context, job models.URLJob) error
}
