package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ammoharvest/models"
)

// maxJobAttempts bounds how often a released job is retried before it is
// parked as dead.
const maxJobAttempts = 3

// PostgresQueue is a small claim-based job queue on the url_jobs table.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never fight over
// rows.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job models.URLJob) error {
	query := `
		INSERT INTO url_jobs (
			target_id, url, source_id, retailer_id, adapter_id, run_id,
			priority, trigger, source_product_id, status, attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 0, NOW())`

	_, err := q.pool.Exec(ctx, query,
		job.TargetID, job.URL, job.SourceID, job.RetailerID, job.AdapterID, job.RunID,
		job.Priority, job.Trigger, nullable(job.SourceProductID))
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context, limit int) ([]ClaimedJob, error) {
	query := `
		UPDATE url_jobs SET status = 'claimed', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM url_jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target_id, url, source_id, retailer_id, adapter_id, run_id,
			priority, trigger, COALESCE(source_product_id, '')`

	rows, err := q.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()

	var jobs []ClaimedJob
	for rows.Next() {
		var c ClaimedJob
		if err := rows.Scan(
			&c.ID, &c.Job.TargetID, &c.Job.URL, &c.Job.SourceID, &c.Job.RetailerID,
			&c.Job.AdapterID, &c.Job.RunID, &c.Job.Priority, &c.Job.Trigger,
			&c.Job.SourceProductID,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, c)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) Complete(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM url_jobs WHERE id = $1`, id)
	return err
}

// Release puts a claimed job back for retry, parking it as dead once its
// attempt budget is spent.
func (q *PostgresQueue) Release(ctx context.Context, id int64) error {
	query := `
		UPDATE url_jobs SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END,
			claimed_at = NULL
		WHERE id = $1`
	_, err := q.pool.Exec(ctx, query, id, maxJobAttempts)
	return err
}

// RequeueStale recovers claims older than the cutoff, for workers that died
// mid-job.
func (q *PostgresQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE url_jobs SET status = 'pending', claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < NOW() - $1::interval`
	tag, err := q.pool.Exec(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
