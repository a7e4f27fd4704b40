package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ammoharvest/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Source Products
// =============================================================================

// UpsertSourceProduct inserts or merges by (source_id, identity_key). The
// identity key is never updated by the merge; display fields are, with
// empty incoming values losing to stored ones.
func (s *PostgresStore) UpsertSourceProduct(ctx context.Context, p *models.SourceProduct) error {
	query := `
		INSERT INTO source_products (
			id, source_id, identity_key, title, url, brand, caliber,
			grain_weight, round_count, image_url, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (source_id, identity_key) DO UPDATE SET
			title = COALESCE(NULLIF(EXCLUDED.title, ''), source_products.title),
			url = COALESCE(NULLIF(EXCLUDED.url, ''), source_products.url),
			brand = COALESCE(NULLIF(EXCLUDED.brand, ''), source_products.brand),
			caliber = COALESCE(NULLIF(EXCLUDED.caliber, ''), source_products.caliber),
			grain_weight = COALESCE(EXCLUDED.grain_weight, source_products.grain_weight),
			round_count = COALESCE(EXCLUDED.round_count, source_products.round_count),
			image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), source_products.image_url),
			updated_at = NOW()
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		p.ID, p.SourceID, p.IdentityKey, p.Title, p.URL, p.Brand, p.Caliber,
		p.GrainWeight, p.RoundCount, p.ImageURL, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
}

func (s *PostgresStore) GetSourceProductByIdentity(ctx context.Context, sourceID, identityKey string) (*models.SourceProduct, error) {
	query := `
		SELECT id, source_id, identity_key, title, url, brand, caliber,
			grain_weight, round_count, image_url, created_at, updated_at
		FROM source_products WHERE source_id = $1 AND identity_key = $2`

	var p models.SourceProduct
	err := s.pool.QueryRow(ctx, query, sourceID, identityKey).Scan(
		&p.ID, &p.SourceID, &p.IdentityKey, &p.Title, &p.URL, &p.Brand, &p.Caliber,
		&p.GrainWeight, &p.RoundCount, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetSourceProductByID(ctx context.Context, id uuid.UUID) (*models.SourceProduct, error) {
	query := `
		SELECT id, source_id, identity_key, title, url, brand, caliber,
			grain_weight, round_count, image_url, created_at, updated_at
		FROM source_products WHERE id = $1`

	var p models.SourceProduct
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.SourceID, &p.IdentityKey, &p.Title, &p.URL, &p.Brand, &p.Caliber,
		&p.GrainWeight, &p.RoundCount, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// Product Identifiers
// =============================================================================

func (s *PostgresStore) UpsertProductIdentifier(ctx context.Context, pi *models.ProductIdentifier) error {
	query := `
		INSERT INTO product_identifiers (source_product_id, id_type, id_value, namespace, normalized_value, is_canonical)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_product_id, id_type, id_value) DO UPDATE SET
			is_canonical = EXCLUDED.is_canonical`

	_, err := s.pool.Exec(ctx, query,
		pi.SourceProductID, pi.IDType, pi.IDValue, pi.Namespace, pi.NormalizedValue, pi.IsCanonical)
	return err
}

// =============================================================================
// Prices
// =============================================================================

// InsertPriceRecord is idempotent on (source_product_id, retailer_id,
// observed_at, ingestion_run_id): replaying a run never doubles a price row.
func (s *PostgresStore) InsertPriceRecord(ctx context.Context, pr *models.PriceRecord) error {
	query := `
		INSERT INTO price_records (
			retailer_id, source_id, source_product_id, price, currency, url,
			in_stock, observed_at, shipping_cost, ingestion_run_type, ingestion_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_product_id, retailer_id, observed_at, ingestion_run_id) DO NOTHING
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		pr.RetailerID, pr.SourceID, pr.SourceProductID, pr.Price, pr.Currency, pr.URL,
		pr.InStock, pr.ObservedAt, pr.ShippingCost, pr.IngestionRunType, pr.IngestionRunID,
	).Scan(&pr.ID)

	if err == pgx.ErrNoRows {
		return nil // replayed write, row already exists
	}
	return err
}

func (s *PostgresStore) GetLatestPriceRecord(ctx context.Context, sourceProductID uuid.UUID, retailerID string) (*models.PriceRecord, error) {
	query := `
		SELECT id, retailer_id, source_id, source_product_id, price, currency, url,
			in_stock, observed_at, shipping_cost, ingestion_run_type, ingestion_run_id
		FROM price_records
		WHERE source_product_id = $1 AND retailer_id = $2
		ORDER BY observed_at DESC
		LIMIT 1`

	var pr models.PriceRecord
	err := s.pool.QueryRow(ctx, query, sourceProductID, retailerID).Scan(
		&pr.ID, &pr.RetailerID, &pr.SourceID, &pr.SourceProductID, &pr.Price, &pr.Currency, &pr.URL,
		&pr.InStock, &pr.ObservedAt, &pr.ShippingCost, &pr.IngestionRunType, &pr.IngestionRunID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// =============================================================================
// Quarantine
// =============================================================================

func (s *PostgresStore) InsertQuarantinedOffer(ctx context.Context, q *models.QuarantinedOffer) error {
	query := `
		INSERT INTO quarantined_offers (run_id, retailer_id, reason, offer, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		q.RunID, q.RetailerID, q.Reason, q.Offer, q.CreatedAt,
	).Scan(&q.ID)
}

// =============================================================================
// Scrape Targets
// =============================================================================

func (s *PostgresStore) GetActiveTargets(ctx context.Context, adapterID string, limit int) ([]models.ScrapeTarget, error) {
	query := `
		SELECT id, url, source_id, retailer_id, adapter_id, status,
			last_scraped_at, last_status, consecutive_failures, source_product_id
		FROM scrape_targets
		WHERE adapter_id = $1 AND status = 'ACTIVE'
		ORDER BY last_scraped_at NULLS FIRST
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, adapterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.ScrapeTarget
	for rows.Next() {
		var t models.ScrapeTarget
		if err := rows.Scan(
			&t.ID, &t.URL, &t.SourceID, &t.RetailerID, &t.AdapterID, &t.Status,
			&t.LastScrapedAt, &t.LastStatus, &t.ConsecutiveFailures, &t.SourceProductID,
		); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// RecordTargetResult updates per-URL tracking after a fetch attempt.
// Failures increment the consecutive counter, success resets it.
func (s *PostgresStore) RecordTargetResult(ctx context.Context, targetID int64, lastStatus string, failed bool) (int, error) {
	query := `
		UPDATE scrape_targets SET
			last_scraped_at = NOW(),
			last_status = $2,
			consecutive_failures = CASE WHEN $3 THEN consecutive_failures + 1 ELSE 0 END
		WHERE id = $1
		RETURNING consecutive_failures`

	var failures int
	err := s.pool.QueryRow(ctx, query, targetID, lastStatus, failed).Scan(&failures)
	return failures, err
}

func (s *PostgresStore) SetTargetStatus(ctx context.Context, targetID int64, status models.TargetStatus) error {
	query := `UPDATE scrape_targets SET status = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, targetID, status)
	return err
}

// DisableTargetsForAdapter flips every ACTIVE target of an adapter to
// DISABLED. Used by drift auto-disable; re-enabling is manual.
func (s *PostgresStore) DisableTargetsForAdapter(ctx context.Context, adapterID string) (int64, error) {
	query := `UPDATE scrape_targets SET status = 'DISABLED' WHERE adapter_id = $1 AND status = 'ACTIVE'`
	tag, err := s.pool.Exec(ctx, query, adapterID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LinkTargetToProduct(ctx context.Context, targetID int64, sourceProductID uuid.UUID) error {
	query := `UPDATE scrape_targets SET source_product_id = $2 WHERE id = $1 AND source_product_id IS NULL`
	_, err := s.pool.Exec(ctx, query, targetID, sourceProductID)
	return err
}

// =============================================================================
// Scrape Runs
// =============================================================================

func (s *PostgresStore) CreateScrapeRun(ctx context.Context, run *models.ScrapeRun) error {
	query := `
		INSERT INTO scrape_runs (id, adapter_id, trigger, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		run.ID, run.AdapterID, run.Trigger, run.Status, run.StartedAt)
	return err
}

func (s *PostgresStore) FinalizeScrapeRun(ctx context.Context, run *models.ScrapeRun) error {
	query := `
		UPDATE scrape_runs SET
			status = $2, completed_at = $3, duration_ms = $4,
			urls_attempted = $5, urls_succeeded = $6, urls_failed = $7,
			offers_extracted = $8, offers_valid = $9, offers_dropped = $10,
			offers_quarantined = $11, oos_no_price_count = $12, zero_price_count = $13,
			failure_rate = $14, drop_rate = $15, yield_rate = $16
		WHERE id = $1`

	m := run.Metrics
	d := run.Derived
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.Status, run.CompletedAt, run.DurationMs,
		m.URLsAttempted, m.URLsSucceeded, m.URLsFailed,
		m.OffersExtracted, m.OffersValid, m.OffersDropped,
		m.OffersQuarantined, m.OOSNoPriceCount, m.ZeroPriceCount,
		d.FailureRate, d.DropRate, d.YieldRate,
	)
	return err
}

// GetRecentDerivedMetrics returns the derived metrics of the most recent
// completed runs for an adapter, newest first. Feeds the drift baseline.
func (s *PostgresStore) GetRecentDerivedMetrics(ctx context.Context, adapterID string, limit int) ([]models.DerivedMetrics, error) {
	query := `
		SELECT failure_rate, drop_rate, yield_rate
		FROM scrape_runs
		WHERE adapter_id = $1 AND completed_at IS NOT NULL AND urls_attempted >= 20
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, adapterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.DerivedMetrics
	for rows.Next() {
		var d models.DerivedMetrics
		if err := rows.Scan(&d.FailureRate, &d.DropRate, &d.YieldRate); err != nil {
			return nil, err
		}
		metrics = append(metrics, d)
	}
	return metrics, rows.Err()
}

// =============================================================================
// Run Logs
// =============================================================================

func (s *PostgresStore) CreateRunLog(ctx context.Context, log *models.RunLog) error {
	query := `
		INSERT INTO run_logs (run_id, timestamp, level, message, adapter_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		log.RunID, log.Timestamp, log.Level, log.Message, log.AdapterID,
	).Scan(&log.ID)
}
