package models

import "time"

// RunStatus is the operator-visible outcome of a scrape run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusSuccess     RunStatus = "SUCCESS"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusQuarantined RunStatus = "QUARANTINED"
)

// TargetStatus tracks a single target URL. BROKEN is terminal until an
// operator resets it.
type TargetStatus string

const (
	TargetStatusActive   TargetStatus = "ACTIVE"
	TargetStatusDisabled TargetStatus = "DISABLED"
	TargetStatusBroken   TargetStatus = "BROKEN"
)

// ScrapeRunMetrics accumulates for the duration of one run, is finalized
// once, and feeds the baseline update exactly once per completed run.
type ScrapeRunMetrics struct {
	RunID             string `json:"run_id" db:"run_id"`
	AdapterID         string `json:"adapter_id" db:"adapter_id"`
	URLsAttempted     int    `json:"urls_attempted" db:"urls_attempted"`
	URLsSucceeded     int    `json:"urls_succeeded" db:"urls_succeeded"`
	URLsFailed        int    `json:"urls_failed" db:"urls_failed"`
	OffersExtracted   int    `json:"offers_extracted" db:"offers_extracted"`
	OffersValid       int    `json:"offers_valid" db:"offers_valid"`
	OffersDropped     int    `json:"offers_dropped" db:"offers_dropped"`
	OffersQuarantined int    `json:"offers_quarantined" db:"offers_quarantined"`
	OOSNoPriceCount   int    `json:"oos_no_price_count" db:"oos_no_price_count"`
	ZeroPriceCount    int    `json:"zero_price_count" db:"zero_price_count"`
}

// DerivedMetrics are the ratios the drift detector reasons over.
type DerivedMetrics struct {
	FailureRate float64 `json:"failure_rate" db:"failure_rate"`
	DropRate    float64 `json:"drop_rate" db:"drop_rate"`
	YieldRate   float64 `json:"yield_rate" db:"yield_rate"`
}

// DriftBaseline is the rolling median baseline over the trailing run window.
type DriftBaseline struct {
	MedianFailureRate float64 `json:"median_failure_rate"`
	MedianYieldRate   float64 `json:"median_yield_rate"`
	SampleSize        int     `json:"sample_size"`
	IsEstablished     bool    `json:"is_established"`
}

// ScrapeRun is the persisted run record.
type ScrapeRun struct {
	ID          string           `json:"id" db:"id"`
	AdapterID   string           `json:"adapter_id" db:"adapter_id"`
	Trigger     Trigger          `json:"trigger" db:"trigger"`
	Status      RunStatus        `json:"status" db:"status"`
	StartedAt   time.Time        `json:"started_at" db:"started_at"`
	CompletedAt *time.Time       `json:"completed_at" db:"completed_at"`
	DurationMs  int64            `json:"duration_ms" db:"duration_ms"`
	Metrics     ScrapeRunMetrics `json:"metrics"`
	Derived     DerivedMetrics   `json:"derived"`
}

// RunLog is a run-scoped log record mirrored to the store, informational only.
type RunLog struct {
	ID        int64     `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Level     string    `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	AdapterID string    `json:"adapter_id" db:"adapter_id"`
}
