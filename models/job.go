package models

// Trigger says what caused a URL job to be enqueued.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
	TriggerRetry     Trigger = "RETRY"
	TriggerRecheck   Trigger = "RECHECK"
)

// URLJob is one unit of work delivered by the external queue: scrape one
// target URL within one run.
type URLJob struct {
	TargetID   int64   `json:"target_id"`
	URL        string  `json:"url"`
	SourceID   string  `json:"source_id"`
	RetailerID string  `json:"retailer_id"`
	AdapterID  string  `json:"adapter_id"`
	RunID      string  `json:"run_id"`
	Priority   int     `json:"priority"`
	Trigger    Trigger `json:"trigger"`

	// SourceProductID carries the explicit canonical-record link for
	// price-refresh jobs; zero UUID string when absent.
	SourceProductID string `json:"source_product_id,omitempty"`
}
