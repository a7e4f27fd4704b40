// Package adapters holds the per-retailer extraction contract and the
// explicit registry adapters are installed into at process start.
package adapters

import (
	"time"

	"ammoharvest/models"
)

// ScrapeContext carries per-job inputs into the pure adapter functions.
// ObservedAt is supplied by the pipeline so Extract stays deterministic for
// identical inputs; it is the adapter-observed timestamp, never a server
// write time.
type ScrapeContext struct {
	SourceID   string
	RetailerID string
	RunID      string
	ObservedAt time.Time
}

// ScrapeAdapter extracts and normalizes offers for one retailer. Both
// functions are pure: no I/O, no clock reads, no shared state.
//
// Version must increment whenever extraction logic changes; it is stamped
// onto every offer for provenance.
type ScrapeAdapter interface {
	ID() string
	Version() string
	Domain() string
	RequiresJSRendering() bool

	// Extract parses one product page. It always returns one of the two
	// ExtractResult shapes; an out-of-stock page with no displayed price is
	// the expected ExtractOOSNoPrice failure, not an error.
	Extract(html, url string, ctx ScrapeContext) models.ExtractResult

	// Normalize derives identity key, availability and computed fields,
	// then classifies the offer ok, drop or quarantine.
	Normalize(offer *models.ScrapedOffer, ctx ScrapeContext) models.NormalizeResult
}
