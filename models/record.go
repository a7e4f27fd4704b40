package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceProduct is the canonical source-side record one retailer page maps
// to. IdentityKey is immutable once set; only display fields are mutable.
type SourceProduct struct {
	ID          uuid.UUID `json:"id" db:"id"`
	SourceID    string    `json:"source_id" db:"source_id"`
	IdentityKey string    `json:"identity_key" db:"identity_key"`
	Title       string    `json:"title" db:"title"`
	URL         string    `json:"url" db:"url"`
	Brand       string    `json:"brand" db:"brand"`
	Caliber     string    `json:"caliber" db:"caliber"`
	GrainWeight *int      `json:"grain_weight" db:"grain_weight"`
	RoundCount  *int      `json:"round_count" db:"round_count"`
	ImageURL    string    `json:"image_url" db:"image_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ProductIdentifier links an external id (UPC, retailer SKU) to a source
// product. A UPC is canonical; a SKU is canonical only when no UPC exists.
type ProductIdentifier struct {
	SourceProductID uuid.UUID `json:"source_product_id" db:"source_product_id"`
	IDType          string    `json:"id_type" db:"id_type"`
	IDValue         string    `json:"id_value" db:"id_value"`
	Namespace       string    `json:"namespace" db:"namespace"`
	NormalizedValue string    `json:"normalized_value" db:"normalized_value"`
	IsCanonical     bool      `json:"is_canonical" db:"is_canonical"`
}

// PriceRecord is one observed price with full provenance. Price is the
// store's decimal string representation, produced from integer cents at
// this boundary and nowhere earlier.
type PriceRecord struct {
	ID               int64      `json:"id" db:"id"`
	RetailerID       string     `json:"retailer_id" db:"retailer_id"`
	SourceID         string     `json:"source_id" db:"source_id"`
	SourceProductID  uuid.UUID  `json:"source_product_id" db:"source_product_id"`
	Price            string     `json:"price" db:"price"`
	Currency         string     `json:"currency" db:"currency"`
	URL              string     `json:"url" db:"url"`
	InStock          bool       `json:"in_stock" db:"in_stock"`
	ObservedAt       time.Time  `json:"observed_at" db:"observed_at"`
	ShippingCost     *string    `json:"shipping_cost" db:"shipping_cost"`
	IngestionRunType string     `json:"ingestion_run_type" db:"ingestion_run_type"`
	IngestionRunID   string     `json:"ingestion_run_id" db:"ingestion_run_id"`
}

// QuarantinedOffer is an offer held for human review, excluded from the
// live price stream.
type QuarantinedOffer struct {
	ID         int64            `json:"id" db:"id"`
	RunID      string           `json:"run_id" db:"run_id"`
	RetailerID string           `json:"retailer_id" db:"retailer_id"`
	Reason     QuarantineReason `json:"reason" db:"reason"`
	Offer      json.RawMessage  `json:"offer" db:"offer"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// ScrapeTarget is the per-URL tracking record.
type ScrapeTarget struct {
	ID                  int64        `json:"id" db:"id"`
	URL                 string       `json:"url" db:"url"`
	SourceID            string       `json:"source_id" db:"source_id"`
	RetailerID          string       `json:"retailer_id" db:"retailer_id"`
	AdapterID           string       `json:"adapter_id" db:"adapter_id"`
	Status              TargetStatus `json:"status" db:"status"`
	LastScrapedAt       *time.Time   `json:"last_scraped_at" db:"last_scraped_at"`
	LastStatus          string       `json:"last_status" db:"last_status"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	SourceProductID     *uuid.UUID   `json:"source_product_id" db:"source_product_id"`
}

// CentsToDecimal renders integer cents as the store's decimal string.
func CentsToDecimal(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
