package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Availability is the stock state an adapter derived from the page.
type Availability string

const (
	AvailabilityInStock    Availability = "IN_STOCK"
	AvailabilityOutOfStock Availability = "OUT_OF_STOCK"
	AvailabilityBackorder  Availability = "BACKORDER"
	AvailabilityUnknown    Availability = "UNKNOWN"
)

// Purchasable reports whether the state maps to "buyable now" for alerting.
// BACKORDER counts as not purchasable.
func (a Availability) Purchasable() bool {
	return a == AvailabilityInStock
}

// Identity key id types, in resolution priority order.
const (
	IDTypeRetailerProductID = "RPID"
	IDTypeRetailerSKU       = "SKU"
	IDTypeUPC               = "UPC"
	IDTypeURLHash           = "URLHASH"
)

// CurrencyUSD is the only member of the v1 currency set.
const CurrencyUSD = "USD"

// ScrapedOffer is the adapter output contract. All monetary fields are
// integer cents; conversion to decimal happens at the persistence boundary.
type ScrapedOffer struct {
	SourceID       string       `json:"source_id"`
	RetailerID     string       `json:"retailer_id"`
	URL            string       `json:"url"`
	Title          string       `json:"title"`
	PriceCents     int64        `json:"price_cents"`
	Currency       string       `json:"currency"`
	Availability   Availability `json:"availability"`
	ObservedAt     time.Time    `json:"observed_at"`
	IdentityKey    string       `json:"identity_key"`
	AdapterVersion string       `json:"adapter_version"`

	RetailerSKU       string `json:"retailer_sku,omitempty"`
	RetailerProductID string `json:"retailer_product_id,omitempty"`
	UPC               string `json:"upc,omitempty"`
	Brand             string `json:"brand,omitempty"`
	Caliber           string `json:"caliber,omitempty"`
	GrainWeight       int    `json:"grain_weight,omitempty"`
	RoundCount        int    `json:"round_count,omitempty"`
	CaseMaterial      string `json:"case_material,omitempty"`
	BulletType        string `json:"bullet_type,omitempty"`
	LoadType          string `json:"load_type,omitempty"`
	ShellLength       string `json:"shell_length,omitempty"`
	CostPerRoundCents int64  `json:"cost_per_round_cents,omitempty"`
	ShippingCents     int64  `json:"shipping_cents,omitempty"`
	TaxIncluded       bool   `json:"tax_included,omitempty"`
	ImageURL          string `json:"image_url,omitempty"`
}

// IdentityKey builds the `{idType}:{idValue}` key string.
func IdentityKey(idType, idValue string) string {
	return fmt.Sprintf("%s:%s", idType, idValue)
}

// DeriveIdentityKey picks the strongest identifier available on the offer:
// retailer product id, then retailer SKU, then a hash of the canonical URL.
func DeriveIdentityKey(o *ScrapedOffer) string {
	switch {
	case o.RetailerProductID != "":
		return IdentityKey(IDTypeRetailerProductID, o.RetailerProductID)
	case o.RetailerSKU != "":
		return IdentityKey(IDTypeRetailerSKU, o.RetailerSKU)
	default:
		return IdentityKey(IDTypeURLHash, URLHash(o.URL))
	}
}

// URLHash returns a short stable hash of a canonical URL, used as the
// last-resort identity value.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

// DeriveCostPerRound computes cost per round in cents, rounding to nearest.
// Returns 0 when round count is unknown.
func DeriveCostPerRound(priceCents int64, roundCount int) int64 {
	if roundCount <= 0 {
		return 0
	}
	return (priceCents + int64(roundCount)/2) / int64(roundCount)
}
