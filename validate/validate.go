// Package validate is the fail-closed gate between adapter output and the
// persistence layer. Nothing reaches the live price stream without passing
// every check here, in a fixed order, so a single malformed offer can be
// traced to exactly one drop or quarantine reason.
package validate

import (
	"context"
	"net/url"
	"strings"

	"ammoharvest/models"
)

// Price bounds in cents. A one-cent listing is a data error and a price
// above $999,999.99 is outside anything the ammunition market produces.
const (
	minPriceCents = 1
	maxPriceCents = 99_999_999
)

// DedupChecker reports whether an offer identity was already seen within
// the run, recording it as a side effect.
type DedupChecker interface {
	IsDuplicate(ctx context.Context, runID, sourceID, identityKey string) bool
}

// OfferValidator applies the ordered validation chain. It holds no mutable
// state of its own; run-scoped state lives in the dedup store.
type OfferValidator struct {
	dedup DedupChecker
}

func NewOfferValidator(dedup DedupChecker) *OfferValidator {
	return &OfferValidator{dedup: dedup}
}

// Validate classifies one normalized offer. Checks run in a fixed order and
// the first hit wins:
//
//	required fields -> availability -> zero price -> price bounds -> URL ->
//	run dedup -> ok
//
// Zero price quarantines before the bounds check so an extraction bug that
// yields 0 is reviewable instead of silently discarded.
func (v *OfferValidator) Validate(ctx context.Context, runID string, offer *models.ScrapedOffer) models.NormalizeResult {
	if offer == nil {
		return models.NormalizeDrop(models.DropMissingRequiredField, nil)
	}
	if missingRequired(offer) {
		return models.NormalizeDrop(models.DropMissingRequiredField, offer)
	}
	if offer.Availability == models.AvailabilityUnknown {
		return models.NormalizeDrop(models.DropUnknownAvailability, offer)
	}
	if offer.PriceCents == 0 {
		return models.NormalizeQuarantine(models.QuarantineZeroPriceExtracted, offer)
	}
	if offer.PriceCents < minPriceCents || offer.PriceCents > maxPriceCents {
		return models.NormalizeDrop(models.DropInvalidPrice, offer)
	}
	if !canonicalURL(offer.URL) {
		return models.NormalizeDrop(models.DropInvalidURL, offer)
	}
	if v.dedup != nil && v.dedup.IsDuplicate(ctx, runID, offer.SourceID, offer.IdentityKey) {
		return models.NormalizeDrop(models.DropDuplicateWithinRun, offer)
	}
	return models.NormalizeOK(offer)
}

func missingRequired(o *models.ScrapedOffer) bool {
	switch {
	case o.SourceID == "", o.RetailerID == "", o.URL == "", o.Title == "",
		o.IdentityKey == "", o.AdapterVersion == "", o.ObservedAt.IsZero():
		return true
	case o.Currency != models.CurrencyUSD:
		// The v1 currency set is USD only; anything else counts as an
		// invalid required field rather than a new enum case.
		return true
	case !knownAvailability(o.Availability):
		// The validator is independent of adapter discipline: an empty or
		// unrecognized availability is a missing field, not a pass-through.
		return true
	}
	return false
}

func knownAvailability(a models.Availability) bool {
	switch a {
	case models.AvailabilityInStock, models.AvailabilityOutOfStock,
		models.AvailabilityBackorder, models.AvailabilityUnknown:
		return true
	}
	return false
}

// canonicalURL requires an absolute http(s) URL with a host and no
// fragment. Query strings survive canonicalization upstream only when they
// select the product, so they are allowed here.
func canonicalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.Fragment != "" {
		return false
	}
	return !strings.ContainsAny(raw, " \t\n")
}
