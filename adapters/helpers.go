package adapters

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ammoharvest/identity"
	"ammoharvest/models"
)

var (
	priceRe  = regexp.MustCompile(`\$?\s*([0-9][0-9,]*)(?:\.([0-9]{1,2}))?`)
	grainRe  = regexp.MustCompile(`(?i)\b([0-9]{2,3})\s*(?:gr|grain)\b`)
	roundsRe = regexp.MustCompile(`(?i)\b([0-9]{1,4})\s*(?:rd|rds|round|rounds|/?\s*(?:box|case))\b`)
)

// parsePriceCents converts price text like "$24.99" or "1,049.50" to
// integer cents.
func parsePriceCents(text string) (int64, error) {
	m := priceRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, fmt.Errorf("no price in %q", text)
	}
	dollars, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse dollars: %w", err)
	}
	cents := int64(0)
	if m[2] != "" {
		frac := m[2]
		if len(frac) == 1 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	return dollars*100 + cents, nil
}

// parseAvailability maps common stock phrasing to the availability enum.
// Anything unrecognized is UNKNOWN and will be dropped by the validator.
func parseAvailability(text string) models.Availability {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return models.AvailabilityUnknown
	case strings.Contains(t, "backorder"), strings.Contains(t, "back-order"):
		return models.AvailabilityBackorder
	case strings.Contains(t, "out of stock"), strings.Contains(t, "sold out"),
		strings.Contains(t, "unavailable"):
		return models.AvailabilityOutOfStock
	case strings.Contains(t, "in stock"), strings.Contains(t, "add to cart"),
		strings.Contains(t, "available"):
		return models.AvailabilityInStock
	}
	return models.AvailabilityUnknown
}

// parseGrainWeight pulls a grain weight out of a product title, 0 if none.
func parseGrainWeight(title string) int {
	m := grainRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// parseRoundCount pulls a round count out of a product title, 0 if none.
func parseRoundCount(title string) int {
	m := roundsRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// looksBlocked sniffs challenge/interstitial pages that come back with 200.
func looksBlocked(html string) bool {
	l := strings.ToLower(html)
	for _, marker := range []string{
		"captcha", "access denied", "are you a robot",
		"checking your browser", "request blocked",
	} {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}

// normalizeCommon applies the derivations shared by every adapter: v1
// currency default, identity key, cost per round. Classification beyond
// structural repair stays with the validator.
func normalizeCommon(offer *models.ScrapedOffer, ctx ScrapeContext) models.NormalizeResult {
	if offer == nil {
		return models.NormalizeDrop(models.DropMissingRequiredField, nil)
	}
	if offer.Currency == "" {
		offer.Currency = models.CurrencyUSD
	}
	if offer.SourceID == "" {
		offer.SourceID = ctx.SourceID
	}
	if offer.RetailerID == "" {
		offer.RetailerID = ctx.RetailerID
	}
	if offer.ObservedAt.IsZero() {
		offer.ObservedAt = ctx.ObservedAt
	}
	if offer.Caliber != "" {
		offer.Caliber = identity.NormalizeCaliber(offer.Caliber)
	}
	if offer.IdentityKey == "" {
		offer.IdentityKey = models.DeriveIdentityKey(offer)
	}
	if offer.CostPerRoundCents == 0 && offer.RoundCount > 0 {
		offer.CostPerRoundCents = models.DeriveCostPerRound(offer.PriceCents, offer.RoundCount)
	}
	return models.NormalizeOK(offer)
}
