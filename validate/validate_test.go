package validate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"ammoharvest/coord"
	"ammoharvest/dedup"
	"ammoharvest/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validOffer() *models.ScrapedOffer {
	return &models.ScrapedOffer{
		SourceID:       "ammoking",
		RetailerID:     "ammoking",
		URL:            "https://ammoking.com/p/federal-9mm",
		Title:          "Federal 9mm 115gr FMJ 50rds",
		PriceCents:     2499,
		Currency:       models.CurrencyUSD,
		Availability:   models.AvailabilityInStock,
		ObservedAt:     time.Now().UTC(),
		IdentityKey:    "SKU:FED-9MM-115",
		AdapterVersion: "1.2.0",
	}
}

func newValidator() *OfferValidator {
	return NewOfferValidator(dedup.NewRunDedupStore(coord.NewMemStore(), testLogger()))
}

func TestValidateAcceptsCompleteOffer(t *testing.T) {
	v := newValidator()
	res := v.Validate(context.Background(), "run-1", validOffer())
	if res.Status() != models.NormalizeStatusOK {
		t.Fatalf("status = %s, want ok (drop=%s quarantine=%s)", res.Status(), res.Drop(), res.Quarantine())
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	mutations := map[string]func(*models.ScrapedOffer){
		"source":             func(o *models.ScrapedOffer) { o.SourceID = "" },
		"retailer":           func(o *models.ScrapedOffer) { o.RetailerID = "" },
		"url":                func(o *models.ScrapedOffer) { o.URL = "" },
		"title":              func(o *models.ScrapedOffer) { o.Title = "" },
		"identity":           func(o *models.ScrapedOffer) { o.IdentityKey = "" },
		"version":            func(o *models.ScrapedOffer) { o.AdapterVersion = "" },
		"observed_at":        func(o *models.ScrapedOffer) { o.ObservedAt = time.Time{} },
		"currency":           func(o *models.ScrapedOffer) { o.Currency = "EUR" },
		"availability_empty": func(o *models.ScrapedOffer) { o.Availability = "" },
		"availability_bogus": func(o *models.ScrapedOffer) { o.Availability = "MAYBE" },
	}
	v := newValidator()
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			o := validOffer()
			mutate(o)
			res := v.Validate(context.Background(), "run-1", o)
			if res.Status() != models.NormalizeStatusDrop || res.Drop() != models.DropMissingRequiredField {
				t.Fatalf("got status=%s drop=%s, want drop MISSING_REQUIRED_FIELD", res.Status(), res.Drop())
			}
		})
	}
}

func TestValidateNilOfferDrops(t *testing.T) {
	res := newValidator().Validate(context.Background(), "run-1", nil)
	if res.Status() != models.NormalizeStatusDrop || res.Drop() != models.DropMissingRequiredField {
		t.Fatalf("nil offer: status=%s drop=%s", res.Status(), res.Drop())
	}
}

func TestValidateUnknownAvailabilityDrops(t *testing.T) {
	o := validOffer()
	o.Availability = models.AvailabilityUnknown
	res := newValidator().Validate(context.Background(), "run-1", o)
	if res.Drop() != models.DropUnknownAvailability {
		t.Fatalf("drop = %s, want UNKNOWN_AVAILABILITY", res.Drop())
	}
}

func TestValidateZeroPriceQuarantinesBeforeBoundsCheck(t *testing.T) {
	o := validOffer()
	o.PriceCents = 0
	res := newValidator().Validate(context.Background(), "run-1", o)
	if res.Status() != models.NormalizeStatusQuarantine {
		t.Fatalf("status = %s, want quarantine", res.Status())
	}
	if res.Quarantine() != models.QuarantineZeroPriceExtracted {
		t.Fatalf("reason = %s, want ZERO_PRICE_EXTRACTED", res.Quarantine())
	}
}

func TestValidatePriceBounds(t *testing.T) {
	v := newValidator()
	for _, cents := range []int64{-100, 100_000_000} {
		o := validOffer()
		o.PriceCents = cents
		res := v.Validate(context.Background(), "run-1", o)
		if res.Drop() != models.DropInvalidPrice {
			t.Errorf("price %d: drop = %s, want INVALID_PRICE", cents, res.Drop())
		}
	}

	o := validOffer()
	o.PriceCents = 99_999_999
	if res := v.Validate(context.Background(), "run-1", o); res.Status() != models.NormalizeStatusOK {
		t.Errorf("max price should pass, got %s", res.Status())
	}
}

func TestValidateBadURLDrops(t *testing.T) {
	v := newValidator()
	for _, raw := range []string{"ftp://ammoking.com/p/1", "not a url at all", "https://ammoking.com/p/1#frag", "/relative/path"} {
		o := validOffer()
		o.URL = raw
		res := v.Validate(context.Background(), "run-1", o)
		if res.Drop() != models.DropInvalidURL {
			t.Errorf("url %q: drop = %s, want INVALID_URL", raw, res.Drop())
		}
	}
}

func TestValidateDuplicateWithinRun(t *testing.T) {
	v := newValidator()
	ctx := context.Background()

	first := v.Validate(ctx, "run-1", validOffer())
	if first.Status() != models.NormalizeStatusOK {
		t.Fatalf("first offer: %s", first.Status())
	}

	second := v.Validate(ctx, "run-1", validOffer())
	if second.Drop() != models.DropDuplicateWithinRun {
		t.Fatalf("second offer: drop = %s, want DUPLICATE_WITHIN_RUN", second.Drop())
	}

	// Same identity in a different run is not a duplicate.
	other := v.Validate(ctx, "run-2", validOffer())
	if other.Status() != models.NormalizeStatusOK {
		t.Fatalf("different run: %s", other.Status())
	}
}

func TestValidateDedupFailsOpen(t *testing.T) {
	store := coord.NewMemStore()
	store.Fail = true
	v := NewOfferValidator(dedup.NewRunDedupStore(store, testLogger()))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res := v.Validate(ctx, "run-1", validOffer())
		if res.Status() != models.NormalizeStatusOK {
			t.Fatalf("attempt %d: store down must pass offers through, got %s", i, res.Status())
		}
	}
}
