// Package writer persists validated offers: source product resolution,
// identifier rows, and provenance-tagged price records. Every write path is
// idempotent so a replayed run converges on the same rows.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ammoharvest/identity"
	"ammoharvest/models"
)

// Store is the persistence slice the writer needs. *storage.PostgresStore
// satisfies it; tests use a fake.
type Store interface {
	GetSourceProductByID(ctx context.Context, id uuid.UUID) (*models.SourceProduct, error)
	UpsertSourceProduct(ctx context.Context, p *models.SourceProduct) error
	UpsertProductIdentifier(ctx context.Context, pi *models.ProductIdentifier) error
	InsertPriceRecord(ctx context.Context, pr *models.PriceRecord) error
	LinkTargetToProduct(ctx context.Context, targetID int64, sourceProductID uuid.UUID) error
}

// WriteResult reports what one offer write did. Errors are carried, never
// panicked; a failed write is a run metric, not a crashed worker.
type WriteResult struct {
	SourceProductID uuid.UUID
	CreatedProduct  bool
	PriceWritten    bool

	// ReconcileWarning is set when an explicitly linked product's stored
	// identity key disagrees with the incoming offer's derived key. The
	// stored key always wins; the mismatch is surfaced for operators.
	ReconcileWarning string

	Err error
}

// OfferWriter resolves offers to source products and writes prices.
type OfferWriter struct {
	store  Store
	logger *slog.Logger
}

func NewOfferWriter(store Store, logger *slog.Logger) *OfferWriter {
	return &OfferWriter{store: store, logger: logger}
}

// Write persists one validated offer for a job. Resolution precedence:
//
//  1. The job's explicit source product link, when present. The stored
//     identity key is authoritative; a derived-key mismatch logs a
//     reconciliation warning and changes nothing.
//  2. Upsert by (source_id, identity_key).
func (w *OfferWriter) Write(ctx context.Context, job models.URLJob, offer *models.ScrapedOffer) WriteResult {
	if offer == nil {
		return WriteResult{Err: fmt.Errorf("nil offer")}
	}

	var res WriteResult

	product, err := w.resolveProduct(ctx, job, offer, &res)
	if err != nil {
		res.Err = err
		return res
	}
	res.SourceProductID = product.ID

	if job.TargetID != 0 {
		if err := w.store.LinkTargetToProduct(ctx, job.TargetID, product.ID); err != nil {
			w.logger.Warn("link target to product failed",
				"target_id", job.TargetID, "source_product_id", product.ID, "error", err)
		}
	}

	if err := w.writeIdentifiers(ctx, product.ID, offer); err != nil {
		res.Err = err
		return res
	}

	if err := w.writePrice(ctx, job, product.ID, offer); err != nil {
		res.Err = err
		return res
	}
	res.PriceWritten = true
	return res
}

func (w *OfferWriter) resolveProduct(ctx context.Context, job models.URLJob, offer *models.ScrapedOffer, res *WriteResult) (*models.SourceProduct, error) {
	if job.SourceProductID != "" {
		linkedID, perr := uuid.Parse(job.SourceProductID)
		if perr != nil {
			return nil, fmt.Errorf("parse linked product id %q: %w", job.SourceProductID, perr)
		}
		existing, err := w.store.GetSourceProductByID(ctx, linkedID)
		if err != nil {
			return nil, fmt.Errorf("load linked product: %w", err)
		}
		if existing != nil {
			if existing.IdentityKey != offer.IdentityKey {
				res.ReconcileWarning = fmt.Sprintf(
					"linked product %s has identity %q, offer derived %q; keeping stored identity",
					existing.ID, existing.IdentityKey, offer.IdentityKey)
				w.logger.Warn("identity reconciliation mismatch",
					"source_product_id", existing.ID,
					"stored_identity", existing.IdentityKey,
					"derived_identity", offer.IdentityKey,
					"url", offer.URL)
			}
			// Refresh display fields through the merge upsert without
			// touching the identity key.
			merged := productFromOffer(offer)
			merged.ID = existing.ID
			merged.IdentityKey = existing.IdentityKey
			merged.CreatedAt = existing.CreatedAt
			if err := w.store.UpsertSourceProduct(ctx, merged); err != nil {
				return nil, fmt.Errorf("refresh linked product: %w", err)
			}
			return merged, nil
		}
		w.logger.Warn("job links missing source product, falling back to identity upsert",
			"source_product_id", job.SourceProductID, "url", offer.URL)
	}

	p := productFromOffer(offer)
	freshID := p.ID
	if err := w.store.UpsertSourceProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("upsert source product: %w", err)
	}
	// The upsert returns the surviving row id; a merge into an existing
	// row swaps in the stored id.
	res.CreatedProduct = p.ID == freshID
	return p, nil
}

func productFromOffer(o *models.ScrapedOffer) *models.SourceProduct {
	now := time.Now().UTC()
	p := &models.SourceProduct{
		ID:          uuid.New(),
		SourceID:    o.SourceID,
		IdentityKey: o.IdentityKey,
		Title:       o.Title,
		URL:         o.URL,
		Brand:       o.Brand,
		Caliber:     o.Caliber,
		ImageURL:    o.ImageURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.GrainWeight > 0 {
		gw := o.GrainWeight
		p.GrainWeight = &gw
	}
	if o.RoundCount > 0 {
		rc := o.RoundCount
		p.RoundCount = &rc
	}
	return p
}

// writeIdentifiers records every external id on the offer. A UPC is the
// canonical identifier; a SKU is canonical only in its absence.
func (w *OfferWriter) writeIdentifiers(ctx context.Context, productID uuid.UUID, o *models.ScrapedOffer) error {
	type ident struct {
		idType, value string
		canonical     bool
	}

	upcValid := false
	if o.UPC != "" {
		upcValid = identity.ValidUPC(identity.NormalizeIdentifier(models.IDTypeUPC, o.UPC))
		if !upcValid {
			// A malformed UPC still gets recorded, but the SKU outranks it
			// as the canonical id.
			w.logger.Warn("invalid UPC check digit", "upc", o.UPC, "url", o.URL)
		}
	}

	var ids []ident
	if o.UPC != "" {
		ids = append(ids, ident{models.IDTypeUPC, o.UPC, upcValid})
	}
	if o.RetailerSKU != "" {
		ids = append(ids, ident{models.IDTypeRetailerSKU, o.RetailerSKU, !upcValid})
	}
	if o.RetailerProductID != "" {
		ids = append(ids, ident{models.IDTypeRetailerProductID, o.RetailerProductID, false})
	}

	for _, id := range ids {
		pi := &models.ProductIdentifier{
			SourceProductID: productID,
			IDType:          id.idType,
			IDValue:         id.value,
			Namespace:       o.RetailerID,
			NormalizedValue: identity.NormalizeIdentifier(id.idType, id.value),
			IsCanonical:     id.canonical,
		}
		if err := w.store.UpsertProductIdentifier(ctx, pi); err != nil {
			return fmt.Errorf("upsert identifier %s:%s: %w", id.idType, id.value, err)
		}
	}
	return nil
}

func (w *OfferWriter) writePrice(ctx context.Context, job models.URLJob, productID uuid.UUID, o *models.ScrapedOffer) error {
	pr := &models.PriceRecord{
		RetailerID:       o.RetailerID,
		SourceID:         o.SourceID,
		SourceProductID:  productID,
		Price:            models.CentsToDecimal(o.PriceCents),
		Currency:         o.Currency,
		URL:              o.URL,
		InStock:          o.Availability.Purchasable(),
		ObservedAt:       o.ObservedAt,
		IngestionRunType: string(job.Trigger),
		IngestionRunID:   job.RunID,
	}
	if o.ShippingCents > 0 {
		sc := models.CentsToDecimal(o.ShippingCents)
		pr.ShippingCost = &sc
	}
	if err := w.store.InsertPriceRecord(ctx, pr); err != nil {
		return fmt.Errorf("insert price record: %w", err)
	}
	return nil
}
