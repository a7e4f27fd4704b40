package models

// ExtractFailure classifies why an adapter could not produce an offer from a
// page. These are adapter-local and always surfaced explicitly; an adapter
// returning neither an offer nor a failure is a contract violation.
type ExtractFailure string

const (
	ExtractSelectorNotFound     ExtractFailure = "SELECTOR_NOT_FOUND"
	ExtractPriceNotFound        ExtractFailure = "PRICE_NOT_FOUND"
	ExtractTitleNotFound        ExtractFailure = "TITLE_NOT_FOUND"
	ExtractPageStructureChanged ExtractFailure = "PAGE_STRUCTURE_CHANGED"
	ExtractBlockedPage          ExtractFailure = "BLOCKED_PAGE"
	ExtractEmptyPage            ExtractFailure = "EMPTY_PAGE"
	// ExtractOOSNoPrice is expected behavior, not an error: the page shows
	// out-of-stock and displays no price to extract.
	ExtractOOSNoPrice ExtractFailure = "OOS_NO_PRICE"
)

// ExtractResult is the tagged result of Adapter.Extract. Exactly one of the
// two shapes exists: ok with an offer, or a failure with a reason.
type ExtractResult struct {
	ok      bool
	offer   *ScrapedOffer
	reason  ExtractFailure
	details string
}

// ExtractOK wraps a successfully extracted offer.
func ExtractOK(offer *ScrapedOffer) ExtractResult {
	return ExtractResult{ok: true, offer: offer}
}

// ExtractFail wraps an explicit extraction failure.
func ExtractFail(reason ExtractFailure, details string) ExtractResult {
	return ExtractResult{reason: reason, details: details}
}

func (r ExtractResult) OK() bool             { return r.ok }
func (r ExtractResult) Offer() *ScrapedOffer { return r.offer }

// Failure returns the reason and optional details; only meaningful when
// OK() is false.
func (r ExtractResult) Failure() (ExtractFailure, string) { return r.reason, r.details }

// DropReason says why an offer was discarded and never persisted.
type DropReason string

const (
	DropMissingRequiredField DropReason = "MISSING_REQUIRED_FIELD"
	DropInvalidPrice         DropReason = "INVALID_PRICE"
	DropInvalidURL           DropReason = "INVALID_URL"
	DropDuplicateWithinRun   DropReason = "DUPLICATE_WITHIN_RUN"
	DropBlockedByRobots      DropReason = "BLOCKED_BY_ROBOTS_TXT"
	DropOOSNoPrice           DropReason = "OOS_NO_PRICE"
	DropUnknownAvailability  DropReason = "UNKNOWN_AVAILABILITY"
)

// QuarantineReason says why an offer was routed to the review table instead
// of the live price stream.
type QuarantineReason string

const (
	QuarantineValidationFailed    QuarantineReason = "VALIDATION_FAILED"
	QuarantineDriftDetected       QuarantineReason = "DRIFT_DETECTED"
	QuarantineSelectorFailure     QuarantineReason = "SELECTOR_FAILURE"
	QuarantineNormalizationFailed QuarantineReason = "NORMALIZATION_FAILED"
	QuarantineZeroPriceExtracted  QuarantineReason = "ZERO_PRICE_EXTRACTED"
	QuarantineAmbiguousPrice      QuarantineReason = "AMBIGUOUS_PRICE"
)

// NormalizeStatus tags a NormalizeResult.
type NormalizeStatus string

const (
	NormalizeStatusOK         NormalizeStatus = "ok"
	NormalizeStatusDrop       NormalizeStatus = "drop"
	NormalizeStatusQuarantine NormalizeStatus = "quarantine"
)

// NormalizeResult is the tagged result of Adapter.Normalize and of the
// validator. drop offers are never persisted; quarantine offers go to the
// review table only.
type NormalizeResult struct {
	status     NormalizeStatus
	offer      *ScrapedOffer
	dropReason DropReason
	quarReason QuarantineReason
}

// NormalizeOK marks the offer valid for the live price stream.
func NormalizeOK(offer *ScrapedOffer) NormalizeResult {
	return NormalizeResult{status: NormalizeStatusOK, offer: offer}
}

// NormalizeDrop marks the offer discarded. The offer is kept on the result
// for logging and counters only.
func NormalizeDrop(reason DropReason, offer *ScrapedOffer) NormalizeResult {
	return NormalizeResult{status: NormalizeStatusDrop, offer: offer, dropReason: reason}
}

// NormalizeQuarantine marks the offer held for human review.
func NormalizeQuarantine(reason QuarantineReason, offer *ScrapedOffer) NormalizeResult {
	return NormalizeResult{status: NormalizeStatusQuarantine, offer: offer, quarReason: reason}
}

func (r NormalizeResult) Status() NormalizeStatus  { return r.status }
func (r NormalizeResult) Offer() *ScrapedOffer     { return r.offer }
func (r NormalizeResult) Drop() DropReason         { return r.dropReason }
func (r NormalizeResult) Quarantine() QuarantineReason { return r.quarReason }
