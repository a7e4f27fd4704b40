package adapters

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ammoharvest/models"
)

// AmmoKingAdapter scrapes ammoking.com product pages (static HTML,
// WooCommerce-style markup).
type AmmoKingAdapter struct{}

func NewAmmoKingAdapter() *AmmoKingAdapter { return &AmmoKingAdapter{} }

func (a *AmmoKingAdapter) ID() string                { return "ammoking" }
func (a *AmmoKingAdapter) Version() string           { return "1.2.0" }
func (a *AmmoKingAdapter) Domain() string            { return "ammoking.com" }
func (a *AmmoKingAdapter) RequiresJSRendering() bool { return false }

func (a *AmmoKingAdapter) Extract(html, url string, ctx ScrapeContext) models.ExtractResult {
	if strings.TrimSpace(html) == "" {
		return models.ExtractFail(models.ExtractEmptyPage, "")
	}
	if looksBlocked(html) {
		return models.ExtractFail(models.ExtractBlockedPage, "")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.ExtractFail(models.ExtractPageStructureChanged, err.Error())
	}

	product := doc.Find("div.product").First()
	if product.Length() == 0 {
		return models.ExtractFail(models.ExtractSelectorNotFound, "div.product")
	}

	title := strings.TrimSpace(product.Find("h1.product_title").Text())
	if title == "" {
		return models.ExtractFail(models.ExtractTitleNotFound, "h1.product_title")
	}

	availability := parseAvailability(product.Find("p.stock").Text())

	priceText := strings.TrimSpace(product.Find("p.price .woocommerce-Price-amount").First().Text())
	if priceText == "" {
		// An out-of-stock page with no displayed price is expected.
		if availability == models.AvailabilityOutOfStock {
			return models.ExtractFail(models.ExtractOOSNoPrice, "")
		}
		return models.ExtractFail(models.ExtractPriceNotFound, "p.price")
	}
	priceCents, err := parsePriceCents(priceText)
	if err != nil {
		return models.ExtractFail(models.ExtractPriceNotFound, err.Error())
	}

	offer := &models.ScrapedOffer{
		URL:            url,
		Title:          title,
		PriceCents:     priceCents,
		Availability:   availability,
		AdapterVersion: a.Version(),
		RetailerSKU:    strings.TrimSpace(product.Find("span.sku").Text()),
		ImageURL:       product.Find("div.woocommerce-product-gallery img").First().AttrOr("src", ""),
	}
	if pid, ok := product.Attr("data-product-id"); ok {
		offer.RetailerProductID = strings.TrimSpace(pid)
	}

	product.Find("table.woocommerce-product-attributes tr").Each(func(_ int, row *goquery.Selection) {
		label := strings.ToLower(strings.TrimSpace(row.Find("th").Text()))
		value := strings.TrimSpace(row.Find("td").Text())
		switch label {
		case "brand", "manufacturer":
			offer.Brand = value
		case "caliber":
			offer.Caliber = value
		case "bullet type":
			offer.BulletType = value
		case "case material", "casing":
			offer.CaseMaterial = value
		case "upc":
			offer.UPC = value
		}
	})

	offer.GrainWeight = parseGrainWeight(title)
	offer.RoundCount = parseRoundCount(title)

	return models.ExtractOK(offer)
}

func (a *AmmoKingAdapter) Normalize(offer *models.ScrapedOffer, ctx ScrapeContext) models.NormalizeResult {
	return normalizeCommon(offer, ctx)
}
