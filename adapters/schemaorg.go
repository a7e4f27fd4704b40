package adapters

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ammoharvest/models"
)

// SchemaOrgAdapter extracts offers from schema.org Product JSON-LD blocks.
// One instance is configured per retailer whose pages carry structured
// data, which keeps selector churn out of those adapters entirely.
type SchemaOrgAdapter struct {
	id      string
	version string
	domain  string
}

// NewSchemaOrgAdapter builds a JSON-LD adapter for one retailer.
func NewSchemaOrgAdapter(id, version, domain string) *SchemaOrgAdapter {
	return &SchemaOrgAdapter{id: id, version: version, domain: domain}
}

func (a *SchemaOrgAdapter) ID() string                { return a.id }
func (a *SchemaOrgAdapter) Version() string           { return a.version }
func (a *SchemaOrgAdapter) Domain() string            { return a.domain }
func (a *SchemaOrgAdapter) RequiresJSRendering() bool { return false }

type ldProduct struct {
	Type  string   `json:"@type"`
	Name  string   `json:"name"`
	SKU   string   `json:"sku"`
	GTIN  string   `json:"gtin13"`
	GTIN2 string   `json:"gtin12"`
	Brand ldBrand  `json:"brand"`
	Image ldImage  `json:"image"`
	Offer ldOffers `json:"offers"`
	ID    string   `json:"productID"`
}

type ldBrand struct {
	Name string `json:"name"`
}

func (b *ldBrand) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.Name = s
		return nil
	}
	type alias ldBrand
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	b.Name = a.Name
	return nil
}

type ldImage struct {
	URL string
}

func (i *ldImage) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.URL = s
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) > 0 {
			i.URL = list[0]
		}
		return nil
	}
	return nil
}

type ldOffers struct {
	Price        json.Number `json:"price"`
	Currency     string      `json:"priceCurrency"`
	Availability string      `json:"availability"`
}

func (a *SchemaOrgAdapter) Extract(html, url string, ctx ScrapeContext) models.ExtractResult {
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

	var product *ldProduct
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if p := decodeProduct(s.Text()); p != nil {
			product = p
			return false
		}
		return true
	})
	if product == nil {
		return models.ExtractFail(models.ExtractSelectorNotFound, "ld+json Product")
	}
	if product.Name == "" {
		return models.ExtractFail(models.ExtractTitleNotFound, "ld+json name")
	}

	availability := ldAvailability(product.Offer.Availability)

	priceCents, perr := ldPriceCents(product.Offer.Price)
	if perr != nil {
		if availability == models.AvailabilityOutOfStock {
			return models.ExtractFail(models.ExtractOOSNoPrice, "")
		}
		return models.ExtractFail(models.ExtractPriceNotFound, perr.Error())
	}

	upc := product.GTIN
	if upc == "" {
		upc = product.GTIN2
	}

	offer := &models.ScrapedOffer{
		URL:               url,
		Title:             product.Name,
		PriceCents:        priceCents,
		Currency:          product.Offer.Currency,
		Availability:      availability,
		AdapterVersion:    a.version,
		RetailerSKU:       product.SKU,
		RetailerProductID: product.ID,
		UPC:               upc,
		Brand:             product.Brand.Name,
		ImageURL:          product.Image.URL,
		GrainWeight:       parseGrainWeight(product.Name),
		RoundCount:        parseRoundCount(product.Name),
	}
	return models.ExtractOK(offer)
}

func (a *SchemaOrgAdapter) Normalize(offer *models.ScrapedOffer, ctx ScrapeContext) models.NormalizeResult {
	if offer != nil && offer.Currency != "" && offer.Currency != models.CurrencyUSD {
		// Non-USD structured data shows up on mirrored international pages;
		// hold those for review instead of poisoning the price stream.
		return models.NormalizeQuarantine(models.QuarantineNormalizationFailed, offer)
	}
	return normalizeCommon(offer, ctx)
}

// decodeProduct parses one JSON-LD block, accepting a bare Product, an
// array, or an @graph wrapper.
func decodeProduct(text string) *ldProduct {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var p ldProduct
	if err := json.Unmarshal([]byte(text), &p); err == nil && p.Type == "Product" {
		return &p
	}

	var list []ldProduct
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		for i := range list {
			if list[i].Type == "Product" {
				return &list[i]
			}
		}
	}

	var graph struct {
		Graph []ldProduct `json:"@graph"`
	}
	if err := json.Unmarshal([]byte(text), &graph); err == nil {
		for i := range graph.Graph {
			if graph.Graph[i].Type == "Product" {
				return &graph.Graph[i]
			}
		}
	}
	return nil
}

func ldAvailability(s string) models.Availability {
	switch {
	case strings.Contains(s, "InStock"), strings.Contains(s, "LimitedAvailability"):
		return models.AvailabilityInStock
	case strings.Contains(s, "OutOfStock"), strings.Contains(s, "SoldOut"),
		strings.Contains(s, "Discontinued"):
		return models.AvailabilityOutOfStock
	case strings.Contains(s, "BackOrder"), strings.Contains(s, "PreOrder"):
		return models.AvailabilityBackorder
	}
	return models.AvailabilityUnknown
}

func ldPriceCents(n json.Number) (int64, error) {
	return parsePriceCents(n.String())
}
