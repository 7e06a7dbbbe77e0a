package product

import (
	"strings"
	"time"
)

// Market identifies a region-specific storefront bundle. The same ASIN
// yields distinct records per market (currency, storefront, partner tag).
type Market string

const (
	MarketDE Market = "DE"
	MarketUS Market = "US"
	MarketUK Market = "UK"
)

// DefaultMarket is the fallback when no signal resolves a market.
const DefaultMarket = MarketDE

func ParseMarket(raw string) (Market, bool) {
	switch Market(strings.ToUpper(strings.TrimSpace(raw))) {
	case MarketDE:
		return MarketDE, true
	case MarketUS:
		return MarketUS, true
	case MarketUK:
		return MarketUK, true
	default:
		return "", false
	}
}

func (m Market) Valid() bool {
	_, ok := ParseMarket(string(m))
	return ok
}

// Storefront returns the consumer-facing domain for a market.
func Storefront(m Market) string {
	switch m {
	case MarketUS:
		return "www.amazon.com"
	case MarketUK:
		return "www.amazon.co.uk"
	default:
		return "www.amazon.de"
	}
}

// Marketplace returns the marketplace identifier the upstream API expects.
func Marketplace(m Market) string {
	switch m {
	case MarketUK:
		return "www.amazon.co.uk"
	default:
		return "www.amazon." + strings.ToLower(string(m))
	}
}

// Offer is a price snapshot, never a live price; its age is tracked on the
// owning Product.
type Offer struct {
	// Amount in minor currency units (cents, pence).
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

type Product struct {
	ASIN         string    `json:"asin"`
	Title        string    `json:"title"`
	Brand        string    `json:"brand,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	Offer        *Offer    `json:"offer,omitempty"`
	Availability string    `json:"availability,omitempty"`
	AffiliateURL string    `json:"affiliateUrl"`
	LastFetched  time.Time `json:"lastFetched"`
	// OfferAgeMs is a read-time projection of now - LastFetched. It is
	// recomputed on every cache read, never trusted from storage.
	OfferAgeMs int64  `json:"offerAgeMs"`
	Market     Market `json:"market"`
}

// RefreshAge recomputes OfferAgeMs against now.
func (p *Product) RefreshAge(now time.Time) {
	age := now.Sub(p.LastFetched).Milliseconds()
	if age < 0 {
		age = 0
	}
	p.OfferAgeMs = age
}

// CacheKey builds the canonical cache key for a product record.
func CacheKey(asin string, market Market) string {
	return "amazon:product:" + string(market) + ":" + asin
}

// CachePrefix namespaces every key this service writes.
const CachePrefix = "amazon:"
