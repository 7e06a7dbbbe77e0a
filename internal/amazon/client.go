// Package amazon implements the signed PA API v5 product client with
// cache consultation, mock short-circuiting, and a stale-then-mock
// fallback chain.
package amazon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"afflink/internal/cache"
	"afflink/internal/metrics"
	"afflink/internal/product"
)

const getItemsPath = "/paapi5/getitems"

type Config struct {
	AccessKey string
	SecretKey string
	Markets   product.Markets
	// CacheTTL for fetched records; clamped by the store regardless.
	CacheTTL time.Duration
	// StaleThreshold is the age beyond which a cached record no longer
	// short-circuits a fetch.
	StaleThreshold time.Duration
	// UseMockData serves fixtures without touching network or cache.
	UseMockData bool
	// MockFallback allows fixture responses when the upstream fails and
	// no cached record exists. Gate it off in production so fixtures
	// cannot mask outages.
	MockFallback bool
	// BatchSize bounds ids per upstream request group; default 10.
	BatchSize int
	// BatchPause is the fixed delay between batches; default 1s.
	BatchPause time.Duration
	// Scheme defaults to https; plain http is for local stand-ins.
	Scheme string
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchPause <= 0 {
		c.BatchPause = time.Second
	}
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	return c
}

type Client struct {
	cfg   Config
	store cache.Store
	rec   *metrics.Recorder
	httpc *http.Client
	log   zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func NewClient(cfg Config, store cache.Store, rec *metrics.Recorder, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		store:  store,
		rec:    rec,
		httpc: &http.Client{Timeout: 10 * time.Second},
		log:   log.With().Str("component", "amazon-client").Logger(),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// GetProduct resolves an (asin, market) pair to a product record.
// Operational upstream failures never surface to the caller: the client
// falls back to a stale cached record, then to a fixture when mock
// fallback is enabled. Rate-limit and quota failures do surface so the
// limiter above can retry or fail distinctly. A nil record with nil error
// means not found.
func (c *Client) GetProduct(ctx context.Context, asin string, market product.Market) (*product.Product, error) {
	if !product.IsValidASIN(asin) {
		return nil, product.NewError(product.KindValidation, "invalid ASIN format, must be 10 alphanumeric characters")
	}
	if !market.Valid() {
		return nil, product.Errorf(product.KindValidation, "unknown market %q", market)
	}

	now := c.now()
	if c.cfg.UseMockData {
		c.log.Debug().Str("market", string(market)).Msg("serving mock data")
		return c.cfg.Markets.Mock(asin, market, now)
	}

	key := product.CacheKey(asin, market)
	cached := c.lookupCache(ctx, key, now)
	if cached != nil && time.Duration(cached.OfferAgeMs)*time.Millisecond < c.cfg.StaleThreshold {
		return cached, nil
	}

	fetched, err := c.fetch(ctx, asin, market)
	if err != nil {
		switch kind, _ := product.KindOf(err); kind {
		case product.KindConfig, product.KindValidation, product.KindRateLimited, product.KindQuotaExceeded:
			return nil, err
		}
		c.rec.Error(err, map[string]string{"market": string(market)})
		return c.fallback(cached, asin, market)
	}
	if fetched == nil {
		// Upstream answered but had no usable item.
		return c.fallback(cached, asin, market)
	}

	if data, err := json.Marshal(fetched); err == nil {
		c.store.Set(ctx, key, data, c.cfg.CacheTTL, c.now())
	}
	return fetched, nil
}

// GetProducts resolves ids sequentially in bounded groups with a fixed
// pause between groups. Ids that fail to resolve are dropped.
func (c *Client) GetProducts(ctx context.Context, asins []string, market product.Market) []*product.Product {
	results := make([]*product.Product, 0, len(asins))
	for start := 0; start < len(asins); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(asins) {
			end = len(asins)
		}
		batch := asins[start:end]
		found := make([]*product.Product, len(batch))
		var wg sync.WaitGroup
		for i, asin := range batch {
			wg.Add(1)
			go func(i int, asin string) {
				defer wg.Done()
				p, err := c.GetProduct(ctx, asin, market)
				if err == nil && p != nil {
					found[i] = p
				}
			}(i, asin)
		}
		wg.Wait()
		for _, p := range found {
			if p != nil {
				results = append(results, p)
			}
		}
		if end < len(asins) {
			c.sleep(c.cfg.BatchPause)
		}
	}
	return results
}

// lookupCache returns the cached record with its age recomputed against
// now, or nil. Staleness is a read-time projection, never a stored field.
func (c *Client) lookupCache(ctx context.Context, key string, now time.Time) *product.Product {
	data, ok := c.store.Get(ctx, key, now)
	c.rec.CacheAccess(ok, key)
	if !ok {
		return nil
	}
	var p product.Product
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("cached record decode failed")
		c.store.Delete(ctx, key)
		return nil
	}
	p.RefreshAge(now)
	return &p
}

// fallback serves the stale cached record when one exists, then a fixture
// when enabled. Only genuinely unknown ids end up nil.
func (c *Client) fallback(cached *product.Product, asin string, market product.Market) (*product.Product, error) {
	if cached != nil {
		cached.RefreshAge(c.now())
		c.log.Warn().Str("market", string(market)).Msg("serving stale cached record after upstream failure")
		return cached, nil
	}
	if !c.cfg.MockFallback {
		return nil, nil
	}
	c.log.Warn().Str("market", string(market)).Msg("falling back to mock data")
	return c.cfg.Markets.Mock(asin, market, c.now())
}

// fetch performs one signed GetItems call and maps the response. All four
// market config values must be present before any network I/O happens.
func (c *Client) fetch(ctx context.Context, asin string, market product.Market) (*product.Product, error) {
	mcfg, err := c.cfg.Markets.Config(market)
	if err != nil {
		return nil, err
	}
	if c.cfg.AccessKey == "" || c.cfg.SecretKey == "" {
		return nil, product.NewError(product.KindConfig, "missing upstream API credentials")
	}

	payload, err := json.Marshal(getItemsRequest{
		ItemIds:     []string{asin},
		PartnerTag:  mcfg.PartnerTag,
		PartnerType: "Associates",
		Marketplace: product.Marketplace(market),
		Resources:   itemResources,
	})
	if err != nil {
		return nil, err
	}

	amzDate := c.now().UTC().Format("20060102T150405Z")
	headers := map[string]string{
		"content-type": "application/json; charset=utf-8",
		"host":         mcfg.Host,
		"x-amz-date":   amzDate,
		"x-amz-target": "com.amazon.paapi5.v1.ProductAdvertisingAPIv1.GetItems",
	}
	authorization := buildAuthorization(http.MethodPost, getItemsPath, "", headers, string(payload), c.cfg.AccessKey, c.cfg.SecretKey, mcfg.Region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Scheme+"://"+mcfg.Host+getItemsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for name, value := range headers {
		if name == "host" {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set("Authorization", authorization)

	started := c.now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.rec.APICall(0, market, "network_error", c.now().Sub(started))
		return nil, product.WrapError(product.KindUpstream, "upstream request failed", err)
	}
	defer resp.Body.Close()
	elapsed := c.now().Sub(started)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyFailure(resp, body, market, elapsed)
	}
	c.rec.APICall(resp.StatusCode, market, "", elapsed)

	var decoded getItemsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, product.WrapError(product.KindUpstream, "upstream response decode failed", err)
	}
	if decoded.ItemsResult == nil || len(decoded.ItemsResult.Items) == 0 {
		return nil, nil
	}
	return c.mapItem(decoded.ItemsResult.Items[0], market)
}

// classifyFailure assigns the error kind exactly once, here at the
// upstream boundary.
func (c *Client) classifyFailure(resp *http.Response, body []byte, market product.Market, elapsed time.Duration) error {
	var decoded getItemsResponse
	_ = json.Unmarshal(body, &decoded)
	for _, apiErr := range decoded.Errors {
		if apiErr.Code == "RequestQuotaExceeded" {
			c.rec.APICall(resp.StatusCode, market, apiErr.Code, elapsed)
			return product.NewError(product.KindQuotaExceeded, "upstream request quota exceeded")
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.rec.APICall(resp.StatusCode, market, "rate_limited", elapsed)
		return product.Errorf(product.KindRateLimited, "upstream rate limited, retry after %s", resp.Header.Get("Retry-After"))
	}
	c.rec.APICall(resp.StatusCode, market, "upstream_error", elapsed)
	return product.Errorf(product.KindUpstream, "upstream error, status %d", resp.StatusCode)
}

// mapItem converts an upstream item to the internal record. Missing id or
// title invalidates the record; price and availability are optional.
func (c *Client) mapItem(item apiItem, market product.Market) (*product.Product, error) {
	if item.ASIN == "" {
		return nil, nil
	}
	if item.ItemInfo == nil || item.ItemInfo.Title == nil || item.ItemInfo.Title.DisplayValue == "" {
		return nil, nil
	}

	affiliateURL, err := c.cfg.Markets.AffiliateURL(item.ASIN, market, "")
	if err != nil {
		return nil, err
	}

	p := &product.Product{
		ASIN:         item.ASIN,
		Title:        item.ItemInfo.Title.DisplayValue,
		AffiliateURL: affiliateURL,
		LastFetched:  c.now(),
		OfferAgeMs:   0,
		Market:       market,
	}
	if item.ItemInfo.ByLineInfo != nil && item.ItemInfo.ByLineInfo.Brand != nil {
		p.Brand = item.ItemInfo.ByLineInfo.Brand.DisplayValue
	}
	if item.Images != nil && item.Images.Primary != nil && item.Images.Primary.Medium != nil {
		p.ImageURL = item.Images.Primary.Medium.URL
	}
	if item.Offers != nil && len(item.Offers.Listings) > 0 {
		listing := item.Offers.Listings[0]
		if listing.Price != nil {
			p.Offer = &product.Offer{
				// Upstream prices arrive in major units; stored in minor.
				Amount:   int64(math.Round(listing.Price.Amount * 100)),
				Currency: listing.Price.Currency,
				Display:  listing.Price.DisplayAmount,
			}
		}
		if listing.Availability != nil {
			p.Availability = listing.Availability.Message
		}
	}
	return p, nil
}
