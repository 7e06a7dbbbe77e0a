package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"afflink/internal/cache"
	"afflink/internal/product"
)

const testAdminPassword = "correct-horse"

func newTestApp(t *testing.T) *app {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config{
		Env:               "test",
		AppSecret:         "test-secret",
		AdminPasswordHash: string(hash),
		Markets: product.Markets{
			product.MarketDE: {Host: "webservices.amazon.de", Region: "eu-west-1", PartnerTag: "testpartner-21"},
			product.MarketUS: {Host: "webservices.amazon.com", Region: "us-east-1", PartnerTag: "testpartner-20"},
			product.MarketUK: {Host: "webservices.amazon.co.uk", Region: "eu-west-1", PartnerTag: "testpartner-21"},
		},
		CacheTTL:       24 * time.Hour,
		StaleThreshold: 24 * time.Hour,
		UseMockData:    true,
		RateCapacity:   10,
		RateInterval:   time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}
	return newApp(cfg, cache.NewMemory(zerolog.Nop()), zerolog.Nop())
}

func TestGetProductOK(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/B08N5WRWNW")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "public, s-maxage=3600, stale-while-revalidate=7200" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := resp.Header.Get("Vary"); got != "Accept-Language" {
		t.Errorf("Vary = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}

	var body struct {
		Product product.Product `json:"product"`
		Cached  bool            `json:"cached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Product.Title != "Demo Gaming Hardware Product" {
		t.Errorf("title = %q", body.Product.Title)
	}
	if body.Product.AffiliateURL != "https://www.amazon.de/dp/B08N5WRWNW?tag=testpartner-21" {
		t.Errorf("affiliateUrl = %q", body.Product.AffiliateURL)
	}
	if body.Cached {
		t.Error("freshly stamped record must not report cached")
	}
}

func TestGetProductMarketFromQuery(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/B08N5WRWNW?market=US")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Product product.Product `json:"product"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Product.Market != product.MarketUS {
		t.Errorf("market = %q, want US", body.Product.Market)
	}
	if !strings.Contains(body.Product.AffiliateURL, "www.amazon.com") {
		t.Errorf("affiliateUrl = %q", body.Product.AffiliateURL)
	}
}

func TestGetProductMarketFromCookie(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/products/B08N5WRWNW", nil)
	req.AddCookie(&http.Cookie{Name: marketCookie, Value: "UK"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Product product.Product `json:"product"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Product.Market != product.MarketUK {
		t.Errorf("market = %q, want UK", body.Product.Market)
	}
}

func TestGetProductMarketFromAcceptLanguage(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/products/B08N5WRWNW", nil)
	req.Header.Set("Accept-Language", "en-GB,en;q=0.8")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Product product.Product `json:"product"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Product.Market != product.MarketUK {
		t.Errorf("market = %q, want UK", body.Product.Market)
	}
}

func TestGetProductInvalidASIN(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/notanasin")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Invalid ASIN. Must be 10 alphanumeric characters." {
		t.Errorf("error = %q", body["error"])
	}
}

func TestGetProductNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/B000000000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Product not found or unavailable" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/products/B08N5WRWNW", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "GET" {
		t.Errorf("Allow = %q, want GET", got)
	}
}

func TestGetProductsBatch(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products?ids=B08N5WRWNW,B08B3MHX4P,notvalid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Products []product.Product `json:"products"`
		Count    int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Products) != 2 {
		t.Errorf("count = %d, products = %d; want 2", body.Count, len(body.Products))
	}
}

func TestSetMarket(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/market", "application/json", strings.NewReader(`{"market":"uk"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == marketCookie && c.Value == "UK" {
			found = true
		}
	}
	if !found {
		t.Error("market cookie not set")
	}

	resp, err = http.Post(srv.URL+"/api/market", "application/json", strings.NewReader(`{"market":"XX"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d for unknown market, want 400", resp.StatusCode)
	}
}

func login(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"password":"`+testAdminPassword+`"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body["token"]
}

func TestMetricsRequiresAuth(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d without token, want 401", resp.StatusCode)
	}

	token := login(t, srv)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d with token", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"api", "rateLimiter", "cache", "uptime"} {
		if _, ok := body[field]; !ok {
			t.Errorf("missing %q in metrics payload", field)
		}
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"password":"wrong"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCachePurge(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	a.store.Set(context.Background(), "amazon:product:DE:B08N5WRWNW", []byte("{}"), time.Hour, time.Now())

	token := login(t, srv)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/admin/cache", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["cleared"] != 1 {
		t.Errorf("cleared = %d, want 1", body["cleared"])
	}
}

// newUpstreamApp wires the full stack against a stub product API instead
// of mock fixtures.
func newUpstreamApp(t *testing.T, upstream http.HandlerFunc) (*app, func()) {
	t.Helper()
	stub := httptest.NewServer(upstream)
	host := strings.TrimPrefix(stub.URL, "http://")
	cfg := config{
		Env:            "test",
		AppSecret:      "test-secret",
		AccessKey:      "AKID",
		SecretKey:      "SECRET",
		UpstreamScheme: "http",
		Markets: product.Markets{
			product.MarketDE: {Host: host, Region: "eu-west-1", PartnerTag: "testpartner-21"},
			product.MarketUS: {Host: host, Region: "us-east-1", PartnerTag: "testpartner-20"},
			product.MarketUK: {Host: host, Region: "eu-west-1", PartnerTag: "testpartner-21"},
		},
		CacheTTL:       24 * time.Hour,
		StaleThreshold: 24 * time.Hour,
		RateCapacity:   10,
		RateInterval:   time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	}
	return newApp(cfg, cache.NewMemory(zerolog.Nop()), zerolog.Nop()), stub.Close
}

func TestFetchEndToEnd(t *testing.T) {
	a, stop := newUpstreamApp(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ItemsResult":{"Items":[{
			"ASIN":"B08N5WRWNW",
			"ItemInfo":{"Title":{"DisplayValue":"Test Gaming Mouse"}},
			"Offers":{"Listings":[{"Price":{"Amount":29.99,"Currency":"EUR","DisplayAmount":"€29.99"}}]}
		}]}}`))
	})
	defer stop()
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/B08N5WRWNW?market=DE")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); !strings.Contains(got, "s-maxage=3600") {
		t.Errorf("Cache-Control = %q, want fresh TTL", got)
	}
	var body struct {
		Product product.Product `json:"product"`
		Cached  bool            `json:"cached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Product.Title != "Test Gaming Mouse" {
		t.Errorf("title = %q", body.Product.Title)
	}
	if body.Product.Offer == nil || body.Product.Offer.Display != "€29.99" || body.Product.Offer.Amount != 2999 {
		t.Errorf("offer = %+v", body.Product.Offer)
	}
	if body.Cached {
		t.Error("first fetch must not report cached")
	}
}

func TestStaleRecordGetsShortEdgeTTL(t *testing.T) {
	a, stop := newUpstreamApp(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer stop()
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	now := time.Now()
	stale := product.Product{
		ASIN:         "B08N5WRWNW",
		Title:        "Test Gaming Mouse",
		AffiliateURL: "https://www.amazon.de/dp/B08N5WRWNW?tag=testpartner-21",
		LastFetched:  now.Add(-25 * time.Hour),
		Market:       product.MarketDE,
	}
	data, _ := json.Marshal(stale)
	a.store.Set(context.Background(), product.CacheKey("B08N5WRWNW", product.MarketDE), data, time.Hour, now)

	resp, err := http.Get(srv.URL + "/api/products/B08N5WRWNW?market=DE")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); !strings.Contains(got, "s-maxage=300") {
		t.Errorf("Cache-Control = %q, want stale TTL", got)
	}
	var body struct {
		Cached bool `json:"cached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Cached {
		t.Error("aged record must report cached")
	}
}

func TestRateLimitedUpstreamYieldsGenericMessage(t *testing.T) {
	a, stop := newUpstreamApp(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer stop()
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/B08N5WRWNW?market=DE")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Service temporarily unavailable. Please try again later." {
		t.Errorf("error = %q", body["error"])
	}
	if strings.Contains(body["error"], "429") || strings.Contains(strings.ToLower(body["error"]), "upstream") {
		t.Errorf("internal detail leaked: %q", body["error"])
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t).router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
