package product

import (
	"strings"
	"testing"
)

var testMarkets = Markets{
	MarketDE: {Host: "webservices.amazon.de", Region: "eu-west-1", PartnerTag: "testpartner-21"},
	MarketUS: {Host: "webservices.amazon.com", Region: "us-east-1", PartnerTag: "testpartner-20"},
	MarketUK: {Host: "webservices.amazon.co.uk", Region: "eu-west-1", PartnerTag: "testpartner-21"},
}

func TestIsValidASIN(t *testing.T) {
	valid := []string{"B08N5WRWNW", "0123456789", "ABCDEFGHIJ"}
	for _, asin := range valid {
		if !IsValidASIN(asin) {
			t.Errorf("IsValidASIN(%q) = false, want true", asin)
		}
	}
	invalid := []string{"", "B08N5WRWN", "B08N5WRWNW1", "b08n5wrwnw", "B08N5WRWN!", "B08N5 RWNW"}
	for _, asin := range invalid {
		if IsValidASIN(asin) {
			t.Errorf("IsValidASIN(%q) = true, want false", asin)
		}
	}
}

func TestAffiliateURL(t *testing.T) {
	got, err := testMarkets.AffiliateURL("B08N5WRWNW", MarketDE, "")
	if err != nil {
		t.Fatalf("AffiliateURL: %v", err)
	}
	want := "https://www.amazon.de/dp/B08N5WRWNW?tag=testpartner-21"
	if got != want {
		t.Fatalf("AffiliateURL = %q, want %q", got, want)
	}
}

func TestAffiliateURLWithSubTag(t *testing.T) {
	got, err := testMarkets.AffiliateURL("B08N5WRWNW", MarketUS, "newsletter_summer")
	if err != nil {
		t.Fatalf("AffiliateURL: %v", err)
	}
	if !strings.Contains(got, "www.amazon.com/dp/B08N5WRWNW") {
		t.Errorf("wrong storefront in %q", got)
	}
	if !strings.Contains(got, "tag=testpartner-20") {
		t.Errorf("missing partner tag in %q", got)
	}
	if !strings.HasSuffix(got, "&ascsubtag=newsletter_summer") {
		t.Errorf("missing sub tag in %q", got)
	}
}

func TestAffiliateURLRejectsBadInput(t *testing.T) {
	if _, err := testMarkets.AffiliateURL("short", MarketDE, ""); err == nil {
		t.Error("expected error for invalid ASIN")
	} else if kind, _ := KindOf(err); kind != KindValidation {
		t.Errorf("kind = %v, want KindValidation", kind)
	}

	empty := Markets{}
	if _, err := empty.AffiliateURL("B08N5WRWNW", MarketDE, ""); err == nil {
		t.Error("expected error for missing partner tag")
	} else if kind, _ := KindOf(err); kind != KindConfig {
		t.Errorf("kind = %v, want KindConfig", kind)
	}
}

func TestExtractASINRoundTrip(t *testing.T) {
	// Every link the builder produces must extract back to its ASIN.
	for _, market := range []Market{MarketDE, MarketUS, MarketUK} {
		link, err := testMarkets.AffiliateURL("B08N5WRWNW", market, "blog_review")
		if err != nil {
			t.Fatalf("AffiliateURL(%s): %v", market, err)
		}
		if got := ExtractASIN(link); got != "B08N5WRWNW" {
			t.Errorf("ExtractASIN(%q) = %q, want B08N5WRWNW", link, got)
		}
	}
}

func TestExtractASIN(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.amazon.de/dp/B08N5WRWNW", "B08N5WRWNW"},
		{"https://www.amazon.com/gp/product/B08N5WRWNW?ref=ppx", "B08N5WRWNW"},
		{"https://www.amazon.de/Some-Product-Name/B08N5WRWNW/ref=sr_1_1", "B08N5WRWNW"},
		{"https://example.com/redirect?asin=B08N5WRWNW", "B08N5WRWNW"},
		{"https://www.amazon.de/", ""},
		{"not a url at all", ""},
	}
	for _, tc := range cases {
		if got := ExtractASIN(tc.url); got != tc.want {
			t.Errorf("ExtractASIN(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestDetectMarket(t *testing.T) {
	cases := []struct {
		input string
		want  Market
	}{
		{"https://www.amazon.de/dp/B08N5WRWNW", MarketDE},
		{"https://www.amazon.com/dp/B08N5WRWNW", MarketUS},
		{"https://www.amazon.co.uk/dp/B08N5WRWNW", MarketUK},
		{"de-DE,de;q=0.9", MarketDE},
		{"en-US,en;q=0.9", MarketUS},
		{"en-GB,en;q=0.8", MarketUK},
		{"fr-FR", ""},
	}
	for _, tc := range cases {
		if got := DetectMarket(tc.input); got != tc.want {
			t.Errorf("DetectMarket(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestBuildSubTag(t *testing.T) {
	if got := BuildSubTag("newsletter", "summer-2024"); got != "newsletter_summer-2024" {
		t.Errorf("BuildSubTag = %q", got)
	}
	// Disallowed characters are stripped per part, not replaced.
	if got := BuildSubTag("news letter!", "sum?mer", "top/10"); got != "newsletter_summer_top10" {
		t.Errorf("BuildSubTag = %q", got)
	}
	long := BuildSubTag(strings.Repeat("a", 40), strings.Repeat("b", 40))
	if len(long) != 50 {
		t.Errorf("len(BuildSubTag) = %d, want 50", len(long))
	}
}

func TestProductURL(t *testing.T) {
	got, err := testMarkets.ProductURL("B08N5WRWNW", MarketUK)
	if err != nil {
		t.Fatalf("ProductURL: %v", err)
	}
	if got != "https://www.amazon.co.uk/dp/B08N5WRWNW" {
		t.Errorf("ProductURL = %q", got)
	}
	if strings.Contains(got, "tag=") {
		t.Errorf("plain URL must not carry tracking: %q", got)
	}
}
