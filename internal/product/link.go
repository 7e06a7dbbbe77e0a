package product

import (
	"net/url"
	"regexp"
	"strings"
)

var asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// IsValidASIN reports whether asin is exactly 10 uppercase alphanumeric
// characters.
func IsValidASIN(asin string) bool {
	return asinPattern.MatchString(asin)
}

// MarketConfig holds the per-market upstream settings. Host and Region are
// only needed for signed requests; PartnerTag also drives link building.
type MarketConfig struct {
	Host       string
	Region     string
	PartnerTag string
}

// Markets maps each supported market to its configuration.
type Markets map[Market]MarketConfig

// Config returns the full market configuration, failing fast when any of
// the signed-request values is absent.
func (ms Markets) Config(m Market) (MarketConfig, error) {
	cfg, ok := ms[m]
	if !ok || cfg.Host == "" || cfg.Region == "" || cfg.PartnerTag == "" {
		return MarketConfig{}, Errorf(KindConfig, "missing configuration for market %s", m)
	}
	return cfg, nil
}

// AffiliateURL builds a tracking product URL:
// https://{storefront}/dp/{asin}?tag={partnerTag}[&ascsubtag={subTag}].
func (ms Markets) AffiliateURL(asin string, market Market, subTag string) (string, error) {
	if !IsValidASIN(asin) {
		return "", NewError(KindValidation, "invalid ASIN format, must be 10 alphanumeric characters")
	}
	cfg, ok := ms[market]
	if !ok || cfg.PartnerTag == "" {
		return "", Errorf(KindConfig, "missing partner tag for market %s", market)
	}
	u := "https://" + Storefront(market) + "/dp/" + asin + "?tag=" + url.QueryEscape(cfg.PartnerTag)
	if subTag != "" {
		u += "&ascsubtag=" + url.QueryEscape(subTag)
	}
	return u, nil
}

// ProductURL builds the plain product URL without tracking parameters.
func (ms Markets) ProductURL(asin string, market Market) (string, error) {
	if !IsValidASIN(asin) {
		return "", NewError(KindValidation, "invalid ASIN format, must be 10 alphanumeric characters")
	}
	if _, ok := ms[market]; !ok {
		return "", Errorf(KindConfig, "unknown market %s", market)
	}
	return "https://" + Storefront(market) + "/dp/" + asin, nil
}

var extractPatterns = []*regexp.Regexp{
	// Standard product URLs: /dp/ASIN, /gp/product/ASIN.
	regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`),
	// Bare path segment: /ASIN/.
	regexp.MustCompile(`/([A-Z0-9]{10})/`),
	// Query parameter: ?asin=ASIN.
	regexp.MustCompile(`(?i)[?&]asin=([A-Z0-9]{10})`),
}

// ExtractASIN pulls an ASIN out of a product URL in any of the supported
// shapes. Returns "" when nothing matches; never fails.
func ExtractASIN(rawURL string) string {
	for _, pattern := range extractPatterns {
		if m := pattern.FindStringSubmatch(rawURL); len(m) == 2 {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

var marketSignals = []struct {
	substr string
	market Market
}{
	{"amazon.de", MarketDE},
	{"amazon.com", MarketUS},
	{"amazon.co.uk", MarketUK},
	{"de-DE", MarketDE},
	{"en-US", MarketUS},
	{"en-GB", MarketUK},
}

// DetectMarket matches known storefront domains and locale tags inside
// input. Returns "" when nothing matches.
func DetectMarket(input string) Market {
	for _, sig := range marketSignals {
		if strings.Contains(input, sig.substr) {
			return sig.market
		}
	}
	return ""
}

var subTagStrip = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// subTagMaxLen is the partner program's limit on ascsubtag values.
const subTagMaxLen = 50

// BuildSubTag joins campaign tracking parts with underscores, stripping
// disallowed characters from each part before joining.
func BuildSubTag(source, campaign string, content ...string) string {
	parts := append([]string{source, campaign}, content...)
	for i, part := range parts {
		parts[i] = subTagStrip.ReplaceAllString(part, "")
	}
	tag := strings.Join(parts, "_")
	if len(tag) > subTagMaxLen {
		tag = tag[:subTagMaxLen]
	}
	return tag
}
