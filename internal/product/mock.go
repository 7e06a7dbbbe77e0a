package product

import "time"

// mockFixtures seeds deterministic records for development and as the last
// fallback when the upstream API is unreachable. Prices are snapshots in
// minor units.
var mockFixtures = map[string]Product{
	"B0C9PC692K": {
		ASIN:         "B0C9PC692K",
		Title:        "Skytech Gaming Shadow Gaming PC Desktop – AMD Ryzen 7 5700X, NVIDIA RTX 4060, 1TB NVME SSD, 16GB DDR4 RAM",
		Brand:        "Skytech Gaming",
		ImageURL:     "https://m.media-amazon.com/images/I/81J8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 129999, Currency: "EUR", Display: "€1,299.99"},
		Availability: "In Stock",
	},
	"B0BG7XCJKX": {
		ASIN:         "B0BG7XCJKX",
		Title:        "NVIDIA GeForce RTX 4060 Gaming Graphics Card",
		Brand:        "NVIDIA",
		ImageURL:     "https://m.media-amazon.com/images/I/71K8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 32999, Currency: "EUR", Display: "€329.99"},
		Availability: "In Stock",
	},
	"B08C4KZ4DJ": {
		ASIN:         "B08C4KZ4DJ",
		Title:        "Corsair Vengeance LPX 32GB (2x16GB) DDR4 3200MHz C16 Memory Kit",
		Brand:        "Corsair",
		ImageURL:     "https://m.media-amazon.com/images/I/61K8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 12999, Currency: "EUR", Display: "€129.99"},
		Availability: "In Stock",
	},
	"B08N8KBY83": {
		ASIN:         "B08N8KBY83",
		Title:        "Samsung 980 PRO 1TB PCIe 4.0 NVMe M.2 SSD",
		Brand:        "Samsung",
		ImageURL:     "https://m.media-amazon.com/images/I/71J8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 9999, Currency: "EUR", Display: "€99.99"},
		Availability: "In Stock",
	},
	"B08B3MHX4P": {
		ASIN:         "B08B3MHX4P",
		Title:        "Logitech G Pro X Superlight Wireless Gaming Mouse",
		Brand:        "Logitech G",
		ImageURL:     "https://m.media-amazon.com/images/I/61A8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 11999, Currency: "EUR", Display: "€119.99"},
		Availability: "In Stock",
	},
	"B07ZGDPT4M": {
		ASIN:         "B07ZGDPT4M",
		Title:        "SteelSeries Apex Pro Mechanical Gaming Keyboard",
		Brand:        "SteelSeries",
		ImageURL:     "https://m.media-amazon.com/images/I/71B8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 19999, Currency: "EUR", Display: "€199.99"},
		Availability: "In Stock",
	},
	"B08N176P6B": {
		ASIN:         "B08N176P6B",
		Title:        "LG 27GP850-B 27\" Gaming Monitor 144Hz",
		Brand:        "LG",
		ImageURL:     "https://m.media-amazon.com/images/I/71D8YvK8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 29999, Currency: "EUR", Display: "€299.99"},
		Availability: "In Stock",
	},
	"B08N5WRWNW": {
		ASIN:         "B08N5WRWNW",
		Title:        "Demo Gaming Hardware Product",
		Brand:        "Demo Brand",
		ImageURL:     "https://m.media-amazon.com/images/I/71Demo8tCL._AC_SL1500_.jpg",
		Offer:        &Offer{Amount: 29999, Currency: "EUR", Display: "€299.99"},
		Availability: "In Stock",
	},
}

// Mock returns the fixture record for asin re-stamped with the current
// time and a market-specific affiliate URL. Returns nil when no fixture
// exists; that is a normal not-found outcome.
func (ms Markets) Mock(asin string, market Market, now time.Time) (*Product, error) {
	fixture, ok := mockFixtures[asin]
	if !ok {
		return nil, nil
	}
	affiliateURL, err := ms.AffiliateURL(asin, market, "")
	if err != nil {
		return nil, err
	}
	out := fixture
	offer := *fixture.Offer
	out.Offer = &offer
	out.Market = market
	out.AffiliateURL = affiliateURL
	out.LastFetched = now
	out.OfferAgeMs = 0
	return &out, nil
}
