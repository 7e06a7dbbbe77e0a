package amazon

// Wire shapes for the PA API v5 GetItems operation. Every response field
// is optional; the mapper handles absence per field.

type getItemsRequest struct {
	ItemIds     []string `json:"ItemIds"`
	PartnerTag  string   `json:"PartnerTag"`
	PartnerType string   `json:"PartnerType"`
	Marketplace string   `json:"Marketplace"`
	Resources   []string `json:"Resources"`
}

var itemResources = []string{
	"Images.Primary.Medium",
	"ItemInfo.Title",
	"ItemInfo.ByLineInfo",
	"Offers.Listings.Price",
	"Offers.Listings.Availability",
}

type getItemsResponse struct {
	ItemsResult *struct {
		Items []apiItem `json:"Items"`
	} `json:"ItemsResult"`
	Errors []apiError `json:"Errors"`
}

type apiError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type apiItem struct {
	ASIN     string `json:"ASIN"`
	ItemInfo *struct {
		Title *struct {
			DisplayValue string `json:"DisplayValue"`
		} `json:"Title"`
		ByLineInfo *struct {
			Brand *struct {
				DisplayValue string `json:"DisplayValue"`
			} `json:"Brand"`
		} `json:"ByLineInfo"`
	} `json:"ItemInfo"`
	Images *struct {
		Primary *struct {
			Medium *struct {
				URL string `json:"URL"`
			} `json:"Medium"`
		} `json:"Primary"`
	} `json:"Images"`
	Offers *struct {
		Listings []struct {
			Price *struct {
				Amount       float64 `json:"Amount"`
				Currency     string  `json:"Currency"`
				DisplayAmount string `json:"DisplayAmount"`
			} `json:"Price"`
			Availability *struct {
				Message string `json:"Message"`
			} `json:"Availability"`
		} `json:"Listings"`
	} `json:"Offers"`
}
