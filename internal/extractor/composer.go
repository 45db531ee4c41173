package extractor

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// The site delivers page data as JSON attached to its internal composer
// endpoints. Product records live under widgetStates, whose keys carry a
// semantic prefix plus a deployment-specific hash suffix
// ("searchResultsV2-226897-default-1"), so matching is by prefix only.
const (
	widgetSearchResults = "searchResultsV2"
	widgetReviewList    = "webListReviews"
	widgetPrice         = "webPrice"
	widgetSale          = "webSale"
	widgetReviewScore   = "webReviewProductScore"
	widgetAddToCart     = "webAddToCart"
	widgetAvailability  = "webAvailability"
	widgetStatus        = "webStatus"
	widgetSeller        = "webCurrentSeller"
)

var composerPathPatterns = []string{
	"/api/composer-api.bx/page/json/v2",
	"/api/entrypoint-api.bx/page/json/v2",
	"/api/composer-api.bx/_action/searchResultsV2",
	"searchResultsV2",
}

// IsComposerEndpoint reports whether a response URL carries a composer
// payload worth intercepting.
func IsComposerEndpoint(url string) bool {
	for _, p := range composerPathPatterns {
		if strings.Contains(url, p) {
			return true
		}
	}
	return false
}

type composerPage struct {
	WidgetStates map[string]json.RawMessage `json:"widgetStates"`
}

// widgetValue decodes one widgetStates entry. Values arrive either as
// JSON objects or as JSON-encoded strings containing objects; both forms
// are accepted. A nil return means the entry is unusable, which is never
// an error for the batch.
func widgetValue(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

func widgetKeyMatches(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}

// flexID accepts an identifier delivered either as a JSON number or as
// a quoted string; the payloads use both spellings. Unparsable input
// decodes to zero rather than failing the record.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexID(v)
	return nil
}

// searchItem mirrors the useful subset of one tile in a searchResultsV2
// container. Every field is optional; unknown keys are ignored.
type searchItem struct {
	SKU    flexID `json:"sku"`
	SKUID  flexID `json:"skuId"`
	Action struct {
		Link string `json:"link"`
	} `json:"action"`
	Title     string      `json:"title"`
	MainState []stateAtom `json:"mainState"`
	IsAdv     bool        `json:"isAdv"`
	Advert    string      `json:"advert"`
}

type stateAtom struct {
	Atom struct {
		Type     string `json:"type"`
		TextAtom *struct {
			Text string `json:"text"`
		} `json:"textAtom"`
		PriceV2 *struct {
			Price []struct {
				Text string `json:"text"`
			} `json:"price"`
			OriginalPrice string `json:"originalPrice"`
			Discount      string `json:"discount"`
		} `json:"priceV2"`
		LabelList *struct {
			Items []struct {
				Title string `json:"title"`
				Icon  struct {
					Image string `json:"image"`
				} `json:"icon"`
			} `json:"items"`
		} `json:"labelList"`
	} `json:"atom"`
}

var productLinkSKU = regexp.MustCompile(`-(\d{5,})(?:/|\?|$)`)

// ParseSearchResults extracts product observations from one composer
// payload. A record whose SKU cannot be recovered is dropped and counted;
// a field that cannot be found contributes its zero value. The payload as
// a whole never fails over a single bad record.
func ParseSearchResults(body []byte, keyword string, logger *slog.Logger) []models.ProductObservation {
	var page composerPage
	if err := json.Unmarshal(body, &page); err != nil {
		logger.Debug("composer payload is not a widget page", "error", err)
		return nil
	}

	now := time.Now()
	var out []models.ProductObservation
	dropped := 0

	for key, raw := range page.WidgetStates {
		if !widgetKeyMatches(key, widgetSearchResults) {
			continue
		}

		var widget struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(widgetValue(raw), &widget); err != nil {
			logger.Debug("search widget did not decode", "key", key, "error", err)
			continue
		}

		for rank, rawItem := range widget.Items {
			var item searchItem
			if err := json.Unmarshal(rawItem, &item); err != nil {
				dropped++
				continue
			}

			obs, ok := observationFromItem(item, keyword, rank+1, now)
			if !ok {
				dropped++
				continue
			}
			out = append(out, obs)
		}
	}

	if dropped > 0 {
		// Repeated occurrences here signal the source changed shape.
		logger.Warn("dropped unparsable search records", "count", dropped, "keyword", keyword)
	}

	return out
}

func observationFromItem(item searchItem, keyword string, rank int, now time.Time) (models.ProductObservation, bool) {
	sku := itemSKU(item)
	if sku == 0 {
		return models.ProductObservation{}, false
	}

	obs := models.ProductObservation{
		SKU:        sku,
		Title:      item.Title,
		ProductURL: absoluteURL(item.Action.Link),
		Keyword:    keyword,
		SearchRank: rank,
		CapturedAt: now,
		Source:     models.SourceNetwork,
		IsPromoted: item.IsAdv || item.Advert != "",
	}

	for _, state := range item.MainState {
		switch state.Atom.Type {
		case "textAtom":
			if obs.Title == "" && state.Atom.TextAtom != nil {
				obs.Title = strings.TrimSpace(state.Atom.TextAtom.Text)
			}
		case "priceV2":
			if p := state.Atom.PriceV2; p != nil {
				if len(p.Price) > 0 {
					obs.Price = ParsePrice(p.Price[0].Text)
				}
				obs.OriginalPrice = ParsePrice(p.OriginalPrice)
				obs.DiscountPercent = parseDiscount(p.Discount)
			}
		case "labelList":
			if l := state.Atom.LabelList; l != nil {
				for _, label := range l.Items {
					applyLabel(&obs, label.Title, label.Icon.Image)
				}
			}
		}
	}

	return obs, true
}

func itemSKU(item searchItem) int64 {
	if item.SKU > 0 {
		return int64(item.SKU)
	}
	if item.SKUID > 0 {
		return int64(item.SKUID)
	}
	if m := productLinkSKU.FindStringSubmatch(item.Action.Link); m != nil {
		v, _ := strconv.ParseInt(m[1], 10, 64)
		return v
	}
	return 0
}

func applyLabel(obs *models.ProductObservation, title, icon string) {
	title = strings.TrimSpace(title)
	switch {
	case strings.Contains(icon, "star"):
		obs.Rating = ParsePrice(title)
	case strings.Contains(title, "отзыв") || strings.Contains(title, "оценк"):
		obs.ReviewCount = int(ParsePrice(title))
	case strings.Contains(title, "завтра") || strings.Contains(title, "послезавтра"):
		obs.DeliveryInfo = title
	case strings.Contains(title, "Реклама"):
		obs.IsPromoted = true
	}
}

var discountRe = regexp.MustCompile(`(\d+)\s*%`)

func parseDiscount(s string) float64 {
	if m := discountRe.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return v
	}
	return 0
}

func absoluteURL(link string) string {
	if link == "" || strings.HasPrefix(link, "http") {
		return link
	}
	return "https://www.ozon.ru" + link
}

// ReviewPage is the useful subset of one webListReviews container.
type ReviewPage struct {
	Timestamps []int64
	Total      int
	NextButton string
}

// ParseReviewList pulls review creation timestamps and paging state from
// an entrypoint-api payload. The reviews feed pages 30 records at a time,
// descending by time; NextButton carries the opaque page_key for the next
// page.
func ParseReviewList(body []byte, logger *slog.Logger) ReviewPage {
	var page composerPage
	if err := json.Unmarshal(body, &page); err != nil {
		logger.Debug("review payload is not a widget page", "error", err)
		return ReviewPage{}
	}

	var out ReviewPage
	for key, raw := range page.WidgetStates {
		if !widgetKeyMatches(key, widgetReviewList) {
			continue
		}

		var widget struct {
			Reviews []struct {
				CreatedAt int64 `json:"createdAt"`
			} `json:"reviews"`
			Paging struct {
				Total      int    `json:"total"`
				NextButton string `json:"nextButton"`
			} `json:"paging"`
		}
		if err := json.Unmarshal(widgetValue(raw), &widget); err != nil {
			logger.Debug("review widget did not decode", "key", key, "error", err)
			continue
		}

		for _, r := range widget.Reviews {
			if r.CreatedAt > 0 {
				out.Timestamps = append(out.Timestamps, r.CreatedAt)
			}
		}
		if widget.Paging.Total > 0 {
			out.Total = widget.Paging.Total
		}
		if widget.Paging.NextButton != "" {
			out.NextButton = widget.Paging.NextButton
		}
	}

	return out
}

// StockWidgets is what the detail-page composer payload reveals about
// availability. Quantity nil means the page did not expose a number.
type StockWidgets struct {
	Quantity    *int
	StockText   string
	ReviewCount int
	OutOfStock  bool
	SellerName  string
}

var (
	remainingRe = regexp.MustCompile(`[Оо]сталось\s+(\d+)`)
	soldOutRe   = regexp.MustCompile(`(?i)out_of_stock|unavailable|sold_out`)
)

// ParseStockWidgets scans a detail-page payload for stock-bearing
// widgets. The price widget sometimes carries the "Осталось N шт" hint,
// the add-to-cart widget caps at the remaining quantity, and the review
// score widget gives the authoritative review count.
func ParseStockWidgets(body []byte, logger *slog.Logger) StockWidgets {
	var page composerPage
	if err := json.Unmarshal(body, &page); err != nil {
		return StockWidgets{}
	}

	var out StockWidgets
	for key, raw := range page.WidgetStates {
		value := widgetValue(raw)

		switch {
		case widgetKeyMatches(key, widgetPrice) || widgetKeyMatches(key, widgetSale):
			if m := remainingRe.FindSubmatch(value); m != nil {
				n, _ := strconv.Atoi(string(m[1]))
				out.Quantity = &n
				out.StockText = strings.TrimSpace(string(m[0]))
			}

		case widgetKeyMatches(key, widgetReviewScore):
			var score struct {
				Count      int `json:"count"`
				TotalCount int `json:"totalCount"`
			}
			if err := json.Unmarshal(value, &score); err == nil {
				if score.Count > 0 {
					out.ReviewCount = score.Count
				} else if score.TotalCount > 0 {
					out.ReviewCount = score.TotalCount
				}
			}

		case widgetKeyMatches(key, widgetAddToCart):
			var cart struct {
				MaxQuantity int `json:"maxQuantity"`
				Limit       int `json:"limit"`
			}
			if err := json.Unmarshal(value, &cart); err == nil {
				max := cart.MaxQuantity
				if max == 0 {
					max = cart.Limit
				}
				if max > 0 && out.Quantity == nil {
					out.Quantity = &max
				}
			}

		case widgetKeyMatches(key, widgetStatus) || widgetKeyMatches(key, widgetAvailability):
			if soldOutRe.Match(value) {
				out.OutOfStock = true
			}

		case widgetKeyMatches(key, widgetSeller):
			var seller struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(value, &seller); err == nil && seller.Name != "" {
				out.SellerName = seller.Name
			}
		}
	}

	if out.OutOfStock {
		zero := 0
		out.Quantity = &zero
	}

	return out
}
