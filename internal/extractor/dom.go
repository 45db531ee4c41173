package extractor

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// The DOM path is the fallback when network interception yields nothing
// for a page. Class names on the site are generated and unstable, so
// selection anchors on structure (product links) and text patterns
// rather than exact classes. Field coverage is narrower than the network
// path: rank, seller details and promo flags are often missing here.

// Numbers demand strict thousands grouping (a separator carries exactly
// three digits after it). Tile text is a concatenation of unrelated
// fragments, so a looser run would let trailing title digits bleed into
// an adjacent price or count.
var (
	priceRe    = regexp.MustCompile(`(\d+(?:[\s\x{00a0}]\d{3})*(?:[.,]\d+)?)\s*₽`)
	ratingRe   = regexp.MustCompile(`(\d[.,]\d)\s*[•·]\s*(\d+(?:[\s\x{00a0}]\d{3})*)\s*(?:отзыв|оценк)`)
	reviewsRe  = regexp.MustCompile(`(\d+(?:[\s\x{00a0}]\d{3})*)\s*(?:отзыв|оценк)`)
	domDiscRe  = regexp.MustCompile(`[−-](\d+)\s*%`)
	stockDOMRe = regexp.MustCompile(`[Оо]сталось\s+(\d+)\s*шт`)
)

// ParseSearchHTML recovers product observations from rendered search
// markup. Records without a recoverable SKU are skipped.
func ParseSearchHTML(html, keyword string, logger *slog.Logger) []models.ProductObservation {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		logger.Warn("search markup did not parse", "error", err)
		return nil
	}

	now := time.Now()
	seen := make(map[int64]bool)
	var out []models.ProductObservation
	rank := 0

	doc.Find(`a[href*="/product/"]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		m := productLinkSKU.FindStringSubmatch(href)
		if m == nil {
			return
		}
		sku, _ := strconv.ParseInt(m[1], 10, 64)
		if sku == 0 || seen[sku] {
			return
		}
		seen[sku] = true
		rank++

		tile := tileFor(link)
		text := tile.Text()

		obs := models.ProductObservation{
			SKU:        sku,
			ProductURL: absoluteURL(href),
			Title:      tileTitle(tile, link),
			Keyword:    keyword,
			SearchRank: rank,
			CapturedAt: now,
			Source:     models.SourceDOM,
		}

		prices := priceRe.FindAllStringSubmatch(text, 2)
		if len(prices) > 0 {
			obs.Price = ParsePrice(prices[0][1])
		}
		// A second price on the tile is the pre-discount one.
		if len(prices) > 1 {
			obs.OriginalPrice = ParsePrice(prices[1][1])
		}
		if m := domDiscRe.FindStringSubmatch(text); m != nil {
			obs.DiscountPercent, _ = strconv.ParseFloat(m[1], 64)
		}

		if m := ratingRe.FindStringSubmatch(text); m != nil {
			obs.Rating = ParsePrice(m[1])
			obs.ReviewCount = int(ParsePrice(m[2]))
		} else if m := reviewsRe.FindStringSubmatch(text); m != nil {
			obs.ReviewCount = int(ParsePrice(m[1]))
		}

		if img := tile.Find("img").First(); img.Length() > 0 {
			obs.ImageURL, _ = img.Attr("src")
		}
		if strings.Contains(text, "Реклама") || strings.Contains(text, "Спонсорский") {
			obs.IsPromoted = true
		}
		if d := deliveryText(text); d != "" {
			obs.DeliveryInfo = d
		}

		out = append(out, obs)
	})

	return out
}

// tileFor walks from a product link to its card container. The card is
// whichever ancestor looks like a tile; failing that, the link's parent
// keeps the extraction local instead of swallowing the whole page.
func tileFor(link *goquery.Selection) *goquery.Selection {
	tile := link.Closest(`[class*="tile"], [class*="card"], article`)
	if tile.Length() == 0 {
		tile = link.Parent()
	}
	return tile
}

func tileTitle(tile, link *goquery.Selection) string {
	if span := tile.Find(`span[class*="tsBody"]`).First(); span.Length() > 0 {
		if t := strings.TrimSpace(span.Text()); t != "" {
			return t
		}
	}
	return strings.TrimSpace(link.Text())
}

func deliveryText(text string) string {
	for _, marker := range []string{"Завтра", "Послезавтра", "Сегодня"} {
		if idx := strings.Index(text, marker); idx >= 0 {
			end := idx + len(marker)
			// Keep the marker word only; the rest of the tile text is noise.
			return text[idx:end]
		}
	}
	return ""
}

// ParseStockHTML probes rendered detail-page markup for the urgency
// banner ("Осталось N шт"). Zero return means no banner, not zero stock.
func ParseStockHTML(html string) (int, string, bool) {
	if m := stockDOMRe.FindStringSubmatch(html); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, strings.TrimSpace(m[0]), true
	}
	return 0, "", false
}

// ParseDetailHTML recovers the fields the detail page renders into
// markup. Used when interception misses the detail payload.
func ParseDetailHTML(html string, sku int64) (models.ProductObservation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.ProductObservation{}, err
	}

	obs := models.ProductObservation{
		SKU:        sku,
		CapturedAt: time.Now(),
		Source:     models.SourceDOM,
	}

	if h1 := doc.Find("h1").First(); h1.Length() > 0 {
		obs.Title = strings.TrimSpace(h1.Text())
	}

	text := doc.Text()
	if m := priceRe.FindStringSubmatch(text); m != nil {
		obs.Price = ParsePrice(m[1])
	}
	if m := ratingRe.FindStringSubmatch(text); m != nil {
		obs.Rating = ParsePrice(m[1])
		obs.ReviewCount = int(ParsePrice(m[2]))
	}
	if n, _, ok := ParseStockHTML(html); ok {
		obs.StockQuantity = &n
	}

	return obs, nil
}
