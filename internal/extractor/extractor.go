package extractor

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// Extractor reconciles the two extraction paths for a search page: the
// intercepted composer payloads and the rendered markup. Network records
// win on conflicts because they carry the richer, structured view; DOM
// records fill in products the interception missed.
type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger.With("component", "extractor")}
}

// ExtractPage merges all composer payloads captured for one search page
// with that page's rendered HTML. Output order is network records first
// in rank order, then DOM-only records in rank order.
func (e *Extractor) ExtractPage(payloads [][]byte, html, keyword string) []models.ProductObservation {
	var network []models.ProductObservation
	for _, body := range payloads {
		network = append(network, ParseSearchResults(body, keyword, e.logger)...)
	}

	bySKU := make(map[int64]bool, len(network))
	for _, obs := range network {
		bySKU[obs.SKU] = true
	}

	merged := network
	domOnly := 0
	if html != "" {
		for _, obs := range ParseSearchHTML(html, keyword, e.logger) {
			if bySKU[obs.SKU] {
				continue
			}
			bySKU[obs.SKU] = true
			merged = append(merged, obs)
			domOnly++
		}
	}

	e.logger.Debug("page extracted",
		"keyword", keyword,
		"network", len(network),
		"dom_only", domOnly,
	)
	return merged
}

// ParsePrice turns marketplace price text into a float. It is total:
// any input yields a number, with 0 for anything unrecognizable.
// Thousands separators (spaces, NBSP) are stripped and a decimal comma
// becomes a decimal point, so it also serves for ratings ("4,8") and
// review counts ("1 234 отзыва").
func ParsePrice(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',':
			b.WriteByte('.')
		case r == '.':
			b.WriteByte('.')
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

// FormatPrice renders a price the way the site does: space-grouped
// thousands, comma decimals, trailing ruble sign. Whole-ruble amounts
// drop the decimal part.
func FormatPrice(v float64) string {
	whole := int64(v)
	frac := int64((v-float64(whole))*100 + 0.5)
	if frac >= 100 {
		whole++
		frac -= 100
	}

	digits := strconv.FormatInt(whole, 10)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	out := strings.Join(groups, " ")

	if frac > 0 {
		out = fmt.Sprintf("%s,%02d", out, frac)
	}
	return out + " ₽"
}
