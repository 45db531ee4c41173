package extractor

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{"plain", "1990", 1990},
		{"space separated", "52 990 ₽", 52990},
		{"nbsp separated", "52 990 ₽", 52990},
		{"comma decimal", "1 234,56 ₽", 1234.56},
		{"rating", "4,8", 4.8},
		{"review count text", "1 234 отзыва", 1234},
		{"empty", "", 0},
		{"garbage", "скоро в продаже", 0},
		{"multiple separators", "1.2.3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePrice(tt.input))
		})
	}
}

func TestParsePriceIsIdempotent(t *testing.T) {
	for _, v := range []float64{0, 149, 1990, 52990, 1234.56} {
		formatted := FormatPrice(v)
		assert.Equal(t, v, ParsePrice(formatted), "round trip of %s", formatted)
		// Re-parsing its own numeric rendering changes nothing.
		again := fmt.Sprintf("%v", ParsePrice(formatted))
		assert.Equal(t, v, ParsePrice(again))
	}
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "1 990 ₽", FormatPrice(1990))
	assert.Equal(t, "52 990 ₽", FormatPrice(52990))
	assert.Equal(t, "1 234,56 ₽", FormatPrice(1234.56))
	assert.Equal(t, "149 ₽", FormatPrice(149))
}

func TestIsComposerEndpoint(t *testing.T) {
	assert.True(t, IsComposerEndpoint("https://www.ozon.ru/api/composer-api.bx/page/json/v2?url=/search"))
	assert.True(t, IsComposerEndpoint("https://www.ozon.ru/api/entrypoint-api.bx/page/json/v2?url=/product/x"))
	assert.False(t, IsComposerEndpoint("https://www.ozon.ru/api/cart/v1/summary"))
	assert.False(t, IsComposerEndpoint("https://cdn.ozon.ru/assets/app.js"))
}

const searchPayload = `{
	"widgetStates": {
		"searchResultsV2-226897-default-1": "{\"items\":[{\"skuId\":\"1681720585\",\"action\":{\"link\":\"/product/chekhol-1681720585/\"},\"mainState\":[{\"atom\":{\"type\":\"textAtom\",\"textAtom\":{\"text\":\"Чехол для iPhone 15\"}}},{\"atom\":{\"type\":\"priceV2\",\"priceV2\":{\"price\":[{\"text\":\"1 290 ₽\"}],\"originalPrice\":\"1 990 ₽\",\"discount\":\"−35%\"}}},{\"atom\":{\"type\":\"labelList\",\"labelList\":{\"items\":[{\"title\":\"4.8\",\"icon\":{\"image\":\"ic_s_star_filled_compact\"}},{\"title\":\"1 234 отзыва\",\"icon\":{\"image\":\"\"}}]}}}]},{\"sku\":987654321,\"action\":{\"link\":\"/product/drugoy-987654321/\"},\"isAdv\":true},{\"action\":{\"link\":\"/product/bez-artikula/\"}}]}",
		"megaPaginator-334502-default-1": "{\"page\":1}"
	}
}`

func TestParseSearchResultsFromWidgetStates(t *testing.T) {
	obs := ParseSearchResults([]byte(searchPayload), "чехол iphone", testLogger())
	require.Len(t, obs, 2, "record without a SKU is dropped")

	first := obs[0]
	assert.Equal(t, int64(1681720585), first.SKU)
	assert.Equal(t, "Чехол для iPhone 15", first.Title)
	assert.Equal(t, "https://www.ozon.ru/product/chekhol-1681720585/", first.ProductURL)
	assert.Equal(t, 1290.0, first.Price)
	assert.Equal(t, 1990.0, first.OriginalPrice)
	assert.Equal(t, 35.0, first.DiscountPercent)
	assert.Equal(t, 4.8, first.Rating)
	assert.Equal(t, 1234, first.ReviewCount)
	assert.Equal(t, 1, first.SearchRank)
	assert.Equal(t, "чехол iphone", first.Keyword)
	assert.Equal(t, models.SourceNetwork, first.Source)

	second := obs[1]
	assert.Equal(t, int64(987654321), second.SKU)
	assert.True(t, second.IsPromoted)
	assert.Zero(t, second.Price, "missing field stays at its zero value")
}

func TestParseSearchResultsToleratesJunk(t *testing.T) {
	assert.Nil(t, ParseSearchResults([]byte(`not json at all`), "k", testLogger()))
	assert.Nil(t, ParseSearchResults([]byte(`{"widgetStates":{}}`), "k", testLogger()))
	assert.Nil(t, ParseSearchResults([]byte(`{"widgetStates":{"searchResultsV2-1":"broken"}}`), "k", testLogger()))
}

func TestParseReviewList(t *testing.T) {
	payload := `{
		"widgetStates": {
			"webListReviews-939965-reviewshelfpaginator-2": "{\"reviews\":[{\"createdAt\":1756300000},{\"createdAt\":1756200000}],\"paging\":{\"total\":1234,\"nextButton\":\"page_key=abc123\"}}"
		}
	}`

	page := ParseReviewList([]byte(payload), testLogger())
	assert.Equal(t, []int64{1756300000, 1756200000}, page.Timestamps)
	assert.Equal(t, 1234, page.Total)
	assert.Equal(t, "page_key=abc123", page.NextButton)
}

func TestParseStockWidgets(t *testing.T) {
	t.Run("urgency banner in price widget", func(t *testing.T) {
		payload := `{"widgetStates":{"webPrice-3121879-default-1":"{\"price\":\"1 290 ₽\",\"pushButton\":\"Осталось 7 шт\"}"}}`
		got := ParseStockWidgets([]byte(payload), testLogger())
		require.NotNil(t, got.Quantity)
		assert.Equal(t, 7, *got.Quantity)
	})

	t.Run("cart limit fallback", func(t *testing.T) {
		payload := `{"widgetStates":{"webAddToCart-3121880-default-1":"{\"maxQuantity\":14}"}}`
		got := ParseStockWidgets([]byte(payload), testLogger())
		require.NotNil(t, got.Quantity)
		assert.Equal(t, 14, *got.Quantity)
	})

	t.Run("out of stock zeroes quantity", func(t *testing.T) {
		payload := `{"widgetStates":{"webStatus-12345-default-1":"{\"state\":\"out_of_stock\"}"}}`
		got := ParseStockWidgets([]byte(payload), testLogger())
		require.NotNil(t, got.Quantity)
		assert.Equal(t, 0, *got.Quantity)
		assert.True(t, got.OutOfStock)
	})

	t.Run("review score count", func(t *testing.T) {
		payload := `{"widgetStates":{"webReviewProductScore-3131340-default-1":"{\"score\":4.8,\"count\":1234}"}}`
		got := ParseStockWidgets([]byte(payload), testLogger())
		assert.Equal(t, 1234, got.ReviewCount)
	})
}

const searchHTML = `
<html><body>
<div class="widget-search-result-container">
  <div class="tile-root">
    <a href="/product/chekhol-dlya-iphone-1681720585/?from=search"><span class="tsBody500Medium">Чехол для iPhone 15</span></a>
    <img src="https://cdn.ozon.ru/s3/multimedia/chekhol.jpg"/>
    <span>1 290 ₽</span><span>1 990 ₽</span><span>−35%</span>
    <span>4.8 • 1 234 отзыва</span>
    <span>Завтра</span>
  </div>
  <div class="tile-root">
    <a href="/product/drugoy-chekhol-987654321/">Другой чехол</a>
    <span>890 ₽</span>
    <span>Реклама</span>
  </div>
  <a href="/category/chekhly-dlya-telefonov/">Чехлы</a>
</div>
</body></html>`

func TestParseSearchHTML(t *testing.T) {
	obs := ParseSearchHTML(searchHTML, "чехол iphone", testLogger())
	require.Len(t, obs, 2, "non-product links are ignored")

	first := obs[0]
	assert.Equal(t, int64(1681720585), first.SKU)
	assert.Equal(t, "Чехол для iPhone 15", first.Title)
	assert.Equal(t, 1290.0, first.Price)
	assert.Equal(t, 1990.0, first.OriginalPrice)
	assert.Equal(t, 35.0, first.DiscountPercent)
	assert.Equal(t, 4.8, first.Rating)
	assert.Equal(t, 1234, first.ReviewCount)
	assert.Equal(t, "Завтра", first.DeliveryInfo)
	assert.Equal(t, models.SourceDOM, first.Source)

	second := obs[1]
	assert.Equal(t, int64(987654321), second.SKU)
	assert.True(t, second.IsPromoted)
}

func TestParseSearchHTMLTitleDigitsDoNotBleedIntoPrice(t *testing.T) {
	// Tile text concatenates the title and the price across whitespace
	// only; a model number ending in digits sits right before the price.
	html := `<div class="tile-root">
		<a href="/product/chekhol-1681720585/"><span class="tsBody500Medium">Чехол для iPhone 15</span></a>
		<span>1 290 ₽</span>
		<span>15 отзывов</span>
	</div>`

	obs := ParseSearchHTML(html, "чехол", testLogger())
	require.Len(t, obs, 1)
	assert.Equal(t, 1290.0, obs[0].Price)
	assert.Equal(t, 15, obs[0].ReviewCount)
}

func TestParseStockHTML(t *testing.T) {
	n, text, ok := ParseStockHTML(`<div><span>Осталось 3 шт</span></div>`)
	require.True(t, ok)
	assert.Equal(t, 3, n)
	assert.Contains(t, text, "Осталось 3")

	_, _, ok = ParseStockHTML(`<div>В наличии</div>`)
	assert.False(t, ok, "absence of the banner is not zero stock")
}

func TestExtractPageNetworkWinsOnConflict(t *testing.T) {
	e := New(testLogger())

	// The same SKU appears in both sources with different prices; the DOM
	// adds one product interception missed.
	payload := `{"widgetStates":{"searchResultsV2-1-default-1":"{\"items\":[{\"skuId\":\"1681720585\",\"action\":{\"link\":\"/product/chekhol-1681720585/\"},\"mainState\":[{\"atom\":{\"type\":\"priceV2\",\"priceV2\":{\"price\":[{\"text\":\"1 290 ₽\"}]}}}]}]}"}}`
	html := `<div class="tile-root"><a href="/product/chekhol-1681720585/">Чехол</a><span>999 ₽</span></div>
	         <div class="tile-root"><a href="/product/dom-only-55555555/">Только в разметке</a><span>450 ₽</span></div>`

	obs := e.ExtractPage([][]byte{[]byte(payload)}, html, "чехол")
	require.Len(t, obs, 2)

	bySKU := make(map[int64]models.ProductObservation)
	for _, o := range obs {
		bySKU[o.SKU] = o
	}

	winner := bySKU[1681720585]
	assert.Equal(t, models.SourceNetwork, winner.Source)
	assert.Equal(t, 1290.0, winner.Price, "network price wins over DOM price")

	extra := bySKU[55555555]
	assert.Equal(t, models.SourceDOM, extra.Source)
	assert.Equal(t, 450.0, extra.Price)
}

func TestExtractPageDOMOnlyFallback(t *testing.T) {
	e := New(testLogger())

	obs := e.ExtractPage(nil, `<div class="tile-root"><a href="/product/x-12345678/">X</a><span>100 ₽</span></div>`, "x")
	require.Len(t, obs, 1)
	assert.Equal(t, models.SourceDOM, obs[0].Source)
}
