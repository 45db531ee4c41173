package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/extractor"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
)

const productURLFormat = "https://www.ozon.ru/product/%d/"

// Detail is everything one product-page visit yields: the enriched
// observation plus whatever the page revealed about stock.
type Detail struct {
	Observation models.ProductObservation
	Stock       extractor.StockWidgets
}

// DetailFetcher visits product pages one at a time through the shared
// pacer. It owns no page between calls; each fetch opens and closes its
// own, so a crashed page never poisons the next SKU.
type DetailFetcher struct {
	browser    *browser.Browser
	pacer      pacing.Pacer
	logger     *slog.Logger
	navRetries int
}

func NewDetailFetcher(b *browser.Browser, pacer pacing.Pacer) *DetailFetcher {
	return &DetailFetcher{
		browser:    b,
		pacer:      pacer,
		logger:     slog.Default().With("component", "detail_fetcher"),
		navRetries: defaultNavRetries,
	}
}

// SetNavigationRetries overrides the per-navigation retry budget.
func (f *DetailFetcher) SetNavigationRetries(n int) {
	if n > 0 {
		f.navRetries = n
	}
}

// Fetch loads one product page and merges the intercepted payload view
// with the rendered markup. The network path wins on overlap; the DOM
// fills what interception missed.
func (f *DetailFetcher) Fetch(ctx context.Context, sku int64) (*Detail, error) {
	if err := f.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	page, err := f.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	var mu sync.Mutex
	var payloads [][]byte
	page.OnResponse(func(resp playwright.Response) {
		if !extractor.IsComposerEndpoint(resp.URL()) {
			return
		}
		if body, err := resp.Body(); err == nil {
			mu.Lock()
			payloads = append(payloads, body)
			mu.Unlock()
		}
	})

	productURL := fmt.Sprintf(productURLFormat, sku)
	if err := f.browser.NavigateWithRetry(page, productURL, f.navRetries); err != nil {
		return nil, fmt.Errorf("failed to open product page for sku %d: %w", sku, err)
	}
	f.browser.HumanizeInteraction(page)

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read product page for sku %d: %w", sku, err)
	}

	obs, err := extractor.ParseDetailHTML(html, sku)
	if err != nil {
		return nil, fmt.Errorf("failed to parse product page for sku %d: %w", sku, err)
	}
	obs.ProductURL = productURL

	var stock extractor.StockWidgets
	mu.Lock()
	captured := payloads
	payloads = nil
	mu.Unlock()
	for _, body := range captured {
		w := extractor.ParseStockWidgets(body, f.logger)
		if w.Quantity != nil {
			stock.Quantity = w.Quantity
			stock.StockText = w.StockText
		}
		if w.ReviewCount > 0 {
			stock.ReviewCount = w.ReviewCount
		}
		if w.OutOfStock {
			stock.OutOfStock = true
		}
		if w.SellerName != "" {
			stock.SellerName = w.SellerName
		}
	}

	// Network data is authoritative where both paths saw the field.
	if stock.ReviewCount > 0 {
		obs.ReviewCount = stock.ReviewCount
	}
	if stock.Quantity != nil {
		obs.StockQuantity = stock.Quantity
	}
	if stock.SellerName != "" {
		obs.SellerName = stock.SellerName
	}
	obs.Source = models.SourceNetwork
	if len(captured) == 0 {
		obs.Source = models.SourceDOM
	}

	f.logger.Debug("detail fetched", "sku", sku, "source", obs.Source, "payloads", len(captured))
	return &Detail{Observation: obs, Stock: stock}, nil
}
