package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/extractor"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
)

const reviewsURLFormat = "https://www.ozon.ru/product/%d/reviews/?sort=published_at_desc"

// defaultMaxReviewPages bounds the paging walk. The feed serves 30
// reviews per page descending by time, so five pages cover any product
// with fewer than 150 reviews in the last month.
const defaultMaxReviewPages = 5

// reviewWindow is the horizon beyond which older pages cannot change a
// 7/30-day count.
const reviewWindow = 30 * 24 * time.Hour

// ReviewFeed is the outcome of one paginated review fetch.
type ReviewFeed struct {
	SKU        int64
	Timestamps []int64
	Total      int
	Pages      int
}

// ReviewFetcher walks a product's review feed collecting creation
// timestamps. Individual timestamps are an intermediate aggregate; only
// windowed counts leave this layer.
type ReviewFetcher struct {
	browser    *browser.Browser
	pacer      pacing.Pacer
	logger     *slog.Logger
	maxPages   int
	navRetries int
}

func NewReviewFetcher(b *browser.Browser, pacer pacing.Pacer) *ReviewFetcher {
	return &ReviewFetcher{
		browser:    b,
		pacer:      pacer,
		logger:     slog.Default().With("component", "review_fetcher"),
		maxPages:   defaultMaxReviewPages,
		navRetries: defaultNavRetries,
	}
}

// SetMaxPages overrides the paging budget. Non-positive values keep the
// default.
func (f *ReviewFetcher) SetMaxPages(n int) {
	if n > 0 {
		f.maxPages = n
	}
}

// SetNavigationRetries overrides the per-navigation retry budget.
func (f *ReviewFetcher) SetNavigationRetries(n int) {
	if n > 0 {
		f.navRetries = n
	}
}

// Fetch pages through the review feed for one SKU. It stops at maxPages,
// at feed end, or as soon as a page's oldest timestamp falls outside the
// 30-day horizon, whichever comes first.
func (f *ReviewFetcher) Fetch(ctx context.Context, sku int64) (*ReviewFeed, error) {
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
	drain := func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		out := payloads
		payloads = nil
		return out
	}

	if err := f.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	reviewsURL := fmt.Sprintf(reviewsURLFormat, sku)
	if err := f.browser.NavigateWithRetry(page, reviewsURL, f.navRetries); err != nil {
		return nil, fmt.Errorf("failed to open reviews for sku %d: %w", sku, err)
	}

	feed := &ReviewFeed{SKU: sku}
	horizon := time.Now().Add(-reviewWindow).Unix()

	for feed.Pages < f.maxPages {
		if ctx.Err() != nil {
			return feed, ctx.Err()
		}
		feed.Pages++

		parsed := extractor.ReviewPage{}
		for _, body := range drain() {
			p := extractor.ParseReviewList(body, f.logger)
			parsed.Timestamps = append(parsed.Timestamps, p.Timestamps...)
			if p.Total > 0 {
				parsed.Total = p.Total
			}
			if p.NextButton != "" {
				parsed.NextButton = p.NextButton
			}
		}

		feed.Timestamps = append(feed.Timestamps, parsed.Timestamps...)
		if parsed.Total > 0 {
			feed.Total = parsed.Total
		}

		f.logger.Debug("review page parsed",
			"sku", sku, "page", feed.Pages,
			"reviews", len(parsed.Timestamps), "total", feed.Total,
		)

		if oldestPast(parsed.Timestamps, horizon) {
			// Pages are descending by time; everything further back is
			// irrelevant to a 30-day count.
			break
		}
		if parsed.NextButton == "" && len(parsed.Timestamps) == 0 {
			break
		}

		if err := f.pageDelay(ctx); err != nil {
			return feed, err
		}
		more, err := f.nextReviewPage(page)
		if err != nil {
			f.logger.Warn("review paging failed", "sku", sku, "page", feed.Pages, "error", err)
			break
		}
		if !more {
			break
		}
	}

	f.logger.Info("review fetch complete",
		"sku", sku, "pages", feed.Pages, "timestamps", len(feed.Timestamps),
	)
	return feed, nil
}

// pageDelay waits out the inter-page pause. An interrupted wait is a
// cancellation, reported the same way as the loop's own context check
// so a partial feed always travels with the context error.
func (f *ReviewFetcher) pageDelay(ctx context.Context) error {
	if err := f.pacer.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func oldestPast(timestamps []int64, horizon int64) bool {
	for _, ts := range timestamps {
		if ts < horizon {
			return true
		}
	}
	return false
}

func (f *ReviewFetcher) nextReviewPage(page playwright.Page) (bool, error) {
	next := page.Locator(`a:has-text("Дальше")`).First()
	count, err := next.Count()
	if err != nil || count == 0 {
		return false, nil
	}
	if err := next.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(5000),
	}); err != nil {
		return false, fmt.Errorf("failed to open next review page: %w", err)
	}
	// Give the lazy loader a moment to fire its request.
	time.Sleep(2 * time.Second)
	return true, nil
}
