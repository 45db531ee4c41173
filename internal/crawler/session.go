package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/extractor"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
)

const searchURLFormat = "https://www.ozon.ru/search/?text=%s&from_global=true"

// defaultMaxEmptyPasses is how many consecutive extraction passes may
// yield zero new products before the session concludes the result list
// is exhausted.
const defaultMaxEmptyPasses = 10

// defaultNavRetries is the navigation retry budget shared by all page
// loads in this package.
const defaultNavRetries = 3

// TerminationReason says why a crawl ended. Budget exhaustion and
// cancellation are normal terminations, distinguishable from failure.
type TerminationReason string

const (
	ReasonTargetReached TerminationReason = "target_reached"
	ReasonNoNewContent  TerminationReason = "no_new_content"
	ReasonEndOfResults  TerminationReason = "end_of_results"
	ReasonCancelled     TerminationReason = "cancelled"
	ReasonFailed        TerminationReason = "failed"
)

// Progress is one progress event emitted during a crawl.
type Progress struct {
	Keyword   string `json:"keyword"`
	Collected int    `json:"collected"`
	Target    int    `json:"target"`
	Pass      int    `json:"pass"`
}

// Filter drops observations the caller is not interested in, e.g. an
// import-only pass that keeps foreign-seller listings.
type Filter func(models.ProductObservation) bool

// Session crawls one keyword with one exclusively-owned page. The seen
// set and counters are touched only on the session's own goroutine;
// only the response-capture buffer needs a lock, because Playwright
// delivers network events on its event loop.
type Session struct {
	browser   *browser.Browser
	extractor *extractor.Extractor
	pacer     pacing.Pacer
	logger    *slog.Logger

	maxEmptyPasses int
	navRetries     int
	filter         Filter
	progress       chan<- Progress

	mu       sync.Mutex
	payloads [][]byte
}

type SessionOption func(*Session)

// WithFilter installs an observation filter.
func WithFilter(f Filter) SessionOption {
	return func(s *Session) { s.filter = f }
}

// WithProgress subscribes a channel to progress events. Sends are
// non-blocking; a slow consumer misses events rather than stalling the
// crawl.
func WithProgress(ch chan<- Progress) SessionOption {
	return func(s *Session) { s.progress = ch }
}

// WithMaxEmptyPasses overrides the no-new-content stop threshold.
func WithMaxEmptyPasses(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxEmptyPasses = n
		}
	}
}

// WithNavigationRetries overrides the navigation retry budget.
func WithNavigationRetries(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.navRetries = n
		}
	}
}

func NewSession(b *browser.Browser, ex *extractor.Extractor, pacer pacing.Pacer, opts ...SessionOption) *Session {
	s := &Session{
		browser:        b,
		extractor:      ex,
		pacer:          pacer,
		logger:         slog.Default().With("component", "crawl_session"),
		maxEmptyPasses: defaultMaxEmptyPasses,
		navRetries:     defaultNavRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run crawls search results for one keyword until maxItems products are
// collected, the result list is exhausted, or ctx is cancelled. The
// returned observations are valid for every outcome including failure;
// cancellation is cooperative and honored at pass boundaries, never
// mid-extraction.
func (s *Session) Run(ctx context.Context, keyword string, maxItems int) ([]models.ProductObservation, TerminationReason, error) {
	s.logger.Info("starting crawl", "keyword", keyword, "target", maxItems)

	page, err := s.browser.NewPage()
	if err != nil {
		return nil, ReasonFailed, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	s.captureResponses(page)

	searchURL := fmt.Sprintf(searchURLFormat, url.QueryEscape(keyword))
	if err := s.browser.NavigateWithRetry(page, searchURL, s.navRetries); err != nil {
		return nil, ReasonFailed, fmt.Errorf("failed to open search results: %w", err)
	}
	s.browser.HumanizeInteraction(page)

	seen := make(map[int64]bool)
	var collected []models.ProductObservation
	emptyPasses := 0
	pass := 0

	for {
		if ctx.Err() != nil {
			s.logger.Info("crawl cancelled", "keyword", keyword, "collected", len(collected))
			return collected, ReasonCancelled, nil
		}

		pass++
		fresh, err := s.extractPass(page, keyword, seen)
		if err != nil {
			// A single bad pass is absorbed: it counts toward the
			// no-new-content streak but never kills the session.
			s.logger.Warn("extraction pass failed", "keyword", keyword, "pass", pass, "error", err)
			fresh = nil
		}

		if len(fresh) == 0 {
			emptyPasses++
		} else {
			emptyPasses = 0
			collected = append(collected, fresh...)
			s.emitProgress(Progress{
				Keyword:   keyword,
				Collected: len(collected),
				Target:    maxItems,
				Pass:      pass,
			})
		}

		s.logger.Debug("extraction pass done",
			"keyword", keyword, "pass", pass,
			"new", len(fresh), "total", len(collected), "empty_streak", emptyPasses,
		)

		if maxItems > 0 && len(collected) >= maxItems {
			s.logger.Info("crawl target reached", "keyword", keyword, "collected", len(collected))
			return collected[:maxItems], ReasonTargetReached, nil
		}
		if emptyPasses >= s.maxEmptyPasses {
			s.logger.Info("no new content", "keyword", keyword, "collected", len(collected))
			return collected, ReasonNoNewContent, nil
		}

		more, err := s.loadMore(page)
		if err != nil {
			s.logger.Warn("failed to load further results", "keyword", keyword, "error", err)
			emptyPasses++
		} else if !more {
			s.logger.Info("end of results", "keyword", keyword, "collected", len(collected))
			return collected, ReasonEndOfResults, nil
		}

		if err := s.pacer.Wait(ctx); err != nil {
			return collected, ReasonCancelled, nil
		}
	}
}

// captureResponses buffers composer payloads as the page loads them.
func (s *Session) captureResponses(page playwright.Page) {
	page.OnResponse(func(resp playwright.Response) {
		if !extractor.IsComposerEndpoint(resp.URL()) {
			return
		}
		body, err := resp.Body()
		if err != nil {
			s.logger.Debug("failed to read intercepted body", "url", resp.URL(), "error", err)
			return
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, body)
		s.mu.Unlock()
	})
}

func (s *Session) drainPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.payloads
	s.payloads = nil
	return out
}

func (s *Session) extractPass(page playwright.Page, keyword string, seen map[int64]bool) ([]models.ProductObservation, error) {
	payloads := s.drainPayloads()

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}

	var fresh []models.ProductObservation
	for _, obs := range s.extractor.ExtractPage(payloads, html, keyword) {
		if seen[obs.SKU] {
			continue
		}
		if s.filter != nil && !s.filter(obs) {
			continue
		}
		seen[obs.SKU] = true
		fresh = append(fresh, obs)
	}
	return fresh, nil
}

// loadMore triggers further results: scroll for the lazy loader, then
// the next-page link if one is rendered. false means the page signals
// no further content.
func (s *Session) loadMore(page playwright.Page) (bool, error) {
	if err := s.browser.ScrollToBottom(page); err != nil {
		return true, err
	}

	next := page.Locator(`a:has-text("Дальше")`).First()
	count, err := next.Count()
	if err != nil || count == 0 {
		// Infinite-scroll layout: the scroll itself is the trigger, and
		// exhaustion shows up as an empty-pass streak instead.
		return true, nil
	}

	disabled, err := next.GetAttribute("aria-disabled")
	if err == nil && disabled == "true" {
		return false, nil
	}

	if err := next.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(5000),
	}); err != nil {
		return true, fmt.Errorf("failed to open next page: %w", err)
	}
	return true, nil
}

func (s *Session) emitProgress(p Progress) {
	if s.progress == nil {
		return
	}
	select {
	case s.progress <- p:
	default:
	}
}
