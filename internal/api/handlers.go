package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ozonradar/ozon-sales-tracker/internal/bcs"
	"github.com/ozonradar/ozon-sales-tracker/internal/crawler"
	"github.com/ozonradar/ozon-sales-tracker/internal/database"
	"github.com/ozonradar/ozon-sales-tracker/internal/estimator"
	"github.com/ozonradar/ozon-sales-tracker/internal/events"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/stock"
)

type Handlers struct {
	manager   *crawler.Manager
	tracker   *stock.Tracker
	reviews   *crawler.ReviewFetcher
	analyzer  *estimator.ReviewAnalyzer
	stockDiff *estimator.StockDiffEstimator
	fuser     *estimator.Fuser
	bcs       *bcs.Client
	db        *database.DB
	publisher *events.Publisher
	logger    *slog.Logger
}

func NewHandlers(
	manager *crawler.Manager,
	tracker *stock.Tracker,
	reviews *crawler.ReviewFetcher,
	analyzer *estimator.ReviewAnalyzer,
	stockDiff *estimator.StockDiffEstimator,
	fuser *estimator.Fuser,
	bcsClient *bcs.Client,
	db *database.DB,
	publisher *events.Publisher,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		manager:   manager,
		tracker:   tracker,
		reviews:   reviews,
		analyzer:  analyzer,
		stockDiff: stockDiff,
		fuser:     fuser,
		bcs:       bcsClient,
		db:        db,
		publisher: publisher,
		logger:    logger,
	}
}

// StartCrawlRequest represents a new crawl task request
type StartCrawlRequest struct {
	Keywords      []string `json:"keywords"`
	MaxPerKeyword int      `json:"max_per_keyword"`
	SwitchPolicy  string   `json:"switch_policy"`
	TimeSliceSec  int      `json:"time_slice_seconds"`
	ImportOnly    bool     `json:"import_only"`
}

// StartCrawl launches a crawl task. Only one task runs at a time; a
// second request gets 409.
func (h *Handlers) StartCrawl(w http.ResponseWriter, r *http.Request) {
	var req StartCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Keywords) == 0 {
		h.respondError(w, http.StatusBadRequest, "keywords is required")
		return
	}
	if req.MaxPerKeyword <= 0 {
		req.MaxPerKeyword = 100
	}

	// The task outlives this request; it must not die with its context.
	task, progress, err := h.manager.StartCrawl(context.Background(), crawler.CrawlRequest{
		Keywords:      req.Keywords,
		MaxPerKeyword: req.MaxPerKeyword,
		Policy:        crawler.SwitchPolicy(req.SwitchPolicy),
		TimeSlice:     time.Duration(req.TimeSliceSec) * time.Second,
		ImportOnly:    req.ImportOnly,
	})
	if errors.Is(err, crawler.ErrCrawlRunning) {
		h.respondError(w, http.StatusConflict, "a crawl task is already running")
		return
	}
	if err != nil {
		h.logger.Error("failed to start crawl", "error", err)
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	go h.watchCrawl(task.ID, progress)

	h.respondJSON(w, http.StatusAccepted, task)
}

// watchCrawl drains the progress stream and publishes the completion
// event once the task settles.
func (h *Handlers) watchCrawl(taskID string, progress <-chan crawler.Progress) {
	for range progress {
	}

	task := h.manager.Status()
	if task == nil || task.ID != taskID {
		return
	}
	if h.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.publisher.PublishCrawlCompleted(ctx, &events.CrawlCompletedPayload{
		TaskID:    task.ID,
		Keywords:  task.Keywords,
		Collected: task.Collected,
		State:     string(task.State),
		Reason:    task.Reason,
	})
	if err != nil {
		h.logger.Error("failed to publish crawl completion", "task_id", taskID, "error", err)
	}
}

// CancelCrawl requests cancellation of the running crawl task.
func (h *Handlers) CancelCrawl(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CancelCrawl(); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// CrawlStatus returns the latest crawl task snapshot.
func (h *Handlers) CrawlStatus(w http.ResponseWriter, r *http.Request) {
	task := h.manager.Status()
	if task == nil {
		h.respondError(w, http.StatusNotFound, "no crawl task has run yet")
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// ListProducts returns observations for one keyword, best rank first.
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		h.respondError(w, http.StatusBadRequest, "keyword query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	obs, err := h.db.ListObservations(r.Context(), keyword, limit)
	if err != nil {
		h.logger.Error("failed to list observations", "keyword", keyword, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	h.respondJSON(w, http.StatusOK, obs)
}

// GetProduct returns the most recent observation of one SKU.
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	sku, ok := h.skuParam(w, r)
	if !ok {
		return
	}

	obs, err := h.db.GetObservation(r.Context(), sku)
	if errors.Is(err, database.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get observation", "sku", sku, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}
	h.respondJSON(w, http.StatusOK, obs)
}

// TrackStockRequest represents a stock snapshot batch request
type TrackStockRequest struct {
	SKUs    []int64 `json:"skus"`
	Keyword string  `json:"keyword"`
	Limit   int     `json:"limit"`
}

// TrackStock probes a batch of product pages and records stock samples.
// With no explicit SKUs the tracked set from past crawls is used.
func (h *Handlers) TrackStock(w http.ResponseWriter, r *http.Request) {
	var req TrackStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	skus := req.SKUs
	if len(skus) == 0 {
		var err error
		skus, err = h.db.ListTrackedSKUs(r.Context(), req.Keyword, req.Limit)
		if err != nil {
			h.logger.Error("failed to list tracked skus", "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to resolve skus")
			return
		}
	}
	if len(skus) == 0 {
		h.respondError(w, http.StatusNotFound, "no skus to track")
		return
	}

	samples, err := h.tracker.Track(r.Context(), skus, req.Limit)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("stock tracking failed", "error", err)
	}

	if h.publisher != nil {
		for i := range samples {
			if err := h.publisher.PublishStockSampled(r.Context(), &samples[i]); err != nil {
				h.logger.Error("failed to publish stock sample", "sku", samples[i].SKU, "error", err)
			}
		}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"requested": len(skus),
		"taken":     len(samples),
		"samples":   samples,
	})
}

// GetStockHistory returns the recorded samples for one SKU.
func (h *Handlers) GetStockHistory(w http.ResponseWriter, r *http.Request) {
	sku, ok := h.skuParam(w, r)
	if !ok {
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	samples, err := h.db.GetStockHistory(r.Context(), sku, days)
	if err != nil {
		h.logger.Error("failed to get stock history", "sku", sku, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stock history")
		return
	}
	h.respondJSON(w, http.StatusOK, samples)
}

// GetEstimate recomputes and returns the fused sales estimate for one
// SKU. Stock history and any stored third-party record always feed in;
// ?with_reviews=true additionally walks the live review feed.
func (h *Handlers) GetEstimate(w http.ResponseWriter, r *http.Request) {
	sku, ok := h.skuParam(w, r)
	if !ok {
		return
	}

	samples, err := h.db.GetStockHistory(r.Context(), sku, 30)
	if err != nil {
		h.logger.Error("failed to get stock history", "sku", sku, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stock history")
		return
	}

	third, err := h.db.GetThirdPartyRecord(r.Context(), sku)
	if err != nil {
		h.logger.Error("failed to get third-party record", "sku", sku, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get third-party record")
		return
	}

	var counts *estimator.ReviewWindowCounts
	if r.URL.Query().Get("with_reviews") == "true" {
		feed, err := h.reviews.Fetch(r.Context(), sku)
		if err != nil {
			h.logger.Warn("review fetch failed, estimating without reviews", "sku", sku, "error", err)
		} else {
			c := estimator.CountWindows(feed.Timestamps, feed.Total, time.Now())
			counts = &c
		}
	}

	est := h.fuser.Fuse(sku, samples, counts, third, time.Now())

	// Last resort: amortize the lifetime review count over the listing
	// age. Very low confidence, but better than returning no figure.
	if est.WeeklyMethod == models.MethodNoData && est.MonthlyMethod == models.MethodNoData {
		if obs, err := h.db.GetObservation(r.Context(), sku); err == nil && obs.ReviewCount > 0 {
			fallback := h.analyzer.EstimateFromTotal(sku, obs.ReviewCount, nil, time.Now())
			est.WeeklyUnits = fallback.Weekly.Mid
			est.MonthlyUnits = fallback.Monthly.Mid
			est.WeeklyMethod = fallback.Method
			est.MonthlyMethod = fallback.Method
			est.WeeklyConfidence = fallback.Confidence
			est.MonthlyConfidence = fallback.Confidence
		}
	}

	if err := h.db.SaveSalesEstimate(r.Context(), est); err != nil {
		h.logger.Error("failed to save estimate", "sku", sku, "error", err)
	}
	if h.publisher != nil {
		if err := h.publisher.PublishEstimateUpdated(r.Context(), &est); err != nil {
			h.logger.Error("failed to publish estimate", "sku", sku, "error", err)
		}
	}

	h.respondJSON(w, http.StatusOK, est)
}

// GetActivityScore scores whether a product is actively selling from
// whatever signals are on record.
func (h *Handlers) GetActivityScore(w http.ResponseWriter, r *http.Request) {
	sku, ok := h.skuParam(w, r)
	if !ok {
		return
	}

	obs, err := h.db.GetObservation(r.Context(), sku)
	if errors.Is(err, database.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get observation", "sku", sku, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}

	samples, err := h.db.GetStockHistory(r.Context(), sku, 30)
	if err != nil {
		h.logger.Error("failed to get stock history", "sku", sku, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stock history")
		return
	}
	diff := h.stockDiff.Estimate(samples, 7*24*time.Hour, time.Now())

	reviews7d := 0
	if r.URL.Query().Get("with_reviews") == "true" {
		if feed, err := h.reviews.Fetch(r.Context(), sku); err == nil {
			counts := estimator.CountWindows(feed.Timestamps, feed.Total, time.Now())
			reviews7d = counts.Reviews7d
		}
	}

	score := estimator.ScoreActivity(estimator.ScoreInputs{
		Reviews7d:       reviews7d,
		StockDecreased:  diff.UnitsSold > 0,
		SearchRank:      obs.SearchRank,
		NextDayDelivery: nextDayDelivery(obs.DeliveryInfo),
		IsPromoted:      obs.IsPromoted,
	})

	h.respondJSON(w, http.StatusOK, score)
}

// AnalyzeReviewsRequest represents a batch review analysis request
type AnalyzeReviewsRequest struct {
	SKUs []int64 `json:"skus"`
}

// AnalyzeReviews walks the review feeds for a batch of SKUs and returns
// review-based sales estimates.
func (h *Handlers) AnalyzeReviews(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeReviewsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SKUs) == 0 {
		h.respondError(w, http.StatusBadRequest, "skus is required")
		return
	}

	estimates := make([]estimator.ReviewEstimate, 0, len(req.SKUs))
	failed := 0
	for _, sku := range req.SKUs {
		if r.Context().Err() != nil {
			break
		}
		feed, err := h.reviews.Fetch(r.Context(), sku)
		if err != nil {
			failed++
			h.logger.Warn("review fetch failed", "sku", sku, "error", err)
			continue
		}
		counts := estimator.CountWindows(feed.Timestamps, feed.Total, time.Now())
		estimates = append(estimates, h.analyzer.Estimate(sku, counts))
	}

	active := 0
	for _, est := range estimates {
		if est.Reviews7d > 0 {
			active++
		}
	}

	top := make([]estimator.ReviewEstimate, len(estimates))
	copy(top, estimates)
	sort.Slice(top, func(i, j int) bool {
		return top[i].Weekly.Mid > top[j].Weekly.Mid
	})
	if len(top) > 3 {
		top = top[:3]
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"estimates":   estimates,
		"failed":      failed,
		"active":      active,
		"top_sellers": top,
	})
}

// BCSLoginRequest represents BCS credential login
type BCSLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BCSLogin exchanges credentials for a BCS session token.
func (h *Handlers) BCSLogin(w http.ResponseWriter, r *http.Request) {
	var req BCSLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		h.respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if err := h.bcs.Login(r.Context(), req.Username, req.Password); err != nil {
		var authErr *bcs.AuthError
		if errors.As(err, &authErr) {
			h.respondError(w, http.StatusUnauthorized, authErr.Message)
			return
		}
		h.logger.Error("bcs login failed", "error", err)
		h.respondError(w, http.StatusBadGateway, "login request failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

// BCSTokenRequest represents direct token injection
type BCSTokenRequest struct {
	Token string `json:"token"`
}

// BCSToken installs an existing session token, skipping login.
func (h *Handlers) BCSToken(w http.ResponseWriter, r *http.Request) {
	var req BCSTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		h.respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	h.bcs.SetToken(req.Token)
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "token set"})
}

// BCSFetchRequest represents a batch fetch from the BCS service
type BCSFetchRequest struct {
	SKUs              []int64 `json:"skus"`
	IncludeDimensions bool    `json:"include_dimensions"`
}

// BCSFetch pulls third-party sales records for a batch of SKUs and
// stores them for later fusion.
func (h *Handlers) BCSFetch(w http.ResponseWriter, r *http.Request) {
	var req BCSFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SKUs) == 0 {
		h.respondError(w, http.StatusBadRequest, "skus is required")
		return
	}
	if !h.bcs.Authenticated() {
		h.respondError(w, http.StatusUnauthorized, "not authenticated with bcs")
		return
	}

	records, err := h.bcs.FetchBatch(r.Context(), req.SKUs, req.IncludeDimensions, nil)
	if err != nil {
		if errors.Is(err, bcs.ErrTokenExpired) || errors.Is(err, bcs.ErrNotAuthenticated) {
			h.respondError(w, http.StatusUnauthorized, "bcs session expired")
			return
		}
		h.logger.Error("bcs batch fetch failed", "error", err)
		h.respondError(w, http.StatusBadGateway, "batch fetch failed")
		return
	}

	saved := 0
	for _, rec := range records {
		if err := h.db.SaveThirdPartyRecord(r.Context(), rec); err != nil {
			h.logger.Error("failed to save third-party record", "sku", rec.SKU, "error", err)
			continue
		}
		saved++
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"requested": len(req.SKUs),
		"fetched":   len(records),
		"saved":     saved,
	})
}

// GetStats reports row counts across the main tables.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]int64{}
	for name, query := range map[string]string{
		"observations":        "SELECT COUNT(*) FROM product_observations",
		"stock_samples":       "SELECT COUNT(*) FROM stock_samples",
		"sales_estimates":     "SELECT COUNT(*) FROM sales_estimates",
		"third_party_records": "SELECT COUNT(*) FROM third_party_records",
	} {
		var count int64
		if err := h.db.QueryRow(r.Context(), query).Scan(&count); err != nil {
			h.logger.Error("failed to count rows", "table", name, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		stats[name] = count
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// nextDayDelivery reports whether the delivery note promises arrival
// today or tomorrow. Local stock is a weak proxy for sales volume.
func nextDayDelivery(info string) bool {
	for _, marker := range []string{"Завтра", "завтра", "Сегодня", "сегодня"} {
		if strings.Contains(info, marker) {
			return true
		}
	}
	return false
}

// Helper methods
func (h *Handlers) skuParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sku, err := strconv.ParseInt(chi.URLParam(r, "sku"), 10, 64)
	if err != nil || sku <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid sku")
		return 0, false
	}
	return sku, true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
