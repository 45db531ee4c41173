package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ozonradar/ozon-sales-tracker/internal/api"
	"github.com/ozonradar/ozon-sales-tracker/internal/bcs"
	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/config"
	"github.com/ozonradar/ozon-sales-tracker/internal/crawler"
	"github.com/ozonradar/ozon-sales-tracker/internal/database"
	"github.com/ozonradar/ozon-sales-tracker/internal/estimator"
	"github.com/ozonradar/ozon-sales-tracker/internal/events"
	"github.com/ozonradar/ozon-sales-tracker/internal/extractor"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
	"github.com/ozonradar/ozon-sales-tracker/internal/ratelimit"
	"github.com/ozonradar/ozon-sales-tracker/internal/stock"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Browser setup
	b, err := browser.New(&browser.Options{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		AcceptLanguage: cfg.Browser.AcceptLanguage,
		TimezoneID:     cfg.Browser.TimezoneID,
		Locale:         cfg.Browser.Locale,
		ProxyServer:    cfg.Browser.ProxyServer,
	})
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	// Event publisher with transactional outbox
	publisher := events.NewPublisher(db, logger)

	// Redis client for the outbox relay
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	// One pacer per browser identity; all page loads flow through it.
	pacer := pacing.New(cfg.Pacing.MinDelay, cfg.Pacing.MaxDelay)
	pacer.SetLongPauses(cfg.Pacing.PageMin, cfg.Pacing.PageMax, cfg.Pacing.BreakMin, cfg.Pacing.BreakMax)

	// Extraction and estimation services. Crawl persistence goes through
	// the publishing sink so every saved observation also emits a
	// PRODUCT_OBSERVED event.
	ex := extractor.New(logger)
	sink := events.NewPublishingSink(db, publisher, logger)
	manager := crawler.NewManager(b, ex, pacer, sink, logger,
		crawler.WithCrawlLimits(cfg.Crawl.MaxEmptyPasses, cfg.Crawl.NavigationRetries))
	detailFetcher := crawler.NewDetailFetcher(b, pacer)
	detailFetcher.SetNavigationRetries(cfg.Crawl.NavigationRetries)
	tracker := stock.NewTracker(detailFetcher, db, logger)
	reviewFetcher := crawler.NewReviewFetcher(b, pacer)
	reviewFetcher.SetMaxPages(cfg.Reviews.MaxPages)
	reviewFetcher.SetNavigationRetries(cfg.Crawl.NavigationRetries)
	analyzer := estimator.NewReviewAnalyzer(cfg.Reviews.RateLow, cfg.Reviews.RateMid, cfg.Reviews.RateHigh, logger)
	stockDiff := estimator.NewStockDiffEstimator(logger)
	fuser := estimator.NewFuser(stockDiff, analyzer, logger)

	// The analytics API gets a plain adaptive throttle; humanized
	// browse pacing is wasted on a JSON endpoint.
	bcsClient := bcs.NewClient(bcs.Options{
		BaseURL: cfg.BCS.BaseURL,
		AuthURL: cfg.BCS.AuthURL,
		Token:   cfg.BCS.Token,
		Pacer:   ratelimit.NewAdaptiveRateLimiter(500*time.Millisecond, 1500*time.Millisecond),
	}, logger)
	if cfg.BCS.Username != "" && cfg.BCS.Password != "" {
		if err := bcsClient.Login(ctx, cfg.BCS.Username, cfg.BCS.Password); err != nil {
			logger.Warn("bcs login failed, third-party fetches disabled until login", "error", err)
		}
	}

	handlers := api.NewHandlers(manager, tracker, reviewFetcher, analyzer, stockDiff, fuser, bcsClient, db, publisher, logger)

	// Setup Chi router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		pendingCount, _ := relay.GetPendingCount(r.Context())
		deadLetterCount, _ := relay.GetDeadLetterCount(r.Context())

		health := map[string]interface{}{
			"status": "ok",
			"outbox": map[string]interface{}{
				"pending":     pendingCount,
				"dead_letter": deadLetterCount,
			},
		}

		status := http.StatusOK
		if pendingCount > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetterCount > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	// API Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/", handlers.StartCrawl)
			r.Delete("/", handlers.CancelCrawl)
			r.Get("/status", handlers.CrawlStatus)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", handlers.ListProducts)
			r.Get("/{sku}", handlers.GetProduct)
			r.Get("/{sku}/stock", handlers.GetStockHistory)
			r.Get("/{sku}/estimate", handlers.GetEstimate)
			r.Get("/{sku}/score", handlers.GetActivityScore)
		})

		r.Post("/stock/track", handlers.TrackStock)
		r.Post("/reviews/analyze", handlers.AnalyzeReviews)

		r.Route("/bcs", func(r chi.Router) {
			r.Post("/login", handlers.BCSLogin)
			r.Post("/token", handlers.BCSToken)
			r.Post("/fetch", handlers.BCSFetch)
		})

		r.Get("/stats", handlers.GetStats)
	})

	// Start server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
