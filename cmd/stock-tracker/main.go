package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/config"
	"github.com/ozonradar/ozon-sales-tracker/internal/crawler"
	"github.com/ozonradar/ozon-sales-tracker/internal/database"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
	"github.com/ozonradar/ozon-sales-tracker/internal/queue"
	"github.com/ozonradar/ozon-sales-tracker/internal/stock"
)

func main() {
	var (
		skusArg  = flag.String("skus", "", "Comma-separated SKUs to probe (default: all tracked)")
		keyword  = flag.String("keyword", "", "Restrict tracked SKUs to one keyword")
		limit    = flag.Int("limit", 0, "Max SKUs per run (0 = config default)")
		interval = flag.Duration("interval", 0, "Re-run every interval (0 = one-shot)")
		headless = flag.Bool("headless", true, "Run browser in headless mode")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *limit <= 0 {
		*limit = cfg.Crawl.StockBatchLimit
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

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

	b, err := browser.New(&browser.Options{
		Headless:       *headless && cfg.Browser.Headless,
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

	pacer := pacing.New(cfg.Pacing.MinDelay, cfg.Pacing.MaxDelay)
	pacer.SetLongPauses(cfg.Pacing.PageMin, cfg.Pacing.PageMax, cfg.Pacing.BreakMin, cfg.Pacing.BreakMax)

	detailFetcher := crawler.NewDetailFetcher(b, pacer)
	detailFetcher.SetNavigationRetries(cfg.Crawl.NavigationRetries)
	tracker := stock.NewTracker(detailFetcher, db, logger)

	for {
		if err := runOnce(ctx, db, tracker, *skusArg, *keyword, *limit, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("probe run failed", "error", err)
		}

		if *interval <= 0 {
			return
		}
		logger.Info("sleeping until next run", "interval", *interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
		pacer.Reset()
	}
}

// runOnce fills the probe queue and drains it in batches.
func runOnce(ctx context.Context, db *database.DB, tracker *stock.Tracker, skusArg, keyword string, limit int, logger *slog.Logger) error {
	skus, err := resolveSKUs(ctx, db, skusArg, keyword, limit)
	if err != nil {
		return err
	}
	if len(skus) == 0 {
		logger.Info("no skus to probe")
		return nil
	}

	// Previously low or unknown stock gets probed first: those are the
	// items whose next sample is most likely to move an estimate.
	q := queue.NewInMemoryQueue()
	for _, sku := range skus {
		priority := 0
		history, err := db.GetStockHistory(ctx, sku, 7)
		if err == nil && len(history) > 0 {
			last := history[len(history)-1]
			if last.Status == models.StockLowStock || last.Status == models.StockOutOfStock {
				priority = 10
			}
		}
		if err := q.Push(queue.NewProbeTask(sku, keyword, priority)); err != nil {
			return err
		}
	}
	q.Close()

	batches := queue.NewBatchQueue(q, 25)
	total := 0
	for {
		tasks, err := batches.PopBatch(ctx)
		if errors.Is(err, queue.ErrQueueEmpty) || errors.Is(err, queue.ErrQueueClosed) {
			break
		}
		if err != nil {
			return err
		}

		batch := make([]int64, len(tasks))
		for i, task := range tasks {
			batch[i] = task.SKU
		}

		samples, err := tracker.Track(ctx, batch, 0)
		total += len(samples)
		if err != nil {
			return err
		}
	}

	logger.Info("probe run complete", "skus", len(skus), "samples", total)
	return nil
}

func resolveSKUs(ctx context.Context, db *database.DB, skusArg, keyword string, limit int) ([]int64, error) {
	if skusArg == "" {
		return db.ListTrackedSKUs(ctx, keyword, limit)
	}

	var skus []int64
	for _, part := range strings.Split(skusArg, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sku, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sku %q: %w", part, err)
		}
		skus = append(skus, sku)
	}
	if limit > 0 && len(skus) > limit {
		skus = skus[:limit]
	}
	return skus, nil
}
