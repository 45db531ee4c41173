package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/config"
	"github.com/ozonradar/ozon-sales-tracker/internal/crawler"
	"github.com/ozonradar/ozon-sales-tracker/internal/database"
	"github.com/ozonradar/ozon-sales-tracker/internal/extractor"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
	"github.com/ozonradar/ozon-sales-tracker/internal/storage"
)

func main() {
	var (
		keywordsArg = flag.String("keywords", "", "Comma-separated search keywords")
		watchFile   = flag.String("watchlist", "", "Keyword watchlist JSON file (crawls pending entries)")
		maxItems    = flag.Int("max", 0, "Max products per keyword (0 = config default)")
		importOnly  = flag.Bool("import-only", false, "Keep only cross-border listings")
		headless    = flag.Bool("headless", true, "Run browser in headless mode")
		noDB        = flag.Bool("no-db", false, "Skip the database, write observations to -out instead")
		outFile     = flag.String("out", "observations.jsonl", "Output file when -no-db is set")
	)
	flag.Parse()

	if *keywordsArg == "" && *watchFile == "" {
		fmt.Fprintln(os.Stderr, "provide -keywords or -watchlist")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
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

	if *maxItems <= 0 {
		*maxItems = cfg.Crawl.MaxItemsPerKeyword
	}

	var sink crawler.ObservationSink
	if *noDB {
		fileSink, err := newJSONLSink(*outFile)
		if err != nil {
			logger.Error("failed to open output file", "path", *outFile, "error", err)
			os.Exit(1)
		}
		defer fileSink.Close()
		sink = fileSink
	} else {
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
		sink = db
	}

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

	manager := crawler.NewManager(b, extractor.New(logger), pacer, sink, logger,
		crawler.WithCrawlLimits(cfg.Crawl.MaxEmptyPasses, cfg.Crawl.NavigationRetries))

	if *watchFile != "" {
		runWatchlist(ctx, manager, *watchFile, *maxItems, logger)
		return
	}

	keywords := splitKeywords(*keywordsArg)
	task := runCrawl(ctx, manager, crawler.CrawlRequest{
		Keywords:      keywords,
		MaxPerKeyword: *maxItems,
		Policy:        crawler.SwitchPolicy(cfg.Crawl.SwitchPolicy),
		TimeSlice:     cfg.Crawl.TimeSlice,
		ImportOnly:    *importOnly,
	}, logger)
	if task != nil && task.State == crawler.TaskFailed {
		os.Exit(1)
	}
}

// runWatchlist crawls every pending watchlist entry, one task per
// keyword, and records outcomes back into the file.
func runWatchlist(ctx context.Context, manager *crawler.Manager, path string, defaultMax int, logger *slog.Logger) {
	wl, err := storage.NewWatchlist(path)
	if err != nil {
		logger.Error("failed to load watchlist", "path", path, "error", err)
		os.Exit(1)
	}

	pending := wl.GetPending()
	if len(pending) == 0 {
		logger.Info("watchlist has no pending keywords")
		return
	}
	logger.Info("crawling watchlist", "pending", len(pending))

	for _, kw := range pending {
		if ctx.Err() != nil {
			return
		}

		maxItems := kw.MaxItems
		if maxItems <= 0 {
			maxItems = defaultMax
		}

		if err := wl.UpdateStatus(kw.Keyword, "crawling", ""); err != nil {
			logger.Warn("failed to update watchlist", "keyword", kw.Keyword, "error", err)
		}

		task := runCrawl(ctx, manager, crawler.CrawlRequest{
			Keywords:      []string{kw.Keyword},
			MaxPerKeyword: maxItems,
			ImportOnly:    kw.ImportOnly,
		}, logger)

		var crawlErr error
		collected := 0
		if task != nil {
			collected = task.Collected
			if task.State == crawler.TaskFailed {
				crawlErr = fmt.Errorf("%s", task.Error)
			}
		}
		if err := wl.MarkCrawled(kw.Keyword, collected, crawlErr); err != nil {
			logger.Warn("failed to record crawl outcome", "keyword", kw.Keyword, "error", err)
		}
	}
}

// runCrawl starts one task and blocks until it settles, logging
// progress along the way.
func runCrawl(ctx context.Context, manager *crawler.Manager, req crawler.CrawlRequest, logger *slog.Logger) *crawler.Task {
	task, progress, err := manager.StartCrawl(ctx, req)
	if err != nil {
		logger.Error("failed to start crawl", "error", err)
		return nil
	}

	for p := range progress {
		logger.Info("progress",
			"keyword", p.Keyword, "collected", p.Collected, "target", p.Target, "pass", p.Pass,
		)
	}

	final := manager.Status()
	if final != nil {
		logger.Info("crawl finished",
			"task_id", final.ID, "state", final.State,
			"collected", final.Collected, "reason", final.Reason,
		)
		return final
	}
	return task
}

func splitKeywords(arg string) []string {
	var out []string
	for _, k := range strings.Split(arg, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// jsonlSink appends observations to a JSON-lines file.
type jsonlSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func newJSONLSink(path string) (*jsonlSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &jsonlSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *jsonlSink) SaveObservation(_ context.Context, obs models.ProductObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(obs)
}

func (s *jsonlSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
