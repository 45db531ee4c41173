package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ozonradar/ozon-sales-tracker/internal/browser"
	"github.com/ozonradar/ozon-sales-tracker/internal/extractor"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
)

// ErrCrawlRunning is returned when a crawl is requested while another
// one holds the browser. Pacing is calibrated per identity, so two
// concurrent crawls through one session would defeat it.
var ErrCrawlRunning = errors.New("crawler: a crawl task is already running")

// SwitchPolicy decides when a multi-keyword crawl moves to the next
// keyword.
type SwitchPolicy string

const (
	// SwitchSequential exhausts each keyword before moving on.
	SwitchSequential SwitchPolicy = "sequential"
	// SwitchTimer grants each keyword a fixed time slice.
	SwitchTimer SwitchPolicy = "timer"
	// SwitchQuantity moves on as soon as the per-keyword target is hit.
	SwitchQuantity SwitchPolicy = "quantity"
)

// TaskState is the lifecycle of one crawl task. Every task ends in
// completed, failed or cancelled.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is a point-in-time snapshot of a crawl task.
type Task struct {
	ID             string       `json:"id"`
	Keywords       []string     `json:"keywords"`
	CurrentKeyword string       `json:"current_keyword,omitempty"`
	MaxPerKeyword  int          `json:"max_per_keyword"`
	Policy         SwitchPolicy `json:"switch_policy"`
	State          TaskState    `json:"state"`
	Collected      int          `json:"collected"`
	Reason         string       `json:"reason,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// ObservationSink receives collected observations as they arrive.
type ObservationSink interface {
	SaveObservation(ctx context.Context, obs models.ProductObservation) error
}

// CrawlRequest describes one multi-keyword crawl.
type CrawlRequest struct {
	Keywords      []string
	MaxPerKeyword int
	Policy        SwitchPolicy
	// TimeSlice bounds each keyword under SwitchTimer; ignored otherwise.
	TimeSlice time.Duration
	// ImportOnly keeps only listings shipped by foreign sellers.
	ImportOnly bool
}

// Manager owns the single crawl slot. One manager maps to one browser
// identity; concurrent crawl requests are rejected, not queued.
type Manager struct {
	browser   *browser.Browser
	extractor *extractor.Extractor
	pacer     pacing.Pacer
	sink      ObservationSink
	logger    *slog.Logger

	maxEmptyPasses int
	navRetries     int

	mu     sync.Mutex
	task   *Task
	cancel context.CancelFunc
}

type ManagerOption func(*Manager)

// WithCrawlLimits sets the per-session stop threshold and navigation
// retry budget for every session the manager spawns. Non-positive
// values keep the defaults.
func WithCrawlLimits(maxEmptyPasses, navRetries int) ManagerOption {
	return func(m *Manager) {
		if maxEmptyPasses > 0 {
			m.maxEmptyPasses = maxEmptyPasses
		}
		if navRetries > 0 {
			m.navRetries = navRetries
		}
	}
}

func NewManager(b *browser.Browser, ex *extractor.Extractor, pacer pacing.Pacer, sink ObservationSink, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		browser:        b,
		extractor:      ex,
		pacer:          pacer,
		sink:           sink,
		logger:         logger.With("component", "crawl_manager"),
		maxEmptyPasses: defaultMaxEmptyPasses,
		navRetries:     defaultNavRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartCrawl launches a crawl task and returns its snapshot plus a
// progress stream. The stream is closed when the task ends.
func (m *Manager) StartCrawl(ctx context.Context, req CrawlRequest) (*Task, <-chan Progress, error) {
	if len(req.Keywords) == 0 {
		return nil, nil, errors.New("crawler: no keywords given")
	}
	if req.Policy == "" {
		req.Policy = SwitchSequential
	}
	if req.Policy == SwitchTimer && req.TimeSlice <= 0 {
		req.TimeSlice = 10 * time.Minute
	}

	m.mu.Lock()
	if m.task != nil && m.task.State == TaskRunning {
		m.mu.Unlock()
		return nil, nil, ErrCrawlRunning
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:            uuid.New().String(),
		Keywords:      req.Keywords,
		MaxPerKeyword: req.MaxPerKeyword,
		Policy:        req.Policy,
		State:         TaskRunning,
		StartedAt:     time.Now(),
	}
	m.task = task
	m.cancel = cancel
	m.mu.Unlock()

	progress := make(chan Progress, 64)
	go m.run(taskCtx, task.ID, req, progress)

	m.logger.Info("crawl task started",
		"task_id", task.ID, "keywords", len(req.Keywords), "policy", req.Policy,
	)
	return m.snapshot(), progress, nil
}

// CancelCrawl requests cooperative cancellation of the running task.
func (m *Manager) CancelCrawl() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil || m.task.State != TaskRunning {
		return errors.New("crawler: no crawl task running")
	}
	m.cancel()
	m.logger.Info("crawl cancellation requested", "task_id", m.task.ID)
	return nil
}

// Status returns the latest task snapshot, or nil if none ran yet.
func (m *Manager) Status() *Task {
	return m.snapshot()
}

func (m *Manager) snapshot() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil {
		return nil
	}
	snap := *m.task
	return &snap
}

func (m *Manager) run(ctx context.Context, taskID string, req CrawlRequest, progress chan Progress) {
	defer close(progress)

	var filter Filter
	if req.ImportOnly {
		filter = importOnlyFilter
	}

	total := 0
	finalReason := ReasonTargetReached
	var taskErr error

	for _, keyword := range req.Keywords {
		if ctx.Err() != nil {
			finalReason = ReasonCancelled
			break
		}

		m.update(func(t *Task) { t.CurrentKeyword = keyword })

		keywordCtx := ctx
		var cancelSlice context.CancelFunc
		if req.Policy == SwitchTimer {
			keywordCtx, cancelSlice = context.WithTimeout(ctx, req.TimeSlice)
		}

		session := NewSession(m.browser, m.extractor, m.pacer,
			WithFilter(filter),
			WithProgress(progress),
			WithMaxEmptyPasses(m.maxEmptyPasses),
			WithNavigationRetries(m.navRetries),
		)
		obs, reason, err := session.Run(keywordCtx, keyword, req.MaxPerKeyword)
		if cancelSlice != nil {
			cancelSlice()
		}

		// Partial results are kept on every outcome.
		saved := m.persist(ctx, obs)
		total += saved
		m.update(func(t *Task) { t.Collected = total })

		// A timer-slice expiry shows up as cancellation of the keyword
		// context; only the parent's cancellation ends the task.
		if reason == ReasonCancelled && ctx.Err() == nil && req.Policy == SwitchTimer {
			reason = ReasonTargetReached
		}

		m.logger.Info("keyword finished",
			"task_id", taskID, "keyword", keyword,
			"collected", len(obs), "saved", saved, "reason", reason,
		)

		if err != nil {
			taskErr = fmt.Errorf("keyword %q: %w", keyword, err)
			finalReason = ReasonFailed
			break
		}
		if reason == ReasonCancelled {
			finalReason = ReasonCancelled
			break
		}

		// A new keyword is a new logical batch for the pacing cadence.
		if r, ok := m.pacer.(interface{ Reset() }); ok {
			r.Reset()
		}
	}

	now := time.Now()
	m.update(func(t *Task) {
		t.CurrentKeyword = ""
		t.CompletedAt = &now
		t.Reason = string(finalReason)
		switch {
		case taskErr != nil:
			t.State = TaskFailed
			t.Error = taskErr.Error()
		case finalReason == ReasonCancelled:
			t.State = TaskCancelled
		default:
			t.State = TaskCompleted
		}
	})

	m.logger.Info("crawl task finished",
		"task_id", taskID, "collected", total, "reason", finalReason, "error", taskErr,
	)
}

func (m *Manager) persist(ctx context.Context, obs []models.ProductObservation) int {
	if m.sink == nil {
		return len(obs)
	}
	saved := 0
	for _, o := range obs {
		if err := m.sink.SaveObservation(ctx, o); err != nil {
			m.logger.Error("failed to save observation", "sku", o.SKU, "error", err)
			continue
		}
		saved++
	}
	return saved
}

func (m *Manager) update(fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		fn(m.task)
	}
}

// importOnlyFilter keeps listings from cross-border sellers, recognized
// by the "из-за рубежа" delivery note or an explicitly foreign seller
// type.
func importOnlyFilter(obs models.ProductObservation) bool {
	if obs.SellerType == "import" {
		return true
	}
	return containsImportMarker(obs.DeliveryInfo) || containsImportMarker(obs.SellerName)
}

func containsImportMarker(s string) bool {
	for _, marker := range []string{"из-за рубежа", "Из-за рубежа", "зарубеж"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
