package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ozonradar/ozon-sales-tracker/internal/database"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeProductObserved is published when a product is seen in search results
	EventTypeProductObserved EventType = "PRODUCT_OBSERVED"
	// EventTypeStockSampled is published when a stock probe records a sample
	EventTypeStockSampled EventType = "STOCK_SAMPLED"
	// EventTypeEstimateUpdated is published when a sales estimate is recomputed
	EventTypeEstimateUpdated EventType = "ESTIMATE_UPDATED"
	// EventTypeCrawlCompleted is published when a crawl task finishes
	EventTypeCrawlCompleted EventType = "CRAWL_COMPLETED"
)

const targetStream = "stream:sales_intel"

// ProductObservedPayload represents the payload for PRODUCT_OBSERVED events
type ProductObservedPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	SKU         int64     `json:"sku"`
	Title       string    `json:"title"`
	Keyword     string    `json:"keyword"`
	SearchRank  int       `json:"search_rank"`
	Price       float64   `json:"price,omitempty"`
	ReviewCount int       `json:"review_count,omitempty"`
	Source      string    `json:"source"`
}

// StockSampledPayload represents the payload for STOCK_SAMPLED events
type StockSampledPayload struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	SKU       int64     `json:"sku"`
	Quantity  *int      `json:"quantity,omitempty"`
	Status    string    `json:"status"`
}

// EstimateUpdatedPayload represents the payload for ESTIMATE_UPDATED events
type EstimateUpdatedPayload struct {
	EventID           string    `json:"event_id"`
	EventType         string    `json:"event_type"`
	Timestamp         time.Time `json:"timestamp"`
	SKU               int64     `json:"sku"`
	WeeklyUnits       int       `json:"weekly_units"`
	MonthlyUnits      int       `json:"monthly_units"`
	WeeklyMethod      string    `json:"weekly_method"`
	MonthlyMethod     string    `json:"monthly_method"`
	WeeklyConfidence  string    `json:"weekly_confidence"`
	MonthlyConfidence string    `json:"monthly_confidence"`
	RestockDetected   bool      `json:"restock_detected"`
}

// CrawlCompletedPayload represents the payload for CRAWL_COMPLETED events
type CrawlCompletedPayload struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Keywords  []string  `json:"keywords"`
	Collected int       `json:"collected"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
}

// txRunner abstracts transaction execution (for testing)
type txRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// outboxInserter abstracts outbox writes (for testing)
type outboxInserter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher handles event publishing using transactional outbox pattern
type Publisher struct {
	db     txRunner
	outbox outboxInserter
	logger *slog.Logger
}

// NewPublisher creates a new event publisher with database connection
func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishProductObserved publishes a PRODUCT_OBSERVED event for an observation
func (p *Publisher) PublishProductObserved(ctx context.Context, obs *models.ProductObservation) error {
	payload := &ProductObservedPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypeProductObserved),
		Timestamp:   time.Now(),
		SKU:         obs.SKU,
		Title:       obs.Title,
		Keyword:     obs.Keyword,
		SearchRank:  obs.SearchRank,
		Price:       obs.Price,
		ReviewCount: obs.ReviewCount,
		Source:      string(obs.Source),
	}

	return p.publish(ctx, EventTypeProductObserved, strconv.FormatInt(obs.SKU, 10), payload, payload.EventID)
}

// PublishStockSampled publishes a STOCK_SAMPLED event
func (p *Publisher) PublishStockSampled(ctx context.Context, sample *models.StockSample) error {
	payload := &StockSampledPayload{
		EventID:   uuid.New().String(),
		EventType: string(EventTypeStockSampled),
		Timestamp: time.Now(),
		SKU:       sample.SKU,
		Quantity:  sample.Quantity,
		Status:    string(sample.Status),
	}

	return p.publish(ctx, EventTypeStockSampled, strconv.FormatInt(sample.SKU, 10), payload, payload.EventID)
}

// PublishEstimateUpdated publishes an ESTIMATE_UPDATED event
func (p *Publisher) PublishEstimateUpdated(ctx context.Context, est *models.SalesEstimate) error {
	payload := &EstimateUpdatedPayload{
		EventID:           uuid.New().String(),
		EventType:         string(EventTypeEstimateUpdated),
		Timestamp:         time.Now(),
		SKU:               est.SKU,
		WeeklyUnits:       est.WeeklyUnits,
		MonthlyUnits:      est.MonthlyUnits,
		WeeklyMethod:      string(est.WeeklyMethod),
		MonthlyMethod:     string(est.MonthlyMethod),
		WeeklyConfidence:  string(est.WeeklyConfidence),
		MonthlyConfidence: string(est.MonthlyConfidence),
		RestockDetected:   est.RestockDetected,
	}

	return p.publish(ctx, EventTypeEstimateUpdated, strconv.FormatInt(est.SKU, 10), payload, payload.EventID)
}

// PublishCrawlCompleted publishes a CRAWL_COMPLETED event for a finished task
func (p *Publisher) PublishCrawlCompleted(ctx context.Context, payload *CrawlCompletedPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeCrawlCompleted)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	return p.publish(ctx, EventTypeCrawlCompleted, payload.TaskID, payload, payload.EventID)
}

// publish writes the event to the outbox inside a transaction
func (p *Publisher) publish(ctx context.Context, eventType EventType, aggregateID string, payload interface{}, eventID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	aggregateType := "product"
	if eventType == EventTypeCrawlCompleted {
		aggregateType = "crawl_task"
	}

	outboxEvent := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       data,
		TargetStream:  targetStream,
	}

	err = p.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := p.outbox.InsertWithTx(ctx, tx, outboxEvent); err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", eventType,
		"event_id", eventID,
		"aggregate_id", aggregateID,
		"outbox_id", outboxEvent.ID,
	)

	return nil
}
