package events

import (
	"context"
	"log/slog"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// ObservationStore is the persistence half of the sink.
type ObservationStore interface {
	SaveObservation(ctx context.Context, obs models.ProductObservation) error
}

// observationPublisher is the publishing half; satisfied by Publisher.
type observationPublisher interface {
	PublishProductObserved(ctx context.Context, obs *models.ProductObservation) error
}

// PublishingSink stores crawl observations and emits a PRODUCT_OBSERVED
// event for each one. The row is the source of truth: once it is saved,
// a failed outbox write is logged and swallowed so one event hiccup
// never discards scraped data.
type PublishingSink struct {
	store     ObservationStore
	publisher observationPublisher
	logger    *slog.Logger
}

func NewPublishingSink(store ObservationStore, publisher *Publisher, logger *slog.Logger) *PublishingSink {
	return &PublishingSink{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "publishing_sink"),
	}
}

func (s *PublishingSink) SaveObservation(ctx context.Context, obs models.ProductObservation) error {
	if err := s.store.SaveObservation(ctx, obs); err != nil {
		return err
	}
	if err := s.publisher.PublishProductObserved(ctx, &obs); err != nil {
		s.logger.Error("failed to publish observation event", "sku", obs.SKU, "error", err)
	}
	return nil
}
