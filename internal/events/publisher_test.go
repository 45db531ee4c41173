package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ozonradar/ozon-sales-tracker/internal/database"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// fakeTxRunner executes the callback directly, as if inside a transaction
type fakeTxRunner struct {
	err error
}

func (f *fakeTxRunner) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

// MockOutbox is a mock for outbox writes
type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func newTestPublisher(outbox outboxInserter) *Publisher {
	return &Publisher{
		db:     &fakeTxRunner{},
		outbox: outbox,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestPublisher_PublishProductObserved(t *testing.T) {
	ctx := context.Background()

	t.Run("successfully publish to outbox", func(t *testing.T) {
		mockOutbox := new(MockOutbox)
		publisher := newTestPublisher(mockOutbox)

		obs := &models.ProductObservation{
			SKU:         1681720585,
			Title:       "Чехол для телефона",
			Keyword:     "чехол",
			SearchRank:  3,
			Price:       1290,
			ReviewCount: 42,
			Source:      models.SourceNetwork,
		}

		mockOutbox.On("InsertWithTx", ctx, nil, mock.MatchedBy(func(event *database.OutboxEvent) bool {
			assert.Equal(t, "product", event.AggregateType)
			assert.Equal(t, "1681720585", event.AggregateID)
			assert.Equal(t, "PRODUCT_OBSERVED", event.EventType)
			assert.Equal(t, "stream:sales_intel", event.TargetStream)

			var p ProductObservedPayload
			err := json.Unmarshal(event.Payload, &p)
			assert.NoError(t, err)
			assert.Equal(t, int64(1681720585), p.SKU)
			assert.Equal(t, "Чехол для телефона", p.Title)
			assert.Equal(t, 3, p.SearchRank)
			assert.NotEmpty(t, p.EventID)
			assert.Equal(t, "network", p.Source)
			assert.False(t, p.Timestamp.IsZero())

			return true
		})).Return(nil)

		err := publisher.PublishProductObserved(ctx, obs)
		require.NoError(t, err)

		mockOutbox.AssertExpectations(t)
	})

	t.Run("propagate outbox insert failure", func(t *testing.T) {
		mockOutbox := new(MockOutbox)
		publisher := newTestPublisher(mockOutbox)

		mockOutbox.On("InsertWithTx", ctx, nil, mock.Anything).Return(assert.AnError)

		err := publisher.PublishProductObserved(ctx, &models.ProductObservation{SKU: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert outbox event")

		mockOutbox.AssertExpectations(t)
	})

	t.Run("propagate transaction failure", func(t *testing.T) {
		mockOutbox := new(MockOutbox)
		publisher := newTestPublisher(mockOutbox)
		publisher.db = &fakeTxRunner{err: assert.AnError}

		err := publisher.PublishProductObserved(ctx, &models.ProductObservation{SKU: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to publish event")
	})
}

// MockStore is a mock for observation persistence
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveObservation(ctx context.Context, obs models.ProductObservation) error {
	args := m.Called(ctx, obs)
	return args.Error(0)
}

func TestPublishingSink_SaveObservation(t *testing.T) {
	ctx := context.Background()
	obs := models.ProductObservation{SKU: 1681720585, Title: "Чехол", Keyword: "чехол"}

	t.Run("saves then publishes", func(t *testing.T) {
		store := new(MockStore)
		mockOutbox := new(MockOutbox)
		sink := NewPublishingSink(store, newTestPublisher(mockOutbox), slog.New(slog.NewTextHandler(io.Discard, nil)))

		store.On("SaveObservation", ctx, obs).Return(nil)
		mockOutbox.On("InsertWithTx", ctx, nil, mock.MatchedBy(func(event *database.OutboxEvent) bool {
			assert.Equal(t, "PRODUCT_OBSERVED", event.EventType)
			assert.Equal(t, "1681720585", event.AggregateID)
			return true
		})).Return(nil)

		require.NoError(t, sink.SaveObservation(ctx, obs))
		store.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("failed save publishes nothing", func(t *testing.T) {
		store := new(MockStore)
		mockOutbox := new(MockOutbox)
		sink := NewPublishingSink(store, newTestPublisher(mockOutbox), slog.New(slog.NewTextHandler(io.Discard, nil)))

		store.On("SaveObservation", ctx, obs).Return(assert.AnError)

		err := sink.SaveObservation(ctx, obs)
		require.ErrorIs(t, err, assert.AnError)
		mockOutbox.AssertNotCalled(t, "InsertWithTx", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed publish does not lose the row", func(t *testing.T) {
		store := new(MockStore)
		mockOutbox := new(MockOutbox)
		sink := NewPublishingSink(store, newTestPublisher(mockOutbox), slog.New(slog.NewTextHandler(io.Discard, nil)))

		store.On("SaveObservation", ctx, obs).Return(nil)
		mockOutbox.On("InsertWithTx", ctx, nil, mock.Anything).Return(assert.AnError)

		require.NoError(t, sink.SaveObservation(ctx, obs))
	})
}

func TestPublisher_PublishEstimateUpdated(t *testing.T) {
	ctx := context.Background()

	mockOutbox := new(MockOutbox)
	publisher := newTestPublisher(mockOutbox)

	est := &models.SalesEstimate{
		SKU:               777,
		WeeklyUnits:       52,
		MonthlyUnits:      208,
		WeeklyMethod:      models.MethodStockDiff,
		MonthlyMethod:     models.MethodStockDiff,
		WeeklyConfidence:  models.ConfidenceHigh,
		MonthlyConfidence: models.ConfidenceMedium,
	}

	mockOutbox.On("InsertWithTx", ctx, nil, mock.MatchedBy(func(event *database.OutboxEvent) bool {
		assert.Equal(t, "ESTIMATE_UPDATED", event.EventType)
		assert.Equal(t, "777", event.AggregateID)

		var p EstimateUpdatedPayload
		require.NoError(t, json.Unmarshal(event.Payload, &p))
		assert.Equal(t, "stock_diff", p.WeeklyMethod)
		assert.Equal(t, "high", p.WeeklyConfidence)
		assert.Equal(t, 52, p.WeeklyUnits)

		return true
	})).Return(nil)

	err := publisher.PublishEstimateUpdated(ctx, est)
	require.NoError(t, err)

	mockOutbox.AssertExpectations(t)
}

func TestPublisher_PublishCrawlCompleted(t *testing.T) {
	ctx := context.Background()

	mockOutbox := new(MockOutbox)
	publisher := newTestPublisher(mockOutbox)

	payload := &CrawlCompletedPayload{
		TaskID:    "task-1",
		Keywords:  []string{"чехол", "кабель"},
		Collected: 180,
		State:     "completed",
	}

	mockOutbox.On("InsertWithTx", ctx, nil, mock.MatchedBy(func(event *database.OutboxEvent) bool {
		assert.Equal(t, "crawl_task", event.AggregateType)
		assert.Equal(t, "task-1", event.AggregateID)

		var p CrawlCompletedPayload
		require.NoError(t, json.Unmarshal(event.Payload, &p))
		assert.NotEmpty(t, p.EventID)
		assert.Equal(t, "CRAWL_COMPLETED", p.EventType)
		assert.False(t, p.Timestamp.IsZero())

		return true
	})).Return(nil)

	err := publisher.PublishCrawlCompleted(ctx, payload)
	require.NoError(t, err)

	mockOutbox.AssertExpectations(t)
}
