package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// The outbox makes event publication transactional with the domain
// write: producers insert a row in the same transaction as their data,
// and the relay moves rows to the Redis stream afterwards. A row moves
// pending -> processed on delivery, pending -> failed -> dead_letter
// when delivery keeps failing.

// OutboxStatus is the delivery state of one outbox row.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessed  OutboxStatus = "processed"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"
)

// MaxRetryCount is how many delivery attempts a row gets before it is
// parked in dead_letter for manual inspection.
const MaxRetryCount = 5

// defaultStream receives every event that does not name its own stream.
const defaultStream = "stream:sales_intel"

// OutboxEvent is one undelivered (or delivered) event row.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        OutboxStatus    `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// OutboxRepository reads and writes outbox rows.
type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx writes the event inside the caller's transaction,
// filling in identity and scheduling defaults. A fresh row is eligible
// for delivery immediately.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = defaultStream
	}
	now := time.Now()
	event.CreatedAt = now
	if event.NextRetryAt == nil {
		event.NextRetryAt = &now
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_event
			(id, aggregate_type, aggregate_id, event_type, payload,
			 target_stream, status, retry_count, created_at, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload,
		event.TargetStream, event.Status, event.RetryCount, event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// GetPending returns up to limit rows due for delivery, oldest first.
// Failed rows re-enter the batch once their backoff has elapsed.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT id, aggregate_type, aggregate_id, event_type, payload,
		        target_stream, status, retry_count, error_message,
		        created_at, processed_at, next_retry_at
		 FROM outbox_event
		 WHERE status IN ($1, $2) AND next_retry_at <= $3
		 ORDER BY created_at ASC
		 LIMIT $4`,
		OutboxStatusPending, OutboxStatusFailed, time.Now(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		event := &OutboxEvent{}
		if err := rows.Scan(
			&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType, &event.Payload,
			&event.TargetStream, &event.Status, &event.RetryCount, &event.ErrorMessage,
			&event.CreatedAt, &event.ProcessedAt, &event.NextRetryAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}

// MarkProcessed records successful delivery.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $1, processed_at = $2 WHERE id = $3`,
		OutboxStatusProcessed, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed records a delivery failure. The retry count is incremented
// in the database so concurrent relays cannot race it; the row goes to
// dead_letter once the budget is spent, otherwise back to failed with
// an exponential backoff.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) error {
	var retries int
	err := r.db.pool.QueryRow(ctx,
		`UPDATE outbox_event
		 SET retry_count = retry_count + 1, error_message = $2
		 WHERE id = $1
		 RETURNING retry_count`,
		id, processErr.Error(),
	).Scan(&retries)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}

	status := OutboxStatusFailed
	if retries >= MaxRetryCount {
		status = OutboxStatusDeadLetter
	}

	_, err = r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $2, next_retry_at = $3 WHERE id = $1`,
		id, status, calculateNextRetryTime(retries),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// calculateNextRetryTime doubles the delay per attempt (2s, 4s, 8s...)
// and caps it at five minutes.
func calculateNextRetryTime(retryCount int) time.Time {
	seconds := 1 << retryCount
	if seconds > 300 {
		seconds = 300
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
