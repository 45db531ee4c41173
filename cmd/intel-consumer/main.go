// Command intel-consumer tails the sales intelligence stream and raises
// alerts for products whose estimated velocity crosses a threshold. It is
// the reference consumer for the outbox relay: anything downstream of the
// tracker reads the stream the same way.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ozonradar/ozon-sales-tracker/internal/config"
	"github.com/ozonradar/ozon-sales-tracker/internal/database"
)

const (
	consumerGroup = "sales-intel-consumers"
	consumerName  = "intel-consumer-1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("component", "intel_consumer")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

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

	threshold := 30
	if v := os.Getenv("ALERT_WEEKLY_UNITS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			threshold = parsed
		}
	}

	consumer := &Consumer{
		redis:     rdb,
		db:        db,
		logger:    logger,
		stream:    cfg.Redis.Stream,
		threshold: threshold,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
}

type Consumer struct {
	redis     *redis.Client
	db        *database.DB
	logger    *slog.Logger
	stream    string
	threshold int
}

func (c *Consumer) Run(ctx context.Context) error {
	// Idempotent; BUSYGROUP on restart is expected.
	c.redis.XGroupCreate(ctx, c.stream, consumerGroup, "0").Err()

	c.logger.Info("starting consumer",
		"stream", c.stream,
		"group", consumerGroup,
		"alert_weekly_units", c.threshold)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{c.stream, ">"},
				Count:    10,
				Block:    5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("failed to read from stream", "error", err)
				time.Sleep(1 * time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					if err := c.processMessage(ctx, message); err != nil {
						c.logger.Error("failed to process message", "id", message.ID, "error", err)
						continue
					}

					if err := c.redis.XAck(ctx, c.stream, consumerGroup, message.ID).Err(); err != nil {
						c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
					}
				}
			}
		}
	}
}

// estimatePayload mirrors the fields the alerting path needs; the full
// event carries more.
type estimatePayload struct {
	SKU              int64  `json:"sku"`
	WeeklyUnits      int    `json:"weekly_units"`
	MonthlyUnits     int    `json:"monthly_units"`
	WeeklyMethod     string `json:"weekly_method"`
	WeeklyConfidence string `json:"weekly_confidence"`
	RestockDetected  bool   `json:"restock_detected"`
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	eventType, ok := msg.Values["event_type"].(string)
	if !ok {
		return nil
	}

	switch eventType {
	case "ESTIMATE_UPDATED":
		return c.handleEstimate(ctx, msg)
	case "CRAWL_COMPLETED":
		c.logger.Info("crawl completed", "message_id", msg.ID, "aggregate_id", msg.Values["aggregate_id"])
		return nil
	default:
		return nil
	}
}

func (c *Consumer) handleEstimate(ctx context.Context, msg redis.XMessage) error {
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("missing data in event")
	}

	var envelope struct {
		Payload estimatePayload `json:"payload"`
	}
	if err := json.Unmarshal([]byte(dataStr), &envelope); err != nil {
		return fmt.Errorf("failed to parse event data: %w", err)
	}

	est := envelope.Payload
	if est.SKU == 0 {
		return fmt.Errorf("missing sku in estimate payload")
	}

	if est.RestockDetected {
		c.logger.Info("restock detected",
			"sku", est.SKU,
			"weekly_units", est.WeeklyUnits)
	}

	if est.WeeklyUnits < c.threshold {
		return nil
	}

	// Title is cosmetic for the alert; a missing observation is not an
	// error worth retrying the message for.
	title := ""
	if obs, err := c.db.GetObservation(ctx, est.SKU); err == nil {
		title = obs.Title
	}

	c.logger.Warn("high velocity product",
		"sku", est.SKU,
		"title", title,
		"weekly_units", est.WeeklyUnits,
		"monthly_units", est.MonthlyUnits,
		"method", est.WeeklyMethod,
		"confidence", est.WeeklyConfidence)

	return nil
}
