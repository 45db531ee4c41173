// Package stock takes point-in-time stock snapshots for known products.
// The snapshots feed the stock-diff estimator, which needs a sampling
// cadence of every few hours to stay at high confidence.
package stock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/crawler"
	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// lowStockThreshold splits in_stock from low_stock. The site itself
// only surfaces the urgency banner near this range.
const lowStockThreshold = 10

// SampleSink receives snapshots as they are taken.
type SampleSink interface {
	AppendStockSample(ctx context.Context, sample models.StockSample) error
}

// Tracker probes product pages for stock quantities. Probing is a
// ladder: the urgency banner is the direct signal, the add-to-cart
// limit the indirect one, and absence of both leaves quantity unknown
// without failing the snapshot.
type Tracker struct {
	fetcher *crawler.DetailFetcher
	sink    SampleSink
	logger  *slog.Logger
}

func NewTracker(fetcher *crawler.DetailFetcher, sink SampleSink, logger *slog.Logger) *Tracker {
	return &Tracker{
		fetcher: fetcher,
		sink:    sink,
		logger:  logger.With("component", "stock_tracker"),
	}
}

// Probe takes one snapshot for one SKU.
func (t *Tracker) Probe(ctx context.Context, sku int64) (models.StockSample, error) {
	detail, err := t.fetcher.Fetch(ctx, sku)
	if err != nil {
		return models.StockSample{}, err
	}

	sample := models.StockSample{
		SKU:         sku,
		Quantity:    detail.Stock.Quantity,
		StockText:   detail.Stock.StockText,
		ReviewCount: detail.Observation.ReviewCount,
		TakenAt:     time.Now(),
		Status:      classify(detail.Stock.Quantity, detail.Stock.OutOfStock),
	}

	t.logger.Debug("stock probed",
		"sku", sku, "status", sample.Status, "quantity", quantityForLog(sample.Quantity),
	)
	return sample, nil
}

// Track snapshots a batch of SKUs, at most limit of them (0 means all).
// A failed SKU is logged and skipped; the batch result is valid even
// when the run is cancelled midway.
func (t *Tracker) Track(ctx context.Context, skus []int64, limit int) ([]models.StockSample, error) {
	if limit > 0 && len(skus) > limit {
		skus = skus[:limit]
	}

	samples := make([]models.StockSample, 0, len(skus))
	failed := 0

	for _, sku := range skus {
		if ctx.Err() != nil {
			t.logger.Info("stock track cancelled", "taken", len(samples))
			return samples, ctx.Err()
		}

		sample, err := t.Probe(ctx, sku)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return samples, err
			}
			failed++
			t.logger.Warn("stock probe failed", "sku", sku, "error", err)
			continue
		}

		if t.sink != nil {
			if err := t.sink.AppendStockSample(ctx, sample); err != nil {
				t.logger.Error("failed to store stock sample", "sku", sku, "error", err)
			}
		}
		samples = append(samples, sample)
	}

	t.logger.Info("stock track complete",
		"requested", len(skus), "taken", len(samples), "failed", failed,
	)
	return samples, nil
}

// classify maps a probed quantity to a status. nil quantity without an
// out-of-stock marker stays unknown: the page may simply not surface
// numbers for well-stocked items.
func classify(quantity *int, outOfStock bool) models.StockStatus {
	switch {
	case outOfStock:
		return models.StockOutOfStock
	case quantity == nil:
		return models.StockUnknown
	case *quantity == 0:
		return models.StockOutOfStock
	case *quantity <= lowStockThreshold:
		return models.StockLowStock
	default:
		return models.StockInStock
	}
}

func quantityForLog(q *int) any {
	if q == nil {
		return "unknown"
	}
	return *q
}
