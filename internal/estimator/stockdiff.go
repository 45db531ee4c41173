package estimator

import (
	"log/slog"
	"sort"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// restockThreshold separates replenishment from noise: a quantity jump
// bigger than this between consecutive samples is a restock, not a
// negative sale.
const restockThreshold = 5

// fallbackSamples is how many most-recent samples the estimator falls
// back to when the requested window holds fewer than two.
const fallbackSamples = 10

// DiffResult is a stock-diff estimate over one window.
type DiffResult struct {
	UnitsSold       int
	Samples         int
	RestockDetected bool
	Method          models.Method
	Confidence      models.Confidence
	WindowStart     time.Time
	WindowEnd       time.Time
}

// StockDiffEstimator derives unit sales purely from the decline of
// observed stock quantities. It is the most trustworthy signal when
// sampling is dense; sparse data only lowers confidence, never errors.
type StockDiffEstimator struct {
	logger *slog.Logger
}

func NewStockDiffEstimator(logger *slog.Logger) *StockDiffEstimator {
	return &StockDiffEstimator{logger: logger.With("component", "stock_diff")}
}

// Estimate computes units sold from the samples inside [now-window, now].
// Samples without a quantity are ignored. When the window holds fewer
// than two usable samples the estimator falls back to the most recent
// ten regardless of window; with fewer than two samples overall it
// reports insufficient data.
func (e *StockDiffEstimator) Estimate(samples []models.StockSample, window time.Duration, now time.Time) DiffResult {
	usable := make([]models.StockSample, 0, len(samples))
	for _, s := range samples {
		if s.Quantity != nil {
			usable = append(usable, s)
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].TakenAt.Before(usable[j].TakenAt) })

	cutoff := now.Add(-window)
	windowed := usable[:0:0]
	for _, s := range usable {
		if !s.TakenAt.Before(cutoff) {
			windowed = append(windowed, s)
		}
	}

	picked := windowed
	if len(picked) < 2 {
		if len(usable) < 2 {
			return DiffResult{
				Samples:    len(usable),
				Method:     models.MethodInsufficientData,
				Confidence: models.ConfidenceNone,
			}
		}
		picked = usable
		if len(picked) > fallbackSamples {
			picked = picked[len(picked)-fallbackSamples:]
		}
		e.logger.Debug("window too sparse, using recent samples",
			"window", window, "samples", len(picked))
	}

	units := 0
	restock := false
	for i := 1; i < len(picked); i++ {
		delta := *picked[i-1].Quantity - *picked[i].Quantity
		switch {
		case delta > 0:
			units += delta
		case delta < -restockThreshold:
			restock = true
		}
	}

	return DiffResult{
		UnitsSold:       units,
		Samples:         len(picked),
		RestockDetected: restock,
		Method:          models.MethodStockDiff,
		Confidence:      diffConfidence(len(picked)),
		WindowStart:     picked[0].TakenAt,
		WindowEnd:       picked[len(picked)-1].TakenAt,
	}
}

func diffConfidence(samples int) models.Confidence {
	switch {
	case samples >= 10:
		return models.ConfidenceHigh
	case samples >= 5:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
