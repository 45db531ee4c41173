package estimator

import (
	"log/slog"
	"math"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// Reference review-to-purchase conversion rates. These are empirical
// assumptions, not measurements; keep estimates as ranges and let
// deployments override via config.
const (
	DefaultRateLow  = 0.02
	DefaultRateMid  = 0.03
	DefaultRateHigh = 0.05
)

// monthlyFromWeekly scales a weekly figure when no usable 30-day review
// data exists.
const monthlyFromWeekly = 4.3

// assumedListingAgeDays is used by the total-review fallback when the
// listing's creation date is unknown.
const assumedListingAgeDays = 180

// ReviewWindowCounts buckets review timestamps against a fixed "now".
type ReviewWindowCounts struct {
	Reviews7d  int
	Reviews30d int
	Total      int
	// Covered30d is true when pagination reached past the 30-day
	// boundary (or exhausted the feed), making Reviews30d a real count
	// rather than a lower bound.
	Covered30d bool
}

// CountWindows buckets unix-second timestamps into trailing 7- and
// 30-day windows. Reviews30d >= Reviews7d holds for any fixed now.
func CountWindows(timestamps []int64, total int, now time.Time) ReviewWindowCounts {
	week := now.AddDate(0, 0, -7).Unix()
	month := now.AddDate(0, 0, -30).Unix()

	counts := ReviewWindowCounts{Total: total}
	for _, ts := range timestamps {
		if ts >= month {
			counts.Reviews30d++
			if ts >= week {
				counts.Reviews7d++
			}
		} else {
			// The feed is descending, so one older timestamp means the
			// 30-day window is fully covered.
			counts.Covered30d = true
		}
	}
	if total > 0 && len(timestamps) >= total {
		counts.Covered30d = true
	}
	return counts
}

// ReviewEstimate is the review-based sales estimate for one product.
// Weekly and Monthly are ranges across the configured rate assumptions.
type ReviewEstimate struct {
	SKU        int64             `json:"sku"`
	Reviews7d  int               `json:"reviews_7d"`
	Reviews30d int               `json:"reviews_30d"`
	Weekly     models.SalesRange `json:"weekly"`
	Monthly    models.SalesRange `json:"monthly"`
	Method     models.Method     `json:"method"`
	Confidence models.Confidence `json:"confidence"`
}

// ReviewAnalyzer converts review-arrival counts into unit-sales ranges
// using an assumed review rate.
type ReviewAnalyzer struct {
	rateLow  float64
	rateMid  float64
	rateHigh float64
	logger   *slog.Logger
}

// NewReviewAnalyzer builds an analyzer for the given rate assumptions;
// zero rates fall back to the reference values.
func NewReviewAnalyzer(low, mid, high float64, logger *slog.Logger) *ReviewAnalyzer {
	if low <= 0 {
		low = DefaultRateLow
	}
	if mid <= 0 {
		mid = DefaultRateMid
	}
	if high <= 0 {
		high = DefaultRateHigh
	}
	return &ReviewAnalyzer{
		rateLow:  low,
		rateMid:  mid,
		rateHigh: high,
		logger:   logger.With("component", "review_analyzer"),
	}
}

// Estimate turns window counts into weekly/monthly sales ranges. A
// higher assumed rate means fewer sales per review, so the range's low
// end uses the high rate and vice versa.
func (a *ReviewAnalyzer) Estimate(sku int64, counts ReviewWindowCounts) ReviewEstimate {
	est := ReviewEstimate{
		SKU:        sku,
		Reviews7d:  counts.Reviews7d,
		Reviews30d: counts.Reviews30d,
		Method:     models.MethodReviewGrowth,
		Confidence: reviewConfidence(counts),
		Weekly:     a.rangeFor(counts.Reviews7d),
	}

	if counts.Reviews30d > 0 && counts.Covered30d {
		est.Monthly = a.rangeFor(counts.Reviews30d)
	} else {
		est.Monthly = models.SalesRange{
			Low:  scale(est.Weekly.Low, monthlyFromWeekly),
			Mid:  scale(est.Weekly.Mid, monthlyFromWeekly),
			High: scale(est.Weekly.High, monthlyFromWeekly),
		}
	}

	if est.Confidence == models.ConfidenceNone {
		est.Method = models.MethodNoData
	}
	return est
}

// EstimateFromTotal is the last-resort path when only the lifetime
// review count is known: amortize it over the listing age (assumed 180
// days when the creation date is unknown) to get a monthly figure.
func (a *ReviewAnalyzer) EstimateFromTotal(sku int64, totalReviews int, createdAt *time.Time, now time.Time) ReviewEstimate {
	ageDays := float64(assumedListingAgeDays)
	if createdAt != nil {
		if d := now.Sub(*createdAt).Hours() / 24; d >= 1 {
			ageDays = d
		}
	}

	perMonth := float64(totalReviews) * 30 / ageDays
	monthly := models.SalesRange{
		Low:  int(math.Round(perMonth / a.rateHigh)),
		Mid:  int(math.Round(perMonth / a.rateMid)),
		High: int(math.Round(perMonth / a.rateLow)),
	}

	return ReviewEstimate{
		SKU:     sku,
		Method:  models.MethodReviewTotal,
		Monthly: monthly,
		Weekly: models.SalesRange{
			Low:  scale(monthly.Low, 1/monthlyFromWeekly),
			Mid:  scale(monthly.Mid, 1/monthlyFromWeekly),
			High: scale(monthly.High, 1/monthlyFromWeekly),
		},
		Confidence: models.ConfidenceVeryLow,
	}
}

func (a *ReviewAnalyzer) rangeFor(reviews int) models.SalesRange {
	if reviews == 0 {
		return models.SalesRange{}
	}
	return models.SalesRange{
		Low:  int(math.Round(float64(reviews) / a.rateHigh)),
		Mid:  int(math.Round(float64(reviews) / a.rateMid)),
		High: int(math.Round(float64(reviews) / a.rateLow)),
	}
}

func reviewConfidence(counts ReviewWindowCounts) models.Confidence {
	switch {
	case counts.Reviews7d >= 10:
		return models.ConfidenceHigh
	case counts.Reviews7d >= 3:
		return models.ConfidenceMedium
	case counts.Reviews7d >= 1:
		return models.ConfidenceLow
	case counts.Reviews30d >= 1:
		return models.ConfidenceVeryLow
	default:
		return models.ConfidenceNone
	}
}

func scale(v int, factor float64) int {
	return int(math.Round(float64(v) * factor))
}
