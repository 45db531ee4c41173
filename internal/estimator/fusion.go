package estimator

import (
	"log/slog"
	"math"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// Fuser picks the best available figure per window from the three
// signal sources. Precedence: the third-party feed when present (it
// tracks actual orders), then stock-diff (direct evidence, needs
// sampling cadence), then the review-rate estimate. Weekly and monthly
// are resolved independently, so they may come from different methods
// and monthly >= weekly is not enforced.
type Fuser struct {
	stock   *StockDiffEstimator
	reviews *ReviewAnalyzer
	logger  *slog.Logger
}

func NewFuser(stock *StockDiffEstimator, reviews *ReviewAnalyzer, logger *slog.Logger) *Fuser {
	return &Fuser{
		stock:   stock,
		reviews: reviews,
		logger:  logger.With("component", "fusion"),
	}
}

// Fuse builds the final SalesEstimate for one SKU. Any input may be
// missing: samples may be empty, reviewCounts and third may be nil.
func (f *Fuser) Fuse(sku int64, samples []models.StockSample, reviewCounts *ReviewWindowCounts, third *models.ThirdPartySalesRecord, now time.Time) models.SalesEstimate {
	est := models.SalesEstimate{
		SKU:               sku,
		WeeklyMethod:      models.MethodNoData,
		MonthlyMethod:     models.MethodNoData,
		WeeklyConfidence:  models.ConfidenceNone,
		MonthlyConfidence: models.ConfidenceNone,
		EstimatedAt:       now,
	}

	weekDiff := f.stock.Estimate(samples, 7*24*time.Hour, now)
	monthDiff := f.stock.Estimate(samples, 30*24*time.Hour, now)
	est.RestockDetected = weekDiff.RestockDetected || monthDiff.RestockDetected

	var review ReviewEstimate
	if reviewCounts != nil {
		review = f.reviews.Estimate(sku, *reviewCounts)
	}

	switch {
	case third != nil && third.WeeklyUnits > 0:
		est.WeeklyUnits = third.WeeklyUnits
		est.WeeklyMethod = models.MethodThirdParty
		est.WeeklyConfidence = models.ConfidenceHigh
	case third != nil && third.MonthlyUnits > 0:
		est.WeeklyUnits = int(math.Round(float64(third.MonthlyUnits) / monthlyFromWeekly))
		est.WeeklyMethod = models.MethodThirdParty
		est.WeeklyConfidence = models.ConfidenceHigh
	case weekDiff.Method == models.MethodStockDiff:
		est.WeeklyUnits = weekDiff.UnitsSold
		est.WeeklyMethod = models.MethodStockDiff
		est.WeeklyConfidence = weekDiff.Confidence
	case review.Confidence.AtLeast(models.ConfidenceVeryLow) && review.Method != models.MethodNoData:
		est.WeeklyUnits = review.Weekly.Mid
		est.WeeklyMethod = review.Method
		est.WeeklyConfidence = review.Confidence
	}

	switch {
	case third != nil && third.MonthlyUnits > 0:
		est.MonthlyUnits = third.MonthlyUnits
		est.MonthlyMethod = models.MethodThirdParty
		est.MonthlyConfidence = models.ConfidenceHigh
	case monthDiff.Method == models.MethodStockDiff:
		est.MonthlyUnits = monthDiff.UnitsSold
		est.MonthlyMethod = models.MethodStockDiff
		est.MonthlyConfidence = monthDiff.Confidence
	case review.Confidence.AtLeast(models.ConfidenceVeryLow) && review.Method != models.MethodNoData:
		est.MonthlyUnits = review.Monthly.Mid
		est.MonthlyMethod = review.Method
		est.MonthlyConfidence = review.Confidence
	}

	f.logger.Debug("fused estimate",
		"sku", sku,
		"weekly", est.WeeklyUnits, "weekly_method", est.WeeklyMethod,
		"monthly", est.MonthlyUnits, "monthly_method", est.MonthlyMethod,
	)
	return est
}
