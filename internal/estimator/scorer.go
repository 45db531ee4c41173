package estimator

import (
	"fmt"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// Signal weights, out of 100. Review activity and observed stock
// decrease are direct transaction evidence; rank, delivery and promo
// only corroborate, and their combined 30 points sit below the active
// band on purpose.
const (
	weightReviews    = 40
	weightStockDrop  = 30
	weightRankTop    = 15
	weightRankMid    = 10
	weightRankLow    = 5
	weightDelivery   = 10
	weightPromo      = 5
	pointsPerReview  = 4
	maxRankForPoints = 36
)

// Verdict bands.
const (
	activeThreshold       = 40
	likelyActiveThreshold = 20
	uncertainThreshold    = 10
)

// ScoreInputs are the optional signals for one product. Zero values
// mean "signal absent", never "signal negative".
type ScoreInputs struct {
	Reviews7d       int
	StockDecreased  bool
	SearchRank      int
	NextDayDelivery bool
	IsPromoted      bool
}

// ScoreActivity fuses the available signals into a bounded score with
// an itemized breakdown. Used when no definitive sales count exists.
func ScoreActivity(in ScoreInputs) models.ActivityScore {
	signals := make(map[string]models.SignalContribution, 5)

	reviewPts := in.Reviews7d * pointsPerReview
	if reviewPts > weightReviews {
		reviewPts = weightReviews
	}
	signals["recent_reviews"] = models.SignalContribution{
		Score:        reviewPts,
		Max:          weightReviews,
		Detail:       fmt.Sprintf("%d reviews in last 7 days", in.Reviews7d),
		IsDefinitive: true,
	}

	stockPts := 0
	if in.StockDecreased {
		stockPts = weightStockDrop
	}
	signals["stock_decrease"] = models.SignalContribution{
		Score:        stockPts,
		Max:          weightStockDrop,
		Detail:       fmt.Sprintf("stock decrease observed: %t", in.StockDecreased),
		IsDefinitive: true,
	}

	rankPts := rankPoints(in.SearchRank)
	signals["search_rank"] = models.SignalContribution{
		Score:  rankPts,
		Max:    weightRankTop,
		Detail: fmt.Sprintf("search rank %d", in.SearchRank),
	}

	deliveryPts := 0
	if in.NextDayDelivery {
		deliveryPts = weightDelivery
	}
	signals["fast_delivery"] = models.SignalContribution{
		Score:  deliveryPts,
		Max:    weightDelivery,
		Detail: fmt.Sprintf("next-day delivery: %t", in.NextDayDelivery),
	}

	promoPts := 0
	if in.IsPromoted {
		promoPts = weightPromo
	}
	signals["promoted"] = models.SignalContribution{
		Score:  promoPts,
		Max:    weightPromo,
		Detail: fmt.Sprintf("promoted listing: %t", in.IsPromoted),
	}

	total := reviewPts + stockPts + rankPts + deliveryPts + promoPts
	verdict := verdictFor(total)

	// Corroborating signals alone cannot claim activity, whatever the
	// arithmetic says: without direct transaction evidence the best the
	// scorer may report is uncertainty.
	if reviewPts == 0 && stockPts == 0 && verdict != models.VerdictLikelyInactive {
		verdict = models.VerdictUncertain
	}

	return models.ActivityScore{
		Score:    total,
		MaxScore: 100,
		Verdict:  verdict,
		Signals:  signals,
	}
}

// rankPoints tiers the first three result pages (12 tiles per page).
func rankPoints(rank int) int {
	switch {
	case rank <= 0 || rank > maxRankForPoints:
		return 0
	case rank <= 12:
		return weightRankTop
	case rank <= 24:
		return weightRankMid
	default:
		return weightRankLow
	}
}

func verdictFor(score int) models.Verdict {
	switch {
	case score >= activeThreshold:
		return models.VerdictActive
	case score >= likelyActiveThreshold:
		return models.VerdictLikelyActive
	case score >= uncertainThreshold:
		return models.VerdictUncertain
	default:
		return models.VerdictLikelyInactive
	}
}
