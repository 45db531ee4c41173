package estimator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func qty(n int) *int { return &n }

func sample(takenAt time.Time, quantity int) models.StockSample {
	return models.StockSample{SKU: 1, Quantity: qty(quantity), TakenAt: takenAt}
}

func TestStockDiffMonotoneDecline(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	// Monotonically non-increasing: total equals first - last.
	samples := []models.StockSample{
		sample(now.Add(-72*time.Hour), 100),
		sample(now.Add(-48*time.Hour), 80),
		sample(now.Add(-24*time.Hour), 80),
		sample(now.Add(-1*time.Hour), 63),
	}

	got := e.Estimate(samples, 7*24*time.Hour, now)
	assert.Equal(t, 37, got.UnitsSold)
	assert.False(t, got.RestockDetected)
	assert.Equal(t, models.MethodStockDiff, got.Method)
}

func TestStockDiffRestockNotCountedAsNegativeSales(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	samples := []models.StockSample{
		sample(now.Add(-72*time.Hour), 20),
		sample(now.Add(-48*time.Hour), 12),
		sample(now.Add(-24*time.Hour), 90), // replenishment
		sample(now.Add(-1*time.Hour), 85),
	}

	got := e.Estimate(samples, 7*24*time.Hour, now)
	assert.Equal(t, 13, got.UnitsSold, "8 before the restock, 5 after")
	assert.True(t, got.RestockDetected)
}

func TestStockDiffSmallIncreaseIsNotARestock(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	samples := []models.StockSample{
		sample(now.Add(-48*time.Hour), 10),
		sample(now.Add(-24*time.Hour), 13), // within noise threshold
		sample(now.Add(-1*time.Hour), 9),
	}

	got := e.Estimate(samples, 7*24*time.Hour, now)
	assert.False(t, got.RestockDetected)
	assert.Equal(t, 4, got.UnitsSold)
}

func TestStockDiffInsufficientData(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	for _, samples := range [][]models.StockSample{
		nil,
		{sample(now.Add(-time.Hour), 50)},
	} {
		got := e.Estimate(samples, 7*24*time.Hour, now)
		assert.Equal(t, models.MethodInsufficientData, got.Method)
		assert.Equal(t, models.ConfidenceNone, got.Confidence)
		assert.Zero(t, got.UnitsSold)
	}
}

func TestStockDiffConfidenceSteps(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	build := func(n int) []models.StockSample {
		out := make([]models.StockSample, n)
		for i := 0; i < n; i++ {
			out[i] = sample(now.Add(-time.Duration(n-i)*time.Hour), 100-i)
		}
		return out
	}

	assert.Equal(t, models.ConfidenceLow, e.Estimate(build(3), 7*24*time.Hour, now).Confidence)
	assert.Equal(t, models.ConfidenceMedium, e.Estimate(build(5), 7*24*time.Hour, now).Confidence)
	assert.Equal(t, models.ConfidenceHigh, e.Estimate(build(12), 7*24*time.Hour, now).Confidence)
}

func TestStockDiffSparseWindowFallsBackToRecentSamples(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	// Both samples predate the window; the fallback still produces a figure.
	samples := []models.StockSample{
		sample(now.Add(-20*24*time.Hour), 60),
		sample(now.Add(-15*24*time.Hour), 45),
	}

	got := e.Estimate(samples, 7*24*time.Hour, now)
	assert.Equal(t, models.MethodStockDiff, got.Method)
	assert.Equal(t, 15, got.UnitsSold)
	assert.Equal(t, models.ConfidenceLow, got.Confidence)
}

func TestStockDiffWeeklyWindowScenario(t *testing.T) {
	// Samples span over a month; only the last pair falls inside the
	// 7-day window, so weekly sales come from that pair alone.
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	samples := []models.StockSample{
		sample(now.Add(-35*24*time.Hour), 100), // t0
		sample(now.Add(-20*24*time.Hour), 92),  // t1
		sample(now.Add(-5*24*time.Hour), 92),   // t2
		sample(now.Add(-1*24*time.Hour), 40),   // t3
	}

	got := e.Estimate(samples, 7*24*time.Hour, now)
	assert.Equal(t, 52, got.UnitsSold)
	assert.False(t, got.RestockDetected)
}

func TestStockDiffIgnoresSamplesWithoutQuantity(t *testing.T) {
	e := NewStockDiffEstimator(testLogger())
	now := time.Now()

	samples := []models.StockSample{
		sample(now.Add(-48*time.Hour), 30),
		{SKU: 1, TakenAt: now.Add(-24 * time.Hour)}, // page exposed no number
		sample(now.Add(-1*time.Hour), 22),
	}

	got := e.Estimate(samples, 7*24*time.Hour, now)
	assert.Equal(t, 8, got.UnitsSold)
	assert.Equal(t, 2, got.Samples)
}

func TestCountWindowsMonotonicity(t *testing.T) {
	now := time.Now()
	stamps := []int64{
		now.Add(-1 * 24 * time.Hour).Unix(),
		now.Add(-3 * 24 * time.Hour).Unix(),
		now.Add(-10 * 24 * time.Hour).Unix(),
		now.Add(-25 * 24 * time.Hour).Unix(),
		now.Add(-45 * 24 * time.Hour).Unix(),
	}

	counts := CountWindows(stamps, 200, now)
	assert.Equal(t, 2, counts.Reviews7d)
	assert.Equal(t, 4, counts.Reviews30d)
	assert.GreaterOrEqual(t, counts.Reviews30d, counts.Reviews7d)
	assert.True(t, counts.Covered30d, "a timestamp past 30 days proves coverage")
}

func TestReviewEstimateScenario(t *testing.T) {
	// 42 reviews in 7 days at the 3% mid rate is 1400 weekly units.
	a := NewReviewAnalyzer(0.02, 0.03, 0.05, testLogger())

	got := a.Estimate(7, ReviewWindowCounts{Reviews7d: 42, Reviews30d: 170, Covered30d: true})
	assert.Equal(t, 1400, got.Weekly.Mid)
	assert.Equal(t, models.ConfidenceHigh, got.Confidence)
	assert.Equal(t, models.MethodReviewGrowth, got.Method)

	// Range inverts the rate: lower assumed rate means more sales.
	assert.Equal(t, 840, got.Weekly.Low)
	assert.Equal(t, 2100, got.Weekly.High)
	assert.Equal(t, 5667, got.Monthly.Mid)
}

func TestReviewEstimateMonthlyFallsBackToScaledWeekly(t *testing.T) {
	a := NewReviewAnalyzer(0, 0, 0, testLogger())

	got := a.Estimate(7, ReviewWindowCounts{Reviews7d: 3, Reviews30d: 3, Covered30d: false})
	assert.Equal(t, 100, got.Weekly.Mid)
	assert.Equal(t, 430, got.Monthly.Mid, "weekly * 4.3 when 30d coverage is incomplete")
}

func TestReviewConfidenceGrades(t *testing.T) {
	tests := []struct {
		name   string
		counts ReviewWindowCounts
		want   models.Confidence
	}{
		{"ten in week", ReviewWindowCounts{Reviews7d: 10, Reviews30d: 10}, models.ConfidenceHigh},
		{"three in week", ReviewWindowCounts{Reviews7d: 3, Reviews30d: 5}, models.ConfidenceMedium},
		{"one in week", ReviewWindowCounts{Reviews7d: 1, Reviews30d: 1}, models.ConfidenceLow},
		{"only month data", ReviewWindowCounts{Reviews7d: 0, Reviews30d: 2}, models.ConfidenceVeryLow},
		{"nothing", ReviewWindowCounts{}, models.ConfidenceNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reviewConfidence(tt.counts))
		})
	}
}

func TestEstimateFromTotalAssumesListingAge(t *testing.T) {
	a := NewReviewAnalyzer(0.02, 0.03, 0.05, testLogger())
	now := time.Now()

	// 180 lifetime reviews over the assumed 180-day age: 30/month, 1000
	// monthly units at the mid rate.
	got := a.EstimateFromTotal(7, 180, nil, now)
	assert.Equal(t, 1000, got.Monthly.Mid)
	assert.Equal(t, models.MethodReviewTotal, got.Method)
	assert.Equal(t, models.ConfidenceVeryLow, got.Confidence)

	// A known creation date overrides the assumption.
	created := now.AddDate(0, 0, -90)
	got = a.EstimateFromTotal(7, 180, &created, now)
	assert.Equal(t, 2000, got.Monthly.Mid)
}

func TestScorerFullSignals(t *testing.T) {
	got := ScoreActivity(ScoreInputs{
		Reviews7d:       12,
		StockDecreased:  true,
		SearchRank:      3,
		NextDayDelivery: true,
		IsPromoted:      true,
	})

	assert.Equal(t, 100, got.Score)
	assert.Equal(t, models.VerdictActive, got.Verdict)
	require.Contains(t, got.Signals, "recent_reviews")
	assert.Equal(t, 40, got.Signals["recent_reviews"].Score, "review points cap at 40")
	assert.True(t, got.Signals["recent_reviews"].IsDefinitive)
	assert.True(t, got.Signals["stock_decrease"].IsDefinitive)
	assert.False(t, got.Signals["search_rank"].IsDefinitive)
}

func TestScorerCorroboratingSignalsNeverClaimActivity(t *testing.T) {
	// All corroborating signals present, no definitive ones: the points
	// land in the likely_active band but the verdict is capped at
	// uncertain because nothing evidences an actual transaction.
	got := ScoreActivity(ScoreInputs{
		SearchRank:      1,
		NextDayDelivery: true,
		IsPromoted:      true,
	})

	assert.Equal(t, 30, got.Score)
	assert.Equal(t, models.VerdictUncertain, got.Verdict)
}

func TestScorerRankTiers(t *testing.T) {
	assert.Equal(t, 15, rankPoints(1))
	assert.Equal(t, 15, rankPoints(12))
	assert.Equal(t, 10, rankPoints(13))
	assert.Equal(t, 10, rankPoints(24))
	assert.Equal(t, 5, rankPoints(25))
	assert.Equal(t, 5, rankPoints(36))
	assert.Equal(t, 0, rankPoints(37))
	assert.Equal(t, 0, rankPoints(0))
}

func TestScorerVerdictBands(t *testing.T) {
	assert.Equal(t, models.VerdictLikelyInactive, ScoreActivity(ScoreInputs{}).Verdict)
	assert.Equal(t, models.VerdictUncertain, ScoreActivity(ScoreInputs{NextDayDelivery: true, IsPromoted: true}).Verdict) // 15
	assert.Equal(t, models.VerdictLikelyActive, ScoreActivity(ScoreInputs{StockDecreased: true}).Verdict)                 // 30
	assert.Equal(t, models.VerdictActive, ScoreActivity(ScoreInputs{Reviews7d: 10}).Verdict)                              // 40
}

func TestFuserPrecedence(t *testing.T) {
	f := NewFuser(
		NewStockDiffEstimator(testLogger()),
		NewReviewAnalyzer(0.02, 0.03, 0.05, testLogger()),
		testLogger(),
	)
	now := time.Now()

	samples := []models.StockSample{
		sample(now.Add(-48*time.Hour), 50),
		sample(now.Add(-24*time.Hour), 44),
		sample(now.Add(-1*time.Hour), 40),
	}
	counts := &ReviewWindowCounts{Reviews7d: 6, Reviews30d: 20, Covered30d: true}

	t.Run("third party wins when present", func(t *testing.T) {
		third := &models.ThirdPartySalesRecord{SKU: 1, WeeklyUnits: 75, MonthlyUnits: 300}
		got := f.Fuse(1, samples, counts, third, now)
		assert.Equal(t, 75, got.WeeklyUnits)
		assert.Equal(t, models.MethodThirdParty, got.WeeklyMethod)
		assert.Equal(t, 300, got.MonthlyUnits)
	})

	t.Run("stock diff beats reviews", func(t *testing.T) {
		got := f.Fuse(1, samples, counts, nil, now)
		assert.Equal(t, 10, got.WeeklyUnits)
		assert.Equal(t, models.MethodStockDiff, got.WeeklyMethod)
	})

	t.Run("reviews when no stock history", func(t *testing.T) {
		got := f.Fuse(1, nil, counts, nil, now)
		assert.Equal(t, models.MethodReviewGrowth, got.WeeklyMethod)
		assert.Equal(t, 200, got.WeeklyUnits)
		assert.Equal(t, 667, got.MonthlyUnits)
	})

	t.Run("no data at all", func(t *testing.T) {
		got := f.Fuse(1, nil, nil, nil, now)
		assert.Equal(t, models.MethodNoData, got.WeeklyMethod)
		assert.Equal(t, models.ConfidenceNone, got.WeeklyConfidence)
		assert.Zero(t, got.WeeklyUnits)
	})
}

func TestFuserFlagsRestock(t *testing.T) {
	f := NewFuser(
		NewStockDiffEstimator(testLogger()),
		NewReviewAnalyzer(0, 0, 0, testLogger()),
		testLogger(),
	)
	now := time.Now()

	samples := []models.StockSample{
		sample(now.Add(-72*time.Hour), 10),
		sample(now.Add(-48*time.Hour), 4),
		sample(now.Add(-24*time.Hour), 95),
		sample(now.Add(-1*time.Hour), 90),
	}

	got := f.Fuse(1, samples, nil, nil, now)
	assert.True(t, got.RestockDetected)
	assert.Equal(t, 11, got.WeeklyUnits, "restock jump contributes nothing")
}
