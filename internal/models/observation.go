package models

import (
	"time"
)

// Source identifies which extraction path produced an observation.
type Source string

const (
	// SourceNetwork means the record was parsed from an intercepted
	// composer-api JSON payload.
	SourceNetwork Source = "network"
	// SourceDOM means the record was recovered from rendered markup.
	// Field coverage is narrower than the network path.
	SourceDOM Source = "dom"
)

// ProductObservation is one sighting of a product at one point in time.
// Identity is (SKU, Keyword); observations are immutable facts and new
// sightings are new rows.
type ProductObservation struct {
	SKU             int64      `json:"sku"`
	Title           string     `json:"title"`
	ProductURL      string     `json:"product_url"`
	ImageURL        string     `json:"image_url"`
	Price           float64    `json:"price"`
	OriginalPrice   float64    `json:"original_price"`
	DiscountPercent float64    `json:"discount_percent"`
	Category        string     `json:"category"`
	Brand           string     `json:"brand"`
	Rating          float64    `json:"rating"`
	ReviewCount     int        `json:"review_count"`
	SellerType      string     `json:"seller_type"`
	SellerName      string     `json:"seller_name"`
	DeliveryInfo    string     `json:"delivery_info"`
	IsPromoted      bool       `json:"is_promoted"`
	StockQuantity   *int       `json:"stock_quantity,omitempty"`
	Dimensions      Dimensions `json:"dimensions"`
	FollowersCount  int        `json:"followers_count"`
	FollowerMinRUB  float64    `json:"follower_min_price"`
	CreationDate    *time.Time `json:"creation_date,omitempty"`
	SearchRank      int        `json:"search_rank"`
	Keyword         string     `json:"keyword"`
	CapturedAt      time.Time  `json:"captured_at"`
	Source          Source     `json:"source"`
}

// Dimensions holds declared physical dimensions and weight.
type Dimensions struct {
	LengthMM float64 `json:"length_mm"`
	WidthMM  float64 `json:"width_mm"`
	HeightMM float64 `json:"height_mm"`
	WeightG  float64 `json:"weight_g"`
}

func (d Dimensions) IsZero() bool {
	return d.LengthMM == 0 && d.WidthMM == 0 && d.HeightMM == 0 && d.WeightG == 0
}

// StockStatus classifies a stock snapshot.
type StockStatus string

const (
	StockUnknown    StockStatus = "unknown"
	StockInStock    StockStatus = "in_stock"
	StockLowStock   StockStatus = "low_stock"
	StockOutOfStock StockStatus = "out_of_stock"
)

// StockSample is the estimator-facing view of one stock snapshot.
// Quantity is nil when the page did not expose a number.
type StockSample struct {
	SKU         int64       `json:"sku"`
	Quantity    *int        `json:"quantity"`
	Status      StockStatus `json:"status"`
	StockText   string      `json:"stock_text"`
	ReviewCount int         `json:"review_count"`
	TakenAt     time.Time   `json:"taken_at"`
}

// Confidence is an ordered qualitative grade on an estimate, not a
// statistical interval.
type Confidence string

const (
	ConfidenceNone    Confidence = "none"
	ConfidenceVeryLow Confidence = "very_low"
	ConfidenceLow     Confidence = "low"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceHigh    Confidence = "high"
)

var confidenceRank = map[Confidence]int{
	ConfidenceNone:    0,
	ConfidenceVeryLow: 1,
	ConfidenceLow:     2,
	ConfidenceMedium:  3,
	ConfidenceHigh:    4,
}

// AtLeast reports whether c is at least as strong as other.
func (c Confidence) AtLeast(other Confidence) bool {
	return confidenceRank[c] >= confidenceRank[other]
}

// Method names the estimation path that produced a figure.
type Method string

const (
	MethodStockDiff        Method = "stock_diff"
	MethodReviewGrowth     Method = "review_growth"
	MethodReviewTotal      Method = "review_total_estimate"
	MethodThirdParty       Method = "third_party"
	MethodInsufficientData Method = "insufficient_data"
	MethodNoData           Method = "no_data"
)

// SalesEstimate is the fused weekly/monthly output for one SKU. The
// weekly and monthly paths are estimated independently and may disagree;
// monthly >= weekly is deliberately not enforced.
type SalesEstimate struct {
	SKU               int64      `json:"sku"`
	WeeklyUnits       int        `json:"weekly_units"`
	MonthlyUnits      int        `json:"monthly_units"`
	WeeklyMethod      Method     `json:"weekly_method"`
	MonthlyMethod     Method     `json:"monthly_method"`
	WeeklyConfidence  Confidence `json:"weekly_confidence"`
	MonthlyConfidence Confidence `json:"monthly_confidence"`
	RestockDetected   bool       `json:"restock_detected"`
	EstimatedAt       time.Time  `json:"estimated_at"`
}

// SalesRange brackets a review-based estimate across the configured
// review-rate assumptions. The rate is an assumption, not a measurement,
// so a single point value would overstate what we know.
type SalesRange struct {
	Low  int `json:"low"`
	Mid  int `json:"mid"`
	High int `json:"high"`
}

// ThirdPartySalesRecord is a normalized response from the external BCS
// analytics service for one SKU. Higher trust, lower availability: all
// consumers must tolerate its absence.
type ThirdPartySalesRecord struct {
	SKU          int64      `json:"sku"`
	MonthlyUnits int        `json:"monthly_units"`
	WeeklyUnits  int        `json:"weekly_units"`
	Article      string     `json:"article"`
	Brand        string     `json:"brand"`
	CategoryName string     `json:"category_name"`
	DaysInPromo  int        `json:"days_in_promo"`
	DaysWithAds  int        `json:"days_with_ads"`
	MonthlyGMV   float64    `json:"monthly_gmv"`
	AdCostRatio  float64    `json:"ad_cost_ratio"`
	AvgPrice     float64    `json:"avg_price"`
	SellerType   string     `json:"seller_type"`
	CreationDate *time.Time `json:"creation_date,omitempty"`
	Dimensions   Dimensions `json:"dimensions"`
	FetchedAt    time.Time  `json:"fetched_at"`
}

// Verdict is the activity scorer's banded conclusion.
type Verdict string

const (
	VerdictActive         Verdict = "active"
	VerdictLikelyActive   Verdict = "likely_active"
	VerdictUncertain      Verdict = "uncertain"
	VerdictLikelyInactive Verdict = "likely_inactive"
)

// SignalContribution itemizes one signal's share of an activity score.
type SignalContribution struct {
	Score        int    `json:"score"`
	Max          int    `json:"max"`
	Detail       string `json:"detail"`
	IsDefinitive bool   `json:"is_definitive"`
}

// ActivityScore is the multi-signal "is this item selling" result.
type ActivityScore struct {
	Score    int                           `json:"score"`
	MaxScore int                           `json:"max_score"`
	Verdict  Verdict                       `json:"verdict"`
	Signals  map[string]SignalContribution `json:"signals"`
}
