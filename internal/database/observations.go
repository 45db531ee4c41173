package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("database: not found")

// SaveObservation upserts one product sighting keyed by (sku, keyword).
// Cross-session deduplication lives here; sessions only dedup within
// themselves.
func (db *DB) SaveObservation(ctx context.Context, obs models.ProductObservation) error {
	query := `
		INSERT INTO product_observations (
			sku, keyword, title, product_url, image_url,
			price, original_price, discount_percent,
			category, brand, rating, review_count,
			seller_type, seller_name, delivery_info, is_promoted,
			stock_quantity, length_mm, width_mm, height_mm, weight_g,
			followers_count, follower_min_price, creation_date,
			search_rank, source, captured_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (sku, keyword) DO UPDATE SET
			title = EXCLUDED.title,
			product_url = EXCLUDED.product_url,
			image_url = EXCLUDED.image_url,
			price = EXCLUDED.price,
			original_price = EXCLUDED.original_price,
			discount_percent = EXCLUDED.discount_percent,
			category = EXCLUDED.category,
			brand = EXCLUDED.brand,
			rating = EXCLUDED.rating,
			review_count = EXCLUDED.review_count,
			seller_type = EXCLUDED.seller_type,
			seller_name = EXCLUDED.seller_name,
			delivery_info = EXCLUDED.delivery_info,
			is_promoted = EXCLUDED.is_promoted,
			stock_quantity = EXCLUDED.stock_quantity,
			length_mm = EXCLUDED.length_mm,
			width_mm = EXCLUDED.width_mm,
			height_mm = EXCLUDED.height_mm,
			weight_g = EXCLUDED.weight_g,
			followers_count = EXCLUDED.followers_count,
			follower_min_price = EXCLUDED.follower_min_price,
			creation_date = EXCLUDED.creation_date,
			search_rank = EXCLUDED.search_rank,
			source = EXCLUDED.source,
			captured_at = EXCLUDED.captured_at`

	_, err := db.pool.Exec(ctx, query,
		obs.SKU, obs.Keyword, obs.Title, obs.ProductURL, obs.ImageURL,
		obs.Price, obs.OriginalPrice, obs.DiscountPercent,
		obs.Category, obs.Brand, obs.Rating, obs.ReviewCount,
		obs.SellerType, obs.SellerName, obs.DeliveryInfo, obs.IsPromoted,
		obs.StockQuantity, obs.Dimensions.LengthMM, obs.Dimensions.WidthMM,
		obs.Dimensions.HeightMM, obs.Dimensions.WeightG,
		obs.FollowersCount, obs.FollowerMinRUB, obs.CreationDate,
		obs.SearchRank, obs.Source, obs.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save observation for sku %d: %w", obs.SKU, err)
	}
	return nil
}

// ListObservations returns the latest sightings for one keyword, best
// rank first.
func (db *DB) ListObservations(ctx context.Context, keyword string, limit int) ([]models.ProductObservation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT sku, keyword, title, product_url, image_url,
		       price, original_price, discount_percent,
		       category, brand, rating, review_count,
		       seller_type, seller_name, delivery_info, is_promoted,
		       stock_quantity, length_mm, width_mm, height_mm, weight_g,
		       followers_count, follower_min_price, creation_date,
		       search_rank, source, captured_at
		FROM product_observations
		WHERE keyword = $1
		ORDER BY search_rank ASC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, keyword, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var out []models.ProductObservation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return out, nil
}

// GetObservation returns the most recent sighting of one SKU across all
// keywords.
func (db *DB) GetObservation(ctx context.Context, sku int64) (models.ProductObservation, error) {
	query := `
		SELECT sku, keyword, title, product_url, image_url,
		       price, original_price, discount_percent,
		       category, brand, rating, review_count,
		       seller_type, seller_name, delivery_info, is_promoted,
		       stock_quantity, length_mm, width_mm, height_mm, weight_g,
		       followers_count, follower_min_price, creation_date,
		       search_rank, source, captured_at
		FROM product_observations
		WHERE sku = $1
		ORDER BY captured_at DESC
		LIMIT 1`

	obs, err := scanObservation(db.pool.QueryRow(ctx, query, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProductObservation{}, ErrNotFound
	}
	if err != nil {
		return models.ProductObservation{}, fmt.Errorf("failed to get observation for sku %d: %w", sku, err)
	}
	return obs, nil
}

// ListTrackedSKUs returns distinct SKUs, optionally restricted to one
// keyword. Feed for the stock tracker's batch runs.
func (db *DB) ListTrackedSKUs(ctx context.Context, keyword string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}

	var rows pgx.Rows
	var err error
	if keyword != "" {
		rows, err = db.pool.Query(ctx,
			`SELECT DISTINCT sku FROM product_observations WHERE keyword = $1 ORDER BY sku LIMIT $2`,
			keyword, limit)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT DISTINCT sku FROM product_observations ORDER BY sku LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked skus: %w", err)
	}
	defer rows.Close()

	var skus []int64
	for rows.Next() {
		var sku int64
		if err := rows.Scan(&sku); err != nil {
			return nil, fmt.Errorf("failed to scan sku: %w", err)
		}
		skus = append(skus, sku)
	}
	return skus, rows.Err()
}

// AppendStockSample records one stock snapshot. Samples are immutable
// facts; there is no upsert here.
func (db *DB) AppendStockSample(ctx context.Context, sample models.StockSample) error {
	query := `
		INSERT INTO stock_samples (sku, quantity, status, stock_text, review_count, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		sample.SKU, sample.Quantity, sample.Status, sample.StockText,
		sample.ReviewCount, sample.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append stock sample for sku %d: %w", sample.SKU, err)
	}
	return nil
}

// GetStockHistory returns samples for one SKU from the trailing
// sinceDays, oldest first, as the diff estimator expects.
func (db *DB) GetStockHistory(ctx context.Context, sku int64, sinceDays int) ([]models.StockSample, error) {
	if sinceDays <= 0 {
		sinceDays = 30
	}
	query := `
		SELECT sku, quantity, status, stock_text, review_count, taken_at
		FROM stock_samples
		WHERE sku = $1 AND taken_at >= $2
		ORDER BY taken_at ASC`

	rows, err := db.pool.Query(ctx, query, sku, time.Now().AddDate(0, 0, -sinceDays))
	if err != nil {
		return nil, fmt.Errorf("failed to get stock history for sku %d: %w", sku, err)
	}
	defer rows.Close()

	var samples []models.StockSample
	for rows.Next() {
		var s models.StockSample
		if err := rows.Scan(&s.SKU, &s.Quantity, &s.Status, &s.StockText, &s.ReviewCount, &s.TakenAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// SaveSalesEstimate stores the latest fused estimate for one SKU,
// replacing the previous one.
func (db *DB) SaveSalesEstimate(ctx context.Context, est models.SalesEstimate) error {
	query := `
		INSERT INTO sales_estimates (
			sku, weekly_units, monthly_units,
			weekly_method, monthly_method,
			weekly_confidence, monthly_confidence,
			restock_detected, estimated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sku) DO UPDATE SET
			weekly_units = EXCLUDED.weekly_units,
			monthly_units = EXCLUDED.monthly_units,
			weekly_method = EXCLUDED.weekly_method,
			monthly_method = EXCLUDED.monthly_method,
			weekly_confidence = EXCLUDED.weekly_confidence,
			monthly_confidence = EXCLUDED.monthly_confidence,
			restock_detected = EXCLUDED.restock_detected,
			estimated_at = EXCLUDED.estimated_at`

	_, err := db.pool.Exec(ctx, query,
		est.SKU, est.WeeklyUnits, est.MonthlyUnits,
		est.WeeklyMethod, est.MonthlyMethod,
		est.WeeklyConfidence, est.MonthlyConfidence,
		est.RestockDetected, est.EstimatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save estimate for sku %d: %w", est.SKU, err)
	}
	return nil
}

// GetSalesEstimate returns the stored estimate for one SKU.
func (db *DB) GetSalesEstimate(ctx context.Context, sku int64) (models.SalesEstimate, error) {
	query := `
		SELECT sku, weekly_units, monthly_units,
		       weekly_method, monthly_method,
		       weekly_confidence, monthly_confidence,
		       restock_detected, estimated_at
		FROM sales_estimates
		WHERE sku = $1`

	var est models.SalesEstimate
	err := db.pool.QueryRow(ctx, query, sku).Scan(
		&est.SKU, &est.WeeklyUnits, &est.MonthlyUnits,
		&est.WeeklyMethod, &est.MonthlyMethod,
		&est.WeeklyConfidence, &est.MonthlyConfidence,
		&est.RestockDetected, &est.EstimatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SalesEstimate{}, ErrNotFound
	}
	if err != nil {
		return models.SalesEstimate{}, fmt.Errorf("failed to get estimate for sku %d: %w", sku, err)
	}
	return est, nil
}

// SaveThirdPartyRecord stores a BCS response for one SKU, replacing the
// previous fetch.
func (db *DB) SaveThirdPartyRecord(ctx context.Context, rec models.ThirdPartySalesRecord) error {
	query := `
		INSERT INTO third_party_records (
			sku, monthly_units, weekly_units, article, brand, category_name,
			days_in_promo, days_with_ads, monthly_gmv, ad_cost_ratio, avg_price,
			seller_type, creation_date,
			length_mm, width_mm, height_mm, weight_g, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (sku) DO UPDATE SET
			monthly_units = EXCLUDED.monthly_units,
			weekly_units = EXCLUDED.weekly_units,
			article = EXCLUDED.article,
			brand = EXCLUDED.brand,
			category_name = EXCLUDED.category_name,
			days_in_promo = EXCLUDED.days_in_promo,
			days_with_ads = EXCLUDED.days_with_ads,
			monthly_gmv = EXCLUDED.monthly_gmv,
			ad_cost_ratio = EXCLUDED.ad_cost_ratio,
			avg_price = EXCLUDED.avg_price,
			seller_type = EXCLUDED.seller_type,
			creation_date = EXCLUDED.creation_date,
			length_mm = EXCLUDED.length_mm,
			width_mm = EXCLUDED.width_mm,
			height_mm = EXCLUDED.height_mm,
			weight_g = EXCLUDED.weight_g,
			fetched_at = EXCLUDED.fetched_at`

	_, err := db.pool.Exec(ctx, query,
		rec.SKU, rec.MonthlyUnits, rec.WeeklyUnits, rec.Article, rec.Brand, rec.CategoryName,
		rec.DaysInPromo, rec.DaysWithAds, rec.MonthlyGMV, rec.AdCostRatio, rec.AvgPrice,
		rec.SellerType, rec.CreationDate,
		rec.Dimensions.LengthMM, rec.Dimensions.WidthMM, rec.Dimensions.HeightMM,
		rec.Dimensions.WeightG, rec.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save third-party record for sku %d: %w", rec.SKU, err)
	}
	return nil
}

// GetThirdPartyRecord returns the stored BCS record for one SKU, or
// (nil, nil) when none was fetched; consumers treat absence as normal.
func (db *DB) GetThirdPartyRecord(ctx context.Context, sku int64) (*models.ThirdPartySalesRecord, error) {
	query := `
		SELECT sku, monthly_units, weekly_units, article, brand, category_name,
		       days_in_promo, days_with_ads, monthly_gmv, ad_cost_ratio, avg_price,
		       seller_type, creation_date,
		       length_mm, width_mm, height_mm, weight_g, fetched_at
		FROM third_party_records
		WHERE sku = $1`

	var rec models.ThirdPartySalesRecord
	err := db.pool.QueryRow(ctx, query, sku).Scan(
		&rec.SKU, &rec.MonthlyUnits, &rec.WeeklyUnits, &rec.Article, &rec.Brand, &rec.CategoryName,
		&rec.DaysInPromo, &rec.DaysWithAds, &rec.MonthlyGMV, &rec.AdCostRatio, &rec.AvgPrice,
		&rec.SellerType, &rec.CreationDate,
		&rec.Dimensions.LengthMM, &rec.Dimensions.WidthMM, &rec.Dimensions.HeightMM,
		&rec.Dimensions.WeightG, &rec.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get third-party record for sku %d: %w", sku, err)
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (models.ProductObservation, error) {
	var obs models.ProductObservation
	err := row.Scan(
		&obs.SKU, &obs.Keyword, &obs.Title, &obs.ProductURL, &obs.ImageURL,
		&obs.Price, &obs.OriginalPrice, &obs.DiscountPercent,
		&obs.Category, &obs.Brand, &obs.Rating, &obs.ReviewCount,
		&obs.SellerType, &obs.SellerName, &obs.DeliveryInfo, &obs.IsPromoted,
		&obs.StockQuantity, &obs.Dimensions.LengthMM, &obs.Dimensions.WidthMM,
		&obs.Dimensions.HeightMM, &obs.Dimensions.WeightG,
		&obs.FollowersCount, &obs.FollowerMinRUB, &obs.CreationDate,
		&obs.SearchRank, &obs.Source, &obs.CapturedAt,
	)
	return obs, err
}
