// Package bcs talks to the BCS analytics service, a third-party platform
// that independently tracks marketplace sales. It is a paid, optional
// signal source: every consumer must work with a nil record.
package bcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
	"github.com/ozonradar/ozon-sales-tracker/internal/pacing"
)

const (
	// DefaultBaseURL serves the data endpoints, DefaultAuthURL the login
	// endpoint. They live on different hosts.
	DefaultBaseURL = "https://ozon.bcserp.com/prod-api"
	DefaultAuthURL = "https://www.bcserp.com/prod-api"

	defaultTimeout = 30 * time.Second
)

// Attribute keys in the dimensions response.
const (
	attrLengthMM = "9454"
	attrWidthMM  = "9455"
	attrHeightMM = "9456"
	attrWeightG  = "4497"
)

var (
	// ErrNotAuthenticated is returned when a data call is made without a
	// token. Not retryable without Login or SetToken.
	ErrNotAuthenticated = errors.New("bcs: not authenticated")
	// ErrTokenExpired means the service rejected the token. The client
	// discards it so the next use fails fast instead of retrying with a
	// dead token.
	ErrTokenExpired = errors.New("bcs: token expired")
)

// AuthError carries the service's rejection message from a failed login.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bcs: login rejected: %s", e.Message)
}

// Client queries the BCS API. All calls go through the pacer; the
// service bans accounts that hammer it just like the marketplace does.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authURL    string
	pacer      pacing.Pacer
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

type Options struct {
	BaseURL string
	AuthURL string
	Token   string
	Pacer   pacing.Pacer
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.Pacer == nil {
		opts.Pacer = pacing.New(500*time.Millisecond, 1500*time.Millisecond)
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    opts.BaseURL,
		authURL:    opts.AuthURL,
		token:      opts.Token,
		pacer:      opts.Pacer,
		logger:     logger.With("component", "bcs"),
	}
}

// envelope is the service's response wrapper. Code is application-level:
// 200 success, 401 dead token, regardless of the HTTP status.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// outcomeRecorder is the feedback half of an adaptive throttle. A pacer
// that implements it is told how each request went, so error streaks
// stretch the delay and sustained success shrinks it back.
type outcomeRecorder interface {
	RecordSuccess()
	RecordError()
}

func (c *Client) recordOutcome(ok bool) {
	rec, adaptive := c.pacer.(outcomeRecorder)
	if !adaptive {
		return
	}
	if ok {
		rec.RecordSuccess()
	} else {
		rec.RecordError()
	}
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/pluginLogin", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordOutcome(false)
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Token string `json:"token"`
		Msg   string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordOutcome(false)
		return fmt.Errorf("decode login response: %w", err)
	}
	if result.Token == "" {
		// The service answered normally; a credential rejection says
		// nothing about its load.
		c.recordOutcome(true)
		return &AuthError{Message: result.Msg}
	}
	c.recordOutcome(true)

	c.mu.Lock()
	c.token = result.Token
	c.mu.Unlock()
	c.logger.Info("authenticated")
	return nil
}

// SetToken installs a pre-obtained token, skipping Login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Authenticated reports whether the client currently holds a token.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// call performs one authenticated request and unwraps the envelope. The
// service uses a bare token in the Authorization header, no scheme.
func (c *Client) call(ctx context.Context, method, url string, body []byte) (json.RawMessage, error) {
	token := c.currentToken()
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordOutcome(false)
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.recordOutcome(false)
		return nil, fmt.Errorf("decode response from %s: %w", url, err)
	}

	switch env.Code {
	case http.StatusOK:
		c.recordOutcome(true)
		return env.Data, nil
	case http.StatusUnauthorized:
		c.recordOutcome(false)
		c.dropToken()
		return nil, ErrTokenExpired
	default:
		// 5xx and friends count against the throttle even though the
		// payload is passed through.
		c.recordOutcome(false)
		c.logger.Debug("unexpected response code", "code", env.Code, "msg", env.Msg, "url", url)
		return env.Data, nil
	}
}

// salesData is the useful subset of one sales response. The service is
// loose about scalar types, so numbers may arrive quoted.
type salesData struct {
	MonthSales  looseInt    `json:"monthsales"`
	Article     looseString `json:"article"`
	Brand       looseString `json:"brand"`
	CatName     looseString `json:"catname"`
	DaysInPromo looseInt    `json:"daysInPromo"`
	DaysWithAds looseInt    `json:"daysWithTrafarets"`
	GMVSum      looseFloat  `json:"gmvSum"`
	DRR         looseFloat  `json:"drr"`
	AvgPrice    looseFloat  `json:"avgprice"`
	Sources     looseString `json:"sources"`
	CreateDate  looseString `json:"createDate"`
}

// FetchSales returns the sales record for one SKU. period "" means
// monthly, "weekly" the trailing week (the service reuses the
// monthsales field for whichever period was asked). A nil record with a
// nil error means the service knows nothing about the SKU.
func (c *Client) FetchSales(ctx context.Context, sku int64, period string) (*models.ThirdPartySalesRecord, error) {
	url := fmt.Sprintf("%s/system/sku/skuss/new?sku=%d", c.baseURL, sku)
	if period != "" {
		url += "&period=" + period
	}

	data, err := c.call(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var sd salesData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("decode sales data for sku %d: %w", sku, err)
	}

	rec := &models.ThirdPartySalesRecord{
		SKU:          sku,
		Article:      string(sd.Article),
		Brand:        string(sd.Brand),
		CategoryName: string(sd.CatName),
		DaysInPromo:  int(sd.DaysInPromo),
		DaysWithAds:  int(sd.DaysWithAds),
		MonthlyGMV:   float64(sd.GMVSum),
		AdCostRatio:  float64(sd.DRR),
		AvgPrice:     float64(sd.AvgPrice),
		SellerType:   string(sd.Sources),
		FetchedAt:    time.Now(),
	}
	if period == "weekly" {
		rec.WeeklyUnits = int(sd.MonthSales)
	} else {
		rec.MonthlyUnits = int(sd.MonthSales)
	}
	if t, err := time.Parse("2006-01-02", string(sd.CreateDate)); err == nil {
		rec.CreationDate = &t
	}
	return rec, nil
}

// FetchFullInfo combines the monthly and weekly records for one SKU,
// optionally enriched with dimensions. The weekly request is only made
// when the monthly one produced data.
func (c *Client) FetchFullInfo(ctx context.Context, sku int64, includeDimensions bool) (*models.ThirdPartySalesRecord, error) {
	rec, err := c.FetchSales(ctx, sku, "")
	if err != nil || rec == nil {
		return rec, err
	}

	if rec.MonthlyUnits > 0 {
		weekly, err := c.FetchSales(ctx, sku, "weekly")
		if err != nil {
			return nil, err
		}
		if weekly != nil {
			rec.WeeklyUnits = weekly.WeeklyUnits
		}
	}

	if includeDimensions {
		dims, err := c.FetchDimensions(ctx, sku)
		if err != nil {
			// Dimensions are enrichment, not core data.
			c.logger.Warn("dimensions fetch failed", "sku", sku, "error", err)
		} else {
			rec.Dimensions = dims
		}
	}
	return rec, nil
}

// FetchDimensions returns declared physical dimensions for one SKU. The
// response is a record list whose first entry carries keyed attributes;
// unknown keys are ignored.
func (c *Client) FetchDimensions(ctx context.Context, sku int64) (models.Dimensions, error) {
	body, _ := json.Marshal(map[string]string{"sku": strconv.FormatInt(sku, 10)})

	data, err := c.call(ctx, http.MethodPost, c.baseURL+"/system/ozonRecord/shops", body)
	if err != nil {
		return models.Dimensions{}, err
	}

	var records []struct {
		Attributes []struct {
			Key   looseString `json:"key"`
			Value looseFloat  `json:"value"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(data, &records); err != nil || len(records) == 0 {
		return models.Dimensions{}, nil
	}

	var dims models.Dimensions
	for _, attr := range records[0].Attributes {
		v := float64(attr.Value)
		switch string(attr.Key) {
		case attrLengthMM:
			dims.LengthMM = v
		case attrWidthMM:
			dims.WidthMM = v
		case attrHeightMM:
			dims.HeightMM = v
		case attrWeightG:
			dims.WeightG = v
		}
	}
	return dims, nil
}

// BatchProgress is one progress event from a batch fetch.
type BatchProgress struct {
	Current int   `json:"current"`
	Total   int   `json:"total"`
	SKU     int64 `json:"sku"`
}

// FetchBatch retrieves full records for a SKU list, reporting progress
// on the given channel if non-nil. A failed SKU is skipped and counted;
// an auth failure aborts the batch since every later call would fail
// the same way. Collected records are returned either way.
func (c *Client) FetchBatch(ctx context.Context, skus []int64, includeDimensions bool, progress chan<- BatchProgress) ([]models.ThirdPartySalesRecord, error) {
	out := make([]models.ThirdPartySalesRecord, 0, len(skus))
	failed := 0

	for i, sku := range skus {
		rec, err := c.FetchFullInfo(ctx, sku, includeDimensions)
		switch {
		case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrNotAuthenticated), errors.Is(err, context.Canceled):
			return out, err
		case err != nil:
			failed++
			c.logger.Warn("batch item failed", "sku", sku, "error", err)
		case rec != nil:
			out = append(out, *rec)
		}

		if progress != nil {
			progress <- BatchProgress{Current: i + 1, Total: len(skus), SKU: sku}
		}
	}

	c.logger.Info("batch complete", "requested", len(skus), "fetched", len(out), "failed", failed)
	return out, nil
}

// Loose scalar decoding: the service emits numbers and strings
// interchangeably. Unparsable input decodes to the zero value.

type looseInt int

func (v *looseInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*v = looseInt(f)
	} else {
		*v = 0
	}
	return nil
}

type looseFloat float64

func (v *looseFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*v = looseFloat(f)
	} else {
		*v = 0
	}
	return nil
}

type looseString string

func (v *looseString) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*v = looseString(s)
	return nil
}
