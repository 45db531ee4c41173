package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Crawl    CrawlConfig
	Pacing   PacingConfig
	Browser  BrowserConfig
	Reviews  ReviewConfig
	BCS      BCSConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type CrawlConfig struct {
	MaxItemsPerKeyword int
	MaxEmptyPasses     int
	NavigationRetries  int
	StockBatchLimit    int
	SwitchPolicy       string
	TimeSlice          time.Duration
}

type PacingConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	PageMin  time.Duration
	PageMax  time.Duration
	BreakMin time.Duration
	BreakMax time.Duration
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
}

// ReviewConfig holds the review-to-purchase conversion assumptions. The
// reference range is 2-5%; these are tunable guesses, not measurements.
type ReviewConfig struct {
	RateLow  float64
	RateMid  float64
	RateHigh float64
	MaxPages int
}

type BCSConfig struct {
	BaseURL  string
	AuthURL  string
	Username string
	Password string
	Token    string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	MaxConns int
	MinConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Crawl: CrawlConfig{
			MaxItemsPerKeyword: getIntOrDefault("CRAWL_MAX_ITEMS_PER_KEYWORD", 100),
			MaxEmptyPasses:     getIntOrDefault("CRAWL_MAX_EMPTY_PASSES", 10),
			NavigationRetries:  getIntOrDefault("CRAWL_NAVIGATION_RETRIES", 3),
			StockBatchLimit:    getIntOrDefault("STOCK_BATCH_LIMIT", 200),
			SwitchPolicy:       getEnvOrDefault("CRAWL_SWITCH_POLICY", "sequential"),
			TimeSlice:          getDurationOrDefault("CRAWL_TIME_SLICE", 10*time.Minute),
		},
		Pacing: PacingConfig{
			MinDelay: getDurationOrDefault("PACING_MIN_DELAY", 1500*time.Millisecond),
			MaxDelay: getDurationOrDefault("PACING_MAX_DELAY", 3500*time.Millisecond),
			PageMin:  getDurationOrDefault("PACING_PAGE_MIN", 5*time.Second),
			PageMax:  getDurationOrDefault("PACING_PAGE_MAX", 12*time.Second),
			BreakMin: getDurationOrDefault("PACING_BREAK_MIN", 15*time.Second),
			BreakMax: getDurationOrDefault("PACING_BREAK_MAX", 30*time.Second),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "ru-RU,ru;q=0.9,en;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Moscow"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "ru-RU"),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Reviews: ReviewConfig{
			RateLow:  getFloatOrDefault("REVIEW_RATE_LOW", 0.02),
			RateMid:  getFloatOrDefault("REVIEW_RATE_MID", 0.03),
			RateHigh: getFloatOrDefault("REVIEW_RATE_HIGH", 0.05),
			MaxPages: getIntOrDefault("REVIEW_MAX_PAGES", 5),
		},
		BCS: BCSConfig{
			BaseURL:  getEnvOrDefault("BCS_BASE_URL", "https://ozon.bcserp.com/prod-api"),
			AuthURL:  getEnvOrDefault("BCS_AUTH_URL", "https://www.bcserp.com/prod-api"),
			Username: getEnvOrDefault("BCS_USERNAME", ""),
			Password: getEnvOrDefault("BCS_PASSWORD", ""),
			Token:    getEnvOrDefault("BCS_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "ozon_sales"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 10),
			MinConns: getIntOrDefault("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:sales_intel"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Pacing.MinDelay > c.Pacing.MaxDelay {
		return fmt.Errorf("PACING_MIN_DELAY cannot be greater than PACING_MAX_DELAY")
	}

	if c.Reviews.RateLow <= 0 || c.Reviews.RateMid <= 0 || c.Reviews.RateHigh <= 0 {
		return fmt.Errorf("review rates must be positive")
	}
	if c.Reviews.RateLow > c.Reviews.RateMid || c.Reviews.RateMid > c.Reviews.RateHigh {
		return fmt.Errorf("review rates must be ordered: REVIEW_RATE_LOW <= REVIEW_RATE_MID <= REVIEW_RATE_HIGH")
	}

	if c.Crawl.MaxEmptyPasses < 1 {
		return fmt.Errorf("CRAWL_MAX_EMPTY_PASSES must be at least 1")
	}

	switch c.Crawl.SwitchPolicy {
	case "sequential", "timer", "quantity":
	default:
		return fmt.Errorf("CRAWL_SWITCH_POLICY must be sequential, timer or quantity")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
