package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// HTTP Server
	Port               string        `env:"PORT" envDefault:"8081"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`

	// Storage
	DataBackend  string        `env:"DATA_BACKEND" envDefault:"memory"`
	LedgerSource string        `env:"LEDGER_SOURCE" envDefault:"store"`
	SQLiteDBPath string        `env:"SQLITE_DB_PATH" envDefault:"./data/finsights.db"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	DataDir      string        `env:"DATA_DIR" envDefault:"./data"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"100ms"`

	// Budget summary cache
	CacheBackend string        `env:"CACHE_BACKEND" envDefault:"memory"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheSize    int           `env:"CACHE_SIZE" envDefault:"1000"`
	RedisURL     string        `env:"REDIS_URL"`
	TrendWindow  int           `env:"TREND_WINDOW" envDefault:"6"`

	// Cohort broadcast (optional)
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"finsights.cohort"`
	AMQPQueue    string `env:"AMQP_QUEUE"`

	// Rankings
	MinCohortSize         int           `env:"MIN_COHORT_SIZE" envDefault:"20"`
	CohortRefreshInterval time.Duration `env:"COHORT_REFRESH_INTERVAL" envDefault:"15m"`

	// Quota
	QuotaBaseline   int           `env:"QUOTA_BASELINE" envDefault:"200"`
	QuotaMin        int           `env:"QUOTA_MIN" envDefault:"50"`
	QuotaMax        int           `env:"QUOTA_MAX" envDefault:"500"`
	QuotaTargetRate float64       `env:"QUOTA_TARGET_RATE" envDefault:"0.5"`
	QuotaLookback   time.Duration `env:"QUOTA_LOOKBACK" envDefault:"720h"`

	// Google Sheets ledger
	GoogleSpreadsheetID          string `env:"GOOGLE_SPREADSHEET_ID"`
	GoogleLedgerSheet            string `env:"GOOGLE_LEDGER_SHEET" envDefault:"Ledger"`
	GoogleServiceAccountJSON     string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	GoogleServiceAccountFile     string `env:"GOOGLE_SERVICE_ACCOUNT_FILE"`
	GoogleApplicationCredentials string `env:"GOOGLE_APPLICATION_CREDENTIALS"`

	// Observability
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads the configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid request timeout %v: must be positive", c.RequestTimeout))
	}
	if c.RetryBackoff < 0 || c.RetryBackoff > 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid retry backoff %v: must be between 0 and 10s", c.RetryBackoff))
	}
	if c.RateLimitPerMinute < 0 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must not be negative", c.RateLimitPerMinute))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite", "postgres"}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			// Check if directory exists or can be created
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.DataBackend == "postgres" {
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errors = append(errors, "invalid DATABASE_URL: must be a postgres:// URL")
		}
	}

	// Validate ledger source
	validSources := []string{"store", "sheets"}
	if !slices.Contains(validSources, c.LedgerSource) {
		errors = append(errors, fmt.Sprintf("invalid ledger source '%s': must be one of %v", c.LedgerSource, validSources))
	}
	if c.LedgerSource == "sheets" {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets ledger source")
		}
		if c.GoogleLedgerSheet == "" {
			errors = append(errors, "Google ledger sheet name is required when using sheets ledger source")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" && c.GoogleApplicationCredentials == "" {
			errors = append(errors, "one of GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_APPLICATION_CREDENTIALS must be provided for sheets ledger source")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	// Validate cache
	validCaches := []string{"memory", "redis", "none"}
	if !slices.Contains(validCaches, c.CacheBackend) {
		errors = append(errors, fmt.Sprintf("invalid cache backend '%s': must be one of %v", c.CacheBackend, validCaches))
	}
	if c.CacheBackend == "redis" {
		if c.RedisURL == "" {
			errors = append(errors, "REDIS_URL is required when using redis cache backend")
		} else if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errors = append(errors, "invalid REDIS_URL: must be a redis:// or rediss:// URL")
		}
	}
	if c.CacheBackend != "none" {
		if c.CacheTTL < time.Second {
			errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must be at least 1 second", c.CacheTTL))
		}
		if c.CacheBackend == "memory" && c.CacheSize < 1 {
			errors = append(errors, fmt.Sprintf("invalid cache size %d: must be at least 1", c.CacheSize))
		}
	}
	if c.TrendWindow < 1 || c.TrendWindow > 36 {
		errors = append(errors, fmt.Sprintf("invalid trend window %d: must be between 1 and 36", c.TrendWindow))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate rankings
	if c.MinCohortSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid minimum cohort size %d: must be at least 1", c.MinCohortSize))
	}
	if c.CohortRefreshInterval != 0 && c.CohortRefreshInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid cohort refresh interval %v: must be 0 or at least 1 second", c.CohortRefreshInterval))
	}

	// Validate quota policy
	if c.QuotaMin < 0 || c.QuotaMin > c.QuotaBaseline || c.QuotaBaseline > c.QuotaMax {
		errors = append(errors, fmt.Sprintf("invalid quota bounds: need 0 <= QUOTA_MIN (%d) <= QUOTA_BASELINE (%d) <= QUOTA_MAX (%d)", c.QuotaMin, c.QuotaBaseline, c.QuotaMax))
	}
	if c.QuotaTargetRate <= 0 || c.QuotaTargetRate > 1 {
		errors = append(errors, fmt.Sprintf("invalid quota target rate %v: must be in (0, 1]", c.QuotaTargetRate))
	}
	if c.QuotaLookback < time.Hour {
		errors = append(errors, fmt.Sprintf("invalid quota lookback %v: must be at least 1 hour", c.QuotaLookback))
	}

	// Validate logging
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}
