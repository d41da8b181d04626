// Package config loads service configuration.
// Priority order: environment variables > .env file > YAML file (CONFIG_FILE) > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Wave      WaveConfig      `yaml:"wave"`
	Cache     CacheConfig     `yaml:"cache"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Server    ServerConfig    `yaml:"server"`
}

// ExchangeConfig configures the exchange REST client.
type ExchangeConfig struct {
	BaseURL         string        `yaml:"base_url"`
	QuoteAsset      string        `yaml:"quote_asset"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RequestInterval time.Duration `yaml:"request_interval"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory, postgres or clickhouse
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
}

// RedisConfig configures the optional shared result cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IngestionConfig configures backfill and live collection.
type IngestionConfig struct {
	LookbackDays     int           `yaml:"lookback_days"`
	Concurrency      int           `yaml:"concurrency"`
	FetchPoolSize    int           `yaml:"fetch_pool_size"`
	RequestDelay     time.Duration `yaml:"request_delay"`
	FailureBackoff   time.Duration `yaml:"failure_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CollectOffset    time.Duration `yaml:"collect_offset"`
	StartupBackfill  bool          `yaml:"startup_backfill"`
}

// WaveConfig configures uptrend wave computation.
type WaveConfig struct {
	PoolSize  int           `yaml:"pool_size"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// CacheConfig configures result and snapshot caches.
type CacheConfig struct {
	ResultTTL  time.Duration `yaml:"result_ttl"`
	ResultSize int           `yaml:"result_size"`
	PointTTL   time.Duration `yaml:"point_ttl"`
	PointSize  int           `yaml:"point_size"`
}

// BacktestConfig configures the simulator.
type BacktestConfig struct {
	Timezone   string  `yaml:"timezone"` // IANA name for entry hours and day boundaries
	TotalStake float64 `yaml:"total_stake"`
}

// AlertsConfig configures alert channels.
type AlertsConfig struct {
	TelegramToken      string        `yaml:"telegram_token"`
	TelegramChatID     string        `yaml:"telegram_chat_id"`
	MemoryThresholdMiB uint64        `yaml:"memory_threshold_mib"`
	MemoryInterval     time.Duration `yaml:"memory_interval"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:         "https://fapi.binance.com",
			QuoteAsset:      "USDT",
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			RequestInterval: 100 * time.Millisecond,
		},
		Storage: StorageConfig{Backend: "memory"},
		Ingestion: IngestionConfig{
			LookbackDays:     30,
			Concurrency:      10,
			FetchPoolSize:    50,
			FailureBackoff:   30 * time.Second,
			FailureThreshold: 10,
			CollectOffset:    10 * time.Second,
			StartupBackfill:  true,
		},
		Wave: WaveConfig{
			PoolSize:  4,
			Timeout:   2 * time.Minute,
			CacheTTL:  5 * time.Minute,
			CacheSize: 32,
		},
		Cache: CacheConfig{
			ResultTTL:  5 * time.Minute,
			ResultSize: 256,
			PointTTL:   10 * time.Minute,
			PointSize:  64,
		},
		Backtest: BacktestConfig{
			Timezone:   "UTC",
			TotalStake: 1000,
		},
		Alerts: AlertsConfig{
			MemoryInterval: time.Minute,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
	}
}

// Load reads configuration. An empty path falls back to CONFIG_FILE; without
// either only defaults and environment apply.
func Load(path string) (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres backend")
		}
	case "clickhouse":
		if c.Storage.PostgresDSN == "" || c.Storage.ClickHouseDSN == "" {
			return errors.New("POSTGRES_DSN and CLICKHOUSE_DSN are required for the clickhouse backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	if c.Exchange.BaseURL == "" {
		return errors.New("EXCHANGE_BASE_URL is required")
	}
	if c.Ingestion.LookbackDays < 1 {
		return errors.New("BACKFILL_DAYS must be at least 1")
	}
	if c.Ingestion.Concurrency < 1 || c.Ingestion.FetchPoolSize < 1 {
		return errors.New("INGEST_CONCURRENCY and FETCH_POOL_SIZE must be at least 1")
	}
	if c.Ingestion.CollectOffset < 0 || c.Ingestion.CollectOffset >= 5*time.Minute {
		return errors.New("COLLECT_OFFSET must be within the 5m interval")
	}
	if c.Wave.PoolSize < 1 {
		return errors.New("WAVE_POOL_SIZE must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if (c.Alerts.TelegramToken == "") != (c.Alerts.TelegramChatID == "") {
		return errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

// Location returns the backtest time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Backtest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Backtest.Timezone, err)
	}
	return loc, nil
}

// MaskedTelegramToken returns the bot token with most characters hidden for logging.
func (c *Config) MaskedTelegramToken() string {
	return maskSecret(c.Alerts.TelegramToken)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func applyEnvOverrides(c *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// Exchange
	str("EXCHANGE_BASE_URL", &c.Exchange.BaseURL)
	str("EXCHANGE_QUOTE_ASSET", &c.Exchange.QuoteAsset)
	dur("EXCHANGE_TIMEOUT", &c.Exchange.Timeout)
	num("EXCHANGE_MAX_RETRIES", &c.Exchange.MaxRetries)
	dur("EXCHANGE_REQUEST_INTERVAL", &c.Exchange.RequestInterval)

	// Storage
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("CLICKHOUSE_DSN", &c.Storage.ClickHouseDSN)

	// Redis
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)

	// Ingestion
	num("BACKFILL_DAYS", &c.Ingestion.LookbackDays)
	num("INGEST_CONCURRENCY", &c.Ingestion.Concurrency)
	num("FETCH_POOL_SIZE", &c.Ingestion.FetchPoolSize)
	dur("REQUEST_DELAY", &c.Ingestion.RequestDelay)
	dur("FAILURE_BACKOFF", &c.Ingestion.FailureBackoff)
	num("FAILURE_THRESHOLD", &c.Ingestion.FailureThreshold)
	dur("COLLECT_OFFSET", &c.Ingestion.CollectOffset)
	flag("STARTUP_BACKFILL", &c.Ingestion.StartupBackfill)

	// Wave
	num("WAVE_POOL_SIZE", &c.Wave.PoolSize)
	dur("WAVE_TIMEOUT", &c.Wave.Timeout)
	dur("WAVE_CACHE_TTL", &c.Wave.CacheTTL)
	num("WAVE_CACHE_SIZE", &c.Wave.CacheSize)

	// Cache
	dur("RESULT_CACHE_TTL", &c.Cache.ResultTTL)
	num("RESULT_CACHE_SIZE", &c.Cache.ResultSize)
	dur("POINT_CACHE_TTL", &c.Cache.PointTTL)
	num("POINT_CACHE_SIZE", &c.Cache.PointSize)

	// Backtest
	str("BACKTEST_TIMEZONE", &c.Backtest.Timezone)
	if v := os.Getenv("BACKTEST_TOTAL_STAKE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BACKTEST_TOTAL_STAKE: %w", err))
		} else {
			c.Backtest.TotalStake = f
		}
	}

	// Alerts
	str("TELEGRAM_BOT_TOKEN", &c.Alerts.TelegramToken)
	str("TELEGRAM_CHAT_ID", &c.Alerts.TelegramChatID)
	if v := os.Getenv("MEMORY_THRESHOLD_MIB"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MEMORY_THRESHOLD_MIB: %w", err))
		} else {
			c.Alerts.MemoryThresholdMiB = n
		}
	}
	dur("MEMORY_CHECK_INTERVAL", &c.Alerts.MemoryInterval)

	// Server
	str("SERVER_ADDR", &c.Server.Addr)
	dur("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)

	return errors.Join(errs...)
}
