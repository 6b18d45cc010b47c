package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Vendor      string   `yaml:"vendor"`
	Account     string   `yaml:"account"`
	Exchange    string   `yaml:"exchange"`
	Symbols     []string `yaml:"symbols"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Feed        struct {
		Enabled          bool   `yaml:"enabled"`
		Mode             string `yaml:"mode"`
		DefaultPrefix    string `yaml:"default_prefix"`
		PingSeconds      int    `yaml:"ping_seconds"`
		BackoffBaseMs    int    `yaml:"backoff_base_ms"`
		BackoffMaxMs     int    `yaml:"backoff_max_ms"`
		BackoffJitterMs  int    `yaml:"backoff_jitter_ms"`
		HandshakeSeconds int    `yaml:"handshake_seconds"`
		SeedWhenClosed   bool   `yaml:"seed_when_closed"`
	} `yaml:"feed"`
	Throttle struct {
		MinTimeMs          int `yaml:"min_time_ms"`
		MaxConcurrent      int `yaml:"max_concurrent"`
		Reservoir          int `yaml:"reservoir"`
		ReservoirRefreshMs int `yaml:"reservoir_refresh_ms"`
	} `yaml:"throttle"`
	Ticks struct {
		PollSeconds        int     `yaml:"poll_seconds"`
		PersistSeconds     int     `yaml:"persist_seconds"`
		ShortBucketSeconds int     `yaml:"short_bucket_seconds"`
		ShortLength        int     `yaml:"short_length"`
		LongBucketSeconds  int     `yaml:"long_bucket_seconds"`
		LongLength         int     `yaml:"long_length"`
		SpikePercent       float64 `yaml:"spike_percent"`
	} `yaml:"ticks"`
	Candles struct {
		Timezone     string `yaml:"timezone"`
		Interval     string `yaml:"interval"`
		LookbackDays int    `yaml:"lookback_days"`
		DrainSeconds int    `yaml:"drain_seconds"`
	} `yaml:"candles"`
	Storage struct {
		Backend   string `yaml:"backend"`
		Dir       string `yaml:"dir"`
		RedisAddr string `yaml:"redis_addr"`
		RedisDB   int    `yaml:"redis_db"`
		// PostgresDSN is normally supplied through POSTGRES_DSN.
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"storage"`
}

func (c *Config) Validate() error {
	if c.Vendor != "UPSTOX" && c.Vendor != "ZERODHA" {
		return fmt.Errorf("invalid vendor '%s': must be 'UPSTOX' or 'ZERODHA'", c.Vendor)
	}
	if len(c.Symbols) == 0 {
		return errors.New("symbols cannot be empty")
	}
	if c.Feed.Mode != "ltpc" && c.Feed.Mode != "full" && c.Feed.Mode != "option_greeks" {
		return fmt.Errorf("feed.mode must be 'ltpc', 'full' or 'option_greeks', got '%s'", c.Feed.Mode)
	}
	if c.Feed.BackoffMaxMs < c.Feed.BackoffBaseMs {
		return fmt.Errorf("feed.backoff_max_ms (%d) must be >= backoff_base_ms (%d)", c.Feed.BackoffMaxMs, c.Feed.BackoffBaseMs)
	}
	if c.Throttle.MaxConcurrent < 1 {
		return fmt.Errorf("throttle.max_concurrent must be >= 1, got %d", c.Throttle.MaxConcurrent)
	}
	if c.Throttle.Reservoir < 1 {
		return fmt.Errorf("throttle.reservoir must be >= 1, got %d", c.Throttle.Reservoir)
	}
	if _, err := time.LoadLocation(c.Candles.Timezone); err != nil {
		return fmt.Errorf("candles.timezone '%s': %w", c.Candles.Timezone, err)
	}
	switch c.Storage.Backend {
	case "FILE":
	case "REDIS":
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for REDIS backend")
		}
	case "POSTGRES":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn (or POSTGRES_DSN) is required for POSTGRES backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'FILE', 'REDIS' or 'POSTGRES', got '%s'", c.Storage.Backend)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and validates.
func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

func (c *Config) applyDefaults() {
	c.Vendor = strings.ToUpper(c.Vendor)
	if c.Vendor == "" {
		c.Vendor = "UPSTOX"
	}
	if c.Exchange == "" {
		c.Exchange = "NSE"
	}
	if c.Feed.Mode == "" {
		c.Feed.Mode = "full"
	}
	if c.Feed.DefaultPrefix == "" {
		if c.Vendor == "ZERODHA" {
			c.Feed.DefaultPrefix = c.Exchange + ":"
		} else {
			c.Feed.DefaultPrefix = c.Exchange + "_EQ|"
		}
	}
	if c.Feed.PingSeconds == 0 {
		c.Feed.PingSeconds = 10
	}
	if c.Feed.BackoffBaseMs == 0 {
		c.Feed.BackoffBaseMs = 1000
	}
	if c.Feed.BackoffMaxMs == 0 {
		c.Feed.BackoffMaxMs = 30000
	}
	if c.Feed.BackoffJitterMs == 0 {
		c.Feed.BackoffJitterMs = 500
	}
	if c.Feed.HandshakeSeconds == 0 {
		c.Feed.HandshakeSeconds = 10
	}

	if c.Throttle.MinTimeMs == 0 {
		c.Throttle.MinTimeMs = 250
	}
	if c.Throttle.MaxConcurrent == 0 {
		c.Throttle.MaxConcurrent = 1
	}
	if c.Throttle.Reservoir == 0 {
		c.Throttle.Reservoir = 25
	}
	if c.Throttle.ReservoirRefreshMs == 0 {
		c.Throttle.ReservoirRefreshMs = 1000
	}

	if c.Ticks.PollSeconds == 0 {
		c.Ticks.PollSeconds = 15
	}
	if c.Ticks.PersistSeconds == 0 {
		c.Ticks.PersistSeconds = 60
	}
	if c.Ticks.ShortBucketSeconds == 0 {
		c.Ticks.ShortBucketSeconds = 180
	}
	if c.Ticks.ShortLength == 0 {
		c.Ticks.ShortLength = 20
	}
	if c.Ticks.LongBucketSeconds == 0 {
		c.Ticks.LongBucketSeconds = 600
	}
	if c.Ticks.LongLength == 0 {
		c.Ticks.LongLength = 36
	}
	if c.Ticks.SpikePercent == 0 {
		c.Ticks.SpikePercent = 2
	}

	if c.Candles.Timezone == "" {
		c.Candles.Timezone = "Asia/Kolkata"
	}
	if c.Candles.Interval == "" {
		c.Candles.Interval = "1minute"
	}
	if c.Candles.LookbackDays == 0 {
		c.Candles.LookbackDays = 5
	}
	if c.Candles.DrainSeconds == 0 {
		c.Candles.DrainSeconds = 120
	}

	c.Storage.Backend = strings.ToUpper(c.Storage.Backend)
	if c.Storage.Backend == "" {
		c.Storage.Backend = "FILE"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "cache"
	}
	if c.Storage.PostgresDSN == "" {
		c.Storage.PostgresDSN = os.Getenv("POSTGRES_DSN")
	}
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Feed.PingSeconds) * time.Second
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Candles.Timezone)
	if err != nil {
		return time.FixedZone("IST", 19800)
	}
	return loc
}
