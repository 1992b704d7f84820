// Package config loads the chart engine configuration: an optional YAML
// file (CONFIG_FILE) first, then environment variable overrides, then
// defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketview/internal/chart"
	"marketview/internal/model"
	"marketview/internal/scheduler"
)

// Indicator sources.
const (
	SourceRemote = "remote" // market data service /indicators endpoint
	SourceLocal  = "local"  // computed from the historical snapshot
)

// Config holds all application configuration.
type Config struct {
	// Market data service
	APIBaseURL  string        `yaml:"api_base_url"`
	WSBaseURL   string        `yaml:"ws_base_url"`
	HTTPTimeout time.Duration `yaml:"http_timeout"` // 0 = no timeout

	// Indicators
	IndicatorSource   string        `yaml:"indicator_source"`
	IndicatorCacheTTL time.Duration `yaml:"indicator_cache_ttl"`
	CoalesceFetches   bool          `yaml:"coalesce_fetches"`
	LiveIndicators    bool          `yaml:"live_indicators"`
	CacheFlushCron    string        `yaml:"cache_flush_cron"` // empty = never

	// Infrastructure; empty RedisAddr / SQLitePath disable that sink
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
	MetricsAddr   string `yaml:"metrics_addr"`
	GatewayAddr   string `yaml:"gateway_addr"`
	SinkBuffer    int    `yaml:"sink_buffer"`

	// Startup view
	DefaultSymbol    string          `yaml:"default_symbol"`
	DefaultTimeframe model.Timeframe `yaml:"default_timeframe"`
	ChartType        chart.ChartType `yaml:"chart_type"`
	ShowVolume       bool            `yaml:"show_volume"`

	LogLevel string `yaml:"log_level"`
}

// Load reads CONFIG_FILE (if set), applies environment overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML path; "" or a missing file means
// environment and defaults only.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{CoalesceFetches: true}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.APIBaseURL, "API_BASE_URL")
	setString(&c.WSBaseURL, "WS_BASE_URL")
	setDuration(&c.HTTPTimeout, "HTTP_TIMEOUT")

	setString(&c.IndicatorSource, "INDICATOR_SOURCE")
	setDuration(&c.IndicatorCacheTTL, "INDICATOR_CACHE_TTL")
	setBool(&c.CoalesceFetches, "COALESCE_FETCHES")
	setBool(&c.LiveIndicators, "LIVE_INDICATORS")
	setString(&c.CacheFlushCron, "CACHE_FLUSH_CRON")

	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.GatewayAddr, "GATEWAY_ADDR")
	setInt(&c.SinkBuffer, "SINK_BUFFER")

	setString(&c.DefaultSymbol, "DEFAULT_SYMBOL")
	if v := os.Getenv("DEFAULT_TIMEFRAME"); v != "" {
		c.DefaultTimeframe = model.Timeframe(v)
	}
	if v := os.Getenv("CHART_TYPE"); v != "" {
		c.ChartType = chart.ChartType(v)
	}
	setBool(&c.ShowVolume, "SHOW_VOLUME")
	setString(&c.LogLevel, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = "http://localhost:8000"
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = "ws://localhost:8000"
	}
	if c.IndicatorSource == "" {
		c.IndicatorSource = SourceRemote
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.GatewayAddr == "" {
		c.GatewayAddr = ":8080"
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = 256
	}
	if c.DefaultTimeframe == "" {
		c.DefaultTimeframe = model.TF1D
	}
	if c.ChartType == "" {
		c.ChartType = chart.Candlestick
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	// IndicatorCacheTTL 0 selects cache.DefaultTTL
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("api_base_url must be http(s), got %q", c.APIBaseURL)
	}
	if !strings.HasPrefix(c.WSBaseURL, "ws://") && !strings.HasPrefix(c.WSBaseURL, "wss://") {
		return fmt.Errorf("ws_base_url must be ws(s), got %q", c.WSBaseURL)
	}
	if c.IndicatorSource != SourceRemote && c.IndicatorSource != SourceLocal {
		return fmt.Errorf("indicator_source must be %q or %q, got %q", SourceRemote, SourceLocal, c.IndicatorSource)
	}
	tf, err := model.ParseTimeframe(c.DefaultTimeframe.String())
	if err != nil {
		return fmt.Errorf("default_timeframe: %w", err)
	}
	c.DefaultTimeframe = tf
	if _, err := chart.ParseChartType(string(c.ChartType)); err != nil {
		return fmt.Errorf("chart_type: %w", err)
	}
	if c.CacheFlushCron != "" {
		if err := scheduler.Validate(c.CacheFlushCron); err != nil {
			return fmt.Errorf("cache_flush_cron: %w", err)
		}
	}
	if c.HTTPTimeout < 0 || c.IndicatorCacheTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] skipping invalid %s: %q", key, v)
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] skipping invalid %s: %q", key, v)
		return
	}
	*dst = b
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] skipping invalid %s: %q", key, v)
		return
	}
	*dst = d
}
