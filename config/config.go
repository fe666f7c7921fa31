// Package config loads runtime settings from the environment and builds the
// process logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/warp/stock-ledger/stock"
)

// Config holds runtime configuration for the server and the worker.
type Config struct {
	Addr   string `envconfig:"APP_ADDR" default:":8080"`
	DBPath string `envconfig:"DB_PATH" default:"stock.db"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	FiscalStartMonth int    `envconfig:"FISCAL_START_MONTH" default:"4"`
	FiscalTimezone   string `envconfig:"FISCAL_TIMEZONE" default:"UTC"`

	AllowNegativeStock bool          `envconfig:"ALLOW_NEGATIVE_STOCK" default:"false"`
	LockTimeout        time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	SummaryConcurrency int           `envconfig:"SUMMARY_CONCURRENCY" default:"8"`

	// Empty keeps locks and checkpoints in process.
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	CheckpointTTL time.Duration `envconfig:"CHECKPOINT_TTL" default:"24h"`

	AuditInterval time.Duration `envconfig:"AUDIT_INTERVAL" default:"1h"`
	AuditCron     string        `envconfig:"AUDIT_CRON" default:"0 2 * * *"`

	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	CORSOrigins        []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.FiscalStartMonth < 1 || cfg.FiscalStartMonth > 12 {
		return nil, fmt.Errorf("FISCAL_START_MONTH must be 1-12, got %d", cfg.FiscalStartMonth)
	}
	if _, err := time.LoadLocation(cfg.FiscalTimezone); err != nil {
		return nil, fmt.Errorf("FISCAL_TIMEZONE: %w", err)
	}
	return &cfg, nil
}

// Calendar builds the fiscal calendar rule.
func (c *Config) Calendar() stock.FiscalCalendar {
	loc, err := time.LoadLocation(c.FiscalTimezone)
	if err != nil {
		loc = time.UTC
	}
	return stock.FiscalCalendar{StartMonth: time.Month(c.FiscalStartMonth), Loc: loc}
}

// Engine returns the business rules for stock.NewEngine.
func (c *Config) Engine() stock.Config {
	return stock.Config{
		Calendar:           c.Calendar(),
		AllowNegativeStock: c.AllowNegativeStock,
		LockTimeout:        c.LockTimeout,
		SummaryConcurrency: c.SummaryConcurrency,
	}
}

// NewLogger builds a slog logger writing to stdout.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg)}
	if cfg != nil && strings.EqualFold(cfg.LogFormat, "json") {
		opts.AddSource = true
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(cfg *Config) slog.Level {
	if cfg == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
