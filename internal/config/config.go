// Package config reads runtime configuration from XO_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"xobattle/internal/storage"
)

// Config holds runtime configuration for the server and its collaborators.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration

	DBDriver string
	DBDSN    string

	QueueExpiry time.Duration
	TurnTimeout time.Duration
	IdleTimeout time.Duration
	Rounds      int
	Stake       decimal.Decimal
	PayoutRatio decimal.Decimal

	AdminTokens []string

	LogLevel string
	LogDev   bool

	Redis storage.RedisConfig

	// Warnings lists values that were invalid and replaced by defaults.
	Warnings []string
}

// Load reads .env (if present) and the environment, falling back to defaults.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the process environment only.
func FromEnv() Config {
	var l loader
	cfg := Config{
		Address:         firstNonEmpty(os.Getenv("XO_ADDR"), ":8080"),
		ShutdownTimeout: l.duration("XO_SHUTDOWN_TIMEOUT", 10*time.Second, true),
		DBDriver:        firstNonEmpty(os.Getenv("XO_DB_DRIVER"), storage.DriverSQLite),
		DBDSN:           firstNonEmpty(os.Getenv("XO_DB_DSN"), "xobattle.db"),
		QueueExpiry:     l.duration("XO_QUEUE_EXPIRY", 30*time.Second, false),
		TurnTimeout:     l.duration("XO_TURN_TIMEOUT", 30*time.Second, false),
		IdleTimeout:     l.duration("XO_IDLE_TIMEOUT", 5*time.Minute, false),
		Rounds:          l.rounds("XO_ROUNDS", 3),
		Stake:           l.decimal("XO_STAKE", decimal.NewFromInt(1)),
		PayoutRatio:     l.decimal("XO_PAYOUT_RATIO", decimal.RequireFromString("1.75")),
		AdminTokens:     parseCSV(os.Getenv("XO_ADMIN_TOKENS")),
		LogLevel:        firstNonEmpty(os.Getenv("XO_LOG_LEVEL"), "info"),
		LogDev:          l.bool("XO_LOG_DEV", false),
		Redis: storage.RedisConfig{
			Addr:     os.Getenv("XO_REDIS_ADDR"),
			Username: os.Getenv("XO_REDIS_USERNAME"),
			Password: os.Getenv("XO_REDIS_PASSWORD"),
			DB:       l.int("XO_REDIS_DB", 0),
			Prefix:   os.Getenv("XO_REDIS_PREFIX"),
			Timeout:  l.duration("XO_REDIS_TIMEOUT", 2*time.Second, false),
			TTL:      l.duration("XO_REDIS_TTL", time.Hour, false),
		},
	}
	cfg.Warnings = l.warnings
	return cfg
}

type loader struct {
	warnings []string
}

func (l *loader) warn(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *loader) duration(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		l.warn("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	if dur <= 0 && !allowZero {
		l.warn("non-positive %s value %q, using default", key, raw)
		return fallback
	}
	return dur
}

func (l *loader) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		l.warn("invalid %s value %q", key, raw)
		return fallback
	}
	return v
}

func (l *loader) rounds(key string, fallback int) int {
	v := l.int(key, fallback)
	if v < 1 || v%2 == 0 {
		l.warn("%s must be odd and positive, got %d", key, v)
		return fallback
	}
	return v
}

func (l *loader) decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !v.IsPositive() {
		l.warn("invalid %s value %q", key, raw)
		return fallback
	}
	return v
}

func (l *loader) bool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		l.warn("invalid %s value %q", key, raw)
		return fallback
	}
	return v
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
