package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Query safety
	DefaultQueryLimit int               // rows appended when a SELECT has no LIMIT, default: 10000
	MaxJoinDepth      int               // default: 5
	MaxSubqueryDepth  int               // default: 3
	PartitionColumns  map[string]string // table -> date column to bound

	// Budgets
	HourlyBudgetBytes    int64 // per-tenant sliding window, default: 50 GiB
	PerQuerySoftMaxBytes int64 // above this approval is required, default: 10 GiB
	PerQueryHardMaxBytes int64 // above this the query is rejected, default: 100 GiB

	// Execution
	MaxRetries int // retries after the first attempt, default: 3

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute, default: 600
}

const (
	gib = int64(1) << 30

	defaultHourlyBudgetBytes    = 50 * gib
	defaultPerQuerySoftMaxBytes = 10 * gib
	defaultPerQueryHardMaxBytes = 100 * gib
)

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.DefaultQueryLimit, err = getEnvInt("DEFAULT_QUERY_LIMIT", 10000); err != nil {
		return nil, err
	}
	if cfg.MaxJoinDepth, err = getEnvInt("MAX_JOIN_DEPTH", 5); err != nil {
		return nil, err
	}
	if cfg.MaxSubqueryDepth, err = getEnvInt("MAX_SUBQUERY_DEPTH", 3); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", 3); err != nil {
		return nil, err
	}

	if cfg.HourlyBudgetBytes, err = getEnvInt64("HOURLY_BUDGET_BYTES", defaultHourlyBudgetBytes); err != nil {
		return nil, err
	}
	if cfg.PerQuerySoftMaxBytes, err = getEnvInt64("PER_QUERY_SOFT_MAX_BYTES", defaultPerQuerySoftMaxBytes); err != nil {
		return nil, err
	}
	if cfg.PerQueryHardMaxBytes, err = getEnvInt64("PER_QUERY_HARD_MAX_BYTES", defaultPerQueryHardMaxBytes); err != nil {
		return nil, err
	}
	if cfg.DefaultRateLimitRPM, err = getEnvInt64("DEFAULT_RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}

	cfg.PartitionColumns, err = parsePartitionColumns(os.Getenv("PARTITION_COLUMNS"))
	if err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.PerQuerySoftMaxBytes > cfg.PerQueryHardMaxBytes {
		return nil, fmt.Errorf("PER_QUERY_SOFT_MAX_BYTES must not exceed PER_QUERY_HARD_MAX_BYTES")
	}

	return cfg, nil
}

// parsePartitionColumns parses "events=event_date,logs=log_date" into a
// table-to-column map.
func parsePartitionColumns(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		table, column, ok := strings.Cut(pair, "=")
		if !ok || table == "" || column == "" {
			return nil, fmt.Errorf("invalid PARTITION_COLUMNS entry %q, want table=column", pair)
		}
		out[strings.TrimSpace(table)] = strings.TrimSpace(column)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, err := getEnvInt64(key, int64(fallback))
	return int(v), err
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
