// Package config loads osprey-graph configuration from tier defaults, an
// optional YAML file and environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Load builds the configuration in layers: tier defaults, then the YAML file
// named by OSPREY_CONFIG, then environment overrides. A .env file in the
// working directory is loaded first when present.
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if domain.Tier(os.Getenv("OSPREY_TIER")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv("OSPREY_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config) {
	cfg.Server.Host = getEnv("OSPREY_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("OSPREY_PORT", cfg.Server.Port)

	cfg.Scoring.Policy = domain.ScoringPolicy(getEnv("OSPREY_POLICY", string(cfg.Scoring.Policy)))
	cfg.Scoring.MinSeverity = domain.Severity(getEnv("OSPREY_MIN_SEVERITY", string(cfg.Scoring.MinSeverity)))
	cfg.Scoring.Compute2Hop = getEnvBool("OSPREY_COMPUTE_2HOP", cfg.Scoring.Compute2Hop)
	cfg.Scoring.UseKnownOnly = getEnvBool("OSPREY_KNOWN_ONLY", cfg.Scoring.UseKnownOnly)
	cfg.Scoring.LabelColumn = getEnv("OSPREY_LABEL_COLUMN", cfg.Scoring.LabelColumn)
	cfg.Scoring.Workers = getEnvInt("OSPREY_WORKERS", cfg.Scoring.Workers)

	cfg.Repository.SQLitePath = getEnv("OSPREY_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("OSPREY_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("OSPREY_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("OSPREY_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("OSPREY_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("OSPREY_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("OSPREY_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.RedisAddr = getEnv("OSPREY_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("OSPREY_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.NATSUrl = getEnv("OSPREY_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("OSPREY_NATS_TOKEN", cfg.EventBus.NATSToken)

	cfg.Investigator.Type = getEnv("OSPREY_INVESTIGATOR", cfg.Investigator.Type)
	cfg.Investigator.Model = getEnv("OSPREY_MODEL", cfg.Investigator.Model)
	cfg.Investigator.APIKey = getEnv("OPENAI_API_KEY", cfg.Investigator.APIKey)
	cfg.Investigator.BaseURL = getEnv("OPENAI_BASE_URL", cfg.Investigator.BaseURL)
	cfg.Investigator.ActionsFile = getEnv("OSPREY_ACTIONS_FILE", cfg.Investigator.ActionsFile)

	cfg.Logging.Level = getEnv("OSPREY_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("OSPREY_LOG_FORMAT", cfg.Logging.Format)
	if os.Getenv("OSPREY_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = getEnvBool("OSPREY_TRACING", cfg.Tracing.Enabled)
}

// Validate rejects unknown enum values.
func Validate(cfg *domain.Config) error {
	switch cfg.Scoring.Policy {
	case domain.PolicyPercentile, domain.PolicyFixed, domain.PolicyExpression:
	default:
		return fmt.Errorf("%w: unknown scoring policy %q", domain.ErrInvalidInput, cfg.Scoring.Policy)
	}
	if _, err := cfg.Scoring.MinSeverity.Rank(); err != nil {
		return fmt.Errorf("minSeverity: %w", err)
	}
	if cfg.Scoring.Workers < 1 {
		cfg.Scoring.Workers = 1
	}
	if cfg.Scoring.LabelColumn == "" {
		cfg.Scoring.LabelColumn = domain.DefaultLabelColumn
	}
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, cfg.Tier)
	}
	return nil
}

// NewLogger builds the structured logger described by cfg, writing to stdout.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
