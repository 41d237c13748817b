// Package domain defines the core interfaces and types for osprey-graph.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Graph snapshot operations. Saving replaces the tenant's graph.
	SaveGraph(ctx context.Context, tenantID string, graph *GraphSnapshot) error
	GetGraph(ctx context.Context, tenantID string) (*GraphSnapshot, error)

	// Calibration operations
	SaveCalibration(ctx context.Context, tenantID string, cal *Calibration) error
	GetLatestCalibration(ctx context.Context, tenantID string) (*Calibration, error)

	// Scored records. Saving replaces the tenant's previous records.
	SaveScoredRecords(ctx context.Context, tenantID string, runID string, records []ScoredRecord) error
	GetScoredRecord(ctx context.Context, tenantID string, txID TxID) (*ScoredRecord, error)
	ListScoredRecords(ctx context.Context, tenantID string) ([]ScoredRecord, error)

	// Run summaries
	SaveRun(ctx context.Context, tenantID string, run *Run) error
	GetRun(ctx context.Context, tenantID string, runID string) (*Run, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"-"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
