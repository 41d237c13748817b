package domain

import "time"

// Config holds the complete osprey-graph configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Scoring controls feature computation, calibration and scoring.
	Scoring ScoringConfig `json:"scoring" yaml:"scoring"`

	// Investigator selects the investigation-report collaborator.
	Investigator InvestigatorConfig `json:"investigator" yaml:"investigator"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ScoringPolicy names a rule set used by the scorer.
type ScoringPolicy string

const (
	// PolicyPercentile scores against calibrated p95/p99 thresholds.
	PolicyPercentile ScoringPolicy = "percentile"

	// PolicyFixed scores against static cutoffs and needs no calibration.
	PolicyFixed ScoringPolicy = "fixed"

	// PolicyExpression scores with tenant-defined CEL rules.
	PolicyExpression ScoringPolicy = "expression"
)

// ScoringConfig holds scoring pipeline settings.
type ScoringConfig struct {
	Policy       ScoringPolicy   `json:"policy" yaml:"policy"`
	UseKnownOnly bool            `json:"useKnownOnly" yaml:"useKnownOnly"`
	Compute2Hop  bool            `json:"compute2Hop" yaml:"compute2Hop"`
	MinSeverity  Severity        `json:"minSeverity" yaml:"minSeverity"`
	LabelColumn  string          `json:"labelColumn" yaml:"labelColumn"`
	TopK         int             `json:"topK" yaml:"topK"`
	Workers      int             `json:"workers" yaml:"workers"`
	Fixed        FixedThresholds `json:"fixed" yaml:"fixed"`
}

// FixedThresholds are the static cutoffs of the fixed policy.
type FixedThresholds struct {
	FanOut int     `json:"fanOut" yaml:"fanOut"`
	FanIn  int     `json:"fanIn" yaml:"fanIn"`
	Exp1   float64 `json:"exp1" yaml:"exp1"`
	Exp2   float64 `json:"exp2" yaml:"exp2"`
}

// DefaultFixedThresholds returns fan-out/fan-in 20 and exposure 0.2.
func DefaultFixedThresholds() FixedThresholds {
	return FixedThresholds{FanOut: 20, FanIn: 20, Exp1: 0.2, Exp2: 0.2}
}

// InvestigatorConfig holds investigation-report settings.
type InvestigatorConfig struct {
	// Type is "rules", "openai" or "bus".
	Type        string  `json:"type" yaml:"type"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	APIKey      string  `json:"-" yaml:"-"`
	BaseURL     string  `json:"baseUrl,omitempty" yaml:"baseUrl"`
	Timeout     int     `json:"timeout" yaml:"timeout"` // seconds

	// ActionsFile optionally overrides the action library and prompts.
	ActionsFile string `json:"actionsFile,omitempty" yaml:"actionsFile"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
// Uses the percentile policy calibrated on known labels.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Scoring: ScoringConfig{
			Policy:       PolicyPercentile,
			UseKnownOnly: true,
			Compute2Hop:  true,
			MinSeverity:  SeverityMedium,
			LabelColumn:  DefaultLabelColumn,
			TopK:         5,
			Workers:      1,
			Fixed:        DefaultFixedThresholds(),
		},
		Investigator: InvestigatorConfig{
			Type:    "rules",
			Model:   "gpt-4o-mini",
			Timeout: 60,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./osprey-graph.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "osprey-graph",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "osprey_graph",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Scoring.Workers = 4
	cfg.Tracing.Enabled = true
	return cfg
}
