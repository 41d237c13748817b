package domain

import "time"

// RuleConfig defines a scoring rule for the expression policy.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	TenantID    string `json:"tenantId" yaml:"tenantId"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Version     string `json:"version" yaml:"version"`

	// CEL expression over the feature columns, must return bool.
	Expression string `json:"expression" yaml:"expression"`

	// Delta is added to the risk score when the expression is true.
	Delta int `json:"delta" yaml:"delta"`

	// Reason is appended when the rule triggers. {column} placeholders are
	// replaced with the record's value.
	Reason string `json:"reason" yaml:"reason"`

	// Priority orders evaluation, lowest first. Ties keep insertion order.
	Priority int `json:"priority" yaml:"priority"`

	// Whether rule is active
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// RuleResult is the outcome of one rule against one record.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	TxID      TxID   `json:"txId"`
	Triggered bool   `json:"triggered"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Typology is a coarse behavioural pattern label attached to an alert.
type Typology string

const (
	TypologyAggregation     Typology = "aggregation"
	TypologyDistribution    Typology = "distribution"
	TypologyLayering        Typology = "layering"
	TypologyServiceActivity Typology = "service_activity"
	TypologyUnknown         Typology = "unknown"
)

// Typologies lists every allowed typology value.
var Typologies = []Typology{
	TypologyAggregation,
	TypologyDistribution,
	TypologyLayering,
	TypologyServiceActivity,
	TypologyUnknown,
}

// Run summarises one end-to-end scoring pass for a tenant.
type Run struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenantId"`
	Policy        string           `json:"policy"`
	CalibrationID string           `json:"calibrationId,omitempty"`
	MinSeverity   Severity         `json:"minSeverity"`
	Records       int              `json:"records"`
	Alerts        int              `json:"alerts"`
	BySeverity    map[Severity]int `json:"bySeverity"`
	Timestamp     time.Time        `json:"timestamp"`
	Metadata      RunMetadata      `json:"metadata"`
}

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID     string `json:"traceId"`
	FeaturesMs  int64  `json:"featuresMs"`
	CalibrateMs int64  `json:"calibrateMs"`
	ScoreMs     int64  `json:"scoreMs"`
	AlertsMs    int64  `json:"alertsMs"`
	TotalMs     int64  `json:"totalMs"`
	Compute2Hop bool   `json:"compute2Hop"`
}
