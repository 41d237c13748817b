package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RiskConfig holds the eight calibrated percentile thresholds. It is
// immutable once fit and safe for concurrent read-only use.
//
// Exposure thresholds are Ratios: when the calibration population has no
// computable ratio the threshold itself is not computable and no record can
// reach it.
type RiskConfig struct {
	FanOutP99 float64 `json:"fan_out_p99"`
	FanOutP95 float64 `json:"fan_out_p95"`
	FanInP99  float64 `json:"fan_in_p99"`
	FanInP95  float64 `json:"fan_in_p95"`
	Exp1P99   Ratio   `json:"exp1_p99"`
	Exp1P95   Ratio   `json:"exp1_p95"`
	Exp2P99   Ratio   `json:"exp2_p99"`
	Exp2P95   Ratio   `json:"exp2_p95"`
}

// Population selects which rows a calibration is fit on.
type Population string

const (
	// PopulationKnown restricts calibration to rows labeled illicit or licit.
	PopulationKnown Population = "known"
	// PopulationAll calibrates on every row.
	PopulationAll Population = "all"
)

// FeatureSummary describes one calibrated column over its population.
type FeatureSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Calibration is a persisted RiskConfig together with how it was fit.
type Calibration struct {
	ID             string                    `json:"id"`
	TenantID       string                    `json:"tenantId"`
	Config         RiskConfig                `json:"config"`
	Population     Population                `json:"population"`
	PopulationSize int                       `json:"populationSize"`
	Summary        map[string]FeatureSummary `json:"summary,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt"`
}

// Severity is the ordinal band derived from a risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Severities lists the bands in ascending rank.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the ordinal of the severity: low=0 through critical=3.
func (s Severity) Rank() (int, error) {
	r, ok := severityRank[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSeverity, string(s))
	}
	return r, nil
}

// ParseSeverity validates a severity name. Matching is exact.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, err := sev.Rank(); err != nil {
		return "", err
	}
	return sev, nil
}

// SeverityFor maps a risk score to its band: >=8 critical, >=5 high,
// >=3 medium, otherwise low.
func SeverityFor(score int) Severity {
	switch {
	case score >= 8:
		return SeverityCritical
	case score >= 5:
		return SeverityHigh
	case score >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ScoredRecord is a FeatureRecord with its explainable score.
type ScoredRecord struct {
	FeatureRecord

	RiskScore    int
	AlertReasons []string
	Severity     Severity
}

// Columns returns the feature columns plus risk_score, severity and
// alert_reasons.
func (r ScoredRecord) Columns() map[string]any {
	out := r.FeatureRecord.Columns()
	out[ColRiskScore] = r.RiskScore
	out[ColSeverity] = string(r.Severity)
	reasons := r.AlertReasons
	if reasons == nil {
		reasons = []string{}
	}
	out[ColAlertReasons] = reasons
	return out
}

// MarshalJSON emits the flat column layout.
func (r ScoredRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Columns())
}

// UnmarshalJSON decodes the flat column layout.
func (r *ScoredRecord) UnmarshalJSON(data []byte) error {
	row, err := decodeRow(data)
	if err != nil {
		return err
	}
	rec, err := ScoredRecordFromColumns(row)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// ScoredRecordFromColumns parses a flat column map with score columns.
func ScoredRecordFromColumns(row map[string]any) (ScoredRecord, error) {
	var out ScoredRecord
	feat, err := FeatureRecordFromColumns(row)
	if err != nil {
		return out, err
	}
	out.FeatureRecord = feat

	if v, ok := row[ColRiskScore]; ok && v != nil {
		n, err := columnInt(ColRiskScore, v)
		if err != nil {
			return out, err
		}
		out.RiskScore = int(n)
	}
	if v, ok := row[ColSeverity]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return out, fmt.Errorf("%w: %s is not a string", ErrInvalidInput, ColSeverity)
		}
		sev, err := ParseSeverity(strings.TrimSpace(s))
		if err != nil {
			return out, err
		}
		out.Severity = sev
	} else {
		out.Severity = SeverityFor(out.RiskScore)
	}
	switch v := row[ColAlertReasons].(type) {
	case nil:
	case []string:
		out.AlertReasons = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return out, fmt.Errorf("%w: %s must hold strings", ErrInvalidInput, ColAlertReasons)
			}
			out.AlertReasons = append(out.AlertReasons, s)
		}
	default:
		return out, fmt.Errorf("%w: %s must be a list", ErrInvalidInput, ColAlertReasons)
	}
	return out, nil
}
