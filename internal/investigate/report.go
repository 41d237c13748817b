package investigate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/rules"
)

// ErrInvalidReport is returned when a report breaks the shape contract.
var ErrInvalidReport = errors.New("investigate: invalid report")

// Minimum list lengths of a valid report.
const (
	MinWhyFlagged  = 1
	MinTypologies  = 1
	MinNextSteps   = 3
	MinEvidence    = 3
	MinLimitations = 1
)

// Confidence levels of a report.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// EvidenceItem cites one payload field. Value must be a JSON primitive.
type EvidenceItem struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Note  string `json:"note"`
}

// Report is the structured investigation summary of one alert.
type Report struct {
	AlertID              string         `json:"alert_id"`
	TxID                 string         `json:"txId"`
	Severity             string         `json:"severity"`
	RiskScore            int            `json:"risk_score"`
	ExecutiveSummary     string         `json:"executive_summary"`
	WhyFlagged           []string       `json:"why_flagged"`
	LikelyTypologies     []string       `json:"likely_typologies"`
	RecommendedNextSteps []string       `json:"recommended_next_steps"`
	Evidence             []EvidenceItem `json:"evidence"`
	Confidence           string         `json:"confidence"`
	ConfidenceRationale  string         `json:"confidence_rationale"`
	Limitations          []string       `json:"limitations"`
}

// Validate checks the shape contract: enum fields, minimum list lengths and
// primitive evidence values. Content correctness is not checked. All
// violations are reported together.
func (r *Report) Validate() error {
	var errs []error

	if _, err := domain.ParseSeverity(r.Severity); err != nil {
		errs = append(errs, fmt.Errorf("severity: %w", err))
	}
	if r.RiskScore < 0 {
		errs = append(errs, fmt.Errorf("risk_score must be non-negative, got %d", r.RiskScore))
	}
	if len(r.WhyFlagged) < MinWhyFlagged {
		errs = append(errs, fmt.Errorf("why_flagged needs at least %d item(s)", MinWhyFlagged))
	}
	if len(r.LikelyTypologies) < MinTypologies {
		errs = append(errs, fmt.Errorf("likely_typologies needs at least %d item(s)", MinTypologies))
	}
	for _, t := range r.LikelyTypologies {
		if !rules.IsTypology(t) {
			errs = append(errs, fmt.Errorf("likely_typologies: unknown typology %q", t))
		}
	}
	if len(r.RecommendedNextSteps) < MinNextSteps {
		errs = append(errs, fmt.Errorf("recommended_next_steps needs at least %d items, got %d", MinNextSteps, len(r.RecommendedNextSteps)))
	}
	if len(r.Evidence) < MinEvidence {
		errs = append(errs, fmt.Errorf("evidence needs at least %d items, got %d", MinEvidence, len(r.Evidence)))
	}
	for i, e := range r.Evidence {
		if e.Field == "" {
			errs = append(errs, fmt.Errorf("evidence[%d]: field is required", i))
		}
		if !isPrimitive(e.Value) {
			errs = append(errs, fmt.Errorf("evidence[%d]: value of %s must be a primitive, got %T", i, e.Field, e.Value))
		}
	}
	switch r.Confidence {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		errs = append(errs, fmt.Errorf("confidence: unknown level %q", r.Confidence))
	}
	if len(r.Limitations) < MinLimitations {
		errs = append(errs, fmt.Errorf("limitations needs at least %d item(s)", MinLimitations))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidReport, errors.Join(errs...))
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, json.Number:
		return true
	default:
		return false
	}
}

// ParseReport decodes and validates a report.
func ParseReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
