// Package scoring turns feature records into explainable risk scores.
//
// Every policy is a pure function of a record and its immutable
// thresholds, so records can be scored in parallel without locking.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/rules"
)

var (
	// ErrUnknownPolicy is returned for an unrecognised policy name.
	ErrUnknownPolicy = errors.New("scoring: unknown policy")

	// ErrNoCalibration is returned when the percentile policy has no
	// RiskConfig to score against.
	ErrNoCalibration = errors.New("scoring: percentile policy requires a calibration")
)

// Reason texts of the percentile policy. Not-computable notes add no score.
const (
	ReasonExp1NotComputable = "1-hop illicit exposure not computable (no labeled 1-hop neighbors or zero degree)"
	ReasonExp2NotComputable = "2-hop illicit exposure not computable (no labeled strict 2-hop neighbors or zero degree)"
)

// Reason texts of the fixed policy.
const (
	ReasonFixedFanOut = "High transaction fan-out"
	ReasonFixedFanIn  = "High transaction fan-in"
	ReasonFixedExp1   = "Direct exposure to illicit transactions"
	ReasonFixedExp2   = "Indirect exposure to illicit activity"
)

// Policy scores one record. Implementations must be safe for concurrent use.
type Policy interface {
	Name() domain.ScoringPolicy
	Score(ctx context.Context, rec domain.FeatureRecord) (int, []string, error)
}

// Score applies the percentile policy to one record. Rules run in a fixed
// order and reasons follow that order:
//
//  1. not-computable notes for the 1-hop and 2-hop ratios (no score)
//  2. 1-hop ratio: >= p99 and > 0 gives +5, else >= p95 and > 0 gives +3
//  3. 2-hop ratio: >= p99 and > 0 gives +3, else >= p95 and > 0 gives +2
//  4. fan-out: >= p99 gives +2, else >= p95 gives +1
//  5. fan-in: >= p99 gives +2, else >= p95 gives +1
//
// Degree rules have no > 0 guard, unlike the ratio rules. With a degenerate
// calibration (p95 of 0) every record earns the degree points.
func Score(rec domain.FeatureRecord, cfg domain.RiskConfig) domain.ScoredRecord {
	score, reasons := percentile(rec, cfg)
	return scored(rec, score, reasons)
}

func percentile(rec domain.FeatureRecord, cfg domain.RiskConfig) (int, []string) {
	score := 0
	reasons := []string{}

	exp1 := rec.IllicitNbrRatio1Hop
	exp2 := rec.Ratio2Hop()

	if !exp1.IsComputable() {
		reasons = append(reasons, ReasonExp1NotComputable)
	}
	if !exp2.IsComputable() {
		reasons = append(reasons, ReasonExp2NotComputable)
	}

	if v, ok := exp1.Get(); ok && v > 0 {
		switch {
		case exp1.AtLeast(cfg.Exp1P99):
			score += 5
			reasons = append(reasons, fmt.Sprintf("Direct illicit exposure extremely high (1-hop ratio=%.3f)", v))
		case exp1.AtLeast(cfg.Exp1P95):
			score += 3
			reasons = append(reasons, fmt.Sprintf("Direct illicit exposure elevated (1-hop ratio=%.3f)", v))
		}
	}

	if v, ok := exp2.Get(); ok && v > 0 {
		switch {
		case exp2.AtLeast(cfg.Exp2P99):
			score += 3
			reasons = append(reasons, fmt.Sprintf("Indirect illicit exposure extremely high (2-hop ratio=%.3f)", v))
		case exp2.AtLeast(cfg.Exp2P95):
			score += 2
			reasons = append(reasons, fmt.Sprintf("Indirect illicit exposure elevated (2-hop ratio=%.3f)", v))
		}
	}

	fanOut := float64(rec.FanOut1Hop)
	switch {
	case fanOut >= cfg.FanOutP99:
		score += 2
		reasons = append(reasons, fmt.Sprintf("Extreme fan-out (out-degree=%d)", rec.FanOut1Hop))
	case fanOut >= cfg.FanOutP95:
		score++
		reasons = append(reasons, fmt.Sprintf("High fan-out (out-degree=%d)", rec.FanOut1Hop))
	}

	fanIn := float64(rec.FanIn1Hop)
	switch {
	case fanIn >= cfg.FanInP99:
		score += 2
		reasons = append(reasons, fmt.Sprintf("Extreme fan-in (in-degree=%d)", rec.FanIn1Hop))
	case fanIn >= cfg.FanInP95:
		score++
		reasons = append(reasons, fmt.Sprintf("High fan-in (in-degree=%d)", rec.FanIn1Hop))
	}

	return score, reasons
}

// ScoreFixed applies the static-cutoff policy: fan-out and fan-in at or
// above their cutoffs give +2 each, 1-hop ratio above its cutoff +3, strict
// 2-hop ratio above its cutoff +1. Not-computable or absent ratios never
// trigger.
func ScoreFixed(rec domain.FeatureRecord, th domain.FixedThresholds) domain.ScoredRecord {
	score, reasons := fixed(rec, th)
	return scored(rec, score, reasons)
}

func fixed(rec domain.FeatureRecord, th domain.FixedThresholds) (int, []string) {
	score := 0
	reasons := []string{}

	if rec.FanOut1Hop >= th.FanOut {
		score += 2
		reasons = append(reasons, ReasonFixedFanOut)
	}
	if rec.FanIn1Hop >= th.FanIn {
		score += 2
		reasons = append(reasons, ReasonFixedFanIn)
	}
	if v, ok := rec.IllicitNbrRatio1Hop.Get(); ok && v > th.Exp1 {
		score += 3
		reasons = append(reasons, ReasonFixedExp1)
	}
	if v, ok := rec.Ratio2Hop().Get(); ok && v > th.Exp2 {
		score++
		reasons = append(reasons, ReasonFixedExp2)
	}
	return score, reasons
}

func scored(rec domain.FeatureRecord, score int, reasons []string) domain.ScoredRecord {
	return domain.ScoredRecord{
		FeatureRecord: rec,
		RiskScore:     score,
		AlertReasons:  reasons,
		Severity:      domain.SeverityFor(score),
	}
}

// PercentilePolicy scores against a calibrated RiskConfig.
type PercentilePolicy struct {
	Config domain.RiskConfig
}

// Name implements Policy.
func (p *PercentilePolicy) Name() domain.ScoringPolicy { return domain.PolicyPercentile }

// Score implements Policy.
func (p *PercentilePolicy) Score(_ context.Context, rec domain.FeatureRecord) (int, []string, error) {
	score, reasons := percentile(rec, p.Config)
	return score, reasons, nil
}

// FixedPolicy scores against static cutoffs.
type FixedPolicy struct {
	Thresholds domain.FixedThresholds
}

// Name implements Policy.
func (p *FixedPolicy) Name() domain.ScoringPolicy { return domain.PolicyFixed }

// Score implements Policy.
func (p *FixedPolicy) Score(_ context.Context, rec domain.FeatureRecord) (int, []string, error) {
	score, reasons := fixed(rec, p.Thresholds)
	return score, reasons, nil
}

// ExpressionPolicy scores with the CEL rules loaded in an engine.
type ExpressionPolicy struct {
	Engine *rules.Engine
}

// Name implements Policy.
func (p *ExpressionPolicy) Name() domain.ScoringPolicy { return domain.PolicyExpression }

// Score implements Policy. A rule evaluation error fails the record.
func (p *ExpressionPolicy) Score(ctx context.Context, rec domain.FeatureRecord) (int, []string, error) {
	results, err := p.Engine.Evaluate(ctx, rec)
	if err != nil {
		return 0, nil, err
	}
	score := 0
	reasons := []string{}
	for _, r := range results {
		if r.Triggered {
			score += r.Delta
			if r.Reason != "" {
				reasons = append(reasons, r.Reason)
			}
		}
	}
	if score < 0 {
		score = 0
	}
	return score, reasons, nil
}

// NewPolicy builds the configured policy. risk is required for the
// percentile policy and engine for the expression policy.
func NewPolicy(cfg domain.ScoringConfig, risk *domain.RiskConfig, engine *rules.Engine) (Policy, error) {
	switch cfg.Policy {
	case domain.PolicyPercentile, "":
		if risk == nil {
			return nil, ErrNoCalibration
		}
		return &PercentilePolicy{Config: *risk}, nil
	case domain.PolicyFixed:
		return &FixedPolicy{Thresholds: cfg.Fixed}, nil
	case domain.PolicyExpression:
		if engine == nil {
			return nil, fmt.Errorf("%w: expression policy requires a rule engine", ErrUnknownPolicy)
		}
		return &ExpressionPolicy{Engine: engine}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Policy)
	}
}
