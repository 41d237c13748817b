package rules

import (
	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// TypologyThresholds are the cutoffs behind typology hints. Each typology is
// only suggested when the record carries the evidence for it.
type TypologyThresholds struct {
	// FanIn and FanOut mark elevated degree (aggregation, distribution).
	FanIn  float64 `json:"fanIn"`
	FanOut float64 `json:"fanOut"`

	// ExtremeFanIn and ExtremeFanOut together mark service-like activity.
	ExtremeFanIn  float64 `json:"extremeFanIn"`
	ExtremeFanOut float64 `json:"extremeFanOut"`

	// Exp2 marks elevated strict 2-hop exposure (layering).
	Exp2 domain.Ratio `json:"exp2"`
}

// ThresholdsFromRiskConfig uses the calibrated p95 for elevated and p99 for
// extreme.
func ThresholdsFromRiskConfig(cfg domain.RiskConfig) TypologyThresholds {
	return TypologyThresholds{
		FanIn:         cfg.FanInP95,
		FanOut:        cfg.FanOutP95,
		ExtremeFanIn:  cfg.FanInP99,
		ExtremeFanOut: cfg.FanOutP99,
		Exp2:          cfg.Exp2P95,
	}
}

// ThresholdsFromFixed uses the static cutoffs for both levels.
func ThresholdsFromFixed(f domain.FixedThresholds) TypologyThresholds {
	return TypologyThresholds{
		FanIn:         float64(f.FanIn),
		FanOut:        float64(f.FanOut),
		ExtremeFanIn:  float64(f.FanIn),
		ExtremeFanOut: float64(f.FanOut),
		Exp2:          domain.Computable(f.Exp2),
	}
}

// TypologyHints classifies a record into evidence-backed typologies:
//
//	aggregation       fan-in > 0 and at or above the elevated cutoff
//	distribution      fan-out > 0 and at or above the elevated cutoff
//	layering          strict 2-hop ratio computable, > 0 and at or above Exp2
//	service_activity  both degrees at or above the extreme cutoffs
//
// A record with none of these is "unknown". The result is never empty.
func TypologyHints(rec domain.FeatureRecord, th TypologyThresholds) []domain.Typology {
	var out []domain.Typology

	fanIn := float64(rec.FanIn1Hop)
	fanOut := float64(rec.FanOut1Hop)

	if rec.FanIn1Hop > 0 && fanIn >= th.FanIn {
		out = append(out, domain.TypologyAggregation)
	}
	if rec.FanOut1Hop > 0 && fanOut >= th.FanOut {
		out = append(out, domain.TypologyDistribution)
	}
	if exp2 := rec.Ratio2Hop(); exp2.AtLeast(th.Exp2) {
		if v, _ := exp2.Get(); v > 0 {
			out = append(out, domain.TypologyLayering)
		}
	}
	if rec.FanIn1Hop > 0 && rec.FanOut1Hop > 0 && fanIn >= th.ExtremeFanIn && fanOut >= th.ExtremeFanOut {
		out = append(out, domain.TypologyServiceActivity)
	}

	if len(out) == 0 {
		out = append(out, domain.TypologyUnknown)
	}
	return out
}

// IsTypology reports whether s is an allowed typology value.
func IsTypology(s string) bool {
	for _, t := range domain.Typologies {
		if string(t) == s {
			return true
		}
	}
	return false
}
