package rules

import (
	"reflect"
	"testing"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

func TestTypologyHints(t *testing.T) {
	cfg := domain.RiskConfig{
		FanOutP95: 5, FanOutP99: 10,
		FanInP95: 5, FanInP99: 10,
		Exp2P95: domain.Computable(0.1), Exp2P99: domain.Computable(0.3),
	}
	th := ThresholdsFromRiskConfig(cfg)

	tests := []struct {
		name string
		rec  domain.FeatureRecord
		want []domain.Typology
	}{
		{
			name: "quiet record",
			rec:  featureRecord(1, 1, domain.Computable(0), &domain.TwoHopExposure{IllicitNbrRatio: domain.Computable(0)}),
			want: []domain.Typology{domain.TypologyUnknown},
		},
		{
			name: "aggregation",
			rec:  featureRecord(0, 6, domain.Computable(0), nil),
			want: []domain.Typology{domain.TypologyAggregation},
		},
		{
			name: "distribution",
			rec:  featureRecord(7, 0, domain.Computable(0), nil),
			want: []domain.Typology{domain.TypologyDistribution},
		},
		{
			name: "layering",
			rec:  featureRecord(1, 1, domain.Computable(0), &domain.TwoHopExposure{NbrCount: 5, IllicitNbrRatio: domain.Computable(0.2)}),
			want: []domain.Typology{domain.TypologyLayering},
		},
		{
			name: "service activity",
			rec:  featureRecord(12, 11, domain.Computable(0), nil),
			want: []domain.Typology{domain.TypologyAggregation, domain.TypologyDistribution, domain.TypologyServiceActivity},
		},
		{
			name: "not computable 2-hop is not layering",
			rec:  featureRecord(1, 1, domain.Computable(0), &domain.TwoHopExposure{IllicitNbrRatio: domain.NotComputable()}),
			want: []domain.Typology{domain.TypologyUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TypologyHints(tt.rec, th)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTypologyHintsZeroThresholds(t *testing.T) {
	// Degenerate calibration: every threshold zero. Zero degree and zero
	// exposure must still not count as evidence.
	th := ThresholdsFromRiskConfig(domain.RiskConfig{Exp2P95: domain.Computable(0)})
	rec := featureRecord(0, 0, domain.Computable(0), &domain.TwoHopExposure{IllicitNbrRatio: domain.Computable(0)})

	got := TypologyHints(rec, th)
	if !reflect.DeepEqual(got, []domain.Typology{domain.TypologyUnknown}) {
		t.Errorf("expected unknown, got %v", got)
	}
}

func TestThresholdsFromFixed(t *testing.T) {
	th := ThresholdsFromFixed(domain.DefaultFixedThresholds())
	rec := featureRecord(20, 20, domain.Computable(0), &domain.TwoHopExposure{IllicitNbrRatio: domain.Computable(0.5)})

	got := TypologyHints(rec, th)
	want := []domain.Typology{domain.TypologyAggregation, domain.TypologyDistribution, domain.TypologyLayering, domain.TypologyServiceActivity}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestIsTypology(t *testing.T) {
	if !IsTypology("layering") {
		t.Error("expected layering to be valid")
	}
	if IsTypology("structuring") {
		t.Error("expected structuring to be invalid")
	}
}
