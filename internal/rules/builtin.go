package rules

import "github.com/opensource-finance/osprey-graph/internal/domain"

// BuiltinRules returns the fixed-cutoff policy written as CEL rules. It
// seeds the expression policy for tenants that have not configured any.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "fan-out-001",
			Name:        "High fan-out",
			Description: "Out-degree at or above 20",
			Version:     "1.0.0",
			Expression:  "fan_out_1hop >= 20",
			Delta:       2,
			Reason:      "High transaction fan-out",
			Priority:    10,
			Enabled:     true,
		},
		{
			ID:          "fan-in-001",
			Name:        "High fan-in",
			Description: "In-degree at or above 20",
			Version:     "1.0.0",
			Expression:  "fan_in_1hop >= 20",
			Delta:       2,
			Reason:      "High transaction fan-in",
			Priority:    20,
			Enabled:     true,
		},
		{
			ID:          "exposure-1hop-001",
			Name:        "Direct illicit exposure",
			Description: "1-hop illicit ratio above 0.2",
			Version:     "1.0.0",
			Expression:  "illicit_nbr_ratio_1hop != null && double(illicit_nbr_ratio_1hop) > 0.2",
			Delta:       3,
			Reason:      "Direct exposure to illicit transactions",
			Priority:    30,
			Enabled:     true,
		},
		{
			ID:          "exposure-2hop-001",
			Name:        "Indirect illicit exposure",
			Description: "Strict 2-hop illicit ratio above 0.2",
			Version:     "1.0.0",
			Expression:  "illicit_nbr_ratio_2hop_strict != null && double(illicit_nbr_ratio_2hop_strict) > 0.2",
			Delta:       1,
			Reason:      "Indirect exposure to illicit activity",
			Priority:    40,
			Enabled:     true,
		},
	}
}
