package investigate

import (
	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// ReportSchemaName names the structured output format sent to the model.
const ReportSchemaName = "aml_investigation_summary"

// ReportSchema returns the JSON schema of Report in the strict subset
// accepted by structured outputs: every property required and no
// additional properties.
func ReportSchema() map[string]any {
	typologies := make([]string, len(domain.Typologies))
	for i, t := range domain.Typologies {
		typologies[i] = string(t)
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"alert_id":          map[string]any{"type": "string"},
			"txId":              map[string]any{"type": "string"},
			"severity":          map[string]any{"type": "string", "enum": severities()},
			"risk_score":        map[string]any{"type": "integer"},
			"executive_summary": map[string]any{"type": "string"},
			"why_flagged":       stringList(MinWhyFlagged),
			"likely_typologies": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string", "enum": typologies},
				"minItems": MinTypologies,
			},
			"recommended_next_steps": stringList(MinNextSteps),
			"evidence": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"field": map[string]any{"type": "string"},
						"value": map[string]any{"type": []string{"string", "number", "boolean", "null"}},
						"note":  map[string]any{"type": "string"},
					},
					"required": []string{"field", "value", "note"},
				},
				"minItems": MinEvidence,
			},
			"confidence":           map[string]any{"type": "string", "enum": []string{ConfidenceLow, ConfidenceMedium, ConfidenceHigh}},
			"confidence_rationale": map[string]any{"type": "string"},
			"limitations":          stringList(MinLimitations),
		},
		"required": []string{
			"alert_id",
			"txId",
			"severity",
			"risk_score",
			"executive_summary",
			"why_flagged",
			"likely_typologies",
			"recommended_next_steps",
			"evidence",
			"confidence",
			"confidence_rationale",
			"limitations",
		},
	}
}

func stringList(minItems int) map[string]any {
	return map[string]any{
		"type":     "array",
		"items":    map[string]any{"type": "string"},
		"minItems": minItems,
	}
}

func severities() []string {
	return []string{
		string(domain.SeverityLow),
		string(domain.SeverityMedium),
		string(domain.SeverityHigh),
		string(domain.SeverityCritical),
	}
}
