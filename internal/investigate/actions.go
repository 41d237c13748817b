package investigate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action menu indexes into DefaultActions.
const (
	ActionReview1Hop = iota
	ActionReview2Hop
	ActionConcentration
	ActionUnknownLabels
	ActionWatchlist
	ActionEscalate
	ActionClose
)

// DefaultActions is the menu investigators choose next steps from. Steps
// may be lightly reworded but never invented.
var DefaultActions = []string{
	"Review top illicit-linked 1-hop neighbors contributing to exposure",
	"Review top illicit-linked strict 2-hop neighbors contributing to exposure",
	"Check whether exposure is concentrated in a single neighbor vs distributed",
	"Validate whether the alert is driven by missing/unknown neighbor labels",
	"Queue entity/tx for enhanced monitoring and watchlist",
	"Escalate to compliance review if critical/high severity and evidence is computable",
	"Document rationale and close (monitor only) if severity is low or evidence is insufficient",
}

const defaultSystemPrompt = `You are an AML transaction monitoring investigator for Bitcoin.

You MUST only use the fields provided in the input payload.
Do NOT guess unseen facts (no addresses, no amounts, no exchange attribution, no real-world identities).

IMPORTANT LANGUAGE RULES:
- Do NOT claim a transaction is illicit. Describe risk signals and proximity to *labeled-illicit* nodes in the dataset.
- When referencing labels, say "labeled illicit" / "illicit-labeled in the dataset" (avoid implying real-world guilt).
- If something is unknown or not computable (null/None/NaN), explicitly state it is unknown/not computable.

OPERATIONAL RULES:
- Do NOT recommend actions outside an investigator workflow (e.g., do not suggest "freeze the transaction").
- Recommended next steps MUST be chosen from the provided ACTION_LIBRARY
  (you may lightly rephrase but must not invent new actions).
- Only include typologies if supported by evidence fields; otherwise use "unknown".

Return a structured investigation report that matches the required schema.
Use concise, analyst-style language.
`

var defaultPromptRules = []string{
	"Use only the provided fields.",
	"Always use 'illicit-labeled' when describing nodes/neighbors (avoid 'illicit nodes').",
	"If total_neighbors_2hop_strict is very small (<=2), mention that 2-hop evidence is based on a limited strict 2-hop neighborhood size.",
	"In confidence_rationale, distinguish confidence in graph-label proximity vs confidence in real-world attribution (amounts/entities absent).",
	"If exposure ratios are high and counts are available, prefer including both 1-hop and strict 2-hop neighbor review actions.",
	"Do not infer addresses, entities, amounts, or attribution.",
	"When discussing labels, use 'labeled illicit' or 'illicit-labeled in the dataset'.",
	"Do NOT claim the transaction is illicit; describe risk signals and graph exposure only.",
	"If total_neighbors_* or illicit_neighbors_* is null/None, do NOT say 'all neighbors'; instead state counts are unavailable.",
	"likely_typologies must be evidence-backed:\n  * aggregation requires fan_in_1hop support\n  * distribution requires fan_out_1hop support\n  * layering requires elevated strict 2-hop exposure (and mention the exposure evidence)\n  Otherwise include 'unknown'.",
	"Recommended next steps MUST be chosen from ACTION_LIBRARY (you may lightly rephrase but do not invent new actions).",
	"In the 'evidence' array, use primitive values only (string/int/float/bool/null).",
}

const reportShape = `Respond with a single JSON object and nothing else, with exactly these keys:
alert_id (string), txId (string), severity (low|medium|high|critical), risk_score (integer),
executive_summary (string), why_flagged (>=1 strings),
likely_typologies (>=1 of aggregation|distribution|layering|service_activity|unknown),
recommended_next_steps (>=3 strings), evidence (>=3 objects {field, value, note} with primitive value),
confidence (low|medium|high), confidence_rationale (string), limitations (>=1 strings).`

// Library is the immutable prompt and action configuration handed to
// investigators.
type Library struct {
	SystemPrompt string   `yaml:"systemPrompt"`
	Actions      []string `yaml:"actions"`
	PromptRules  []string `yaml:"promptRules"`
}

// DefaultLibrary returns a fresh copy of the built-in library.
func DefaultLibrary() Library {
	return Library{
		SystemPrompt: defaultSystemPrompt,
		Actions:      append([]string(nil), DefaultActions...),
		PromptRules:  append([]string(nil), defaultPromptRules...),
	}
}

// LoadLibrary reads a YAML override. Fields left empty keep their defaults.
func LoadLibrary(path string) (Library, error) {
	lib := DefaultLibrary()
	if path == "" {
		return lib, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return lib, fmt.Errorf("read action library: %w", err)
	}

	var override Library
	if err := yaml.Unmarshal(data, &override); err != nil {
		return lib, fmt.Errorf("parse action library: %w", err)
	}

	if strings.TrimSpace(override.SystemPrompt) != "" {
		lib.SystemPrompt = override.SystemPrompt
	}
	if len(override.Actions) > 0 {
		if len(override.Actions) < MinNextSteps {
			return lib, fmt.Errorf("action library needs at least %d actions, got %d", MinNextSteps, len(override.Actions))
		}
		lib.Actions = override.Actions
	}
	if len(override.PromptRules) > 0 {
		lib.PromptRules = override.PromptRules
	}
	return lib, nil
}

// Action returns the i-th action, or "" when out of range.
func (l Library) Action(i int) string {
	if i < 0 || i >= len(l.Actions) {
		return ""
	}
	return l.Actions[i]
}

// UserPrompt renders the per-alert instruction text.
func (l Library) UserPrompt(p Payload) string {
	var b strings.Builder
	b.WriteString("Create an AML investigation summary for the following alert payload.\n")
	b.WriteString("Rules:\n")
	for _, r := range l.PromptRules {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	b.WriteString("\nACTION_LIBRARY:\n")
	for _, a := range l.Actions {
		b.WriteString("- ")
		b.WriteString(a)
		b.WriteString("\n")
	}
	b.WriteString("\nALERT_PAYLOAD:\n")
	b.WriteString(p.JSON())
	b.WriteString("\n\n")
	b.WriteString(reportShape)
	return b.String()
}
