package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/bus"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/graph"
	"github.com/opensource-finance/osprey-graph/internal/rules"
)

func intPtr(n int) *int { return &n }

func TestBuildPayloadFallbacks(t *testing.T) {
	row := map[string]any{
		"txId":                          int64(42),
		"severity":                      nil,
		"alert_reasons":                 "single reason",
		"nbr_count_1hop":                4,
		"illicit_nbr_count_1hop":        1,
		"illicit_nbr_ratio_1hop":        0.9, // ignored, recomputed from counts
		"nbr_count_2hop_strict":         0,
		"illicit_nbr_count_2hop_strict": 0,
		"illicit_nbr_ratio_2hop_strict": 0.5, // forced null by zero total
		"top_illicit_neighbors_1hop":    "not a list",
	}

	p := BuildPayload(row)

	if p.TxID != "42" {
		t.Errorf("expected txId 42, got %q", p.TxID)
	}
	if p.TimeStep != -1 {
		t.Errorf("expected default time_step -1, got %d", p.TimeStep)
	}
	if p.Severity != "low" {
		t.Errorf("expected default severity low, got %q", p.Severity)
	}
	if len(p.AlertReasons) != 1 || p.AlertReasons[0] != "single reason" {
		t.Errorf("expected wrapped reason, got %v", p.AlertReasons)
	}
	if p.TotalNeighbors1Hop == nil || *p.TotalNeighbors1Hop != 4 {
		t.Errorf("expected total 1-hop 4 from nbr_count fallback, got %v", p.TotalNeighbors1Hop)
	}
	if v, ok := p.IllicitNbrRatio1Hop.Get(); !ok || v != 0.25 {
		t.Errorf("expected recomputed ratio 0.25, got %v", p.IllicitNbrRatio1Hop)
	}
	if p.IllicitNbrRatio2Hop.IsComputable() {
		t.Errorf("expected null 2-hop ratio with zero total, got %v", p.IllicitNbrRatio2Hop)
	}
	if p.TopIllicitNeighbors1Hop == nil || len(p.TopIllicitNeighbors1Hop) != 0 {
		t.Errorf("expected empty top list, got %v", p.TopIllicitNeighbors1Hop)
	}
}

func TestBuildPayloadMissingCounts(t *testing.T) {
	p := BuildPayload(map[string]any{
		"txId":                   "7",
		"illicit_nbr_ratio_1hop": 0.3,
		"alert_reasons":          nil,
		"risk_score":             "bad",
	})

	if p.TotalNeighbors1Hop != nil || p.IllicitNeighbors1Hop != nil {
		t.Error("expected unknown counts to stay nil")
	}
	if v, ok := p.IllicitNbrRatio1Hop.Get(); !ok || v != 0.3 {
		t.Errorf("expected row ratio 0.3, got %v", p.IllicitNbrRatio1Hop)
	}
	if p.IllicitNbrRatio2Hop.IsComputable() {
		t.Error("expected absent 2-hop ratio to be null")
	}
	if p.RiskScore != 0 {
		t.Errorf("expected malformed score to default to 0, got %d", p.RiskScore)
	}
	if p.AlertReasons == nil || len(p.AlertReasons) != 0 {
		t.Errorf("expected empty reasons, got %v", p.AlertReasons)
	}

	nan := BuildPayload(map[string]any{"illicit_nbr_ratio_1hop": math.NaN()})
	if nan.IllicitNbrRatio1Hop.IsComputable() {
		t.Error("expected NaN ratio to be null")
	}
}

func TestPayloadFromScored(t *testing.T) {
	rec := domain.ScoredRecord{
		FeatureRecord: domain.FeatureRecord{
			Transaction:         domain.Transaction{ID: 9, TimeStep: 3},
			FanIn1Hop:           2,
			NbrCount1Hop:        2,
			IllicitNbrCount1Hop: 1,
			IllicitNbrRatio1Hop: domain.Computable(0.5),
		},
		RiskScore:    5,
		AlertReasons: []string{"Direct exposure to illicit transactions"},
		Severity:     domain.SeverityHigh,
	}

	p := PayloadFromScored("alert-9", rec, graph.TopNeighbors{OneHop: []domain.TxID{4}})

	if p.AlertID != "alert-9" || p.TxID != "9" {
		t.Errorf("unexpected ids %q/%q", p.AlertID, p.TxID)
	}
	if len(p.TopIllicitNeighbors1Hop) != 1 || p.TopIllicitNeighbors1Hop[0] != 4 {
		t.Errorf("expected top neighbor 4, got %v", p.TopIllicitNeighbors1Hop)
	}
	if p.TotalNeighbors2Hop != nil {
		t.Error("expected nil 2-hop total when 2-hop was skipped")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(p.JSON()), &decoded); err != nil {
		t.Fatalf("payload JSON invalid: %v", err)
	}
	if v, ok := decoded["illicit_nbr_ratio_2hop_strict"]; !ok || v != nil {
		t.Errorf("expected explicit null 2-hop ratio, got %v", v)
	}
}

func validReport() Report {
	return Report{
		AlertID:              "a1",
		TxID:                 "1",
		Severity:             "high",
		RiskScore:            5,
		ExecutiveSummary:     "summary",
		WhyFlagged:           []string{"reason"},
		LikelyTypologies:     []string{"layering"},
		RecommendedNextSteps: DefaultActions[:3],
		Evidence: []EvidenceItem{
			{Field: "risk_score", Value: 5.0},
			{Field: "severity", Value: "high"},
			{Field: "illicit_nbr_ratio_1hop", Value: nil},
		},
		Confidence:          "medium",
		ConfidenceRationale: "partial",
		Limitations:         []string{"labels only"},
	}
}

func TestReportValidate(t *testing.T) {
	r := validReport()
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid report, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *Report)
	}{
		{"TwoSteps", func(r *Report) { r.RecommendedNextSteps = r.RecommendedNextSteps[:2] }},
		{"TwoEvidence", func(r *Report) { r.Evidence = r.Evidence[:2] }},
		{"NoLimitations", func(r *Report) { r.Limitations = nil }},
		{"NoWhyFlagged", func(r *Report) { r.WhyFlagged = []string{} }},
		{"BadTypology", func(r *Report) { r.LikelyTypologies = []string{"smurfing"} }},
		{"BadSeverity", func(r *Report) { r.Severity = "severe" }},
		{"BadConfidence", func(r *Report) { r.Confidence = "certain" }},
		{"NonPrimitiveEvidence", func(r *Report) { r.Evidence[0].Value = []int{1} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReport()
			r.Evidence = append([]EvidenceItem(nil), r.Evidence...)
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidReport) {
				t.Errorf("expected ErrInvalidReport, got %v", err)
			}
		})
	}
}

func TestParseReport(t *testing.T) {
	data, _ := json.Marshal(validReport())
	r, err := ParseReport(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Severity != "high" {
		t.Errorf("expected severity high, got %s", r.Severity)
	}

	if _, err := ParseReport([]byte("not json")); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("expected ErrInvalidReport, got %v", err)
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"a\":1}\n```"
	if got := stripFences(in); got != `{"a":1}` {
		t.Errorf("expected bare JSON, got %q", got)
	}
	if got := stripFences(` {"a":1} `); got != `{"a":1}` {
		t.Errorf("expected trimmed JSON, got %q", got)
	}
}

func TestLoadLibrary(t *testing.T) {
	lib, err := LoadLibrary("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lib.Actions) != len(DefaultActions) {
		t.Errorf("expected default actions, got %d", len(lib.Actions))
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")
	content := "actions:\n  - step one\n  - step two\n  - step three\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err = LoadLibrary(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lib.Actions) != 3 || lib.Actions[0] != "step one" {
		t.Errorf("expected overridden actions, got %v", lib.Actions)
	}
	if lib.SystemPrompt != defaultSystemPrompt {
		t.Error("expected default system prompt to be kept")
	}

	short := filepath.Join(dir, "short.yaml")
	os.WriteFile(short, []byte("actions:\n  - only one\n"), 0o644)
	if _, err := LoadLibrary(short); err == nil {
		t.Error("expected error for fewer than three actions")
	}

	// Defaults must not be mutated through a returned library.
	lib = DefaultLibrary()
	lib.Actions[0] = "changed"
	if DefaultActions[0] == "changed" {
		t.Error("expected default actions to be immutable through copies")
	}
}

func TestUserPrompt(t *testing.T) {
	lib := DefaultLibrary()
	prompt := lib.UserPrompt(Payload{TxID: "5", Severity: "high"})

	for _, want := range []string{"ACTION_LIBRARY:", DefaultActions[0], "ALERT_PAYLOAD:", `"txId": "5"`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

func highExposurePayload() Payload {
	return Payload{
		AlertID:              "alert-1",
		TxID:                 "100",
		TimeStep:             4,
		Severity:             "critical",
		RiskScore:            9,
		AlertReasons:         []string{"Direct exposure to illicit transactions"},
		FanIn1Hop:            25,
		FanOut1Hop:           1,
		TotalNeighbors1Hop:   intPtr(26),
		IllicitNeighbors1Hop: intPtr(10),
		TotalNeighbors2Hop:   intPtr(40),
		IllicitNeighbors2Hop: intPtr(12),
		IllicitNbrRatio1Hop:  domain.Computable(10.0 / 26.0),
		IllicitNbrRatio2Hop:  domain.Computable(0.3),
	}
}

func TestRuleBasedInvestigator(t *testing.T) {
	inv := NewRuleBased(DefaultLibrary(), rules.ThresholdsFromFixed(domain.DefaultFixedThresholds()))
	ctx := context.Background()

	t.Run("HighExposure", func(t *testing.T) {
		rep, err := inv.Investigate(ctx, "tenant-1", highExposurePayload())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rep.Confidence != ConfidenceHigh {
			t.Errorf("expected high confidence, got %s", rep.Confidence)
		}
		if rep.RecommendedNextSteps[0] != DefaultActions[ActionReview1Hop] {
			t.Errorf("expected 1-hop review first, got %q", rep.RecommendedNextSteps[0])
		}
		hasEscalate := false
		for _, s := range rep.RecommendedNextSteps {
			if s == DefaultActions[ActionEscalate] {
				hasEscalate = true
			}
		}
		if !hasEscalate {
			t.Errorf("expected escalation for critical alert, got %v", rep.RecommendedNextSteps)
		}
		hasAggregation := false
		for _, ty := range rep.LikelyTypologies {
			if ty == string(domain.TypologyAggregation) {
				hasAggregation = true
			}
			if ty == string(domain.TypologyDistribution) {
				t.Error("distribution needs fan-out support")
			}
		}
		if !hasAggregation {
			t.Errorf("expected aggregation typology, got %v", rep.LikelyTypologies)
		}

		for _, ev := range rep.Evidence {
			switch ev.Field {
			case domain.ColFanIn1Hop, domain.ColFanOut1Hop:
				if strings.Contains(ev.Note, "distinct") || !strings.Contains(ev.Note, "per edge") {
					t.Errorf("expected %s note to count edges, got %q", ev.Field, ev.Note)
				}
			case domain.ColIllicitNbrRatio1Hop, domain.ColIllicitNbrRatio2Hop:
				if !strings.Contains(ev.Note, "all neighbors") {
					t.Errorf("expected %s note over all neighbors, got %q", ev.Field, ev.Note)
				}
			}
		}
		if strings.Contains(rep.ExecutiveSummary, "labeled 1-hop neighbors") {
			t.Errorf("summary must not restrict the ratio to labeled neighbors: %q", rep.ExecutiveSummary)
		}
	})

	t.Run("NoEvidence", func(t *testing.T) {
		rep, err := inv.Investigate(ctx, "tenant-1", Payload{TxID: "1", Severity: "bogus"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rep.Severity != "low" {
			t.Errorf("expected severity low, got %s", rep.Severity)
		}
		if len(rep.LikelyTypologies) != 1 || rep.LikelyTypologies[0] != "unknown" {
			t.Errorf("expected unknown typology, got %v", rep.LikelyTypologies)
		}
		if len(rep.RecommendedNextSteps) < MinNextSteps {
			t.Errorf("expected at least %d steps, got %d", MinNextSteps, len(rep.RecommendedNextSteps))
		}
		if rep.Confidence != ConfidenceLow {
			t.Errorf("expected low confidence, got %s", rep.Confidence)
		}
		if !strings.Contains(rep.ConfidenceRationale, "unavailable") {
			t.Errorf("expected rationale to cite unavailable counts, got %q", rep.ConfidenceRationale)
		}
		if !strings.Contains(rep.ExecutiveSummary, "not computable") {
			t.Errorf("expected summary to state exposure is not computable, got %q", rep.ExecutiveSummary)
		}
	})

	t.Run("IsolatedTransaction", func(t *testing.T) {
		rep, err := inv.Investigate(ctx, "tenant-1", Payload{
			TxID:                 "2",
			Severity:             "low",
			TotalNeighbors1Hop:   intPtr(0),
			IllicitNeighbors1Hop: intPtr(0),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rep.Confidence != ConfidenceLow {
			t.Errorf("expected low confidence, got %s", rep.Confidence)
		}
		if !strings.Contains(rep.ConfidenceRationale, "no neighbors") {
			t.Errorf("expected rationale to cite the empty neighborhood, got %q", rep.ConfidenceRationale)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := inv.Investigate(cctx, "tenant-1", highExposurePayload()); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestBusInvestigator(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	tenantID := "tenant-1"

	worker := NewRuleBased(DefaultLibrary(), rules.ThresholdsFromFixed(domain.DefaultFixedThresholds()))
	sub, err := Serve(ctx, b, tenantID, worker)
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	defer sub.Unsubscribe()

	inv := NewBus(b, time.Second)
	rep, err := inv.Investigate(ctx, tenantID, highExposurePayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.AlertID != "alert-1" || rep.TxID != "100" {
		t.Errorf("unexpected report ids %s/%s", rep.AlertID, rep.TxID)
	}
}

func TestNewInvestigator(t *testing.T) {
	lib := DefaultLibrary()

	inv, err := New(domain.InvestigatorConfig{Type: "rules"}, lib, nil)
	if err != nil || inv.Name() != TypeRules {
		t.Errorf("expected rule-based investigator, got %v (%v)", inv, err)
	}

	if _, err := New(domain.InvestigatorConfig{Type: "openai"}, lib, nil); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}

	inv, err = New(domain.InvestigatorConfig{Type: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}, lib, nil)
	if err != nil || inv.Name() != TypeOpenAI {
		t.Errorf("expected openai investigator, got %v (%v)", inv, err)
	}

	if _, err := New(domain.InvestigatorConfig{Type: "bus"}, lib, nil); err == nil {
		t.Error("expected error for bus investigator without a bus")
	}

	if _, err := New(domain.InvestigatorConfig{Type: "oracle"}, lib, nil); !errors.Is(err, ErrUnknownInvestigator) {
		t.Errorf("expected ErrUnknownInvestigator, got %v", err)
	}
}

func TestOpenAIRequestsStructuredOutput(t *testing.T) {
	inv, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"}, DefaultLibrary())
	if err != nil {
		t.Fatalf("NewOpenAI failed: %v", err)
	}

	rec := domain.ScoredRecord{
		FeatureRecord: domain.FeatureRecord{Transaction: domain.Transaction{ID: 1}},
		Severity:      domain.SeverityLow,
	}
	params := inv.buildParams(PayloadFromScored("alert-1", rec, graph.TopNeighbors{}))
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	var body struct {
		Text struct {
			Format struct {
				Type   string         `json:"type"`
				Name   string         `json:"name"`
				Strict bool           `json:"strict"`
				Schema map[string]any `json:"schema"`
			} `json:"format"`
		} `json:"text"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("failed to decode params: %v", err)
	}

	format := body.Text.Format
	if format.Type != "json_schema" || format.Name != ReportSchemaName {
		t.Errorf("expected json_schema format %s, got %s %s", ReportSchemaName, format.Type, format.Name)
	}
	if !format.Strict {
		t.Error("expected strict schema adherence")
	}
	required, _ := format.Schema["required"].([]any)
	if len(required) != 12 {
		t.Errorf("expected 12 required report fields, got %d", len(required))
	}
	if format.Schema["additionalProperties"] != false {
		t.Error("expected additionalProperties false")
	}
}

func TestReportSchemaMatchesReport(t *testing.T) {
	schema := ReportSchema()
	props := schema["properties"].(map[string]any)

	data, _ := json.Marshal(validReport())
	var fields map[string]any
	json.Unmarshal(data, &fields)

	for name := range fields {
		if _, ok := props[name]; !ok {
			t.Errorf("report field %s missing from schema", name)
		}
	}
	if len(props) != len(fields) {
		t.Errorf("expected %d schema properties, got %d", len(fields), len(props))
	}

	steps := props["recommended_next_steps"].(map[string]any)
	if steps["minItems"] != MinNextSteps {
		t.Errorf("expected minItems %d for next steps, got %v", MinNextSteps, steps["minItems"])
	}
}
