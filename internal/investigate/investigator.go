package investigate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/rules"
)

// Investigator types accepted by New.
const (
	TypeRules  = "rules"
	TypeOpenAI = "openai"
	TypeBus    = "bus"
)

// ErrUnknownInvestigator is returned by New for an unsupported type.
var ErrUnknownInvestigator = errors.New("investigate: unknown investigator type")

// Investigator turns one alert payload into a validated report.
type Investigator interface {
	Name() string
	Investigate(ctx context.Context, tenantID string, p Payload) (*Report, error)
}

// New builds the investigator named by cfg.Type. bus is only required for
// the bus investigator.
func New(cfg domain.InvestigatorConfig, lib Library, bus domain.EventBus) (Investigator, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second

	switch cfg.Type {
	case "", TypeRules:
		return NewRuleBased(lib, rules.ThresholdsFromFixed(domain.DefaultFixedThresholds())), nil
	case TypeOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     timeout,
		}, lib)
	case TypeBus:
		if bus == nil {
			return nil, fmt.Errorf("%w: bus investigator needs an event bus", ErrUnknownInvestigator)
		}
		return NewBus(bus, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInvestigator, cfg.Type)
	}
}

// RuleBased writes deterministic reports from the payload alone. It is the
// default investigator and needs no network access.
type RuleBased struct {
	lib        Library
	thresholds rules.TypologyThresholds
}

// NewRuleBased creates a rule-based investigator using th for typology hints.
func NewRuleBased(lib Library, th rules.TypologyThresholds) *RuleBased {
	return &RuleBased{lib: lib, thresholds: th}
}

// WithThresholds returns a copy using calibrated typology thresholds.
func (r *RuleBased) WithThresholds(th rules.TypologyThresholds) *RuleBased {
	return &RuleBased{lib: r.lib, thresholds: th}
}

// Name returns "rules".
func (r *RuleBased) Name() string { return TypeRules }

// Investigate builds the report. It only fails on a cancelled context.
func (r *RuleBased) Investigate(ctx context.Context, _ string, p Payload) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	severity := p.Severity
	if _, err := domain.ParseSeverity(severity); err != nil {
		severity = string(domain.SeverityLow)
	}

	rep := &Report{
		AlertID:              p.AlertID,
		TxID:                 p.TxID,
		Severity:             severity,
		RiskScore:            max(p.RiskScore, 0),
		WhyFlagged:           r.whyFlagged(p),
		LikelyTypologies:     r.typologies(p),
		RecommendedNextSteps: r.nextSteps(p, domain.Severity(severity)),
		Evidence:             evidence(p),
		Limitations:          limitations(p),
	}
	rep.Confidence, rep.ConfidenceRationale = confidence(p)
	rep.ExecutiveSummary = summary(p, rep)

	if err := rep.Validate(); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *RuleBased) whyFlagged(p Payload) []string {
	if len(p.AlertReasons) > 0 {
		return append([]string(nil), p.AlertReasons...)
	}
	return []string{"No scoring rule fired; alert retained for review at its recorded severity"}
}

func (r *RuleBased) typologies(p Payload) []string {
	rec := domain.FeatureRecord{
		FanOut1Hop:          p.FanOut1Hop,
		FanIn1Hop:           p.FanIn1Hop,
		IllicitNbrRatio1Hop: p.IllicitNbrRatio1Hop,
		TwoHop:              &domain.TwoHopExposure{IllicitNbrRatio: p.IllicitNbrRatio2Hop},
	}
	hints := rules.TypologyHints(rec, r.thresholds)
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = string(h)
	}
	return out
}

func (r *RuleBased) nextSteps(p Payload, sev domain.Severity) []string {
	var picked []int
	add := func(i int) {
		for _, j := range picked {
			if j == i {
				return
			}
		}
		if r.lib.Action(i) != "" {
			picked = append(picked, i)
		}
	}

	exp1 := positive(p.IllicitNbrRatio1Hop)
	exp2 := positive(p.IllicitNbrRatio2Hop)
	if exp1 {
		add(ActionReview1Hop)
	}
	if exp2 {
		add(ActionReview2Hop)
	}
	if exp1 || exp2 {
		add(ActionConcentration)
	}
	if !p.IllicitNbrRatio1Hop.IsComputable() || !p.IllicitNbrRatio2Hop.IsComputable() {
		add(ActionUnknownLabels)
	}

	computable := p.IllicitNbrRatio1Hop.IsComputable() || p.IllicitNbrRatio2Hop.IsComputable()
	switch {
	case (sev == domain.SeverityCritical || sev == domain.SeverityHigh) && computable:
		add(ActionEscalate)
		add(ActionWatchlist)
	case sev == domain.SeverityLow || !computable:
		add(ActionClose)
	default:
		add(ActionWatchlist)
	}

	for i := 0; len(picked) < MinNextSteps && i < len(r.lib.Actions); i++ {
		add(i)
	}

	out := make([]string, len(picked))
	for i, j := range picked {
		out[i] = r.lib.Action(j)
	}
	return out
}

func positive(r domain.Ratio) bool {
	v, ok := r.Get()
	return ok && v > 0
}

func intOrNil(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func evidence(p Payload) []EvidenceItem {
	ratioNote := func(r domain.Ratio, hop string) string {
		if !r.IsComputable() {
			return "share of all neighbors at " + hop + " that are illicit-labeled in the dataset; not computable because there are no neighbors at " + hop
		}
		return "share of all neighbors at " + hop + " (labeled or not) that are illicit-labeled in the dataset"
	}

	return []EvidenceItem{
		{Field: domain.ColRiskScore, Value: p.RiskScore, Note: "additive score from the configured scoring policy"},
		{Field: domain.ColSeverity, Value: p.Severity, Note: "severity band of the risk score"},
		{Field: domain.ColFanIn1Hop, Value: p.FanIn1Hop, Note: "incoming edges, one per edge including repeated edges from the same transaction"},
		{Field: domain.ColFanOut1Hop, Value: p.FanOut1Hop, Note: "outgoing edges, one per edge including repeated edges to the same transaction"},
		{Field: domain.ColIllicitNbrRatio1Hop, Value: p.IllicitNbrRatio1Hop.Any(), Note: ratioNote(p.IllicitNbrRatio1Hop, "1 hop")},
		{Field: domain.ColIllicitNbrRatio2Hop, Value: p.IllicitNbrRatio2Hop.Any(), Note: ratioNote(p.IllicitNbrRatio2Hop, "strict 2 hops")},
		{Field: FieldTotalNeighbors1Hop, Value: intOrNil(p.TotalNeighbors1Hop), Note: "neighbor count at 1 hop; null means unavailable"},
		{Field: FieldTotalNeighbors2Hop, Value: intOrNil(p.TotalNeighbors2Hop), Note: "neighbor count at strict 2 hops; null means unavailable"},
	}
}

func confidence(p Payload) (string, string) {
	c1 := p.IllicitNbrRatio1Hop.IsComputable()
	c2 := p.IllicitNbrRatio2Hop.IsComputable()
	attribution := "Confidence in real-world attribution is limited because amounts, addresses and entities are absent."

	switch {
	case c1 && c2 && p.TotalNeighbors2Hop != nil && *p.TotalNeighbors2Hop > 2:
		return ConfidenceHigh, "Graph-label proximity is computable at both 1 hop and strict 2 hops. " + attribution
	case c1 || c2:
		return ConfidenceMedium, "Graph-label proximity is only partly computable. " + attribution
	default:
		if p.TotalNeighbors1Hop != nil && *p.TotalNeighbors1Hop == 0 {
			return ConfidenceLow, "The transaction has no neighbors, so graph-label proximity is not computable. " + attribution
		}
		return ConfidenceLow, "Neighbor counts are unavailable, so graph-label proximity is not computable. " + attribution
	}
}

func limitations(p Payload) []string {
	out := []string{
		"Labels come from the dataset and may be incomplete; illicit-labeled does not establish real-world guilt.",
		"No amounts, addresses or entity attribution are available to this review.",
	}
	if p.TotalNeighbors1Hop == nil || p.IllicitNeighbors1Hop == nil {
		out = append(out, "Neighbor counts are unavailable for this alert.")
	}
	if p.TotalNeighbors2Hop != nil && *p.TotalNeighbors2Hop <= 2 {
		out = append(out, "Strict 2-hop evidence is based on a limited strict 2-hop neighborhood size.")
	}
	return out
}

func summary(p Payload, rep *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction %s was flagged at %s severity with risk score %d.", rep.TxID, rep.Severity, rep.RiskScore)
	if v, ok := p.IllicitNbrRatio1Hop.Get(); ok {
		fmt.Fprintf(&b, " %.1f%% of its 1-hop neighbors are illicit-labeled in the dataset.", v*100)
	} else {
		b.WriteString(" Its 1-hop illicit exposure is not computable.")
	}
	if v, ok := p.IllicitNbrRatio2Hop.Get(); ok {
		fmt.Fprintf(&b, " Strict 2-hop exposure is %.1f%%.", v*100)
	}
	fmt.Fprintf(&b, " Fan-in is %d and fan-out is %d.", p.FanIn1Hop, p.FanOut1Hop)
	return b.String()
}
