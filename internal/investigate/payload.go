// Package investigate adapts scored records into the alert payload handed to
// an investigation-report collaborator, defines the report shape contract,
// and provides rule-based, OpenAI and event-bus investigators.
package investigate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/graph"
)

// Payload field names that are not feature columns.
const (
	FieldAlertID              = "alert_id"
	FieldTotalNeighbors1Hop   = "total_neighbors_1hop"
	FieldTotalNeighbors2Hop   = "total_neighbors_2hop_strict"
	FieldIllicitNeighbors1Hop = "illicit_neighbors_1hop"
	FieldIllicitNeighbors2Hop = "illicit_neighbors_2hop_strict"
	FieldTopIllicit1Hop       = "top_illicit_neighbors_1hop"
	FieldTopIllicit2Hop       = "top_illicit_neighbors_2hop_strict"
)

// Payload is the alert view consumed by investigators. Counts are nil when
// unknown and ratios are null when not computable.
type Payload struct {
	AlertID                 string       `json:"alert_id"`
	TxID                    string       `json:"txId"`
	TimeStep                int          `json:"time_step"`
	Severity                string       `json:"severity"`
	RiskScore               int          `json:"risk_score"`
	AlertReasons            []string     `json:"alert_reasons"`
	FanIn1Hop               int          `json:"fan_in_1hop"`
	FanOut1Hop              int          `json:"fan_out_1hop"`
	TotalNeighbors1Hop      *int         `json:"total_neighbors_1hop"`
	TotalNeighbors2Hop      *int         `json:"total_neighbors_2hop_strict"`
	IllicitNeighbors1Hop    *int         `json:"illicit_neighbors_1hop"`
	IllicitNeighbors2Hop    *int         `json:"illicit_neighbors_2hop_strict"`
	IllicitNbrRatio1Hop     domain.Ratio `json:"illicit_nbr_ratio_1hop"`
	IllicitNbrRatio2Hop     domain.Ratio `json:"illicit_nbr_ratio_2hop_strict"`
	TopIllicitNeighbors1Hop []int64      `json:"top_illicit_neighbors_1hop"`
	TopIllicitNeighbors2Hop []int64      `json:"top_illicit_neighbors_2hop_strict"`
}

// BuildPayload coerces a loosely typed row into a Payload. It never fails:
// malformed values fall back to safe defaults.
//
//   - totals prefer total_neighbors_* and fall back to nbr_count_*
//   - illicit counts prefer illicit_neighbors_* then illicit_nbr_count_*
//   - ratios are recomputed from counts when both are known, otherwise the
//     row's ratio is used; an explicit zero total forces a null ratio
//   - time_step defaults to -1, severity to "low", scores and degrees to 0
//   - a non-list alert_reasons becomes a one-element list
//   - non-list top-neighbor fields become empty lists
func BuildPayload(row map[string]any) Payload {
	total1 := optionalInt(lookup(row, FieldTotalNeighbors1Hop, domain.ColNbrCount1Hop))
	total2 := optionalInt(lookup(row, FieldTotalNeighbors2Hop, domain.ColNbrCount2Hop))
	illicit1 := optionalInt(lookup(row, FieldIllicitNeighbors1Hop, domain.ColIllicitNbrCount1Hop))
	illicit2 := optionalInt(lookup(row, FieldIllicitNeighbors2Hop, domain.ColIllicitNbrCount2Hop))

	p := Payload{
		AlertID:                 safeString(row[FieldAlertID], ""),
		TxID:                    safeString(row[domain.ColTxID], ""),
		TimeStep:                safeInt(valueOr(row, domain.ColTimeStep, -1), -1),
		Severity:                safeString(row[domain.ColSeverity], string(domain.SeverityLow)),
		RiskScore:               safeInt(row[domain.ColRiskScore], 0),
		AlertReasons:            reasons(row[domain.ColAlertReasons]),
		FanIn1Hop:               safeInt(row[domain.ColFanIn1Hop], 0),
		FanOut1Hop:              safeInt(row[domain.ColFanOut1Hop], 0),
		TotalNeighbors1Hop:      total1,
		TotalNeighbors2Hop:      total2,
		IllicitNeighbors1Hop:    illicit1,
		IllicitNeighbors2Hop:    illicit2,
		IllicitNbrRatio1Hop:     payloadRatio(illicit1, total1, row[domain.ColIllicitNbrRatio1Hop]),
		IllicitNbrRatio2Hop:     payloadRatio(illicit2, total2, row[domain.ColIllicitNbrRatio2Hop]),
		TopIllicitNeighbors1Hop: idList(row[FieldTopIllicit1Hop]),
		TopIllicitNeighbors2Hop: idList(row[FieldTopIllicit2Hop]),
	}
	return p
}

// PayloadFromScored builds the payload of a typed scored record and its
// evidence neighbors.
func PayloadFromScored(alertID string, rec domain.ScoredRecord, top graph.TopNeighbors) Payload {
	row := rec.Columns()
	row[FieldAlertID] = alertID
	row[FieldTopIllicit1Hop] = top.OneHop
	row[FieldTopIllicit2Hop] = top.TwoHop
	return BuildPayload(row)
}

// JSON renders the payload for prompts and bus messages.
func (p Payload) JSON() string {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func payloadRatio(illicit, total *int, rowRatio any) domain.Ratio {
	var r domain.Ratio
	if illicit != nil && total != nil && *total > 0 {
		r = domain.RatioOf(*illicit, *total)
	} else if rowRatio != nil {
		r = domain.Computable(safeFloat(rowRatio, 0))
		if v, _ := r.Get(); math.IsNaN(v) {
			r = domain.NotComputable()
		}
	}
	if total != nil && *total == 0 {
		r = domain.NotComputable()
	}
	return r
}

// lookup returns the first key present (even with a nil value) in row.
func lookup(row map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			return v
		}
	}
	return nil
}

func valueOr(row map[string]any, key string, def any) any {
	if v, ok := row[key]; ok {
		return v
	}
	return def
}

func optionalInt(v any) *int {
	if v == nil {
		return nil
	}
	n := safeInt(v, 0)
	return &n
}

func safeInt(v any, def int) int {
	switch n := v.(type) {
	case nil:
		return def
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	case domain.TxID:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return def
		}
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		return def
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return def
		}
		return i
	default:
		return def
	}
}

func safeFloat(v any, def float64) float64 {
	switch n := v.(type) {
	case nil:
		return def
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case domain.Ratio:
		if f, ok := n.Get(); ok {
			return f
		}
		return math.NaN()
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return def
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func safeString(v any, def string) string {
	switch s := v.(type) {
	case nil:
		return def
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case domain.TxID:
		return s.String()
	case float64:
		if s == math.Trunc(s) && !math.IsInf(s, 0) {
			return strconv.FormatFloat(s, 'f', 0, 64)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

func reasons(v any) []string {
	switch r := v.(type) {
	case nil:
		return []string{}
	case []string:
		return append([]string{}, r...)
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			out = append(out, safeString(item, ""))
		}
		return out
	default:
		return []string{safeString(r, "")}
	}
}

func idList(v any) []int64 {
	out := []int64{}
	switch ids := v.(type) {
	case []domain.TxID:
		for _, id := range ids {
			out = append(out, int64(id))
		}
	case []int64:
		out = append(out, ids...)
	case []int:
		for _, id := range ids {
			out = append(out, int64(id))
		}
	case []any:
		for _, item := range ids {
			if item == nil {
				continue
			}
			out = append(out, int64(safeInt(item, 0)))
		}
	}
	return out
}
