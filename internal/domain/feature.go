package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Column names of the computed feature and score table. Downstream consumers
// key on these names.
const (
	ColTxID                = "txId"
	ColTimeStep            = "time_step"
	ColClassName           = "class_name"
	ColFanOut1Hop          = "fan_out_1hop"
	ColFanIn1Hop           = "fan_in_1hop"
	ColNbrCount1Hop        = "nbr_count_1hop"
	ColIllicitNbrCount1Hop = "illicit_nbr_count_1hop"
	ColIllicitNbrRatio1Hop = "illicit_nbr_ratio_1hop"
	ColNbrCount2Hop        = "nbr_count_2hop_strict"
	ColIllicitNbrCount2Hop = "illicit_nbr_count_2hop_strict"
	ColIllicitNbrRatio2Hop = "illicit_nbr_ratio_2hop_strict"
	ColRiskScore           = "risk_score"
	ColSeverity            = "severity"
	ColAlertReasons        = "alert_reasons"
)

var knownColumns = map[string]struct{}{
	ColTxID: {}, ColTimeStep: {}, ColClassName: {},
	ColFanOut1Hop: {}, ColFanIn1Hop: {},
	ColNbrCount1Hop: {}, ColIllicitNbrCount1Hop: {}, ColIllicitNbrRatio1Hop: {},
	ColNbrCount2Hop: {}, ColIllicitNbrCount2Hop: {}, ColIllicitNbrRatio2Hop: {},
	ColRiskScore: {}, ColSeverity: {}, ColAlertReasons: {},
}

// TwoHopExposure holds the strict 2-hop exposure features.
type TwoHopExposure struct {
	NbrCount        int   `json:"nbr_count_2hop_strict"`
	IllicitNbrCount int   `json:"illicit_nbr_count_2hop_strict"`
	IllicitNbrRatio Ratio `json:"illicit_nbr_ratio_2hop_strict"`
}

// FeatureRecord is a transaction enriched with degree and exposure features.
type FeatureRecord struct {
	Transaction

	FanOut1Hop          int
	FanIn1Hop           int
	NbrCount1Hop        int
	IllicitNbrCount1Hop int
	IllicitNbrRatio1Hop Ratio

	// TwoHop is nil when 2-hop computation was skipped. In that case the
	// 2-hop columns are absent from the output, not zero.
	TwoHop *TwoHopExposure
}

// Ratio2Hop returns the strict 2-hop ratio, not computable when skipped.
func (r FeatureRecord) Ratio2Hop() Ratio {
	if r.TwoHop == nil {
		return NotComputable()
	}
	return r.TwoHop.IllicitNbrRatio
}

// Columns returns the record as a flat column map. Not-computable ratios
// are nil.
func (r FeatureRecord) Columns() map[string]any {
	out := r.Transaction.columns()
	out[ColFanOut1Hop] = r.FanOut1Hop
	out[ColFanIn1Hop] = r.FanIn1Hop
	out[ColNbrCount1Hop] = r.NbrCount1Hop
	out[ColIllicitNbrCount1Hop] = r.IllicitNbrCount1Hop
	out[ColIllicitNbrRatio1Hop] = r.IllicitNbrRatio1Hop.Any()
	if r.TwoHop != nil {
		out[ColNbrCount2Hop] = r.TwoHop.NbrCount
		out[ColIllicitNbrCount2Hop] = r.TwoHop.IllicitNbrCount
		out[ColIllicitNbrRatio2Hop] = r.TwoHop.IllicitNbrRatio.Any()
	}
	return out
}

// MarshalJSON emits the flat column layout.
func (r FeatureRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Columns())
}

// UnmarshalJSON decodes the flat column layout.
func (r *FeatureRecord) UnmarshalJSON(data []byte) error {
	row, err := decodeRow(data)
	if err != nil {
		return err
	}
	rec, err := FeatureRecordFromColumns(row)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// FeatureRecordFromColumns parses a flat column map. Feature columns must be
// numeric; a malformed value is an error. The 2-hop block is present when
// nbr_count_2hop_strict is present.
func FeatureRecordFromColumns(row map[string]any) (FeatureRecord, error) {
	var rec FeatureRecord

	id, ok := row[ColTxID]
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrMissingColumn, ColTxID)
	}
	txID, err := columnInt(ColTxID, id)
	if err != nil {
		return rec, err
	}
	rec.ID = TxID(txID)
	rec.TimeStep = -1

	if v, ok := row[ColTimeStep]; ok && v != nil {
		ts, err := columnInt(ColTimeStep, v)
		if err != nil {
			return rec, err
		}
		rec.TimeStep = int(ts)
	}
	if v, ok := row[ColClassName]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return rec, fmt.Errorf("%w: %s is not a string", ErrInvalidInput, ColClassName)
		}
		rec.Label = s
	}

	ints := []struct {
		col string
		dst *int
	}{
		{ColFanOut1Hop, &rec.FanOut1Hop},
		{ColFanIn1Hop, &rec.FanIn1Hop},
		{ColNbrCount1Hop, &rec.NbrCount1Hop},
		{ColIllicitNbrCount1Hop, &rec.IllicitNbrCount1Hop},
	}
	for _, f := range ints {
		v, ok := row[f.col]
		if !ok || v == nil {
			continue
		}
		n, err := columnInt(f.col, v)
		if err != nil {
			return rec, err
		}
		*f.dst = int(n)
	}

	rec.IllicitNbrRatio1Hop, err = columnRatio(ColIllicitNbrRatio1Hop, row[ColIllicitNbrRatio1Hop])
	if err != nil {
		return rec, err
	}

	if v, ok := row[ColNbrCount2Hop]; ok {
		two := &TwoHopExposure{}
		if v != nil {
			n, err := columnInt(ColNbrCount2Hop, v)
			if err != nil {
				return rec, err
			}
			two.NbrCount = int(n)
		}
		if v := row[ColIllicitNbrCount2Hop]; v != nil {
			n, err := columnInt(ColIllicitNbrCount2Hop, v)
			if err != nil {
				return rec, err
			}
			two.IllicitNbrCount = int(n)
		}
		two.IllicitNbrRatio, err = columnRatio(ColIllicitNbrRatio2Hop, row[ColIllicitNbrRatio2Hop])
		if err != nil {
			return rec, err
		}
		rec.TwoHop = two
	}

	for k, v := range row {
		if _, known := knownColumns[k]; known {
			continue
		}
		if rec.Attributes == nil {
			rec.Attributes = make(map[string]any)
		}
		rec.Attributes[k] = v
	}
	return rec, nil
}

func decodeRow(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func columnInt(col string, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case TxID:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: %s is not an integer: %v", ErrInvalidInput, col, n)
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%w: %s is not an integer: %s", ErrInvalidInput, col, n)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidInput, col, v)
	}
}

func columnRatio(col string, v any) (Ratio, error) {
	switch n := v.(type) {
	case nil:
		return NotComputable(), nil
	case Ratio:
		return n, nil
	case float64:
		if math.IsNaN(n) {
			return NotComputable(), nil
		}
		return Computable(n), nil
	case int:
		return Computable(float64(n)), nil
	case int64:
		return Computable(float64(n)), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return NotComputable(), fmt.Errorf("%w: %s: %v", ErrInvalidInput, col, err)
		}
		return Computable(f), nil
	default:
		return NotComputable(), fmt.Errorf("%w: %s has type %T", ErrInvalidInput, col, v)
	}
}
