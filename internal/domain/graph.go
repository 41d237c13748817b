package domain

import (
	"encoding/json"
	"strconv"
)

// TxID identifies a transaction node in the graph.
type TxID int64

// String returns the decimal form of the id.
func (id TxID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Edge is a directed flow from Src (txId1) to Dst (txId2).
// Edges may repeat and may be self-referential.
type Edge struct {
	Src TxID `json:"txId1"`
	Dst TxID `json:"txId2"`
}

// Label values recognised in the class column. Only LabelIllicit counts as
// illicit; anything that is not illicit or licit is unknown.
const (
	LabelIllicit = "illicit"
	LabelLicit   = "licit"
	LabelUnknown = "unknown"
)

// DefaultLabelColumn is the input column carrying the class label.
const DefaultLabelColumn = "class_name"

// Transaction is a node of the graph together with its input columns.
type Transaction struct {
	ID       TxID   `json:"txId"`
	Label    string `json:"class_name"`
	TimeStep int    `json:"time_step"`

	// Attributes holds every other input column so it survives into the
	// computed feature table unchanged.
	Attributes map[string]any `json:"-"`
}

// IsIllicit reports whether the label is exactly "illicit".
func (t Transaction) IsIllicit() bool {
	return t.Label == LabelIllicit
}

// IsKnown reports whether the label is "illicit" or "licit".
func (t Transaction) IsKnown() bool {
	return t.Label == LabelIllicit || t.Label == LabelLicit
}

// columns returns the transaction as a flat column map. Fixed columns win over
// attributes of the same name.
func (t Transaction) columns() map[string]any {
	out := make(map[string]any, len(t.Attributes)+3)
	for k, v := range t.Attributes {
		out[k] = v
	}
	out[ColTxID] = int64(t.ID)
	out[ColTimeStep] = t.TimeStep
	if t.Label == "" {
		out[ColClassName] = nil
	} else {
		out[ColClassName] = t.Label
	}
	return out
}

// MarshalJSON flattens attributes next to the fixed columns.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.columns())
}

// GraphSnapshot is a tenant's stored graph: the transaction table plus the
// edge list in insertion order.
type GraphSnapshot struct {
	Transactions []Transaction `json:"transactions"`
	Edges        []Edge        `json:"edges"`
}

// IllicitSet returns the ids labeled exactly "illicit".
func IllicitSet(txs []Transaction) map[TxID]struct{} {
	set := make(map[TxID]struct{})
	for _, tx := range txs {
		if tx.IsIllicit() {
			set[tx.ID] = struct{}{}
		}
	}
	return set
}
