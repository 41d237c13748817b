// Package ingest reads edge lists and transaction tables into domain types.
//
// The CSV readers follow the Elliptic dataset layout: an edge list with a
// txId1,txId2 header, a class table with txId,class where 1 is illicit and
// 2 is licit, and a headerless feature table whose first two columns are
// txId and time step.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Elliptic class codes.
const (
	ClassIllicit = "1"
	ClassLicit   = "2"
)

// ErrBadHeader is returned when a CSV header lacks a required column.
var ErrBadHeader = errors.New("ingest: missing header column")

// ReadEdges reads a CSV edge list with txId1 and txId2 columns. Rows are
// returned in file order; duplicates and self-loops are kept.
func ReadEdges(r io.Reader) ([]domain.Edge, error) {
	cr := newReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read edge header: %w", err)
	}
	src, dst := indexOf(header, "txId1"), indexOf(header, "txId2")
	if src < 0 || dst < 0 {
		return nil, fmt.Errorf("%w: txId1, txId2", ErrBadHeader)
	}

	var edges []domain.Edge
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read edges line %d: %w", line, err)
		}
		a, err := parseID(rec[src])
		if err != nil {
			return nil, fmt.Errorf("edges line %d: %w", line, err)
		}
		b, err := parseID(rec[dst])
		if err != nil {
			return nil, fmt.Errorf("edges line %d: %w", line, err)
		}
		edges = append(edges, domain.Edge{Src: a, Dst: b})
	}
	return edges, nil
}

// ReadClasses reads a txId,class table. Class codes map to labels with
// ClassLabel. Transactions keep file order and have no time step.
func ReadClasses(r io.Reader) ([]domain.Transaction, error) {
	cr := newReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read class header: %w", err)
	}
	idCol, classCol := indexOf(header, domain.ColTxID), indexOf(header, "class")
	if idCol < 0 || classCol < 0 {
		return nil, fmt.Errorf("%w: txId, class", ErrBadHeader)
	}

	var txs []domain.Transaction
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read classes line %d: %w", line, err)
		}
		id, err := parseID(rec[idCol])
		if err != nil {
			return nil, fmt.Errorf("classes line %d: %w", line, err)
		}
		txs = append(txs, domain.Transaction{
			ID:       id,
			Label:    ClassLabel(rec[classCol]),
			TimeStep: -1,
		})
	}
	return txs, nil
}

// ClassLabel maps an Elliptic class code to a label: 1 is illicit, 2 is
// licit and anything else is unknown.
func ClassLabel(code string) string {
	switch strings.TrimSpace(code) {
	case ClassIllicit:
		return domain.LabelIllicit
	case ClassLicit:
		return domain.LabelLicit
	default:
		return domain.LabelUnknown
	}
}

// ReadTimeSteps reads the headerless feature table and returns the time
// step of each transaction. Columns after the second are ignored.
func ReadTimeSteps(r io.Reader) (map[domain.TxID]int, error) {
	cr := newReader(r)
	out := make(map[domain.TxID]int)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read features line %d: %w", line, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: features line %d has %d columns", domain.ErrInvalidInput, line, len(rec))
		}
		id, err := parseID(rec[0])
		if err != nil {
			return nil, fmt.Errorf("features line %d: %w", line, err)
		}
		ts, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: features line %d time step %q", domain.ErrInvalidInput, line, rec[1])
		}
		out[id] = ts
	}
	return out, nil
}

// ApplyTimeSteps sets the time step of every transaction found in steps.
func ApplyTimeSteps(txs []domain.Transaction, steps map[domain.TxID]int) {
	for i := range txs {
		if ts, ok := steps[txs[i].ID]; ok {
			txs[i].TimeStep = ts
		}
	}
}

// FromRows converts generic table rows into transactions. txId is required;
// the label is read from labelCol (class_name when empty) and every other
// column is kept as an attribute.
func FromRows(rows []map[string]any, labelCol string) ([]domain.Transaction, error) {
	if labelCol == "" {
		labelCol = domain.DefaultLabelColumn
	}
	txs := make([]domain.Transaction, 0, len(rows))
	for i, row := range rows {
		tx, err := fromRow(row, labelCol)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func fromRow(row map[string]any, labelCol string) (domain.Transaction, error) {
	normalized := make(map[string]any, len(row))
	for k, v := range row {
		switch k {
		case labelCol:
			normalized[domain.ColClassName] = v
		case domain.ColClassName:
			// A differently named label column shadows class_name.
			if _, ok := row[labelCol]; !ok {
				normalized[k] = v
			}
		default:
			normalized[k] = v
		}
	}
	rec, err := domain.FeatureRecordFromColumns(normalized)
	if err != nil {
		return domain.Transaction{}, err
	}
	return rec.Transaction, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == name {
			return i
		}
	}
	return -1
}

func parseID(s string) (domain.TxID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: transaction id %q", domain.ErrInvalidInput, s)
	}
	return domain.TxID(n), nil
}
