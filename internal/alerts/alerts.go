// Package alerts selects and ranks scored records at or above a minimum
// severity.
package alerts

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// ErrUnknownColumn is returned when a requested output column is neither a
// feature/score column nor an input attribute of any alert.
var ErrUnknownColumn = errors.New("alerts: unknown column")

// DefaultColumns is the output column set when none is requested.
var DefaultColumns = []string{
	domain.ColTxID,
	domain.ColTimeStep,
	domain.ColClassName,
	domain.ColRiskScore,
	domain.ColSeverity,
	domain.ColFanIn1Hop,
	domain.ColFanOut1Hop,
	domain.ColNbrCount1Hop,
	domain.ColIllicitNbrCount1Hop,
	domain.ColNbrCount2Hop,
	domain.ColIllicitNbrCount2Hop,
	domain.ColIllicitNbrRatio1Hop,
	domain.ColIllicitNbrRatio2Hop,
	domain.ColAlertReasons,
}

var fixedColumns = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DefaultColumns))
	for _, c := range DefaultColumns {
		m[c] = struct{}{}
	}
	return m
}()

// Filter keeps records whose severity rank is at least minSeverity's and
// orders them by risk_score descending. Ties keep input order. An unknown
// minimum severity is an error.
func Filter(recs []domain.ScoredRecord, minSeverity domain.Severity) ([]domain.ScoredRecord, error) {
	cutoff, err := minSeverity.Rank()
	if err != nil {
		return nil, err
	}

	out := make([]domain.ScoredRecord, 0)
	for _, r := range recs {
		rank, err := r.Severity.Rank()
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", r.ID, err)
		}
		if rank >= cutoff {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RiskScore > out[j].RiskScore
	})
	return out, nil
}

// Project returns each record restricted to cols, in order. nil cols uses
// DefaultColumns. A fixed column absent from a record (2-hop columns after
// 2-hop was skipped) projects as null. An empty table projects to an empty
// result whatever the columns.
func Project(recs []domain.ScoredRecord, cols []string) ([]map[string]any, error) {
	if cols == nil {
		cols = DefaultColumns
	}
	if err := checkColumns(recs, cols); err != nil {
		return nil, err
	}
	return project(recs, cols), nil
}

// checkColumns fails when a column is neither fixed nor an attribute of
// any record in recs.
func checkColumns(recs []domain.ScoredRecord, cols []string) error {
	var attrs map[string]struct{}
	for _, c := range cols {
		if _, ok := fixedColumns[c]; ok {
			continue
		}
		if len(recs) == 0 {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]struct{})
			for _, r := range recs {
				for k := range r.Attributes {
					attrs[k] = struct{}{}
				}
			}
		}
		if _, ok := attrs[c]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, c)
		}
	}
	return nil
}

func project(recs []domain.ScoredRecord, cols []string) []map[string]any {
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		row := r.Columns()
		projected := make(map[string]any, len(cols))
		for _, c := range cols {
			projected[c] = row[c]
		}
		out[i] = projected
	}
	return out
}

// Select filters and projects in one call. Columns are checked against the
// unfiltered records, so an attribute column stays valid when no record
// reaches the cutoff.
func Select(recs []domain.ScoredRecord, minSeverity domain.Severity, cols []string) ([]domain.ScoredRecord, []map[string]any, error) {
	if cols == nil {
		cols = DefaultColumns
	}
	if err := checkColumns(recs, cols); err != nil {
		return nil, nil, err
	}
	filtered, err := Filter(recs, minSeverity)
	if err != nil {
		return nil, nil, err
	}
	return filtered, project(filtered, cols), nil
}
