// Package calibration fits percentile thresholds for the explainable scorer
// from a reference population of feature records.
package calibration

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

var (
	// ErrMissingFeature is returned when a record lacks a column the
	// calibrator needs, such as the 2-hop block after it was skipped.
	ErrMissingFeature = errors.New("calibration: required feature column missing")

	// ErrEmptyPopulation is returned when no record falls in the chosen
	// population, which would leave every threshold undefined.
	ErrEmptyPopulation = errors.New("calibration: empty population")
)

// Options selects the calibration population.
type Options struct {
	// UseKnownOnly restricts the population to rows labeled illicit or licit.
	UseKnownOnly bool
}

// DefaultOptions calibrates on known labels only.
func DefaultOptions() Options {
	return Options{UseKnownOnly: true}
}

// Population returns the domain name of the selected population.
func (o Options) Population() domain.Population {
	if o.UseKnownOnly {
		return domain.PopulationKnown
	}
	return domain.PopulationAll
}

// columns collects the four calibrated feature columns of a population.
// Not-computable ratios are skipped.
type columns struct {
	fanOut []float64
	fanIn  []float64
	exp1   []float64
	exp2   []float64
}

func collect(records []domain.FeatureRecord, opts Options) (*columns, error) {
	cols := &columns{}
	for i := range records {
		r := &records[i]
		if r.TwoHop == nil {
			return nil, fmt.Errorf("%w: %s (tx %d)", ErrMissingFeature, domain.ColIllicitNbrRatio2Hop, r.ID)
		}
		if opts.UseKnownOnly && !r.IsKnown() {
			continue
		}
		cols.fanOut = append(cols.fanOut, float64(r.FanOut1Hop))
		cols.fanIn = append(cols.fanIn, float64(r.FanIn1Hop))
		if v, ok := r.IllicitNbrRatio1Hop.Get(); ok {
			cols.exp1 = append(cols.exp1, v)
		}
		if v, ok := r.TwoHop.IllicitNbrRatio.Get(); ok {
			cols.exp2 = append(cols.exp2, v)
		}
	}
	if len(cols.fanOut) == 0 {
		return nil, fmt.Errorf("%w (population=%s, records=%d)", ErrEmptyPopulation, opts.Population(), len(records))
	}
	return cols, nil
}

// Fit computes the eight p95/p99 thresholds independently per column. Row
// order does not affect the result.
func Fit(records []domain.FeatureRecord, opts Options) (domain.RiskConfig, error) {
	cols, err := collect(records, opts)
	if err != nil {
		return domain.RiskConfig{}, err
	}
	return cols.fit(), nil
}

func (c *columns) fit() domain.RiskConfig {
	fanOut := sortedCopy(c.fanOut)
	fanIn := sortedCopy(c.fanIn)
	exp1 := sortedCopy(c.exp1)
	exp2 := sortedCopy(c.exp2)

	return domain.RiskConfig{
		FanOutP99: percentileSorted(fanOut, 0.99),
		FanOutP95: percentileSorted(fanOut, 0.95),
		FanInP99:  percentileSorted(fanIn, 0.99),
		FanInP95:  percentileSorted(fanIn, 0.95),
		Exp1P99:   ratioPercentile(exp1, 0.99),
		Exp1P95:   ratioPercentile(exp1, 0.95),
		Exp2P99:   ratioPercentile(exp2, 0.99),
		Exp2P95:   ratioPercentile(exp2, 0.95),
	}
}

func ratioPercentile(sorted []float64, p float64) domain.Ratio {
	if len(sorted) == 0 {
		return domain.NotComputable()
	}
	return domain.Computable(percentileSorted(sorted, p))
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// Calibrate fits a RiskConfig and wraps it with population metadata and a
// per-column summary, ready to persist.
func Calibrate(tenantID string, records []domain.FeatureRecord, opts Options) (*domain.Calibration, error) {
	cols, err := collect(records, opts)
	if err != nil {
		return nil, err
	}

	return &domain.Calibration{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Config:         cols.fit(),
		Population:     opts.Population(),
		PopulationSize: len(cols.fanOut),
		Summary: map[string]domain.FeatureSummary{
			domain.ColFanOut1Hop:          summarize(cols.fanOut),
			domain.ColFanIn1Hop:           summarize(cols.fanIn),
			domain.ColIllicitNbrRatio1Hop: summarize(cols.exp1),
			domain.ColIllicitNbrRatio2Hop: summarize(cols.exp2),
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func summarize(values []float64) domain.FeatureSummary {
	s := domain.FeatureSummary{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	return s
}
