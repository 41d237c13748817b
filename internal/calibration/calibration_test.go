package calibration

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

func record(id domain.TxID, label string, fanOut, fanIn int, exp1, exp2 domain.Ratio) domain.FeatureRecord {
	return domain.FeatureRecord{
		Transaction:         domain.Transaction{ID: id, Label: label},
		FanOut1Hop:          fanOut,
		FanIn1Hop:           fanIn,
		IllicitNbrRatio1Hop: exp1,
		TwoHop:              &domain.TwoHopExposure{IllicitNbrRatio: exp2},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPercentileLinearInterpolation(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"single", []float64{4}, 0.99, 4},
		{"two values p95", []float64{0, 10}, 0.95, 9.5},
		{"one to ten p95", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.95, 9.55},
		{"one to ten p99", []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, 0.99, 9.91},
		{"exact rank", []float64{1, 2, 3, 4, 5}, 0.5, 3},
		{"p zero", []float64{3, 1, 2}, 0, 1},
		{"p one", []float64{3, 1, 2}, 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percentile(tt.values, tt.p)
			if !almostEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if !math.IsNaN(Percentile(nil, 0.5)) {
		t.Error("expected NaN for empty input")
	}
}

func TestPercentileDoesNotMutate(t *testing.T) {
	values := []float64{3, 1, 2}
	Percentile(values, 0.5)
	if values[0] != 3 || values[1] != 1 || values[2] != 2 {
		t.Errorf("expected input untouched, got %v", values)
	}
}

func TestFitKnownOnly(t *testing.T) {
	var recs []domain.FeatureRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, record(domain.TxID(i), domain.LabelLicit, i+1, 0, domain.Computable(0), domain.Computable(0)))
	}
	// Unknown rows with huge values must not move known-only thresholds.
	recs = append(recs, record(100, domain.LabelUnknown, 1000, 1000, domain.Computable(1), domain.Computable(1)))
	recs = append(recs, record(101, "", 1000, 1000, domain.Computable(1), domain.Computable(1)))

	cfg, err := Fit(recs, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(cfg.FanOutP95, 9.55) {
		t.Errorf("expected fan_out p95 9.55, got %v", cfg.FanOutP95)
	}
	if !almostEqual(cfg.FanOutP99, 9.91) {
		t.Errorf("expected fan_out p99 9.91, got %v", cfg.FanOutP99)
	}
	if v, ok := cfg.Exp1P99.Get(); !ok || v != 0 {
		t.Errorf("expected exp1 p99 0, got %v", cfg.Exp1P99)
	}

	all, err := Fit(recs, Options{UseKnownOnly: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all.FanOutP99 <= cfg.FanOutP99 {
		t.Errorf("expected full population p99 above known-only, got %v <= %v", all.FanOutP99, cfg.FanOutP99)
	}
}

func TestFitSkipsNotComputable(t *testing.T) {
	recs := []domain.FeatureRecord{
		record(1, domain.LabelLicit, 1, 1, domain.NotComputable(), domain.NotComputable()),
		record(2, domain.LabelLicit, 1, 1, domain.Computable(0.5), domain.NotComputable()),
		record(3, domain.LabelIllicit, 1, 1, domain.NotComputable(), domain.NotComputable()),
	}

	cfg, err := Fit(recs, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := cfg.Exp1P95.Get(); !ok || v != 0.5 {
		t.Errorf("expected exp1 p95 0.5 from the single computable value, got %v", cfg.Exp1P95)
	}
	if cfg.Exp2P95.IsComputable() || cfg.Exp2P99.IsComputable() {
		t.Error("expected exp2 thresholds not computable with no computable values")
	}
}

func TestFitMissingTwoHop(t *testing.T) {
	recs := []domain.FeatureRecord{
		{Transaction: domain.Transaction{ID: 1, Label: domain.LabelLicit}, IllicitNbrRatio1Hop: domain.Computable(0)},
	}
	_, err := Fit(recs, DefaultOptions())
	if !errors.Is(err, ErrMissingFeature) {
		t.Errorf("expected ErrMissingFeature, got %v", err)
	}
}

func TestFitEmptyPopulation(t *testing.T) {
	recs := []domain.FeatureRecord{
		record(1, domain.LabelUnknown, 1, 1, domain.Computable(0), domain.Computable(0)),
	}
	_, err := Fit(recs, DefaultOptions())
	if !errors.Is(err, ErrEmptyPopulation) {
		t.Errorf("expected ErrEmptyPopulation, got %v", err)
	}
}

func TestFitOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var recs []domain.FeatureRecord
	for i := 0; i < 500; i++ {
		label := domain.LabelLicit
		if rng.Intn(5) == 0 {
			label = domain.LabelIllicit
		}
		exp1 := domain.Computable(rng.Float64())
		if rng.Intn(4) == 0 {
			exp1 = domain.NotComputable()
		}
		recs = append(recs, record(domain.TxID(i), label, rng.Intn(50), rng.Intn(50), exp1, domain.Computable(rng.Float64())))
	}

	want, err := Fit(recs, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for trial := 0; trial < 5; trial++ {
		rng.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
		got, err := Fit(recs, DefaultOptions())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("expected identical config after shuffle, got %+v vs %+v", got, want)
		}
	}
}

func TestCalibrateSummary(t *testing.T) {
	recs := []domain.FeatureRecord{
		record(1, domain.LabelLicit, 2, 1, domain.Computable(0.2), domain.Computable(0)),
		record(2, domain.LabelIllicit, 4, 3, domain.Computable(0.4), domain.NotComputable()),
	}

	cal, err := Calibrate("tenant-1", recs, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cal.ID == "" {
		t.Error("expected calibration id")
	}
	if cal.Population != domain.PopulationKnown {
		t.Errorf("expected known population, got %s", cal.Population)
	}
	if cal.PopulationSize != 2 {
		t.Errorf("expected population size 2, got %d", cal.PopulationSize)
	}

	fanOut := cal.Summary[domain.ColFanOut1Hop]
	if fanOut.Mean != 3 || fanOut.Min != 2 || fanOut.Max != 4 {
		t.Errorf("unexpected fan_out summary: %+v", fanOut)
	}
	if !almostEqual(fanOut.StdDev, math.Sqrt2) {
		t.Errorf("expected sample std dev sqrt(2), got %v", fanOut.StdDev)
	}
	if exp2 := cal.Summary[domain.ColIllicitNbrRatio2Hop]; exp2.Count != 1 || exp2.StdDev != 0 {
		t.Errorf("expected one exp2 value with zero std dev, got %+v", exp2)
	}
}
