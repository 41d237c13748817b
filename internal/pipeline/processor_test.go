package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/cache"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/investigate"
	"github.com/opensource-finance/osprey-graph/internal/repository"
	"github.com/opensource-finance/osprey-graph/internal/rules"
	"github.com/opensource-finance/osprey-graph/internal/scoring"
)

const testTenant = "tenant-001"

// testGraph: 1 and 2 are illicit and feed 5, which pays 3 and 4; 3 pays 6.
// Under the fixed policy only 5 crosses the 1-hop exposure cutoff.
func testGraph() *domain.GraphSnapshot {
	return &domain.GraphSnapshot{
		Transactions: []domain.Transaction{
			{ID: 1, Label: domain.LabelIllicit, TimeStep: 1},
			{ID: 2, Label: domain.LabelIllicit, TimeStep: 1},
			{ID: 3, Label: domain.LabelLicit, TimeStep: 2},
			{ID: 4, Label: domain.LabelLicit, TimeStep: 2},
			{ID: 5, Label: domain.LabelUnknown, TimeStep: 2},
			{ID: 6, Label: domain.LabelLicit, TimeStep: 3},
		},
		Edges: []domain.Edge{
			{Src: 1, Dst: 5},
			{Src: 2, Dst: 5},
			{Src: 5, Dst: 3},
			{Src: 5, Dst: 4},
			{Src: 3, Dst: 6},
		},
	}
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestProcessor(t *testing.T, policy domain.ScoringPolicy) (*Processor, domain.Repository, domain.Cache) {
	t.Helper()
	repo := newTestRepo(t)
	c := cache.NewLRUCache(100, time.Minute)

	cfg := domain.DefaultConfig().Scoring
	cfg.Policy = policy
	return NewProcessor(cfg, Deps{Repo: repo, Cache: c}), repo, c
}

func TestRunFixedPolicy(t *testing.T) {
	proc, repo, c := newTestProcessor(t, domain.PolicyFixed)
	ctx := context.Background()

	res, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: testGraph(), TraceID: "trace-001"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Calibration != nil {
		t.Error("fixed policy should not calibrate")
	}
	if res.Run.Records != 6 {
		t.Errorf("expected 6 records, got %d", res.Run.Records)
	}
	if res.Run.Metadata.TraceID != "trace-001" {
		t.Errorf("expected trace id to be recorded, got %q", res.Run.Metadata.TraceID)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].ID != 5 {
		t.Fatalf("expected a single alert for tx 5, got %+v", res.Alerts)
	}
	alert := res.Alerts[0]
	if alert.RiskScore != 3 || alert.Severity != domain.SeverityMedium {
		t.Errorf("expected score 3 (medium), got %d (%s)", alert.RiskScore, alert.Severity)
	}
	if len(alert.AlertReasons) != 1 || alert.AlertReasons[0] != scoring.ReasonFixedExp1 {
		t.Errorf("unexpected reasons %v", alert.AlertReasons)
	}
	if len(res.Rows) != 1 || res.Rows[0][domain.ColTxID] != int64(5) {
		t.Errorf("unexpected projected rows %v", res.Rows)
	}

	total := 0
	for _, n := range res.Run.BySeverity {
		total += n
	}
	if total != 6 {
		t.Errorf("expected severity counts to sum to 6, got %d", total)
	}

	t.Run("Persisted", func(t *testing.T) {
		stored, err := repo.GetRun(ctx, testTenant, res.Run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if stored.Alerts != 1 || stored.Policy != string(domain.PolicyFixed) {
			t.Errorf("unexpected stored run %+v", stored)
		}

		all, err := repo.ListScoredRecords(ctx, testTenant)
		if err != nil {
			t.Fatalf("ListScoredRecords failed: %v", err)
		}
		if len(all) != 6 {
			t.Errorf("expected 6 stored records, got %d", len(all))
		}

		if _, err := repo.GetGraph(ctx, testTenant); err != nil {
			t.Errorf("expected inline graph to be saved: %v", err)
		}
	})

	t.Run("AlertCached", func(t *testing.T) {
		rec, err := c.GetScoredRecord(ctx, testTenant, 5)
		if err != nil {
			t.Fatalf("GetScoredRecord failed: %v", err)
		}
		if rec == nil || rec.RiskScore != 3 {
			t.Errorf("expected tx 5 in cache, got %+v", rec)
		}
	})
}

func TestRunPercentilePolicy(t *testing.T) {
	proc, repo, c := newTestProcessor(t, domain.PolicyPercentile)
	ctx := context.Background()

	res, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: testGraph(), MinSeverity: domain.SeverityLow})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Calibration == nil {
		t.Fatal("expected a calibration")
	}
	if res.Run.CalibrationID != res.Calibration.ID {
		t.Errorf("expected run to reference calibration %s, got %s", res.Calibration.ID, res.Run.CalibrationID)
	}
	if res.Calibration.Population != domain.PopulationKnown || res.Calibration.PopulationSize != 5 {
		t.Errorf("expected known population of 5, got %s/%d", res.Calibration.Population, res.Calibration.PopulationSize)
	}
	if len(res.Alerts) != 6 {
		t.Errorf("min severity low should keep every record, got %d", len(res.Alerts))
	}
	for i := 1; i < len(res.Alerts); i++ {
		if res.Alerts[i].RiskScore > res.Alerts[i-1].RiskScore {
			t.Errorf("alerts not sorted by risk score at %d", i)
		}
	}

	stored, err := repo.GetLatestCalibration(ctx, testTenant)
	if err != nil {
		t.Fatalf("GetLatestCalibration failed: %v", err)
	}
	if stored.ID != res.Calibration.ID {
		t.Errorf("expected stored calibration %s, got %s", res.Calibration.ID, stored.ID)
	}

	cached, err := c.GetRiskConfig(ctx, testTenant)
	if err != nil || cached == nil {
		t.Fatalf("expected cached calibration, got %v (%v)", cached, err)
	}
	if cached.ID != res.Calibration.ID {
		t.Errorf("expected cached calibration %s, got %s", res.Calibration.ID, cached.ID)
	}
}

func TestRunWithoutTwoHopCannotCalibrate(t *testing.T) {
	proc, _, _ := newTestProcessor(t, domain.PolicyPercentile)
	off := false

	_, err := proc.Run(context.Background(), RunInput{TenantID: testTenant, Graph: testGraph(), Compute2Hop: &off})
	if err == nil {
		t.Fatal("expected calibration to fail without 2-hop features")
	}
}

func TestRunExpressionPolicy(t *testing.T) {
	repo := newTestRepo(t)
	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	err = engine.LoadRule(&domain.RuleConfig{
		ID:         "wide-neighborhood",
		Name:       "Wide neighborhood",
		Expression: "nbr_count_1hop >= 4",
		Delta:      5,
		Reason:     "Touches {nbr_count_1hop} transactions",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("LoadRule failed: %v", err)
	}

	cfg := domain.DefaultConfig().Scoring
	cfg.Policy = domain.PolicyExpression
	proc := NewProcessor(cfg, Deps{Repo: repo, Engine: engine})

	res, err := proc.Run(context.Background(), RunInput{TenantID: testTenant, Graph: testGraph()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].ID != 5 {
		t.Fatalf("expected a single alert for tx 5, got %+v", res.Alerts)
	}
	if res.Alerts[0].Severity != domain.SeverityHigh {
		t.Errorf("expected high severity, got %s", res.Alerts[0].Severity)
	}
	if got := res.Alerts[0].AlertReasons; len(got) != 1 || got[0] != "Touches 4 transactions" {
		t.Errorf("unexpected reasons %v", got)
	}
}

func TestRunErrors(t *testing.T) {
	proc, _, _ := newTestProcessor(t, domain.PolicyFixed)
	ctx := context.Background()

	t.Run("NoTenant", func(t *testing.T) {
		_, err := proc.Run(ctx, RunInput{Graph: testGraph()})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NoStoredGraph", func(t *testing.T) {
		_, err := proc.Run(ctx, RunInput{TenantID: "empty-tenant"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UnknownSeverity", func(t *testing.T) {
		_, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: testGraph(), MinSeverity: "severe"})
		if !errors.Is(err, domain.ErrUnknownSeverity) {
			t.Errorf("expected ErrUnknownSeverity, got %v", err)
		}
	})
}

func TestScoreUsesLatestCalibration(t *testing.T) {
	proc, _, _ := newTestProcessor(t, domain.PolicyPercentile)
	ctx := context.Background()

	records := proc.Features(ctx, testGraph())

	if _, _, err := proc.Score(ctx, testTenant, nil, records); !errors.Is(err, scoring.ErrNoCalibration) {
		t.Fatalf("expected ErrNoCalibration before calibrating, got %v", err)
	}

	cal, err := proc.Calibrate(ctx, testTenant, records)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}

	scored, used, err := proc.Score(ctx, testTenant, nil, records)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if used == nil || used.ID != cal.ID {
		t.Errorf("expected latest calibration %s to be used", cal.ID)
	}
	if len(scored) != len(records) {
		t.Errorf("expected %d scored records, got %d", len(records), len(scored))
	}
}

func TestEvidenceAndInvestigate(t *testing.T) {
	proc, _, _ := newTestProcessor(t, domain.PolicyFixed)
	ctx := context.Background()

	if _, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: testGraph()}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	t.Run("Evidence", func(t *testing.T) {
		ev, err := proc.Evidence(ctx, testTenant, 5, 0)
		if err != nil {
			t.Fatalf("Evidence failed: %v", err)
		}
		if len(ev.Neighbors.OneHop) != 2 || ev.Neighbors.OneHop[0] != 1 || ev.Neighbors.OneHop[1] != 2 {
			t.Errorf("expected illicit 1-hop neighbors [1 2], got %v", ev.Neighbors.OneHop)
		}
		if len(ev.Neighbors.TwoHop) != 0 {
			t.Errorf("expected no illicit 2-hop neighbors, got %v", ev.Neighbors.TwoHop)
		}
		if len(ev.Typologies) != 1 || ev.Typologies[0] != domain.TypologyUnknown {
			t.Errorf("expected unknown typology, got %v", ev.Typologies)
		}
		if ev.Payload.TxID != "5" || ev.Payload.AlertID == "" {
			t.Errorf("unexpected payload %+v", ev.Payload)
		}
		if v, ok := ev.Payload.IllicitNbrRatio1Hop.Get(); !ok || v != 0.5 {
			t.Errorf("expected 1-hop ratio 0.5, got %v", ev.Payload.IllicitNbrRatio1Hop)
		}
	})

	t.Run("EvidenceNotFound", func(t *testing.T) {
		_, err := proc.Evidence(ctx, testTenant, 999, 0)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Investigate", func(t *testing.T) {
		inv := investigate.NewRuleBased(investigate.DefaultLibrary(), rules.TypologyThresholds{})
		report, err := proc.Investigate(ctx, testTenant, 5, inv)
		if err != nil {
			t.Fatalf("Investigate failed: %v", err)
		}
		if report.TxID != "5" {
			t.Errorf("expected report for tx 5, got %s", report.TxID)
		}
		if err := report.Validate(); err != nil {
			t.Errorf("report should validate: %v", err)
		}
	})

	t.Run("NoInvestigator", func(t *testing.T) {
		_, err := proc.Investigate(ctx, testTenant, 5, nil)
		if !errors.Is(err, investigate.ErrUnknownInvestigator) {
			t.Errorf("expected ErrUnknownInvestigator, got %v", err)
		}
	})
}

func TestRerunRefreshesCachedScores(t *testing.T) {
	proc, _, _ := newTestProcessor(t, domain.PolicyFixed)
	ctx := context.Background()

	if _, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: testGraph()}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	first, err := proc.ScoredRecord(ctx, testTenant, 5)
	if err != nil {
		t.Fatalf("ScoredRecord failed: %v", err)
	}
	if first.RiskScore != 3 || first.Severity != domain.SeverityMedium {
		t.Fatalf("expected tx 5 at 3/medium, got %d/%s", first.RiskScore, first.Severity)
	}
	// Reads through the repository also populate the cache.
	if _, err := proc.ScoredRecord(ctx, testTenant, 6); err != nil {
		t.Fatalf("ScoredRecord(6) failed: %v", err)
	}

	t.Run("RelabelledGraph", func(t *testing.T) {
		g := testGraph()
		g.Transactions[0].Label = domain.LabelLicit
		g.Transactions[1].Label = domain.LabelLicit
		res, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: g})
		if err != nil {
			t.Fatalf("second Run failed: %v", err)
		}
		if len(res.Alerts) != 0 {
			t.Fatalf("expected no alerts after relabelling, got %d", len(res.Alerts))
		}

		got, err := proc.ScoredRecord(ctx, testTenant, 5)
		if err != nil {
			t.Fatalf("ScoredRecord failed: %v", err)
		}
		if got.RiskScore != 0 || got.Severity != domain.SeverityLow || len(got.AlertReasons) != 0 {
			t.Errorf("expected rescored tx 5 at 0/low without reasons, got %d/%s %v", got.RiskScore, got.Severity, got.AlertReasons)
		}
	})

	t.Run("DroppedTransaction", func(t *testing.T) {
		g := testGraph()
		g.Transactions = g.Transactions[:5]
		g.Edges = g.Edges[:4]
		if _, err := proc.Run(ctx, RunInput{TenantID: testTenant, Graph: g}); err != nil {
			t.Fatalf("third Run failed: %v", err)
		}

		_, err := proc.ScoredRecord(ctx, testTenant, 6)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for tx 6 after it left the graph, got %v", err)
		}
	})
}
