package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "osprey-graph-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleGraph() *domain.GraphSnapshot {
	return &domain.GraphSnapshot{
		Transactions: []domain.Transaction{
			{ID: 1, Label: domain.LabelIllicit, TimeStep: 1, Attributes: map[string]any{"local_feature_1": 0.5}},
			{ID: 2, Label: domain.LabelLicit, TimeStep: 1},
			{ID: 3, TimeStep: 2},
		},
		Edges: []domain.Edge{{Src: 1, Dst: 2}, {Src: 2, Dst: 3}, {Src: 1, Dst: 2}, {Src: 3, Dst: 3}},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetGraph", func(t *testing.T) {
		if err := repo.SaveGraph(ctx, tenantID, sampleGraph()); err != nil {
			t.Fatalf("SaveGraph failed: %v", err)
		}

		g, err := repo.GetGraph(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetGraph failed: %v", err)
		}
		if len(g.Transactions) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(g.Transactions))
		}
		if g.Transactions[2].Label != "" {
			t.Errorf("expected empty label for unlabeled tx, got %q", g.Transactions[2].Label)
		}
		if g.Transactions[0].Attributes["local_feature_1"] != 0.5 {
			t.Errorf("expected attribute to round-trip, got %v", g.Transactions[0].Attributes)
		}
		want := sampleGraph().Edges
		if len(g.Edges) != len(want) {
			t.Fatalf("expected %d edges including duplicates, got %d", len(want), len(g.Edges))
		}
		for i := range want {
			if g.Edges[i] != want[i] {
				t.Errorf("edge %d: expected %v, got %v", i, want[i], g.Edges[i])
			}
		}
	})

	t.Run("SaveGraphReplaces", func(t *testing.T) {
		small := &domain.GraphSnapshot{
			Transactions: []domain.Transaction{{ID: 9, Label: domain.LabelLicit}},
			Edges:        []domain.Edge{},
		}
		if err := repo.SaveGraph(ctx, tenantID, small); err != nil {
			t.Fatalf("SaveGraph failed: %v", err)
		}
		g, _ := repo.GetGraph(ctx, tenantID)
		if len(g.Transactions) != 1 || len(g.Edges) != 0 {
			t.Errorf("expected replaced graph, got %d txs and %d edges", len(g.Transactions), len(g.Edges))
		}
	})

	t.Run("GraphTenantIsolation", func(t *testing.T) {
		if _, err := repo.GetGraph(ctx, "tenant-002"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Calibration", func(t *testing.T) {
		if _, err := repo.GetLatestCalibration(ctx, tenantID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound before save, got %v", err)
		}

		older := &domain.Calibration{
			ID:         "cal-1",
			Config:     domain.RiskConfig{FanOutP99: 1},
			Population: domain.PopulationKnown,
			CreatedAt:  time.Now().Add(-time.Hour),
		}
		newer := &domain.Calibration{
			ID: "cal-2",
			Config: domain.RiskConfig{
				FanOutP99: 12, FanOutP95: 4, FanInP99: 10, FanInP95: 3,
				Exp1P99: domain.Computable(0.5), Exp1P95: domain.Computable(0.25),
			},
			Population:     domain.PopulationAll,
			PopulationSize: 40,
			Summary:        map[string]domain.FeatureSummary{"fan_out_1hop": {Count: 40, Mean: 2}},
			CreatedAt:      time.Now(),
		}
		for _, c := range []*domain.Calibration{older, newer} {
			if err := repo.SaveCalibration(ctx, tenantID, c); err != nil {
				t.Fatalf("SaveCalibration failed: %v", err)
			}
		}

		got, err := repo.GetLatestCalibration(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetLatestCalibration failed: %v", err)
		}
		if got.ID != "cal-2" {
			t.Errorf("expected latest calibration cal-2, got %s", got.ID)
		}
		if v, ok := got.Config.Exp1P95.Get(); !ok || v != 0.25 {
			t.Errorf("expected exp1_p95 0.25, got %v", got.Config.Exp1P95)
		}
		if got.Config.Exp2P99.IsComputable() {
			t.Error("expected NULL threshold to load as not computable")
		}
		if got.Summary["fan_out_1hop"].Count != 40 {
			t.Errorf("expected summary to round-trip, got %v", got.Summary)
		}
	})

	t.Run("ScoredRecords", func(t *testing.T) {
		recs := []domain.ScoredRecord{
			{
				FeatureRecord: domain.FeatureRecord{
					Transaction:         domain.Transaction{ID: 5, Label: domain.LabelLicit, TimeStep: 3},
					FanIn1Hop:           2,
					IllicitNbrRatio1Hop: domain.Computable(0.5),
					TwoHop:              &domain.TwoHopExposure{NbrCount: 4, IllicitNbrRatio: domain.NotComputable()},
				},
				RiskScore:    3,
				AlertReasons: []string{"Direct exposure to illicit transactions"},
				Severity:     domain.SeverityMedium,
			},
			{
				FeatureRecord: domain.FeatureRecord{Transaction: domain.Transaction{ID: 4}},
				Severity:      domain.SeverityLow,
			},
		}

		if err := repo.SaveScoredRecords(ctx, tenantID, "run-1", recs); err != nil {
			t.Fatalf("SaveScoredRecords failed: %v", err)
		}

		got, err := repo.GetScoredRecord(ctx, tenantID, 5)
		if err != nil {
			t.Fatalf("GetScoredRecord failed: %v", err)
		}
		if got.RiskScore != 3 || got.Severity != domain.SeverityMedium {
			t.Errorf("unexpected record %+v", got)
		}
		if got.TwoHop == nil || got.TwoHop.NbrCount != 4 || got.TwoHop.IllicitNbrRatio.IsComputable() {
			t.Errorf("expected 2-hop block to round-trip, got %+v", got.TwoHop)
		}

		list, err := repo.ListScoredRecords(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListScoredRecords failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != 4 {
			t.Errorf("expected 2 records ordered by txId, got %d", len(list))
		}

		if _, err := repo.GetScoredRecord(ctx, "tenant-002", 5); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other tenant, got %v", err)
		}
	})

	t.Run("Run", func(t *testing.T) {
		run := &domain.Run{
			ID:            "run-1",
			Policy:        "percentile",
			CalibrationID: "cal-2",
			MinSeverity:   domain.SeverityMedium,
			Records:       2,
			Alerts:        1,
			BySeverity:    map[domain.Severity]int{domain.SeverityMedium: 1, domain.SeverityLow: 1},
			Timestamp:     time.Now(),
			Metadata:      domain.RunMetadata{TraceID: "trace-1", TotalMs: 12, Compute2Hop: true},
		}
		if err := repo.SaveRun(ctx, tenantID, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		got, err := repo.GetRun(ctx, tenantID, "run-1")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.BySeverity[domain.SeverityMedium] != 1 || got.Metadata.TraceID != "trace-1" {
			t.Errorf("unexpected run %+v", got)
		}

		if _, err := repo.GetRun(ctx, tenantID, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rules := []*domain.RuleConfig{
			{ID: "r-late", Name: "late", Version: "1.0.0", Expression: "fan_in_1hop > 5", Delta: 1, Reason: "late", Priority: 20, Enabled: true},
			{ID: "r-early", Name: "early", Version: "1.0.0", Expression: "fan_out_1hop > 5", Delta: 2, Reason: "early", Priority: 10, Enabled: true},
			{ID: "r-off", Name: "off", Version: "1.0.0", Expression: "true", Delta: 1, Reason: "off", Enabled: false},
		}
		for _, r := range rules {
			if err := repo.SaveRuleConfig(ctx, tenantID, r); err != nil {
				t.Fatalf("SaveRuleConfig failed: %v", err)
			}
		}

		list, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 enabled rules, got %d", len(list))
		}
		if list[0].ID != "r-early" {
			t.Errorf("expected priority order, got %s first", list[0].ID)
		}

		got, err := repo.GetRuleConfig(ctx, tenantID, "r-late")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Delta != 1 || got.Priority != 20 {
			t.Errorf("unexpected rule %+v", got)
		}

		// Upsert on the same version.
		rules[0].Delta = 4
		if err := repo.SaveRuleConfig(ctx, tenantID, rules[0]); err != nil {
			t.Fatalf("SaveRuleConfig upsert failed: %v", err)
		}
		got, _ = repo.GetRuleConfig(ctx, tenantID, "r-late")
		if got.Delta != 4 {
			t.Errorf("expected updated delta 4, got %d", got.Delta)
		}

		if _, err := repo.GetRuleConfig(ctx, tenantID, "r-off"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for disabled rule, got %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveGraph(ctx, "", sampleGraph()); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListScoredRecords(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.SaveGraph(ctx, "t", sampleGraph()); err != nil {
		t.Fatalf("SaveGraph failed: %v", err)
	}
	g, err := repo.GetGraph(ctx, "t")
	if err != nil || len(g.Edges) != 4 {
		t.Errorf("expected graph in memory, got %v (%v)", g, err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres rebind: %s", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("unexpected sqlite rebind: %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "osprey"})
		expected := "host='localhost' port='5432' user='osprey' dbname='osprey_graph' sslmode='disable' application_name='osprey-graph' connect_timeout='10'"
		if dsn != expected {
			t.Errorf("expected %s, got %s", expected, dsn)
		}
	})

	t.Run("QuotesPassword", func(t *testing.T) {
		dsn := postgresDSN(domain.RepositoryConfig{
			PostgresHost:     "db",
			PostgresPort:     6543,
			PostgresUser:     "osprey",
			PostgresPassword: `it's a s\ecret`,
			PostgresSSLMode:  "require",
		})
		if !strings.Contains(dsn, `password='it\'s a s\\ecret'`) {
			t.Errorf("expected escaped password, got %s", dsn)
		}
		if !strings.Contains(dsn, "port='6543'") || !strings.Contains(dsn, "sslmode='require'") {
			t.Errorf("expected explicit port and sslmode, got %s", dsn)
		}
	})
}
