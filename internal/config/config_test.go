package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OSPREY_TIER", "")
	t.Setenv("OSPREY_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Scoring.Policy != domain.PolicyPercentile {
		t.Errorf("expected percentile policy, got %s", cfg.Scoring.Policy)
	}
	if !cfg.Scoring.UseKnownOnly || !cfg.Scoring.Compute2Hop {
		t.Error("expected known-only calibration with 2-hop features by default")
	}
	if cfg.Scoring.MinSeverity != domain.SeverityMedium {
		t.Errorf("expected min severity medium, got %s", cfg.Scoring.MinSeverity)
	}
}

func TestLoadProTierWithEnvOverrides(t *testing.T) {
	t.Setenv("OSPREY_TIER", "pro")
	t.Setenv("OSPREY_CONFIG", "")
	t.Setenv("OSPREY_POLICY", "fixed")
	t.Setenv("OSPREY_COMPUTE_2HOP", "false")
	t.Setenv("OSPREY_PORT", "9090")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro components, got %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
	}
	if cfg.Scoring.Policy != domain.PolicyFixed {
		t.Errorf("expected fixed policy, got %s", cfg.Scoring.Policy)
	}
	if cfg.Scoring.Compute2Hop {
		t.Error("expected 2-hop disabled")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Investigator.APIKey != "sk-test" {
		t.Error("expected API key from environment")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osprey.yaml")
	content := `
scoring:
  policy: expression
  minSeverity: high
  topK: 3
  fixed:
    fanOut: 30
repository:
  sqlitePath: /tmp/graph.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OSPREY_TIER", "")
	t.Setenv("OSPREY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scoring.Policy != domain.PolicyExpression {
		t.Errorf("expected expression policy, got %s", cfg.Scoring.Policy)
	}
	if cfg.Scoring.MinSeverity != domain.SeverityHigh || cfg.Scoring.TopK != 3 {
		t.Errorf("unexpected scoring config %+v", cfg.Scoring)
	}
	if cfg.Scoring.Fixed.FanOut != 30 || cfg.Scoring.Fixed.FanIn != 20 {
		t.Errorf("expected partial override of fixed thresholds, got %+v", cfg.Scoring.Fixed)
	}
	if cfg.Repository.SQLitePath != "/tmp/graph.db" {
		t.Errorf("expected sqlite path from file, got %s", cfg.Repository.SQLitePath)
	}
	if !cfg.Scoring.UseKnownOnly {
		t.Error("expected defaults to survive for keys absent from the file")
	}
}

func TestValidate(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Scoring.Policy = "random"
	if err := Validate(cfg); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	cfg = domain.DefaultConfig()
	cfg.Scoring.MinSeverity = "severe"
	if err := Validate(cfg); !errors.Is(err, domain.ErrUnknownSeverity) {
		t.Errorf("expected ErrUnknownSeverity, got %v", err)
	}

	cfg = domain.DefaultConfig()
	cfg.Scoring.Workers = 0
	if err := Validate(cfg); err != nil || cfg.Scoring.Workers != 1 {
		t.Errorf("expected workers clamped to 1, got %d (%v)", cfg.Scoring.Workers, err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}
