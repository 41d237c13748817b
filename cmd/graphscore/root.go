package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/osprey-graph/internal/cache"
	"github.com/opensource-finance/osprey-graph/internal/config"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/ingest"
	"github.com/opensource-finance/osprey-graph/internal/pipeline"
	"github.com/opensource-finance/osprey-graph/internal/repository"
	"github.com/opensource-finance/osprey-graph/internal/rules"
)

// cliTenant is the tenant every local run is stored under.
const cliTenant = "local"

// options are the flags shared by every subcommand.
type options struct {
	paths       ingest.Paths
	policy      string
	minSeverity string
	twoHop      bool
	knownOnly   bool
	rulesFile   string
	dbPath      string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "graphscore",
		Short: "Graph-exposure scoring for transaction networks",
		Long: `graphscore computes 1-hop and strict 2-hop illicit exposure features over
a transaction graph, scores every transaction and prints alerts.

Input files:
  --edges     CSV with a txId1,txId2 header (one directed edge per row)
  --classes   CSV with a txId,class header (1 illicit, 2 licit, else unknown)
  --features  optional headerless CSV whose first two columns are txId and time step

Examples:
  graphscore run --edges edges.csv --classes classes.csv
  graphscore run --edges edges.csv --classes classes.csv --policy fixed --min-severity high
  graphscore evidence --edges edges.csv --classes classes.csv --tx 230425980 --investigate
  graphscore benchmark --edges edges.csv --classes classes.csv --features features.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.paths.Edges, "edges", "", "edge list CSV (txId1,txId2)")
	pf.StringVar(&opts.paths.Classes, "classes", "", "class labels CSV (txId,class)")
	pf.StringVar(&opts.paths.Features, "features", "", "headerless features CSV carrying time steps")
	pf.StringVar(&opts.policy, "policy", "", "scoring policy: percentile, fixed or expression")
	pf.StringVar(&opts.minSeverity, "min-severity", "", "lowest severity reported as an alert")
	pf.BoolVar(&opts.twoHop, "two-hop", true, "compute strict 2-hop exposure")
	pf.BoolVar(&opts.knownOnly, "known-only", true, "calibrate on labelled transactions only")
	pf.StringVar(&opts.rulesFile, "rules", "", "YAML file of expression rules (default: builtin fixed cutoffs)")
	pf.StringVar(&opts.dbPath, "db", ":memory:", "SQLite file that keeps graph, calibration and scores")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline progress to stderr")

	root.AddCommand(
		newRunCmd(opts),
		newEvidenceCmd(opts),
		newBenchmarkCmd(opts),
	)
	return root
}

// session is a processor wired to a local SQLite repository and LRU cache.
type session struct {
	cfg       *domain.Config
	processor *pipeline.Processor
	repo      domain.Repository
	graph     *domain.GraphSnapshot
}

func (s *session) Close() error {
	return s.repo.Close()
}

// open loads configuration, applies the flags the user set and reads the
// graph files.
func (o *options) open(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if o.policy != "" {
		cfg.Scoring.Policy = domain.ScoringPolicy(o.policy)
	}
	if o.minSeverity != "" {
		cfg.Scoring.MinSeverity = domain.Severity(o.minSeverity)
	}
	if flags.Changed("two-hop") {
		cfg.Scoring.Compute2Hop = o.twoHop
	}
	if flags.Changed("known-only") {
		cfg.Scoring.UseKnownOnly = o.knownOnly
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	level := "warn"
	if o.verbose {
		level = "info"
	}
	logger := config.NewLoggerTo(cmd.ErrOrStderr(), domain.LoggingConfig{Level: level, Format: "text"})
	slog.SetDefault(logger)

	graph, err := ingest.LoadGraph(o.paths)
	if err != nil {
		return nil, err
	}

	engine, err := rules.NewEngine(cfg.Scoring.Workers)
	if err != nil {
		return nil, err
	}
	ruleConfigs := rules.BuiltinRules()
	if o.rulesFile != "" {
		if ruleConfigs, err = loadRules(o.rulesFile); err != nil {
			return nil, err
		}
	}
	if err := engine.LoadRules(ruleConfigs); err != nil {
		return nil, err
	}

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: o.dbPath})
	if err != nil {
		return nil, err
	}

	processor := pipeline.NewProcessor(cfg.Scoring, pipeline.Deps{
		Repo:   repo,
		Cache:  cache.NewLRUCache(10000, time.Hour),
		Engine: engine,
		Logger: logger,
	})

	return &session{cfg: cfg, processor: processor, repo: repo, graph: graph}, nil
}

// run executes the full pipeline over the loaded graph.
func (s *session) run(ctx context.Context, columns []string) (*pipeline.Result, error) {
	return s.processor.Run(ctx, pipeline.RunInput{
		TenantID: cliTenant,
		Graph:    s.graph,
		Columns:  columns,
	})
}

// loadRules reads a YAML list of rules. Rules without an explicit enabled
// field are skipped by the engine.
func loadRules(path string) ([]*domain.RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var doc struct {
		Rules []*domain.RuleConfig `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
