// Package pipeline runs the end-to-end scoring pass for a tenant: features,
// calibration, scoring and alert selection, with persistence, caching and
// investigation around the pure core.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/osprey-graph/internal/alerts"
	"github.com/opensource-finance/osprey-graph/internal/calibration"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/graph"
	"github.com/opensource-finance/osprey-graph/internal/metrics"
	"github.com/opensource-finance/osprey-graph/internal/rules"
	"github.com/opensource-finance/osprey-graph/internal/scoring"
)

// Cache lifetimes.
const (
	RiskConfigTTL   = time.Hour
	ScoredRecordTTL = 30 * time.Minute
)

// ErrNoGraph is returned when a run needs the stored graph and the tenant
// has none. It matches domain.ErrNotFound.
var ErrNoGraph = fmt.Errorf("pipeline: no graph stored for tenant: %w", domain.ErrNotFound)

var tracer = otel.Tracer("osprey-graph-pipeline")

// Deps are the optional collaborators of a Processor. A nil repository or
// cache disables persistence or caching; Engine is required only for the
// expression policy.
type Deps struct {
	Repo   domain.Repository
	Cache  domain.Cache
	Engine *rules.Engine
	Logger *slog.Logger
}

// Processor orchestrates scoring runs.
type Processor struct {
	cfg    domain.ScoringConfig
	repo   domain.Repository
	cache  domain.Cache
	engine *rules.Engine
	logger *slog.Logger
}

// NewProcessor creates a processor for the given scoring configuration.
func NewProcessor(cfg domain.ScoringConfig, deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = domain.DefaultLabelColumn
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = domain.SeverityMedium
	}
	return &Processor{
		cfg:    cfg,
		repo:   deps.Repo,
		cache:  deps.Cache,
		engine: deps.Engine,
		logger: logger,
	}
}

// Config returns the processor's scoring configuration.
func (p *Processor) Config() domain.ScoringConfig {
	return p.cfg
}

// RunInput parameterises one run. Zero values fall back to the processor
// configuration.
type RunInput struct {
	TenantID string
	TraceID  string

	// Graph is scored instead of the stored snapshot when set. It is saved
	// as the tenant's snapshot when a repository is configured.
	Graph *domain.GraphSnapshot

	Policy      domain.ScoringPolicy
	MinSeverity domain.Severity
	Columns     []string

	// Compute2Hop overrides the configured 2-hop switch when non-nil.
	Compute2Hop *bool
}

// Result is the outcome of a run.
type Result struct {
	Run         *domain.Run           `json:"run"`
	Calibration *domain.Calibration   `json:"calibration,omitempty"`
	Scored      []domain.ScoredRecord `json:"-"`
	Alerts      []domain.ScoredRecord `json:"-"`
	Rows        []map[string]any      `json:"alerts"`
}

// Run computes features over the tenant graph, calibrates when the policy
// needs it, scores every transaction and selects alerts. The scored table
// and run summary are persisted when a repository is configured.
func (p *Processor) Run(ctx context.Context, in RunInput) (*Result, error) {
	start := time.Now()
	if in.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", domain.ErrInvalidInput)
	}

	cfg := p.cfg
	if in.Policy != "" {
		cfg.Policy = in.Policy
	}
	if in.Compute2Hop != nil {
		cfg.Compute2Hop = *in.Compute2Hop
	}
	minSeverity := in.MinSeverity
	if minSeverity == "" {
		minSeverity = cfg.MinSeverity
	}
	if _, err := minSeverity.Rank(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("tenant.id", in.TenantID),
		attribute.String("scoring.policy", string(cfg.Policy)),
	))
	defer span.End()

	res, err := p.run(ctx, in, cfg, minSeverity, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RunsTotal.WithLabelValues(string(cfg.Policy), "error").Inc()
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues(string(cfg.Policy), "success").Inc()
	return res, nil
}

func (p *Processor) run(ctx context.Context, in RunInput, cfg domain.ScoringConfig, minSeverity domain.Severity, start time.Time) (*Result, error) {
	snapshot := in.Graph
	if snapshot == nil {
		stored, err := p.storedGraph(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		snapshot = stored
	} else if p.repo != nil {
		if err := p.repo.SaveGraph(ctx, in.TenantID, snapshot); err != nil {
			return nil, fmt.Errorf("save graph: %w", err)
		}
	}

	run := &domain.Run{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		Policy:      string(cfg.Policy),
		MinSeverity: minSeverity,
		Timestamp:   time.Now().UTC(),
		Metadata: domain.RunMetadata{
			TraceID:     in.TraceID,
			Compute2Hop: cfg.Compute2Hop,
		},
	}

	// 1. Features
	stageStart := time.Now()
	records := p.features(ctx, snapshot, cfg)
	run.Metadata.FeaturesMs = time.Since(stageStart).Milliseconds()

	// 2. Calibration (percentile policy only)
	var cal *domain.Calibration
	if cfg.Policy == domain.PolicyPercentile || cfg.Policy == "" {
		stageStart = time.Now()
		c, err := p.Calibrate(ctx, in.TenantID, records)
		if err != nil {
			return nil, err
		}
		cal = c
		run.CalibrationID = c.ID
		run.Metadata.CalibrateMs = time.Since(stageStart).Milliseconds()
	}

	// 3. Score
	stageStart = time.Now()
	scored, err := p.score(ctx, cfg, cal, records)
	if err != nil {
		return nil, err
	}
	run.Metadata.ScoreMs = time.Since(stageStart).Milliseconds()

	// 4. Alerts
	stageStart = time.Now()
	selected, rows, err := p.selectAlerts(ctx, scored, minSeverity, in.Columns)
	if err != nil {
		return nil, err
	}
	run.Metadata.AlertsMs = time.Since(stageStart).Milliseconds()

	run.Records = len(scored)
	run.Alerts = len(selected)
	run.BySeverity = scoring.CountBySeverity(scored)
	run.Metadata.TotalMs = time.Since(start).Milliseconds()

	recordRunMetrics(scored, selected)

	if err := p.persist(ctx, run, scored, selected); err != nil {
		return nil, err
	}

	p.logger.Info("scoring run completed",
		"tenant_id", in.TenantID,
		"run_id", run.ID,
		"policy", run.Policy,
		"records", run.Records,
		"alerts", run.Alerts,
		"duration_ms", run.Metadata.TotalMs,
	)

	return &Result{
		Run:         run,
		Calibration: cal,
		Scored:      scored,
		Alerts:      selected,
		Rows:        rows,
	}, nil
}

// Features computes the feature table of a graph snapshot.
func (p *Processor) Features(ctx context.Context, snapshot *domain.GraphSnapshot) []domain.FeatureRecord {
	return p.features(ctx, snapshot, p.cfg)
}

func (p *Processor) features(ctx context.Context, snapshot *domain.GraphSnapshot, cfg domain.ScoringConfig) []domain.FeatureRecord {
	_, span := tracer.Start(ctx, "pipeline.features", trace.WithAttributes(
		attribute.Int("graph.transactions", len(snapshot.Transactions)),
		attribute.Int("graph.edges", len(snapshot.Edges)),
		attribute.Bool("features.two_hop", cfg.Compute2Hop),
	))
	defer span.End()

	timer := time.Now()
	records := graph.ComputeFeatures(snapshot.Transactions, snapshot.Edges, graph.Options{
		Compute2Hop: cfg.Compute2Hop,
		Workers:     cfg.Workers,
	})
	metrics.StageDuration.WithLabelValues("features").Observe(time.Since(timer).Seconds())
	return records
}

// Calibrate fits a RiskConfig on records, then persists and caches it.
func (p *Processor) Calibrate(ctx context.Context, tenantID string, records []domain.FeatureRecord) (*domain.Calibration, error) {
	ctx, span := tracer.Start(ctx, "pipeline.calibrate", trace.WithAttributes(
		attribute.Int("calibration.records", len(records)),
		attribute.Bool("calibration.known_only", p.cfg.UseKnownOnly),
	))
	defer span.End()

	timer := time.Now()
	cal, err := calibration.Calibrate(tenantID, records, calibration.Options{UseKnownOnly: p.cfg.UseKnownOnly})
	metrics.StageDuration.WithLabelValues("calibrate").Observe(time.Since(timer).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("calibration.population_size", cal.PopulationSize))

	if p.repo != nil {
		if err := p.repo.SaveCalibration(ctx, tenantID, cal); err != nil {
			return nil, fmt.Errorf("save calibration: %w", err)
		}
	}
	if p.cache != nil {
		if err := p.cache.SetRiskConfig(ctx, tenantID, cal, RiskConfigTTL); err != nil {
			p.logger.Warn("failed to cache calibration", "tenant_id", tenantID, "error", err)
		}
	}
	return cal, nil
}

// LatestCalibration returns the tenant's most recent calibration from the
// cache, falling back to the repository. It returns domain.ErrNotFound when
// the tenant was never calibrated.
func (p *Processor) LatestCalibration(ctx context.Context, tenantID string) (*domain.Calibration, error) {
	if p.cache != nil {
		cal, err := p.cache.GetRiskConfig(ctx, tenantID)
		if err != nil {
			p.logger.Warn("calibration cache lookup failed", "tenant_id", tenantID, "error", err)
		} else if cal != nil {
			return cal, nil
		}
	}
	if p.repo == nil {
		return nil, domain.ErrNotFound
	}
	cal, err := p.repo.GetLatestCalibration(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.SetRiskConfig(ctx, tenantID, cal, RiskConfigTTL); err != nil {
			p.logger.Warn("failed to cache calibration", "tenant_id", tenantID, "error", err)
		}
	}
	return cal, nil
}

// Score scores records under the configured policy. The percentile policy
// uses cal, loading the tenant's latest calibration when cal is nil.
func (p *Processor) Score(ctx context.Context, tenantID string, cal *domain.Calibration, records []domain.FeatureRecord) ([]domain.ScoredRecord, *domain.Calibration, error) {
	if (p.cfg.Policy == domain.PolicyPercentile || p.cfg.Policy == "") && cal == nil {
		latest, err := p.LatestCalibration(ctx, tenantID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, nil, scoring.ErrNoCalibration
			}
			return nil, nil, err
		}
		cal = latest
	}
	scored, err := p.score(ctx, p.cfg, cal, records)
	if err != nil {
		return nil, nil, err
	}
	return scored, cal, nil
}

func (p *Processor) score(ctx context.Context, cfg domain.ScoringConfig, cal *domain.Calibration, records []domain.FeatureRecord) ([]domain.ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "pipeline.score", trace.WithAttributes(
		attribute.Int("score.records", len(records)),
		attribute.String("scoring.policy", string(cfg.Policy)),
	))
	defer span.End()

	var risk *domain.RiskConfig
	if cal != nil {
		risk = &cal.Config
	}
	policy, err := scoring.NewPolicy(cfg, risk, p.engine)
	if err != nil {
		return nil, err
	}

	timer := time.Now()
	scored, err := scoring.NewScorer(policy, cfg.Workers).ScoreAll(ctx, records)
	metrics.StageDuration.WithLabelValues("score").Observe(time.Since(timer).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return scored, nil
}

// SelectAlerts filters scored records at or above minSeverity and projects
// the requested columns.
func (p *Processor) SelectAlerts(ctx context.Context, scored []domain.ScoredRecord, minSeverity domain.Severity, cols []string) ([]domain.ScoredRecord, []map[string]any, error) {
	if minSeverity == "" {
		minSeverity = p.cfg.MinSeverity
	}
	return p.selectAlerts(ctx, scored, minSeverity, cols)
}

func (p *Processor) selectAlerts(ctx context.Context, scored []domain.ScoredRecord, minSeverity domain.Severity, cols []string) ([]domain.ScoredRecord, []map[string]any, error) {
	_, span := tracer.Start(ctx, "pipeline.alerts", trace.WithAttributes(
		attribute.String("alerts.min_severity", string(minSeverity)),
	))
	defer span.End()

	timer := time.Now()
	selected, rows, err := alerts.Select(scored, minSeverity, cols)
	metrics.StageDuration.WithLabelValues("alerts").Observe(time.Since(timer).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("alerts.count", len(selected)))
	return selected, rows, nil
}

// Persist stores a scored table and its run summary. Alerting records are
// cached; every other record scored now or in the replaced table is evicted
// so reads fall through to the new table.
func (p *Processor) Persist(ctx context.Context, run *domain.Run, scored, selected []domain.ScoredRecord) error {
	return p.persist(ctx, run, scored, selected)
}

func (p *Processor) persist(ctx context.Context, run *domain.Run, scored, selected []domain.ScoredRecord) error {
	var replaced []domain.ScoredRecord
	if p.repo != nil {
		if p.cache != nil {
			prev, err := p.repo.ListScoredRecords(ctx, run.TenantID)
			if err != nil {
				return fmt.Errorf("list scored records: %w", err)
			}
			replaced = prev
		}
		if err := p.repo.SaveScoredRecords(ctx, run.TenantID, run.ID, scored); err != nil {
			return fmt.Errorf("save scored records: %w", err)
		}
		if err := p.repo.SaveRun(ctx, run.TenantID, run); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
	}
	if p.cache != nil {
		p.refreshCache(ctx, run.TenantID, scored, selected, replaced)
	}
	return nil
}

// refreshCache caches selected and evicts every other id in scored or
// replaced. Cache failures are logged, the repository stays authoritative.
func (p *Processor) refreshCache(ctx context.Context, tenantID string, scored, selected, replaced []domain.ScoredRecord) {
	cached := make(map[domain.TxID]struct{}, len(selected))
	for i := range selected {
		if err := p.cache.SetScoredRecord(ctx, tenantID, &selected[i], ScoredRecordTTL); err != nil {
			p.logger.Warn("failed to cache scored record", "tenant_id", tenantID, "tx_id", selected[i].ID, "error", err)
			continue
		}
		cached[selected[i].ID] = struct{}{}
	}

	evicted := make(map[domain.TxID]struct{})
	for _, recs := range [][]domain.ScoredRecord{scored, replaced} {
		for _, rec := range recs {
			if _, ok := cached[rec.ID]; ok {
				continue
			}
			if _, ok := evicted[rec.ID]; ok {
				continue
			}
			evicted[rec.ID] = struct{}{}
			if err := p.cache.DeleteScoredRecord(ctx, tenantID, rec.ID); err != nil {
				p.logger.Warn("failed to evict scored record", "tenant_id", tenantID, "tx_id", rec.ID, "error", err)
			}
		}
	}
}

func (p *Processor) storedGraph(ctx context.Context, tenantID string) (*domain.GraphSnapshot, error) {
	if p.repo == nil {
		return nil, ErrNoGraph
	}
	snapshot, err := p.repo.GetGraph(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrNoGraph
		}
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return snapshot, nil
}

func recordRunMetrics(scored, selected []domain.ScoredRecord) {
	for sev, n := range scoring.CountBySeverity(scored) {
		if n > 0 {
			metrics.RecordsScored.WithLabelValues(string(sev)).Add(float64(n))
		}
	}
	for _, r := range selected {
		metrics.AlertsRaised.WithLabelValues(string(r.Severity)).Inc()
	}
}
