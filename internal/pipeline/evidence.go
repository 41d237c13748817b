package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/graph"
	"github.com/opensource-finance/osprey-graph/internal/investigate"
	"github.com/opensource-finance/osprey-graph/internal/metrics"
	"github.com/opensource-finance/osprey-graph/internal/rules"
)

// Evidence is the investigation context of one scored transaction.
type Evidence struct {
	Record     domain.ScoredRecord `json:"record"`
	Neighbors  graph.TopNeighbors  `json:"neighbors"`
	Typologies []domain.Typology   `json:"typologies"`
	Payload    investigate.Payload `json:"payload"`
}

// Evidence loads the tenant's scored record for txID together with its top
// illicit neighbors and typology hints. Typology thresholds come from the
// latest calibration, or the fixed cutoffs when there is none.
func (p *Processor) Evidence(ctx context.Context, tenantID string, txID domain.TxID, k int) (*Evidence, error) {
	ctx, span := tracer.Start(ctx, "pipeline.evidence", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("tx.id", int64(txID)),
	))
	defer span.End()

	if k <= 0 {
		k = p.cfg.TopK
	}

	rec, err := p.ScoredRecord(ctx, tenantID, txID)
	if err != nil {
		return nil, err
	}
	snapshot, err := p.storedGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	illicit := domain.IllicitSet(snapshot.Transactions)
	top := graph.TopIllicitNeighbors(txID, snapshot.Edges, illicit, k)
	th := p.typologyThresholds(ctx, tenantID)

	return &Evidence{
		Record:     *rec,
		Neighbors:  top,
		Typologies: rules.TypologyHints(rec.FeatureRecord, th),
		Payload:    investigate.PayloadFromScored(uuid.New().String(), *rec, top),
	}, nil
}

// ScoredRecord returns the latest scored record of txID, checking the cache
// before the repository.
func (p *Processor) ScoredRecord(ctx context.Context, tenantID string, txID domain.TxID) (*domain.ScoredRecord, error) {
	if p.cache != nil {
		rec, err := p.cache.GetScoredRecord(ctx, tenantID, txID)
		if err != nil {
			p.logger.Warn("scored record cache lookup failed", "tenant_id", tenantID, "tx_id", txID, "error", err)
		} else if rec != nil {
			return rec, nil
		}
	}
	if p.repo == nil {
		return nil, domain.ErrNotFound
	}
	rec, err := p.repo.GetScoredRecord(ctx, tenantID, txID)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.SetScoredRecord(ctx, tenantID, rec, ScoredRecordTTL); err != nil {
			p.logger.Warn("failed to cache scored record", "tenant_id", tenantID, "tx_id", txID, "error", err)
		}
	}
	return rec, nil
}

// Investigate builds the evidence of txID and asks inv for a report. A
// rule-based investigator is rebound to the tenant's calibrated thresholds.
func (p *Processor) Investigate(ctx context.Context, tenantID string, txID domain.TxID, inv investigate.Investigator) (*investigate.Report, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: no investigator configured", investigate.ErrUnknownInvestigator)
	}

	ev, err := p.Evidence(ctx, tenantID, txID, 0)
	if err != nil {
		return nil, err
	}

	if rb, ok := inv.(*investigate.RuleBased); ok {
		inv = rb.WithThresholds(p.typologyThresholds(ctx, tenantID))
	}

	ctx, span := tracer.Start(ctx, "pipeline.investigate", trace.WithAttributes(
		attribute.String("investigator", inv.Name()),
		attribute.String("alert.id", ev.Payload.AlertID),
	))
	defer span.End()

	start := time.Now()
	report, err := inv.Investigate(ctx, tenantID, ev.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Investigations.WithLabelValues(inv.Name(), "error").Inc()
		p.logger.Error("investigation failed",
			"tenant_id", tenantID,
			"tx_id", txID,
			"investigator", inv.Name(),
			"error", err,
		)
		return nil, err
	}
	metrics.Investigations.WithLabelValues(inv.Name(), "success").Inc()

	p.logger.Info("investigation completed",
		"tenant_id", tenantID,
		"tx_id", txID,
		"alert_id", report.AlertID,
		"investigator", inv.Name(),
		"confidence", report.Confidence,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (p *Processor) typologyThresholds(ctx context.Context, tenantID string) rules.TypologyThresholds {
	if p.cfg.Policy == domain.PolicyPercentile || p.cfg.Policy == "" {
		cal, err := p.LatestCalibration(ctx, tenantID)
		if err == nil {
			return rules.ThresholdsFromRiskConfig(cal.Config)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("falling back to fixed typology thresholds", "tenant_id", tenantID, "error", err)
		}
	}
	return rules.ThresholdsFromFixed(p.cfg.Fixed)
}
