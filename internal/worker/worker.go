// Package worker scores feature records published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/pipeline"
	"github.com/opensource-finance/osprey-graph/internal/scoring"
)

// Worker consumes score requests from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor *pipeline.Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// GlobalTenantID is the tenant a worker subscribes as when no tenants are
// configured. Messages carry their own tenant id.
const GlobalTenantID = "_global"

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor *pipeline.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to score requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(GlobalTenantID)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicScoreRequested, func(ctx context.Context, msg *domain.Message) error {
		target := tenantID
		if tenantID == GlobalTenantID && msg.TenantID != "" {
			target = msg.TenantID
		}
		return w.handle(ctx, target, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicScoreRequested,
	)
	return nil
}

// handle scores one request, persists the scored table and publishes the
// summary and one alert event per record at or above the minimum severity.
// Request-reply messages are answered with the summary.
func (w *Worker) handle(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req domain.ScoreRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse score request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	scored, cal, err := w.processor.Score(ctx, tenantID, nil, req.Records)
	if err != nil {
		slog.Error("scoring failed",
			"tenant_id", tenantID,
			"request_id", req.RequestID,
			"error", err,
		)
		return err
	}

	cfg := w.processor.Config()
	selected, _, err := w.processor.SelectAlerts(ctx, scored, cfg.MinSeverity, nil)
	if err != nil {
		return err
	}

	run := &domain.Run{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Policy:      string(cfg.Policy),
		MinSeverity: cfg.MinSeverity,
		Records:     len(scored),
		Alerts:      len(selected),
		BySeverity:  scoring.CountBySeverity(scored),
		Timestamp:   time.Now().UTC(),
		Metadata: domain.RunMetadata{
			TraceID:     req.RequestID,
			ScoreMs:     time.Since(start).Milliseconds(),
			Compute2Hop: cfg.Compute2Hop,
		},
	}
	if cal != nil {
		run.CalibrationID = cal.ID
	}

	if err := w.processor.Persist(ctx, run, scored, selected); err != nil {
		slog.Error("failed to persist scored records",
			"tenant_id", tenantID,
			"run_id", run.ID,
			"error", err,
		)
	}

	event := domain.ScoredEvent{
		RequestID:     req.RequestID,
		RunID:         run.ID,
		CalibrationID: run.CalibrationID,
		Records:       run.Records,
		BySeverity:    run.BySeverity,
	}
	eventPayload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode scored event: %w", err)
	}
	if err := w.bus.Publish(ctx, tenantID, domain.TopicScored, eventPayload); err != nil {
		slog.Error("failed to publish scored event",
			"run_id", run.ID,
			"error", err,
		)
	}

	for _, rec := range selected {
		alertPayload, err := json.Marshal(domain.AlertEvent{
			AlertID:  uuid.New().String(),
			RunID:    run.ID,
			TenantID: tenantID,
			Record:   rec,
		})
		if err != nil {
			return fmt.Errorf("encode alert event: %w", err)
		}
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, alertPayload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", rec.ID,
				"error", err,
			)
		}
	}

	if msg.Reply != nil {
		if err := msg.Reply(eventPayload); err != nil {
			slog.Error("failed to reply to score request",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	}

	slog.Info("score request processed",
		"tenant_id", tenantID,
		"request_id", req.RequestID,
		"run_id", run.ID,
		"records", run.Records,
		"alerts", run.Alerts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
