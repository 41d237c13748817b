package investigate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Bus delegates investigation to a remote worker over request-reply on
// domain.TopicInvestigateRequested.
type Bus struct {
	bus     domain.EventBus
	timeout time.Duration
}

// NewBus creates a bus investigator.
func NewBus(bus domain.EventBus, timeout time.Duration) *Bus {
	return &Bus{bus: bus, timeout: timeout}
}

// Name returns "bus".
func (b *Bus) Name() string { return TypeBus }

// Investigate publishes the payload and validates the reply.
func (b *Bus) Investigate(ctx context.Context, tenantID string, p Payload) (*Report, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	reply, err := b.bus.Request(ctx, tenantID, domain.TopicInvestigateRequested, req)
	if err != nil {
		return nil, fmt.Errorf("investigate request: %w", err)
	}
	return ParseReport(reply)
}

// Serve answers investigation requests on the bus with inv. The returned
// subscription stops serving when unsubscribed.
func Serve(ctx context.Context, bus domain.EventBus, tenantID string, inv Investigator) (domain.Subscription, error) {
	return bus.Subscribe(ctx, tenantID, domain.TopicInvestigateRequested, func(ctx context.Context, msg *domain.Message) error {
		if msg.Reply == nil {
			return nil
		}

		var p Payload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		rep, err := inv.Investigate(ctx, msg.TenantID, p)
		if err != nil {
			return err
		}

		data, err := json.Marshal(rep)
		if err != nil {
			return err
		}
		return msg.Reply(data)
	})
}
