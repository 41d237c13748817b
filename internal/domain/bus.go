package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// Reply answers a request-reply message. Nil for plain publishes.
	Reply func(payload []byte) error `json:"-"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"-"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for the scoring pipeline.
const (
	TopicScoreRequested       = "osprey.graph.score.requested"
	TopicScored               = "osprey.graph.scored"
	TopicAlert                = "osprey.graph.alert"
	TopicInvestigateRequested = "osprey.graph.investigate.requested"
)

// ScoreRequest is the payload of TopicScoreRequested.
type ScoreRequest struct {
	RequestID string          `json:"requestId"`
	Records   []FeatureRecord `json:"records"`
}

// ScoredEvent is the payload of TopicScored.
type ScoredEvent struct {
	RequestID     string           `json:"requestId"`
	RunID         string           `json:"runId"`
	CalibrationID string           `json:"calibrationId,omitempty"`
	Records       int              `json:"records"`
	BySeverity    map[Severity]int `json:"bySeverity"`
}

// AlertEvent is the payload of TopicAlert, one per alerting record.
type AlertEvent struct {
	AlertID  string       `json:"alertId"`
	RunID    string       `json:"runId"`
	TenantID string       `json:"tenantId"`
	Record   ScoredRecord `json:"record"`
}
