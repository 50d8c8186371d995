package domain

import "context"

// EventBus moves pipeline events between the API, the async workers and the
// review queue. The community tier runs it on in-process channels, the pro
// tier on NATS. Every call names a tenant; implementations must never
// deliver one tenant's messages to another.
type EventBus interface {
	// Publish sends payload on the tenant's topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers handler on the tenant's topic and returns the
	// live subscription.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes and blocks for a single reply.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one delivered message. A non-nil error is logged
// by the bus; it does not stop the subscription.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every event travels in.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is a handle on an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus backend.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics of the classification pipeline.
const (
	TopicStatementIngested = "shrike.statement.ingested"
	TopicResolutionResult  = "shrike.resolution.result"
	TopicReviewQueue       = "shrike.review.queue"
	TopicPatternsUpdated   = "shrike.patterns.updated"
	TopicRatesUpdated      = "shrike.rates.updated"
)
