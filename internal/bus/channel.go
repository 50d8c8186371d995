package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/shrike/internal/domain"
)

// requestTimeout bounds Request when the caller's context has no deadline.
const requestTimeout = 30 * time.Second

// ChannelBus is the community tier bus. Delivery is in-process only: each
// subscription owns a buffered channel drained by its pump goroutine, and
// publishes that find a full channel are dropped rather than blocking the
// hot path. Dropped() exposes the drop count.
type ChannelBus struct {
	mu     sync.RWMutex
	buffer int
	topics map[string][]*chanSub
	closed bool

	dropped atomic.Int64
}

type chanSub struct {
	id      string
	tenant  string
	topic   string
	deliver chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates an in-process bus whose subscriptions buffer up to
// bufferSize undelivered messages each.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		buffer: bufferSize,
		topics: make(map[string][]*chanSub),
	}
}

// Publish fans a message out to every subscription on the tenant's topic.
// Saturated subscribers are skipped.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errNoTenant
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus is closed")
	}
	subs := b.topics[tenantID+":"+topic]
	b.mu.RUnlock()

	msg := newMessage(tenantID, topic, payload)
	for _, sub := range subs {
		select {
		case sub.deliver <- msg:
		default:
			b.dropped.Add(1)
			slog.Debug("subscriber saturated, message dropped",
				"tenant_id", tenantID,
				"topic", topic,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe registers a handler for the tenant's topic. The handler runs on a
// dedicated goroutine until Unsubscribe or bus close.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &chanSub{
		id:      uuid.New().String(),
		tenant:  tenantID,
		topic:   topic,
		deliver: make(chan *domain.Message, b.buffer),
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}
	go sub.pump()

	key := tenantID + ":" + topic
	b.topics[key] = append(b.topics[key], sub)
	return sub, nil
}

// Request publishes to the topic and waits for a single reply on a
// per-request reply topic.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	replyTopic := topic + ".reply." + uuid.New().String()
	replies := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		return nil, errors.New("request timed out")
	}
}

// Ping reports whether the bus can still accept publishes.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("bus is closed")
	}
	return nil
}

// Close cancels every subscription and rejects further use.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
			close(sub.deliver)
		}
	}
	b.topics = make(map[string][]*chanSub)
	return nil
}

// Dropped returns the number of messages discarded because a subscriber's
// buffer was full.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (s *chanSub) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.deliver:
			if msg == nil {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Debug("message handler returned error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Unsubscribe stops the pump. Messages already buffered are discarded.
func (s *chanSub) Unsubscribe() error {
	s.cancel()
	return nil
}

func (s *chanSub) Topic() string {
	return s.topic
}
