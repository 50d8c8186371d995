package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/shrike/internal/domain"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestChannelBusDelivery(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		var got atomic.Value
		_, err := b.Subscribe(ctx, "tenant-a", "lines.in", func(ctx context.Context, msg *domain.Message) error {
			got.Store(string(msg.Payload))
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		if err := b.Publish(ctx, "tenant-a", "lines.in", []byte("COT CHARGE")); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		if !waitFor(t, time.Second, func() bool { v, _ := got.Load().(string); return v == "COT CHARGE" }) {
			t.Fatalf("message not delivered, got %v", got.Load())
		}
	})

	t.Run("EnvelopeCarriesTenantAndTopic", func(t *testing.T) {
		msgs := make(chan *domain.Message, 1)
		b.Subscribe(ctx, "tenant-a", "lines.meta", func(ctx context.Context, msg *domain.Message) error {
			msgs <- msg
			return nil
		})
		b.Publish(ctx, "tenant-a", "lines.meta", []byte("x"))

		select {
		case msg := <-msgs:
			if msg.TenantID != "tenant-a" || msg.Topic != "lines.meta" || msg.ID == "" {
				t.Errorf("bad envelope: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("no message")
		}
	})

	t.Run("FanOutToAllSubscribers", func(t *testing.T) {
		var n atomic.Int32
		for i := 0; i < 3; i++ {
			b.Subscribe(ctx, "tenant-a", "lines.fan", func(ctx context.Context, msg *domain.Message) error {
				n.Add(1)
				return nil
			})
		}
		b.Publish(ctx, "tenant-a", "lines.fan", []byte("x"))

		if !waitFor(t, time.Second, func() bool { return n.Load() == 3 }) {
			t.Errorf("expected 3 deliveries, got %d", n.Load())
		}
	})
}

func TestChannelBusTenantIsolation(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	var aCount, bCount atomic.Int32
	b.Subscribe(ctx, "bank-ops-a", "lines.in", func(ctx context.Context, msg *domain.Message) error {
		aCount.Add(1)
		return nil
	})
	b.Subscribe(ctx, "bank-ops-b", "lines.in", func(ctx context.Context, msg *domain.Message) error {
		bCount.Add(1)
		return nil
	})

	b.Publish(ctx, "bank-ops-a", "lines.in", []byte("only for a"))

	if !waitFor(t, time.Second, func() bool { return aCount.Load() == 1 }) {
		t.Errorf("tenant a expected 1 message, got %d", aCount.Load())
	}
	time.Sleep(20 * time.Millisecond)
	if bCount.Load() != 0 {
		t.Errorf("tenant b leaked %d messages", bCount.Load())
	}
}

func TestChannelBusRequiresTenant(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "", "t", []byte("x")); err == nil {
		t.Error("Publish without tenant should fail")
	}
	if _, err := b.Subscribe(ctx, "", "t", func(ctx context.Context, msg *domain.Message) error { return nil }); err == nil {
		t.Error("Subscribe without tenant should fail")
	}
	if _, err := b.Request(ctx, "", "t", []byte("x")); err == nil {
		t.Error("Request without tenant should fail")
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var n atomic.Int32
	sub, err := b.Subscribe(ctx, "tenant-a", "lines.in", func(ctx context.Context, msg *domain.Message) error {
		n.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Topic() != "lines.in" {
		t.Errorf("Topic() = %q", sub.Topic())
	}

	b.Publish(ctx, "tenant-a", "lines.in", []byte("first"))
	if !waitFor(t, time.Second, func() bool { return n.Load() == 1 }) {
		t.Fatalf("first message not delivered")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	b.Publish(ctx, "tenant-a", "lines.in", []byte("second"))
	time.Sleep(30 * time.Millisecond)
	if n.Load() != 1 {
		t.Errorf("received %d messages after unsubscribe, want 1", n.Load())
	}
}

func TestChannelBusSaturationDrops(t *testing.T) {
	b := NewChannelBus(1)
	defer b.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	b.Subscribe(ctx, "tenant-a", "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-gate
		return nil
	})

	// First message occupies the handler, second fills the buffer, the rest
	// have nowhere to go.
	for i := 0; i < 6; i++ {
		b.Publish(ctx, "tenant-a", "slow.topic", []byte("x"))
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)

	if b.Dropped() == 0 {
		t.Error("expected dropped messages under saturation")
	}
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()

	b.Subscribe(ctx, "tenant-a", "t", func(ctx context.Context, msg *domain.Message) error { return nil })

	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping before close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := b.Publish(ctx, "tenant-a", "t", []byte("x")); err == nil {
		t.Error("Publish after close should fail")
	}
	if _, err := b.Subscribe(ctx, "tenant-a", "t", func(ctx context.Context, msg *domain.Message) error { return nil }); err == nil {
		t.Error("Subscribe after close should fail")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("Ping after close should fail")
	}
}

func TestChannelBusRequestTimeout(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.Request(reqCtx, "tenant-a", "nobody.listens", []byte("x")); err == nil {
		t.Error("Request with no replier should time out")
	}
}

func TestNewBusFactory(t *testing.T) {
	t.Run("Channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer b.Close()
		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("got %T, want *ChannelBus", b)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unknown bus type")
		}
	})
}

func TestChannelBusUnderLoad(t *testing.T) {
	b := NewChannelBus(1000)
	defer b.Close()
	ctx := context.Background()

	const total = 200
	var wg sync.WaitGroup
	wg.Add(total)

	var received atomic.Int32
	b.Subscribe(ctx, "tenant-load", "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < total; i++ {
		if err := b.Publish(ctx, "tenant-load", "load.topic", []byte("line")); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out, received %d/%d", received.Load(), total)
	}
	if b.Dropped() != 0 {
		t.Errorf("dropped %d messages with ample buffer", b.Dropped())
	}
}
