package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/atelier/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "boutique-geneva"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, tenantID, domain.TopicWaitlistAdded, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, tenantID, domain.TopicWaitlistAdded, []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.TenantID != tenantID {
			t.Errorf("expected tenantID '%s', got '%s'", tenantID, receivedMsg.TenantID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "boutique-geneva"
		tenant2 := "boutique-zurich"

		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, tenant1, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, tenant2, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		// Publish to tenant1
		bus.Publish(ctx, tenant1, "isolation.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("tenant1 should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("tenant2 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := bus.Publish(ctx, "", "topic", []byte("data"))
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.mu.RLock()
		remaining := len(bus.subscriptions[bus.makeKey(tenantID, "unsub.topic")])
		bus.mu.RUnlock()
		if remaining != 0 {
			t.Errorf("expected subscription to be removed, %d left", remaining)
		}

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	tenantID := "boutique-geneva"

	bus.Subscribe(ctx, tenantID, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, tenantID, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "boutique-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, tenantID, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, tenantID, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestPublishJSONAndDecode(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "boutique-geneva"
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	got := make(chan *domain.AvailabilityEvent, 1)
	_, err := bus.Subscribe(ctx, tenantID, domain.TopicWatchAvailability, func(ctx context.Context, msg *domain.Message) error {
		ev, err := Decode[domain.AvailabilityEvent](msg)
		if err != nil {
			return err
		}
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := domain.AvailabilityEvent{
		WatchModelID: "w-naut",
		Previous:     domain.AvailabilityIncoming,
		Current:      domain.AvailabilityAvailable,
		At:           at,
	}
	if err := PublishJSON(ctx, bus, tenantID, domain.TopicWatchAvailability, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.WatchModelID != "w-naut" || ev.Current != domain.AvailabilityAvailable || !ev.At.Equal(at) {
			t.Errorf("event mismatch: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	if _, err := Decode[domain.AvailabilityEvent](&domain.Message{Topic: "x", Payload: []byte("{")}); err == nil {
		t.Error("expected decode error for malformed payload")
	}
}

func TestChannelBusHandlerErrorKeepsSubscription(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	var calls atomic.Int32

	bus.Subscribe(ctx, "boutique-geneva", "err.topic", func(ctx context.Context, msg *domain.Message) error {
		calls.Add(1)
		return errors.New("boom")
	})

	bus.Publish(ctx, "boutique-geneva", "err.topic", []byte("1"))
	bus.Publish(ctx, "boutique-geneva", "err.topic", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 2 {
		t.Errorf("expected handler to keep running after errors, got %d calls", calls.Load())
	}
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})

	bus.Subscribe(ctx, "boutique-geneva", "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	// The first message is taken by the handler, the second fills the
	// buffer and the rest are dropped.
	bus.Publish(ctx, "boutique-geneva", "slow.topic", []byte("1"))
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		bus.Publish(ctx, "boutique-geneva", "slow.topic", []byte("n"))
	}
	close(release)

	if bus.Dropped() != 2 {
		t.Errorf("expected 2 dropped deliveries, got %d", bus.Dropped())
	}
}

func TestNewMessageRequiresTenant(t *testing.T) {
	if _, err := newMessage(context.Background(), "", domain.TopicWaitlistAdded, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	msg, err := newMessage(context.Background(), "boutique-a", domain.TopicWaitlistAdded, []byte(`{}`))
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}
	if msg.ID == "" || msg.TenantID != "boutique-a" || msg.Timestamp == 0 {
		t.Errorf("incomplete envelope %+v", msg)
	}
}

func TestNATSDelivery(t *testing.T) {
	if got := subjectFor("boutique-a", domain.TopicWatchAvailability); got != "boutique-a."+domain.TopicWatchAvailability {
		t.Errorf("unexpected subject %q", got)
	}

	var received []*domain.Message
	handler := func(_ context.Context, msg *domain.Message) error {
		received = append(received, msg)
		return errors.New("handler errors are logged, not returned")
	}
	envelope := func(tenantID string) *nats.Msg {
		msg, _ := newMessage(context.Background(), tenantID, domain.TopicWatchAvailability, []byte(`{}`))
		data, _ := json.Marshal(msg)
		return &nats.Msg{Subject: subjectFor("boutique-a", domain.TopicWatchAvailability), Data: data}
	}

	deliver(context.Background(), "boutique-a", handler, envelope("boutique-a"))
	deliver(context.Background(), "boutique-a", handler, envelope("boutique-b"))
	deliver(context.Background(), "boutique-a", handler, &nats.Msg{Subject: "x", Data: []byte("not json")})

	if len(received) != 1 || received[0].TenantID != "boutique-a" {
		t.Errorf("expected only the boutique-a message delivered, got %d", len(received))
	}
}
