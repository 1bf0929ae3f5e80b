package bus

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/atelier/internal/domain"
)

// NATSBus carries boutique events between Atelier processes. Subjects are
// "<tenant>.<topic>", so a subscriber only ever sees its own boutique.
// Used as the Pro edition event bus.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying the initial dial.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	conn, err := connectNATS(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSBus{
		conn: conn,
		subs: make(map[*natsSubscription]struct{}),
	}, nil
}

func connectNATS(cfg domain.EventBusConfig) (*nats.Conn, error) {
	url := cmp.Or(cfg.NATSUrl, nats.DefaultURL)
	attempts := cmp.Or(cfg.NATSMaxReconnects, 10)
	wait := time.Duration(cmp.Or(cfg.NATSReconnectWait, 5)) * time.Second

	opts := []nats.Option{
		nats.Name("atelier"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := nats.Connect(url, opts...)
		if err == nil {
			slog.Info("NATS connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("connect to NATS at %s after %d attempts: %w", url, attempts, lastErr)
}

func subjectFor(tenantID, topic string) string {
	return tenantID + "." + topic
}

// Publish sends an event to the tenant's subject.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := newMessage(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}
	return b.conn.Publish(subjectFor(tenantID, topic), data)
}

// Subscribe delivers the tenant's events on topic to handler. Handlers run
// on the NATS client's delivery goroutine, one message at a time.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	ns, err := b.conn.Subscribe(subjectFor(tenantID, topic), func(m *nats.Msg) {
		deliver(ctx, tenantID, handler, m)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

func deliver(ctx context.Context, tenantID string, handler domain.MessageHandler, m *nats.Msg) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		slog.Error("undecodable NATS message", "subject", m.Subject, "error", err)
		return
	}
	if msg.TenantID != tenantID {
		slog.Warn("dropping message for another tenant", "subject", m.Subject, "tenant_id", msg.TenantID)
		return
	}
	if err := handler(ctx, &msg); err != nil {
		slog.Error("handler error",
			"tenant_id", tenantID,
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Ping flushes the connection to confirm the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops every subscription and the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.sub.Unsubscribe()
	}
	clear(b.subs)
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
