package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/atelier/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// New creates a new event bus based on configuration.
// For Community edition: returns ChannelBus.
// For Pro edition: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals event and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode unmarshals a message payload into a T.
func Decode[T any](msg *domain.Message) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
	}
	return &v, nil
}

// newMessage wraps a payload in the envelope every bus delivers.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) (*domain.Message, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadataFrom(ctx),
		Timestamp: time.Now().UnixNano(),
	}, nil
}

// metadataFrom carries the active trace id onto published messages.
func metadataFrom(ctx context.Context) map[string]string {
	md := make(map[string]string)
	if sc := trace.SpanContextFromContext(ctx); sc.TraceID().IsValid() {
		md["trace_id"] = sc.TraceID().String()
	}
	return md
}
