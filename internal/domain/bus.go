package domain

import (
	"context"
	"time"
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
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topic names published by the API and the worker.
const (
	TopicWaitlistAdded         = "atelier.waitlist.added"
	TopicWaitlistRemoved       = "atelier.waitlist.removed"
	TopicPurchaseRecorded      = "atelier.purchase.recorded"
	TopicWatchAvailability     = "atelier.watch.availability"
	TopicAllocationCompleted   = "atelier.allocation.completed"
	TopicAllocationRecommended = "atelier.allocation.recommended"
)

// WaitlistEvent is the payload of waitlist topics.
type WaitlistEvent struct {
	EntryID      string    `json:"entryId,omitempty"`
	ClientID     string    `json:"clientId"`
	WatchModelID string    `json:"watchModelId"`
	At           time.Time `json:"at"`
}

// AvailabilityEvent is the payload of TopicWatchAvailability.
type AvailabilityEvent struct {
	WatchModelID string       `json:"watchModelId"`
	Previous     Availability `json:"previous"`
	Current      Availability `json:"current"`
	At           time.Time    `json:"at"`
}

// RecommendationEvent is the payload of TopicAllocationRecommended.
type RecommendationEvent struct {
	WatchModelID string      `json:"watchModelId"`
	Candidates   []Candidate `json:"candidates"`
	At           time.Time   `json:"at"`
}
