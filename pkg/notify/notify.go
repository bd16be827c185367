// Package notify publishes session lifecycle events to collaborators
// outside the core (SMS, dashboards, billing). Delivery is fire-and-forget.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a session lifecycle event.
type EventType string

const (
	SessionCreated    EventType = "session.created"
	SessionTerminated EventType = "session.terminated"
	SessionExtended   EventType = "session.extended"
)

// Event is one lifecycle notification.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	VoucherCode string            `json:"voucher_code"`
	MACAddress  string            `json:"mac_address,omitempty"`
	RouterID    string            `json:"router_id,omitempty"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Notifier delivers events. Implementations must not block the caller for
// long and must not fail it: errors are theirs to log.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) {
	n.logger.Info("Session event",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("voucher_code", e.VoucherCode),
		zap.String("mac", e.MACAddress),
		zap.String("router_id", e.RouterID),
		zap.Any("attributes", e.Attributes),
	)
}

// RedisNotifier publishes events as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// DefaultChannel is the pub/sub channel for session events.
const DefaultChannel = "hotspot:events"

// NewRedisNotifier publishes on channel through client.
func NewRedisNotifier(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		timeout: 500 * time.Millisecond,
		logger:  logger,
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("Failed to encode event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.Warn("Failed to publish event",
			zap.String("channel", n.channel),
			zap.String("type", string(e.Type)),
			zap.String("voucher_code", e.VoucherCode),
			zap.Error(err),
		)
	}
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}
