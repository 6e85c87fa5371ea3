// Package events publishes domain events such as user.created or
// subscription.updated. A RabbitMQ topic exchange is used when configured;
// otherwise events are only logged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types.
const (
	UserCreated         = "user.created"
	UserDeleted         = "user.deleted"
	SubscriptionUpdated = "subscription.updated"
	SubscriptionDeleted = "subscription.deleted"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
	Close() error
}

// NewEnvelope marshals data into a freshly identified envelope.
func NewEnvelope(eventType string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// LogPublisher is used when no broker is configured. It logs each event
// instead of failing.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher that writes events to logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	env, err := NewEnvelope(eventType, data)
	if err != nil {
		return err
	}
	p.logger.Info("event (not published, no broker)",
		zap.String("event_id", env.ID),
		zap.String("type", env.Type),
		zap.ByteString("data", env.Data),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
