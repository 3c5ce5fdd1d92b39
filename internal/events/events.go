// Package events publishes domain events after a state change commits.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	ListingCreated   = "listing.created"
	ListingUpdated   = "listing.updated"
	ListingDeleted   = "listing.deleted"
	ListingApproved  = "listing.approved"
	ListingRejected  = "listing.rejected"
	ListingRequested = "listing.requested"

	InterestFiled          = "interest.filed"
	InterestAccepted       = "interest.accepted"
	InterestDeclined       = "interest.declined"
	InterestCounterOffered = "interest.counter_offered"
)

// Publisher delivers an encoded event. partitionKey keeps events for one
// listing in order.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

// Envelope is the wire form of every event.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ActorID    string    `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Emitter wraps a Publisher. Delivery failures are logged and never
// surface to the caller: the state change has already committed.
type Emitter struct {
	pub Publisher
}

// NewEmitter returns an Emitter over pub. A nil pub discards events.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub}
}

// Emit encodes data into an Envelope and publishes it.
func (e *Emitter) Emit(ctx context.Context, eventType, actorID, key string, data any) {
	if e == nil || e.pub == nil {
		return
	}
	payload, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		slog.Error("event encode failed", "type", eventType, "err", err)
		return
	}
	if err := e.pub.Publish(ctx, eventType, payload, key); err != nil {
		slog.Warn("event publish failed", "type", eventType, "key", key, "err", err)
	}
}

// LoggingPublisher writes events to the structured log. It is the default
// when no broker is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	p.logger.InfoContext(ctx, "event",
		"type", eventType,
		"key", partitionKey,
		"payload", json.RawMessage(payload),
	)
	return nil
}
