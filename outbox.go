package clinops

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus = adapters.OutboxStatus

// Outbox status constants.
const (
	OutboxPending    = adapters.OutboxPending
	OutboxProcessing = adapters.OutboxProcessing
	OutboxCompleted  = adapters.OutboxCompleted
	OutboxFailed     = adapters.OutboxFailed
	OutboxDeadLetter = adapters.OutboxDeadLetter
)

// OutboxMessage is one committed event addressed to one destination.
type OutboxMessage = adapters.OutboxMessage

// OutboxStore persists messages awaiting relay.
type OutboxStore = adapters.OutboxStore

// Publisher delivers outbox messages to an external system.
type Publisher interface {
	Publish(ctx context.Context, messages []*OutboxMessage) error

	// Destination returns the prefix this publisher owns, e.g. "kafka" or "sns".
	Destination() string
}

// OutboxRoute sends committed events of some families to one destination,
// written "prefix:target" (for example "kafka:clinops.patient").
type OutboxRoute struct {
	// Families selects events by aggregate family. Empty matches all.
	Families []string

	// EventTypes narrows the match further. Empty matches all.
	EventTypes []string

	Destination string

	// Transform replaces the default JSON envelope.
	Transform func(event Event) ([]byte, error)
}

func (r *OutboxRoute) matches(event Event) bool {
	if !handlesFamily(r.Families, event.Family) {
		return false
	}
	if len(r.EventTypes) == 0 {
		return true
	}
	for _, t := range r.EventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// IntegrationEvent is the default payload published for a committed event.
type IntegrationEvent struct {
	EventID       string      `json:"eventId"`
	Family        string      `json:"family"`
	AggregateID   string      `json:"aggregateId"`
	EventType     string      `json:"eventType"`
	SchemaVersion int         `json:"schemaVersion"`
	Sequence      int64       `json:"sequence"`
	Position      uint64      `json:"position"`
	OccurredAt    time.Time   `json:"occurredAt"`
	ActorID       string      `json:"actorId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Data          interface{} `json:"data"`
}

// NewIntegrationEvent builds the envelope for event.
func NewIntegrationEvent(event Event) IntegrationEvent {
	return IntegrationEvent{
		EventID:       event.ID,
		Family:        event.Family,
		AggregateID:   event.AggregateID,
		EventType:     event.Type,
		SchemaVersion: event.SchemaVersion,
		Sequence:      event.Version,
		Position:      event.GlobalPosition,
		OccurredAt:    event.Timestamp,
		ActorID:       event.Metadata.ActorID,
		CorrelationID: event.Metadata.CorrelationID,
		Data:          event.Data,
	}
}

// OutboxMetrics collects relay metrics.
type OutboxMetrics interface {
	RecordMessageProcessed(destination string, success bool)
	RecordMessageFailed(destination string)
	RecordMessageDeadLettered()
	RecordBatchDuration(duration time.Duration)
	RecordPendingMessages(count int64)
}

type noopOutboxMetrics struct{}

func (noopOutboxMetrics) RecordMessageProcessed(string, bool)   {}
func (noopOutboxMetrics) RecordMessageFailed(string)            {}
func (noopOutboxMetrics) RecordMessageDeadLettered()            {}
func (noopOutboxMetrics) RecordBatchDuration(time.Duration)     {}
func (noopOutboxMetrics) RecordPendingMessages(count int64)     {}

// OutboxProjection schedules an outbox message per matching route for every
// committed event. It is registered with the projection engine like any read
// model; redelivery is absorbed by the store's (event, destination) dedupe.
type OutboxProjection struct {
	ProjectionBase
	store       OutboxStore
	routes      []OutboxRoute
	maxAttempts int
}

// OutboxProjectionOption configures an OutboxProjection.
type OutboxProjectionOption func(*OutboxProjection)

// WithOutboxMaxAttempts sets how many deliveries are tried before dead-lettering.
func WithOutboxMaxAttempts(n int) OutboxProjectionOption {
	return func(p *OutboxProjection) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// NewOutboxProjection creates the outbox projection for routes.
func NewOutboxProjection(store OutboxStore, routes []OutboxRoute, opts ...OutboxProjectionOption) *OutboxProjection {
	var families []string
	seen := map[string]bool{}
	all := false
	for _, r := range routes {
		if len(r.Families) == 0 {
			all = true
		}
		for _, f := range r.Families {
			if !seen[f] {
				seen[f] = true
				families = append(families, f)
			}
		}
	}
	if all {
		families = nil
	}

	p := &OutboxProjection{
		ProjectionBase: NewProjectionBase("outbox", families...),
		store:          store,
		routes:         routes,
		maxAttempts:    5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply schedules the messages for event.
func (p *OutboxProjection) Apply(ctx context.Context, event Event) error {
	var messages []*OutboxMessage
	for _, route := range p.routes {
		if !route.matches(event) {
			continue
		}
		var payload []byte
		var err error
		if route.Transform != nil {
			payload, err = route.Transform(event)
		} else {
			payload, err = json.Marshal(NewIntegrationEvent(event))
		}
		if err != nil {
			return fmt.Errorf("clinops: building outbox payload for %s: %w", route.Destination, err)
		}
		messages = append(messages, &OutboxMessage{
			EventID:     event.ID,
			AggregateID: event.AggregateID,
			Family:      event.Family,
			EventType:   event.Type,
			Destination: route.Destination,
			Payload:     payload,
			Headers: map[string]string{
				"event-id":       event.ID,
				"event-type":     event.Type,
				"family":         event.Family,
				"aggregate-id":   event.AggregateID,
				"schema-version": strconv.Itoa(event.SchemaVersion),
				"correlation-id": event.Metadata.CorrelationID,
				"actor-id":       event.Metadata.ActorID,
			},
			MaxAttempts: p.maxAttempts,
		})
	}
	if len(messages) == 0 {
		return nil
	}
	return p.store.Schedule(ctx, messages)
}
