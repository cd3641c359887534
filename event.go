package clinops

import (
	"fmt"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

// Expected-version sentinels for optimistic concurrency.
const (
	// AnyVersion skips version checking.
	AnyVersion = adapters.AnyVersion

	// NoStream requires the stream not to exist (constructor commands).
	NoStream = adapters.NoStream

	// StreamExists requires the stream to exist.
	StreamExists = adapters.StreamExists
)

// StreamID identifies the event stream of one aggregate instance.
type StreamID struct {
	// Family is the aggregate family, e.g. "Patient" or "ProtocolVersion".
	Family string

	// ID is the aggregate identifier (a UUID).
	ID string
}

// NewStreamID creates a StreamID.
func NewStreamID(family, id string) StreamID {
	return StreamID{Family: family, ID: id}
}

// String returns "Family-ID".
func (s StreamID) String() string {
	return adapters.StreamKey(s.Family, s.ID)
}

// Validate checks both parts are present.
func (s StreamID) Validate() error {
	if s.Family == "" {
		return fmt.Errorf("clinops: stream family is required")
	}
	if s.ID == "" {
		return fmt.Errorf("clinops: stream ID is required")
	}
	return nil
}

// Metadata carries actor and correlation context on every event.
type Metadata = adapters.Metadata

// StoredEvent is a committed, still-encoded event.
type StoredEvent = adapters.StoredEvent

// StreamInfo describes a stream.
type StreamInfo = adapters.StreamInfo

// DomainEvent is implemented by every typed event payload. The type name is
// declared explicitly so no reflection is needed to route or decode events.
type DomainEvent interface {
	EventType() string
}

// Event is a committed event with its decoded, upcast payload.
type Event struct {
	ID             string
	AggregateID    string
	Family         string
	Type           string
	SchemaVersion  int
	Data           interface{}
	Metadata       Metadata
	Version        int64
	GlobalPosition uint64
	Timestamp      time.Time
}

// ActorID returns the actor recorded on the event.
func (e Event) ActorID() string {
	return e.Metadata.ActorID
}

// StreamID returns the event's stream.
func (e Event) StreamID() StreamID {
	return NewStreamID(e.Family, e.AggregateID)
}

// EventFromStored combines a stored event with its decoded payload.
func EventFromStored(stored StoredEvent, data interface{}) Event {
	family := stored.Family
	if family == "" {
		family = adapters.ExtractFamily(stored.StreamID)
	}
	return Event{
		ID:             stored.ID,
		AggregateID:    adapters.ExtractID(stored.StreamID),
		Family:         family,
		Type:           stored.Type,
		SchemaVersion:  stored.SchemaVersion,
		Data:           data,
		Metadata:       stored.Metadata,
		Version:        stored.Version,
		GlobalPosition: stored.GlobalPosition,
		Timestamp:      stored.Timestamp,
	}
}
