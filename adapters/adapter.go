// Package adapters defines the storage contracts behind the clinops engine:
// the append-only event log, projection checkpoints, the read-model unit of
// work, audit records, the processed-event ledger and the outbox.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every backend. Adapters return these (or errors
// matching them through errors.Is) so the engine can classify failures
// without knowing which store produced them.
var (
	// ErrConcurrencyConflict is returned when the expected stream version does not match.
	ErrConcurrencyConflict = errors.New("clinops: concurrency conflict")

	// ErrStreamNotFound is returned when a stream that must exist does not.
	ErrStreamNotFound = errors.New("clinops: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("clinops: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("clinops: no events to append")

	// ErrInvalidVersion is returned when an invalid expected version is specified.
	ErrInvalidVersion = errors.New("clinops: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("clinops: adapter is closed")

	// ErrDuplicateKey is returned when a uniqueness constraint rejects a write.
	ErrDuplicateKey = errors.New("clinops: duplicate key")

	// ErrNoActiveTx is returned when a transactional write is attempted outside WithinTx.
	ErrNoActiveTx = errors.New("clinops: no active transaction")
)

// Metadata travels with every event. ActorID is the opaque identity of whoever
// issued the command; the engine records it but never authenticates it.
type Metadata struct {
	ActorID       string            `json:"actorId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
}

// StoredEvent is an immutable, committed fact as held by the event log.
type StoredEvent struct {
	// ID is the globally unique event identifier.
	ID string

	// StreamID is "Family-AggregateID".
	StreamID string

	// Family is the aggregate family (the stream category).
	Family string

	// Type is the event type within the family.
	Type string

	// SchemaVersion is the payload shape version the event was written with.
	SchemaVersion int

	// Data is the encoded payload.
	Data []byte

	// Metadata carries actor and correlation context.
	Metadata Metadata

	// Version is the sequence number within the stream (1-based).
	Version int64

	// GlobalPosition orders events across all streams of one store.
	GlobalPosition uint64

	// Timestamp is when the event occurred (was committed).
	Timestamp time.Time
}

// StreamInfo describes an event stream.
type StreamInfo struct {
	StreamID   string
	Family     string
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord is an event about to be appended.
type EventRecord struct {
	// ID may be preassigned; the adapter generates one when empty.
	ID            string
	Type          string
	SchemaVersion int
	Data          []byte
	Metadata      Metadata
}

// EventStoreAdapter is the append-only event log.
type EventStoreAdapter interface {
	// Append stores events with optimistic concurrency. expectedVersion is one of
	// AnyVersion, NoStream, StreamExists or the exact current stream version.
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load returns the events of one stream with Version > fromVersion, in order.
	Load(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error)

	// GetStreamInfo returns ErrStreamNotFound for unknown streams.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// GetLastPosition returns the global position of the newest event, 0 if empty.
	GetLastPosition(ctx context.Context) (uint64, error)

	Initialize(ctx context.Context) error
	Close() error
}

// SubscriptionAdapter lets projections and coordinators read the log in global order.
type SubscriptionAdapter interface {
	// LoadFromPosition returns up to limit events with GlobalPosition > fromPosition.
	// When families is non-empty only events of those families are returned.
	LoadFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]StoredEvent, error)
}

// CheckpointAdapter stores the last position each projection has fully applied.
type CheckpointAdapter interface {
	GetCheckpoint(ctx context.Context, projectionName string) (uint64, error)
	SetCheckpoint(ctx context.Context, projectionName string, position uint64) error
}

// Transactor runs fn as one all-or-nothing unit of work. Stores participating
// in the unit pick the active transaction up from ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditRecord is one append-only "who changed what when" row, linked to the
// event that caused it.
type AuditRecord struct {
	ID            string    `json:"id"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Action        string    `json:"action"`
	OldData       []byte    `json:"oldData,omitempty"`
	NewData       []byte    `json:"newData,omitempty"`
	ActorID       string    `json:"actorId"`
	OccurredAt    time.Time `json:"occurredAt"`
	SourceEventID string    `json:"sourceEventId"`
}

// AuditStore persists audit records. Append is idempotent on SourceEventID and
// reports whether a new row was written.
type AuditStore interface {
	Append(ctx context.Context, record AuditRecord) (bool, error)
	ForEntity(ctx context.Context, entityType, entityID string) ([]AuditRecord, error)
	BySourceEvent(ctx context.Context, eventID string) (*AuditRecord, error)
	Count(ctx context.Context) (int64, error)
}

// ProcessedEventStore is the per-projection ledger of applied event IDs.
type ProcessedEventStore interface {
	IsProcessed(ctx context.Context, projection, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, projection, eventID string, position uint64) error
	Clear(ctx context.Context, projection string) error
}

// IdempotencyStore tracks processed commands by idempotency key.
type IdempotencyStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Store(ctx context.Context, record *IdempotencyRecord) error
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyRecord is the stored outcome of one command.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	CommandType string    `json:"commandType"`
	AggregateID string    `json:"aggregateId,omitempty"`
	Version     int64     `json:"version,omitempty"`
	Position    uint64    `json:"position,omitempty"`
	Error       string    `json:"error,omitempty"`
	Success     bool      `json:"success"`
	ProcessedAt time.Time `json:"processedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IsExpired reports whether the record is past its expiry.
func (r *IdempotencyRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// ProjectionInfo is the persisted status of a projection, used by the CLI.
type ProjectionInfo struct {
	Name      string
	Position  uint64
	Status    string
	LastError string
	UpdatedAt time.Time
}

// ProjectionQueryAdapter exposes projection bookkeeping to operators.
type ProjectionQueryAdapter interface {
	ListProjections(ctx context.Context) ([]ProjectionInfo, error)
	// GetProjection returns nil, nil when the projection is unknown.
	GetProjection(ctx context.Context, name string) (*ProjectionInfo, error)
	SetProjectionStatus(ctx context.Context, name, status, lastError string) error
	ResetProjectionCheckpoint(ctx context.Context, name string) error
}

// DiagnosticInfo describes the backing database.
type DiagnosticInfo struct {
	Version   string
	Connected bool
	Message   string
}

// DiagnosticAdapter provides health information for the diagnose command.
type DiagnosticAdapter interface {
	Ping(ctx context.Context) error
	GetDiagnosticInfo(ctx context.Context) (*DiagnosticInfo, error)
}
