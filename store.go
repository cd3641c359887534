package clinops

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clinprecision/clinops-core/adapters"
)

// Logger is the structured logging contract used across the engine.
// Arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

// EventStore is the event log facade: it encodes through the registry,
// appends with optimistic concurrency and replays aggregates.
type EventStore struct {
	adapter  adapters.EventStoreAdapter
	registry *Registry
	logger   Logger

	hooksMu sync.RWMutex
	hooks   []AppendHook
}

// AppendHook runs after every successful append with the committed events.
// The append has already happened; hooks cannot undo it.
type AppendHook func(ctx context.Context, events []StoredEvent)

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets the store logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// New creates an EventStore over adapter. Every event appended or loaded must
// be registered in registry.
func New(adapter adapters.EventStoreAdapter, registry *Registry, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:  adapter,
		registry: registry,
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// Registry returns the event registry.
func (s *EventStore) Registry() *Registry { return s.registry }

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter { return s.adapter }

// AppendOption configures an append.
type AppendOption func(*appendConfig)

type appendConfig struct {
	metadata        Metadata
	expectedVersion int64
}

// ExpectVersion sets the expected stream version.
func ExpectVersion(v int64) AppendOption {
	return func(c *appendConfig) {
		c.expectedVersion = v
	}
}

// WithAppendMetadata sets the metadata stamped on every appended event.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// Append encodes and appends events to the stream.
func (s *EventStore) Append(ctx context.Context, streamID StreamID, events []DomainEvent, opts ...AppendOption) ([]StoredEvent, error) {
	if err := streamID.Validate(); err != nil {
		return nil, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	cfg := &appendConfig{expectedVersion: AnyVersion}
	for _, opt := range opts {
		opt(cfg)
	}

	records, err := s.encode(streamID.Family, events, cfg.metadata)
	if err != nil {
		return nil, err
	}
	stored, err := s.adapter.Append(ctx, streamID.String(), records, cfg.expectedVersion)
	if err != nil {
		return nil, err
	}
	s.afterAppend(ctx, stored)
	return stored, nil
}

// AddAppendHook registers hook. Inline projections use it.
func (s *EventStore) AddAppendHook(hook AppendHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *EventStore) afterAppend(ctx context.Context, stored []StoredEvent) {
	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, stored)
	}
}

func (s *EventStore) encode(family string, events []DomainEvent, md Metadata) ([]adapters.EventRecord, error) {
	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		eventType, version, data, err := s.registry.Encode(family, event)
		if err != nil {
			return nil, fmt.Errorf("clinops: event %d: %w", i, err)
		}
		records[i] = adapters.EventRecord{
			Type:          eventType,
			SchemaVersion: version,
			Data:          data,
			Metadata:      md,
		}
	}
	return records, nil
}

// Load returns the decoded events of a stream in sequence order.
func (s *EventStore) Load(ctx context.Context, streamID StreamID) ([]Event, error) {
	stored, err := s.LoadRaw(ctx, streamID, 0)
	if err != nil {
		return nil, err
	}
	events := make([]Event, len(stored))
	for i, se := range stored {
		ev, err := s.registry.DecodeEvent(se)
		if err != nil {
			return nil, fmt.Errorf("clinops: event %d of %s: %w", i, streamID, err)
		}
		events[i] = ev
	}
	return events, nil
}

// LoadRaw returns stored events with Version > fromVersion without decoding.
func (s *EventStore) LoadRaw(ctx context.Context, streamID StreamID, fromVersion int64) ([]StoredEvent, error) {
	if err := streamID.Validate(); err != nil {
		return nil, ErrEmptyStreamID
	}
	return s.adapter.Load(ctx, streamID.String(), fromVersion)
}

// StreamExists reports whether the stream has at least one event.
func (s *EventStore) StreamExists(ctx context.Context, streamID StreamID) (bool, error) {
	_, err := s.adapter.GetStreamInfo(ctx, streamID.String())
	if errors.Is(err, ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveAggregate appends the aggregate's uncommitted events, expecting the
// stream to still be at the version the aggregate was loaded at. On success
// the aggregate's version advances and its pending events are cleared.
func (s *EventStore) SaveAggregate(ctx context.Context, agg Aggregate, md Metadata) ([]StoredEvent, error) {
	if agg == nil {
		return nil, ErrNilAggregate
	}
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil, nil
	}

	events := make([]DomainEvent, len(pending))
	for i, p := range pending {
		de, ok := p.(DomainEvent)
		if !ok {
			return nil, NewSerializationError(fmt.Sprintf("%T", p), "encode",
				errors.New("event does not implement DomainEvent"))
		}
		events[i] = de
	}

	records, err := s.encode(agg.AggregateType(), events, md)
	if err != nil {
		return nil, err
	}

	expected := agg.Version()
	if expected == 0 {
		expected = NoStream
	}
	streamID := NewStreamID(agg.AggregateType(), agg.AggregateID())
	stored, err := s.adapter.Append(ctx, streamID.String(), records, expected)
	if err != nil {
		return nil, err
	}

	if setter, ok := agg.(VersionSetter); ok {
		setter.SetVersion(agg.Version() + int64(len(records)))
	}
	agg.ClearUncommittedEvents()

	s.logger.Debug("aggregate saved", "stream", streamID.String(), "events", len(stored))
	s.afterAppend(ctx, stored)
	return stored, nil
}

// LoadAggregate replays the aggregate's stream into agg. An aggregate with no
// history is left at version 0.
func (s *EventStore) LoadAggregate(ctx context.Context, agg Aggregate) error {
	if agg == nil {
		return ErrNilAggregate
	}
	streamID := NewStreamID(agg.AggregateType(), agg.AggregateID())
	stored, err := s.adapter.Load(ctx, streamID.String(), 0)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return nil
		}
		return err
	}

	for i, se := range stored {
		data, err := s.registry.Decode(se)
		if err != nil {
			return fmt.Errorf("clinops: event %d of %s: %w", i, streamID, err)
		}
		if err := agg.ApplyEvent(data); err != nil {
			return fmt.Errorf("clinops: applying event %d of %s: %w", i, streamID, err)
		}
	}

	if setter, ok := agg.(VersionSetter); ok && len(stored) > 0 {
		setter.SetVersion(stored[len(stored)-1].Version)
	}
	return nil
}

// GetStreamInfo returns metadata about a stream.
func (s *EventStore) GetStreamInfo(ctx context.Context, streamID StreamID) (*StreamInfo, error) {
	return s.adapter.GetStreamInfo(ctx, streamID.String())
}

// GetLastPosition returns the newest global position.
func (s *EventStore) GetLastPosition(ctx context.Context) (uint64, error) {
	return s.adapter.GetLastPosition(ctx)
}

// LoadEventsFromPosition reads the log in global order after fromPosition,
// optionally restricted to families.
func (s *EventStore) LoadEventsFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]StoredEvent, error) {
	sub, ok := s.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, ErrSubscriptionNotSupported
	}
	return sub.LoadFromPosition(ctx, fromPosition, limit, families...)
}

// Initialize prepares the adapter schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases adapter resources.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}
