// Package tracing provides OpenTelemetry integration for clinops.
//
// Spans cover command dispatch, event log operations, projection applies and
// coordinator reactions. A coordinator's command span is a child of the span
// that delivered the triggering event, so one trace shows a form submission
// through to the visit completion it caused.
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	bus.Use(tracing.CommandMiddleware(tracer))
//	engine.RegisterAsync(tracing.NewProjectionMiddleware(projector, tracer))
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
)

const (
	// TracerName is the instrumentation name.
	TracerName = "github.com/clinprecision/clinops-core"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "clinops"
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a Tracer on the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) service() attribute.KeyValue {
	return attribute.String("clinops.service", t.serviceName)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CommandMiddleware traces command dispatch.
func CommandMiddleware(tracer *Tracer) clinops.Middleware {
	return func(next clinops.MiddlewareFunc) clinops.MiddlewareFunc {
		return func(ctx context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, "command."+cmd.CommandType(),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			attrs := []attribute.KeyValue{
				tracer.service(),
				attribute.String("clinops.command.type", cmd.CommandType()),
			}
			if aggCmd, ok := cmd.(clinops.AggregateCommand); ok && aggCmd.AggregateID() != "" {
				attrs = append(attrs, attribute.String("clinops.command.aggregate_id", aggCmd.AggregateID()))
			}
			if actorCmd, ok := cmd.(clinops.ActorCommand); ok {
				attrs = append(attrs, attribute.String("clinops.actor_id", actorCmd.ActorID()))
			}
			if id := clinops.CorrelationIDFromContext(ctx); id != "" {
				attrs = append(attrs, attribute.String("clinops.correlation_id", id))
			}
			span.SetAttributes(attrs...)

			result, err := next(ctx, cmd)
			finish(span, err)
			if err == nil {
				span.SetAttributes(
					attribute.String("clinops.result.aggregate_id", result.AggregateID),
					attribute.Int64("clinops.result.version", result.Version),
					attribute.Int64("clinops.result.position", int64(result.Position)),
				)
			}
			return result, err
		}
	}
}

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var (
	_ adapters.EventStoreAdapter   = (*EventStoreMiddleware)(nil)
	_ adapters.SubscriptionAdapter = (*EventStoreMiddleware)(nil)
)

// NewEventStoreMiddleware wraps adapter with tracing.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

func (m *EventStoreMiddleware) start(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(m.tracer.service())
	return ctx, span
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventstore.append")
	defer span.End()

	eventTypes := make([]string, len(events))
	for i, e := range events {
		eventTypes[i] = e.Type
	}
	span.SetAttributes(
		attribute.String("clinops.stream_id", streamID),
		attribute.Int64("clinops.expected_version", expectedVersion),
		attribute.StringSlice("clinops.events.types", eventTypes),
	)

	stored, err := m.adapter.Append(ctx, streamID, events, expectedVersion)
	finish(span, err)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("clinops.stored.version", last.Version),
			attribute.Int64("clinops.stored.global_position", int64(last.GlobalPosition)),
		)
	}
	return stored, err
}

// Load reads a stream with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventstore.load")
	defer span.End()

	span.SetAttributes(
		attribute.String("clinops.stream_id", streamID),
		attribute.Int64("clinops.from_version", fromVersion),
	)

	events, err := m.adapter.Load(ctx, streamID, fromVersion)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("clinops.events.loaded", len(events)))
	}
	return events, err
}

// LoadFromPosition reads the log in global order with tracing.
func (m *EventStoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]adapters.StoredEvent, error) {
	sub, ok := m.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, clinops.ErrSubscriptionNotSupported
	}
	ctx, span := m.start(ctx, "eventstore.load_from_position")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("clinops.from_position", int64(fromPosition)),
		attribute.StringSlice("clinops.families", families),
	)

	events, err := sub.LoadFromPosition(ctx, fromPosition, limit, families...)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("clinops.events.loaded", len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, "eventstore.get_stream_info")
	defer span.End()

	span.SetAttributes(attribute.String("clinops.stream_id", streamID))

	info, err := m.adapter.GetStreamInfo(ctx, streamID)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("clinops.stream.version", info.Version))
	}
	return info, err
}

// GetLastPosition returns the head position with tracing.
func (m *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	ctx, span := m.start(ctx, "eventstore.get_last_position")
	defer span.End()

	pos, err := m.adapter.GetLastPosition(ctx)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("clinops.last_position", int64(pos)))
	}
	return pos, err
}

// Initialize initializes the adapter with tracing.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, "eventstore.initialize")
	defer span.End()

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

func eventAttributes(event clinops.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("clinops.event.type", event.Type),
		attribute.String("clinops.event.id", event.ID),
		attribute.String("clinops.event.family", event.Family),
		attribute.String("clinops.event.aggregate_id", event.AggregateID),
		attribute.Int64("clinops.event.version", event.Version),
		attribute.Int64("clinops.event.global_position", int64(event.GlobalPosition)),
	}
}

// ProjectionMiddleware wraps a projection with tracing.
type ProjectionMiddleware struct {
	projection clinops.Projection
	tracer     *Tracer
}

var (
	_ clinops.Projection = (*ProjectionMiddleware)(nil)
	_ clinops.Resetter   = (*ProjectionMiddleware)(nil)
)

// NewProjectionMiddleware wraps projection with tracing.
func NewProjectionMiddleware(projection clinops.Projection, tracer *Tracer) *ProjectionMiddleware {
	return &ProjectionMiddleware{
		projection: projection,
		tracer:     tracer,
	}
}

// Name returns the projection name.
func (m *ProjectionMiddleware) Name() string {
	return m.projection.Name()
}

// Families returns the subscribed families.
func (m *ProjectionMiddleware) Families() []string {
	return m.projection.Families()
}

// Apply applies an event with tracing.
func (m *ProjectionMiddleware) Apply(ctx context.Context, event clinops.Event) error {
	ctx, span := m.tracer.StartSpan(ctx, fmt.Sprintf("projection.%s.apply", m.projection.Name()),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(m.tracer.service(), attribute.String("clinops.projection.name", m.projection.Name()))
	span.SetAttributes(eventAttributes(event)...)

	err := m.projection.Apply(ctx, event)
	finish(span, err)
	return err
}

// Reset forwards to the wrapped projection when it supports resetting.
func (m *ProjectionMiddleware) Reset(ctx context.Context) error {
	if r, ok := m.projection.(clinops.Resetter); ok {
		return r.Reset(ctx)
	}
	return nil
}

// CoordinatorMiddleware wraps a coordinator with tracing.
type CoordinatorMiddleware struct {
	coordinator clinops.Coordinator
	tracer      *Tracer
}

var _ clinops.Coordinator = (*CoordinatorMiddleware)(nil)

// NewCoordinatorMiddleware wraps c with tracing.
func NewCoordinatorMiddleware(c clinops.Coordinator, tracer *Tracer) *CoordinatorMiddleware {
	return &CoordinatorMiddleware{coordinator: c, tracer: tracer}
}

// Name returns the coordinator name.
func (m *CoordinatorMiddleware) Name() string { return m.coordinator.Name() }

// Families returns the subscribed families.
func (m *CoordinatorMiddleware) Families() []string { return m.coordinator.Families() }

// Handle reacts to an event with tracing.
func (m *CoordinatorMiddleware) Handle(ctx context.Context, event clinops.Event) error {
	ctx, span := m.tracer.StartSpan(ctx, fmt.Sprintf("coordinator.%s.handle", m.coordinator.Name()),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	span.SetAttributes(m.tracer.service(), attribute.String("clinops.coordinator.name", m.coordinator.Name()))
	span.SetAttributes(eventAttributes(event)...)
	if event.Metadata.CorrelationID != "" {
		span.SetAttributes(attribute.String("clinops.correlation_id", event.Metadata.CorrelationID))
	}

	err := m.coordinator.Handle(ctx, event)
	finish(span, err)
	return err
}

// SpanFromContext returns the current span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError records err on the current span.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
