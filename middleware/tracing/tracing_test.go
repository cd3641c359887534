package tracing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
)

type signCommand struct {
	clinops.CommandBase
	DocumentID string
}

func (c signCommand) CommandType() string { return "SignDocument" }
func (c signCommand) AggregateID() string { return c.DocumentID }
func (c signCommand) Validate() error     { return nil }

func newTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(WithTracerProvider(tp), WithServiceName("edc")), rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestNewTracer(t *testing.T) {
	tr := NewTracer()
	assert.Equal(t, DefaultServiceName, tr.ServiceName())
	assert.NotNil(t, tr.Tracer())
	assert.Equal(t, "edc", NewTracer(WithServiceName("edc")).ServiceName())
}

func TestCommandMiddleware(t *testing.T) {
	tr, rec := newTracer(t)
	bus := clinops.NewCommandBus()
	bus.Use(clinops.CorrelationMiddleware(), CommandMiddleware(tr))

	fail := false
	bus.RegisterFunc("SignDocument", func(ctx context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
		if fail {
			return clinops.CommandResult{}, fmt.Errorf("sign: %w", clinops.ErrInvalidStateTransition)
		}
		return clinops.NewSuccessResult("d1", 3, 17), nil
	})

	ctx := clinops.WithCorrelationID(context.Background(), "corr-1")
	_, err := bus.Dispatch(ctx, signCommand{CommandBase: clinops.By("pi"), DocumentID: "d1"})
	require.NoError(t, err)
	fail = true
	_, err = bus.Dispatch(ctx, signCommand{CommandBase: clinops.By("pi"), DocumentID: "d1"})
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "command.SignDocument", ok.Name())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	a := attrs(ok)
	assert.Equal(t, "edc", a["clinops.service"].AsString())
	assert.Equal(t, "d1", a["clinops.command.aggregate_id"].AsString())
	assert.Equal(t, "pi", a["clinops.actor_id"].AsString())
	assert.Equal(t, "corr-1", a["clinops.correlation_id"].AsString())
	assert.Equal(t, int64(17), a["clinops.result.position"].AsInt64())

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()
	tr, rec := newTracer(t)
	store := NewEventStoreMiddleware(memory.NewAdapter(), tr)
	require.NoError(t, store.Initialize(ctx))

	_, err := store.Append(ctx, "Document-d1", []adapters.EventRecord{{Type: "DocumentUploaded", SchemaVersion: 1, Data: []byte(`{}`)}}, adapters.NoStream)
	require.NoError(t, err)
	_, err = store.Append(ctx, "Document-d1", []adapters.EventRecord{{Type: "DocumentUploaded", SchemaVersion: 1, Data: []byte(`{}`)}}, adapters.NoStream)
	require.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	_, err = store.Load(ctx, "Document-d1", 0)
	require.NoError(t, err)
	_, err = store.LoadFromPosition(ctx, 0, 10, "Document")
	require.NoError(t, err)
	pos, err := store.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"eventstore.initialize",
		"eventstore.append",
		"eventstore.append",
		"eventstore.load",
		"eventstore.load_from_position",
		"eventstore.get_last_position",
	}, names)

	spans := rec.Ended()
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
	assert.Equal(t, int64(1), attrs(spans[1])["clinops.stored.global_position"].AsInt64())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.Equal(t, int64(1), attrs(spans[3])["clinops.events.loaded"].AsInt64())
}

type recordingProjection struct {
	clinops.ProjectionBase
	err    error
	resets int
}

func (p *recordingProjection) Apply(ctx context.Context, event clinops.Event) error { return p.err }
func (p *recordingProjection) Reset(ctx context.Context) error {
	p.resets++
	return nil
}

func TestProjectionMiddleware(t *testing.T) {
	tr, rec := newTracer(t)
	inner := &recordingProjection{ProjectionBase: clinops.NewProjectionBase("document", "Document")}
	p := NewProjectionMiddleware(inner, tr)

	assert.Equal(t, "document", p.Name())
	assert.Equal(t, []string{"Document"}, p.Families())

	ev := clinops.Event{ID: "e1", AggregateID: "d1", Family: "Document", Type: "DocumentUploaded", Version: 1, GlobalPosition: 5}
	require.NoError(t, p.Apply(context.Background(), ev))
	inner.err = errors.New("row locked")
	require.Error(t, p.Apply(context.Background(), ev))

	require.NoError(t, p.Reset(context.Background()))
	assert.Equal(t, 1, inner.resets)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "projection.document.apply", spans[0].Name())
	a := attrs(spans[0])
	assert.Equal(t, "DocumentUploaded", a["clinops.event.type"].AsString())
	assert.Equal(t, int64(5), a["clinops.event.global_position"].AsInt64())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

type coordinatorFunc func(ctx context.Context, event clinops.Event) error

func (coordinatorFunc) Name() string       { return "echo" }
func (coordinatorFunc) Families() []string { return []string{"Study"} }
func (f coordinatorFunc) Handle(ctx context.Context, event clinops.Event) error {
	return f(ctx, event)
}

func TestCoordinatorMiddleware_ParentsCommandSpans(t *testing.T) {
	tr, rec := newTracer(t)
	bus := clinops.NewCommandBus()
	bus.Use(CommandMiddleware(tr))
	bus.RegisterFunc("SignDocument", func(ctx context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
		return clinops.NewSuccessResult("d1", 1, 1), nil
	})

	c := NewCoordinatorMiddleware(coordinatorFunc(func(ctx context.Context, event clinops.Event) error {
		_, err := bus.Dispatch(ctx, signCommand{CommandBase: clinops.By("system"), DocumentID: "d1"})
		return err
	}), tr)
	assert.Equal(t, "echo", c.Name())

	ev := clinops.Event{ID: "e1", AggregateID: "s1", Family: "Study", Type: "StudyCreated", Metadata: clinops.Metadata{CorrelationID: "corr-9"}}
	require.NoError(t, c.Handle(context.Background(), ev))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	cmd, handle := spans[0], spans[1]
	assert.Equal(t, "command.SignDocument", cmd.Name())
	assert.Equal(t, "coordinator.echo.handle", handle.Name())
	assert.Equal(t, handle.SpanContext().SpanID(), cmd.Parent().SpanID())
	assert.Equal(t, "corr-9", attrs(handle)["clinops.correlation_id"].AsString())
}
