// Package bdd provides Given-When-Then fixtures for event-sourced aggregates
// and for commands dispatched through a bus.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/testing/assertions"
)

// TB is an alias for testing.TB to allow mocking in tests.
type TB = testing.TB

// TestFixture exercises one aggregate directly.
type TestFixture struct {
	t           TB
	aggregate   clinops.Aggregate
	givenEvents []interface{}
	result      error
	executed    bool
}

// Given sets up the aggregate with historical events.
func Given(t TB, aggregate clinops.Aggregate, events ...interface{}) *TestFixture {
	t.Helper()
	return &TestFixture{
		t:           t,
		aggregate:   aggregate,
		givenEvents: events,
	}
}

// When replays the given events and then runs commandFunc, which should call
// methods on the aggregate.
func (f *TestFixture) When(commandFunc func() error) *TestFixture {
	f.t.Helper()

	if err := clinops.Replay(f.aggregate, f.givenEvents); err != nil {
		f.t.Fatalf("bdd: failed to replay given events: %v", err)
	}
	f.aggregate.ClearUncommittedEvents()

	f.result = commandFunc()
	f.executed = true
	return f
}

func (f *TestFixture) requireExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s must be called after When()", step)
	}
}

// Then asserts that the command succeeded and recorded exactly these events.
func (f *TestFixture) Then(expectedEvents ...interface{}) {
	f.t.Helper()
	f.requireExecuted("Then()")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	if diffs := assertions.DiffEvents(expectedEvents, f.aggregate.UncommittedEvents()); len(diffs) > 0 {
		f.t.Error(assertions.FormatDiffs(diffs))
	}
}

// ThenEventTypes asserts the recorded events by type name only, for events
// carrying generated IDs or timestamps.
func (f *TestFixture) ThenEventTypes(types ...string) {
	f.t.Helper()
	f.requireExecuted("ThenEventTypes()")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	got := assertions.TypesOf(f.aggregate.UncommittedEvents())
	if !reflect.DeepEqual(got, types) && !(len(got) == 0 && len(types) == 0) {
		f.t.Errorf("Expected event types %v, got %v", types, got)
	}
}

// ThenError asserts that the command failed with an error matching expectedErr.
func (f *TestFixture) ThenError(expectedErr error) {
	f.t.Helper()
	f.requireExecuted("ThenError()")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
	if n := len(f.aggregate.UncommittedEvents()); n > 0 {
		f.t.Errorf("Rejected command recorded %d events", n)
	}
}

// ThenErrorContains asserts that the error message contains substring.
func (f *TestFixture) ThenErrorContains(substring string) {
	f.t.Helper()
	f.requireExecuted("ThenErrorContains()")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenNoEvents asserts an accepted no-op.
func (f *TestFixture) ThenNoEvents() {
	f.t.Helper()
	f.requireExecuted("ThenNoEvents()")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}
	if uncommitted := f.aggregate.UncommittedEvents(); len(uncommitted) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(uncommitted), uncommitted)
	}
}

type givenEvent struct {
	streamID clinops.StreamID
	event    clinops.DomainEvent
}

// CommandTestFixture dispatches commands through a bus backed by a store.
type CommandTestFixture struct {
	t           TB
	ctx         context.Context
	bus         clinops.Dispatcher
	store       *clinops.EventStore
	givenEvents []givenEvent
	before      uint64
	result      clinops.CommandResult
	err         error
	executed    bool
}

// GivenCommand creates a command fixture.
func GivenCommand(t TB, bus clinops.Dispatcher, store *clinops.EventStore) *CommandTestFixture {
	t.Helper()
	return &CommandTestFixture{
		t:     t,
		ctx:   context.Background(),
		bus:   bus,
		store: store,
	}
}

// WithContext sets the context used for dispatch.
func (f *CommandTestFixture) WithContext(ctx context.Context) *CommandTestFixture {
	f.ctx = ctx
	return f
}

// WithExistingEvents appends events to streamID before the command runs.
func (f *CommandTestFixture) WithExistingEvents(streamID clinops.StreamID, events ...clinops.DomainEvent) *CommandTestFixture {
	for _, e := range events {
		f.givenEvents = append(f.givenEvents, givenEvent{streamID: streamID, event: e})
	}
	return f
}

// When stores the given events and dispatches cmd.
func (f *CommandTestFixture) When(cmd clinops.Command) *CommandTestFixture {
	f.t.Helper()

	if f.store != nil {
		for _, ge := range f.givenEvents {
			if _, err := f.store.Append(f.ctx, ge.streamID, []clinops.DomainEvent{ge.event}); err != nil {
				f.t.Fatalf("bdd: failed to store given event: %v", err)
			}
		}
		pos, err := f.store.GetLastPosition(f.ctx)
		if err != nil {
			f.t.Fatalf("bdd: failed to read log head: %v", err)
		}
		f.before = pos
	}

	f.result, f.err = f.bus.Dispatch(f.ctx, cmd)
	f.executed = true
	return f
}

func (f *CommandTestFixture) requireExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s must be called after When()", step)
	}
}

// ThenSucceeds asserts the command was accepted.
func (f *CommandTestFixture) ThenSucceeds() *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenSucceeds()")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	if !f.result.Success {
		f.t.Fatal("Expected a successful result")
	}
	return f
}

// ThenFails asserts the command was rejected with an error matching expectedErr.
func (f *CommandTestFixture) ThenFails(expectedErr error) {
	f.t.Helper()
	f.requireExecuted("ThenFails()")

	if f.err == nil {
		f.t.Fatal("Expected failure but got success")
	}
	if !errors.Is(f.err, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.err)
	}
}

// ThenReturnsAggregateID asserts the result's aggregate ID.
func (f *CommandTestFixture) ThenReturnsAggregateID(expected string) *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenReturnsAggregateID()")

	if f.result.AggregateID != expected {
		f.t.Errorf("Expected aggregate ID %q, got %q", expected, f.result.AggregateID)
	}
	return f
}

// ThenReturnsVersion asserts the result's aggregate version.
func (f *CommandTestFixture) ThenReturnsVersion(expected int64) *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenReturnsVersion()")

	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}
	return f
}

// ThenAppended asserts the types of the events the command wrote, across all
// streams, in log order.
func (f *CommandTestFixture) ThenAppended(types ...string) *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenAppended()")

	if f.store == nil {
		f.t.Fatal("bdd: ThenAppended() needs a store")
	}
	stored, err := f.store.LoadEventsFromPosition(f.ctx, f.before, 0)
	if err != nil {
		f.t.Fatalf("bdd: failed to read appended events: %v", err)
	}
	got := make([]string, len(stored))
	for i, e := range stored {
		got[i] = e.Type
	}
	if !reflect.DeepEqual(got, types) && !(len(got) == 0 && len(types) == 0) {
		f.t.Errorf("Expected appended %v, got %v", types, got)
	}
	return f
}

// Result returns the dispatch result.
func (f *CommandTestFixture) Result() clinops.CommandResult { return f.result }

// Err returns the dispatch error.
func (f *CommandTestFixture) Err() error { return f.err }
