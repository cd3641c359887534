// Package coordinators provides fixtures for testing clinops coordinators in
// isolation. Events go in, dispatched commands come out, and no event store
// or command bus is involved.
package coordinators

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/clinprecision/clinops-core"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// Recorder is a clinops.Dispatcher that records commands instead of
// handling them.
type Recorder struct {
	mu       sync.Mutex
	commands []clinops.Command
	failures map[string]error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]error)}
}

// FailWith makes every dispatch of commandType return err. The command is
// still recorded.
func (r *Recorder) FailWith(commandType string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[commandType] = err
	return r
}

// Dispatch records cmd.
func (r *Recorder) Dispatch(_ context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if err := r.failures[cmd.CommandType()]; err != nil {
		return clinops.CommandResult{}, err
	}
	res := clinops.CommandResult{Success: true}
	if ac, ok := cmd.(clinops.AggregateCommand); ok {
		res.AggregateID = ac.AggregateID()
	}
	return res, nil
}

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []clinops.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]clinops.Command(nil), r.commands...)
}

// Fixture drives one coordinator.
type Fixture struct {
	t           TB
	ctx         context.Context
	coordinator clinops.Coordinator
	bus         *Recorder
	families    map[string]bool
	err         error
}

// TestCoordinator builds a coordinator against a fresh Recorder.
func TestCoordinator(t TB, build func(bus clinops.Dispatcher) clinops.Coordinator) *Fixture {
	t.Helper()
	bus := NewRecorder()
	c := build(bus)
	families := make(map[string]bool)
	for _, f := range c.Families() {
		families[f] = true
	}
	return &Fixture{t: t, ctx: context.Background(), coordinator: c, bus: bus, families: families}
}

// WithContext sets the context passed to Handle.
func (f *Fixture) WithContext(ctx context.Context) *Fixture {
	f.ctx = ctx
	return f
}

// Recorder returns the dispatcher the coordinator was built with, e.g. to
// configure failures before Given.
func (f *Fixture) Recorder() *Recorder {
	return f.bus
}

// Given hands events to the coordinator the way the runner does: events of
// other families are skipped. It stops at the first error.
func (f *Fixture) Given(events ...clinops.Event) *Fixture {
	f.t.Helper()
	for _, ev := range events {
		if !f.families[ev.Family] {
			continue
		}
		if err := f.coordinator.Handle(f.ctx, ev); err != nil {
			f.err = err
			return f
		}
	}
	return f
}

// ThenDispatched asserts the coordinator dispatched exactly expected, in order.
func (f *Fixture) ThenDispatched(expected ...clinops.Command) *Fixture {
	f.t.Helper()
	if f.err != nil {
		f.t.Fatalf("Coordinator returned error: %v", f.err)
	}

	actual := f.bus.Commands()
	if len(actual) != len(expected) {
		f.t.Fatalf("Expected %d commands, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(actual), expected, actual)
	}
	for i, exp := range expected {
		if !reflect.DeepEqual(actual[i], exp) {
			f.t.Errorf("Command %d mismatch:\nExpected: %+v\nActual: %+v", i, exp, actual[i])
		}
	}
	return f
}

// ThenNothingDispatched asserts no command was dispatched.
func (f *Fixture) ThenNothingDispatched() *Fixture {
	f.t.Helper()
	if f.err != nil {
		f.t.Fatalf("Coordinator returned error: %v", f.err)
	}
	if cmds := f.bus.Commands(); len(cmds) > 0 {
		f.t.Errorf("Expected no commands, got %d: %+v", len(cmds), cmds)
	}
	return f
}

// ThenContains asserts expected is among the dispatched commands.
func (f *Fixture) ThenContains(expected clinops.Command) *Fixture {
	f.t.Helper()
	for _, cmd := range f.bus.Commands() {
		if reflect.DeepEqual(cmd, expected) {
			return f
		}
	}
	f.t.Errorf("Commands do not contain expected command: %+v", expected)
	return f
}

// ThenError asserts Handle failed with an error matching target. A nil
// target accepts any error.
func (f *Fixture) ThenError(target error) *Fixture {
	f.t.Helper()
	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if target != nil && !errors.Is(f.err, target) {
		f.t.Errorf("Expected error %v, got %v", target, f.err)
	}
	return f
}

// Commands returns the dispatched commands for further assertions.
func (f *Fixture) Commands() []clinops.Command {
	return f.bus.Commands()
}
