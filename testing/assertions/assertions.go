// Package assertions compares recorded event payloads and committed events.
// Payload slices are what aggregates record ([]interface{}); committed
// events come back from the store as []clinops.Event.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/clinprecision/clinops-core"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// TypeName returns the event type of a payload: EventType() when it is a
// clinops.DomainEvent, else the Go type name.
func TypeName(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	if de, ok := v.(clinops.DomainEvent); ok {
		return de.EventType()
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// TypesOf maps payloads to their type names.
func TypesOf(events []interface{}) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = TypeName(e)
	}
	return out
}

// Payloads extracts the decoded payloads of committed events.
func Payloads(events []clinops.Event) []interface{} {
	out := make([]interface{}, len(events))
	for i, e := range events {
		out[i] = e.Data
	}
	return out
}

// AssertEventTypes checks that the events have the expected types in order.
func AssertEventTypes(t TB, events []interface{}, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d: %v", len(types), len(events), TypesOf(events))
	}
	for i, expected := range types {
		if actual := TypeName(events[i]); actual != expected {
			t.Errorf("Event %d: expected type %s, got %s", i, expected, actual)
		}
	}
}

// AssertContainsEvent checks that the events contain one equal to expected.
func AssertContainsEvent[T any](t TB, events []interface{}, expected T) {
	t.Helper()

	for _, event := range events {
		if actual, ok := event.(T); ok && reflect.DeepEqual(actual, expected) {
			return
		}
	}
	t.Errorf("Events do not contain expected event: %+v", expected)
}

// Find returns the first payload of type T.
func Find[T any](events []interface{}) (T, bool) {
	for _, event := range events {
		if actual, ok := event.(T); ok {
			return actual, true
		}
	}
	var zero T
	return zero, false
}

// EventDiff represents a difference between expected and actual events.
type EventDiff struct {
	Index    int
	Expected interface{}
	Actual   interface{}
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event data did not match.
	DiffMismatch
)

func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffEvents compares two payload slices position by position.
func DiffEvents(expected, actual []interface{}) []EventDiff {
	var diffs []EventDiff

	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case !reflect.DeepEqual(expected[i], actual[i]):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Actual: actual[i], Type: DiffMismatch})
		}
	}
	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")
	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)
		switch diff.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %s %+v (unexpected)\n", TypeName(diff.Actual), diff.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %s %+v (missing)\n", TypeName(diff.Expected), diff.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %s %+v\n", TypeName(diff.Expected), diff.Expected)
			fmt.Fprintf(&buf, "    + %s %+v\n", TypeName(diff.Actual), diff.Actual)
		}
	}
	return buf.String()
}

// AssertEventsEqual compares two payload slices and fails with a diff if
// they differ.
func AssertEventsEqual(t TB, expected, actual []interface{}) {
	t.Helper()

	if diffs := DiffEvents(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// EventMatcher selects committed events.
type EventMatcher func(event clinops.Event) bool

// MatchType matches events by type.
func MatchType(eventType string) EventMatcher {
	return func(e clinops.Event) bool { return e.Type == eventType }
}

// MatchActor matches events recorded for actor.
func MatchActor(actor string) EventMatcher {
	return func(e clinops.Event) bool { return e.ActorID() == actor }
}

// MatchCausedBy matches events whose causation ID is id.
func MatchCausedBy(id string) EventMatcher {
	return func(e clinops.Event) bool { return e.Metadata.CausationID == id }
}

// AssertAllMatch checks that every event matches.
func AssertAllMatch(t TB, events []clinops.Event, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if !matcher(e) {
			t.Errorf("Event %d (%s) did not match", i, e.Type)
		}
	}
}

// AssertNoneMatch checks that no event matches.
func AssertNoneMatch(t TB, events []clinops.Event, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if matcher(e) {
			t.Errorf("Event %d (%s) unexpectedly matched", i, e.Type)
		}
	}
}

// Filter returns the events that match.
func Filter(events []clinops.Event, matcher EventMatcher) []clinops.Event {
	var out []clinops.Event
	for _, e := range events {
		if matcher(e) {
			out = append(out, e)
		}
	}
	return out
}
