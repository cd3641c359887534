package assertions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
)

type siteOpened struct {
	SiteID string
	Name   string
}

func (siteOpened) EventType() string { return "SiteOpened" }

type siteClosed struct {
	SiteID string
	Reason string
}

func (siteClosed) EventType() string { return "SiteClosed" }

type untyped struct{ N int }

// mockT captures failures so the assertions themselves can be tested.
type mockT struct {
	testing.TB
	failed  bool
	fatal   bool
	message string
}

func (m *mockT) Helper() {}
func (m *mockT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.message = format
}
func (m *mockT) Error(args ...interface{}) {
	m.failed = true
	if len(args) > 0 {
		if msg, ok := args[0].(string); ok {
			m.message = msg
		}
	}
}
func (m *mockT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.fatal = true
	m.message = format
	runtime.Goexit()
}

func runWithMockT(fn func(*mockT)) *mockT {
	mt := &mockT{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "SiteOpened", TypeName(siteOpened{}))
	assert.Equal(t, "SiteOpened", TypeName(&siteOpened{}))
	assert.Equal(t, "untyped", TypeName(untyped{}))
	assert.Equal(t, "untyped", TypeName(&untyped{}))
	assert.Equal(t, "<nil>", TypeName(nil))
	assert.Equal(t, []string{"SiteOpened", "SiteClosed"}, TypesOf([]interface{}{siteOpened{}, siteClosed{}}))
}

func TestAssertEventTypes(t *testing.T) {
	events := []interface{}{siteOpened{SiteID: "a"}, siteClosed{SiteID: "a"}}

	mt := runWithMockT(func(m *mockT) { AssertEventTypes(m, events, "SiteOpened", "SiteClosed") })
	assert.False(t, mt.failed)

	mt = runWithMockT(func(m *mockT) { AssertEventTypes(m, events, "SiteClosed", "SiteOpened") })
	assert.True(t, mt.failed)
	assert.False(t, mt.fatal)

	mt = runWithMockT(func(m *mockT) { AssertEventTypes(m, events, "SiteOpened") })
	assert.True(t, mt.fatal)
}

func TestAssertContainsEvent(t *testing.T) {
	events := []interface{}{siteOpened{SiteID: "a", Name: "Boston"}, siteClosed{SiteID: "a", Reason: "enrollment met"}}

	mt := runWithMockT(func(m *mockT) { AssertContainsEvent(m, events, siteClosed{SiteID: "a", Reason: "enrollment met"}) })
	assert.False(t, mt.failed)

	mt = runWithMockT(func(m *mockT) { AssertContainsEvent(m, events, siteClosed{SiteID: "b"}) })
	assert.True(t, mt.failed)
}

func TestFind(t *testing.T) {
	events := []interface{}{siteOpened{SiteID: "a"}, siteClosed{SiteID: "a", Reason: "done"}}

	closed, ok := Find[siteClosed](events)
	require.True(t, ok)
	assert.Equal(t, "done", closed.Reason)

	_, ok = Find[untyped](events)
	assert.False(t, ok)
}

func TestDiffEvents(t *testing.T) {
	a := siteOpened{SiteID: "a"}
	b := siteClosed{SiteID: "a"}

	assert.Empty(t, DiffEvents([]interface{}{a, b}, []interface{}{a, b}))

	diffs := DiffEvents([]interface{}{a, b}, []interface{}{a})
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffMissing, diffs[0].Type)
	assert.Equal(t, 1, diffs[0].Index)

	diffs = DiffEvents([]interface{}{a}, []interface{}{a, b})
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffExtra, diffs[0].Type)

	diffs = DiffEvents([]interface{}{a}, []interface{}{siteOpened{SiteID: "z"}})
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffMismatch, diffs[0].Type)

	assert.Equal(t, "missing", DiffMissing.String())
	assert.Equal(t, "extra", DiffExtra.String())
	assert.Equal(t, "mismatch", DiffMismatch.String())
	assert.Equal(t, "unknown", DiffType(99).String())
}

func TestFormatDiffs(t *testing.T) {
	assert.Equal(t, "no differences", FormatDiffs(nil))

	out := FormatDiffs(DiffEvents(
		[]interface{}{siteOpened{SiteID: "a"}, siteClosed{SiteID: "a"}},
		[]interface{}{siteOpened{SiteID: "b"}},
	))
	assert.Contains(t, out, "Event 0 (mismatch)")
	assert.Contains(t, out, "- SiteOpened {SiteID:a Name:}")
	assert.Contains(t, out, "+ SiteOpened {SiteID:b Name:}")
	assert.Contains(t, out, "Event 1 (missing)")
}

func TestAssertEventsEqual(t *testing.T) {
	mt := runWithMockT(func(m *mockT) {
		AssertEventsEqual(m, []interface{}{siteOpened{SiteID: "a"}}, []interface{}{siteOpened{SiteID: "a"}})
	})
	assert.False(t, mt.failed)

	mt = runWithMockT(func(m *mockT) {
		AssertEventsEqual(m, []interface{}{siteOpened{SiteID: "a"}}, nil)
	})
	assert.True(t, mt.failed)
	assert.Contains(t, mt.message, "Event differences")
}

func TestMatchers(t *testing.T) {
	events := []clinops.Event{
		{ID: "e1", Type: "SiteOpened", Data: siteOpened{SiteID: "a"}, Metadata: clinops.Metadata{ActorID: "cra"}},
		{ID: "e2", Type: "SiteClosed", Data: siteClosed{SiteID: "a"}, Metadata: clinops.Metadata{ActorID: "system", CausationID: "e1"}},
	}

	assert.Len(t, Filter(events, MatchType("SiteClosed")), 1)
	assert.Len(t, Filter(events, MatchActor("cra")), 1)
	assert.Equal(t, "e2", Filter(events, MatchCausedBy("e1"))[0].ID)
	assert.Equal(t, []interface{}{siteOpened{SiteID: "a"}, siteClosed{SiteID: "a"}}, Payloads(events))

	mt := runWithMockT(func(m *mockT) { AssertAllMatch(m, events, MatchActor("cra")) })
	assert.True(t, mt.failed)
	mt = runWithMockT(func(m *mockT) { AssertNoneMatch(m, events, MatchType("SiteSuspended")) })
	assert.False(t, mt.failed)
	mt = runWithMockT(func(m *mockT) { AssertNoneMatch(m, events, MatchType("SiteOpened")) })
	assert.True(t, mt.failed)
}
