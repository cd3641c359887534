package projections

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
)

// mockT captures failures so fixture assertions can be tested.
type mockT struct {
	testing.TB
	failed bool
	fatal  bool
}

func (m *mockT) Helper()                           {}
func (m *mockT) Errorf(format string, args ...any) { m.failed = true }
func (m *mockT) Fatalf(format string, args ...any) { m.failed = true; m.fatal = true; runtime.Goexit() }

func runWithMockT(fn func(m *mockT)) *mockT {
	mt := &mockT{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}

type itemAdded struct {
	SKU string `json:"sku"`
}

func (itemAdded) EventType() string { return "ItemAdded" }

var errBroken = errors.New("broken")

type counting struct {
	clinops.ProjectionBase
	seen  []clinops.Event
	fails bool
}

func newCounting() *counting {
	return &counting{ProjectionBase: clinops.NewProjectionBase("counting", "Cart")}
}

func (c *counting) Apply(ctx context.Context, ev clinops.Event) error {
	if c.fails {
		return errBroken
	}
	c.seen = append(c.seen, ev)
	return nil
}

func TestFixture_Event(t *testing.T) {
	p := newCounting()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	f := Given(t, p).As("alice").At(ts).
		Event("c1", itemAdded{SKU: "A"}).
		Event("c1", itemAdded{SKU: "B"}).
		Event("c2", itemAdded{SKU: "C"}).
		ThenNoError()

	require.Len(t, p.seen, 3)
	first := p.seen[0]
	assert.Equal(t, "Cart", first.Family)
	assert.Equal(t, "ItemAdded", first.Type)
	assert.Equal(t, "alice", first.ActorID())
	assert.Equal(t, ts, first.Timestamp)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), p.seen[1].Version)
	assert.Equal(t, int64(1), p.seen[2].Version)
	assert.Equal(t, uint64(3), p.seen[2].GlobalPosition)
	assert.Equal(t, p.seen[2], f.Last())
	assert.Len(t, f.Events(), 3)
}

func TestFixture_Redeliver(t *testing.T) {
	p := newCounting()
	f := Given(t, p).Event("c1", itemAdded{SKU: "A"}).Event("c1", itemAdded{SKU: "B"})

	f.Redeliver()
	require.Len(t, p.seen, 3)
	assert.Equal(t, p.seen[1].ID, p.seen[2].ID)

	f.RedeliverAll()
	assert.Len(t, p.seen, 5)
}

func TestFixture_Errors(t *testing.T) {
	p := newCounting()
	p.fails = true
	f := Given(t, p).Event("c1", itemAdded{SKU: "A"})
	f.ThenError(errBroken)
	assert.ErrorIs(t, f.Err(), errBroken)

	p.fails = false
	f.Event("c1", itemAdded{SKU: "B"})
	assert.Empty(t, p.seen, "events after a failure are not delivered")

	mt := runWithMockT(func(m *mockT) {
		Given(m, newCounting()).Event("c1", itemAdded{}).ThenError(errBroken)
	})
	assert.True(t, mt.fatal)

	mt = runWithMockT(func(m *mockT) {
		q := newCounting()
		q.fails = true
		Given(m, q).Event("c1", itemAdded{}).ThenNoError()
	})
	assert.True(t, mt.fatal)

	mt = runWithMockT(func(m *mockT) {
		Given(m, newCounting()).Redeliver()
	})
	assert.True(t, mt.fatal)
}

func TestActionsAndAuditCount(t *testing.T) {
	store := memory.NewAuditStore()
	ctx := context.Background()
	for i, action := range []string{"CREATED", "UPDATED"} {
		_, err := store.Append(ctx, adapters.AuditRecord{
			EntityType:    "Cart",
			EntityID:      "c1",
			Action:        action,
			SourceEventID: []string{"e1", "e2"}[i],
			OccurredAt:    time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"CREATED", "UPDATED"}, Actions(t, store, "Cart", "c1"))
	assert.Empty(t, Actions(t, store, "Cart", "c2"))
	assert.Equal(t, int64(2), AuditCount(t, store))
}
