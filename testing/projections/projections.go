// Package projections provides fixtures for testing projectors: deliver
// decoded events straight to a projection, redeliver them, and check the
// audit trail it wrote.
package projections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// Fixture delivers events to one projection in order.
type Fixture struct {
	t          TB
	ctx        context.Context
	projection clinops.Projection
	family     string
	actor      string
	now        time.Time
	position   uint64
	versions   map[string]int64
	delivered  []clinops.Event
	err        error
}

// Given starts a fixture for p. Events are stamped as the family p reads
// first.
func Given(t TB, p clinops.Projection) *Fixture {
	t.Helper()
	f := &Fixture{
		t:          t,
		ctx:        context.Background(),
		projection: p,
		actor:      "tester",
		now:        time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		versions:   make(map[string]int64),
	}
	if fams := p.Families(); len(fams) > 0 {
		f.family = fams[0]
	}
	return f
}

// WithContext sets a custom context.
func (f *Fixture) WithContext(ctx context.Context) *Fixture {
	f.ctx = ctx
	return f
}

// As sets the actor recorded on following events.
func (f *Fixture) As(actor string) *Fixture {
	f.actor = actor
	return f
}

// At sets the timestamp of following events.
func (f *Fixture) At(ts time.Time) *Fixture {
	f.now = ts
	return f
}

// Event builds the next committed event of aggregateID and applies it. Once
// an apply has failed, later events are not delivered.
func (f *Fixture) Event(aggregateID string, data clinops.DomainEvent) *Fixture {
	f.t.Helper()
	f.position++
	f.versions[aggregateID]++
	ev := clinops.Event{
		ID:             uuid.NewString(),
		AggregateID:    aggregateID,
		Family:         f.family,
		Type:           data.EventType(),
		SchemaVersion:  1,
		Data:           data,
		Metadata:       clinops.Metadata{ActorID: f.actor},
		Version:        f.versions[aggregateID],
		GlobalPosition: f.position,
		Timestamp:      f.now,
	}
	f.delivered = append(f.delivered, ev)
	f.apply(ev)
	return f
}

// Redeliver applies the most recent event again.
func (f *Fixture) Redeliver() *Fixture {
	f.t.Helper()
	if len(f.delivered) == 0 {
		f.t.Fatalf("nothing delivered yet")
	}
	f.apply(f.delivered[len(f.delivered)-1])
	return f
}

// RedeliverAll applies every delivered event again, in order.
func (f *Fixture) RedeliverAll() *Fixture {
	f.t.Helper()
	for _, ev := range f.delivered {
		f.apply(ev)
	}
	return f
}

func (f *Fixture) apply(ev clinops.Event) {
	f.t.Helper()
	if f.err != nil {
		return
	}
	f.err = f.projection.Apply(f.ctx, ev)
}

// ThenNoError fails the test when an apply failed.
func (f *Fixture) ThenNoError() *Fixture {
	f.t.Helper()
	if f.err != nil {
		f.t.Fatalf("projection %s: unexpected error: %v", f.projection.Name(), f.err)
	}
	return f
}

// ThenError asserts that an apply failed with target in its chain.
func (f *Fixture) ThenError(target error) {
	f.t.Helper()
	if f.err == nil {
		f.t.Fatalf("projection %s: expected error %v, got none", f.projection.Name(), target)
		return
	}
	if !errors.Is(f.err, target) {
		f.t.Errorf("projection %s: expected error %v, got %v", f.projection.Name(), target, f.err)
	}
}

// Err returns the first apply error.
func (f *Fixture) Err() error {
	return f.err
}

// Last returns the most recently delivered event.
func (f *Fixture) Last() clinops.Event {
	f.t.Helper()
	if len(f.delivered) == 0 {
		f.t.Fatalf("nothing delivered yet")
	}
	return f.delivered[len(f.delivered)-1]
}

// Events returns everything delivered so far.
func (f *Fixture) Events() []clinops.Event {
	return f.delivered
}

// Actions returns the audit actions recorded for one entity, oldest first.
func Actions(t TB, store adapters.AuditStore, entityType, entityID string) []string {
	t.Helper()
	records, err := store.ForEntity(context.Background(), entityType, entityID)
	if err != nil {
		t.Fatalf("loading audit trail of %s %s: %v", entityType, entityID, err)
	}
	actions := make([]string, len(records))
	for i, r := range records {
		actions[i] = r.Action
	}
	return actions
}

// AuditCount returns the number of audit records in store.
func AuditCount(t TB, store adapters.AuditStore) int64 {
	t.Helper()
	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("counting audit records: %v", err)
	}
	return n
}
