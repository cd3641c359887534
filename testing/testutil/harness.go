// Package testutil provides an in-memory engine harness for domain tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters/memory"
	"github.com/clinprecision/clinops-core/domain"
	"github.com/clinprecision/clinops-core/refdata"
)

// Clock is a settable clock for deterministic command time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Epoch is the default harness time.
var Epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// Family registers one aggregate family's events and handlers.
type Family struct {
	Events   func(reg *clinops.Registry)
	Handlers func(bus *clinops.CommandBus, deps domain.Deps)
}

// Harness is an in-memory engine with the production middleware order.
type Harness struct {
	Adapter  *memory.MemoryAdapter
	Faulty   *FaultyAdapter
	Registry *clinops.Registry
	Store    *clinops.EventStore
	Bus      *clinops.CommandBus
	Locker   *clinops.StripedLocker
	Clock    *Clock
	RefData  *refdata.Provider
	Deps     domain.Deps
}

type harnessConfig struct {
	families   []Family
	middleware []clinops.Middleware
	snapshot   *refdata.Snapshot
}

// HarnessOption configures a Harness.
type HarnessOption func(*harnessConfig)

// WithFamilies registers aggregate families.
func WithFamilies(families ...Family) HarnessOption {
	return func(c *harnessConfig) { c.families = append(c.families, families...) }
}

// WithMiddleware adds middleware that runs inside the serialization lock.
func WithMiddleware(mw ...clinops.Middleware) HarnessOption {
	return func(c *harnessConfig) { c.middleware = append(c.middleware, mw...) }
}

// WithSnapshot serves snap as the reference data.
func WithSnapshot(snap *refdata.Snapshot) HarnessOption {
	return func(c *harnessConfig) { c.snapshot = snap }
}

// NewHarness builds an engine over a fresh memory adapter.
func NewHarness(t testing.TB, opts ...HarnessOption) *Harness {
	t.Helper()
	cfg := &harnessConfig{snapshot: refdata.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	adapter := memory.NewAdapter()
	faulty := NewFaultyAdapter(adapter)
	reg := clinops.NewRegistry()
	for _, f := range cfg.families {
		if f.Events != nil {
			f.Events(reg)
		}
	}
	store := clinops.New(faulty, reg)
	locker := clinops.NewStripedLocker(32)
	clock := NewClock(Epoch)
	provider := refdata.NewStaticProvider(cfg.snapshot)

	bus := clinops.NewCommandBus()
	bus.Use(
		clinops.RecoveryMiddleware(),
		clinops.CorrelationMiddleware(),
		clinops.ValidationMiddleware(clinops.NewStructValidator()),
		clinops.ActorMiddleware(),
		clinops.LockMiddleware(locker),
	)
	bus.Use(cfg.middleware...)
	bus.Use(clinops.RetryMiddleware(clinops.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}))

	deps := domain.Deps{Store: store, RefData: provider, Now: clock.Now}
	for _, f := range cfg.families {
		if f.Handlers != nil {
			f.Handlers(bus, deps)
		}
	}

	return &Harness{
		Adapter:  adapter,
		Faulty:   faulty,
		Registry: reg,
		Store:    store,
		Bus:      bus,
		Locker:   locker,
		Clock:    clock,
		RefData:  provider,
		Deps:     deps,
	}
}

// Dispatch dispatches cmd and fails the test on error.
func (h *Harness) Dispatch(t testing.TB, cmd clinops.Command) clinops.CommandResult {
	t.Helper()
	res, err := h.Bus.Dispatch(context.Background(), cmd)
	require.NoError(t, err, "dispatch %s", cmd.CommandType())
	return res
}

// Events loads the decoded stream of one aggregate.
func (h *Harness) Events(t testing.TB, family, id string) []clinops.Event {
	t.Helper()
	events, err := h.Store.Load(context.Background(), clinops.NewStreamID(family, id))
	require.NoError(t, err)
	return events
}

// EventTypes returns the type names of one aggregate's stream.
func (h *Harness) EventTypes(t testing.TB, family, id string) []string {
	t.Helper()
	events := h.Events(t, family, id)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// Head returns the global position of the newest event.
func (h *Harness) Head(t testing.TB) uint64 {
	t.Helper()
	pos, err := h.Store.GetLastPosition(context.Background())
	require.NoError(t, err)
	return pos
}
