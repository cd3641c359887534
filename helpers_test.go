package clinops

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core/adapters/memory"
)

// A small "Ledger" family used across the engine tests.

const ledgerFamily = "Ledger"

type LedgerOpened struct {
	LedgerID string `json:"ledgerId"`
	Name     string `json:"name"`
}

func (LedgerOpened) EventType() string { return "LedgerOpened" }

type EntryPosted struct {
	LedgerID string `json:"ledgerId"`
	Amount   int    `json:"amount"`
}

func (EntryPosted) EventType() string { return "EntryPosted" }

type LedgerClosed struct {
	LedgerID string `json:"ledgerId"`
}

func (LedgerClosed) EventType() string { return "LedgerClosed" }

type ledger struct {
	AggregateBase
	name    string
	balance int
	closed  bool
}

func newLedger(id string) *ledger {
	return &ledger{AggregateBase: NewAggregateBase(id, ledgerFamily)}
}

func (l *ledger) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case LedgerOpened:
		l.name = e.Name
	case EntryPosted:
		l.balance += e.Amount
	case LedgerClosed:
		l.closed = true
	}
	return nil
}

func (l *ledger) record(e DomainEvent) {
	_ = l.ApplyEvent(e)
	l.Record(e)
}

type openLedger struct {
	CommandBase
	LedgerID string `json:"ledgerId"`
	Name     string `json:"name" validate:"required"`
}

func (openLedger) CommandType() string   { return "OpenLedger" }
func (c openLedger) AggregateID() string { return c.LedgerID }
func (openLedger) Validate() error       { return nil }

type postEntry struct {
	CommandBase
	LedgerID string `json:"ledgerId" validate:"required"`
	Amount   int    `json:"amount"`
}

func (postEntry) CommandType() string   { return "PostEntry" }
func (c postEntry) AggregateID() string { return c.LedgerID }
func (c postEntry) Validate() error {
	if c.Amount == 0 {
		return NewValidationError("PostEntry", "amount", "must not be zero")
	}
	return nil
}

type closeLedger struct {
	CommandBase
	LedgerID string `json:"ledgerId" validate:"required"`
}

func (closeLedger) CommandType() string   { return "CloseLedger" }
func (c closeLedger) AggregateID() string { return c.LedgerID }
func (closeLedger) Validate() error       { return nil }

func registerLedgerEvents(reg *Registry) {
	Register[LedgerOpened](reg, ledgerFamily)
	Register[EntryPosted](reg, ledgerFamily)
	Register[LedgerClosed](reg, ledgerFamily)
}

func registerLedgerHandlers(bus *CommandBus, store *EventStore) {
	bus.Register(NewAggregateHandler(AggregateHandlerConfig[openLedger, *ledger]{
		CommandType: "OpenLedger",
		Store:       store,
		Factory:     newLedger,
		Create:      true,
		Decide: func(ctx context.Context, cmd openLedger, l *ledger) error {
			l.record(LedgerOpened{LedgerID: l.AggregateID(), Name: cmd.Name})
			return nil
		},
	}))
	bus.Register(NewAggregateHandler(AggregateHandlerConfig[postEntry, *ledger]{
		CommandType: "PostEntry",
		Store:       store,
		Factory:     newLedger,
		Decide: func(ctx context.Context, cmd postEntry, l *ledger) error {
			if l.closed {
				return NewInvalidStateTransition(ledgerFamily, l.AggregateID(), "CLOSED", "CLOSED", "ledger is closed")
			}
			l.record(EntryPosted{LedgerID: l.AggregateID(), Amount: cmd.Amount})
			return nil
		},
	}))
	bus.Register(NewAggregateHandler(AggregateHandlerConfig[closeLedger, *ledger]{
		CommandType: "CloseLedger",
		Store:       store,
		Factory:     newLedger,
		Decide: func(ctx context.Context, cmd closeLedger, l *ledger) error {
			if l.closed {
				return nil
			}
			l.record(LedgerClosed{LedgerID: l.AggregateID()})
			return nil
		},
	}))
}

type harness struct {
	adapter *memory.MemoryAdapter
	store   *EventStore
	bus     *CommandBus
	locker  *StripedLocker
}

func newHarness(t *testing.T, extra ...Middleware) *harness {
	t.Helper()
	reg := NewRegistry()
	registerLedgerEvents(reg)
	adapter := memory.NewAdapter()
	store := New(adapter, reg)
	locker := NewStripedLocker(16)

	bus := NewCommandBus()
	bus.Use(
		RecoveryMiddleware(),
		CorrelationMiddleware(),
		ValidationMiddleware(NewStructValidator()),
		ActorMiddleware(),
	)
	bus.Use(extra...)
	bus.Use(
		LockMiddleware(locker),
		RetryMiddleware(DefaultRetryConfig()),
	)
	registerLedgerHandlers(bus, store)
	return &harness{adapter: adapter, store: store, bus: bus, locker: locker}
}

func (h *harness) open(t *testing.T, name string) CommandResult {
	t.Helper()
	res, err := h.bus.Dispatch(context.Background(), openLedger{CommandBase: By("clerk"), Name: name})
	require.NoError(t, err)
	return res
}

type testLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *testLogger) Debug(msg string, args ...interface{}) {}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *testLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// balanceProjection keeps a running balance per ledger and can be told to
// fail.
type balanceProjection struct {
	ProjectionBase
	mu       sync.Mutex
	balances map[string]int
	applied  []string
	failOn   func(Event) error
}

func newBalanceProjection() *balanceProjection {
	return &balanceProjection{
		ProjectionBase: NewProjectionBase("balances", ledgerFamily),
		balances:       make(map[string]int),
	}
}

func (p *balanceProjection) Apply(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != nil {
		if err := p.failOn(event); err != nil {
			return err
		}
	}
	for _, id := range p.applied {
		if id == event.ID {
			return nil
		}
	}
	p.applied = append(p.applied, event.ID)
	if e, ok := event.Data.(EntryPosted); ok {
		p.balances[e.LedgerID] += e.Amount
	}
	return nil
}

func (p *balanceProjection) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances = make(map[string]int)
	p.applied = nil
	return nil
}

func (p *balanceProjection) balance(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[id]
}

var errFlaky = errors.New("flaky storage")
