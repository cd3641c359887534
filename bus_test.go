package clinops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core/adapters/memory"
)

func TestCommandBus_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("constructor assigns an id and writes version 1", func(t *testing.T) {
		h := newHarness(t)
		res := h.open(t, "petty cash")

		assert.True(t, res.Success)
		assert.NotEmpty(t, res.AggregateID)
		assert.Equal(t, int64(1), res.Version)
		assert.Equal(t, uint64(1), res.Position)

		events, err := h.store.Load(ctx, NewStreamID(ledgerFamily, res.AggregateID))
		require.NoError(t, err)
		require.Len(t, events, 1)
		opened, ok := events[0].Data.(LedgerOpened)
		require.True(t, ok)
		assert.Equal(t, "petty cash", opened.Name)
		assert.Equal(t, "clerk", events[0].Metadata.ActorID)
		assert.NotEmpty(t, events[0].Metadata.CorrelationID)
	})

	t.Run("subsequent command appends at the next version", func(t *testing.T) {
		h := newHarness(t)
		id := h.open(t, "travel").AggregateID

		res, err := h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: id, Amount: 40})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Version)
		assert.Equal(t, uint64(2), res.Position)
	})

	t.Run("no-op command writes nothing", func(t *testing.T) {
		h := newHarness(t)
		id := h.open(t, "travel").AggregateID
		_, err := h.bus.Dispatch(ctx, closeLedger{CommandBase: By("clerk"), LedgerID: id})
		require.NoError(t, err)

		res, err := h.bus.Dispatch(ctx, closeLedger{CommandBase: By("clerk"), LedgerID: id})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Version)
		assert.Zero(t, res.Position)
		assert.Equal(t, 2, h.adapter.EventCount())
	})

	t.Run("state rejection leaves the stream untouched", func(t *testing.T) {
		h := newHarness(t)
		id := h.open(t, "travel").AggregateID
		_, err := h.bus.Dispatch(ctx, closeLedger{CommandBase: By("clerk"), LedgerID: id})
		require.NoError(t, err)

		_, err = h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: id, Amount: 5})
		assert.ErrorIs(t, err, ErrInvalidStateTransition)
		assert.True(t, IsCommandRejection(err))
		assert.Equal(t, 2, h.adapter.EventCount())
	})

	t.Run("unknown aggregate is not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: "missing", Amount: 5})
		assert.ErrorIs(t, err, ErrAggregateNotFound)
	})

	t.Run("constructor on an existing id is rejected", func(t *testing.T) {
		h := newHarness(t)
		id := h.open(t, "travel").AggregateID
		_, err := h.bus.Dispatch(ctx, openLedger{CommandBase: By("clerk"), LedgerID: id, Name: "again"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing handler", func(t *testing.T) {
		bus := NewCommandBus()
		_, err := bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: "x", Amount: 1})
		assert.ErrorIs(t, err, ErrHandlerNotFound)
	})

	t.Run("closed bus", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.bus.Close())
		_, err := h.bus.Dispatch(ctx, openLedger{CommandBase: By("clerk"), Name: "x"})
		assert.ErrorIs(t, err, ErrCommandBusClosed)
	})
}

func TestCommandBus_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	t.Run("struct tags", func(t *testing.T) {
		_, err := h.bus.Dispatch(ctx, openLedger{CommandBase: By("clerk")})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)

		var multi *MultiValidationError
		require.True(t, errors.As(err, &multi))
		assert.Contains(t, err.Error(), "name")
	})

	t.Run("missing actor", func(t *testing.T) {
		_, err := h.bus.Dispatch(ctx, openLedger{Name: "x"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("command Validate", func(t *testing.T) {
		_, err := h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: "x"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	assert.Zero(t, h.adapter.EventCount())
}

func TestCommandBus_ConcurrentCommandsSerializePerAggregate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.open(t, "float").AggregateID

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: id, Amount: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	l := newLedger(id)
	require.NoError(t, h.store.LoadAggregate(ctx, l))
	assert.Equal(t, n, l.balance)
	assert.Equal(t, int64(n+1), l.Version())
	assert.Zero(t, h.locker.Held())
}

func TestCommandBus_DispatchAndWait(t *testing.T) {
	ctx := context.Background()

	t.Run("returns once the projection caught up", func(t *testing.T) {
		h := newHarness(t)
		engine := NewProjectionEngine(h.store)
		proj := newBalanceProjection()
		require.NoError(t, engine.RegisterInline(proj))
		h.bus.SetPositionWaiter(engine)

		id := h.open(t, "ops").AggregateID
		res, err := h.bus.DispatchAndWait(ctx, postEntry{CommandBase: By("clerk"), LedgerID: id, Amount: 7}, time.Second, "balances")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 7, proj.balance(id))
	})

	t.Run("timeout still returns the committed result", func(t *testing.T) {
		h := newHarness(t)
		engine := NewProjectionEngine(h.store)
		proj := newBalanceProjection()
		require.NoError(t, engine.RegisterAsync(proj))
		h.bus.SetPositionWaiter(engine)

		res, err := h.bus.DispatchAndWait(ctx, openLedger{CommandBase: By("clerk"), Name: "slow"}, 20*time.Millisecond, "balances")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProjectionTimeout)
		assert.True(t, res.Success)
		assert.Equal(t, uint64(1), res.Position)

		var timeout *ProjectionTimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, "balances", timeout.Projection)
		assert.Equal(t, uint64(1), timeout.Target)
	})
}

func TestIdempotencyMiddleware(t *testing.T) {
	ctx := context.Background()
	store := memory.NewIdempotencyStore()
	h := newHarness(t, IdempotencyMiddleware(IdempotencyConfig{Store: store, TTL: time.Minute}))

	cmd := openLedger{CommandBase: By("clerk").WithIdempotencyKey("k-1"), Name: "once"}
	first, err := h.bus.Dispatch(ctx, cmd)
	require.NoError(t, err)
	second, err := h.bus.Dispatch(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, first.AggregateID, second.AggregateID)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 1, h.adapter.EventCount())
	assert.Equal(t, 1, store.Len())
}

func TestIdempotencyMiddleware_RejectionNotRemembered(t *testing.T) {
	ctx := context.Background()
	store := memory.NewIdempotencyStore()
	h := newHarness(t, IdempotencyMiddleware(IdempotencyConfig{Store: store}))

	_, err := h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk").WithIdempotencyKey("k-2"), LedgerID: "nope", Amount: 1})
	require.ErrorIs(t, err, ErrAggregateNotFound)
	assert.Zero(t, store.Len())
}
