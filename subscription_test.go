package clinops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
)

func TestSubscription_HistoryThenLive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := newHarness(t)
	id := h.open(t, "sub").AggregateID

	sub, err := h.store.Subscribe(ctx, ledgerFamily, 0, SubscriptionOptions{
		BatchSize:    1,
		PollInterval: 2 * time.Millisecond,
		Filter:       NewEventTypeFilter("LedgerOpened", "EntryPosted"),
	})
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Events()
	assert.Equal(t, "LedgerOpened", first.Type)

	_, err = h.bus.Dispatch(ctx, closeLedger{CommandBase: By("clerk"), LedgerID: id})
	require.NoError(t, err)
	other := h.open(t, "second").AggregateID
	_, err = h.bus.Dispatch(ctx, postEntry{CommandBase: By("clerk"), LedgerID: other, Amount: 1})
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-sub.Events():
			types = append(types, e.Type)
		case <-ctx.Done():
			t.Fatal("timed out waiting for live events")
		}
	}
	assert.Equal(t, []string{"LedgerOpened", "EntryPosted"}, types, "LedgerClosed is filtered out")
	assert.Eventually(t, func() bool { return sub.Position() == 4 }, time.Second, time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestSubscription_EndsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := h.store.Subscribe(ctx, "", 0)
	require.NoError(t, err)
	cancel()

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), context.Canceled)
}

type appendOnlyAdapter struct {
	adapters.EventStoreAdapter
}

func TestSubscription_Unsupported(t *testing.T) {
	store := New(appendOnlyAdapter{memory.NewAdapter()}, NewRegistry())
	_, err := store.Subscribe(context.Background(), "", 0)
	assert.ErrorIs(t, err, ErrSubscriptionNotSupported)
}
