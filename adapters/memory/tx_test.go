package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core/adapters"
)

func TestTransactor_RollbackUndoesEveryStore(t *testing.T) {
	ctx := context.Background()
	tx := NewTransactor()
	audit := NewAuditStore()
	processed := NewProcessedEvents()
	outbox := NewOutboxStore()

	boom := errors.New("boom")
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := audit.Append(ctx, adapters.AuditRecord{EntityType: "Patient", EntityID: "p1", Action: "CREATED", SourceEventID: "e1"})
		require.NoError(t, err)
		require.NoError(t, processed.MarkProcessed(ctx, "patients", "e1", 1))
		require.NoError(t, outbox.Schedule(ctx, []*adapters.OutboxMessage{{EventID: "e1", Destination: "kafka:patients"}}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, _ := audit.Count(ctx)
	assert.Zero(t, n)
	ok, _ := processed.IsProcessed(ctx, "patients", "e1")
	assert.False(t, ok)
	assert.Zero(t, outbox.Len())

	// the same event can now be applied for real
	_, err = audit.Append(ctx, adapters.AuditRecord{EntityType: "Patient", EntityID: "p1", SourceEventID: "e1"})
	require.NoError(t, err)
	n, _ = audit.Count(ctx)
	assert.Equal(t, int64(1), n)
}

func TestAuditStore_RollbackKeepsLaterRecords(t *testing.T) {
	ctx := context.Background()
	tx := NewTransactor()
	audit := NewAuditStore()

	boom := errors.New("boom")
	err := tx.WithinTx(ctx, func(txCtx context.Context) error {
		_, err := audit.Append(txCtx, adapters.AuditRecord{ID: "a1", EntityType: "Patient", EntityID: "p1", SourceEventID: "e1"})
		require.NoError(t, err)
		// written outside the unit while it is still open
		_, err = audit.Append(ctx, adapters.AuditRecord{ID: "a2", EntityType: "Patient", EntityID: "p2", SourceEventID: "e2"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, _ := audit.Count(ctx)
	assert.Equal(t, int64(1), n)
	r, err := audit.BySourceEvent(ctx, "e2")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "a2", r.ID)
	r, err = audit.BySourceEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestTransactor_CommitKeepsWrites(t *testing.T) {
	ctx := context.Background()
	tx := NewTransactor()
	processed := NewProcessedEvents()

	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		return processed.MarkProcessed(ctx, "patients", "e1", 1)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Len("patients"))
}

func TestTransactor_RollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	tx := NewTransactor()
	processed := NewProcessedEvents()

	assert.Panics(t, func() {
		_ = tx.WithinTx(ctx, func(ctx context.Context) error {
			_ = processed.MarkProcessed(ctx, "patients", "e1", 1)
			panic("handler bug")
		})
	})
	assert.Zero(t, processed.Len("patients"))
}

func TestTransactor_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	tx := NewTransactor()
	processed := NewProcessedEvents()

	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, tx.WithinTx(ctx, func(ctx context.Context) error {
			return processed.MarkProcessed(ctx, "patients", "inner", 1)
		}))
		return errors.New("outer fails")
	})
	require.Error(t, err)
	assert.Zero(t, processed.Len("patients"))
}

func TestAuditStore_IdempotentOnSourceEvent(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	written, err := s.Append(ctx, adapters.AuditRecord{EntityType: "Study", EntityID: "s1", Action: "CREATED", SourceEventID: "e1", OccurredAt: at})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.Append(ctx, adapters.AuditRecord{EntityType: "Study", EntityID: "s1", Action: "CREATED", SourceEventID: "e1", OccurredAt: at})
	require.NoError(t, err)
	assert.False(t, written)

	_, _ = s.Append(ctx, adapters.AuditRecord{EntityType: "Study", EntityID: "s1", Action: "STATUS_CHANGED", SourceEventID: "e2", OccurredAt: at.Add(time.Hour)})

	trail, err := s.ForEntity(ctx, "Study", "s1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "CREATED", trail[0].Action)
	assert.Equal(t, "STATUS_CHANGED", trail[1].Action)

	rec, err := s.BySourceEvent(ctx, "e2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "STATUS_CHANGED", rec.Action)

	missing, err := s.BySourceEvent(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
