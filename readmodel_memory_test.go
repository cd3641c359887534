package clinops

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
)

type ledgerRow struct {
	LedgerID string `db:"ledger_id,pk"`
	Name     string
	Balance  int
	Tags     []string
	ClosedBy *string
}

func ledgerRowID(r *ledgerRow) string { return r.LedgerID }

func seedRows(t *testing.T) *InMemoryRepository[ledgerRow] {
	t.Helper()
	ctx := context.Background()
	repo := NewInMemoryRepository(ledgerRowID)
	closer := "auditor"
	for _, r := range []*ledgerRow{
		{LedgerID: "a", Name: "ops", Balance: 30, Tags: []string{"core"}},
		{LedgerID: "b", Name: "travel", Balance: 10, Tags: []string{"core", "t&e"}},
		{LedgerID: "c", Name: "petty", Balance: 20, ClosedBy: &closer},
	} {
		require.NoError(t, repo.Insert(ctx, r))
	}
	return repo
}

func TestInMemoryRepository_Query(t *testing.T) {
	ctx := context.Background()
	repo := seedRows(t)

	rows, err := repo.Find(ctx, NewQuery().Where("balance", FilterOpGte, 20).OrderByDesc("balance").Build())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].LedgerID)
	assert.Equal(t, "c", rows[1].LedgerID)

	rows, err = repo.Find(ctx, NewQuery().Where("tags", FilterOpContains, "core").OrderByAsc("name").Build())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ops", rows[0].Name)

	n, err := repo.Count(ctx, NewQuery().Where("closed_by", FilterOpIsNull, nil).Build())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err = repo.Find(ctx, NewQuery().Where("ledger_id", FilterOpIn, []string{"a", "c"}).WithLimit(1).WithOffset(1).Build())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].LedgerID)

	one, err := repo.FindOne(ctx, NewQuery().Eq("name", "travel").Build())
	require.NoError(t, err)
	assert.Equal(t, "b", one.LedgerID)

	_, err = repo.FindOne(ctx, NewQuery().Eq("name", "nope").Build())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Find(ctx, NewQuery().Eq("nope", 1).Build())
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestInMemoryRepository_Mutations(t *testing.T) {
	ctx := context.Background()
	repo := seedRows(t)

	err := repo.Insert(ctx, &ledgerRow{LedgerID: "a"})
	assert.True(t, errors.Is(err, adapters.ErrDuplicateKey))

	require.NoError(t, repo.Update(ctx, "a", func(r *ledgerRow) { r.Balance += 5 }))
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 35, got.Balance)

	// callers get copies
	got.Balance = 0
	again, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 35, again.Balance)

	assert.ErrorIs(t, repo.Update(ctx, "zz", func(*ledgerRow) {}), ErrNotFound)
	require.NoError(t, repo.Upsert(ctx, &ledgerRow{LedgerID: "d", Name: "new"}))
	require.NoError(t, repo.Delete(ctx, "b"))
	assert.ErrorIs(t, repo.Delete(ctx, "b"), ErrNotFound)
	assert.Equal(t, 3, repo.Len())

	require.NoError(t, repo.Clear(ctx))
	assert.Zero(t, repo.Len())
}

func TestInMemoryRepository_RollsBackWithTransactor(t *testing.T) {
	ctx := context.Background()
	repo := seedRows(t)
	tx := memory.NewTransactor()

	boom := errors.New("second write failed")
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.Update(ctx, "a", func(r *ledgerRow) { r.Balance = 999 }))
		require.NoError(t, repo.Insert(ctx, &ledgerRow{LedgerID: "e"}))
		require.NoError(t, repo.Delete(ctx, "c"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 30, got.Balance)
	_, err = repo.Get(ctx, "e")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Get(ctx, "c")
	assert.NoError(t, err)
	assert.Equal(t, 3, repo.Len())
}

func TestColumns(t *testing.T) {
	cols := Columns(reflect.TypeOf(ledgerRow{}))
	require.Len(t, cols, 5)
	assert.Equal(t, "ledger_id", cols[0].Name)
	assert.True(t, cols[0].HasOption("pk"))
	assert.Equal(t, "closed_by", cols[4].Name)

	assert.Equal(t, "study_id", SnakeCase("StudyID"))
	assert.Equal(t, "http_status_code", SnakeCase("HTTPStatusCode"))
	assert.Equal(t, "version2_name", SnakeCase("Version2Name"))
}
