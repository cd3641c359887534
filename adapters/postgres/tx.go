package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.Transactor = (*Transactor)(nil)

type txKey struct{}

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TxFromContext returns the transaction WithinTx put on ctx, or nil.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// conn returns the active transaction, falling back to db.
func conn(ctx context.Context, db *sql.DB) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return db
}

// Transactor runs units of work in one database transaction. Every store in
// this package picks the transaction up from the context, so a projector's
// read-model writes, audit rows and processed-event marks commit together.
// Nested calls join the outer transaction.
type Transactor struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewTransactor creates a Transactor on db.
func NewTransactor(db *sql.DB) *Transactor {
	return &Transactor{db: db}
}

// WithIsolation sets the isolation level of new transactions.
func (t *Transactor) WithIsolation(level sql.IsolationLevel) *Transactor {
	t.opts = &sql.TxOptions{Isolation: level}
	return t
}

// WithinTx runs fn in a transaction, committing when fn returns nil.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, t.opts)
	if err != nil {
		return fmt.Errorf("clinops/postgres: failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clinops/postgres: failed to commit transaction: %w", err)
	}
	return nil
}

// inTx runs fn on the ambient transaction, or on a fresh one it commits.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(tx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clinops/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clinops/postgres: failed to commit transaction: %w", err)
	}
	return nil
}
