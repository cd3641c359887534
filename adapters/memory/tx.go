package memory

import (
	"context"
	"sync"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.Transactor = (*Transactor)(nil)

// Transactor serializes units of work behind one lock and keeps an undo
// journal; every memory store written inside the unit registers its undo
// through the TxHook on the context. Nested calls join the outer unit.
type Transactor struct {
	mu sync.Mutex
}

// NewTransactor creates a Transactor.
func NewTransactor() *Transactor {
	return &Transactor{}
}

type journal struct {
	undo []func()
}

func (j *journal) OnRollback(undo func()) {
	j.undo = append(j.undo, undo)
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// WithinTx runs fn as one unit of work.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := adapters.TxHookFromContext(ctx).(*journal); ok {
		return fn(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	j := &journal{}
	defer func() {
		if r := recover(); r != nil {
			j.rollback()
			panic(r)
		}
		if err != nil {
			j.rollback()
		}
	}()

	return fn(adapters.ContextWithTxHook(ctx, j))
}
