package clinops

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested read-model row does not exist.
	ErrNotFound = errors.New("clinops: read model not found")

	// ErrInvalidQuery indicates a query names an unknown field or operator.
	ErrInvalidQuery = errors.New("clinops: invalid query")
)

// Reader is the read-only view of a read model handed to queries,
// validators and coordinators.
type Reader[T any] interface {
	// Get returns ErrNotFound when id has no row.
	Get(ctx context.Context, id string) (*T, error)
	Find(ctx context.Context, query Query) ([]*T, error)

	// FindOne returns ErrNotFound when nothing matches.
	FindOne(ctx context.Context, query Query) (*T, error)
	Count(ctx context.Context, query Query) (int64, error)
}

// ReadModelRepository is the projector-side view of a read model. Rows are
// never removed by domain events; deletion is a flag on the row. Delete and
// Clear exist for rebuilds.
type ReadModelRepository[T any] interface {
	Reader[T]

	// Insert returns adapters.ErrDuplicateKey when the id is taken.
	Insert(ctx context.Context, model *T) error

	// Update applies fn to the stored row; ErrNotFound when absent.
	Update(ctx context.Context, id string, fn func(*T)) error
	Upsert(ctx context.Context, model *T) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Query selects read-model rows. Field names are column names (the `db`
// struct tag, else the snake_case field name).
type Query struct {
	Filters []Filter
	OrderBy []OrderBy

	// Limit 0 means no limit.
	Limit  int
	Offset int
}

// NewQuery creates an empty query.
func NewQuery() *Query {
	return &Query{}
}

// Where adds a filter condition.
func (q *Query) Where(field string, op FilterOp, value interface{}) *Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// And is Where, for readability.
func (q *Query) And(field string, op FilterOp, value interface{}) *Query {
	return q.Where(field, op, value)
}

// Eq adds an equality filter.
func (q *Query) Eq(field string, value interface{}) *Query {
	return q.Where(field, FilterOpEq, value)
}

// OrderByAsc adds ascending order.
func (q *Query) OrderByAsc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field})
	return q
}

// OrderByDesc adds descending order.
func (q *Query) OrderByDesc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field, Desc: true})
	return q
}

// WithLimit sets the maximum number of rows.
func (q *Query) WithLimit(limit int) *Query {
	q.Limit = limit
	return q
}

// WithOffset sets the number of rows to skip.
func (q *Query) WithOffset(offset int) *Query {
	q.Offset = offset
	return q
}

// Build returns the query value.
func (q *Query) Build() Query {
	return *q
}

// Filter is one condition.
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// FilterOp is a comparison operator.
type FilterOp string

const (
	FilterOpEq        FilterOp = "="
	FilterOpNe        FilterOp = "!="
	FilterOpGt        FilterOp = ">"
	FilterOpGte       FilterOp = ">="
	FilterOpLt        FilterOp = "<"
	FilterOpLte       FilterOp = "<="
	FilterOpIn        FilterOp = "IN"
	FilterOpNotIn     FilterOp = "NOT IN"
	FilterOpIsNull    FilterOp = "IS NULL"
	FilterOpIsNotNull FilterOp = "IS NOT NULL"

	// FilterOpContains matches list columns containing Value.
	FilterOpContains FilterOp = "CONTAINS"
)

// OrderBy is one sort key.
type OrderBy struct {
	Field string
	Desc  bool
}
