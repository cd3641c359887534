package clinops

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

// InMemoryRepository is a ReadModelRepository kept in process. Inside a
// Transactor unit of work every mutation registers its undo with the
// transaction, so a failed projector step leaves no trace. Rows are copied
// on the way in and out.
type InMemoryRepository[T any] struct {
	mu    sync.RWMutex
	data  map[string]*T
	getID func(*T) string
	cols  map[string][]int
}

// NewInMemoryRepository creates a repository keyed by getID.
func NewInMemoryRepository[T any](getID func(*T) string) *InMemoryRepository[T] {
	var zero T
	cols := make(map[string][]int)
	for _, c := range Columns(reflect.TypeOf(zero)) {
		cols[c.Name] = c.Index
	}
	return &InMemoryRepository[T]{
		data:  make(map[string]*T),
		getID: getID,
		cols:  cols,
	}
}

func clone[T any](m *T) *T {
	c := *m
	return &c
}

func (r *InMemoryRepository[T]) onRollback(ctx context.Context, undo func()) {
	if hook := adapters.TxHookFromContext(ctx); hook != nil {
		hook.OnRollback(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			undo()
		})
	}
}

// Get returns a copy of the row.
func (r *InMemoryRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.data[id]; ok {
		return clone(m), nil
	}
	return nil, ErrNotFound
}

// Find returns copies of matching rows, ordered by query.OrderBy and then by id.
func (r *InMemoryRepository[T]) Find(ctx context.Context, query Query) ([]*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range query.Filters {
		if _, ok := r.cols[f.Field]; !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, f.Field)
		}
	}
	for _, o := range query.OrderBy {
		if _, ok := r.cols[o.Field]; !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, o.Field)
		}
	}

	var results []*T
	for _, m := range r.data {
		ok, err := r.matches(m, query.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, clone(m))
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		for _, o := range query.OrderBy {
			c, _ := compareValues(r.field(results[i], o.Field), r.field(results[j], o.Field))
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return r.getID(results[i]) < r.getID(results[j])
	})

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return []*T{}, nil
		}
		results = results[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(results) {
		results = results[:query.Limit]
	}
	return results, nil
}

// FindOne returns the first match.
func (r *InMemoryRepository[T]) FindOne(ctx context.Context, query Query) (*T, error) {
	query.Limit = 1
	results, err := r.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results[0], nil
}

// Count returns the number of matching rows.
func (r *InMemoryRepository[T]) Count(ctx context.Context, query Query) (int64, error) {
	query.Limit, query.Offset = 0, 0
	results, err := r.Find(ctx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(results)), nil
}

// Insert stores a new row.
func (r *InMemoryRepository[T]) Insert(ctx context.Context, model *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.getID(model)
	if _, exists := r.data[id]; exists {
		return fmt.Errorf("%w: %s", adapters.ErrDuplicateKey, id)
	}
	r.data[id] = clone(model)
	r.onRollback(ctx, func() { delete(r.data, id) })
	return nil
}

// Update applies fn to a copy of the row and stores the result.
func (r *InMemoryRepository[T]) Update(ctx context.Context, id string, fn func(*T)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.data[id]
	if !ok {
		return ErrNotFound
	}
	next := clone(old)
	fn(next)
	r.data[id] = next
	r.onRollback(ctx, func() { r.data[id] = old })
	return nil
}

// Upsert inserts or replaces a row.
func (r *InMemoryRepository[T]) Upsert(ctx context.Context, model *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.getID(model)
	old, existed := r.data[id]
	r.data[id] = clone(model)
	r.onRollback(ctx, func() {
		if existed {
			r.data[id] = old
		} else {
			delete(r.data, id)
		}
	})
	return nil
}

// Delete removes a row.
func (r *InMemoryRepository[T]) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.data[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.data, id)
	r.onRollback(ctx, func() { r.data[id] = old })
	return nil
}

// Clear removes every row.
func (r *InMemoryRepository[T]) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.data
	r.data = make(map[string]*T)
	r.onRollback(ctx, func() { r.data = old })
	return nil
}

// Len returns the number of rows.
func (r *InMemoryRepository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *InMemoryRepository[T]) field(m *T, name string) interface{} {
	v := reflect.ValueOf(m).Elem().FieldByIndex(r.cols[name])
	return v.Interface()
}

func (r *InMemoryRepository[T]) matches(m *T, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := evalFilter(r.field(m, f.Field), f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalFilter(actual interface{}, f Filter) (bool, error) {
	switch f.Op {
	case FilterOpIsNull:
		return isNull(actual), nil
	case FilterOpIsNotNull:
		return !isNull(actual), nil
	case FilterOpIn, FilterOpNotIn:
		found := false
		list := reflect.ValueOf(f.Value)
		if list.Kind() != reflect.Slice {
			return false, fmt.Errorf("%w: %s needs a slice", ErrInvalidQuery, f.Op)
		}
		for i := 0; i < list.Len(); i++ {
			if c, ok := compareValues(actual, list.Index(i).Interface()); ok && c == 0 {
				found = true
				break
			}
		}
		return found == (f.Op == FilterOpIn), nil
	case FilterOpContains:
		list := reflect.ValueOf(actual)
		if list.Kind() != reflect.Slice {
			return false, fmt.Errorf("%w: %s needs a list column", ErrInvalidQuery, f.Op)
		}
		for i := 0; i < list.Len(); i++ {
			if c, ok := compareValues(list.Index(i).Interface(), f.Value); ok && c == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	if isNull(actual) || f.Value == nil {
		return false, nil
	}
	c, ok := compareValues(actual, f.Value)
	if !ok {
		return false, fmt.Errorf("%w: cannot compare %T with %T", ErrInvalidQuery, actual, f.Value)
	}
	switch f.Op {
	case FilterOpEq:
		return c == 0, nil
	case FilterOpNe:
		return c != 0, nil
	case FilterOpGt:
		return c > 0, nil
	case FilterOpGte:
		return c >= 0, nil
	case FilterOpLt:
		return c < 0, nil
	case FilterOpLte:
		return c <= 0, nil
	}
	return false, fmt.Errorf("%w: operator %s", ErrInvalidQuery, f.Op)
}

func isNull(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func deref(v interface{}) (reflect.Value, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return rv, false
		}
		rv = rv.Elem()
	}
	return rv, rv.IsValid()
}

// compareValues orders two scalar values of compatible kinds. Named string
// and integer types compare by their underlying value.
func compareValues(a, b interface{}) (int, bool) {
	av, ok := deref(a)
	if !ok {
		return 0, false
	}
	bv, ok := deref(b)
	if !ok {
		return 0, false
	}

	if at, ok := av.Interface().(time.Time); ok {
		bt, ok := bv.Interface().(time.Time)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}

	switch {
	case av.Kind() == reflect.String && bv.Kind() == reflect.String:
		return strings.Compare(av.String(), bv.String()), true
	case av.Kind() == reflect.Bool && bv.Kind() == reflect.Bool:
		x, y := av.Bool(), bv.Bool()
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}

	x, okA := toFloat(av)
	y, okB := toFloat(bv)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

func toFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}
