package clinops

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PositionWaiter blocks until a projection has processed the given global
// position. The projection engine implements it.
type PositionWaiter interface {
	WaitForPosition(ctx context.Context, projection string, position uint64) error
}

// CommandBus routes commands to their handlers through a middleware pipeline.
type CommandBus struct {
	registry   *HandlerRegistry
	middleware []Middleware
	waiter     PositionWaiter
	closed     atomic.Bool
	mu         sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware to the command bus.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// WithHandlerRegistry sets a custom handler registry.
func WithHandlerRegistry(registry *HandlerRegistry) CommandBusOption {
	return func(b *CommandBus) {
		b.registry = registry
	}
}

// WithPositionWaiter enables DispatchAndWait.
func WithPositionWaiter(w PositionWaiter) CommandBusOption {
	return func(b *CommandBus) {
		b.waiter = w
	}
}

// NewCommandBus creates a new CommandBus.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		registry:   NewHandlerRegistry(),
		middleware: make([]Middleware, 0),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Register adds a handler.
func (b *CommandBus) Register(handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry.Register(handler)
}

// RegisterFunc registers a handler function for a command type.
func (b *CommandBus) RegisterFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) {
	b.Register(NewCommandHandlerFunc(cmdType, fn))
}

// Use appends middleware. The first middleware added is the outermost.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// SetPositionWaiter installs the waiter used by DispatchAndWait. The engine
// and the bus depend on each other, so one of them is wired late.
func (b *CommandBus) SetPositionWaiter(w PositionWaiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiter = w
}

// Dispatch sends a command through the middleware pipeline to its handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if b.closed.Load() {
		return CommandResult{}, ErrCommandBusClosed
	}
	if cmd == nil {
		return CommandResult{}, ErrNilCommand
	}

	b.mu.RLock()
	handler := b.registry.Get(cmd.CommandType())
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	if handler == nil {
		return CommandResult{}, &HandlerNotFoundError{CommandType: cmd.CommandType()}
	}

	chain := MiddlewareFunc(handler.Handle)
	for i := len(middleware) - 1; i >= 0; i-- {
		chain = middleware[i](chain)
	}
	return chain(ctx, cmd)
}

// DispatchAndWait dispatches cmd and then waits, at most timeout, until every
// named projection has processed the command's last event. On expiry the
// successful result is returned together with a *ProjectionTimeoutError.
func (b *CommandBus) DispatchAndWait(ctx context.Context, cmd Command, timeout time.Duration, projections ...string) (CommandResult, error) {
	result, err := b.Dispatch(ctx, cmd)
	if err != nil || result.Position == 0 || len(projections) == 0 {
		return result, err
	}

	b.mu.RLock()
	waiter := b.waiter
	b.mu.RUnlock()
	if waiter == nil {
		return result, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, name := range projections {
		if err := waiter.WaitForPosition(waitCtx, name, result.Position); err != nil {
			return result, err
		}
	}
	return result, nil
}

// DispatchAll dispatches commands in order and stops at the first error.
func (b *CommandBus) DispatchAll(ctx context.Context, cmds ...Command) ([]CommandResult, error) {
	results := make([]CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		result, err := b.Dispatch(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// HasHandler reports whether cmdType has a handler.
func (b *CommandBus) HasHandler(cmdType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Has(cmdType)
}

// HandlerCount returns the number of registered handlers.
func (b *CommandBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Count()
}

// Close stops further dispatch.
func (b *CommandBus) Close() error {
	b.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (b *CommandBus) IsClosed() bool {
	return b.closed.Load()
}

// Dispatcher is the narrow view of the bus used by coordinators and tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (CommandResult, error)
}

// MiddlewareFunc is the signature of a command pipeline stage.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware wraps a pipeline stage.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware composes middleware into one, first outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}
