package clinops

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CommandHandler executes one command type.
type CommandHandler interface {
	CommandType() string
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc struct {
	cmdType string
	fn      func(ctx context.Context, cmd Command) (CommandResult, error)
}

// NewCommandHandlerFunc creates a handler for cmdType.
func NewCommandHandlerFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) *CommandHandlerFunc {
	return &CommandHandlerFunc{cmdType: cmdType, fn: fn}
}

func (h *CommandHandlerFunc) CommandType() string { return h.cmdType }

func (h *CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	return h.fn(ctx, cmd)
}

// Precondition checks a rule that depends on data outside the aggregate,
// typically a read model. It runs after the aggregate is loaded and before
// the decision.
type Precondition[C AggregateCommand, A Aggregate] func(ctx context.Context, cmd C, agg A) error

// AggregateHandlerConfig configures an AggregateHandler.
type AggregateHandlerConfig[C AggregateCommand, A Aggregate] struct {
	// CommandType is the handled command type.
	CommandType string

	Store   *EventStore
	Factory func(id string) A

	// Decide applies the command to the loaded aggregate, recording zero or
	// more events. Recording nothing is an accepted no-op.
	Decide func(ctx context.Context, cmd C, agg A) error

	// Create marks a constructor command: the stream must not exist yet.
	Create bool

	// NewID assigns the aggregate ID for constructor commands that carry none.
	NewID func() string

	Preconditions []Precondition[C, A]
}

// AggregateHandler runs the load, decide, save cycle for one command type.
// The append expects the stream at the version the aggregate was loaded at,
// so a concurrent writer surfaces as ErrConcurrencyConflict.
type AggregateHandler[C AggregateCommand, A Aggregate] struct {
	cfg AggregateHandlerConfig[C, A]
}

// NewAggregateHandler creates an AggregateHandler.
func NewAggregateHandler[C AggregateCommand, A Aggregate](cfg AggregateHandlerConfig[C, A]) *AggregateHandler[C, A] {
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &AggregateHandler[C, A]{cfg: cfg}
}

func (h *AggregateHandler[C, A]) CommandType() string { return h.cfg.CommandType }

// Handle implements CommandHandler.
func (h *AggregateHandler[C, A]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	c, ok := cmd.(C)
	if !ok {
		var zero C
		return CommandResult{}, fmt.Errorf("clinops: handler for %s got %T, want %T", h.cfg.CommandType, cmd, zero)
	}

	id := c.AggregateID()
	if id == "" {
		if !h.cfg.Create {
			return CommandResult{}, NewValidationError(cmd.CommandType(), "aggregateId", "is required")
		}
		id = h.cfg.NewID()
	}

	agg := h.cfg.Factory(id)
	if err := h.cfg.Store.LoadAggregate(ctx, agg); err != nil {
		return CommandResult{}, err
	}

	if h.cfg.Create && agg.Version() > 0 {
		return CommandResult{}, fmt.Errorf("%w: %s %s", ErrAlreadyExists, agg.AggregateType(), id)
	}
	if !h.cfg.Create && agg.Version() == 0 {
		return CommandResult{}, fmt.Errorf("%w: %s %s", ErrAggregateNotFound, agg.AggregateType(), id)
	}

	for _, check := range h.cfg.Preconditions {
		if err := check(ctx, c, agg); err != nil {
			return CommandResult{}, err
		}
	}

	if err := h.cfg.Decide(ctx, c, agg); err != nil {
		return CommandResult{}, err
	}

	if len(agg.UncommittedEvents()) == 0 {
		return NewSuccessResult(id, agg.Version(), 0), nil
	}

	stored, err := h.cfg.Store.SaveAggregate(ctx, agg, EventMetadata(ctx, cmd))
	if err != nil {
		return CommandResult{}, err
	}

	var position uint64
	if len(stored) > 0 {
		position = stored[len(stored)-1].GlobalPosition
	}
	return NewSuccessResult(id, agg.Version(), position), nil
}

// HandlerRegistry maps command types to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]CommandHandler)}
}

// Register adds handler, replacing any previous handler for its type.
func (r *HandlerRegistry) Register(handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.CommandType()] = handler
}

// Get returns the handler for cmdType.
func (r *HandlerRegistry) Get(cmdType string) CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[cmdType]
}

// Has reports whether cmdType has a handler.
func (r *HandlerRegistry) Has(cmdType string) bool {
	return r.Get(cmdType) != nil
}

// CommandTypes returns every registered command type.
func (r *HandlerRegistry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Count returns the number of registered handlers.
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
