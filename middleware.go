package clinops

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RecoveryMiddleware turns handler panics into *PanicError.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = CommandResult{}
					err = &PanicError{CommandType: cmd.CommandType(), Value: r, Stack: string(debug.Stack())}
				}
			}()
			return next(ctx, cmd)
		}
	}
}

type correlationIDKey struct{}

type causationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CausationIDFromContext returns the causation ID carried by ctx.
func CausationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCausationID returns a context carrying the causation ID.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, id)
}

// CorrelationMiddleware makes sure a correlation ID is on the context: the
// caller's, else the command's, else a new UUID.
func CorrelationMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) == "" {
				var id string
				if c, ok := cmd.(interface{ GetCorrelationID() string }); ok {
					id = c.GetCorrelationID()
				}
				if id == "" {
					id = uuid.NewString()
				}
				ctx = WithCorrelationID(ctx, id)
			}
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs every dispatch. Business rejections are logged at
// Info since they are answers, not faults.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err == nil:
				logger.Debug("command completed",
					"type", cmd.CommandType(),
					"aggregateId", result.AggregateID,
					"version", result.Version,
					"position", result.Position,
					"duration", duration,
					"correlationId", CorrelationIDFromContext(ctx))
			case IsCommandRejection(err), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrAggregateNotFound):
				logger.Info("command rejected",
					"type", cmd.CommandType(),
					"error", err.Error(),
					"correlationId", CorrelationIDFromContext(ctx))
			default:
				logger.Error("command failed",
					"type", cmd.CommandType(),
					"duration", duration,
					"error", err.Error(),
					"correlationId", CorrelationIDFromContext(ctx))
			}
			return result, err
		}
	}
}

// MetricsCollector records command outcomes.
type MetricsCollector interface {
	RecordCommand(cmdType string, duration time.Duration, err error)
}

// MetricsMiddleware reports every dispatch to collector.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			collector.RecordCommand(cmd.CommandType(), time.Since(start), err)
			return result, err
		}
	}
}

// StructValidator checks `validate` struct tags on commands.
type StructValidator struct {
	v *validator.Validate
}

// NewStructValidator creates a validator that reports JSON field names.
func NewStructValidator() *StructValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &StructValidator{v: v}
}

// Validate returns a *MultiValidationError listing every failed tag, or nil.
func (sv *StructValidator) Validate(cmd Command) error {
	err := sv.v.Struct(cmd)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// not a struct; nothing to check
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError(cmd.CommandType(), "", err.Error())
	}
	multi := NewMultiValidationError(cmd.CommandType())
	for _, fe := range fieldErrs {
		multi.AddField(fe.Field(), describeTag(fe))
	}
	return multi.ErrOrNil()
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "uuid", "uuid4":
		return "must be a UUID"
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

// ValidationMiddleware runs struct-tag validation and then the command's own
// Validate. Nothing downstream sees an invalid command.
func ValidationMiddleware(sv *StructValidator) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if sv != nil {
				if err := sv.Validate(cmd); err != nil {
					return CommandResult{}, err
				}
			}
			if err := cmd.Validate(); err != nil {
				if !errors.Is(err, ErrValidation) {
					err = &ValidationError{CommandType: cmd.CommandType(), Message: err.Error(), Cause: err}
				}
				return CommandResult{}, err
			}
			return next(ctx, cmd)
		}
	}
}

// ActorMiddleware rejects commands that carry no actor. Every change in the
// audit trail must name who made it.
func ActorMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ac, ok := cmd.(ActorCommand)
			if !ok || strings.TrimSpace(ac.ActorID()) == "" {
				return CommandResult{}, NewValidationError(cmd.CommandType(), "actorId", "is required")
			}
			return next(ctx, cmd)
		}
	}
}

// LockKeys returns the serialization keys of cmd in acquisition order: the
// target aggregate plus any declared scopes, deduplicated and sorted so two
// commands never acquire the same pair in opposite order.
func LockKeys(cmd Command) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if ac, ok := cmd.(AggregateCommand); ok {
		if id := ac.AggregateID(); id != "" {
			add("aggregate:" + id)
		}
	}
	if sc, ok := cmd.(ScopedCommand); ok {
		for _, s := range sc.LockScopes() {
			add(s)
		}
	}
	sort.Strings(keys)
	return keys
}

type heldLocksKey struct{}

func heldLocks(ctx context.Context) map[string]struct{} {
	held, _ := ctx.Value(heldLocksKey{}).(map[string]struct{})
	return held
}

// LockMiddleware holds every key of LockKeys(cmd) for the rest of the
// pipeline, so replay, decide and append are atomic per aggregate.
// A command dispatched from inside another command's pipeline (an inline
// coordinator) does not re-acquire keys its caller already holds.
func LockMiddleware(locker Locker) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			outer := heldLocks(ctx)
			keys := LockKeys(cmd)
			held := make(map[string]struct{}, len(outer)+len(keys))
			for k := range outer {
				held[k] = struct{}{}
			}

			unlocks := make([]func(), 0, len(keys))
			defer func() {
				for i := len(unlocks) - 1; i >= 0; i-- {
					unlocks[i]()
				}
			}()
			for _, k := range keys {
				if _, ok := outer[k]; ok {
					continue
				}
				unlock, err := locker.Lock(ctx, k)
				if err != nil {
					return CommandResult{}, fmt.Errorf("clinops: acquiring lock %s: %w", k, err)
				}
				unlocks = append(unlocks, unlock)
				held[k] = struct{}{}
			}
			return next(context.WithValue(ctx, heldLocksKey{}, held), cmd)
		}
	}
}

// RetryConfig configures RetryMiddleware.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns 3 attempts from 20ms doubling to 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// RetryMiddleware re-runs the pipeline below it on ErrConcurrencyConflict.
// The handler reloads and re-validates on every attempt; no other error is
// retried.
func RetryMiddleware(config RetryConfig) Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 20 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 500 * time.Millisecond
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			delay := config.InitialDelay
			var result CommandResult
			var err error
			for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
				result, err = next(ctx, cmd)
				if err == nil || !errors.Is(err, ErrConcurrencyConflict) || attempt == config.MaxAttempts {
					return result, err
				}
				select {
				case <-ctx.Done():
					return CommandResult{}, ctx.Err()
				case <-time.After(delay):
				}
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}
			return result, err
		}
	}
}

// TimeoutMiddleware bounds the rest of the pipeline.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// CommandTypeMiddleware applies middleware only to the listed command types.
func CommandTypeMiddleware(types []string, middleware Middleware) Middleware {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(next MiddlewareFunc) MiddlewareFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if typeSet[cmd.CommandType()] {
				return wrapped(ctx, cmd)
			}
			return next(ctx, cmd)
		}
	}
}
