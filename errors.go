package clinops

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

// Sentinel errors. Use errors.Is to classify; the typed errors below carry the
// detail and match these sentinels.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrConcurrencyConflict indicates an expected-version mismatch on append.
	// It is the only command-path error the dispatcher retries.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	ErrEmptyStreamID = adapters.ErrEmptyStreamID
	ErrNoEvents      = adapters.ErrNoEvents
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrValidation indicates malformed or missing command input.
	ErrValidation = errors.New("clinops: validation failed")

	// ErrInvalidStateTransition indicates the aggregate's current state does not
	// allow the requested command.
	ErrInvalidStateTransition = errors.New("clinops: invalid state transition")

	// ErrPreconditionFailed indicates a business precondition (often one spanning
	// several aggregates) does not hold.
	ErrPreconditionFailed = errors.New("clinops: precondition failed")

	// ErrProjectionFailure indicates a read model could not apply an event.
	ErrProjectionFailure = errors.New("clinops: projection failure")

	// ErrProjectionTimeout indicates the read model did not catch up in time.
	// The command that preceded the wait may have succeeded.
	ErrProjectionTimeout = errors.New("clinops: projection timeout")

	// ErrCoordinatorFailure indicates a best-effort cross-aggregate trigger failed.
	ErrCoordinatorFailure = errors.New("clinops: coordinator failure")

	// ErrInvariantViolation indicates applying an event would break a declared
	// read-model invariant. The projection halts instead of skipping.
	ErrInvariantViolation = errors.New("clinops: invariant violation")

	// ErrAggregateNotFound indicates a non-constructor command targeted an
	// aggregate with no history.
	ErrAggregateNotFound = errors.New("clinops: aggregate not found")

	// ErrAlreadyExists indicates a constructor command targeted an existing aggregate.
	ErrAlreadyExists = errors.New("clinops: aggregate already exists")

	ErrUnknownEventType  = errors.New("clinops: unknown event type")
	ErrSerialization     = errors.New("clinops: serialization failed")
	ErrNilAggregate      = errors.New("clinops: nil aggregate")
	ErrHandlerNotFound   = errors.New("clinops: handler not found")
	ErrNilCommand        = errors.New("clinops: nil command")
	ErrHandlerPanicked   = errors.New("clinops: handler panicked")
	ErrCommandBusClosed  = errors.New("clinops: command bus closed")
	ErrProjectionUnknown = errors.New("clinops: projection not registered")
	ErrEngineRunning     = errors.New("clinops: projection engine already running")

	ErrProjectionAlreadyRegistered = errors.New("clinops: projection already registered")
	ErrEmptyProjectionName         = errors.New("clinops: projection name is required")

	// ErrSubscriptionNotSupported is returned when the adapter cannot read the
	// log in global order.
	ErrSubscriptionNotSupported = errors.New("clinops: adapter does not support subscriptions")
)

// ConcurrencyError is the engine-level form of an expected-version mismatch.
type ConcurrencyError = adapters.ConcurrencyError

// NewConcurrencyError creates a ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(streamID, expected, actual)
}

// ValidationError describes one invalid command field.
type ValidationError struct {
	CommandType string
	Field       string
	Message     string
	Cause       error
}

// NewValidationError creates a ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{CommandType: cmdType, Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("clinops: validation failed for %s.%s: %s", e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("clinops: validation failed for %s: %s", e.CommandType, e.Message)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// MultiValidationError groups every field failure of one command.
type MultiValidationError struct {
	CommandType string
	Errors      []*ValidationError
}

// NewMultiValidationError creates an empty MultiValidationError.
func NewMultiValidationError(cmdType string) *MultiValidationError {
	return &MultiValidationError{CommandType: cmdType}
}

// Add appends a field error.
func (e *MultiValidationError) Add(err *ValidationError) {
	e.Errors = append(e.Errors, err)
}

// AddField appends a field error built from field and message.
func (e *MultiValidationError) AddField(field, message string) {
	e.Add(NewValidationError(e.CommandType, field, message))
}

// HasErrors reports whether any field failed.
func (e *MultiValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns e when it holds failures, nil otherwise.
func (e *MultiValidationError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return fmt.Sprintf("clinops: validation failed for %s: %s", e.CommandType, strings.Join(parts, "; "))
}

// Is matches ErrValidation.
func (e *MultiValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidStateTransitionError reports the current state and the attempted target.
type InvalidStateTransitionError struct {
	Family      string
	AggregateID string
	From        string
	To          string
	Reason      string
}

// NewInvalidStateTransition creates an InvalidStateTransitionError.
func NewInvalidStateTransition(family, aggregateID, from, to, reason string) *InvalidStateTransitionError {
	return &InvalidStateTransitionError{Family: family, AggregateID: aggregateID, From: from, To: to, Reason: reason}
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("clinops: %s %s cannot move from %s to %s", e.Family, e.AggregateID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches ErrInvalidStateTransition.
func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// PreconditionError names the business rule that did not hold.
type PreconditionError struct {
	Rule    string
	Message string
}

// NewPreconditionError creates a PreconditionError.
func NewPreconditionError(rule, message string) *PreconditionError {
	return &PreconditionError{Rule: rule, Message: message}
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("clinops: precondition %s failed: %s", e.Rule, e.Message)
}

// Is matches ErrPreconditionFailed.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// ProjectionError wraps a failure to apply one event to a read model.
type ProjectionError struct {
	Projection string
	EventID    string
	EventType  string
	Cause      error
}

// NewProjectionError creates a ProjectionError.
func NewProjectionError(projection, eventID, eventType string, cause error) *ProjectionError {
	return &ProjectionError{Projection: projection, EventID: eventID, EventType: eventType, Cause: cause}
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("clinops: projection %s failed on %s event %s: %v", e.Projection, e.EventType, e.EventID, e.Cause)
}

// Is matches ErrProjectionFailure.
func (e *ProjectionError) Is(target error) bool {
	return target == ErrProjectionFailure
}

func (e *ProjectionError) Unwrap() error {
	return e.Cause
}

// ProjectionTimeoutError reports which projection lagged and by how much.
type ProjectionTimeoutError struct {
	Projection string
	Target     uint64
	Reached    uint64
	Waited     time.Duration
}

func (e *ProjectionTimeoutError) Error() string {
	return fmt.Sprintf("clinops: projection %s reached position %d of %d after %s",
		e.Projection, e.Reached, e.Target, e.Waited)
}

// Is matches ErrProjectionTimeout.
func (e *ProjectionTimeoutError) Is(target error) bool {
	return target == ErrProjectionTimeout
}

// CoordinatorError wraps a failed cross-aggregate trigger.
type CoordinatorError struct {
	Coordinator string
	EventID     string
	Cause       error
}

// NewCoordinatorError creates a CoordinatorError.
func NewCoordinatorError(coordinator, eventID string, cause error) *CoordinatorError {
	return &CoordinatorError{Coordinator: coordinator, EventID: eventID, Cause: cause}
}

func (e *CoordinatorError) Error() string {
	return fmt.Sprintf("clinops: coordinator %s failed for event %s: %v", e.Coordinator, e.EventID, e.Cause)
}

// Is matches ErrCoordinatorFailure.
func (e *CoordinatorError) Is(target error) bool {
	return target == ErrCoordinatorFailure
}

func (e *CoordinatorError) Unwrap() error {
	return e.Cause
}

// InvariantViolationError names the read-model invariant an event would break.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

// NewInvariantViolation creates an InvariantViolationError.
func NewInvariantViolation(invariant, detail string) *InvariantViolationError {
	return &InvariantViolationError{Invariant: invariant, Detail: detail}
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("clinops: invariant %s violated: %s", e.Invariant, e.Detail)
}

// Is matches ErrInvariantViolation.
func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// UnknownEventTypeError names the unregistered (family, type) pair.
type UnknownEventTypeError struct {
	Family    string
	EventType string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("clinops: event type %s/%s is not registered", e.Family, e.EventType)
}

// Is matches ErrUnknownEventType.
func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// SerializationError wraps an encode, decode or upcast failure.
type SerializationError struct {
	EventType string
	Operation string
	Cause     error
}

// NewSerializationError creates a SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, Operation: operation, Cause: cause}
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("clinops: failed to %s event %s: %v", e.Operation, e.EventType, e.Cause)
}

// Is matches ErrSerialization.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// HandlerNotFoundError names the command type with no handler.
type HandlerNotFoundError struct {
	CommandType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("clinops: no handler registered for command %s", e.CommandType)
}

// Is matches ErrHandlerNotFound.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// PanicError captures a recovered handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("clinops: handler for %s panicked: %v", e.CommandType, e.Value)
}

// Is matches ErrHandlerPanicked.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// IsCommandRejection reports whether err is a synchronous business rejection
// (validation, state or precondition). These are never retried.
func IsCommandRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrPreconditionFailed)
}
