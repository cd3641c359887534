package adapters

import (
	"context"
	"fmt"
	"strings"
)

// Expected-version sentinels for Append.
const (
	// AnyVersion skips the version check.
	AnyVersion int64 = -1

	// NoStream requires the stream not to exist yet (constructor commands).
	NoStream int64 = 0

	// StreamExists requires the stream to exist.
	StreamExists int64 = -2
)

// StreamKey builds the "Family-ID" stream identifier.
func StreamKey(family, id string) string {
	return family + "-" + id
}

// ExtractFamily returns the family part of a "Family-ID" stream identifier.
// Family names never contain a hyphen; aggregate IDs (UUIDs) may.
func ExtractFamily(streamID string) string {
	if streamID == "" {
		return ""
	}
	parts := strings.SplitN(streamID, "-", 2)
	return parts[0]
}

// ExtractID returns the aggregate ID part of a "Family-ID" stream identifier.
func ExtractID(streamID string) string {
	parts := strings.SplitN(streamID, "-", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// ConcurrencyError describes an expected-version mismatch.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{StreamID: streamID, ExpectedVersion: expected, ActualVersion: actual}
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("clinops: concurrency conflict on stream %q: expected version %d, got %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// Is matches ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError names the missing stream.
type StreamNotFoundError struct {
	StreamID string
}

// NewStreamNotFoundError creates a StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("clinops: stream %q not found", e.StreamID)
}

// Is matches ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion applies the optimistic concurrency rule shared by all adapters.
func CheckVersion(streamID string, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists {
			return NewConcurrencyError(streamID, expected, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(streamID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(streamID, expected, current)
		}
		return nil
	}
}

// MatchesFamily reports whether family is selected by the filter. An empty
// filter selects every family.
func MatchesFamily(family string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == family {
			return true
		}
	}
	return false
}

// DefaultLimit returns defaultValue when limit is not positive.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}

// TxHook lets an in-process store join a unit of work started by a Transactor
// that lives elsewhere (the memory adapter's journal, for instance).
type TxHook interface {
	// OnRollback registers an undo action run if the unit of work fails.
	OnRollback(undo func())
}

type txHookKey struct{}

// ContextWithTxHook attaches a hook to ctx.
func ContextWithTxHook(ctx context.Context, hook TxHook) context.Context {
	return context.WithValue(ctx, txHookKey{}, hook)
}

// TxHookFromContext returns the active hook, or nil outside a unit of work.
func TxHookFromContext(ctx context.Context) TxHook {
	hook, _ := ctx.Value(txHookKey{}).(TxHook)
	return hook
}

// CopyIdempotencyRecord returns a copy safe from outside mutation.
func CopyIdempotencyRecord(record *IdempotencyRecord) *IdempotencyRecord {
	if record == nil {
		return nil
	}
	c := *record
	return &c
}
