package adapters

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus int

const (
	OutboxPending OutboxStatus = iota
	OutboxProcessing
	OutboxCompleted
	OutboxFailed
	OutboxDeadLetter
)

// String returns the lower-case status name.
func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxProcessing:
		return "processing"
	case OutboxCompleted:
		return "completed"
	case OutboxFailed:
		return "failed"
	case OutboxDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// OutboxMessage is one committed event routed to one external destination.
// (EventID, Destination) is unique, so rescheduling a redelivered event is a no-op.
type OutboxMessage struct {
	ID            string
	EventID       string
	AggregateID   string
	Family        string
	EventType     string
	Destination   string
	Payload       []byte
	Headers       map[string]string
	Status        OutboxStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	ScheduledAt   time.Time
	LastAttemptAt time.Time
	ProcessedAt   time.Time
	CreatedAt     time.Time
}

// OutboxStore persists messages awaiting relay.
type OutboxStore interface {
	// Schedule stores messages, skipping any (EventID, Destination) already present.
	Schedule(ctx context.Context, messages []*OutboxMessage) error

	// FetchPending claims up to limit due messages and marks them processing.
	FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error)

	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed records a failed attempt; the message returns to pending with
	// a delayed schedule, or moves to the dead letter state once attempts are spent.
	MarkFailed(ctx context.Context, id string, lastErr error, retryAt time.Time) error

	// RetryFailed moves failed messages back to pending.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	GetDeadLetterMessages(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// Cleanup removes completed messages older than the given age.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	CountByStatus(ctx context.Context, status OutboxStatus) (int64, error)
}
