package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore is the in-memory outbox. Scheduling the same (event,
// destination) twice keeps the first message.
type OutboxStore struct {
	mu       sync.Mutex
	messages map[string]*adapters.OutboxMessage
	byEvent  map[string]string
	now      func() time.Time
}

// NewOutboxStore creates an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		messages: make(map[string]*adapters.OutboxMessage),
		byEvent:  make(map[string]string),
		now:      time.Now,
	}
}

func dedupKey(m *adapters.OutboxMessage) string {
	return m.EventID + "|" + m.Destination
}

// Schedule stores new messages as pending.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var added []string
	for _, msg := range messages {
		key := dedupKey(msg)
		if _, dup := s.byEvent[key]; dup {
			continue
		}
		m := copyMessage(msg)
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.ScheduledAt.IsZero() {
			m.ScheduledAt = now
		}
		if m.MaxAttempts == 0 {
			m.MaxAttempts = 5
		}
		m.Status = adapters.OutboxPending
		s.messages[m.ID] = m
		s.byEvent[key] = m.ID
		added = append(added, m.ID)
	}

	if hook := adapters.TxHookFromContext(ctx); hook != nil && len(added) > 0 {
		hook.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, id := range added {
				if m, ok := s.messages[id]; ok {
					delete(s.byEvent, dedupKey(m))
					delete(s.messages, id)
				}
			}
		})
	}
	return nil
}

// FetchPending claims due pending messages, oldest schedule first.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*adapters.OutboxMessage
	for _, m := range s.messages {
		if m.Status == adapters.OutboxPending && !m.ScheduledAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*adapters.OutboxMessage, len(due))
	for i, m := range due {
		m.Status = adapters.OutboxProcessing
		m.Attempts++
		m.LastAttemptAt = now
		out[i] = copyMessage(m)
	}
	return out, nil
}

// MarkCompleted marks messages delivered.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			m.Status = adapters.OutboxCompleted
			m.ProcessedAt = now
		}
	}
	return nil
}

// MarkFailed records a failed attempt and reschedules or dead-letters it.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	if lastErr != nil {
		m.LastError = lastErr.Error()
	}
	if m.Attempts >= m.MaxAttempts {
		m.Status = adapters.OutboxDeadLetter
		return nil
	}
	m.Status = adapters.OutboxPending
	m.ScheduledAt = retryAt
	return nil
}

// RetryFailed moves failed messages with attempts left back to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == adapters.OutboxFailed && m.Attempts < maxAttempts {
			m.Status = adapters.OutboxPending
			n++
		}
	}
	return n, nil
}

// GetDeadLetterMessages returns dead-lettered messages, oldest first.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*adapters.OutboxMessage
	for _, m := range s.messages {
		if m.Status == adapters.OutboxDeadLetter {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup removes completed messages processed before olderThan ago.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var n int64
	for id, m := range s.messages {
		if m.Status == adapters.OutboxCompleted && m.ProcessedAt.Before(cutoff) {
			delete(s.byEvent, dedupKey(m))
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// CountByStatus counts messages in status.
func (s *OutboxStore) CountByStatus(ctx context.Context, status adapters.OutboxStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == status {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored messages.
func (s *OutboxStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func copyMessage(m *adapters.OutboxMessage) *adapters.OutboxMessage {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
