package clinops

import (
	"context"
	"sync"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

// SubscriptionOptions configures a subscription.
type SubscriptionOptions struct {
	// BufferSize is the event channel buffer. Default 256.
	BufferSize int

	// BatchSize is how many events are read per poll. Default 100.
	BatchSize int

	// PollInterval is the delay between polls once caught up. Default 100ms.
	PollInterval time.Duration

	// Filter optionally drops events before delivery.
	Filter EventFilter

	// RetryOnError keeps polling after a read error instead of closing.
	RetryOnError bool
}

// DefaultSubscriptionOptions returns the defaults.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		BufferSize:   256,
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		RetryOnError: true,
	}
}

// EventFilter decides which events are delivered.
type EventFilter interface {
	Matches(event StoredEvent) bool
}

// EventTypeFilter matches a set of event types.
type EventTypeFilter struct {
	types map[string]struct{}
}

// NewEventTypeFilter creates a filter matching eventTypes.
func NewEventTypeFilter(eventTypes ...string) *EventTypeFilter {
	f := &EventTypeFilter{types: make(map[string]struct{}, len(eventTypes))}
	for _, t := range eventTypes {
		f.types[t] = struct{}{}
	}
	return f
}

// Matches reports whether the event's type is in the set.
func (f *EventTypeFilter) Matches(event StoredEvent) bool {
	_, ok := f.types[event.Type]
	return ok
}

// Subscription delivers committed events of one family in global order,
// first the history after the start position and then new events as they
// are polled. Delivery is at least once across restarts: callers persist
// Position themselves.
type Subscription struct {
	store    *EventStore
	family   string
	opts     SubscriptionOptions
	eventCh  chan StoredEvent
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	position uint64
	err      error
}

// Subscribe starts a subscription to family (every family when empty) from
// the event after fromPosition.
func (s *EventStore) Subscribe(ctx context.Context, family string, fromPosition uint64, opts ...SubscriptionOptions) (*Subscription, error) {
	if _, ok := s.adapter.(adapters.SubscriptionAdapter); !ok {
		return nil, ErrSubscriptionNotSupported
	}

	options := DefaultSubscriptionOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.BufferSize <= 0 {
		options.BufferSize = 256
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}
	if options.PollInterval <= 0 {
		options.PollInterval = 100 * time.Millisecond
	}

	sub := &Subscription{
		store:    s,
		family:   family,
		opts:     options,
		eventCh:  make(chan StoredEvent, options.BufferSize),
		stopCh:   make(chan struct{}),
		position: fromPosition,
	}
	go sub.run(ctx)
	return sub, nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.eventCh)

	var families []string
	if s.family != "" {
		families = []string{s.family}
	}

	for {
		events, err := s.store.LoadEventsFromPosition(ctx, s.Position(), s.opts.BatchSize, families...)
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(ctx.Err())
				return
			}
			if !s.opts.RetryOnError {
				s.setErr(err)
				return
			}
			s.store.logger.Warn("subscription read failed", "family", s.family, "error", err)
		}

		for _, event := range events {
			if s.opts.Filter == nil || s.opts.Filter.Matches(event) {
				select {
				case s.eventCh <- event:
				case <-ctx.Done():
					s.setErr(ctx.Err())
					return
				case <-s.stopCh:
					return
				}
			}
			s.setPosition(event.GlobalPosition)
		}

		if len(events) == s.opts.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.stopCh:
			return
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan StoredEvent {
	return s.eventCh
}

// Close stops the subscription.
func (s *Subscription) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Position returns the global position of the last event handed out or skipped.
func (s *Subscription) Position() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func (s *Subscription) setPosition(p uint64) {
	s.mu.Lock()
	s.position = p
	s.mu.Unlock()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
