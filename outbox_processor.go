package clinops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrPublisherNotFound      = errors.New("clinops: no publisher for destination")
	ErrOutboxProcessorRunning = errors.New("clinops: outbox processor already running")
)

// ProcessorOption configures an OutboxProcessor.
type ProcessorOption func(*OutboxProcessor)

// WithBatchSize sets how many messages are claimed per poll.
func WithBatchSize(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithRetryBackoff sets the base delay before a failed message is retried.
// It doubles per attempt.
func WithRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithCleanupInterval sets how often completed messages are purged.
func WithCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithCleanupAge sets how long completed messages are kept.
func WithCleanupAge(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher registers a publisher under its destination prefix.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.publishers[publisher.Destination()] = publisher
	}
}

// WithOutboxMetrics sets the metrics collector.
func WithOutboxMetrics(metrics OutboxMetrics) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.metrics = metrics
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger Logger) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.logger = logger
	}
}

// OutboxProcessor relays pending outbox messages to their publishers. Delivery
// is at least once: a message is marked completed only after its publisher
// returned, so a crash in between republishes it.
type OutboxProcessor struct {
	store      OutboxStore
	publishers map[string]Publisher
	metrics    OutboxMetrics
	logger     Logger

	batchSize       int
	pollInterval    time.Duration
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration
	now             func() time.Time

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewOutboxProcessor creates a processor over store.
func NewOutboxProcessor(store OutboxStore, opts ...ProcessorOption) *OutboxProcessor {
	p := &OutboxProcessor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         noopOutboxMetrics{},
		logger:          noopLogger{},
		batchSize:       100,
		pollInterval:    time.Second,
		retryBackoff:    time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the relay and maintenance loops.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrOutboxProcessorRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = g

	g.Go(func() error {
		p.loop(gctx, p.pollInterval, func(ctx context.Context) {
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox batch failed", "error", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		p.loop(gctx, p.cleanupInterval, p.cleanup)
		return nil
	})

	p.logger.Info("outbox processor started", "publishers", len(p.publishers))
	return nil
}

func (p *OutboxProcessor) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop cancels the loops and waits for the batch in flight, at most until ctx ends.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}
	p.cancel()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		p.running.Store(false)
		p.logger.Info("outbox processor stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the loops are running.
func (p *OutboxProcessor) IsRunning() bool {
	return p.running.Load()
}

// ProcessBatch claims one batch of due messages and publishes it, grouped by
// destination prefix. It returns how many messages were delivered.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	messages, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("clinops: fetching pending outbox messages: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	grouped := make(map[string][]*OutboxMessage)
	var order []string
	for _, msg := range messages {
		prefix := destinationPrefix(msg.Destination)
		if _, ok := grouped[prefix]; !ok {
			order = append(order, prefix)
		}
		grouped[prefix] = append(grouped[prefix], msg)
	}

	delivered := 0
	for _, prefix := range order {
		msgs := grouped[prefix]
		publisher, ok := p.publishers[prefix]
		if !ok {
			p.fail(ctx, msgs, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix))
			continue
		}
		if err := publisher.Publish(ctx, msgs); err != nil {
			p.fail(ctx, msgs, err)
			continue
		}

		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
			p.metrics.RecordMessageProcessed(msg.Destination, true)
		}
		if err := p.store.MarkCompleted(ctx, ids); err != nil {
			p.logger.Error("failed to mark outbox messages completed", "count", len(ids), "error", err)
			continue
		}
		delivered += len(msgs)
	}

	p.metrics.RecordBatchDuration(time.Since(start))
	if pending, err := p.store.CountByStatus(ctx, OutboxPending); err == nil {
		p.metrics.RecordPendingMessages(pending)
	}
	return delivered, nil
}

func (p *OutboxProcessor) fail(ctx context.Context, msgs []*OutboxMessage, cause error) {
	for _, msg := range msgs {
		retryAt := p.now().Add(p.backoff(msg.Attempts))
		if err := p.store.MarkFailed(ctx, msg.ID, cause, retryAt); err != nil {
			p.logger.Error("failed to record outbox failure", "id", msg.ID, "error", err)
			continue
		}
		p.metrics.RecordMessageProcessed(msg.Destination, false)
		p.metrics.RecordMessageFailed(msg.Destination)
		if msg.Attempts >= msg.MaxAttempts {
			p.metrics.RecordMessageDeadLettered()
			p.logger.Warn("outbox message dead-lettered",
				"id", msg.ID,
				"eventId", msg.EventID,
				"destination", msg.Destination,
				"attempts", msg.Attempts,
				"error", cause)
		} else {
			p.logger.Warn("outbox delivery failed",
				"id", msg.ID,
				"destination", msg.Destination,
				"attempt", msg.Attempts,
				"retryAt", retryAt,
				"error", cause)
		}
	}
}

func (p *OutboxProcessor) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	return p.retryBackoff * time.Duration(1<<uint(shift))
}

func (p *OutboxProcessor) cleanup(ctx context.Context) {
	n, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("outbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("outbox cleanup", "removed", n)
	}
}

// destinationPrefix returns "kafka" for "kafka:clinops.patient".
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}
