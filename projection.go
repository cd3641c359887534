package clinops

import (
	"context"
	"time"
)

// Projection turns committed events of one or more families into a read model.
// Apply must be idempotent: the engine delivers at least once.
type Projection interface {
	// Name identifies the projection for checkpoints, status and waiting.
	Name() string

	// Families lists the aggregate families the projection subscribes to.
	// An empty list subscribes to every family.
	Families() []string

	// Apply processes one decoded event.
	Apply(ctx context.Context, event Event) error
}

// Resetter is implemented by projections whose read model can be cleared
// before a rebuild. Audit trails are never cleared.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ProjectionState is the lifecycle state of a registered projection.
type ProjectionState string

const (
	ProjectionStateStopped ProjectionState = "stopped"
	ProjectionStateRunning ProjectionState = "running"
	ProjectionStatePaused  ProjectionState = "paused"

	// ProjectionStateFaulted means the projection halted on an invariant
	// violation or exhausted its retries. It stays halted until resumed.
	ProjectionStateFaulted ProjectionState = "faulted"

	ProjectionStateRebuilding ProjectionState = "rebuilding"
	ProjectionStateCatchingUp ProjectionState = "catching_up"
)

// ProjectionMode says how a projection is driven.
type ProjectionMode string

const (
	// ProjectionModeInline runs in the same call as the append.
	ProjectionModeInline ProjectionMode = "inline"

	// ProjectionModeAsync runs in a polling background worker.
	ProjectionModeAsync ProjectionMode = "async"
)

// ProjectionStatus is a point-in-time view of one projection.
type ProjectionStatus struct {
	Name            string          `json:"name"`
	Mode            ProjectionMode  `json:"mode"`
	State           ProjectionState `json:"state"`
	LastPosition    uint64          `json:"lastPosition"`
	EventsProcessed uint64          `json:"eventsProcessed"`
	LastProcessedAt time.Time       `json:"lastProcessedAt,omitempty"`
	Error           string          `json:"error,omitempty"`
	Lag             uint64          `json:"lag"`
}

// ProjectionMetrics collects projection processing metrics.
type ProjectionMetrics interface {
	RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool)
	RecordBatchProcessed(projectionName string, count int, duration time.Duration, success bool)
	RecordCheckpoint(projectionName string, position uint64)
	RecordError(projectionName string, err error)
}

type noopProjectionMetrics struct{}

func (noopProjectionMetrics) RecordEventProcessed(string, string, time.Duration, bool) {}
func (noopProjectionMetrics) RecordBatchProcessed(string, int, time.Duration, bool)    {}
func (noopProjectionMetrics) RecordCheckpoint(string, uint64)                          {}
func (noopProjectionMetrics) RecordError(string, error)                                {}

// Escalator is told when a projection halts. Implementations page someone;
// a halted read model in this domain is preferable to silent data loss.
type Escalator interface {
	Escalate(ctx context.Context, projection string, err error)
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, projection string, err error)

// Escalate calls f.
func (f EscalatorFunc) Escalate(ctx context.Context, projection string, err error) {
	f(ctx, projection, err)
}

type logEscalator struct {
	logger Logger
}

func (l logEscalator) Escalate(ctx context.Context, projection string, err error) {
	l.logger.Error("projection halted", "projection", projection, "error", err)
}

// ProjectionBase carries the name and families of a projection.
type ProjectionBase struct {
	name     string
	families []string
}

// NewProjectionBase creates a ProjectionBase.
func NewProjectionBase(name string, families ...string) ProjectionBase {
	return ProjectionBase{name: name, families: families}
}

// Name returns the projection name.
func (p *ProjectionBase) Name() string { return p.name }

// Families returns the subscribed families.
func (p *ProjectionBase) Families() []string { return p.families }

// HandlesFamily reports whether events of family reach this projection.
func (p *ProjectionBase) HandlesFamily(family string) bool {
	return handlesFamily(p.families, family)
}

func handlesFamily(families []string, family string) bool {
	if len(families) == 0 {
		return true
	}
	for _, f := range families {
		if f == family {
			return true
		}
	}
	return false
}

// RetryPolicy decides whether and when a failed event is retried.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) bool
	Delay(attempt int) time.Duration
}

type exponentialBackoffRetry struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ExponentialBackoffRetry retries up to maxRetries times, doubling the delay
// from baseDelay up to maxDelay.
func ExponentialBackoffRetry(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return &exponentialBackoffRetry{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

func (r *exponentialBackoffRetry) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < r.maxRetries
}

func (r *exponentialBackoffRetry) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return r.maxDelay
	}
	delay := r.baseDelay * time.Duration(1<<uint(attempt))
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return delay
}

type noRetry struct{}

// NoRetry never retries.
func NoRetry() RetryPolicy { return noRetry{} }

func (noRetry) ShouldRetry(int, error) bool { return false }
func (noRetry) Delay(int) time.Duration     { return 0 }

// ProjectionOptions configures how a projection is driven.
type ProjectionOptions struct {
	// BatchSize is the maximum number of events loaded per read. Default 100.
	BatchSize int

	// PollInterval is how often an idle async worker polls. Default 100ms.
	PollInterval time.Duration

	// RetryPolicy governs transient failures. An event that exhausts it
	// faults the projection.
	RetryPolicy RetryPolicy
}

// DefaultProjectionOptions returns the defaults.
func DefaultProjectionOptions() ProjectionOptions {
	return ProjectionOptions{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		RetryPolicy:  ExponentialBackoffRetry(3, 50*time.Millisecond, 2*time.Second),
	}
}

func (o ProjectionOptions) withDefaults() ProjectionOptions {
	d := DefaultProjectionOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = d.RetryPolicy
	}
	return o
}
