// Package metrics exposes Prometheus metrics for the clinops engine.
//
// One Metrics value serves three places:
//
//	m := metrics.New(metrics.WithMetricsServiceName("clinops"))
//	_ = m.Register(prometheus.DefaultRegisterer)
//
//	bus.Use(m.CommandMiddleware())                                        // command outcomes
//	store := clinops.New(m.WrapEventStore(adapter), reg)                  // event log operations
//	engine := clinops.NewProjectionEngine(store, clinops.WithProjectionMetrics(m))
//
// Command outcomes are labelled with the error category (validation,
// state_transition, precondition, concurrency_conflict, ...), which is what
// alerting on a regulated write path usually keys on.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
)

// Metric labels.
const (
	LabelCommandType    = "command_type"
	LabelEventType      = "event_type"
	LabelProjectionName = "projection_name"
	LabelOperation      = "operation"
	LabelStatus         = "status"
	LabelErrorType      = "error_type"
	LabelState          = "state"
	LabelService        = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend           = "append"
	OperationLoad             = "load"
	OperationLoadFromPosition = "load_from_position"
	OperationStreamInfo       = "get_stream_info"
	OperationLastPosition     = "get_last_position"
)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec

	projectionEventsTotal  *prometheus.CounterVec
	projectionDuration     *prometheus.HistogramVec
	projectionBatchesTotal *prometheus.CounterVec
	projectionLag          *prometheus.GaugeVec
	projectionCheckpoint   *prometheus.GaugeVec
	projectionState        *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

var _ clinops.ProjectionMetrics = (*Metrics)(nil)

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace. Defaults to "clinops".
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates the collectors. They still need registering.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "clinops",
		serviceName: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total", "Total number of commands dispatched.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds", "Duration of command dispatch in seconds.", LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight", "Number of commands currently being dispatched.", LabelCommandType)

	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total", "Total number of event store operations.", LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds", "Duration of event store operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total", "Total number of events appended to the log.", LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total", "Total number of events read from the log.")

	m.projectionEventsTotal = m.counter("projection_events_total", "Total number of events applied by projections.", LabelProjectionName, LabelEventType, LabelStatus)
	m.projectionDuration = m.histogram("projection_duration_seconds", "Duration of applying one event to a read model in seconds.", LabelProjectionName)
	m.projectionBatchesTotal = m.counter("projection_batches_total", "Total number of batches processed by projections.", LabelProjectionName, LabelStatus)
	m.projectionLag = m.gauge("projection_lag_events", "Number of events between the log head and each projection.", LabelProjectionName)
	m.projectionCheckpoint = m.gauge("projection_checkpoint_position", "Last persisted position of each projection.", LabelProjectionName)
	m.projectionState = m.gauge("projection_state", "1 for the current state of each projection, 0 otherwise.", LabelProjectionName, LabelState)

	m.errorsTotal = m.counter("errors_total", "Total number of errors by category.", LabelErrorType)
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.projectionEventsTotal,
		m.projectionDuration,
		m.projectionBatchesTotal,
		m.projectionLag,
		m.projectionCheckpoint,
		m.projectionState,
		m.errorsTotal,
	}
}

// MustRegister registers every collector with the default registry.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers every collector with registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// CommandMiddleware records dispatch counts, durations and failures.
func (m *Metrics) CommandMiddleware() clinops.Middleware {
	return func(next clinops.MiddlewareFunc) clinops.MiddlewareFunc {
		return func(ctx context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
			cmdType := cmd.CommandType()

			m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil {
				status = StatusError
				m.errorsTotal.WithLabelValues(m.serviceName, ErrorType(err)).Inc()
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()
			return result, err
		}
	}
}

// ErrorType maps an error to its category label.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, clinops.ErrValidation):
		return "validation"
	case errors.Is(err, clinops.ErrInvalidStateTransition):
		return "state_transition"
	case errors.Is(err, clinops.ErrPreconditionFailed):
		return "precondition"
	case errors.Is(err, clinops.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, clinops.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, clinops.ErrAggregateNotFound), errors.Is(err, clinops.ErrStreamNotFound):
		return "not_found"
	case errors.Is(err, clinops.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, clinops.ErrProjectionTimeout):
		return "projection_timeout"
	case errors.Is(err, clinops.ErrProjectionFailure):
		return "projection_failure"
	case errors.Is(err, clinops.ErrCoordinatorFailure):
		return "coordinator_failure"
	case errors.Is(err, clinops.ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, clinops.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, clinops.ErrSerialization), errors.Is(err, clinops.ErrUnknownEventType):
		return "serialization"
	case errors.Is(err, clinops.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "context"
	default:
		return "unknown"
	}
}

// RecordEventProcessed implements clinops.ProjectionMetrics.
func (m *Metrics) RecordEventProcessed(projection, eventType string, d time.Duration, ok bool) {
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	m.projectionDuration.WithLabelValues(m.serviceName, projection).Observe(d.Seconds())
	m.projectionEventsTotal.WithLabelValues(m.serviceName, projection, eventType, status).Inc()
}

// RecordBatchProcessed implements clinops.ProjectionMetrics.
func (m *Metrics) RecordBatchProcessed(projection string, _ int, _ time.Duration, ok bool) {
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	m.projectionBatchesTotal.WithLabelValues(m.serviceName, projection, status).Inc()
}

// RecordCheckpoint implements clinops.ProjectionMetrics.
func (m *Metrics) RecordCheckpoint(projection string, position uint64) {
	m.projectionCheckpoint.WithLabelValues(m.serviceName, projection).Set(float64(position))
}

// RecordError implements clinops.ProjectionMetrics.
func (m *Metrics) RecordError(_ string, err error) {
	m.errorsTotal.WithLabelValues(m.serviceName, ErrorType(err)).Inc()
}

var projectionStates = []clinops.ProjectionState{
	clinops.ProjectionStateStopped,
	clinops.ProjectionStateCatchingUp,
	clinops.ProjectionStateRunning,
	clinops.ProjectionStatePaused,
	clinops.ProjectionStateRebuilding,
	clinops.ProjectionStateFaulted,
}

// ObserveStatuses copies lag and state from projection statuses into the
// gauges. The serve command calls it on every scrape interval.
func (m *Metrics) ObserveStatuses(statuses []clinops.ProjectionStatus) {
	for _, st := range statuses {
		m.projectionLag.WithLabelValues(m.serviceName, st.Name).Set(float64(st.Lag))
		for _, s := range projectionStates {
			v := 0.0
			if s == st.State {
				v = 1
			}
			m.projectionState.WithLabelValues(m.serviceName, st.Name, string(s)).Set(v)
		}
	}
}

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var (
	_ adapters.EventStoreAdapter   = (*EventStoreMiddleware)(nil)
	_ adapters.SubscriptionAdapter = (*EventStoreMiddleware)(nil)
)

// WrapEventStore wraps adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{adapter: adapter, metrics: m}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter { return em.adapter }

func (em *EventStoreMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, ErrorType(err)).Inc()
	}
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, streamID, events, expectedVersion)
	em.observe(OperationAppend, start, err)
	if err == nil {
		for _, e := range events {
			em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, e.Type).Inc()
		}
	}
	return stored, err
}

// Load reads a stream with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, streamID, fromVersion)
	em.observe(OperationLoad, start, err)
	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.adapter.GetStreamInfo(ctx, streamID)
	if errors.Is(err, adapters.ErrStreamNotFound) {
		// existence probes are not failures
		em.observe(OperationStreamInfo, start, nil)
		return info, err
	}
	em.observe(OperationStreamInfo, start, err)
	return info, err
}

// GetLastPosition returns the head position with metrics.
func (em *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	start := time.Now()
	pos, err := em.adapter.GetLastPosition(ctx)
	em.observe(OperationLastPosition, start, err)
	return pos, err
}

// LoadFromPosition reads the log in global order with metrics.
func (em *EventStoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]adapters.StoredEvent, error) {
	sub, ok := em.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, clinops.ErrSubscriptionNotSupported
	}
	start := time.Now()
	events, err := sub.LoadFromPosition(ctx, fromPosition, limit, families...)
	em.observe(OperationLoadFromPosition, start, err)
	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec { return m.commandsTotal }

// CommandsInFlight returns the in-flight gauge.
func (m *Metrics) CommandsInFlight() *prometheus.GaugeVec { return m.commandsInFlight }

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the appended events counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec { return m.eventsAppendedTotal }

// EventsLoadedTotal returns the loaded events counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec { return m.eventsLoadedTotal }

// ProjectionEventsTotal returns the projection events counter.
func (m *Metrics) ProjectionEventsTotal() *prometheus.CounterVec { return m.projectionEventsTotal }

// ProjectionLag returns the lag gauge.
func (m *Metrics) ProjectionLag() *prometheus.GaugeVec { return m.projectionLag }

// ProjectionCheckpoint returns the checkpoint gauge.
func (m *Metrics) ProjectionCheckpoint() *prometheus.GaugeVec { return m.projectionCheckpoint }

// ProjectionState returns the state gauge.
func (m *Metrics) ProjectionState() *prometheus.GaugeVec { return m.projectionState }

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec { return m.errorsTotal }
