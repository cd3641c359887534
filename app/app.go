// Package app assembles a running clinops engine from configuration: the
// event log, command bus and middleware, cross-aggregate validators,
// projectors, coordinators and the integration-event outbox.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/postgres"
	"github.com/clinprecision/clinops-core/adapters/redis"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/coordination"
	"github.com/clinprecision/clinops-core/domain"
	"github.com/clinprecision/clinops-core/domain/dbbuild"
	"github.com/clinprecision/clinops-core/domain/design"
	"github.com/clinprecision/clinops-core/domain/document"
	"github.com/clinprecision/clinops-core/domain/formdata"
	"github.com/clinprecision/clinops-core/domain/patient"
	"github.com/clinprecision/clinops-core/domain/protocol"
	"github.com/clinprecision/clinops-core/domain/site"
	"github.com/clinprecision/clinops-core/domain/study"
	"github.com/clinprecision/clinops-core/domain/visit"
	"github.com/clinprecision/clinops-core/logging"
	"github.com/clinprecision/clinops-core/middleware/metrics"
	"github.com/clinprecision/clinops-core/middleware/tracing"
	"github.com/clinprecision/clinops-core/projection"
	"github.com/clinprecision/clinops-core/refdata"
	"github.com/clinprecision/clinops-core/validation"
)

// Families lists every aggregate family the engine hosts.
var Families = []struct {
	Name     string
	Events   func(reg *clinops.Registry)
	Handlers func(bus *clinops.CommandBus, deps domain.Deps)
}{
	{study.Family, study.RegisterEvents, study.RegisterHandlers},
	{patient.Family, patient.RegisterEvents, patient.RegisterHandlers},
	{document.Family, document.RegisterEvents, document.RegisterHandlers},
	{protocol.Family, protocol.RegisterEvents, protocol.RegisterHandlers},
	{dbbuild.Family, dbbuild.RegisterEvents, dbbuild.RegisterHandlers},
	{design.Family, design.RegisterEvents, design.RegisterHandlers},
	{visit.Family, visit.RegisterEvents, visit.RegisterHandlers},
	{formdata.Family, formdata.RegisterEvents, formdata.RegisterHandlers},
	{site.Family, site.RegisterEvents, site.RegisterHandlers},
}

// App is a wired engine. Build it with New, then Start it.
type App struct {
	cfg    *config.Config
	logger clinops.Logger

	Registry     *clinops.Registry
	Store        *clinops.EventStore
	Bus          *clinops.CommandBus
	Engine       *clinops.ProjectionEngine
	Coordinators *clinops.CoordinatorRunner
	Outbox       *clinops.OutboxProcessor
	RefData      *refdata.Provider
	Models       projection.ReadModels
	Projectors   *projection.Set
	Audit        adapters.AuditStore
	Metrics      *metrics.Metrics
	Prometheus   *prometheus.Registry

	backend    *backend
	redis      *goredis.Client
	tracer     *sdktrace.TracerProvider
	publishers []clinops.Publisher
	refresh    bool

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an App from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("app: invalid configuration: %v", problems)
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		l, err := logging.New(logging.Options{Level: cfg.Logging.Level, Console: cfg.Logging.Console})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		o.logger = l
	}

	a := &App{cfg: cfg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	cdc, err := codec(cfg)
	if err != nil {
		return nil, err
	}
	a.Registry = clinops.NewRegistry(clinops.WithCodec(cdc))
	for _, f := range Families {
		f.Events(a.Registry)
	}

	if a.backend, err = openBackend(ctx, cfg, o); err != nil {
		return nil, err
	}
	a.Models = a.backend.models
	a.Audit = a.backend.deps.Audit

	tracer, err := a.tracing(o)
	if err != nil {
		return nil, err
	}
	a.observability(o)

	events := a.backend.events
	if a.Metrics != nil {
		events = a.Metrics.WrapEventStore(events)
	}
	if tracer != nil {
		events = tracing.NewEventStoreMiddleware(events, tracer)
	}
	a.Store = clinops.New(events, a.Registry, clinops.WithLogger(o.logger))

	a.Engine = clinops.NewProjectionEngine(a.Store, a.engineOptions(o)...)

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}

	a.RefData = a.referenceData(o)

	a.Bus = clinops.NewCommandBus(clinops.WithPositionWaiter(a.Engine))
	a.Bus.Use(
		clinops.RecoveryMiddleware(),
		clinops.CorrelationMiddleware(),
		clinops.LoggingMiddleware(o.logger),
	)
	if a.Metrics != nil {
		a.Bus.Use(a.Metrics.CommandMiddleware())
	}
	if tracer != nil {
		a.Bus.Use(tracing.CommandMiddleware(tracer))
	}
	if cfg.Commands.Timeout > 0 {
		a.Bus.Use(clinops.TimeoutMiddleware(cfg.Commands.Timeout))
	}

	catchUp := validation.WithCatchUp(a.Engine, cfg.Projections.CatchUpTimeout)
	protocols := validation.NewProtocolValidator(a.Models.Studies, a.Models.ProtocolVersions,
		catchUp, validation.WithLogger(o.logger))
	builds := validation.NewBuildValidator(a.Models.Builds, catchUp, validation.WithLogger(o.logger))

	a.Bus.Use(
		clinops.ValidationMiddleware(clinops.NewStructValidator()),
		clinops.ActorMiddleware(),
		clinops.IdempotencyMiddleware(clinops.IdempotencyConfig{
			Store:  a.backend.idempotency,
			TTL:    cfg.Commands.IdempotencyTTL,
			Logger: o.logger,
		}),
		clinops.LockMiddleware(locker),
		validation.Middleware(protocols, builds),
	)
	a.Bus.Use(o.middleware...)
	a.Bus.Use(clinops.RetryMiddleware(clinops.RetryConfig{
		MaxAttempts:  cfg.Commands.RetryAttempts,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	}))

	deps := domain.Deps{Store: a.Store, RefData: a.RefData, Now: o.now}
	for _, f := range Families {
		f.Handlers(a.Bus, deps)
	}

	completion := coordination.NewVisitCompletion(a.Bus,
		a.Models.Visits, a.Models.FormAssignments, a.Models.FormData,
		coordination.WithLogger(o.logger))
	a.Projectors = projection.NewSet(a.Models, a.backend.deps, completion)

	popts := clinops.ProjectionOptions{
		BatchSize:    cfg.Projections.BatchSize,
		PollInterval: cfg.Projections.PollInterval,
		RetryPolicy: clinops.ExponentialBackoffRetry(cfg.Projections.MaxRetries,
			cfg.Projections.RetryBaseDelay, cfg.Projections.RetryMaxDelay),
	}
	for _, p := range a.Projectors.All() {
		if tracer != nil {
			p = tracing.NewProjectionMiddleware(p, tracer)
		}
		if err := a.Engine.RegisterAsync(p, popts); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.Coordinators = clinops.NewCoordinatorRunner(a.Store,
		clinops.WithCoordinatorCheckpoints(a.backend.checkpoints),
		clinops.WithCoordinatorLogger(o.logger),
		clinops.WithCoordinatorSubscription(clinops.SubscriptionOptions{
			BatchSize:    cfg.Projections.BatchSize,
			PollInterval: cfg.Projections.PollInterval,
		}),
	)
	coordinators := []clinops.Coordinator{
		coordination.NewDesignInitializer(a.Bus, coordination.WithLogger(o.logger)),
		coordination.NewVisitInstantiation(a.Bus,
			a.Models.Enrollments, a.Models.VisitDefinitions, a.Models.Builds,
			coordination.WithLogger(o.logger),
			coordination.WithCatchUp(a.Engine, cfg.Projections.CatchUpTimeout)),
	}
	for _, c := range coordinators {
		if tracer != nil {
			c = tracing.NewCoordinatorMiddleware(c, tracer)
		}
		if err := a.Coordinators.Register(c); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	if err := a.outbox(o, popts); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *App) engineOptions(o *options) []clinops.ProjectionEngineOption {
	opts := []clinops.ProjectionEngineOption{
		clinops.WithCheckpointStore(a.backend.checkpoints),
		clinops.WithProcessedEvents(a.backend.deps.Processed),
		clinops.WithProjectionLogger(o.logger),
	}
	if a.Metrics != nil {
		opts = append(opts, clinops.WithProjectionMetrics(a.Metrics))
	}
	if o.escalator != nil {
		opts = append(opts, clinops.WithEscalator(o.escalator))
	}
	return opts
}

func (a *App) observability(o *options) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	a.Metrics = metrics.New(
		metrics.WithNamespace(a.cfg.Metrics.Namespace),
		metrics.WithMetricsServiceName(a.cfg.Project.Name),
	)
	a.Prometheus = o.registry
	if a.Prometheus == nil {
		a.Prometheus = prometheus.NewRegistry()
		a.Prometheus.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if err := a.Metrics.Register(a.Prometheus); err != nil {
		a.logger.Warn("metrics already registered", "error", err)
	}
}

func (a *App) tracing(o *options) (*tracing.Tracer, error) {
	if !a.cfg.Tracing.Enabled {
		return nil, nil
	}
	tp := o.tracerProvider
	if tp == nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("app: creating trace exporter: %w", err)
		}
		a.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", a.cfg.Tracing.ServiceName),
			)),
		)
		tp = a.tracer
	}
	return tracing.NewTracer(
		tracing.WithTracerProvider(tp),
		tracing.WithServiceName(a.cfg.Tracing.ServiceName),
	), nil
}

func (a *App) locker(ctx context.Context) (clinops.Locker, error) {
	if a.cfg.Locker.Backend != config.LockerRedis {
		return clinops.NewStripedLocker(a.cfg.Locker.Stripes), nil
	}
	client, err := redis.NewClient(ctx, a.cfg.RedisURL())
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.redis = client
	return redis.NewLocker(client,
		redis.WithKeyPrefix(a.cfg.Locker.KeyPrefix),
		redis.WithTTL(a.cfg.Locker.TTL),
		redis.WithLogger(a.logger),
	), nil
}

func (a *App) referenceData(o *options) *refdata.Provider {
	if o.snapshot != nil {
		return refdata.NewStaticProvider(o.snapshot)
	}
	if a.cfg.RefData.File == "" {
		return refdata.NewProvider(refdata.StaticSource(refdata.DefaultData()),
			refdata.WithLogger(o.logger), refdata.WithClock(o.now))
	}
	a.refresh = a.cfg.RefData.RefreshInterval > 0
	return refdata.NewProvider(refdata.FileSource(a.cfg.RefData.File),
		refdata.WithLogger(o.logger), refdata.WithClock(o.now))
}

// Start loads reference data and starts the projection workers, the
// coordinators and the outbox relay.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return clinops.ErrCommandBusClosed
	}
	if a.started {
		return nil
	}

	if a.refresh {
		if err := a.RefData.StartRefresh(ctx, a.cfg.RefData.RefreshInterval); err != nil {
			return fmt.Errorf("app: reference data: %w", err)
		}
	} else if err := a.RefData.Refresh(ctx); err != nil {
		return fmt.Errorf("app: reference data: %w", err)
	}

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := a.Coordinators.Start(ctx); err != nil {
		_ = a.Engine.Stop(ctx)
		return fmt.Errorf("app: %w", err)
	}
	if a.Outbox != nil {
		if err := a.Outbox.Start(ctx); err != nil {
			_ = a.Coordinators.Stop()
			_ = a.Engine.Stop(ctx)
			return fmt.Errorf("app: %w", err)
		}
	}
	a.started = true
	a.logger.Info("clinops started",
		"driver", a.cfg.Database.Driver,
		"locker", a.cfg.Locker.Backend,
		"projections", len(a.Engine.Statuses()),
		"outbox", a.Outbox != nil)
	return nil
}

// Stop halts the background workers. The App can be started again.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stop(ctx)
}

func (a *App) stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	var errs []error
	if a.Outbox != nil {
		errs = append(errs, a.Outbox.Stop(ctx))
	}
	errs = append(errs,
		a.Coordinators.Stop(),
		a.Engine.Stop(ctx),
		a.RefData.Stop(),
	)
	return errors.Join(errs...)
}

// Close stops the App and releases its connections.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{a.stop(ctx)}
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	for _, p := range a.publishers {
		if c, ok := p.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.backend != nil {
		errs = append(errs, a.backend.close())
	}
	return errors.Join(errs...)
}

// Logger returns the App's logger.
func (a *App) Logger() clinops.Logger { return a.logger }

// RebuildAll rebuilds the named projections, or all of them when names is
// empty, at most concurrency at a time.
func (a *App) RebuildAll(ctx context.Context, concurrency int, progress clinops.ProgressCallback, names ...string) error {
	return clinops.NewProjectionRebuilder(a.Engine,
		clinops.WithRebuildConcurrency(concurrency),
		clinops.WithRebuildProgress(progress),
		clinops.WithRebuilderLogger(a.logger),
	).RebuildAll(ctx, names...)
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Postgres returns the postgres adapter, or nil on the memory backend.
func (a *App) Postgres() *postgres.PostgresAdapter { return a.backend.postgres }

// Dispatch sends cmd through the command bus.
func (a *App) Dispatch(ctx context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
	return a.Bus.Dispatch(ctx, cmd)
}

// DispatchAndWait dispatches cmd and waits until every projector has applied
// its events, so a following query sees them.
func (a *App) DispatchAndWait(ctx context.Context, cmd clinops.Command, timeout time.Duration) (clinops.CommandResult, error) {
	return a.Bus.DispatchAndWait(ctx, cmd, timeout, a.ProjectionNames()...)
}

// ProjectionNames lists the registered projectors.
func (a *App) ProjectionNames() []string {
	statuses := a.Engine.Statuses()
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.Name
	}
	return names
}

// Ping checks the event log connection.
func (a *App) Ping(ctx context.Context) error {
	if err := a.backend.diagnostics.Ping(ctx); err != nil {
		return err
	}
	if a.redis != nil {
		return a.redis.Ping(ctx).Err()
	}
	return nil
}

// Diagnostics describes the event log connection.
func (a *App) Diagnostics(ctx context.Context) (*adapters.DiagnosticInfo, error) {
	return a.backend.diagnostics.GetDiagnosticInfo(ctx)
}
