package app

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/outbox/sns"
	"github.com/clinprecision/clinops-core/refdata"
)

type options struct {
	logger         clinops.Logger
	now            func() time.Time
	snapshot       *refdata.Snapshot
	db             *sql.DB
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry
	snsClient      sns.Client
	publishers     []clinops.Publisher
	escalator      clinops.Escalator
	middleware     []clinops.Middleware
}

// Option configures New.
type Option func(*options)

// WithLogger replaces the logger built from the logging section.
func WithLogger(l clinops.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source command handlers and the reference data use.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSnapshot serves a fixed reference-data snapshot and disables refresh.
func WithSnapshot(snap *refdata.Snapshot) Option {
	return func(o *options) { o.snapshot = snap }
}

// WithDB runs the postgres backend on an existing pool instead of opening
// database.url. The pool is not closed by App.Close.
func WithDB(db *sql.DB) Option {
	return func(o *options) { o.db = db }
}

// WithTracerProvider traces through tp instead of the stdout exporter.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithPrometheusRegistry registers the collectors on reg.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithSNSClient enables "sns:" outbox routes.
func WithSNSClient(client sns.Client) Option {
	return func(o *options) { o.snsClient = client }
}

// WithPublisher adds an outbox publisher.
func WithPublisher(p clinops.Publisher) Option {
	return func(o *options) { o.publishers = append(o.publishers, p) }
}

// WithEscalator is called when a projection faults.
func WithEscalator(e clinops.Escalator) Option {
	return func(o *options) { o.escalator = e }
}

// WithMiddleware adds command middleware inside the aggregate lock.
func WithMiddleware(mw ...clinops.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}
