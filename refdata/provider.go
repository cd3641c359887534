package refdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gopkg.in/yaml.v3"
)

// Source loads reference data.
type Source interface {
	Load(ctx context.Context) (Data, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Data, error)

func (f SourceFunc) Load(ctx context.Context) (Data, error) { return f(ctx) }

// StaticSource always returns the same data.
type StaticSource Data

func (s StaticSource) Load(context.Context) (Data, error) { return Data(s), nil }

// FileSource reads YAML reference data from a file on every load.
type FileSource string

func (f FileSource) Load(context.Context) (Data, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		return Data{}, fmt.Errorf("refdata: read %s: %w", string(f), err)
	}
	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("refdata: parse %s: %w", string(f), err)
	}
	return d, nil
}

// Logger is the subset of the engine logger the provider uses.
type Logger interface {
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// ErrRefreshRunning is returned by StartRefresh when a schedule is active.
var ErrRefreshRunning = errors.New("refdata: refresh already scheduled")

// Provider hands out the current snapshot. Business code never mutates it;
// only Refresh swaps it.
type Provider struct {
	current atomic.Pointer[Snapshot]
	source  Source
	logger  Logger
	now     func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger used for scheduled refreshes.
func WithLogger(l Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithClock overrides the clock stamped on loaded snapshots.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a provider serving Default until the first refresh.
func NewProvider(source Source, opts ...ProviderOption) *Provider {
	p := &Provider{source: source, logger: nopLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.current.Store(Default())
	return p
}

// NewStaticProvider serves snap and never refreshes.
func NewStaticProvider(snap *Snapshot) *Provider {
	p := &Provider{logger: nopLogger{}, now: time.Now}
	p.current.Store(snap)
	return p
}

// Snapshot returns the current snapshot.
func (p *Provider) Snapshot() *Snapshot {
	return p.current.Load()
}

// Refresh loads a new snapshot from the source. On error the previous
// snapshot stays in place.
func (p *Provider) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	d, err := p.source.Load(ctx)
	if err != nil {
		return err
	}
	p.current.Store(NewSnapshot(d, p.now()))
	return nil
}

// StartRefresh refreshes once and then every interval until Stop.
func (p *Provider) StartRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("refdata: refresh interval must be positive, got %s", interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler != nil {
		return ErrRefreshRunning
	}

	if err := p.Refresh(ctx); err != nil {
		return err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error("reference data refresh failed", "error", err)
				return
			}
			p.logger.Info("reference data refreshed", "loadedAt", p.Snapshot().LoadedAt())
		}),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return err
	}
	scheduler.Start()
	p.scheduler = scheduler
	return nil
}

// Stop ends scheduled refreshes.
func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler == nil {
		return nil
	}
	err := p.scheduler.Shutdown()
	p.scheduler = nil
	return err
}
