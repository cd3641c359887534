package clinops

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// RebuildProgress reports the outcome of one projection rebuild.
type RebuildProgress struct {
	ProjectionName  string
	EventsProcessed uint64
	Position        uint64
	StartedAt       time.Time
	Duration        time.Duration
	Completed       bool
	Error           error
}

// ProgressCallback receives a RebuildProgress when each rebuild finishes.
type ProgressCallback func(progress RebuildProgress)

// ProjectionRebuilder rebuilds several projections of one engine, a bounded
// number at a time.
type ProjectionRebuilder struct {
	engine      *ProjectionEngine
	concurrency int
	progress    ProgressCallback
	logger      Logger
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuildConcurrency bounds how many rebuilds run at once. Default 1.
func WithRebuildConcurrency(n int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRebuildProgress sets the progress callback.
func WithRebuildProgress(cb ProgressCallback) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.progress = cb
	}
}

// WithRebuilderLogger sets the logger.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// NewProjectionRebuilder creates a rebuilder over engine.
func NewProjectionRebuilder(engine *ProjectionEngine, opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		engine:      engine,
		concurrency: 1,
		logger:      noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RebuildAll rebuilds the named projections, or every registered projection
// when names is empty. The first failure cancels the rebuilds not yet started.
func (r *ProjectionRebuilder) RebuildAll(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		for _, st := range r.engine.Statuses() {
			names = append(names, st.Name)
		}
	}
	for _, name := range names {
		if _, err := r.engine.worker(name); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.rebuild(gctx, name)
		})
	}
	return g.Wait()
}

func (r *ProjectionRebuilder) rebuild(ctx context.Context, name string) error {
	start := time.Now()
	err := r.engine.Rebuild(ctx, name)

	progress := RebuildProgress{
		ProjectionName: name,
		StartedAt:      start,
		Duration:       time.Since(start),
		Completed:      err == nil,
		Error:          err,
	}
	if st, serr := r.engine.Status(name); serr == nil {
		progress.EventsProcessed = st.EventsProcessed
		progress.Position = st.LastPosition
	}
	if r.progress != nil {
		r.progress(progress)
	}

	if err != nil {
		r.logger.Error("projection rebuild failed", "projection", name, "error", err)
		return fmt.Errorf("clinops: rebuilding %s: %w", name, err)
	}
	r.logger.Info("projection rebuilt",
		"projection", name,
		"events", progress.EventsProcessed,
		"position", progress.Position,
		"duration", progress.Duration)
	return nil
}
