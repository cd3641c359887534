package clinops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clinprecision/clinops-core/adapters"
)

// ProjectionEngine drives registered projections over the event log. Inline
// projections catch up inside the append call; async projections poll in
// background workers. Every projection keeps its own checkpoint.
type ProjectionEngine struct {
	store       *EventStore
	checkpoints adapters.CheckpointAdapter
	processed   adapters.ProcessedEventStore
	metrics     ProjectionMetrics
	escalator   Escalator
	logger      Logger

	mu      sync.RWMutex
	workers map[string]*projectionWorker

	head    atomic.Uint64
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// ProjectionEngineOption configures a ProjectionEngine.
type ProjectionEngineOption func(*ProjectionEngine)

// WithCheckpointStore sets where positions are persisted. Without one every
// projection starts from the beginning of the log.
func WithCheckpointStore(store adapters.CheckpointAdapter) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.checkpoints = store
	}
}

// WithProcessedEvents sets the processed-event ledger cleared on rebuild.
func WithProcessedEvents(store adapters.ProcessedEventStore) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.processed = store
	}
}

// WithProjectionMetrics sets the metrics collector.
func WithProjectionMetrics(metrics ProjectionMetrics) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.metrics = metrics
	}
}

// WithProjectionLogger sets the logger.
func WithProjectionLogger(logger Logger) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.logger = logger
	}
}

// WithEscalator sets who is told when a projection halts.
func WithEscalator(escalator Escalator) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.escalator = escalator
	}
}

// NewProjectionEngine creates an engine and hooks it into store so inline
// projections run on every append.
func NewProjectionEngine(store *EventStore, opts ...ProjectionEngineOption) *ProjectionEngine {
	e := &ProjectionEngine{
		store:   store,
		metrics: noopProjectionMetrics{},
		logger:  noopLogger{},
		workers: make(map[string]*projectionWorker),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.escalator == nil {
		e.escalator = logEscalator{logger: e.logger}
	}
	store.AddAppendHook(e.onAppend)
	return e
}

// RegisterInline registers a projection that runs in the appending call.
func (e *ProjectionEngine) RegisterInline(p Projection, opts ...ProjectionOptions) error {
	return e.register(p, ProjectionModeInline, opts)
}

// RegisterAsync registers a projection run by a background worker once the
// engine is started.
func (e *ProjectionEngine) RegisterAsync(p Projection, opts ...ProjectionOptions) error {
	return e.register(p, ProjectionModeAsync, opts)
}

func (e *ProjectionEngine) register(p Projection, mode ProjectionMode, opts []ProjectionOptions) error {
	if p == nil || p.Name() == "" {
		return ErrEmptyProjectionName
	}
	options := DefaultProjectionOptions()
	if len(opts) > 0 {
		options = opts[0].withDefaults()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workers[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, p.Name())
	}

	w := newProjectionWorker(p, mode, options)
	if mode == ProjectionModeInline {
		w.state = ProjectionStateRunning
	}
	e.workers[p.Name()] = w
	e.logger.Info("projection registered", "name", p.Name(), "mode", string(mode))
	return nil
}

func (e *ProjectionEngine) worker(name string) (*projectionWorker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionUnknown, name)
	}
	return w, nil
}

func (e *ProjectionEngine) snapshot() []*projectionWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*projectionWorker, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].projection.Name() < out[j].projection.Name() })
	return out
}

// restorePause keeps a projection paused across restarts when its persisted
// status says so.
func (e *ProjectionEngine) restorePause(ctx context.Context, w *projectionWorker) {
	q, ok := e.checkpoints.(adapters.ProjectionQueryAdapter)
	if !ok {
		return
	}
	info, err := q.GetProjection(ctx, w.projection.Name())
	if err != nil {
		e.logger.Warn("failed to read projection status", "projection", w.projection.Name(), "error", err)
		return
	}
	if info != nil && info.Status == string(ProjectionStatePaused) {
		w.setState(ProjectionStatePaused)
		e.logger.Info("projection stays paused", "name", w.projection.Name())
	}
}

// Start launches a worker per async projection. Workers stop when ctx ends
// or Stop is called.
func (e *ProjectionEngine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = g

	for _, w := range e.snapshot() {
		if w.mode != ProjectionModeAsync {
			continue
		}
		e.restorePause(ctx, w)
		w := w
		g.Go(func() error {
			e.runWorker(gctx, w)
			return nil
		})
	}
	e.logger.Info("projection engine started")
	return nil
}

// Stop cancels the async workers and waits for them, at most until ctx ends.
func (e *ProjectionEngine) Stop(ctx context.Context) error {
	if !e.running.Load() {
		return nil
	}
	e.cancel()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		e.running.Store(false)
		e.logger.Info("projection engine stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the async workers are running.
func (e *ProjectionEngine) IsRunning() bool {
	return e.running.Load()
}

func (e *ProjectionEngine) runWorker(ctx context.Context, w *projectionWorker) {
	w.transition(ProjectionStateStopped, ProjectionStateCatchingUp)
	e.persistStatus(ctx, w)
	_ = e.drain(ctx, w, true)
	if w.transition(ProjectionStateCatchingUp, ProjectionStateRunning) {
		e.persistStatus(ctx, w)
	}

	ticker := time.NewTicker(w.options.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.transitionAny([]ProjectionState{ProjectionStateRunning, ProjectionStateCatchingUp}, ProjectionStateStopped)
			e.persistStatus(context.Background(), w)
			return
		case <-ticker.C:
			_ = e.drain(ctx, w, true)
		}
	}
}

func (e *ProjectionEngine) onAppend(ctx context.Context, events []StoredEvent) {
	if len(events) > 0 {
		e.observeHead(events[len(events)-1].GlobalPosition)
	}
	for _, w := range e.snapshot() {
		if w.mode != ProjectionModeInline {
			continue
		}
		if err := e.drain(ctx, w, false); err != nil && ctx.Err() == nil {
			e.logger.Warn("inline projection did not catch up", "projection", w.projection.Name(), "error", err)
		}
	}
}

// Sync drives every runnable projection to the head of the log in the
// calling goroutine. Coordinators may append while projections run, so it
// repeats until the head stops moving.
func (e *ProjectionEngine) Sync(ctx context.Context) error {
	for {
		head, err := e.store.GetLastPosition(ctx)
		if err != nil {
			return err
		}
		for _, w := range e.snapshot() {
			if err := e.drain(ctx, w, true); err != nil && !errors.Is(err, ErrProjectionFailure) {
				return err
			}
		}
		after, err := e.store.GetLastPosition(ctx)
		if err != nil {
			return err
		}
		if after == head {
			return nil
		}
	}
}

// drain processes w until it reaches the head. Callers that find the worker
// busy leave a pending mark for the current holder instead of waiting, so an
// inline projection that appends through a coordinator never waits on itself.
func (e *ProjectionEngine) drain(ctx context.Context, w *projectionWorker, block bool) error {
	w.pending.Store(true)
	for w.pending.Load() {
		if block {
			w.run.Lock()
			block = false
		} else if !w.run.TryLock() {
			return nil
		}
		w.pending.Store(false)
		err := e.process(ctx, w)
		w.run.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// process applies batches until the log is exhausted. The caller holds w.run.
func (e *ProjectionEngine) process(ctx context.Context, w *projectionWorker) error {
	if err := e.ensureLoaded(ctx, w); err != nil {
		return err
	}
	name := w.projection.Name()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.halted() {
			return nil
		}

		head, err := e.store.GetLastPosition(ctx)
		if err != nil {
			return err
		}
		e.observeHead(head)

		from := w.getPosition()
		events, err := e.store.LoadEventsFromPosition(ctx, from, w.options.BatchSize, w.projection.Families()...)
		if err != nil {
			return fmt.Errorf("clinops: projection %s loading from %d: %w", name, from, err)
		}

		start := time.Now()
		for _, se := range events {
			if w.halted() {
				e.saveCheckpoint(ctx, w)
				return nil
			}
			if err := e.applyWithRetry(ctx, w, se); err != nil {
				e.metrics.RecordBatchProcessed(name, len(events), time.Since(start), false)
				e.saveCheckpoint(ctx, w)
				return err
			}
			w.advance(se.GlobalPosition)
		}
		if len(events) > 0 {
			e.metrics.RecordBatchProcessed(name, len(events), time.Since(start), true)
		}

		if len(events) < w.options.BatchSize {
			// everything up to head that concerns us has been applied
			w.advance(head)
			e.saveCheckpoint(ctx, w)
			return nil
		}
		e.saveCheckpoint(ctx, w)
	}
}

func (e *ProjectionEngine) ensureLoaded(ctx context.Context, w *projectionWorker) error {
	if w.loaded || e.checkpoints == nil {
		w.loaded = true
		return nil
	}
	pos, err := e.checkpoints.GetCheckpoint(ctx, w.projection.Name())
	if err != nil {
		return fmt.Errorf("clinops: loading checkpoint for %s: %w", w.projection.Name(), err)
	}
	w.advance(pos)
	w.savedPosition = pos
	w.loaded = true
	return nil
}

func (e *ProjectionEngine) applyWithRetry(ctx context.Context, w *projectionWorker, se StoredEvent) error {
	name := w.projection.Name()
	event, err := e.store.Registry().DecodeEvent(se)
	if err != nil {
		perr := NewProjectionError(name, se.ID, se.Type, err)
		e.halt(ctx, w, perr)
		return perr
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := e.safeApply(ctx, w.projection, event)
		e.metrics.RecordEventProcessed(name, se.Type, time.Since(start), err == nil)
		if err == nil {
			w.recordProcessed()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		perr := NewProjectionError(name, se.ID, se.Type, err)
		e.metrics.RecordError(name, perr)
		if errors.Is(err, ErrInvariantViolation) || !w.options.RetryPolicy.ShouldRetry(attempt, err) {
			e.halt(ctx, w, perr)
			return perr
		}

		delay := w.options.RetryPolicy.Delay(attempt)
		e.logger.Warn("projection retrying event",
			"projection", name,
			"eventId", se.ID,
			"eventType", se.Type,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *ProjectionEngine) safeApply(ctx context.Context, p Projection, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying %s event %s: %v", event.Type, event.ID, r)
		}
	}()
	return p.Apply(ctx, event)
}

func (e *ProjectionEngine) halt(ctx context.Context, w *projectionWorker, err error) {
	w.fault(err)
	e.persistStatus(ctx, w)
	e.escalator.Escalate(ctx, w.projection.Name(), err)
}

func (e *ProjectionEngine) saveCheckpoint(ctx context.Context, w *projectionWorker) {
	pos := w.getPosition()
	if e.checkpoints == nil || pos == w.savedPosition {
		return
	}
	if err := e.checkpoints.SetCheckpoint(ctx, w.projection.Name(), pos); err != nil {
		e.logger.Error("failed to save checkpoint", "projection", w.projection.Name(), "position", pos, "error", err)
		return
	}
	w.savedPosition = pos
	e.metrics.RecordCheckpoint(w.projection.Name(), pos)
}

func (e *ProjectionEngine) persistStatus(ctx context.Context, w *projectionWorker) {
	q, ok := e.checkpoints.(adapters.ProjectionQueryAdapter)
	if !ok {
		return
	}
	st := w.status()
	if err := q.SetProjectionStatus(ctx, st.Name, string(st.State), st.Error); err != nil {
		e.logger.Warn("failed to persist projection status", "projection", st.Name, "error", err)
	}
}

func (e *ProjectionEngine) observeHead(pos uint64) {
	for {
		cur := e.head.Load()
		if pos <= cur || e.head.CompareAndSwap(cur, pos) {
			return
		}
	}
}

// Pause stops a projection from applying further events until resumed.
func (e *ProjectionEngine) Pause(ctx context.Context, name string) error {
	w, err := e.worker(name)
	if err != nil {
		return err
	}
	w.setState(ProjectionStatePaused)
	e.persistStatus(ctx, w)
	e.logger.Info("projection paused", "name", name)
	return nil
}

// Resume restarts a paused or halted projection, retrying the event it
// stopped on. Inline projections catch up before Resume returns.
func (e *ProjectionEngine) Resume(ctx context.Context, name string) error {
	w, err := e.worker(name)
	if err != nil {
		return err
	}
	next := ProjectionStateRunning
	if w.mode == ProjectionModeAsync && !e.running.Load() {
		next = ProjectionStateStopped
	}
	if !w.transitionAny([]ProjectionState{ProjectionStatePaused, ProjectionStateFaulted}, next) {
		return nil
	}
	w.clearError()
	e.persistStatus(ctx, w)
	e.logger.Info("projection resumed", "name", name)

	if w.mode == ProjectionModeInline {
		return e.drain(ctx, w, true)
	}
	return nil
}

// Rebuild clears the projection's read model and processed-event ledger and
// replays the whole log into it. Audit stores are append-only and absorb the
// replay through their source-event dedupe.
func (e *ProjectionEngine) Rebuild(ctx context.Context, name string) error {
	w, err := e.worker(name)
	if err != nil {
		return err
	}

	w.run.Lock()
	defer w.run.Unlock()

	prev := w.getState()
	w.setState(ProjectionStateRebuilding)
	w.clearError()
	e.persistStatus(ctx, w)
	e.logger.Info("projection rebuild started", "name", name)

	if r, ok := w.projection.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			w.fault(err)
			e.persistStatus(ctx, w)
			return fmt.Errorf("clinops: resetting %s: %w", name, err)
		}
	}
	if e.processed != nil {
		if err := e.processed.Clear(ctx, name); err != nil {
			w.fault(err)
			e.persistStatus(ctx, w)
			return fmt.Errorf("clinops: clearing processed events of %s: %w", name, err)
		}
	}
	if e.checkpoints != nil {
		if err := e.checkpoints.SetCheckpoint(ctx, name, 0); err != nil {
			return fmt.Errorf("clinops: resetting checkpoint of %s: %w", name, err)
		}
	}
	w.rewind()

	if err := e.process(ctx, w); err != nil {
		return err
	}

	if prev == ProjectionStatePaused || prev == ProjectionStateFaulted {
		prev = ProjectionStateRunning
		if w.mode == ProjectionModeAsync && !e.running.Load() {
			prev = ProjectionStateStopped
		}
	}
	w.transition(ProjectionStateRebuilding, prev)
	e.persistStatus(ctx, w)
	e.logger.Info("projection rebuild finished", "name", name, "position", w.getPosition())
	return nil
}

// WaitForPosition blocks until the projection has processed position or ctx
// ends, in which case it returns a *ProjectionTimeoutError.
func (e *ProjectionEngine) WaitForPosition(ctx context.Context, name string, position uint64) error {
	w, err := e.worker(name)
	if err != nil {
		return err
	}
	start := time.Now()
	for {
		pos, advanced := w.progress()
		if pos >= position {
			return nil
		}
		select {
		case <-advanced:
		case <-ctx.Done():
			return &ProjectionTimeoutError{
				Projection: name,
				Target:     position,
				Reached:    w.getPosition(),
				Waited:     time.Since(start),
			}
		}
	}
}

// WaitForHead waits until the projection has processed everything committed
// before the call.
func (e *ProjectionEngine) WaitForHead(ctx context.Context, name string) error {
	head, err := e.store.GetLastPosition(ctx)
	if err != nil {
		return err
	}
	return e.WaitForPosition(ctx, name, head)
}

// Status returns the status of one projection.
func (e *ProjectionEngine) Status(name string) (*ProjectionStatus, error) {
	w, err := e.worker(name)
	if err != nil {
		return nil, err
	}
	st := w.status()
	if head := e.head.Load(); head > st.LastPosition {
		st.Lag = head - st.LastPosition
	}
	return &st, nil
}

// Statuses returns every projection's status, ordered by name.
func (e *ProjectionEngine) Statuses() []ProjectionStatus {
	workers := e.snapshot()
	out := make([]ProjectionStatus, 0, len(workers))
	head := e.head.Load()
	for _, w := range workers {
		st := w.status()
		if head > st.LastPosition {
			st.Lag = head - st.LastPosition
		}
		out = append(out, st)
	}
	return out
}

// projectionWorker is the per-projection processing state.
type projectionWorker struct {
	projection Projection
	mode       ProjectionMode
	options    ProjectionOptions

	run     sync.Mutex
	pending atomic.Bool

	// owned by the holder of run
	loaded        bool
	savedPosition uint64

	mu              sync.RWMutex
	state           ProjectionState
	position        uint64
	advanced        chan struct{}
	eventsProcessed uint64
	lastProcessedAt time.Time
	lastErr         error
}

func newProjectionWorker(p Projection, mode ProjectionMode, options ProjectionOptions) *projectionWorker {
	return &projectionWorker{
		projection: p,
		mode:       mode,
		options:    options,
		state:      ProjectionStateStopped,
		advanced:   make(chan struct{}),
	}
}

func (w *projectionWorker) getState() ProjectionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *projectionWorker) setState(s ProjectionState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *projectionWorker) transition(from, to ProjectionState) bool {
	return w.transitionAny([]ProjectionState{from}, to)
}

func (w *projectionWorker) transitionAny(from []ProjectionState, to ProjectionState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = to
			return true
		}
	}
	return false
}

func (w *projectionWorker) halted() bool {
	s := w.getState()
	return s == ProjectionStatePaused || s == ProjectionStateFaulted
}

func (w *projectionWorker) fault(err error) {
	w.mu.Lock()
	w.state = ProjectionStateFaulted
	w.lastErr = err
	w.mu.Unlock()
}

func (w *projectionWorker) clearError() {
	w.mu.Lock()
	w.lastErr = nil
	w.mu.Unlock()
}

func (w *projectionWorker) getPosition() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.position
}

func (w *projectionWorker) progress() (uint64, <-chan struct{}) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.position, w.advanced
}

func (w *projectionWorker) advance(pos uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pos <= w.position {
		return
	}
	w.position = pos
	close(w.advanced)
	w.advanced = make(chan struct{})
}

func (w *projectionWorker) rewind() {
	w.mu.Lock()
	w.position = 0
	w.eventsProcessed = 0
	w.mu.Unlock()
	w.savedPosition = 0
	w.loaded = true
}

func (w *projectionWorker) recordProcessed() {
	w.mu.Lock()
	w.eventsProcessed++
	w.lastProcessedAt = time.Now()
	w.mu.Unlock()
}

func (w *projectionWorker) status() ProjectionStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := ProjectionStatus{
		Name:            w.projection.Name(),
		Mode:            w.mode,
		State:           w.state,
		LastPosition:    w.position,
		EventsProcessed: w.eventsProcessed,
		LastProcessedAt: w.lastProcessedAt,
	}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}
