package clinops

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/clinprecision/clinops-core/adapters"
)

// Coordinator reacts to committed events of one family by dispatching
// commands against another. Handle must be safe to repeat: coordinators
// re-derive what to do from current state rather than counting triggers.
type Coordinator interface {
	Name() string
	Families() []string
	Handle(ctx context.Context, event Event) error
}

// CoordinatorRunner feeds committed events to coordinators, each from its own
// checkpoint. A failing Handle is logged and skipped; the checkpoint still
// advances and the next trigger re-evaluates.
type CoordinatorRunner struct {
	store       *EventStore
	checkpoints adapters.CheckpointAdapter
	logger      Logger
	options     SubscriptionOptions

	mu    sync.RWMutex
	slots map[string]*coordinatorSlot

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	failed  atomic.Uint64
}

type coordinatorSlot struct {
	coordinator Coordinator
	run         sync.Mutex
	position    uint64
	loaded      bool
}

// CoordinatorRunnerOption configures a CoordinatorRunner.
type CoordinatorRunnerOption func(*CoordinatorRunner)

// WithCoordinatorCheckpoints sets where coordinator positions are kept.
func WithCoordinatorCheckpoints(store adapters.CheckpointAdapter) CoordinatorRunnerOption {
	return func(r *CoordinatorRunner) {
		r.checkpoints = store
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger Logger) CoordinatorRunnerOption {
	return func(r *CoordinatorRunner) {
		r.logger = logger
	}
}

// WithCoordinatorSubscription sets the subscription options used by Start.
func WithCoordinatorSubscription(opts SubscriptionOptions) CoordinatorRunnerOption {
	return func(r *CoordinatorRunner) {
		r.options = opts
	}
}

// NewCoordinatorRunner creates a runner reading from store.
func NewCoordinatorRunner(store *EventStore, opts ...CoordinatorRunnerOption) *CoordinatorRunner {
	r := &CoordinatorRunner{
		store:   store,
		logger:  noopLogger{},
		options: DefaultSubscriptionOptions(),
		slots:   make(map[string]*coordinatorSlot),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.options.BatchSize <= 0 {
		r.options.BatchSize = 100
	}
	return r
}

// Register adds a coordinator. Names must be unique.
func (r *CoordinatorRunner) Register(c Coordinator) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("clinops: coordinator name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[c.Name()]; ok {
		return fmt.Errorf("clinops: coordinator %s already registered", c.Name())
	}
	r.slots[c.Name()] = &coordinatorSlot{coordinator: c}
	return nil
}

func (r *CoordinatorRunner) snapshot() []*coordinatorSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*coordinatorSlot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].coordinator.Name() < out[j].coordinator.Name() })
	return out
}

func checkpointName(c Coordinator) string {
	return "coordinator:" + c.Name()
}

// Start subscribes every coordinator from its checkpoint.
func (r *CoordinatorRunner) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("clinops: coordinator runner already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = g

	for _, slot := range r.snapshot() {
		slot := slot
		if err := r.load(ctx, slot); err != nil {
			cancel()
			r.running.Store(false)
			return err
		}
		opts := r.options
		opts.Filter = familyFilter(slot.coordinator.Families())
		sub, err := r.store.Subscribe(gctx, "", slot.position, opts)
		if err != nil {
			cancel()
			r.running.Store(false)
			return err
		}
		g.Go(func() error {
			defer sub.Close()
			for se := range sub.Events() {
				slot.run.Lock()
				if se.GlobalPosition > slot.position {
					r.handle(gctx, slot, se)
				}
				slot.run.Unlock()
			}
			return nil
		})
	}
	r.logger.Info("coordinator runner started", "coordinators", len(r.slots))
	return nil
}

// Stop ends the subscriptions and waits for in-flight handlers.
func (r *CoordinatorRunner) Stop() error {
	if !r.running.Load() {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	r.running.Store(false)
	r.logger.Info("coordinator runner stopped")
	return err
}

// Sync runs every coordinator up to the head of the log in the calling
// goroutine.
func (r *CoordinatorRunner) Sync(ctx context.Context) error {
	for _, slot := range r.snapshot() {
		if err := r.catchUp(ctx, slot); err != nil {
			return err
		}
	}
	return nil
}

func (r *CoordinatorRunner) catchUp(ctx context.Context, slot *coordinatorSlot) error {
	slot.run.Lock()
	defer slot.run.Unlock()
	if err := r.load(ctx, slot); err != nil {
		return err
	}
	for {
		events, err := r.store.LoadEventsFromPosition(ctx, slot.position, r.options.BatchSize, slot.coordinator.Families()...)
		if err != nil {
			return err
		}
		for _, se := range events {
			r.handle(ctx, slot, se)
		}
		if len(events) < r.options.BatchSize {
			return nil
		}
	}
}

func (r *CoordinatorRunner) load(ctx context.Context, slot *coordinatorSlot) error {
	if slot.loaded || r.checkpoints == nil {
		slot.loaded = true
		return nil
	}
	pos, err := r.checkpoints.GetCheckpoint(ctx, checkpointName(slot.coordinator))
	if err != nil {
		return fmt.Errorf("clinops: loading checkpoint for coordinator %s: %w", slot.coordinator.Name(), err)
	}
	slot.position = pos
	slot.loaded = true
	return nil
}

// handle runs one event through the coordinator. The caller holds slot.run.
func (r *CoordinatorRunner) handle(ctx context.Context, slot *coordinatorSlot, se StoredEvent) {
	c := slot.coordinator
	if err := r.invoke(ctx, c, se); err != nil {
		r.failed.Add(1)
		r.logger.Error("coordinator failed",
			"coordinator", c.Name(),
			"eventId", se.ID,
			"eventType", se.Type,
			"error", err)
	}

	slot.position = se.GlobalPosition
	if r.checkpoints != nil {
		if err := r.checkpoints.SetCheckpoint(ctx, checkpointName(c), se.GlobalPosition); err != nil {
			r.logger.Warn("failed to save coordinator checkpoint", "coordinator", c.Name(), "error", err)
		}
	}
}

func (r *CoordinatorRunner) invoke(ctx context.Context, c Coordinator, se StoredEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewCoordinatorError(c.Name(), se.ID, fmt.Errorf("panic: %v", p))
		}
	}()
	event, err := r.store.Registry().DecodeEvent(se)
	if err != nil {
		return NewCoordinatorError(c.Name(), se.ID, err)
	}
	if err := c.Handle(ctx, event); err != nil {
		return NewCoordinatorError(c.Name(), se.ID, err)
	}
	return nil
}

// Failures returns how many events coordinators failed on since creation.
func (r *CoordinatorRunner) Failures() uint64 {
	return r.failed.Load()
}

// Position returns a coordinator's last handled global position.
func (r *CoordinatorRunner) Position(name string) (uint64, bool) {
	r.mu.RLock()
	slot, ok := r.slots[name]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	slot.run.Lock()
	defer slot.run.Unlock()
	return slot.position, true
}

type familySet map[string]struct{}

func familyFilter(families []string) EventFilter {
	if len(families) == 0 {
		return nil
	}
	set := make(familySet, len(families))
	for _, f := range families {
		set[f] = struct{}{}
	}
	return set
}

func (s familySet) Matches(event StoredEvent) bool {
	family := event.Family
	if family == "" {
		family = adapters.ExtractFamily(event.StreamID)
	}
	_, ok := s[family]
	return ok
}
