package testutil

import (
	"context"
	"sync"

	"github.com/clinprecision/clinops-core/adapters"
)

// FaultyAdapter wraps an event store adapter and fails selected calls.
// Fail hooks are consulted on every call; a nil hook or a nil result passes
// the call through.
type FaultyAdapter struct {
	inner interface {
		adapters.EventStoreAdapter
		adapters.SubscriptionAdapter
	}

	mu               sync.Mutex
	appendFail       func(streamID string) error
	loadFromPosition func(from uint64) error
	appends          int
}

// NewFaultyAdapter wraps inner.
func NewFaultyAdapter(inner interface {
	adapters.EventStoreAdapter
	adapters.SubscriptionAdapter
}) *FaultyAdapter {
	return &FaultyAdapter{inner: inner}
}

// FailAppend installs a hook consulted before each append.
func (f *FaultyAdapter) FailAppend(fn func(streamID string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendFail = fn
}

// FailLoadFromPosition installs a hook consulted before each log read.
func (f *FaultyAdapter) FailLoadFromPosition(fn func(from uint64) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadFromPosition = fn
}

// Appends returns how many appends reached the inner adapter.
func (f *FaultyAdapter) Appends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *FaultyAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	hook := f.appendFail
	f.mu.Unlock()
	if hook != nil {
		if err := hook(streamID); err != nil {
			return nil, err
		}
	}
	stored, err := f.inner.Append(ctx, streamID, events, expectedVersion)
	if err == nil {
		f.mu.Lock()
		f.appends++
		f.mu.Unlock()
	}
	return stored, err
}

func (f *FaultyAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	return f.inner.Load(ctx, streamID, fromVersion)
}

func (f *FaultyAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	return f.inner.GetStreamInfo(ctx, streamID)
}

func (f *FaultyAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	return f.inner.GetLastPosition(ctx)
}

func (f *FaultyAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	hook := f.loadFromPosition
	f.mu.Unlock()
	if hook != nil {
		if err := hook(fromPosition); err != nil {
			return nil, err
		}
	}
	return f.inner.LoadFromPosition(ctx, fromPosition, limit, families...)
}

func (f *FaultyAdapter) Initialize(ctx context.Context) error { return f.inner.Initialize(ctx) }

func (f *FaultyAdapter) Close() error { return f.inner.Close() }

var (
	_ adapters.EventStoreAdapter   = (*FaultyAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*FaultyAdapter)(nil)
)
