package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core/adapters"
)

func records(types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, t := range types {
		out[i] = adapters.EventRecord{Type: t, SchemaVersion: 1, Data: []byte(`{}`)}
	}
	return out
}

func TestMemoryAdapter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("new stream", func(t *testing.T) {
		a := NewAdapter()
		stored, err := a.Append(ctx, "Patient-1", records("PatientRegistered"), NoStream)

		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "Patient", stored[0].Family)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, uint64(1), stored[0].GlobalPosition)
		assert.NotEmpty(t, stored[0].ID)
	})

	t.Run("versions are contiguous per stream", func(t *testing.T) {
		a := NewAdapter()
		_, err := a.Append(ctx, "Patient-1", records("A", "B"), NoStream)
		require.NoError(t, err)
		stored, err := a.Append(ctx, "Patient-1", records("C"), 2)
		require.NoError(t, err)

		assert.Equal(t, int64(3), stored[0].Version)
		assert.Equal(t, uint64(3), stored[0].GlobalPosition)
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		a := NewAdapter()
		_, err := a.Append(ctx, "Patient-1", records("A"), NoStream)
		require.NoError(t, err)

		_, err = a.Append(ctx, "Patient-1", records("B"), NoStream)
		assert.True(t, errors.Is(err, adapters.ErrConcurrencyConflict))

		var ce *adapters.ConcurrencyError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, int64(1), ce.ActualVersion)
	})

	t.Run("preassigned event id kept", func(t *testing.T) {
		a := NewAdapter()
		recs := records("A")
		recs[0].ID = "evt-1"
		stored, err := a.Append(ctx, "Study-1", recs, AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, "evt-1", stored[0].ID)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		a := NewAdapter()
		_, err := a.Append(ctx, "", records("A"), AnyVersion)
		assert.ErrorIs(t, err, adapters.ErrEmptyStreamID)
		_, err = a.Append(ctx, "Study-1", nil, AnyVersion)
		assert.ErrorIs(t, err, adapters.ErrNoEvents)
	})

	t.Run("closed adapter", func(t *testing.T) {
		a := NewAdapter()
		require.NoError(t, a.Close())
		_, err := a.Append(ctx, "Study-1", records("A"), AnyVersion)
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
	})
}

func TestMemoryAdapter_ConcurrentAppendSingleWinner(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	_, err := a.Append(ctx, "Patient-1", records("Registered"), NoStream)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Append(ctx, "Patient-1", records("Enrolled"), 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	info, err := a.GetStreamInfo(ctx, "Patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
}

func TestMemoryAdapter_Load(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	_, err := a.Append(ctx, "Visit-1", records("A", "B", "C"), NoStream)
	require.NoError(t, err)

	all, err := a.Load(ctx, "Visit-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tail, err := a.Load(ctx, "Visit-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "C", tail[0].Type)

	none, err := a.Load(ctx, "Visit-missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = a.GetStreamInfo(ctx, "Visit-missing")
	assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
}

func TestMemoryAdapter_LoadFromPosition(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	_, _ = a.Append(ctx, "Study-1", records("StudyCreated"), NoStream)
	_, _ = a.Append(ctx, "Patient-1", records("PatientRegistered"), NoStream)
	_, _ = a.Append(ctx, "Study-1", records("StudyStatusChanged"), 1)

	all, err := a.LoadFromPosition(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.GlobalPosition)
	}

	studies, err := a.LoadFromPosition(ctx, 0, 10, "Study")
	require.NoError(t, err)
	require.Len(t, studies, 2)
	assert.Equal(t, uint64(3), studies[1].GlobalPosition)

	after, err := a.LoadFromPosition(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)

	limited, err := a.LoadFromPosition(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	beyond, err := a.LoadFromPosition(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	last, err := a.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}
