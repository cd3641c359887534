package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKeyRoundTrip(t *testing.T) {
	id := "3f2a7c1e-9b4d-4c1a-8e2f-0a1b2c3d4e5f"
	key := StreamKey("Patient", id)

	assert.Equal(t, "Patient-"+id, key)
	assert.Equal(t, "Patient", ExtractFamily(key))
	assert.Equal(t, id, ExtractID(key))
}

func TestExtractFamily(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		expected string
	}{
		{"family and uuid", "StudyDocument-1b2c-3d4e", "StudyDocument"},
		{"no hyphen", "Visit", "Visit"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractFamily(tt.streamID))
		})
	}
	assert.Equal(t, "", ExtractID("Visit"))
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name     string
		expected int64
		current  int64
		exists   bool
		wantErr  error
	}{
		{"any version on new stream", AnyVersion, 0, false, nil},
		{"any version on existing stream", AnyVersion, 4, true, nil},
		{"no stream on new stream", NoStream, 0, false, nil},
		{"no stream on existing stream", NoStream, 2, true, ErrConcurrencyConflict},
		{"stream exists on missing stream", StreamExists, 0, false, ErrStreamNotFound},
		{"stream exists on existing stream", StreamExists, 3, true, nil},
		{"exact match", 3, 3, true, nil},
		{"stale version", 2, 3, true, ErrConcurrencyConflict},
		{"invalid negative", -7, 3, true, ErrInvalidVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckVersion("Patient-1", tt.expected, tt.current, tt.exists)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConcurrencyErrorDetails(t *testing.T) {
	err := CheckVersion("Patient-1", 2, 5, true)

	var ce *ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Patient-1", ce.StreamID)
	assert.Equal(t, int64(2), ce.ExpectedVersion)
	assert.Equal(t, int64(5), ce.ActualVersion)
	assert.Contains(t, err.Error(), "expected version 2, got 5")
}

func TestMatchesFamily(t *testing.T) {
	assert.True(t, MatchesFamily("Visit", nil))
	assert.True(t, MatchesFamily("Visit", []string{"FormData", "Visit"}))
	assert.False(t, MatchesFamily("Visit", []string{"FormData"}))
}

func TestDefaultLimit(t *testing.T) {
	assert.Equal(t, 100, DefaultLimit(0, 100))
	assert.Equal(t, 100, DefaultLimit(-1, 100))
	assert.Equal(t, 25, DefaultLimit(25, 100))
}

type recordingHook struct{ undos []func() }

func (h *recordingHook) OnRollback(undo func()) { h.undos = append(h.undos, undo) }

func TestTxHookContext(t *testing.T) {
	assert.Nil(t, TxHookFromContext(context.Background()))

	hook := &recordingHook{}
	ctx := ContextWithTxHook(context.Background(), hook)
	require.NotNil(t, TxHookFromContext(ctx))

	TxHookFromContext(ctx).OnRollback(func() {})
	assert.Len(t, hook.undos, 1)
}

func TestOutboxStatusString(t *testing.T) {
	assert.Equal(t, "pending", OutboxPending.String())
	assert.Equal(t, "dead_letter", OutboxDeadLetter.String())
	assert.Equal(t, "unknown", OutboxStatus(42).String())
}
