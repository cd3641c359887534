package refdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Lookups(t *testing.T) {
	s := Default()

	assert.True(t, s.RequiresSignature("protocol"))
	assert.True(t, s.RequiresSignature(" ICF "))
	assert.False(t, s.RequiresSignature("CRF"))
	assert.False(t, s.RequiresSignature("unknown"))

	assert.True(t, s.RequiresRegulatoryApproval("MAJOR"))
	assert.False(t, s.RequiresRegulatoryApproval("MINOR"))
	assert.True(t, s.IsAmendmentType("administrative"))
	assert.False(t, s.IsAmendmentType("COSMETIC"))

	assert.True(t, s.IsVisitType("baseline"))
	assert.False(t, s.IsVisitType("PICNIC"))
	assert.Equal(t, 18, s.MinimumEnrollmentAge())

	dt, ok := s.DocumentType("ib")
	require.True(t, ok)
	assert.Equal(t, "Investigator Brochure", dt.Name)
}

func TestSnapshot_EmptyVisitCatalogAcceptsAll(t *testing.T) {
	s := NewSnapshot(Data{}, time.Time{})
	assert.True(t, s.IsVisitType("anything"))
	assert.Equal(t, DefaultMinimumAge, s.MinimumEnrollmentAge())
}

func TestProvider_Refresh(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data := DefaultData()
	data.MinimumEnrollmentAge = 21

	p := NewProvider(StaticSource(data), WithClock(func() time.Time { return now }))
	before := p.Snapshot()
	assert.Equal(t, 18, before.MinimumEnrollmentAge())

	require.NoError(t, p.Refresh(ctx))
	after := p.Snapshot()
	assert.Equal(t, 21, after.MinimumEnrollmentAge())
	assert.Equal(t, now, after.LoadedAt())

	// the old snapshot is unchanged
	assert.Equal(t, 18, before.MinimumEnrollmentAge())
}

func TestProvider_RefreshErrorKeepsSnapshot(t *testing.T) {
	boom := errors.New("catalog down")
	p := NewProvider(SourceFunc(func(context.Context) (Data, error) { return Data{}, boom }))
	snap := p.Snapshot()
	assert.ErrorIs(t, p.Refresh(context.Background()), boom)
	assert.Same(t, snap, p.Snapshot())
}

func TestProvider_StartRefresh(t *testing.T) {
	ctx := context.Background()
	var loads atomic.Int32
	p := NewProvider(SourceFunc(func(context.Context) (Data, error) {
		loads.Add(1)
		return DefaultData(), nil
	}))

	require.Error(t, p.StartRefresh(ctx, 0))
	require.NoError(t, p.StartRefresh(ctx, 10*time.Millisecond))
	assert.ErrorIs(t, p.StartRefresh(ctx, time.Second), ErrRefreshRunning)

	assert.Eventually(t, func() bool { return loads.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refdata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
documentTypes:
  - code: SOP
    name: Standard Operating Procedure
    requiresSignature: true
minimumEnrollmentAge: 16
`), 0o600))

	p := NewProvider(FileSource(path))
	require.NoError(t, p.Refresh(context.Background()))
	assert.True(t, p.Snapshot().RequiresSignature("sop"))
	assert.False(t, p.Snapshot().RequiresSignature("PROTOCOL"))
	assert.Equal(t, 16, p.Snapshot().MinimumEnrollmentAge())

	_, err := FileSource(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}
