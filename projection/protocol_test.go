package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/formdata"
	"github.com/clinprecision/clinops-core/domain/protocol"
	"github.com/clinprecision/clinops-core/domain/visit"
	"github.com/clinprecision/clinops-core/testing/projections"
)

func approvedVersion(f *projections.Fixture, id, number string) *projections.Fixture {
	return f.
		Event(id, protocol.ProtocolVersionCreated{ProtocolVersionID: id, StudyID: "s1", VersionNumber: number}).
		Event(id, protocol.ProtocolVersionApproved{ProtocolVersionID: id, StudyID: "s1", EffectiveDate: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)})
}

func TestProtocolProjector_SingleActive(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	p := NewProtocolProjector(models.ProtocolVersions, deps)

	f := projections.Given(t, p)
	approvedVersion(f, "v1", "1.0")
	approvedVersion(f, "v2", "2.0")
	f.Event("v1", protocol.ProtocolVersionActivated{ProtocolVersionID: "v1", StudyID: "s1"}).ThenNoError()

	f.Event("v2", protocol.ProtocolVersionActivated{ProtocolVersionID: "v2", StudyID: "s1"})
	f.ThenError(clinops.ErrInvariantViolation)

	var iv *clinops.InvariantViolationError
	require.True(t, errors.As(f.Err(), &iv))
	assert.Equal(t, InvariantSingleActive, iv.Invariant)

	v2, err := models.ProtocolVersions.Get(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusApproved, v2.Status, "rejected activation is rolled back")
	assert.Nil(t, v2.ActivatedAt)

	active, err := models.ProtocolVersions.Count(ctx, clinops.NewQuery().Eq("study_id", "s1").Eq("status", protocol.StatusActive).Build())
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	done, err := deps.Processed.IsProcessed(ctx, "protocol", f.Last().ID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestProtocolProjector_Supersession(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()

	f := projections.Given(t, NewProtocolProjector(models.ProtocolVersions, deps))
	approvedVersion(f, "v1", "1.0")
	approvedVersion(f, "v2", "2.0")
	f.Event("v1", protocol.ProtocolVersionActivated{ProtocolVersionID: "v1", StudyID: "s1"}).
		Event("v1", protocol.ProtocolVersionSuperseded{ProtocolVersionID: "v1", StudyID: "s1", Reason: "amendment 2"}).
		Event("v2", protocol.ProtocolVersionActivated{ProtocolVersionID: "v2", StudyID: "s1"}).
		RedeliverAll().
		ThenNoError()

	v1, err := models.ProtocolVersions.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuperseded, v1.Status)

	v2, err := models.ProtocolVersions.Get(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusActive, v2.Status)
	assert.NotNil(t, v2.ActivatedAt)
	assert.NotNil(t, v2.EffectiveDate)

	assert.Equal(t, []string{ActionCreated, ActionApproved, ActionActivated, ActionSuperseded}, projections.Actions(t, deps.Audit, protocol.Family, "v1"))
}

func TestProtocolProjector_MissingRowHalts(t *testing.T) {
	p := NewProtocolProjector(NewMemoryReadModels().ProtocolVersions, MemoryDeps())
	projections.Given(t, p).
		Event("v9", protocol.ProtocolVersionActivated{ProtocolVersionID: "v9", StudyID: "s1"}).
		ThenError(clinops.ErrInvariantViolation)
}

type evaluations struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *evaluations) Evaluate(_ context.Context, visitID, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, visitID+"/"+actorID)
	return e.err
}

func TestFormDataProjector_TriggersVisitEvaluation(t *testing.T) {
	models := NewMemoryReadModels()
	eval := &evaluations{}
	p := NewFormDataProjector(models.FormData, MemoryDeps(), eval)
	vitals := map[string]interface{}{"pulse": 64.0}

	f := projections.Given(t, p).As("nurse").
		Event("fd1", formdata.FormDataSubmitted{FormDataID: "fd1", StudyID: "s1", FormID: "VITALS", PatientID: "p1", VisitID: "vi1", Data: vitals, Status: formdata.StatusDraft}).
		ThenNoError()
	assert.Empty(t, eval.calls, "drafts do not count")

	f.Event("fd1", formdata.FormDataUpdated{FormDataID: "fd1", Data: vitals, From: formdata.StatusDraft, Status: formdata.StatusSubmitted}).
		ThenNoError()
	assert.Equal(t, []string{"vi1/nurse"}, eval.calls)

	f.Redeliver().ThenNoError()
	assert.Len(t, eval.calls, 2, "redelivery re-evaluates")

	f.Event("fd2", formdata.FormDataSubmitted{FormDataID: "fd2", StudyID: "s1", FormID: "LABS", Data: vitals, Status: formdata.StatusSubmitted}).
		ThenNoError()
	assert.Len(t, eval.calls, 2, "forms without a visit are ignored")

	row, err := models.FormData.Get(ctx, "fd1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pulse":64}`, string(row.Data))
}

func TestFormDataProjector_EvaluationFailureIsSwallowed(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	eval := &evaluations{err: errors.New("visit store unavailable")}
	p := NewFormDataProjector(models.FormData, deps, eval)

	projections.Given(t, p).
		Event("fd1", formdata.FormDataSubmitted{FormDataID: "fd1", StudyID: "s1", FormID: "VITALS", PatientID: "p1", VisitID: "vi1", Data: map[string]interface{}{"x": 1.0}, Status: formdata.StatusSubmitted}).
		ThenNoError()

	assert.Len(t, eval.calls, 1)
	_, err := models.FormData.Get(ctx, "fd1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), projections.AuditCount(t, deps.Audit))
}

func TestVisitProjector(t *testing.T) {
	models := NewMemoryReadModels()
	eval := &evaluations{}
	p := NewVisitProjector(models.Visits, MemoryDeps(), eval)
	date := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	projections.Given(t, p).As("coordinator").
		Event("vi1", visit.VisitCreated{VisitID: "vi1", PatientID: "p1", StudyID: "s1", VisitType: "SCREENING", VisitDate: date}).
		Event("vi1", visit.VisitStatusChanged{VisitID: "vi1", From: visit.StatusScheduled, To: visit.StatusCompleted, Reason: "done"}).
		ThenNoError()

	row, err := models.Visits.Get(ctx, "vi1")
	require.NoError(t, err)
	assert.Equal(t, visit.StatusCompleted, row.Status)
	assert.NotNil(t, row.CompletedAt)
	assert.Equal(t, []string{"vi1/coordinator"}, eval.calls, "terminal visits are not evaluated")
}
