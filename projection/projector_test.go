package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/design"
	"github.com/clinprecision/clinops-core/domain/document"
	"github.com/clinprecision/clinops-core/domain/patient"
	"github.com/clinprecision/clinops-core/domain/site"
	"github.com/clinprecision/clinops-core/domain/study"
	"github.com/clinprecision/clinops-core/testing/projections"
)

var ctx = context.Background()

func TestProjector_CreateAndUpdate(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	p := NewStudyProjector(models.Studies, deps)
	ts := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	projections.Given(t, p).As("pi").At(ts).
		Event("s1", study.StudyCreated{StudyID: "s1", Name: "CARDIO-1", ProtocolNumber: "CP-001", Sponsor: "Acme"}).
		Event("s1", study.StudyStatusChanged{StudyID: "s1", From: study.StatusPlanning, To: study.StatusApproved, Reason: "irb"}).
		ThenNoError()

	row, err := models.Studies.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CARDIO-1", row.Name)
	assert.Equal(t, study.StatusApproved, row.Status)
	assert.Equal(t, "pi", row.CreatedBy)
	assert.Equal(t, ts, row.UpdatedAt)

	assert.Equal(t, []string{ActionCreated, ActionStatusChanged}, projections.Actions(t, deps.Audit, study.Family, "s1"))

	trail, err := deps.Audit.ForEntity(ctx, study.Family, "s1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Nil(t, trail[0].OldData)
	assert.NotNil(t, trail[0].NewData)
	assert.Equal(t, "pi", trail[0].ActorID)

	var before, after StudyRow
	require.NoError(t, json.Unmarshal(trail[1].OldData, &before))
	require.NoError(t, json.Unmarshal(trail[1].NewData, &after))
	assert.Equal(t, study.StatusPlanning, before.Status)
	assert.Equal(t, study.StatusApproved, after.Status)
}

func TestProjector_MissingRowIsAudited(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	p := NewDocumentProjector(models.Documents, deps)

	f := projections.Given(t, p).As("monitor").
		Event("d9", document.DocumentDownloaded{DocumentID: "d9", Reason: "inspection"}).
		ThenNoError()

	_, err := models.Documents.Get(ctx, "d9")
	assert.Error(t, err)

	trail, err := deps.Audit.ForEntity(ctx, document.Family, "d9")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Nil(t, trail[0].OldData)
	assert.Equal(t, f.Events()[0].ID, trail[0].SourceEventID)
	assert.Equal(t, "monitor", trail[0].ActorID)

	var payload document.DocumentDownloaded
	require.NoError(t, json.Unmarshal(trail[0].NewData, &payload))
	assert.Equal(t, "inspection", payload.Reason)

	done, err := deps.Processed.IsProcessed(ctx, "document", f.Events()[0].ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestProjector_Redelivery(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	p := NewDocumentProjector(models.Documents, deps)

	f := projections.Given(t, p).
		Event("d1", document.DocumentUploaded{DocumentID: "d1", StudyID: "s1", Name: "Protocol", DocumentType: "PROTOCOL", Version: "1.0"}).
		Event("d1", document.DocumentDownloaded{DocumentID: "d1"}).
		Redeliver().
		RedeliverAll().
		ThenNoError()

	row, err := models.Documents.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, row.DownloadCount)
	assert.Equal(t, int64(2), projections.AuditCount(t, deps.Audit))

	for _, ev := range f.Events() {
		done, err := deps.Processed.IsProcessed(ctx, "document", ev.ID)
		require.NoError(t, err)
		assert.True(t, done)
	}
}

func TestProjector_CreateOverExistingRow(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	require.NoError(t, models.Studies.Insert(ctx, &StudyRow{ID: "s1", Name: "kept", Status: study.StatusActive}))

	projections.Given(t, NewStudyProjector(models.Studies, deps)).
		Event("s1", study.StudyCreated{StudyID: "s1", Name: "replayed"}).
		ThenNoError()

	row, err := models.Studies.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "kept", row.Name)
	assert.Zero(t, projections.AuditCount(t, deps.Audit))
}

func TestProjector_DeletionAuditKeepsOldData(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()

	projections.Given(t, NewDocumentProjector(models.Documents, deps)).
		Event("d1", document.DocumentUploaded{DocumentID: "d1", StudyID: "s1", Name: "ICF"}).
		Event("d1", document.DocumentDeleted{DocumentID: "d1", Reason: "uploaded to wrong study"}).
		ThenNoError()

	row, err := models.Documents.Get(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, row.Deleted)
	assert.NotNil(t, row.DeletedAt)

	trail, err := deps.Audit.ForEntity(ctx, document.Family, "d1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, ActionDeleted, trail[1].Action)
	assert.NotNil(t, trail[1].OldData)
	assert.Nil(t, trail[1].NewData)
}

type failingUpserts[T any] struct {
	clinops.ReadModelRepository[T]
}

var errDiskFull = errors.New("disk full")

func (failingUpserts[T]) Upsert(context.Context, *T) error { return errDiskFull }

func TestProjector_FailedWriteLeavesNoTrace(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	rows := failingUpserts[PatientRow]{models.Patients}
	p := NewPatientProjector(rows, models.Enrollments, deps)

	require.NoError(t, models.Patients.Insert(ctx, &PatientRow{ID: "p1", Status: patient.StatusRegistered}))

	f := projections.Given(t, p).
		Event("p1", patient.PatientEnrolled{PatientID: "p1", EnrollmentID: "e1", StudyID: "s1", SiteID: "site-1"})
	f.ThenError(errDiskFull)

	_, err := models.Enrollments.Get(ctx, "e1")
	assert.ErrorIs(t, err, clinops.ErrNotFound, "enrollment insert rolled back")
	assert.Zero(t, projections.AuditCount(t, deps.Audit))
	done, err := deps.Processed.IsProcessed(ctx, "patient", f.Last().ID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestPatientProjector_Enrollments(t *testing.T) {
	models := NewMemoryReadModels()
	p := NewPatientProjector(models.Patients, models.Enrollments, MemoryDeps())
	enrolled := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	projections.Given(t, p).As("coordinator").
		Event("p1", patient.PatientRegistered{PatientID: "p1", PatientNumber: "P-0001", FirstName: "Ada", LastName: "Byron"}).
		Event("p1", patient.PatientEnrolled{PatientID: "p1", EnrollmentID: "e1", StudyID: "s1", SiteID: "site-1", ScreeningNumber: "SCR-1", EnrollmentDate: enrolled}).
		Event("p1", patient.PatientStatusChanged{PatientID: "p1", From: patient.StatusRegistered, To: patient.StatusEnrolled, Reason: "consented"}).
		ThenNoError()

	e, err := models.Enrollments.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "p1", e.PatientID)
	assert.Equal(t, enrolled, e.EnrollmentDate)
	assert.Equal(t, "coordinator", e.EnrolledBy)

	row, err := models.Patients.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, patient.StatusEnrolled, row.Status)
	assert.Equal(t, "consented", row.StatusReason)

	require.NoError(t, p.Reset(ctx))
	n, err := models.Enrollments.Count(ctx, clinops.NewQuery().Build())
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = models.Patients.Get(ctx, "p1")
	assert.ErrorIs(t, err, clinops.ErrNotFound)
}

func TestDesignProjectors_SubEntities(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	set := NewSet(models, deps, nil)

	projections.Given(t, set.Arms).
		Event("s1", design.StudyArmAdded{StudyDesignID: "s1", ArmID: "a1", Name: "Placebo", SequenceNumber: 1}).
		Event("s1", design.StudyArmUpdated{StudyDesignID: "s1", ArmID: "a1", Name: "Placebo", PlannedSubjects: 40}).
		Event("s1", design.StudyArmRemoved{StudyDesignID: "s1", ArmID: "a1"}).
		ThenNoError()

	arm, err := models.Arms.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "s1", arm.StudyID)
	assert.Equal(t, 40, arm.PlannedSubjects)
	assert.True(t, arm.Removed)
	assert.Equal(t, []string{ActionArmAdded, ActionArmUpdated, ActionArmRemoved}, projections.Actions(t, deps.Audit, "StudyArm", "a1"))

	projections.Given(t, set.FormAssignment).
		Event("s1", design.FormAssignedToVisit{StudyDesignID: "s1", AssignmentID: "fa1", VisitDefinitionID: "vd1", FormID: "VITALS", Required: true}).
		Event("s1", design.FormAssignedToVisit{StudyDesignID: "s1", AssignmentID: "fa2", VisitDefinitionID: "vd1", FormID: "AE", Required: false}).
		ThenNoError()

	required, err := models.FormAssignments.Count(ctx, clinops.NewQuery().
		Eq("visit_definition_id", "vd1").
		Eq("required", true).
		Build())
	require.NoError(t, err)
	assert.Equal(t, int64(1), required)
}

func TestSet_All(t *testing.T) {
	set := NewSet(NewMemoryReadModels(), Deps{}, nil)
	names := make(map[string]bool)
	for _, p := range set.All() {
		assert.False(t, names[p.Name()], "duplicate projector %s", p.Name())
		names[p.Name()] = true
	}
	assert.Len(t, names, 13)
	assert.ElementsMatch(t, []string{"StudyArmAdded", "StudyArmUpdated", "StudyArmRemoved"}, set.Arms.EventTypes())
}

func TestSiteProjectors(t *testing.T) {
	models := NewMemoryReadModels()
	deps := MemoryDeps()
	sites := NewSiteProjector(models.Sites, deps)
	users := NewSiteUserProjector(models.SiteUsers, deps)

	events := []struct {
		id   string
		data clinops.DomainEvent
	}{
		{"site-1", site.SiteCreated{SiteID: "site-1", Name: "Boston General", SiteNumber: "BOS-01", OrganizationID: "org-1", Address: site.Address{City: "Boston", Country: "US"}}},
		{"site-1", site.SiteActivated{SiteID: "site-1", Reason: "contract signed"}},
		{"site-1", site.SiteUpdated{SiteID: "site-1", Phone: "+1 617 555 0100"}},
		{"site-1", site.UserAssignedToSite{SiteID: "site-1", UserID: "u1", RoleID: "CRC", AssignedBy: "admin"}},
	}
	for _, p := range []clinops.Projection{sites, users} {
		f := projections.Given(t, p).As("admin")
		for _, e := range events {
			f.Event(e.id, e.data)
		}
		f.Redeliver().ThenNoError()
	}

	row, err := models.Sites.Get(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, site.StatusActive, row.Status)
	assert.Equal(t, "contract signed", row.StatusReason)
	assert.Equal(t, "Boston", row.City)
	assert.Equal(t, "+1 617 555 0100", row.Phone)
	assert.Equal(t, []string{ActionCreated, ActionActivated, ActionUpdated},
		projections.Actions(t, deps.Audit, site.Family, "site-1"))

	assigned, err := models.SiteUsers.Get(ctx, SiteUserID("site-1", "u1", "CRC"))
	require.NoError(t, err)
	assert.Equal(t, "site-1", assigned.SiteID)
	assert.Equal(t, "admin", assigned.AssignedBy)
	assert.Equal(t, []string{ActionUserAssigned},
		projections.Actions(t, deps.Audit, "SiteUser", SiteUserID("site-1", "u1", "CRC")))
}
