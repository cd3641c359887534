package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/dbbuild"
	"github.com/clinprecision/clinops-core/domain/patient"
	"github.com/clinprecision/clinops-core/domain/visit"
	"github.com/clinprecision/clinops-core/projection"
	"github.com/clinprecision/clinops-core/testing/coordinators"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var enrolledOn = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func plannedStudy(t *testing.T) projection.ReadModels {
	t.Helper()
	models := projection.NewMemoryReadModels()
	require.NoError(t, models.Enrollments.Insert(ctx, &projection.EnrollmentRow{
		ID: "en1", PatientID: "p1", StudyID: "s1", SiteID: "site-1", EnrollmentDate: enrolledOn,
	}))
	for _, d := range []*projection.VisitDefinitionRow{
		{ID: "vd-fu", StudyID: "s1", Name: "Follow-up", Timepoint: 30, VisitType: "FOLLOW_UP", SequenceNumber: 3},
		{ID: "vd-base", StudyID: "s1", Name: "Baseline", Timepoint: 0, VisitType: "BASELINE", SequenceNumber: 2},
		{ID: "vd-screen", StudyID: "s1", Name: "Screening", Timepoint: -7, VisitType: "SCREENING", SequenceNumber: 1},
		{ID: "vd-arm", StudyID: "s1", ArmID: "a1", Name: "Dose", Timepoint: 14, VisitType: "TREATMENT", SequenceNumber: 4},
		{ID: "vd-adhoc", StudyID: "s1", Name: "Ad hoc", VisitType: UnscheduledVisitType, SequenceNumber: 5},
		{ID: "vd-old", StudyID: "s1", Name: "Dropped", Timepoint: 60, VisitType: "FOLLOW_UP", SequenceNumber: 6, Removed: true},
		{ID: "vd-other", StudyID: "s2", Name: "Baseline", VisitType: "BASELINE", SequenceNumber: 1},
	} {
		require.NoError(t, models.VisitDefinitions.Insert(ctx, d))
	}
	day := func(d int) *time.Time {
		ts := time.Date(2025, 3, d, 12, 0, 0, 0, time.UTC)
		return &ts
	}
	for _, b := range []*projection.BuildRow{
		{ID: "b1", StudyID: "s1", Status: dbbuild.StatusCompleted, FinishedAt: day(1)},
		{ID: "b2", StudyID: "s1", Status: dbbuild.StatusCompleted, FinishedAt: day(2)},
		{ID: "b3", StudyID: "s1", Status: dbbuild.StatusFailed, FinishedAt: day(3)},
	} {
		require.NoError(t, models.Builds.Insert(ctx, b))
	}
	return models
}

func activated(to string) clinops.Event {
	return clinops.Event{
		ID:          "ev-7",
		Family:      patient.Family,
		AggregateID: "p1",
		Type:        "PatientStatusChanged",
		Data:        patient.PatientStatusChanged{PatientID: "p1", From: patient.StatusEnrolled, To: to, Reason: "randomized"},
		Metadata:    clinops.Metadata{ActorID: "crc"},
		Timestamp:   enrolledOn.Add(48 * time.Hour),
	}
}

func TestVisitInstantiation_SchedulesCommonVisits(t *testing.T) {
	models := plannedStudy(t)
	build := func(bus clinops.Dispatcher) clinops.Coordinator {
		return NewVisitInstantiation(bus, models.Enrollments, models.VisitDefinitions, models.Builds)
	}
	caused := clinops.By("crc").WithCausationID("ev-7")
	planned := func(def, visitType string, days int) visit.CreateVisit {
		return visit.CreateVisit{
			CommandBase:       caused,
			VisitID:           ProtocolVisitID("p1", def),
			PatientID:         "p1",
			StudyID:           "s1",
			SiteID:            "site-1",
			VisitDefinitionID: def,
			VisitType:         visitType,
			VisitDate:         enrolledOn.AddDate(0, 0, days),
			BuildID:           "b2",
		}
	}

	coordinators.TestCoordinator(t, build).
		Given(activated(patient.StatusActive)).
		ThenDispatched(
			planned("vd-screen", "SCREENING", -7),
			planned("vd-base", "BASELINE", 0),
			planned("vd-fu", "FOLLOW_UP", 30),
		)

	coordinators.TestCoordinator(t, build).
		Given(activated(patient.StatusWithdrawn)).
		ThenNothingDispatched()
}

func TestVisitInstantiation_NeedsCompletedBuild(t *testing.T) {
	models := plannedStudy(t)
	require.NoError(t, models.Builds.Clear(ctx))
	require.NoError(t, models.Builds.Insert(ctx, &projection.BuildRow{ID: "b3", StudyID: "s1", Status: dbbuild.StatusFailed}))

	coordinators.TestCoordinator(t, func(bus clinops.Dispatcher) clinops.Coordinator {
		return NewVisitInstantiation(bus, models.Enrollments, models.VisitDefinitions, models.Builds)
	}).
		Given(activated(patient.StatusActive)).
		ThenError(clinops.ErrPreconditionFailed)
}

func TestVisitInstantiation_ContinuesPastFailedVisit(t *testing.T) {
	models := plannedStudy(t)
	f := coordinators.TestCoordinator(t, func(bus clinops.Dispatcher) clinops.Coordinator {
		return NewVisitInstantiation(bus, models.Enrollments, models.VisitDefinitions, models.Builds)
	})
	f.Recorder().FailWith("CreateVisit", clinops.ErrConcurrencyConflict)
	f.Given(activated(patient.StatusActive)).ThenError(clinops.ErrConcurrencyConflict)
	assert.Len(t, f.Commands(), 3)
}

func TestVisitInstantiation_RedeliveryCreatesVisitsOnce(t *testing.T) {
	models := plannedStudy(t)
	h := testutil.NewHarness(t, testutil.WithFamilies(
		testutil.Family{Events: visit.RegisterEvents, Handlers: visit.RegisterHandlers},
	))
	c := NewVisitInstantiation(h.Bus, models.Enrollments, models.VisitDefinitions, models.Builds)

	ev := activated(patient.StatusActive)
	require.NoError(t, c.Handle(ctx, ev))
	require.NoError(t, c.Handle(ctx, ev))

	for _, def := range []string{"vd-screen", "vd-base", "vd-fu"} {
		events := h.Events(t, visit.Family, ProtocolVisitID("p1", def))
		require.Len(t, events, 1, def)
		created, ok := events[0].Data.(visit.VisitCreated)
		require.True(t, ok)
		assert.Equal(t, def, created.VisitDefinitionID)
		assert.Equal(t, "b2", created.BuildID)
	}
	assert.Empty(t, h.Events(t, visit.Family, ProtocolVisitID("p1", "vd-arm")))
}

func TestProtocolVisitID_Deterministic(t *testing.T) {
	assert.Equal(t, ProtocolVisitID("p1", "vd-base"), ProtocolVisitID("p1", "vd-base"))
	assert.NotEqual(t, ProtocolVisitID("p1", "vd-base"), ProtocolVisitID("p2", "vd-base"))
	assert.NotEqual(t, ProtocolVisitID("p1", "vd-base"), ProtocolVisitID("p1", "vd-fu"))
}
