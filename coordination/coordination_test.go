package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/design"
	"github.com/clinprecision/clinops-core/domain/formdata"
	"github.com/clinprecision/clinops-core/domain/study"
	"github.com/clinprecision/clinops-core/domain/visit"
	"github.com/clinprecision/clinops-core/projection"
	"github.com/clinprecision/clinops-core/testing/assertions"
	"github.com/clinprecision/clinops-core/testing/coordinators"
	"github.com/clinprecision/clinops-core/testing/projections"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var ctx = context.Background()

func TestDesignInitializer(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithFamilies(
		testutil.Family{Events: study.RegisterEvents, Handlers: study.RegisterHandlers},
		testutil.Family{Events: design.RegisterEvents, Handlers: design.RegisterHandlers},
	))
	h.Dispatch(t, study.CreateStudy{CommandBase: clinops.By("pi"), StudyID: "s1", Name: "Cardio-1", ProtocolNumber: "P-001", Sponsor: "Acme"})
	h.Dispatch(t, study.ChangeStudyStatus{CommandBase: clinops.By("pi"), StudyID: "s1", NewStatus: study.StatusApproved, Reason: "IRB approval"})

	runner := clinops.NewCoordinatorRunner(h.Store)
	require.NoError(t, runner.Register(NewDesignInitializer(h.Bus)))
	require.NoError(t, runner.Sync(ctx))

	events := h.Events(t, design.Family, "s1")
	require.Len(t, events, 1)
	assert.Equal(t, "StudyDesignInitialized", events[0].Type)
	assertions.AssertAllMatch(t, events, assertions.MatchActor("pi"))
	initialized, ok := events[0].Data.(design.StudyDesignInitialized)
	require.True(t, ok)
	assert.Equal(t, "s1", initialized.StudyID)
	assert.Equal(t, "Cardio-1", initialized.StudyName)

	// a fresh runner replays StudyCreated from the start
	again := clinops.NewCoordinatorRunner(h.Store)
	require.NoError(t, again.Register(NewDesignInitializer(h.Bus)))
	require.NoError(t, again.Sync(ctx))
	assert.Zero(t, again.Failures())
	assert.Len(t, h.Events(t, design.Family, "s1"), 1)
}

func TestDesignInitializer_Commands(t *testing.T) {
	build := func(bus clinops.Dispatcher) clinops.Coordinator { return NewDesignInitializer(bus) }
	created := clinops.Event{
		ID:          "ev-1",
		Family:      study.Family,
		AggregateID: "s1",
		Type:        "StudyCreated",
		Data:        study.StudyCreated{StudyID: "s1", Name: "Cardio-1", ProtocolNumber: "P-001", Sponsor: "Acme"},
		Metadata:    clinops.Metadata{ActorID: "pi", CorrelationID: "corr-1"},
	}

	coordinators.TestCoordinator(t, build).
		Given(created).
		ThenDispatched(design.InitializeStudyDesign{
			CommandBase: clinops.By("pi").WithCorrelationID("corr-1").WithCausationID("ev-1"),
			StudyID:     "s1",
			StudyName:   "Cardio-1",
		})

	anonymous := created
	anonymous.Metadata = clinops.Metadata{}
	coordinators.TestCoordinator(t, build).
		Given(anonymous).
		ThenDispatched(design.InitializeStudyDesign{
			CommandBase: clinops.By(SystemActor).WithCausationID("ev-1"),
			StudyID:     "s1",
			StudyName:   "Cardio-1",
		})

	statusChanged := created
	statusChanged.Data = study.StudyStatusChanged{}
	coordinators.TestCoordinator(t, build).Given(statusChanged).ThenNothingDispatched()

	f := coordinators.TestCoordinator(t, build)
	f.Recorder().FailWith("InitializeStudyDesign", clinops.ErrAlreadyExists)
	f.Given(created)
	assert.Len(t, f.Commands(), 1)

	f = coordinators.TestCoordinator(t, build)
	f.Recorder().FailWith("InitializeStudyDesign", clinops.ErrConcurrencyConflict)
	f.Given(created).ThenError(clinops.ErrConcurrencyConflict)
}

type visitEnv struct {
	h      *testutil.Harness
	models projection.ReadModels
	deps   projection.Deps
	set    *projection.Set
	engine *clinops.ProjectionEngine
}

// newVisitEnv sets up study s1 with visit definition vd1 requiring VITALS,
// LABS and ECG, and scheduled visit vi1 against it.
func newVisitEnv(t *testing.T) *visitEnv {
	t.Helper()
	e := &visitEnv{models: projection.NewMemoryReadModels(), deps: projection.MemoryDeps()}
	e.h = testutil.NewHarness(t, testutil.WithFamilies(
		testutil.Family{Events: design.RegisterEvents, Handlers: design.RegisterHandlers},
		testutil.Family{Events: visit.RegisterEvents, Handlers: visit.RegisterHandlers},
		testutil.Family{Events: formdata.RegisterEvents, Handlers: formdata.RegisterHandlers},
	))
	completion := NewVisitCompletion(e.h.Bus, e.models.Visits, e.models.FormAssignments, e.models.FormData)
	e.set = projection.NewSet(e.models, e.deps, completion)
	e.engine = clinops.NewProjectionEngine(e.h.Store, clinops.WithProcessedEvents(e.deps.Processed))
	for _, p := range e.set.All() {
		require.NoError(t, e.engine.RegisterAsync(p))
	}

	designer := clinops.By("designer")
	e.h.Dispatch(t, design.InitializeStudyDesign{CommandBase: designer, StudyID: "s1", StudyName: "Cardio-1"})
	e.h.Dispatch(t, design.DefineVisit{CommandBase: designer, StudyID: "s1", VisitDefinitionID: "vd1", Name: "Screening", VisitType: "SCREENING", Required: true})
	for i, form := range []string{"VITALS", "LABS", "ECG"} {
		e.h.Dispatch(t, design.AssignFormToVisit{
			CommandBase: designer, StudyID: "s1", AssignmentID: "fa-" + form,
			VisitDefinitionID: "vd1", FormID: form, Required: true, DisplayOrder: i + 1,
		})
	}
	e.h.Dispatch(t, design.AssignFormToVisit{
		CommandBase: designer, StudyID: "s1", AssignmentID: "fa-NOTES",
		VisitDefinitionID: "vd1", FormID: "NOTES", DisplayOrder: 4,
	})
	e.h.Dispatch(t, visit.CreateVisit{
		CommandBase: clinops.By("coordinator"), VisitID: "vi1", PatientID: "p1", StudyID: "s1", SiteID: "site-1",
		VisitDefinitionID: "vd1", VisitType: "SCREENING", VisitDate: time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
	})
	e.sync(t)
	return e
}

func (e *visitEnv) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, e.engine.Sync(ctx))
}

func (e *visitEnv) submit(t *testing.T, id, form, status string) {
	t.Helper()
	e.h.Dispatch(t, formdata.SubmitFormData{
		CommandBase: clinops.By("nurse"), FormDataID: id, StudyID: "s1", FormID: form,
		PatientID: "p1", VisitID: "vi1", SiteID: "site-1",
		Data: map[string]interface{}{"value": 1.0}, Status: status,
	})
	e.sync(t)
}

func (e *visitEnv) visit(t *testing.T) *projection.VisitRow {
	t.Helper()
	v, err := e.models.Visits.Get(ctx, "vi1")
	require.NoError(t, err)
	return v
}

func TestVisitCompletion_AllRequiredFormsSubmitted(t *testing.T) {
	e := newVisitEnv(t)

	e.submit(t, "fd1", "VITALS", formdata.StatusSubmitted)
	e.submit(t, "fd2", "LABS", formdata.StatusSubmitted)
	assert.Equal(t, visit.StatusScheduled, e.visit(t).Status)
	assert.Equal(t, []string{"VisitCreated"}, e.h.EventTypes(t, visit.Family, "vi1"))

	e.submit(t, "fd3", "ECG", formdata.StatusSubmitted)
	v := e.visit(t)
	assert.Equal(t, visit.StatusCompleted, v.Status)
	assert.Equal(t, AutoCompleteReason, v.StatusReason)
	assert.NotNil(t, v.CompletedAt)

	events := e.h.Events(t, visit.Family, "vi1")
	require.Len(t, events, 2)
	assert.Equal(t, "nurse", events[1].ActorID())

	audits := projections.AuditCount(t, e.deps.Audit)
	last := e.h.Events(t, formdata.Family, "fd3")
	require.Len(t, last, 1)

	// redelivering the third submission changes nothing
	require.NoError(t, e.set.FormData.Apply(ctx, last[0]))
	e.sync(t)
	assert.Equal(t, visit.StatusCompleted, e.visit(t).Status)
	assert.Len(t, e.h.Events(t, visit.Family, "vi1"), 2)
	assert.Equal(t, audits, projections.AuditCount(t, e.deps.Audit))
}

func TestVisitCompletion_DraftsAndOptionalFormsDoNotCount(t *testing.T) {
	e := newVisitEnv(t)

	e.submit(t, "fd1", "VITALS", formdata.StatusSubmitted)
	e.submit(t, "fd2", "LABS", formdata.StatusSubmitted)
	e.submit(t, "fd3", "NOTES", formdata.StatusSubmitted)
	e.submit(t, "fd4", "ECG", formdata.StatusDraft)
	assert.Equal(t, visit.StatusScheduled, e.visit(t).Status)

	missing, required, err := NewVisitCompletion(e.h.Bus, e.models.Visits, e.models.FormAssignments, e.models.FormData).
		Outstanding(ctx, e.visit(t))
	require.NoError(t, err)
	assert.Equal(t, 3, required)
	assert.Equal(t, []string{"ECG"}, missing)

	e.h.Dispatch(t, formdata.UpdateFormData{
		CommandBase: clinops.By("nurse"), FormDataID: "fd4",
		Data: map[string]interface{}{"qt": 410.0}, Status: formdata.StatusSubmitted,
	})
	e.sync(t)
	assert.Equal(t, visit.StatusCompleted, e.visit(t).Status)
}

func TestVisitCompletion_RemovedAssignmentsAreNotRequired(t *testing.T) {
	e := newVisitEnv(t)

	e.submit(t, "fd1", "VITALS", formdata.StatusSubmitted)
	e.submit(t, "fd2", "LABS", formdata.StatusSubmitted)
	e.h.Dispatch(t, design.RemoveFormAssignment{CommandBase: clinops.By("designer"), StudyID: "s1", AssignmentID: "fa-ECG", Reason: "dropped by amendment"})
	e.sync(t)

	// removal alone is no trigger; the next evaluation picks it up
	assert.Equal(t, visit.StatusScheduled, e.visit(t).Status)
	c := NewVisitCompletion(e.h.Bus, e.models.Visits, e.models.FormAssignments, e.models.FormData)
	require.NoError(t, c.Evaluate(ctx, "vi1", "monitor"))
	e.sync(t)
	assert.Equal(t, visit.StatusCompleted, e.visit(t).Status)

	require.NoError(t, c.Evaluate(ctx, "vi1", "monitor"), "evaluating a completed visit is a no-op")
	assert.Len(t, e.h.Events(t, visit.Family, "vi1"), 2)
}

func TestVisitCompletion_NothingRequired(t *testing.T) {
	models := projection.NewMemoryReadModels()
	require.NoError(t, models.Visits.Insert(ctx, &projection.VisitRow{ID: "vi1", StudyID: "s1", Status: visit.StatusScheduled}))
	c := NewVisitCompletion(nil, models.Visits, models.FormAssignments, models.FormData)

	assert.NoError(t, c.Evaluate(ctx, "vi1", "nurse"), "visits without a definition are never auto-completed")
	assert.NoError(t, c.Evaluate(ctx, "missing", "nurse"))
}

