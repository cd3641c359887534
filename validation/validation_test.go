package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/protocol"
	"github.com/clinprecision/clinops-core/domain/study"
	"github.com/clinprecision/clinops-core/projection"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var ctx = context.Background()

type waiterFunc func(ctx context.Context, name string) error

func (f waiterFunc) WaitForHead(ctx context.Context, name string) error { return f(ctx, name) }

type env struct {
	h         *testutil.Harness
	models    projection.ReadModels
	engine    *clinops.ProjectionEngine
	mu        sync.Mutex
	escalated []error
}

// newEnv wires the study and protocol families, their projectors and the
// validation middleware. Async projectors are never started, so without
// inline they model a read side that lags until Sync.
func newEnv(t *testing.T, inline, catchUp bool) *env {
	t.Helper()
	e := &env{models: projection.NewMemoryReadModels()}
	deps := projection.MemoryDeps()

	var opts []Option
	if catchUp {
		opts = append(opts, WithCatchUp(waiterFunc(func(ctx context.Context, name string) error {
			return e.engine.WaitForHead(ctx, name)
		}), 50*time.Millisecond))
	}
	protocols := NewProtocolValidator(e.models.Studies, e.models.ProtocolVersions, opts...)
	e.h = testutil.NewHarness(t,
		testutil.WithFamilies(
			testutil.Family{Events: study.RegisterEvents, Handlers: study.RegisterHandlers},
			testutil.Family{Events: protocol.RegisterEvents, Handlers: protocol.RegisterHandlers},
		),
		testutil.WithMiddleware(Middleware(protocols, nil)),
	)

	e.engine = clinops.NewProjectionEngine(e.h.Store,
		clinops.WithProcessedEvents(deps.Processed),
		clinops.WithEscalator(clinops.EscalatorFunc(func(_ context.Context, _ string, err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.escalated = append(e.escalated, err)
		})),
	)
	register := e.engine.RegisterAsync
	if inline {
		register = e.engine.RegisterInline
	}
	require.NoError(t, register(projection.NewStudyProjector(e.models.Studies, deps)))
	require.NoError(t, register(projection.NewProtocolProjector(e.models.ProtocolVersions, deps)))
	return e
}

func (e *env) dispatch(cmd clinops.Command) error {
	_, err := e.h.Bus.Dispatch(ctx, cmd)
	return err
}

// approvedStudy creates study s1 with versions v1 and v2, both APPROVED.
func (e *env) approvedStudy(t *testing.T) {
	t.Helper()
	pi := clinops.By("pi")
	e.h.Dispatch(t, study.CreateStudy{CommandBase: pi, StudyID: "s1", Name: "Cardio-1", ProtocolNumber: "P-001", Sponsor: "Acme"})
	e.h.Dispatch(t, study.ChangeStudyStatus{CommandBase: pi, StudyID: "s1", NewStatus: study.StatusApproved, Reason: "IRB approval"})
	require.NoError(t, e.engine.Sync(ctx))
	for _, v := range []struct{ id, number string }{{"v1", "1.0"}, {"v2", "2.0"}} {
		e.h.Dispatch(t, protocol.CreateProtocolVersion{CommandBase: pi, ProtocolVersionID: v.id, StudyID: "s1", VersionNumber: v.number})
		e.h.Dispatch(t, protocol.ChangeProtocolVersionStatus{CommandBase: pi, ProtocolVersionID: v.id, StudyID: "s1", NewStatus: protocol.StatusUnderReview, Reason: "ready"})
		e.h.Dispatch(t, protocol.ChangeProtocolVersionStatus{CommandBase: pi, ProtocolVersionID: v.id, StudyID: "s1", NewStatus: protocol.StatusSubmitted, Reason: "reviewed"})
		e.h.Dispatch(t, protocol.ApproveProtocolVersion{CommandBase: pi, ProtocolVersionID: v.id, EffectiveDate: testutil.Epoch})
	}
}

func (e *env) activate(id string) error {
	return e.dispatch(protocol.ActivateProtocolVersion{CommandBase: clinops.By("pi"), ProtocolVersionID: id, StudyID: "s1", Reason: "go live"})
}

func (e *env) activeVersions(t *testing.T) []string {
	t.Helper()
	rows, err := e.models.ProtocolVersions.Find(ctx, clinops.NewQuery().Eq("study_id", "s1").Eq("status", protocol.StatusActive).Build())
	require.NoError(t, err)
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func TestProtocolActivation_SingleActivePerStudy(t *testing.T) {
	e := newEnv(t, true, true)
	e.approvedStudy(t)

	require.NoError(t, e.activate("v1"))

	err := e.activate("v2")
	require.ErrorIs(t, err, clinops.ErrPreconditionFailed)
	var pe *clinops.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, RuleSingleActiveVersion, pe.Rule)
	assert.Equal(t, []string{"v1"}, e.activeVersions(t))
	assert.NotContains(t, e.h.EventTypes(t, protocol.Family, "v2"), "ProtocolVersionActivated")

	require.NoError(t, e.dispatch(protocol.ChangeProtocolVersionStatus{
		CommandBase: clinops.By("pi"), ProtocolVersionID: "v1", StudyID: "s1",
		NewStatus: protocol.StatusSuperseded, Reason: "amendment 2 approved",
	}))
	require.NoError(t, e.activate("v2"))
	assert.Equal(t, []string{"v2"}, e.activeVersions(t))
	assert.Empty(t, e.escalated)
}

func TestProtocolActivation_AfterWithdrawal(t *testing.T) {
	e := newEnv(t, true, true)
	e.approvedStudy(t)
	require.NoError(t, e.activate("v1"))

	require.NoError(t, e.dispatch(protocol.WithdrawProtocolVersion{
		CommandBase: clinops.By("pi"), ProtocolVersionID: "v1", Reason: "sponsor withdrew the version",
	}))
	require.NoError(t, e.activate("v2"))
	assert.Equal(t, []string{"v2"}, e.activeVersions(t))
}

func TestProtocolActivation_ConcurrentAttemptsAdmitOne(t *testing.T) {
	e := newEnv(t, true, true)
	e.approvedStudy(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"v1", "v2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = e.activate(id)
		}(i, id)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, clinops.ErrPreconditionFailed):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Len(t, e.activeVersions(t), 1)
}

func TestProtocolActivation_PreCheckOnStaleReadsIsBackstopped(t *testing.T) {
	e := newEnv(t, false, false)
	e.approvedStudy(t)
	require.NoError(t, e.engine.Sync(ctx))

	// neither activation is projected before the next check runs
	require.NoError(t, e.activate("v1"))
	require.NoError(t, e.activate("v2"))

	require.NoError(t, e.engine.Sync(ctx))

	st, err := e.engine.Status("protocol")
	require.NoError(t, err)
	assert.Equal(t, clinops.ProjectionStateFaulted, st.State)
	require.Len(t, e.escalated, 1)
	assert.ErrorIs(t, e.escalated[0], clinops.ErrInvariantViolation)
	assert.Equal(t, []string{"v1"}, e.activeVersions(t))
}

func TestCatchUp_TimesOut(t *testing.T) {
	e := newEnv(t, false, true)

	// the async study projector is never started
	e.h.Dispatch(t, study.CreateStudy{CommandBase: clinops.By("pi"), StudyID: "s1", Name: "Cardio-1", ProtocolNumber: "P-001", Sponsor: "Acme"})
	err := e.dispatch(protocol.CreateProtocolVersion{CommandBase: clinops.By("pi"), ProtocolVersionID: "v1", StudyID: "s1", VersionNumber: "1.0"})
	require.ErrorIs(t, err, clinops.ErrProjectionTimeout)
	var te *clinops.ProjectionTimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "study", te.Projection)
}

func TestProtocolValidator_Create(t *testing.T) {
	e := newEnv(t, true, true)

	err := e.dispatch(protocol.CreateProtocolVersion{CommandBase: clinops.By("pi"), ProtocolVersionID: "v1", StudyID: "nope", VersionNumber: "1.0"})
	assert.ErrorIs(t, err, clinops.ErrPreconditionFailed)

	e.approvedStudy(t)
	err = e.dispatch(protocol.CreateProtocolVersion{CommandBase: clinops.By("pi"), ProtocolVersionID: "v3", StudyID: "s1", VersionNumber: "2.0"})
	var pe *clinops.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, RuleUniqueVersionNumber, pe.Rule)

	e.h.Dispatch(t, study.ChangeStudyStatus{CommandBase: clinops.By("pi"), StudyID: "s1", NewStatus: study.StatusWithdrawn, Reason: "sponsor decision"})
	err = e.dispatch(protocol.CreateProtocolVersion{CommandBase: clinops.By("pi"), ProtocolVersionID: "v3", StudyID: "s1", VersionNumber: "3.0"})
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, RuleStudyOpen, pe.Rule)
}

func TestProtocolValidator_ActivationNeedsApprovedStudy(t *testing.T) {
	models := projection.NewMemoryReadModels()
	require.NoError(t, models.Studies.Insert(ctx, &projection.StudyRow{ID: "s1", Name: "Cardio-1", Status: study.StatusPlanning}))
	v := NewProtocolValidator(models.Studies, models.ProtocolVersions)

	err := v.ValidateActivation(ctx, "s1", "v1")
	var pe *clinops.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, RuleActivationStudy, pe.Rule)
}

func seedVersions(t *testing.T, studyStatus string, versions ...projection.ProtocolVersionRow) *ProtocolValidator {
	t.Helper()
	models := projection.NewMemoryReadModels()
	require.NoError(t, models.Studies.Insert(ctx, &projection.StudyRow{ID: "s1", Name: "Cardio-1", Status: studyStatus}))
	for i := range versions {
		versions[i].StudyID = "s1"
		require.NoError(t, models.ProtocolVersions.Insert(ctx, &versions[i]))
	}
	return NewProtocolValidator(models.Studies, models.ProtocolVersions)
}

func ruleOf(err error) string {
	var pe *clinops.PreconditionError
	if errors.As(err, &pe) {
		return pe.Rule
	}
	return ""
}

func TestProtocolValidator_Supersession(t *testing.T) {
	tests := []struct {
		name     string
		versions []projection.ProtocolVersionRow
		target   string
		rule     string
	}{
		{"only version", []projection.ProtocolVersionRow{{ID: "v1", VersionNumber: "1.0", Status: protocol.StatusActive}}, "v1", RuleNotOnlyVersion},
		{"active without successor", []projection.ProtocolVersionRow{
			{ID: "v1", VersionNumber: "1.0", Status: protocol.StatusActive},
			{ID: "v2", VersionNumber: "2.0", Status: protocol.StatusDraft},
		}, "v1", RuleSuccessorApproved},
		{"older approved is no successor", []projection.ProtocolVersionRow{
			{ID: "v1", VersionNumber: "1.10", Status: protocol.StatusActive},
			{ID: "v2", VersionNumber: "1.9", Status: protocol.StatusApproved},
		}, "v1", RuleSuccessorApproved},
		{"newer approved successor", []projection.ProtocolVersionRow{
			{ID: "v1", VersionNumber: "1.9", Status: protocol.StatusActive},
			{ID: "v2", VersionNumber: "1.10", Status: protocol.StatusApproved},
		}, "v1", ""},
		{"unknown version left to the aggregate", []projection.ProtocolVersionRow{{ID: "v1", VersionNumber: "1.0", Status: protocol.StatusActive}}, "v9", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := seedVersions(t, study.StatusActive, tt.versions...)
			err := v.ValidateSupersession(ctx, "s1", tt.target)
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, clinops.ErrPreconditionFailed)
			assert.Equal(t, tt.rule, ruleOf(err))
		})
	}
}

func TestProtocolValidator_Withdrawal(t *testing.T) {
	two := func(status string) []projection.ProtocolVersionRow {
		return []projection.ProtocolVersionRow{
			{ID: "v1", VersionNumber: "1.0", Status: status},
			{ID: "v2", VersionNumber: "2.0", Status: protocol.StatusDraft},
		}
	}
	tests := []struct {
		name     string
		study    string
		versions []projection.ProtocolVersionRow
		rule     string
	}{
		{"only version", study.StatusApproved, []projection.ProtocolVersionRow{{ID: "v1", VersionNumber: "1.0", Status: protocol.StatusDraft}}, RuleNotOnlyVersion},
		{"active version of active study", study.StatusActive, two(protocol.StatusActive), RuleActiveVersionInUse},
		{"active version of approved study", study.StatusApproved, two(protocol.StatusActive), ""},
		{"draft of active study", study.StatusActive, two(protocol.StatusDraft), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := seedVersions(t, tt.study, tt.versions...)
			err := v.ValidateWithdrawal(ctx, "v1")
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.rule, ruleOf(err))
		})
	}
}

func TestBuildValidator(t *testing.T) {
	builds := projection.NewMemoryReadModels().Builds
	v := NewBuildValidator(builds)

	assert.NoError(t, v.ValidateStart(ctx, "s1"))
	assert.Equal(t, RuleCompletedBuild, ruleOf(v.RequireCompletedBuild(ctx, "s1", "")))

	require.NoError(t, builds.Insert(ctx, &projection.BuildRow{ID: "b1", StudyID: "s1", Status: "IN_PROGRESS"}))
	assert.Equal(t, RuleSingleBuildInProgress, ruleOf(v.ValidateStart(ctx, "s1")))
	assert.NoError(t, v.ValidateStart(ctx, "s2"), "other studies are unaffected")
	assert.Equal(t, RuleCompletedBuild, ruleOf(v.RequireCompletedBuild(ctx, "s1", "b1")))

	require.NoError(t, builds.Update(ctx, "b1", func(b *projection.BuildRow) { b.Status = "COMPLETED" }))
	assert.NoError(t, v.ValidateStart(ctx, "s1"))
	assert.NoError(t, v.RequireCompletedBuild(ctx, "s1", "b1"))
	assert.NoError(t, v.RequireCompletedBuild(ctx, "s1", ""))
	assert.Equal(t, RuleCompletedBuild, ruleOf(v.RequireCompletedBuild(ctx, "s2", "b1")), "build of another study")
	assert.Equal(t, RuleCompletedBuild, ruleOf(v.RequireCompletedBuild(ctx, "s1", "b9")), "unknown build")
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.9", "1.10", -1},
		{"2.0", "1.10", 1},
		{"v2", "2", 0},
		{"1.0", "1.0.1", -1},
		{"1.0-rc", "1.0-rc", 0},
		{"1.a", "1.b", -1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
			assert.Equal(t, -tt.want, CompareVersions(tt.b, tt.a))
		})
	}
}
