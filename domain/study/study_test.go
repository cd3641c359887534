package study

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/testing/bdd"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var created = StudyCreated{StudyID: "s1", Name: "Cardio-1", ProtocolNumber: "P-001", Sponsor: "Acme"}

func TestStudy_Create(t *testing.T) {
	s := New("s1")
	bdd.Given(t, s).
		When(func() error { return s.Create("Cardio-1", "P-001", "Acme", "") }).
		Then(created)
	assert.Equal(t, StatusPlanning, s.Status)
}

func TestStudy_Lifecycle(t *testing.T) {
	tests := []struct {
		name    string
		history []interface{}
		to      string
		wantErr bool
	}{
		{"planning to approved", nil, StatusApproved, false},
		{"planning to withdrawn", nil, StatusWithdrawn, false},
		{"planning cannot activate", nil, StatusActive, true},
		{"approved to active", []interface{}{StudyStatusChanged{To: StatusApproved}}, StatusActive, false},
		{"active to suspended", []interface{}{StudyStatusChanged{To: StatusActive}}, StatusSuspended, false},
		{"suspended back to active", []interface{}{StudyStatusChanged{To: StatusSuspended}}, StatusActive, false},
		{"completed is terminal", []interface{}{StudyStatusChanged{To: StatusCompleted}}, StatusActive, true},
		{"withdrawn is terminal", []interface{}{StudyStatusChanged{To: StatusWithdrawn}}, StatusApproved, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("s1")
			history := append([]interface{}{created}, tt.history...)
			f := bdd.Given(t, s, history...).When(func() error { return s.ChangeStatus(tt.to, "board decision") })
			if tt.wantErr {
				f.ThenError(clinops.ErrInvalidStateTransition)
				return
			}
			f.ThenEventTypes("StudyStatusChanged")
			assert.Equal(t, tt.to, s.Status)
		})
	}
}

func TestStudy_UpdateDetails(t *testing.T) {
	s := New("s1")
	bdd.Given(t, s, created).
		When(func() error { return s.UpdateDetails("", "Globex", "") }).
		Then(StudyDetailsUpdated{StudyID: "s1", Sponsor: "Globex"})
	assert.Equal(t, "Cardio-1", s.Name)
	assert.Equal(t, "Globex", s.Sponsor)

	s = New("s1")
	bdd.Given(t, s, created, StudyStatusChanged{To: StatusTerminated}).
		When(func() error { return s.UpdateDetails("x", "", "") }).
		ThenError(clinops.ErrInvalidStateTransition)
}

func TestStudyCommands(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithFamilies(testutil.Family{Events: RegisterEvents, Handlers: RegisterHandlers}))

	res := h.Dispatch(t, CreateStudy{CommandBase: clinops.By("pi"), Name: "Onco-2", ProtocolNumber: "P-2", Sponsor: "Acme"})
	assert.NotEmpty(t, res.AggregateID)
	assert.Equal(t, int64(1), res.Version)

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ChangeStudyStatus{CommandBase: clinops.By("pi"), StudyID: res.AggregateID, NewStatus: StatusApproved}).
		ThenFails(clinops.ErrValidation)

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ChangeStudyStatus{CommandBase: clinops.By("pi"), StudyID: res.AggregateID, NewStatus: StatusApproved, Reason: "IRB ok"}).
		ThenSucceeds().
		ThenReturnsVersion(2).
		ThenAppended("StudyStatusChanged")

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(UpdateStudyDetails{CommandBase: clinops.By("pi"), StudyID: res.AggregateID}).
		ThenFails(clinops.ErrValidation)

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(CreateStudy{CommandBase: clinops.By("pi"), StudyID: res.AggregateID, Name: "dup", ProtocolNumber: "P-3", Sponsor: "Acme"}).
		ThenFails(clinops.ErrAlreadyExists)

	assert.Equal(t, []string{"StudyCreated", "StudyStatusChanged"}, h.EventTypes(t, Family, res.AggregateID))
}
