package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/refdata"
	"github.com/clinprecision/clinops-core/testing/bdd"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var (
	today   = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	created = ProtocolVersionCreated{ProtocolVersionID: "v1", StudyID: "s1", VersionNumber: "1.0"}
)

func at(statuses ...string) []interface{} {
	history := []interface{}{created}
	for _, s := range statuses {
		switch s {
		case StatusApproved:
			history = append(history, ProtocolVersionApproved{EffectiveDate: today})
		case StatusActive:
			history = append(history, ProtocolVersionActivated{})
		default:
			history = append(history, ProtocolVersionStatusChanged{To: s})
		}
	}
	return history
}

func TestProtocolVersion_CreateAmendmentRules(t *testing.T) {
	rules := refdata.Default()
	tests := []struct {
		name  string
		draft Draft
		ok    bool
	}{
		{"original version", Draft{StudyID: "s1", VersionNumber: "1.0"}, true},
		{"minor amendment", Draft{StudyID: "s1", VersionNumber: "1.1", AmendmentType: "MINOR", ChangesSummary: "typos"}, true},
		{"amendment without summary", Draft{StudyID: "s1", VersionNumber: "1.1", AmendmentType: "MINOR"}, false},
		{"major without regulatory flag", Draft{StudyID: "s1", VersionNumber: "2.0", AmendmentType: "MAJOR", ChangesSummary: "new arm"}, false},
		{"major with regulatory flag", Draft{StudyID: "s1", VersionNumber: "2.0", AmendmentType: "MAJOR", ChangesSummary: "new arm", RequiresRegulatoryApproval: true}, true},
		{"safety without regulatory flag", Draft{StudyID: "s1", VersionNumber: "2.1", AmendmentType: "safety", ChangesSummary: "AE rule"}, false},
		{"unknown amendment type", Draft{StudyID: "s1", VersionNumber: "2.2", AmendmentType: "COSMETIC", ChangesSummary: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("v1")
			f := bdd.Given(t, p).When(func() error { return p.Create(tt.draft, rules) })
			if tt.ok {
				f.ThenEventTypes("ProtocolVersionCreated")
				assert.Equal(t, StatusDraft, p.Status)
				return
			}
			f.ThenError(clinops.ErrValidation)
		})
	}
}

func TestProtocolVersion_ReviewCycle(t *testing.T) {
	tests := []struct {
		name    string
		history []interface{}
		to      string
		event   string
	}{
		{"draft to review", at(), StatusUnderReview, "ProtocolVersionStatusChanged"},
		{"review back to draft", at(StatusUnderReview), StatusDraft, "ProtocolVersionStatusChanged"},
		{"review to submitted", at(StatusUnderReview), StatusSubmitted, "ProtocolVersionStatusChanged"},
		{"submitted back to review", at(StatusUnderReview, StatusSubmitted), StatusUnderReview, "ProtocolVersionStatusChanged"},
		{"active superseded", at(StatusUnderReview, StatusSubmitted, StatusApproved, StatusActive), StatusSuperseded, "ProtocolVersionSuperseded"},
		{"draft cannot submit", at(), StatusSubmitted, ""},
		{"approved cannot be superseded", at(StatusUnderReview, StatusSubmitted, StatusApproved), StatusSuperseded, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("v1")
			f := bdd.Given(t, p, tt.history...).When(func() error { return p.ChangeStatus(tt.to, "review") })
			if tt.event == "" {
				f.ThenError(clinops.ErrInvalidStateTransition)
				return
			}
			f.ThenEventTypes(tt.event)
			assert.Equal(t, tt.to, p.Status)
		})
	}
}

func TestProtocolVersion_Approve(t *testing.T) {
	p := New("v1")
	bdd.Given(t, p, at(StatusUnderReview, StatusSubmitted)...).
		When(func() error { return p.Approve(today.Add(36*time.Hour), "approved by IRB", today.Add(9*time.Hour)) }).
		Then(ProtocolVersionApproved{ProtocolVersionID: "v1", StudyID: "s1", EffectiveDate: today.AddDate(0, 0, 1), Comments: "approved by IRB"})

	p = New("v1")
	bdd.Given(t, p, at(StatusUnderReview, StatusSubmitted)...).
		When(func() error { return p.Approve(today, "", today.Add(15*time.Hour)) }).
		ThenEventTypes("ProtocolVersionApproved")

	p = New("v1")
	bdd.Given(t, p, at(StatusUnderReview, StatusSubmitted)...).
		When(func() error { return p.Approve(today.AddDate(0, 0, -1), "", today) }).
		ThenError(clinops.ErrValidation)

	p = New("v1")
	bdd.Given(t, p, at()...).
		When(func() error { return p.Approve(today, "", today) }).
		ThenError(clinops.ErrInvalidStateTransition)
}

func TestProtocolVersion_ActivateAndWithdraw(t *testing.T) {
	p := New("v1")
	bdd.Given(t, p, at(StatusUnderReview, StatusSubmitted, StatusApproved)...).
		When(func() error { return p.Activate("go live") }).
		Then(ProtocolVersionActivated{ProtocolVersionID: "v1", StudyID: "s1", Reason: "go live"})

	p = New("v1")
	bdd.Given(t, p, at(StatusUnderReview)...).
		When(func() error { return p.Activate("") }).
		ThenError(clinops.ErrInvalidStateTransition)

	p = New("v1")
	bdd.Given(t, p, at(StatusUnderReview, StatusSubmitted, StatusApproved, StatusActive)...).
		When(func() error { return p.Withdraw("safety signal detected") }).
		Then(ProtocolVersionWithdrawn{ProtocolVersionID: "v1", StudyID: "s1", From: StatusActive, Reason: "safety signal detected"})

	p = New("v1")
	bdd.Given(t, p, at()...).
		When(func() error { return p.Withdraw("short") }).
		ThenError(clinops.ErrValidation)

	p = New("v1")
	bdd.Given(t, p, append(at(), ProtocolVersionWithdrawn{})...).
		When(func() error { return p.Withdraw("withdrawing again") }).
		ThenError(clinops.ErrInvalidStateTransition)
}

func TestProtocolVersion_UpdateDetails(t *testing.T) {
	p := New("v1")
	bdd.Given(t, p, at(StatusUnderReview)...).
		When(func() error { return p.UpdateDetails("clarified", "") }).
		Then(ProtocolVersionDetailsUpdated{ProtocolVersionID: "v1", Description: "clarified"})

	p = New("v1")
	bdd.Given(t, p, at(StatusUnderReview, StatusSubmitted)...).
		When(func() error { return p.UpdateDetails("late edit", "") }).
		ThenError(clinops.ErrInvalidStateTransition)
}

func TestProtocolCommands(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithFamilies(testutil.Family{Events: RegisterEvents, Handlers: RegisterHandlers}))
	by := clinops.By("regulatory")

	id := h.Dispatch(t, CreateProtocolVersion{CommandBase: by, StudyID: "s1", VersionNumber: "1.0"}).AggregateID
	h.Dispatch(t, ChangeProtocolVersionStatus{CommandBase: by, ProtocolVersionID: id, StudyID: "s1", NewStatus: StatusUnderReview, Reason: "ready"})
	h.Dispatch(t, ChangeProtocolVersionStatus{CommandBase: by, ProtocolVersionID: id, StudyID: "s1", NewStatus: StatusSubmitted, Reason: "to IRB"})
	h.Dispatch(t, ApproveProtocolVersion{CommandBase: by, ProtocolVersionID: id, EffectiveDate: h.Clock.Now()})

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ActivateProtocolVersion{CommandBase: by, ProtocolVersionID: id, StudyID: "other-study"}).
		ThenFails(clinops.ErrPreconditionFailed)

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ActivateProtocolVersion{CommandBase: by, ProtocolVersionID: id, StudyID: "s1"}).
		ThenSucceeds().
		ThenReturnsVersion(5).
		ThenAppended("ProtocolVersionActivated")

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(WithdrawProtocolVersion{CommandBase: by, ProtocolVersionID: id, Reason: "too short"}).
		ThenFails(clinops.ErrValidation)

	assert.Equal(t, []string{"aggregate:" + id, "study:s1"}, clinops.LockKeys(ActivateProtocolVersion{ProtocolVersionID: id, StudyID: "s1"}))
}
