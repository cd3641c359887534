package visit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/testing/bdd"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var created = VisitCreated{VisitID: "vi1", PatientID: "p1", StudyID: "s1", SiteID: "site-1", VisitType: "SCREENING"}

func TestVisit_ChangeStatus(t *testing.T) {
	all := []string{StatusScheduled, StatusRescheduled, StatusInProgress, StatusCompleted, StatusMissed, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			t.Run(from+"->"+to, func(t *testing.T) {
				history := []interface{}{created}
				if from != StatusScheduled {
					history = append(history, VisitStatusChanged{To: from})
				}
				v := New("vi1")
				f := bdd.Given(t, v, history...).When(func() error { return v.ChangeStatus(to, "clinic") })
				switch {
				case from == to:
					f.ThenNoEvents()
				case Transitions.Allows(from, to):
					f.Then(VisitStatusChanged{VisitID: "vi1", From: from, To: to, Reason: "clinic"})
				default:
					f.ThenError(clinops.ErrInvalidStateTransition)
				}
			})
		}
	}
}

func TestVisit_Terminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		StatusScheduled:   false,
		StatusRescheduled: false,
		StatusInProgress:  false,
		StatusCompleted:   true,
		StatusMissed:      true,
		StatusCancelled:   true,
	} {
		v := New("vi1")
		assert.NoError(t, clinops.Replay(v, []interface{}{created, VisitStatusChanged{To: status}}))
		assert.Equal(t, terminal, v.Terminal(), status)
	}
}

func TestVisitCommands(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithFamilies(testutil.Family{Events: RegisterEvents, Handlers: RegisterHandlers}))
	by := clinops.By("coordinator")
	date := time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC)

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(CreateVisit{CommandBase: by, PatientID: "p1", StudyID: "s1", SiteID: "site-1", VisitType: "HOME", VisitDate: date}).
		ThenFails(clinops.ErrValidation)

	id := h.Dispatch(t, CreateVisit{CommandBase: by, PatientID: "p1", StudyID: "s1", SiteID: "site-1", VisitType: "SCREENING", VisitDate: date}).AggregateID

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ChangeVisitStatus{CommandBase: by, VisitID: id, NewStatus: StatusScheduled, Reason: "noop"}).
		ThenSucceeds().
		ThenReturnsVersion(1).
		ThenAppended()

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ChangeVisitStatus{CommandBase: by, VisitID: id, NewStatus: "DONE", Reason: "x"}).
		ThenFails(clinops.ErrValidation)

	h.Dispatch(t, ChangeVisitStatus{CommandBase: by, VisitID: id, NewStatus: StatusMissed, Reason: "no show"})

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ChangeVisitStatus{CommandBase: by, VisitID: id, NewStatus: StatusInProgress, Reason: "late arrival"}).
		ThenFails(clinops.ErrInvalidStateTransition)

	events := h.Events(t, Family, id)
	if assert.Len(t, events, 2) {
		assert.True(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC).Equal(events[0].Data.(VisitCreated).VisitDate))
	}
}
