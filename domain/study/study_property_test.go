package study

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/clinprecision/clinops-core"
)

var allStatuses = []string{
	StatusPlanning, StatusApproved, StatusActive, StatusSuspended,
	StatusCompleted, StatusTerminated, StatusWithdrawn,
}

// drive creates a study and requests every status in order, keeping the
// ones the lifecycle accepts.
func drive(targets []string) *Study {
	s := New("s1")
	_ = s.Create("Cardio-1", "P-001", "Acme", "")
	for _, to := range targets {
		_ = s.ChangeStatus(to, "board decision")
	}
	return s
}

func TestProperty_StudyLifecycle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	consts := make([]interface{}, len(allStatuses))
	for i, s := range allStatuses {
		consts[i] = s
	}
	statuses := gen.SliceOf(gen.OneConstOf(consts...))

	properties.Property("replaying recorded events rebuilds the same study", prop.ForAll(
		func(targets []string) bool {
			s := drive(targets)
			replayed := New("s1")
			if err := clinops.Replay(replayed, s.UncommittedEvents()); err != nil {
				return false
			}
			return replayed.Status == s.Status &&
				replayed.Name == s.Name &&
				replayed.Sponsor == s.Sponsor &&
				replayed.Version() == int64(len(s.UncommittedEvents()))
		},
		statuses,
	))

	properties.Property("every recorded change is an allowed transition", prop.ForAll(
		func(targets []string) bool {
			prev := StatusPlanning
			for _, e := range drive(targets).UncommittedEvents()[1:] {
				changed, ok := e.(StudyStatusChanged)
				if !ok || changed.From != prev || !Transitions.Allows(changed.From, changed.To) {
					return false
				}
				prev = changed.To
			}
			return true
		},
		statuses,
	))

	properties.Property("a closed study accepts no further status", prop.ForAll(
		func(targets []string) bool {
			s := drive(targets)
			if !Transitions.Terminal(s.Status) {
				return true
			}
			for _, to := range allStatuses {
				if s.ChangeStatus(to, "reopen") == nil {
					return false
				}
			}
			return s.UpdateDetails("Renamed", "", "") != nil
		},
		statuses,
	))

	properties.TestingRun(t)
}
