package coordination

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/formdata"
	"github.com/clinprecision/clinops-core/domain/visit"
	"github.com/clinprecision/clinops-core/projection"
)

// AutoCompleteReason is recorded on visits completed by VisitCompletion.
const AutoCompleteReason = "Visit auto-completed: all required forms submitted"

// VisitCompletion completes a visit once every form its visit definition
// requires has been submitted. It reads the projected tables on each call and
// never counts submissions, so it can run any number of times.
type VisitCompletion struct {
	bus         clinops.Dispatcher
	visits      clinops.Reader[projection.VisitRow]
	assignments clinops.Reader[projection.FormAssignmentRow]
	forms       clinops.Reader[projection.FormDataRow]
	opts        options
}

// NewVisitCompletion creates a VisitCompletion.
func NewVisitCompletion(
	bus clinops.Dispatcher,
	visits clinops.Reader[projection.VisitRow],
	assignments clinops.Reader[projection.FormAssignmentRow],
	forms clinops.Reader[projection.FormDataRow],
	opts ...Option,
) *VisitCompletion {
	return &VisitCompletion{
		bus:         bus,
		visits:      visits,
		assignments: assignments,
		forms:       forms,
		opts:        newOptions(opts),
	}
}

// Outstanding returns the required form IDs of visitID that have no
// submitted or locked form data yet. required is the number of required
// forms.
func (c *VisitCompletion) Outstanding(ctx context.Context, v *projection.VisitRow) (missing []string, required int, err error) {
	if v.VisitDefinitionID == "" {
		return nil, 0, nil
	}
	assigned, err := c.assignments.Find(ctx, clinops.NewQuery().
		Eq("study_id", v.StudyID).
		Eq("visit_definition_id", v.VisitDefinitionID).
		Eq("required", true).
		Eq("removed", false).
		OrderByAsc("display_order").
		Build())
	if err != nil {
		return nil, 0, fmt.Errorf("loading form assignments of visit %s: %w", v.ID, err)
	}
	if len(assigned) == 0 {
		return nil, 0, nil
	}

	submitted, err := c.forms.Find(ctx, clinops.NewQuery().Eq("visit_id", v.ID).Build())
	if err != nil {
		return nil, 0, fmt.Errorf("loading form data of visit %s: %w", v.ID, err)
	}
	done := make(map[string]bool, len(submitted))
	for _, f := range submitted {
		if formdata.Complete(f.Status) {
			done[f.FormID] = true
		}
	}
	for _, a := range assigned {
		if !done[a.FormID] {
			missing = append(missing, a.FormID)
		}
	}
	return missing, len(assigned), nil
}

// Evaluate completes visitID when it is still open, its definition requires
// at least one form, and every required form is submitted or locked.
func (c *VisitCompletion) Evaluate(ctx context.Context, visitID, actorID string) error {
	v, err := c.visits.Get(ctx, visitID)
	if errors.Is(err, clinops.ErrNotFound) {
		// the visit projection has not caught up; the next trigger retries
		c.opts.logger.Debug("visit not projected yet", "visit", visitID)
		return nil
	}
	if err != nil {
		return err
	}
	if visit.Transitions.Terminal(v.Status) {
		return nil
	}

	missing, required, err := c.Outstanding(ctx, v)
	if err != nil {
		return err
	}
	if required == 0 || len(missing) > 0 {
		c.opts.logger.Debug("visit not complete",
			"visit", visitID, "required", required, "missing", missing)
		return nil
	}

	if actorID == "" {
		actorID = SystemActor
	}
	_, err = c.bus.Dispatch(ctx, visit.ChangeVisitStatus{
		CommandBase: clinops.By(actorID),
		VisitID:     visitID,
		NewStatus:   visit.StatusCompleted,
		Reason:      AutoCompleteReason,
	})
	if errors.Is(err, clinops.ErrInvalidStateTransition) {
		// completed concurrently by someone else
		c.opts.logger.Debug("visit already closed", "visit", visitID, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("completing visit %s: %w", visitID, err)
	}
	c.opts.logger.Info("visit auto-completed", "visit", visitID, "forms", required)
	return nil
}
