package projection

import (
	"context"
	"strings"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/dbbuild"
)

// Validation summaries on BuildRow.
const (
	ValidationPassed = "PASSED"
	ValidationFailed = "FAILED"
)

// NewBuildProjector maintains the study database builds table.
func NewBuildProjector(rows clinops.ReadModelRepository[BuildRow], deps Deps) *Projector[BuildRow] {
	p := newProjector("dbbuild", dbbuild.Family, dbbuild.Family, rows, func(id string) *BuildRow { return &BuildRow{ID: id} }, deps)

	p.handle("StudyDatabaseBuildStarted", on(ActionCreated, func(_ context.Context, r *BuildRow, e dbbuild.BuildStarted, ev clinops.Event) error {
		r.StudyID = e.StudyID
		r.StudyName = e.StudyName
		r.StudyProtocol = e.StudyProtocol
		r.FormDefinitions = e.FormDefinitions
		r.ValidationRules = e.ValidationRules
		r.Status = dbbuild.StatusInProgress
		r.RequestedBy = ev.ActorID()
		r.StartedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("StudyDatabaseBuildValidated", on(ActionValidated, func(_ context.Context, r *BuildRow, e dbbuild.BuildValidated, _ clinops.Event) error {
		r.ValidationStatus = summarize(e.Result)
		return nil
	}))

	p.handle("StudyDatabaseBuildCompleted", on(ActionCompleted, func(_ context.Context, r *BuildRow, e dbbuild.BuildCompleted, ev clinops.Event) error {
		r.Status = dbbuild.StatusCompleted
		r.FormsConfigured = e.FormsConfigured
		r.TablesCreated = e.TablesCreated
		r.ValidationStatus = summarize(e.Validation)
		r.FinishedAt = at(ev.Timestamp)
		return nil
	}))

	p.handle("StudyDatabaseBuildFailed", on(ActionFailed, func(_ context.Context, r *BuildRow, e dbbuild.BuildFailed, ev clinops.Event) error {
		r.Status = dbbuild.StatusFailed
		r.ErrorMessage = e.ErrorMessage
		if len(e.ValidationErrors) > 0 {
			r.ErrorMessage += ": " + strings.Join(e.ValidationErrors, "; ")
		}
		r.FinishedAt = at(ev.Timestamp)
		return nil
	}))

	p.handle("StudyDatabaseBuildCancelled", on(ActionCancelled, func(_ context.Context, r *BuildRow, e dbbuild.BuildCancelled, ev clinops.Event) error {
		r.Status = dbbuild.StatusCancelled
		r.ErrorMessage = e.Reason
		r.FinishedAt = at(ev.Timestamp)
		return nil
	}))
	return p
}

func summarize(v dbbuild.ValidationResult) string {
	if v.Valid {
		return ValidationPassed
	}
	return ValidationFailed
}
