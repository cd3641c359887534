package projection

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/visit"
)

// VisitEvaluator re-checks whether a visit's required forms are all in and
// completes the visit if so. It must be safe to call any number of times.
type VisitEvaluator interface {
	Evaluate(ctx context.Context, visitID, actorID string) error
}

// NewVisitProjector maintains the patient visits table. When eval is set,
// a visit that moves into a non-terminal status is re-evaluated for
// completion, which covers forms submitted before the visit row existed.
func NewVisitProjector(rows clinops.ReadModelRepository[VisitRow], deps Deps, eval VisitEvaluator) *Projector[VisitRow] {
	p := newProjector("visit", visit.Family, visit.Family, rows, func(id string) *VisitRow { return &VisitRow{ID: id} }, deps)

	p.handle("VisitCreated", on(ActionCreated, func(_ context.Context, r *VisitRow, e visit.VisitCreated, ev clinops.Event) error {
		r.PatientID = e.PatientID
		r.StudyID = e.StudyID
		r.SiteID = e.SiteID
		r.VisitDefinitionID = e.VisitDefinitionID
		r.VisitType = e.VisitType
		r.VisitDate = e.VisitDate
		r.BuildID = e.BuildID
		r.Status = visit.StatusScheduled
		r.CreatedBy = ev.ActorID()
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("VisitStatusChanged", on(ActionStatusChanged, func(_ context.Context, r *VisitRow, e visit.VisitStatusChanged, ev clinops.Event) error {
		r.Status = e.To
		r.StatusReason = e.Reason
		if e.To == visit.StatusCompleted {
			r.CompletedAt = at(ev.Timestamp)
		}
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	if eval != nil {
		p.after = func(ctx context.Context, ev clinops.Event, r *VisitRow) error {
			if visit.Transitions.Terminal(r.Status) {
				return nil
			}
			return eval.Evaluate(ctx, r.ID, ev.ActorID())
		}
	}
	return p
}
