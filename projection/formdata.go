package projection

import (
	"context"
	"encoding/json"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/formdata"
)

// NewFormDataProjector maintains the form data table. Once the unit of work
// for a visit form has committed with the form complete, the visit is handed
// to eval.
func NewFormDataProjector(rows clinops.ReadModelRepository[FormDataRow], deps Deps, eval VisitEvaluator) *Projector[FormDataRow] {
	p := newProjector("formdata", formdata.Family, formdata.Family, rows, func(id string) *FormDataRow { return &FormDataRow{ID: id} }, deps)

	p.handle("FormDataSubmitted", on(ActionSubmitted, func(_ context.Context, r *FormDataRow, e formdata.FormDataSubmitted, ev clinops.Event) error {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		r.StudyID = e.StudyID
		r.FormID = e.FormID
		r.PatientID = e.PatientID
		r.VisitID = e.VisitID
		r.SiteID = e.SiteID
		r.Status = e.Status
		r.Data = data
		r.SubmittedBy = ev.ActorID()
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("FormDataUpdated", on(ActionUpdated, func(_ context.Context, r *FormDataRow, e formdata.FormDataUpdated, ev clinops.Event) error {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		r.Data = data
		r.Status = e.Status
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("FormDataLocked", on(ActionLocked, func(_ context.Context, r *FormDataRow, _ formdata.FormDataLocked, ev clinops.Event) error {
		r.Status = formdata.StatusLocked
		r.LockedAt = at(ev.Timestamp)
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	if eval != nil {
		p.after = func(ctx context.Context, ev clinops.Event, r *FormDataRow) error {
			if r.VisitID == "" || !formdata.Complete(r.Status) {
				return nil
			}
			return eval.Evaluate(ctx, r.VisitID, ev.ActorID())
		}
	}
	return p
}
