package projection

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/study"
)

// NewStudyProjector maintains the studies table.
func NewStudyProjector(rows clinops.ReadModelRepository[StudyRow], deps Deps) *Projector[StudyRow] {
	p := newProjector("study", study.Family, study.Family, rows, func(id string) *StudyRow { return &StudyRow{ID: id} }, deps)

	p.handle("StudyCreated", on(ActionCreated, func(_ context.Context, r *StudyRow, e study.StudyCreated, ev clinops.Event) error {
		r.Name = e.Name
		r.ProtocolNumber = e.ProtocolNumber
		r.Sponsor = e.Sponsor
		r.Description = e.Description
		r.Status = study.StatusPlanning
		r.CreatedBy = ev.ActorID()
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("StudyStatusChanged", on(ActionStatusChanged, func(_ context.Context, r *StudyRow, e study.StudyStatusChanged, ev clinops.Event) error {
		r.Status = e.To
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("StudyDetailsUpdated", on(ActionUpdated, func(_ context.Context, r *StudyRow, e study.StudyDetailsUpdated, ev clinops.Event) error {
		if e.Name != "" {
			r.Name = e.Name
		}
		if e.Sponsor != "" {
			r.Sponsor = e.Sponsor
		}
		if e.Description != "" {
			r.Description = e.Description
		}
		r.UpdatedAt = ev.Timestamp
		return nil
	}))
	return p
}

func at(t time.Time) *time.Time {
	return &t
}
