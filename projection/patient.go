package projection

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/patient"
)

// NewPatientProjector maintains the patients table and, from the same events,
// the enrollments table.
func NewPatientProjector(rows clinops.ReadModelRepository[PatientRow], enrollments clinops.ReadModelRepository[EnrollmentRow], deps Deps) *Projector[PatientRow] {
	p := newProjector("patient", patient.Family, patient.Family, rows, func(id string) *PatientRow { return &PatientRow{ID: id} }, deps)
	p.resets = append(p.resets, enrollments.Clear)

	p.handle("PatientRegistered", on(ActionCreated, func(_ context.Context, r *PatientRow, e patient.PatientRegistered, ev clinops.Event) error {
		r.PatientNumber = e.PatientNumber
		r.FirstName = e.FirstName
		r.LastName = e.LastName
		r.DateOfBirth = e.DateOfBirth
		r.Gender = e.Gender
		r.Phone = e.Phone
		r.Email = e.Email
		r.Status = patient.StatusRegistered
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("PatientEnrolled", on(ActionEnrolled, func(ctx context.Context, r *PatientRow, e patient.PatientEnrolled, ev clinops.Event) error {
		r.UpdatedAt = ev.Timestamp
		return enrollments.Upsert(ctx, &EnrollmentRow{
			ID:              e.EnrollmentID,
			PatientID:       ev.AggregateID,
			StudyID:         e.StudyID,
			SiteID:          e.SiteID,
			ScreeningNumber: e.ScreeningNumber,
			EnrollmentDate:  e.EnrollmentDate,
			EnrolledBy:      ev.ActorID(),
		})
	}))

	p.handle("PatientStatusChanged", on(ActionStatusChanged, func(_ context.Context, r *PatientRow, e patient.PatientStatusChanged, ev clinops.Event) error {
		r.Status = e.To
		r.StatusReason = e.Reason
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("PatientDemographicsUpdated", on(ActionUpdated, func(_ context.Context, r *PatientRow, e patient.PatientDemographicsUpdated, ev clinops.Event) error {
		if e.FirstName != "" {
			r.FirstName = e.FirstName
		}
		if e.LastName != "" {
			r.LastName = e.LastName
		}
		if e.DateOfBirth != nil {
			r.DateOfBirth = *e.DateOfBirth
		}
		if e.Gender != "" {
			r.Gender = e.Gender
		}
		if e.Phone != "" {
			r.Phone = e.Phone
		}
		if e.Email != "" {
			r.Email = e.Email
		}
		r.UpdatedAt = ev.Timestamp
		return nil
	}))
	return p
}
