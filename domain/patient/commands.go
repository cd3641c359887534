package patient

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// RegisterPatient records a new patient.
type RegisterPatient struct {
	clinops.CommandBase
	PatientID     string    `json:"patientId"`
	PatientNumber string    `json:"patientNumber" validate:"required"`
	FirstName     string    `json:"firstName" validate:"required"`
	LastName      string    `json:"lastName" validate:"required"`
	DateOfBirth   time.Time `json:"dateOfBirth"`
	Gender        string    `json:"gender" validate:"required,oneof=MALE FEMALE OTHER UNKNOWN"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email" validate:"omitempty,email"`
}

func (RegisterPatient) CommandType() string   { return "RegisterPatient" }
func (c RegisterPatient) AggregateID() string { return c.PatientID }
func (c RegisterPatient) Validate() error {
	return domain.Check(c.CommandType()).
		That(!c.DateOfBirth.IsZero(), "dateOfBirth", "is required").
		That(!domain.Blank(c.Phone) || !domain.Blank(c.Email), "phone", "phone or email is required").
		Err()
}

// EnrollPatient enrolls a patient in a study.
type EnrollPatient struct {
	clinops.CommandBase
	PatientID       string    `json:"patientId" validate:"required"`
	StudyID         string    `json:"studyId" validate:"required"`
	SiteID          string    `json:"siteId" validate:"required"`
	ScreeningNumber string    `json:"screeningNumber" validate:"required"`
	EnrollmentDate  time.Time `json:"enrollmentDate"`
}

func (EnrollPatient) CommandType() string   { return "EnrollPatient" }
func (c EnrollPatient) AggregateID() string { return c.PatientID }
func (EnrollPatient) Validate() error       { return nil }

// ChangePatientStatus moves a patient along its lifecycle.
type ChangePatientStatus struct {
	clinops.CommandBase
	PatientID string `json:"patientId" validate:"required"`
	NewStatus string `json:"newStatus" validate:"required,oneof=REGISTERED SCREENING ENROLLED ACTIVE COMPLETED WITHDRAWN"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes"`
}

func (ChangePatientStatus) CommandType() string   { return "ChangePatientStatus" }
func (c ChangePatientStatus) AggregateID() string { return c.PatientID }
func (c ChangePatientStatus) Validate() error {
	return domain.Check(c.CommandType()).Require("reason", c.Reason).Err()
}

// UpdatePatientDemographics merges the non-empty fields into the patient.
type UpdatePatientDemographics struct {
	clinops.CommandBase
	PatientID   string    `json:"patientId" validate:"required"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	DateOfBirth time.Time `json:"dateOfBirth"`
	Gender      string    `json:"gender" validate:"omitempty,oneof=MALE FEMALE OTHER UNKNOWN"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email" validate:"omitempty,email"`
}

func (UpdatePatientDemographics) CommandType() string   { return "UpdatePatientDemographics" }
func (c UpdatePatientDemographics) AggregateID() string { return c.PatientID }
func (UpdatePatientDemographics) Validate() error       { return nil }

// RegisterHandlers registers the patient command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[RegisterPatient, *Patient]{
		CommandType: "RegisterPatient",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd RegisterPatient, p *Patient) error {
			return p.Register(cmd.PatientNumber, Demographics{
				FirstName:   cmd.FirstName,
				LastName:    cmd.LastName,
				DateOfBirth: cmd.DateOfBirth,
				Gender:      cmd.Gender,
				Phone:       cmd.Phone,
				Email:       cmd.Email,
			}, deps.Clock(), deps.Snapshot().MinimumEnrollmentAge())
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[EnrollPatient, *Patient]{
		CommandType: "EnrollPatient",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd EnrollPatient, p *Patient) error {
			date := cmd.EnrollmentDate
			if date.IsZero() {
				date = deps.Clock()
			}
			_, err := p.Enroll(cmd.StudyID, cmd.SiteID, cmd.ScreeningNumber, date)
			return err
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ChangePatientStatus, *Patient]{
		CommandType: "ChangePatientStatus",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ChangePatientStatus, p *Patient) error {
			return p.ChangeStatus(cmd.NewStatus, cmd.Reason, cmd.Notes)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdatePatientDemographics, *Patient]{
		CommandType: "UpdatePatientDemographics",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdatePatientDemographics, p *Patient) error {
			return p.UpdateDemographics(Demographics{
				FirstName:   cmd.FirstName,
				LastName:    cmd.LastName,
				DateOfBirth: cmd.DateOfBirth,
				Gender:      cmd.Gender,
				Phone:       cmd.Phone,
				Email:       cmd.Email,
			}, deps.Clock(), deps.Snapshot().MinimumEnrollmentAge())
		},
	}))
}
