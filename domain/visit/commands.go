package visit

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// CreateVisit schedules a visit for a patient.
type CreateVisit struct {
	clinops.CommandBase
	VisitID           string    `json:"visitId"`
	PatientID         string    `json:"patientId" validate:"required"`
	StudyID           string    `json:"studyId" validate:"required"`
	SiteID            string    `json:"siteId" validate:"required"`
	VisitDefinitionID string    `json:"visitDefinitionId"`
	VisitType         string    `json:"visitType" validate:"required"`
	VisitDate         time.Time `json:"visitDate"`
	BuildID           string    `json:"buildId"`
	Notes             string    `json:"notes"`
}

func (CreateVisit) CommandType() string   { return "CreateVisit" }
func (c CreateVisit) AggregateID() string { return c.VisitID }
func (c CreateVisit) Validate() error {
	return domain.Check(c.CommandType()).
		That(!c.VisitDate.IsZero(), "visitDate", "is required").
		Err()
}

// ChangeVisitStatus moves a visit along its lifecycle.
type ChangeVisitStatus struct {
	clinops.CommandBase
	VisitID   string `json:"visitId" validate:"required"`
	NewStatus string `json:"newStatus" validate:"required,oneof=SCHEDULED RESCHEDULED IN_PROGRESS COMPLETED MISSED CANCELLED"`
	Reason    string `json:"reason" validate:"required"`
}

func (ChangeVisitStatus) CommandType() string   { return "ChangeVisitStatus" }
func (c ChangeVisitStatus) AggregateID() string { return c.VisitID }
func (c ChangeVisitStatus) Validate() error {
	return domain.Check(c.CommandType()).Require("reason", c.Reason).Err()
}

// RegisterHandlers registers the visit command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[CreateVisit, *Visit]{
		CommandType: "CreateVisit",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd CreateVisit, v *Visit) error {
			if !deps.Snapshot().IsVisitType(cmd.VisitType) {
				return clinops.NewValidationError(cmd.CommandType(), "visitType", "unknown visit type "+cmd.VisitType)
			}
			return v.Create(Schedule{
				PatientID:         cmd.PatientID,
				StudyID:           cmd.StudyID,
				SiteID:            cmd.SiteID,
				VisitDefinitionID: cmd.VisitDefinitionID,
				VisitType:         cmd.VisitType,
				VisitDate:         cmd.VisitDate,
				BuildID:           cmd.BuildID,
				Notes:             cmd.Notes,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ChangeVisitStatus, *Visit]{
		CommandType: "ChangeVisitStatus",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ChangeVisitStatus, v *Visit) error {
			return v.ChangeStatus(cmd.NewStatus, cmd.Reason)
		},
	}))
}
