package study

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// CreateStudy opens a study. StudyID may be empty to have one assigned.
type CreateStudy struct {
	clinops.CommandBase
	StudyID        string `json:"studyId"`
	Name           string `json:"name" validate:"required"`
	ProtocolNumber string `json:"protocolNumber" validate:"required"`
	Sponsor        string `json:"sponsor" validate:"required"`
	Description    string `json:"description"`
}

func (CreateStudy) CommandType() string   { return "CreateStudy" }
func (c CreateStudy) AggregateID() string { return c.StudyID }
func (c CreateStudy) Validate() error {
	return domain.Check(c.CommandType()).
		Require("name", c.Name).
		Require("protocolNumber", c.ProtocolNumber).
		Err()
}

// ChangeStudyStatus moves a study along its lifecycle.
type ChangeStudyStatus struct {
	clinops.CommandBase
	StudyID   string `json:"studyId" validate:"required"`
	NewStatus string `json:"newStatus" validate:"required,oneof=PLANNING APPROVED ACTIVE SUSPENDED COMPLETED TERMINATED WITHDRAWN"`
	Reason    string `json:"reason" validate:"required"`
}

func (ChangeStudyStatus) CommandType() string   { return "ChangeStudyStatus" }
func (c ChangeStudyStatus) AggregateID() string { return c.StudyID }
func (c ChangeStudyStatus) Validate() error {
	return domain.Check(c.CommandType()).Require("reason", c.Reason).Err()
}

// UpdateStudyDetails changes descriptive fields.
type UpdateStudyDetails struct {
	clinops.CommandBase
	StudyID     string `json:"studyId" validate:"required"`
	Name        string `json:"name"`
	Sponsor     string `json:"sponsor"`
	Description string `json:"description"`
}

func (UpdateStudyDetails) CommandType() string   { return "UpdateStudyDetails" }
func (c UpdateStudyDetails) AggregateID() string { return c.StudyID }
func (c UpdateStudyDetails) Validate() error {
	return domain.Check(c.CommandType()).
		That(!domain.Blank(c.Name) || !domain.Blank(c.Sponsor) || !domain.Blank(c.Description), "", "at least one field must change").
		Err()
}

// RegisterHandlers registers the study command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[CreateStudy, *Study]{
		CommandType: "CreateStudy",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd CreateStudy, s *Study) error {
			return s.Create(cmd.Name, cmd.ProtocolNumber, cmd.Sponsor, cmd.Description)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ChangeStudyStatus, *Study]{
		CommandType: "ChangeStudyStatus",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ChangeStudyStatus, s *Study) error {
			return s.ChangeStatus(cmd.NewStatus, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateStudyDetails, *Study]{
		CommandType: "UpdateStudyDetails",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateStudyDetails, s *Study) error {
			return s.UpdateDetails(cmd.Name, cmd.Sponsor, cmd.Description)
		},
	}))
}
