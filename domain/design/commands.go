package design

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// InitializeStudyDesign opens the design of a study.
type InitializeStudyDesign struct {
	clinops.CommandBase
	StudyID   string `json:"studyId" validate:"required"`
	StudyName string `json:"studyName"`
}

func (InitializeStudyDesign) CommandType() string   { return "InitializeStudyDesign" }
func (c InitializeStudyDesign) AggregateID() string { return c.StudyID }
func (InitializeStudyDesign) Validate() error       { return nil }

// AddStudyArm adds an arm. ArmID may be empty to have one assigned.
type AddStudyArm struct {
	clinops.CommandBase
	StudyID         string `json:"studyId" validate:"required"`
	ArmID           string `json:"armId"`
	Name            string `json:"name" validate:"required"`
	Description     string `json:"description"`
	Type            string `json:"type" validate:"omitempty,oneof=EXPERIMENTAL ACTIVE_COMPARATOR PLACEBO_COMPARATOR SHAM_COMPARATOR NO_INTERVENTION OTHER"`
	SequenceNumber  int    `json:"sequenceNumber" validate:"gt=0"`
	PlannedSubjects int    `json:"plannedSubjects" validate:"min=0"`
}

func (AddStudyArm) CommandType() string   { return "AddStudyArm" }
func (c AddStudyArm) AggregateID() string { return c.StudyID }
func (c AddStudyArm) Validate() error {
	return domain.Check(c.CommandType()).Require("name", c.Name).Err()
}

type UpdateStudyArm struct {
	clinops.CommandBase
	StudyID         string `json:"studyId" validate:"required"`
	ArmID           string `json:"armId" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Description     string `json:"description"`
	PlannedSubjects int    `json:"plannedSubjects" validate:"min=0"`
}

func (UpdateStudyArm) CommandType() string   { return "UpdateStudyArm" }
func (c UpdateStudyArm) AggregateID() string { return c.StudyID }
func (UpdateStudyArm) Validate() error       { return nil }

type RemoveStudyArm struct {
	clinops.CommandBase
	StudyID string `json:"studyId" validate:"required"`
	ArmID   string `json:"armId" validate:"required"`
	Reason  string `json:"reason"`
}

func (RemoveStudyArm) CommandType() string   { return "RemoveStudyArm" }
func (c RemoveStudyArm) AggregateID() string { return c.StudyID }
func (RemoveStudyArm) Validate() error       { return nil }

// DefineVisit adds a visit definition. A zero SequenceNumber is derived from
// the visits already defined in the same scope.
type DefineVisit struct {
	clinops.CommandBase
	StudyID           string `json:"studyId" validate:"required"`
	VisitDefinitionID string `json:"visitDefinitionId"`
	ArmID             string `json:"armId"`
	Name              string `json:"name" validate:"required"`
	Description       string `json:"description"`
	Timepoint         int    `json:"timepoint"`
	WindowBefore      int    `json:"windowBefore" validate:"min=0"`
	WindowAfter       int    `json:"windowAfter" validate:"min=0"`
	VisitType         string `json:"visitType" validate:"required"`
	Required          bool   `json:"required"`
	SequenceNumber    int    `json:"sequenceNumber" validate:"min=0"`
}

func (DefineVisit) CommandType() string   { return "DefineVisit" }
func (c DefineVisit) AggregateID() string { return c.StudyID }
func (DefineVisit) Validate() error       { return nil }

type UpdateVisit struct {
	clinops.CommandBase
	StudyID           string `json:"studyId" validate:"required"`
	VisitDefinitionID string `json:"visitDefinitionId" validate:"required"`
	Name              string `json:"name" validate:"required"`
	Description       string `json:"description"`
	Timepoint         int    `json:"timepoint"`
	WindowBefore      int    `json:"windowBefore" validate:"min=0"`
	WindowAfter       int    `json:"windowAfter" validate:"min=0"`
	VisitType         string `json:"visitType" validate:"required"`
	Required          bool   `json:"required"`
}

func (UpdateVisit) CommandType() string   { return "UpdateVisit" }
func (c UpdateVisit) AggregateID() string { return c.StudyID }
func (UpdateVisit) Validate() error       { return nil }

type RemoveVisit struct {
	clinops.CommandBase
	StudyID           string `json:"studyId" validate:"required"`
	VisitDefinitionID string `json:"visitDefinitionId" validate:"required"`
	Reason            string `json:"reason"`
}

func (RemoveVisit) CommandType() string   { return "RemoveVisit" }
func (c RemoveVisit) AggregateID() string { return c.StudyID }
func (RemoveVisit) Validate() error       { return nil }

// AssignFormToVisit places a form on a visit definition.
type AssignFormToVisit struct {
	clinops.CommandBase
	StudyID           string `json:"studyId" validate:"required"`
	AssignmentID      string `json:"assignmentId"`
	VisitDefinitionID string `json:"visitDefinitionId" validate:"required"`
	FormID            string `json:"formId" validate:"required"`
	Required          bool   `json:"required"`
	Conditional       bool   `json:"conditional"`
	ConditionalLogic  string `json:"conditionalLogic"`
	DisplayOrder      int    `json:"displayOrder" validate:"gt=0"`
	Instructions      string `json:"instructions"`
}

func (AssignFormToVisit) CommandType() string   { return "AssignFormToVisit" }
func (c AssignFormToVisit) AggregateID() string { return c.StudyID }
func (c AssignFormToVisit) Validate() error {
	return domain.Check(c.CommandType()).
		That(!c.Conditional || !domain.Blank(c.ConditionalLogic), "conditionalLogic", "is required for conditional forms").
		Err()
}

type UpdateFormAssignment struct {
	clinops.CommandBase
	StudyID          string `json:"studyId" validate:"required"`
	AssignmentID     string `json:"assignmentId" validate:"required"`
	Required         bool   `json:"required"`
	Conditional      bool   `json:"conditional"`
	ConditionalLogic string `json:"conditionalLogic"`
	Instructions     string `json:"instructions"`
}

func (UpdateFormAssignment) CommandType() string   { return "UpdateFormAssignment" }
func (c UpdateFormAssignment) AggregateID() string { return c.StudyID }
func (c UpdateFormAssignment) Validate() error {
	return domain.Check(c.CommandType()).
		That(!c.Conditional || !domain.Blank(c.ConditionalLogic), "conditionalLogic", "is required for conditional forms").
		Err()
}

type RemoveFormAssignment struct {
	clinops.CommandBase
	StudyID      string `json:"studyId" validate:"required"`
	AssignmentID string `json:"assignmentId" validate:"required"`
	Reason       string `json:"reason"`
}

func (RemoveFormAssignment) CommandType() string   { return "RemoveFormAssignment" }
func (c RemoveFormAssignment) AggregateID() string { return c.StudyID }
func (RemoveFormAssignment) Validate() error       { return nil }

func idOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// RegisterHandlers registers the design command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	knownVisitType := func(cmdType, visitType string) error {
		if !deps.Snapshot().IsVisitType(visitType) {
			return clinops.NewValidationError(cmdType, "visitType", "unknown visit type "+visitType)
		}
		return nil
	}

	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[InitializeStudyDesign, *Design]{
		CommandType: "InitializeStudyDesign",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd InitializeStudyDesign, d *Design) error {
			return d.Initialize(cmd.StudyName)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[AddStudyArm, *Design]{
		CommandType: "AddStudyArm",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd AddStudyArm, d *Design) error {
			return d.AddArm(Arm{
				ID:              idOrNew(cmd.ArmID),
				Name:            cmd.Name,
				Description:     cmd.Description,
				Type:            cmd.Type,
				SequenceNumber:  cmd.SequenceNumber,
				PlannedSubjects: cmd.PlannedSubjects,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateStudyArm, *Design]{
		CommandType: "UpdateStudyArm",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateStudyArm, d *Design) error {
			return d.UpdateArm(cmd.ArmID, cmd.Name, cmd.Description, cmd.PlannedSubjects)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[RemoveStudyArm, *Design]{
		CommandType: "RemoveStudyArm",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd RemoveStudyArm, d *Design) error {
			return d.RemoveArm(cmd.ArmID, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[DefineVisit, *Design]{
		CommandType: "DefineVisit",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd DefineVisit, d *Design) error {
			if err := knownVisitType(cmd.CommandType(), cmd.VisitType); err != nil {
				return err
			}
			return d.DefineVisit(VisitDefinition{
				ID:             idOrNew(cmd.VisitDefinitionID),
				Name:           cmd.Name,
				Description:    cmd.Description,
				Timepoint:      cmd.Timepoint,
				WindowBefore:   cmd.WindowBefore,
				WindowAfter:    cmd.WindowAfter,
				VisitType:      cmd.VisitType,
				Required:       cmd.Required,
				SequenceNumber: cmd.SequenceNumber,
				ArmID:          cmd.ArmID,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateVisit, *Design]{
		CommandType: "UpdateVisit",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateVisit, d *Design) error {
			if err := knownVisitType(cmd.CommandType(), cmd.VisitType); err != nil {
				return err
			}
			return d.UpdateVisit(VisitDefinition{
				ID:           cmd.VisitDefinitionID,
				Name:         cmd.Name,
				Description:  cmd.Description,
				Timepoint:    cmd.Timepoint,
				WindowBefore: cmd.WindowBefore,
				WindowAfter:  cmd.WindowAfter,
				VisitType:    cmd.VisitType,
				Required:     cmd.Required,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[RemoveVisit, *Design]{
		CommandType: "RemoveVisit",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd RemoveVisit, d *Design) error {
			return d.RemoveVisit(cmd.VisitDefinitionID, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[AssignFormToVisit, *Design]{
		CommandType: "AssignFormToVisit",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd AssignFormToVisit, d *Design) error {
			return d.AssignForm(FormAssignment{
				ID:                idOrNew(cmd.AssignmentID),
				VisitDefinitionID: cmd.VisitDefinitionID,
				FormID:            cmd.FormID,
				Required:          cmd.Required,
				Conditional:       cmd.Conditional,
				ConditionalLogic:  cmd.ConditionalLogic,
				DisplayOrder:      cmd.DisplayOrder,
				Instructions:      cmd.Instructions,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateFormAssignment, *Design]{
		CommandType: "UpdateFormAssignment",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateFormAssignment, d *Design) error {
			return d.UpdateFormAssignment(FormAssignment{
				ID:               cmd.AssignmentID,
				Required:         cmd.Required,
				Conditional:      cmd.Conditional,
				ConditionalLogic: cmd.ConditionalLogic,
				Instructions:     cmd.Instructions,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[RemoveFormAssignment, *Design]{
		CommandType: "RemoveFormAssignment",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd RemoveFormAssignment, d *Design) error {
			return d.RemoveFormAssignment(cmd.AssignmentID, cmd.Reason)
		},
	}))
}
