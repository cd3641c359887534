package dbbuild

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// StartStudyDatabaseBuild opens a build for a study.
type StartStudyDatabaseBuild struct {
	clinops.CommandBase
	BuildID         string `json:"buildId"`
	StudyID         string `json:"studyId" validate:"required"`
	StudyName       string `json:"studyName" validate:"required"`
	StudyProtocol   string `json:"studyProtocol" validate:"required"`
	FormDefinitions int    `json:"formDefinitions" validate:"gt=0"`
	ValidationRules int    `json:"validationRules" validate:"gt=0"`
}

func (StartStudyDatabaseBuild) CommandType() string    { return "StartStudyDatabaseBuild" }
func (c StartStudyDatabaseBuild) AggregateID() string  { return c.BuildID }
func (c StartStudyDatabaseBuild) LockScopes() []string { return []string{domain.StudyScope(c.StudyID)} }
func (StartStudyDatabaseBuild) Validate() error        { return nil }

// ValidateStudyDatabaseBuild records a validation run.
type ValidateStudyDatabaseBuild struct {
	clinops.CommandBase
	BuildID          string           `json:"buildId" validate:"required"`
	StrictMode       bool             `json:"strictMode"`
	ComplianceCheck  bool             `json:"complianceCheck"`
	PerformanceCheck bool             `json:"performanceCheck"`
	Result           ValidationResult `json:"result"`
}

func (ValidateStudyDatabaseBuild) CommandType() string   { return "ValidateStudyDatabaseBuild" }
func (c ValidateStudyDatabaseBuild) AggregateID() string { return c.BuildID }
func (c ValidateStudyDatabaseBuild) Validate() error {
	return domain.Check(c.CommandType()).
		That(c.StrictMode || c.ComplianceCheck || c.PerformanceCheck, "", "at least one check must be enabled").
		Err()
}

// CompleteStudyDatabaseBuild finishes a build.
type CompleteStudyDatabaseBuild struct {
	clinops.CommandBase
	BuildID         string           `json:"buildId" validate:"required"`
	FormsConfigured int              `json:"formsConfigured" validate:"gt=0"`
	TablesCreated   int              `json:"tablesCreated" validate:"min=0"`
	Validation      ValidationResult `json:"validation"`
}

func (CompleteStudyDatabaseBuild) CommandType() string   { return "CompleteStudyDatabaseBuild" }
func (c CompleteStudyDatabaseBuild) AggregateID() string { return c.BuildID }
func (CompleteStudyDatabaseBuild) Validate() error       { return nil }

// FailStudyDatabaseBuild ends a build with an error.
type FailStudyDatabaseBuild struct {
	clinops.CommandBase
	BuildID          string   `json:"buildId" validate:"required"`
	ErrorMessage     string   `json:"errorMessage" validate:"required"`
	ValidationErrors []string `json:"validationErrors"`
}

func (FailStudyDatabaseBuild) CommandType() string   { return "FailStudyDatabaseBuild" }
func (c FailStudyDatabaseBuild) AggregateID() string { return c.BuildID }
func (FailStudyDatabaseBuild) Validate() error       { return nil }

// CancelStudyDatabaseBuild abandons a build.
type CancelStudyDatabaseBuild struct {
	clinops.CommandBase
	BuildID string `json:"buildId" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

func (CancelStudyDatabaseBuild) CommandType() string   { return "CancelStudyDatabaseBuild" }
func (c CancelStudyDatabaseBuild) AggregateID() string { return c.BuildID }
func (CancelStudyDatabaseBuild) Validate() error       { return nil }

// RegisterHandlers registers the build command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[StartStudyDatabaseBuild, *Build]{
		CommandType: "StartStudyDatabaseBuild",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd StartStudyDatabaseBuild, b *Build) error {
			return b.Start(Spec{
				StudyID:         cmd.StudyID,
				StudyName:       cmd.StudyName,
				StudyProtocol:   cmd.StudyProtocol,
				FormDefinitions: cmd.FormDefinitions,
				ValidationRules: cmd.ValidationRules,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ValidateStudyDatabaseBuild, *Build]{
		CommandType: "ValidateStudyDatabaseBuild",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ValidateStudyDatabaseBuild, b *Build) error {
			return b.RecordValidation(ValidationOptions{
				StrictMode:       cmd.StrictMode,
				ComplianceCheck:  cmd.ComplianceCheck,
				PerformanceCheck: cmd.PerformanceCheck,
			}, cmd.Result)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[CompleteStudyDatabaseBuild, *Build]{
		CommandType: "CompleteStudyDatabaseBuild",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd CompleteStudyDatabaseBuild, b *Build) error {
			return b.Complete(cmd.FormsConfigured, cmd.TablesCreated, cmd.Validation)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[FailStudyDatabaseBuild, *Build]{
		CommandType: "FailStudyDatabaseBuild",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd FailStudyDatabaseBuild, b *Build) error {
			return b.Fail(cmd.ErrorMessage, cmd.ValidationErrors)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[CancelStudyDatabaseBuild, *Build]{
		CommandType: "CancelStudyDatabaseBuild",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd CancelStudyDatabaseBuild, b *Build) error {
			return b.Cancel(cmd.Reason)
		},
	}))
}
