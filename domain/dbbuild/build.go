package dbbuild

import (
	"strings"

	"github.com/clinprecision/clinops-core"
)

// Build statuses.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

// Build is the aggregate.
type Build struct {
	clinops.AggregateBase

	StudyID         string
	StudyName       string
	StudyProtocol   string
	FormDefinitions int
	ValidationRules int
	FormsConfigured int
	Status          string
	LastValidation  *ValidationResult
}

// New returns an empty build ready for replay.
func New(id string) *Build {
	return &Build{AggregateBase: clinops.NewAggregateBase(id, Family)}
}

func (b *Build) record(e clinops.DomainEvent) {
	_ = b.ApplyEvent(e)
	b.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (b *Build) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case BuildStarted:
		b.StudyID = e.StudyID
		b.StudyName = e.StudyName
		b.StudyProtocol = e.StudyProtocol
		b.FormDefinitions = e.FormDefinitions
		b.ValidationRules = e.ValidationRules
		b.Status = StatusInProgress
	case BuildValidated:
		result := e.Result
		b.LastValidation = &result
	case BuildCompleted:
		b.Status = StatusCompleted
		b.FormsConfigured = e.FormsConfigured
	case BuildFailed:
		b.Status = StatusFailed
	case BuildCancelled:
		b.Status = StatusCancelled
	}
	return nil
}

func (b *Build) requireInProgress(to string) error {
	if b.Status != StatusInProgress {
		return clinops.NewInvalidStateTransition(Family, b.AggregateID(), b.Status, to, "build is not in progress")
	}
	return nil
}

// Spec is the input of a new build.
type Spec struct {
	StudyID         string
	StudyName       string
	StudyProtocol   string
	FormDefinitions int
	ValidationRules int
}

// Start opens the build. The one-build-in-progress-per-study rule is checked
// outside the aggregate.
func (b *Build) Start(s Spec) error {
	b.record(BuildStarted{
		BuildID:         b.AggregateID(),
		StudyID:         s.StudyID,
		StudyName:       s.StudyName,
		StudyProtocol:   s.StudyProtocol,
		FormDefinitions: s.FormDefinitions,
		ValidationRules: s.ValidationRules,
	})
	return nil
}

// ValidationOptions selects the checks of a validation run.
type ValidationOptions struct {
	StrictMode       bool
	ComplianceCheck  bool
	PerformanceCheck bool
}

// RecordValidation stores a validation run on an in-progress or completed build.
func (b *Build) RecordValidation(opts ValidationOptions, result ValidationResult) error {
	if b.Status != StatusInProgress && b.Status != StatusCompleted {
		return clinops.NewInvalidStateTransition(Family, b.AggregateID(), b.Status, b.Status, "only IN_PROGRESS or COMPLETED builds can be validated")
	}
	if !opts.StrictMode && !opts.ComplianceCheck && !opts.PerformanceCheck {
		return clinops.NewValidationError("ValidateStudyDatabaseBuild", "", "at least one check must be enabled")
	}
	b.record(BuildValidated{
		BuildID:          b.AggregateID(),
		StudyID:          b.StudyID,
		StrictMode:       opts.StrictMode,
		ComplianceCheck:  opts.ComplianceCheck,
		PerformanceCheck: opts.PerformanceCheck,
		Result:           result,
	})
	return nil
}

// Complete finishes the build. The validation result must be valid.
func (b *Build) Complete(formsConfigured, tablesCreated int, validation ValidationResult) error {
	if err := b.requireInProgress(StatusCompleted); err != nil {
		return err
	}
	if !validation.Valid {
		return clinops.NewPreconditionError("build-validation",
			"build "+b.AggregateID()+" cannot complete with validation errors: "+strings.Join(validation.Errors, "; "))
	}
	b.record(BuildCompleted{
		BuildID:         b.AggregateID(),
		StudyID:         b.StudyID,
		FormsConfigured: formsConfigured,
		TablesCreated:   tablesCreated,
		Validation:      validation,
	})
	return nil
}

// Fail ends the build with an error.
func (b *Build) Fail(message string, validationErrors []string) error {
	if err := b.requireInProgress(StatusFailed); err != nil {
		return err
	}
	b.record(BuildFailed{BuildID: b.AggregateID(), StudyID: b.StudyID, ErrorMessage: message, ValidationErrors: validationErrors})
	return nil
}

// Cancel abandons the build.
func (b *Build) Cancel(reason string) error {
	if err := b.requireInProgress(StatusCancelled); err != nil {
		return err
	}
	b.record(BuildCancelled{BuildID: b.AggregateID(), StudyID: b.StudyID, Reason: reason})
	return nil
}
