package projection

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/design"
)

// The study design family feeds four tables. Each gets its own projector so
// that every event still produces exactly one row change and one audit
// record. The design ID is the study ID.

// NewDesignProjector maintains the study designs table.
func NewDesignProjector(rows clinops.ReadModelRepository[DesignRow], deps Deps) *Projector[DesignRow] {
	p := newProjector("design", design.Family, design.Family, rows, func(id string) *DesignRow { return &DesignRow{ID: id} }, deps)

	p.handle("StudyDesignInitialized", on(ActionCreated, func(_ context.Context, r *DesignRow, e design.StudyDesignInitialized, ev clinops.Event) error {
		r.StudyName = e.StudyName
		r.CreatedBy = ev.ActorID()
		r.CreatedAt = ev.Timestamp
		return nil
	}).creating())
	return p
}

// NewArmProjector maintains the study arms table.
func NewArmProjector(rows clinops.ReadModelRepository[ArmRow], deps Deps) *Projector[ArmRow] {
	p := newProjector("design-arms", design.Family, "StudyArm", rows, func(id string) *ArmRow { return &ArmRow{ID: id} }, deps)

	p.handle("StudyArmAdded", onKeyed(ActionArmAdded,
		func(_ clinops.Event, e design.StudyArmAdded) string { return e.ArmID },
		func(_ context.Context, r *ArmRow, e design.StudyArmAdded, ev clinops.Event) error {
			r.StudyID = ev.AggregateID
			r.Name = e.Name
			r.Description = e.Description
			r.Type = e.Type
			r.SequenceNumber = e.SequenceNumber
			r.PlannedSubjects = e.PlannedSubjects
			r.UpdatedAt = ev.Timestamp
			return nil
		}).creating())

	p.handle("StudyArmUpdated", onKeyed(ActionArmUpdated,
		func(_ clinops.Event, e design.StudyArmUpdated) string { return e.ArmID },
		func(_ context.Context, r *ArmRow, e design.StudyArmUpdated, ev clinops.Event) error {
			r.Name = e.Name
			r.Description = e.Description
			r.PlannedSubjects = e.PlannedSubjects
			r.UpdatedAt = ev.Timestamp
			return nil
		}))

	p.handle("StudyArmRemoved", onKeyed(ActionArmRemoved,
		func(_ clinops.Event, e design.StudyArmRemoved) string { return e.ArmID },
		func(_ context.Context, r *ArmRow, _ design.StudyArmRemoved, ev clinops.Event) error {
			r.Removed = true
			r.RemovedAt = at(ev.Timestamp)
			r.UpdatedAt = ev.Timestamp
			return nil
		}).deleting())
	return p
}

// NewVisitDefinitionProjector maintains the visit definitions table.
func NewVisitDefinitionProjector(rows clinops.ReadModelRepository[VisitDefinitionRow], deps Deps) *Projector[VisitDefinitionRow] {
	p := newProjector("design-visits", design.Family, "VisitDefinition", rows, func(id string) *VisitDefinitionRow { return &VisitDefinitionRow{ID: id} }, deps)

	p.handle("VisitDefined", onKeyed(ActionVisitDefined,
		func(_ clinops.Event, e design.VisitDefined) string { return e.VisitDefinitionID },
		func(_ context.Context, r *VisitDefinitionRow, e design.VisitDefined, ev clinops.Event) error {
			r.StudyID = ev.AggregateID
			r.ArmID = e.ArmID
			r.Name = e.Name
			r.Description = e.Description
			r.Timepoint = e.Timepoint
			r.WindowBefore = e.WindowBefore
			r.WindowAfter = e.WindowAfter
			r.VisitType = e.VisitType
			r.Required = e.Required
			r.SequenceNumber = e.SequenceNumber
			r.UpdatedAt = ev.Timestamp
			return nil
		}).creating())

	p.handle("VisitUpdated", onKeyed(ActionVisitUpdated,
		func(_ clinops.Event, e design.VisitUpdated) string { return e.VisitDefinitionID },
		func(_ context.Context, r *VisitDefinitionRow, e design.VisitUpdated, ev clinops.Event) error {
			r.Name = e.Name
			r.Description = e.Description
			r.Timepoint = e.Timepoint
			r.WindowBefore = e.WindowBefore
			r.WindowAfter = e.WindowAfter
			r.VisitType = e.VisitType
			r.Required = e.Required
			r.UpdatedAt = ev.Timestamp
			return nil
		}))

	p.handle("VisitRemoved", onKeyed(ActionVisitRemoved,
		func(_ clinops.Event, e design.VisitRemoved) string { return e.VisitDefinitionID },
		func(_ context.Context, r *VisitDefinitionRow, _ design.VisitRemoved, ev clinops.Event) error {
			r.Removed = true
			r.RemovedAt = at(ev.Timestamp)
			r.UpdatedAt = ev.Timestamp
			return nil
		}).deleting())
	return p
}

// NewFormAssignmentProjector maintains the visit form assignments table.
func NewFormAssignmentProjector(rows clinops.ReadModelRepository[FormAssignmentRow], deps Deps) *Projector[FormAssignmentRow] {
	p := newProjector("design-forms", design.Family, "FormAssignment", rows, func(id string) *FormAssignmentRow { return &FormAssignmentRow{ID: id} }, deps)

	p.handle("FormAssignedToVisit", onKeyed(ActionFormAssigned,
		func(_ clinops.Event, e design.FormAssignedToVisit) string { return e.AssignmentID },
		func(_ context.Context, r *FormAssignmentRow, e design.FormAssignedToVisit, ev clinops.Event) error {
			r.StudyID = ev.AggregateID
			r.VisitDefinitionID = e.VisitDefinitionID
			r.FormID = e.FormID
			r.Required = e.Required
			r.Conditional = e.Conditional
			r.ConditionalLogic = e.ConditionalLogic
			r.DisplayOrder = e.DisplayOrder
			r.Instructions = e.Instructions
			r.UpdatedAt = ev.Timestamp
			return nil
		}).creating())

	p.handle("FormAssignmentUpdated", onKeyed(ActionFormUpdated,
		func(_ clinops.Event, e design.FormAssignmentUpdated) string { return e.AssignmentID },
		func(_ context.Context, r *FormAssignmentRow, e design.FormAssignmentUpdated, ev clinops.Event) error {
			r.Required = e.Required
			r.Conditional = e.Conditional
			r.ConditionalLogic = e.ConditionalLogic
			r.Instructions = e.Instructions
			r.UpdatedAt = ev.Timestamp
			return nil
		}))

	p.handle("FormAssignmentRemoved", onKeyed(ActionFormRemoved,
		func(_ clinops.Event, e design.FormAssignmentRemoved) string { return e.AssignmentID },
		func(_ context.Context, r *FormAssignmentRow, _ design.FormAssignmentRemoved, ev clinops.Event) error {
			r.Removed = true
			r.RemovedAt = at(ev.Timestamp)
			r.UpdatedAt = ev.Timestamp
			return nil
		}).deleting())
	return p
}
