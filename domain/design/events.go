// Package design is the StudyDesign aggregate: the arms, visit definitions and
// form assignments of one study. The design shares its identifier with the
// study it belongs to.
package design

import "github.com/clinprecision/clinops-core"

// Family is the stream family of study designs.
const Family = "StudyDesign"

type StudyDesignInitialized struct {
	StudyDesignID string `json:"studyDesignId"`
	StudyID       string `json:"studyId"`
	StudyName     string `json:"studyName,omitempty"`
}

func (StudyDesignInitialized) EventType() string { return "StudyDesignInitialized" }

type StudyArmAdded struct {
	StudyDesignID   string `json:"studyDesignId"`
	ArmID           string `json:"armId"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Type            string `json:"type,omitempty"`
	SequenceNumber  int    `json:"sequenceNumber"`
	PlannedSubjects int    `json:"plannedSubjects,omitempty"`
}

func (StudyArmAdded) EventType() string { return "StudyArmAdded" }

type StudyArmUpdated struct {
	StudyDesignID   string `json:"studyDesignId"`
	ArmID           string `json:"armId"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	PlannedSubjects int    `json:"plannedSubjects,omitempty"`
}

func (StudyArmUpdated) EventType() string { return "StudyArmUpdated" }

type StudyArmRemoved struct {
	StudyDesignID string `json:"studyDesignId"`
	ArmID         string `json:"armId"`
	Reason        string `json:"reason,omitempty"`
}

func (StudyArmRemoved) EventType() string { return "StudyArmRemoved" }

// VisitDefined adds a visit definition. ArmID is empty for visits common to
// every arm.
type VisitDefined struct {
	StudyDesignID     string `json:"studyDesignId"`
	StudyID           string `json:"studyId"`
	VisitDefinitionID string `json:"visitDefinitionId"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Timepoint         int    `json:"timepoint"`
	WindowBefore      int    `json:"windowBefore,omitempty"`
	WindowAfter       int    `json:"windowAfter,omitempty"`
	VisitType         string `json:"visitType"`
	Required          bool   `json:"required"`
	SequenceNumber    int    `json:"sequenceNumber"`
	ArmID             string `json:"armId,omitempty"`
}

func (VisitDefined) EventType() string { return "VisitDefined" }

type VisitUpdated struct {
	StudyDesignID     string `json:"studyDesignId"`
	VisitDefinitionID string `json:"visitDefinitionId"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Timepoint         int    `json:"timepoint"`
	WindowBefore      int    `json:"windowBefore,omitempty"`
	WindowAfter       int    `json:"windowAfter,omitempty"`
	VisitType         string `json:"visitType"`
	Required          bool   `json:"required"`
}

func (VisitUpdated) EventType() string { return "VisitUpdated" }

type VisitRemoved struct {
	StudyDesignID     string `json:"studyDesignId"`
	VisitDefinitionID string `json:"visitDefinitionId"`
	Reason            string `json:"reason,omitempty"`
}

func (VisitRemoved) EventType() string { return "VisitRemoved" }

type FormAssignedToVisit struct {
	StudyDesignID     string `json:"studyDesignId"`
	AssignmentID      string `json:"assignmentId"`
	VisitDefinitionID string `json:"visitDefinitionId"`
	FormID            string `json:"formId"`
	Required          bool   `json:"required"`
	Conditional       bool   `json:"conditional,omitempty"`
	ConditionalLogic  string `json:"conditionalLogic,omitempty"`
	DisplayOrder      int    `json:"displayOrder"`
	Instructions      string `json:"instructions,omitempty"`
}

func (FormAssignedToVisit) EventType() string { return "FormAssignedToVisit" }

type FormAssignmentUpdated struct {
	StudyDesignID    string `json:"studyDesignId"`
	AssignmentID     string `json:"assignmentId"`
	Required         bool   `json:"required"`
	Conditional      bool   `json:"conditional,omitempty"`
	ConditionalLogic string `json:"conditionalLogic,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
}

func (FormAssignmentUpdated) EventType() string { return "FormAssignmentUpdated" }

type FormAssignmentRemoved struct {
	StudyDesignID string `json:"studyDesignId"`
	AssignmentID  string `json:"assignmentId"`
	Reason        string `json:"reason,omitempty"`
}

func (FormAssignmentRemoved) EventType() string { return "FormAssignmentRemoved" }

// RegisterEvents adds the design events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[StudyDesignInitialized](reg, Family)
	clinops.Register[StudyArmAdded](reg, Family)
	clinops.Register[StudyArmUpdated](reg, Family)
	clinops.Register[StudyArmRemoved](reg, Family)
	clinops.Register[VisitDefined](reg, Family)
	clinops.Register[VisitUpdated](reg, Family)
	clinops.Register[VisitRemoved](reg, Family)
	clinops.Register[FormAssignedToVisit](reg, Family)
	clinops.Register[FormAssignmentUpdated](reg, Family)
	clinops.Register[FormAssignmentRemoved](reg, Family)
}
