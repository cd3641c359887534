package design

import (
	"fmt"
	"strings"

	"github.com/clinprecision/clinops-core"
)

// Arm is a treatment arm.
type Arm struct {
	ID              string
	Name            string
	Description     string
	Type            string
	SequenceNumber  int
	PlannedSubjects int
}

// VisitDefinition is a planned visit. ArmID is empty for common visits.
type VisitDefinition struct {
	ID             string
	Name           string
	Description    string
	Timepoint      int
	WindowBefore   int
	WindowAfter    int
	VisitType      string
	Required       bool
	SequenceNumber int
	ArmID          string
}

// FormAssignment places a form on a visit definition.
type FormAssignment struct {
	ID                string
	VisitDefinitionID string
	FormID            string
	Required          bool
	Conditional       bool
	ConditionalLogic  string
	DisplayOrder      int
	Instructions      string
}

// Design is the aggregate.
type Design struct {
	clinops.AggregateBase

	StudyID     string
	StudyName   string
	Arms        map[string]Arm
	Visits      map[string]VisitDefinition
	Assignments map[string]FormAssignment
}

// New returns an empty design ready for replay.
func New(id string) *Design {
	return &Design{
		AggregateBase: clinops.NewAggregateBase(id, Family),
		Arms:          make(map[string]Arm),
		Visits:        make(map[string]VisitDefinition),
		Assignments:   make(map[string]FormAssignment),
	}
}

func (d *Design) record(e clinops.DomainEvent) {
	_ = d.ApplyEvent(e)
	d.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (d *Design) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case StudyDesignInitialized:
		d.StudyID = e.StudyID
		d.StudyName = e.StudyName
	case StudyArmAdded:
		d.Arms[e.ArmID] = Arm{
			ID:              e.ArmID,
			Name:            e.Name,
			Description:     e.Description,
			Type:            e.Type,
			SequenceNumber:  e.SequenceNumber,
			PlannedSubjects: e.PlannedSubjects,
		}
	case StudyArmUpdated:
		if arm, ok := d.Arms[e.ArmID]; ok {
			arm.Name = e.Name
			arm.Description = e.Description
			arm.PlannedSubjects = e.PlannedSubjects
			d.Arms[e.ArmID] = arm
		}
	case StudyArmRemoved:
		delete(d.Arms, e.ArmID)
	case VisitDefined:
		d.Visits[e.VisitDefinitionID] = VisitDefinition{
			ID:             e.VisitDefinitionID,
			Name:           e.Name,
			Description:    e.Description,
			Timepoint:      e.Timepoint,
			WindowBefore:   e.WindowBefore,
			WindowAfter:    e.WindowAfter,
			VisitType:      e.VisitType,
			Required:       e.Required,
			SequenceNumber: e.SequenceNumber,
			ArmID:          e.ArmID,
		}
	case VisitUpdated:
		if v, ok := d.Visits[e.VisitDefinitionID]; ok {
			v.Name = e.Name
			v.Description = e.Description
			v.Timepoint = e.Timepoint
			v.WindowBefore = e.WindowBefore
			v.WindowAfter = e.WindowAfter
			v.VisitType = e.VisitType
			v.Required = e.Required
			d.Visits[e.VisitDefinitionID] = v
		}
	case VisitRemoved:
		delete(d.Visits, e.VisitDefinitionID)
	case FormAssignedToVisit:
		d.Assignments[e.AssignmentID] = FormAssignment{
			ID:                e.AssignmentID,
			VisitDefinitionID: e.VisitDefinitionID,
			FormID:            e.FormID,
			Required:          e.Required,
			Conditional:       e.Conditional,
			ConditionalLogic:  e.ConditionalLogic,
			DisplayOrder:      e.DisplayOrder,
			Instructions:      e.Instructions,
		}
	case FormAssignmentUpdated:
		if a, ok := d.Assignments[e.AssignmentID]; ok {
			a.Required = e.Required
			a.Conditional = e.Conditional
			a.ConditionalLogic = e.ConditionalLogic
			a.Instructions = e.Instructions
			d.Assignments[e.AssignmentID] = a
		}
	case FormAssignmentRemoved:
		delete(d.Assignments, e.AssignmentID)
	}
	return nil
}

// Initialize opens the design of a study. The design ID is the study ID.
func (d *Design) Initialize(studyName string) error {
	d.record(StudyDesignInitialized{StudyDesignID: d.AggregateID(), StudyID: d.AggregateID(), StudyName: studyName})
	return nil
}

func missing(kind, id string) error {
	return clinops.NewPreconditionError("design-reference", fmt.Sprintf("%s %s does not exist", kind, id))
}

func (d *Design) armNameTaken(name, except string) bool {
	for _, arm := range d.Arms {
		if arm.ID != except && strings.EqualFold(arm.Name, name) {
			return true
		}
	}
	return false
}

// AddArm adds an arm with a unique name and sequence number.
func (d *Design) AddArm(arm Arm) error {
	if _, ok := d.Arms[arm.ID]; ok {
		return clinops.NewValidationError("AddStudyArm", "armId", "arm "+arm.ID+" already exists")
	}
	if d.armNameTaken(arm.Name, "") {
		return clinops.NewValidationError("AddStudyArm", "name", fmt.Sprintf("arm with name '%s' already exists", arm.Name))
	}
	for _, other := range d.Arms {
		if other.SequenceNumber == arm.SequenceNumber {
			return clinops.NewValidationError("AddStudyArm", "sequenceNumber", fmt.Sprintf("arm with sequence number %d already exists", arm.SequenceNumber))
		}
	}
	d.record(StudyArmAdded{
		StudyDesignID:   d.AggregateID(),
		ArmID:           arm.ID,
		Name:            arm.Name,
		Description:     arm.Description,
		Type:            arm.Type,
		SequenceNumber:  arm.SequenceNumber,
		PlannedSubjects: arm.PlannedSubjects,
	})
	return nil
}

// UpdateArm renames or redescribes an arm.
func (d *Design) UpdateArm(armID, name, description string, plannedSubjects int) error {
	if _, ok := d.Arms[armID]; !ok {
		return missing("arm", armID)
	}
	if d.armNameTaken(name, armID) {
		return clinops.NewValidationError("UpdateStudyArm", "name", fmt.Sprintf("another arm with name '%s' already exists", name))
	}
	d.record(StudyArmUpdated{StudyDesignID: d.AggregateID(), ArmID: armID, Name: name, Description: description, PlannedSubjects: plannedSubjects})
	return nil
}

// RemoveArm removes an arm that has no arm-specific visits.
func (d *Design) RemoveArm(armID, reason string) error {
	if _, ok := d.Arms[armID]; !ok {
		return missing("arm", armID)
	}
	for _, v := range d.Visits {
		if v.ArmID == armID {
			return clinops.NewPreconditionError("design-dependency",
				fmt.Sprintf("arm %s has arm-specific visits; remove those visits first", armID))
		}
	}
	d.record(StudyArmRemoved{StudyDesignID: d.AggregateID(), ArmID: armID, Reason: reason})
	return nil
}

func (d *Design) visitNameTaken(armID, name, except string) bool {
	for _, v := range d.Visits {
		if v.ID != except && v.ArmID == armID && strings.EqualFold(v.Name, name) {
			return true
		}
	}
	return false
}

// NextVisitSequence is one past the highest visit sequence in the scope of
// armID. An empty armID is the common scope.
func (d *Design) NextVisitSequence(armID string) int {
	max := 0
	for _, v := range d.Visits {
		if v.ArmID == armID && v.SequenceNumber > max {
			max = v.SequenceNumber
		}
	}
	return max + 1
}

// DefineVisit adds a visit definition. A zero SequenceNumber takes the next
// free number in the visit's scope.
func (d *Design) DefineVisit(v VisitDefinition) error {
	if _, ok := d.Visits[v.ID]; ok {
		return clinops.NewValidationError("DefineVisit", "visitDefinitionId", "visit "+v.ID+" already exists")
	}
	if v.ArmID != "" {
		if _, ok := d.Arms[v.ArmID]; !ok {
			return missing("arm", v.ArmID)
		}
	}
	if v.SequenceNumber == 0 {
		v.SequenceNumber = d.NextVisitSequence(v.ArmID)
	}
	if d.visitNameTaken(v.ArmID, v.Name, "") {
		return clinops.NewValidationError("DefineVisit", "name", fmt.Sprintf("visit with name '%s' already exists in this scope", v.Name))
	}
	for _, other := range d.Visits {
		if other.ArmID == v.ArmID && other.SequenceNumber == v.SequenceNumber {
			return clinops.NewValidationError("DefineVisit", "sequenceNumber", fmt.Sprintf("visit with sequence number %d already exists in this scope", v.SequenceNumber))
		}
	}
	d.record(VisitDefined{
		StudyDesignID:     d.AggregateID(),
		StudyID:           d.StudyID,
		VisitDefinitionID: v.ID,
		Name:              v.Name,
		Description:       v.Description,
		Timepoint:         v.Timepoint,
		WindowBefore:      v.WindowBefore,
		WindowAfter:       v.WindowAfter,
		VisitType:         v.VisitType,
		Required:          v.Required,
		SequenceNumber:    v.SequenceNumber,
		ArmID:             v.ArmID,
	})
	return nil
}

// UpdateVisit replaces the descriptive fields of a visit definition. Its arm
// and sequence number do not change.
func (d *Design) UpdateVisit(v VisitDefinition) error {
	current, ok := d.Visits[v.ID]
	if !ok {
		return missing("visit", v.ID)
	}
	if d.visitNameTaken(current.ArmID, v.Name, v.ID) {
		return clinops.NewValidationError("UpdateVisit", "name", fmt.Sprintf("another visit with name '%s' already exists in this scope", v.Name))
	}
	d.record(VisitUpdated{
		StudyDesignID:     d.AggregateID(),
		VisitDefinitionID: v.ID,
		Name:              v.Name,
		Description:       v.Description,
		Timepoint:         v.Timepoint,
		WindowBefore:      v.WindowBefore,
		WindowAfter:       v.WindowAfter,
		VisitType:         v.VisitType,
		Required:          v.Required,
	})
	return nil
}

// RemoveVisit removes a visit definition that has no form assignments.
func (d *Design) RemoveVisit(visitID, reason string) error {
	if _, ok := d.Visits[visitID]; !ok {
		return missing("visit", visitID)
	}
	for _, a := range d.Assignments {
		if a.VisitDefinitionID == visitID {
			return clinops.NewPreconditionError("design-dependency",
				fmt.Sprintf("visit %s has form assignments; remove those assignments first", visitID))
		}
	}
	d.record(VisitRemoved{StudyDesignID: d.AggregateID(), VisitDefinitionID: visitID, Reason: reason})
	return nil
}

// AssignForm places a form on a visit definition. A form appears at most once
// per visit and display orders are unique per visit.
func (d *Design) AssignForm(a FormAssignment) error {
	if _, ok := d.Assignments[a.ID]; ok {
		return clinops.NewValidationError("AssignFormToVisit", "assignmentId", "assignment "+a.ID+" already exists")
	}
	if _, ok := d.Visits[a.VisitDefinitionID]; !ok {
		return missing("visit", a.VisitDefinitionID)
	}
	for _, other := range d.Assignments {
		if other.VisitDefinitionID != a.VisitDefinitionID {
			continue
		}
		if other.FormID == a.FormID {
			return clinops.NewValidationError("AssignFormToVisit", "formId",
				fmt.Sprintf("form %s is already assigned to visit %s", a.FormID, a.VisitDefinitionID))
		}
		if other.DisplayOrder == a.DisplayOrder {
			return clinops.NewValidationError("AssignFormToVisit", "displayOrder",
				fmt.Sprintf("display order %d is already used for visit %s", a.DisplayOrder, a.VisitDefinitionID))
		}
	}
	d.record(FormAssignedToVisit{
		StudyDesignID:     d.AggregateID(),
		AssignmentID:      a.ID,
		VisitDefinitionID: a.VisitDefinitionID,
		FormID:            a.FormID,
		Required:          a.Required,
		Conditional:       a.Conditional,
		ConditionalLogic:  a.ConditionalLogic,
		DisplayOrder:      a.DisplayOrder,
		Instructions:      a.Instructions,
	})
	return nil
}

// UpdateFormAssignment changes the flags and instructions of an assignment.
func (d *Design) UpdateFormAssignment(a FormAssignment) error {
	if _, ok := d.Assignments[a.ID]; !ok {
		return missing("form assignment", a.ID)
	}
	d.record(FormAssignmentUpdated{
		StudyDesignID:    d.AggregateID(),
		AssignmentID:     a.ID,
		Required:         a.Required,
		Conditional:      a.Conditional,
		ConditionalLogic: a.ConditionalLogic,
		Instructions:     a.Instructions,
	})
	return nil
}

// RemoveFormAssignment removes an assignment.
func (d *Design) RemoveFormAssignment(assignmentID, reason string) error {
	if _, ok := d.Assignments[assignmentID]; !ok {
		return missing("form assignment", assignmentID)
	}
	d.record(FormAssignmentRemoved{StudyDesignID: d.AggregateID(), AssignmentID: assignmentID, Reason: reason})
	return nil
}

// RequiredForms returns the IDs of the forms required on a visit definition.
func (d *Design) RequiredForms(visitDefinitionID string) []string {
	var forms []string
	for _, a := range d.Assignments {
		if a.VisitDefinitionID == visitDefinitionID && a.Required {
			forms = append(forms, a.FormID)
		}
	}
	return forms
}
