// Package visit is the Visit aggregate: one visit of one patient, scheduled
// against a visit definition of the study design.
package visit

import (
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// Family is the stream family of visit instances.
const Family = "Visit"

// Visit statuses.
const (
	StatusScheduled   = "SCHEDULED"
	StatusRescheduled = "RESCHEDULED"
	StatusInProgress  = "IN_PROGRESS"
	StatusCompleted   = "COMPLETED"
	StatusMissed      = "MISSED"
	StatusCancelled   = "CANCELLED"
)

// Transitions is the visit lifecycle.
var Transitions = domain.Transitions{
	StatusScheduled:   {StatusRescheduled, StatusInProgress, StatusCompleted, StatusMissed, StatusCancelled},
	StatusRescheduled: {StatusRescheduled, StatusInProgress, StatusCompleted, StatusMissed, StatusCancelled},
	StatusInProgress:  {StatusCompleted, StatusCancelled},
}

// VisitCreated schedules a visit.
type VisitCreated struct {
	VisitID           string    `json:"visitId"`
	PatientID         string    `json:"patientId"`
	StudyID           string    `json:"studyId"`
	SiteID            string    `json:"siteId"`
	VisitDefinitionID string    `json:"visitDefinitionId,omitempty"`
	VisitType         string    `json:"visitType"`
	VisitDate         time.Time `json:"visitDate"`
	BuildID           string    `json:"buildId,omitempty"`
	Notes             string    `json:"notes,omitempty"`
}

func (VisitCreated) EventType() string { return "VisitCreated" }

// VisitStatusChanged moves a visit along its lifecycle.
type VisitStatusChanged struct {
	VisitID string `json:"visitId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

func (VisitStatusChanged) EventType() string { return "VisitStatusChanged" }

// RegisterEvents adds the visit events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[VisitCreated](reg, Family)
	clinops.Register[VisitStatusChanged](reg, Family)
}

// Visit is the aggregate.
type Visit struct {
	clinops.AggregateBase

	PatientID         string
	StudyID           string
	SiteID            string
	VisitDefinitionID string
	VisitType         string
	VisitDate         time.Time
	BuildID           string
	Status            string
}

// New returns an empty visit ready for replay.
func New(id string) *Visit {
	return &Visit{AggregateBase: clinops.NewAggregateBase(id, Family)}
}

func (v *Visit) record(e clinops.DomainEvent) {
	_ = v.ApplyEvent(e)
	v.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (v *Visit) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case VisitCreated:
		v.PatientID = e.PatientID
		v.StudyID = e.StudyID
		v.SiteID = e.SiteID
		v.VisitDefinitionID = e.VisitDefinitionID
		v.VisitType = e.VisitType
		v.VisitDate = e.VisitDate
		v.BuildID = e.BuildID
		v.Status = StatusScheduled
	case VisitStatusChanged:
		v.Status = e.To
	}
	return nil
}

// Schedule is the input of a new visit.
type Schedule struct {
	PatientID         string
	StudyID           string
	SiteID            string
	VisitDefinitionID string
	VisitType         string
	VisitDate         time.Time
	BuildID           string
	Notes             string
}

// Create schedules the visit. The completed-build rule is checked outside the
// aggregate.
func (v *Visit) Create(s Schedule) error {
	v.record(VisitCreated{
		VisitID:           v.AggregateID(),
		PatientID:         s.PatientID,
		StudyID:           s.StudyID,
		SiteID:            s.SiteID,
		VisitDefinitionID: s.VisitDefinitionID,
		VisitType:         s.VisitType,
		VisitDate:         domain.Day(s.VisitDate),
		BuildID:           s.BuildID,
		Notes:             s.Notes,
	})
	return nil
}

// ChangeStatus moves the visit to status. Setting the current status again
// records nothing.
func (v *Visit) ChangeStatus(status, reason string) error {
	if status == v.Status {
		return nil
	}
	if !Transitions.Allows(v.Status, status) {
		return clinops.NewInvalidStateTransition(Family, v.AggregateID(), v.Status, status, "")
	}
	v.record(VisitStatusChanged{VisitID: v.AggregateID(), From: v.Status, To: status, Reason: reason})
	return nil
}

// Terminal reports whether the visit can no longer change.
func (v *Visit) Terminal() bool {
	return Transitions.Terminal(v.Status)
}
