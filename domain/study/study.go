package study

import (
	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// Study statuses.
const (
	StatusPlanning   = "PLANNING"
	StatusApproved   = "APPROVED"
	StatusActive     = "ACTIVE"
	StatusSuspended  = "SUSPENDED"
	StatusCompleted  = "COMPLETED"
	StatusTerminated = "TERMINATED"
	StatusWithdrawn  = "WITHDRAWN"
)

// Transitions is the study lifecycle.
var Transitions = domain.Transitions{
	StatusPlanning:  {StatusApproved, StatusWithdrawn},
	StatusApproved:  {StatusActive, StatusWithdrawn},
	StatusActive:    {StatusSuspended, StatusCompleted, StatusTerminated},
	StatusSuspended: {StatusActive, StatusTerminated},
}

// Study is the aggregate.
type Study struct {
	clinops.AggregateBase

	Name           string
	ProtocolNumber string
	Sponsor        string
	Description    string
	Status         string
}

// New returns an empty study ready for replay.
func New(id string) *Study {
	return &Study{AggregateBase: clinops.NewAggregateBase(id, Family)}
}

func (s *Study) record(e clinops.DomainEvent) {
	_ = s.ApplyEvent(e)
	s.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (s *Study) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case StudyCreated:
		s.Name = e.Name
		s.ProtocolNumber = e.ProtocolNumber
		s.Sponsor = e.Sponsor
		s.Description = e.Description
		s.Status = StatusPlanning
	case StudyStatusChanged:
		s.Status = e.To
	case StudyDetailsUpdated:
		if e.Name != "" {
			s.Name = e.Name
		}
		if e.Sponsor != "" {
			s.Sponsor = e.Sponsor
		}
		if e.Description != "" {
			s.Description = e.Description
		}
	}
	return nil
}

// Create opens the study.
func (s *Study) Create(name, protocolNumber, sponsor, description string) error {
	s.record(StudyCreated{
		StudyID:        s.AggregateID(),
		Name:           name,
		ProtocolNumber: protocolNumber,
		Sponsor:        sponsor,
		Description:    description,
	})
	return nil
}

// ChangeStatus moves the study along its lifecycle.
func (s *Study) ChangeStatus(to, reason string) error {
	if !Transitions.Allows(s.Status, to) {
		return clinops.NewInvalidStateTransition(Family, s.AggregateID(), s.Status, to, "")
	}
	s.record(StudyStatusChanged{StudyID: s.AggregateID(), From: s.Status, To: to, Reason: reason})
	return nil
}

// UpdateDetails changes descriptive fields outside terminal states.
func (s *Study) UpdateDetails(name, sponsor, description string) error {
	if Transitions.Terminal(s.Status) {
		return clinops.NewInvalidStateTransition(Family, s.AggregateID(), s.Status, s.Status, "study is closed")
	}
	s.record(StudyDetailsUpdated{StudyID: s.AggregateID(), Name: name, Sponsor: sponsor, Description: description})
	return nil
}
