package site

import (
	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// Site statuses.
const (
	StatusPending   = "PENDING"
	StatusActive    = "ACTIVE"
	StatusSuspended = "SUSPENDED"
	StatusInactive  = "INACTIVE"
)

// Transitions is the site lifecycle after creation. PENDING -> ACTIVE goes
// through Activate only.
var Transitions = domain.Transitions{
	StatusPending:   {StatusInactive},
	StatusActive:    {StatusSuspended, StatusInactive},
	StatusSuspended: {StatusActive, StatusInactive},
	StatusInactive:  {StatusActive},
}

// Site is the aggregate.
type Site struct {
	clinops.AggregateBase

	Name           string
	SiteNumber     string
	OrganizationID string
	Address        Address
	Phone          string
	Email          string
	Status         string

	// assignments holds "user/role" pairs.
	assignments map[string]bool
}

// New returns an empty site ready for replay.
func New(id string) *Site {
	return &Site{AggregateBase: clinops.NewAggregateBase(id, Family), assignments: make(map[string]bool)}
}

func (s *Site) record(e clinops.DomainEvent) {
	_ = s.ApplyEvent(e)
	s.Record(e)
}

func assignment(userID, roleID string) string {
	return userID + "/" + roleID
}

// ApplyEvent implements clinops.Aggregate.
func (s *Site) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case SiteCreated:
		s.Name = e.Name
		s.SiteNumber = e.SiteNumber
		s.OrganizationID = e.OrganizationID
		s.Address = e.Address
		s.Phone = e.Phone
		s.Email = e.Email
		s.Status = StatusPending
	case SiteActivated:
		s.Status = StatusActive
	case SiteStatusChanged:
		s.Status = e.To
	case SiteUpdated:
		if e.Name != "" {
			s.Name = e.Name
		}
		if e.SiteNumber != "" {
			s.SiteNumber = e.SiteNumber
		}
		if e.OrganizationID != "" {
			s.OrganizationID = e.OrganizationID
		}
		if e.Address != (Address{}) {
			s.Address = e.Address
		}
		if e.Phone != "" {
			s.Phone = e.Phone
		}
		if e.Email != "" {
			s.Email = e.Email
		}
	case UserAssignedToSite:
		s.assignments[assignment(e.UserID, e.RoleID)] = true
	}
	return nil
}

// Details are a site's descriptive fields.
type Details struct {
	Name           string
	SiteNumber     string
	OrganizationID string
	Address        Address
	Phone          string
	Email          string
}

// Create opens the site in PENDING.
func (s *Site) Create(d Details, reason string) error {
	s.record(SiteCreated{
		SiteID:         s.AggregateID(),
		Name:           d.Name,
		SiteNumber:     d.SiteNumber,
		OrganizationID: d.OrganizationID,
		Address:        d.Address,
		Phone:          d.Phone,
		Email:          d.Email,
		Reason:         reason,
	})
	return nil
}

// Activate takes a PENDING site into service.
func (s *Site) Activate(reason string) error {
	switch s.Status {
	case StatusPending:
	case StatusActive:
		return clinops.NewInvalidStateTransition(Family, s.AggregateID(), s.Status, StatusActive, "site is already active")
	default:
		return clinops.NewInvalidStateTransition(Family, s.AggregateID(), s.Status, StatusActive, "only PENDING sites can be activated")
	}
	s.record(SiteActivated{SiteID: s.AggregateID(), Reason: reason})
	return nil
}

// ChangeStatus suspends, deactivates or reactivates the site.
func (s *Site) ChangeStatus(to, reason string) error {
	if !Transitions.Allows(s.Status, to) {
		return clinops.NewInvalidStateTransition(Family, s.AggregateID(), s.Status, to, "")
	}
	s.record(SiteStatusChanged{SiteID: s.AggregateID(), From: s.Status, To: to, Reason: reason})
	return nil
}

// Update records the fields of d that differ from the current ones. Nothing
// is recorded when none do.
func (s *Site) Update(d Details, reason string) error {
	e := SiteUpdated{SiteID: s.AggregateID(), Reason: reason}
	changed := false
	field := func(dst *string, value, current string) {
		if !domain.Blank(value) && value != current {
			*dst = value
			changed = true
		}
	}
	field(&e.Name, d.Name, s.Name)
	field(&e.SiteNumber, d.SiteNumber, s.SiteNumber)
	field(&e.OrganizationID, d.OrganizationID, s.OrganizationID)
	field(&e.Phone, d.Phone, s.Phone)
	field(&e.Email, d.Email, s.Email)
	if d.Address != (Address{}) && d.Address != s.Address {
		e.Address = d.Address
		changed = true
	}
	if !changed {
		return nil
	}
	s.record(e)
	return nil
}

// AssignUser grants userID roleID at the site. Suspended and inactive sites
// take no new users; an existing assignment records nothing.
func (s *Site) AssignUser(userID, roleID, assignedBy, reason string) error {
	if s.Status == StatusSuspended || s.Status == StatusInactive {
		return clinops.NewInvalidStateTransition(Family, s.AggregateID(), s.Status, s.Status, "cannot assign users to inactive or suspended sites")
	}
	if s.assignments[assignment(userID, roleID)] {
		return nil
	}
	s.record(UserAssignedToSite{SiteID: s.AggregateID(), UserID: userID, RoleID: roleID, AssignedBy: assignedBy, Reason: reason})
	return nil
}

// Assigned reports whether userID holds roleID at the site.
func (s *Site) Assigned(userID, roleID string) bool {
	return s.assignments[assignment(userID, roleID)]
}
