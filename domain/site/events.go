// Package site is the Site aggregate: a research site that enrolls patients,
// its activation and the users assigned to it.
package site

import "github.com/clinprecision/clinops-core"

// Family is the stream family of sites.
const Family = "Site"

// Address is a site's postal address.
type Address struct {
	Line1      string `json:"addressLine1,omitempty"`
	Line2      string `json:"addressLine2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// SiteCreated opens a site in PENDING.
type SiteCreated struct {
	SiteID         string  `json:"siteId"`
	Name           string  `json:"name"`
	SiteNumber     string  `json:"siteNumber"`
	OrganizationID string  `json:"organizationId"`
	Address        Address `json:"address"`
	Phone          string  `json:"phone,omitempty"`
	Email          string  `json:"email,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

func (SiteCreated) EventType() string { return "SiteCreated" }

// SiteActivated takes a PENDING site into service.
type SiteActivated struct {
	SiteID string `json:"siteId"`
	Reason string `json:"reason"`
}

func (SiteActivated) EventType() string { return "SiteActivated" }

// SiteStatusChanged records a suspension, deactivation or reactivation.
type SiteStatusChanged struct {
	SiteID string `json:"siteId"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func (SiteStatusChanged) EventType() string { return "SiteStatusChanged" }

// SiteUpdated carries the fields that changed; empty means unchanged.
type SiteUpdated struct {
	SiteID         string  `json:"siteId"`
	Name           string  `json:"name,omitempty"`
	SiteNumber     string  `json:"siteNumber,omitempty"`
	OrganizationID string  `json:"organizationId,omitempty"`
	Address        Address `json:"address"`
	Phone          string  `json:"phone,omitempty"`
	Email          string  `json:"email,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

func (SiteUpdated) EventType() string { return "SiteUpdated" }

// UserAssignedToSite grants a user a role at the site.
type UserAssignedToSite struct {
	SiteID     string `json:"siteId"`
	UserID     string `json:"userId"`
	RoleID     string `json:"roleId"`
	AssignedBy string `json:"assignedBy"`
	Reason     string `json:"reason,omitempty"`
}

func (UserAssignedToSite) EventType() string { return "UserAssignedToSite" }

// RegisterEvents adds the site events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[SiteCreated](reg, Family)
	clinops.Register[SiteActivated](reg, Family)
	clinops.Register[SiteStatusChanged](reg, Family)
	clinops.Register[SiteUpdated](reg, Family)
	clinops.Register[UserAssignedToSite](reg, Family)
}
