package site

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// CreateSite opens a site. SiteID may be empty to have one assigned.
type CreateSite struct {
	clinops.CommandBase
	SiteID         string  `json:"siteId"`
	Name           string  `json:"name" validate:"required"`
	SiteNumber     string  `json:"siteNumber" validate:"required"`
	OrganizationID string  `json:"organizationId" validate:"required"`
	Address        Address `json:"address"`
	Phone          string  `json:"phone"`
	Email          string  `json:"email" validate:"omitempty,email"`
	Reason         string  `json:"reason"`
}

func (CreateSite) CommandType() string   { return "CreateSite" }
func (c CreateSite) AggregateID() string { return c.SiteID }
func (c CreateSite) Validate() error {
	return domain.Check(c.CommandType()).
		Require("name", c.Name).
		Require("siteNumber", c.SiteNumber).
		Require("organizationId", c.OrganizationID).
		Err()
}

// ActivateSite takes a PENDING site into service.
type ActivateSite struct {
	clinops.CommandBase
	SiteID string `json:"siteId" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

func (ActivateSite) CommandType() string   { return "ActivateSite" }
func (c ActivateSite) AggregateID() string { return c.SiteID }
func (c ActivateSite) Validate() error {
	return domain.Check(c.CommandType()).Require("reason", c.Reason).Err()
}

// ChangeSiteStatus suspends, deactivates or reactivates a site.
type ChangeSiteStatus struct {
	clinops.CommandBase
	SiteID    string `json:"siteId" validate:"required"`
	NewStatus string `json:"newStatus" validate:"required,oneof=ACTIVE SUSPENDED INACTIVE"`
	Reason    string `json:"reason" validate:"required"`
}

func (ChangeSiteStatus) CommandType() string   { return "ChangeSiteStatus" }
func (c ChangeSiteStatus) AggregateID() string { return c.SiteID }
func (c ChangeSiteStatus) Validate() error {
	return domain.Check(c.CommandType()).Require("reason", c.Reason).Err()
}

// UpdateSite changes descriptive fields. Blank fields are left alone.
type UpdateSite struct {
	clinops.CommandBase
	SiteID         string  `json:"siteId" validate:"required"`
	Name           string  `json:"name"`
	SiteNumber     string  `json:"siteNumber"`
	OrganizationID string  `json:"organizationId"`
	Address        Address `json:"address"`
	Phone          string  `json:"phone"`
	Email          string  `json:"email" validate:"omitempty,email"`
	Reason         string  `json:"reason"`
}

func (UpdateSite) CommandType() string   { return "UpdateSite" }
func (c UpdateSite) AggregateID() string { return c.SiteID }
func (c UpdateSite) Validate() error {
	return nil
}

// AssignUserToSite grants a user a role at a site.
type AssignUserToSite struct {
	clinops.CommandBase
	SiteID string `json:"siteId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
	RoleID string `json:"roleId" validate:"required"`
	Reason string `json:"reason"`
}

func (AssignUserToSite) CommandType() string   { return "AssignUserToSite" }
func (c AssignUserToSite) AggregateID() string { return c.SiteID }
func (c AssignUserToSite) Validate() error {
	return domain.Check(c.CommandType()).
		Require("userId", c.UserID).
		Require("roleId", c.RoleID).
		Err()
}

func details(name, number, org string, addr Address, phone, email string) Details {
	return Details{Name: name, SiteNumber: number, OrganizationID: org, Address: addr, Phone: phone, Email: email}
}

// RegisterHandlers registers the site command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[CreateSite, *Site]{
		CommandType: "CreateSite",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd CreateSite, s *Site) error {
			return s.Create(details(cmd.Name, cmd.SiteNumber, cmd.OrganizationID, cmd.Address, cmd.Phone, cmd.Email), cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ActivateSite, *Site]{
		CommandType: "ActivateSite",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ActivateSite, s *Site) error {
			return s.Activate(cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ChangeSiteStatus, *Site]{
		CommandType: "ChangeSiteStatus",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ChangeSiteStatus, s *Site) error {
			return s.ChangeStatus(cmd.NewStatus, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateSite, *Site]{
		CommandType: "UpdateSite",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateSite, s *Site) error {
			return s.Update(details(cmd.Name, cmd.SiteNumber, cmd.OrganizationID, cmd.Address, cmd.Phone, cmd.Email), cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[AssignUserToSite, *Site]{
		CommandType: "AssignUserToSite",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd AssignUserToSite, s *Site) error {
			return s.AssignUser(cmd.UserID, cmd.RoleID, cmd.Actor, cmd.Reason)
		},
	}))
}
