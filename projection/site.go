package projection

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/site"
)

// NewSiteProjector maintains the sites table.
func NewSiteProjector(rows clinops.ReadModelRepository[SiteRow], deps Deps) *Projector[SiteRow] {
	p := newProjector("site", site.Family, site.Family, rows, func(id string) *SiteRow { return &SiteRow{ID: id} }, deps)

	p.handle("SiteCreated", on(ActionCreated, func(_ context.Context, r *SiteRow, e site.SiteCreated, ev clinops.Event) error {
		r.Name = e.Name
		r.SiteNumber = e.SiteNumber
		r.OrganizationID = e.OrganizationID
		setAddress(r, e.Address)
		r.Phone = e.Phone
		r.Email = e.Email
		r.Status = site.StatusPending
		r.CreatedBy = ev.ActorID()
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("SiteActivated", on(ActionActivated, func(_ context.Context, r *SiteRow, e site.SiteActivated, ev clinops.Event) error {
		r.Status = site.StatusActive
		r.StatusReason = e.Reason
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("SiteStatusChanged", on(ActionStatusChanged, func(_ context.Context, r *SiteRow, e site.SiteStatusChanged, ev clinops.Event) error {
		r.Status = e.To
		r.StatusReason = e.Reason
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("SiteUpdated", on(ActionUpdated, func(_ context.Context, r *SiteRow, e site.SiteUpdated, ev clinops.Event) error {
		if e.Name != "" {
			r.Name = e.Name
		}
		if e.SiteNumber != "" {
			r.SiteNumber = e.SiteNumber
		}
		if e.OrganizationID != "" {
			r.OrganizationID = e.OrganizationID
		}
		if e.Address != (site.Address{}) {
			setAddress(r, e.Address)
		}
		if e.Phone != "" {
			r.Phone = e.Phone
		}
		if e.Email != "" {
			r.Email = e.Email
		}
		r.UpdatedAt = ev.Timestamp
		return nil
	}))
	return p
}

func setAddress(r *SiteRow, a site.Address) {
	r.AddressLine1 = a.Line1
	r.AddressLine2 = a.Line2
	r.City = a.City
	r.State = a.State
	r.PostalCode = a.PostalCode
	r.Country = a.Country
}

// SiteUserID is the row ID of one user's role at one site.
func SiteUserID(siteID, userID, roleID string) string {
	return siteID + "/" + userID + "/" + roleID
}

// NewSiteUserProjector maintains the site user assignments table.
func NewSiteUserProjector(rows clinops.ReadModelRepository[SiteUserRow], deps Deps) *Projector[SiteUserRow] {
	p := newProjector("site-users", site.Family, "SiteUser", rows, func(id string) *SiteUserRow { return &SiteUserRow{ID: id} }, deps)

	p.handle("UserAssignedToSite", onKeyed(ActionUserAssigned,
		func(_ clinops.Event, e site.UserAssignedToSite) string { return SiteUserID(e.SiteID, e.UserID, e.RoleID) },
		func(_ context.Context, r *SiteUserRow, e site.UserAssignedToSite, ev clinops.Event) error {
			r.SiteID = ev.AggregateID
			r.UserID = e.UserID
			r.RoleID = e.RoleID
			r.AssignedBy = e.AssignedBy
			r.Reason = e.Reason
			r.AssignedAt = ev.Timestamp
			return nil
		}).creating())
	return p
}
