package site

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/testing/bdd"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var created = SiteCreated{
	SiteID:         "site-1",
	Name:           "Boston General",
	SiteNumber:     "BOS-01",
	OrganizationID: "org-1",
	Address:        Address{City: "Boston", Country: "US"},
}

func TestSite_Create(t *testing.T) {
	s := New("site-1")
	bdd.Given(t, s).
		When(func() error {
			return s.Create(Details{Name: "Boston General", SiteNumber: "BOS-01", OrganizationID: "org-1", Address: Address{City: "Boston", Country: "US"}}, "")
		}).
		Then(created)
	assert.Equal(t, StatusPending, s.Status)
}

func TestSite_Activate(t *testing.T) {
	s := New("site-1")
	bdd.Given(t, s, created).
		When(func() error { return s.Activate("contract signed") }).
		Then(SiteActivated{SiteID: "site-1", Reason: "contract signed"})
	assert.Equal(t, StatusActive, s.Status)

	s = New("site-1")
	bdd.Given(t, s, created, SiteActivated{}).
		When(func() error { return s.Activate("again") }).
		ThenErrorContains("already active")

	s = New("site-1")
	bdd.Given(t, s, created, SiteStatusChanged{To: StatusInactive}).
		When(func() error { return s.Activate("late") }).
		ThenError(clinops.ErrInvalidStateTransition)
}

func TestSite_Lifecycle(t *testing.T) {
	tests := []struct {
		name    string
		history []interface{}
		to      string
		wantErr bool
	}{
		{"pending cannot change to active", nil, StatusActive, true},
		{"pending to inactive", nil, StatusInactive, false},
		{"active to suspended", []interface{}{SiteActivated{}}, StatusSuspended, false},
		{"suspended back to active", []interface{}{SiteActivated{}, SiteStatusChanged{To: StatusSuspended}}, StatusActive, false},
		{"inactive reopened", []interface{}{SiteStatusChanged{To: StatusInactive}}, StatusActive, false},
		{"inactive cannot be suspended", []interface{}{SiteStatusChanged{To: StatusInactive}}, StatusSuspended, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("site-1")
			history := append([]interface{}{created}, tt.history...)
			f := bdd.Given(t, s, history...).When(func() error { return s.ChangeStatus(tt.to, "monitoring visit") })
			if tt.wantErr {
				f.ThenError(clinops.ErrInvalidStateTransition)
				return
			}
			f.ThenEventTypes("SiteStatusChanged")
			assert.Equal(t, tt.to, s.Status)
		})
	}
}

func TestSite_Update(t *testing.T) {
	s := New("site-1")
	bdd.Given(t, s, created).
		When(func() error {
			return s.Update(Details{Name: "Boston General", Phone: "+1 617 555 0100"}, "new switchboard")
		}).
		Then(SiteUpdated{SiteID: "site-1", Phone: "+1 617 555 0100", Reason: "new switchboard"})
	assert.Equal(t, "+1 617 555 0100", s.Phone)
	assert.Equal(t, "Boston", s.Address.City)

	s = New("site-1")
	bdd.Given(t, s, created).
		When(func() error { return s.Update(Details{SiteNumber: "BOS-01", Address: created.Address}, "") }).
		ThenNoEvents()
}

func TestSite_AssignUser(t *testing.T) {
	s := New("site-1")
	bdd.Given(t, s, created, SiteActivated{}).
		When(func() error { return s.AssignUser("u1", "CRC", "admin", "onboarding") }).
		Then(UserAssignedToSite{SiteID: "site-1", UserID: "u1", RoleID: "CRC", AssignedBy: "admin", Reason: "onboarding"})
	assert.True(t, s.Assigned("u1", "CRC"))
	assert.False(t, s.Assigned("u1", "PI"))

	s = New("site-1")
	bdd.Given(t, s, created, UserAssignedToSite{SiteID: "site-1", UserID: "u1", RoleID: "CRC"}).
		When(func() error { return s.AssignUser("u1", "CRC", "admin", "") }).
		ThenNoEvents()

	for _, status := range []string{StatusSuspended, StatusInactive} {
		s = New("site-1")
		bdd.Given(t, s, created, SiteStatusChanged{To: status}).
			When(func() error { return s.AssignUser("u2", "PI", "admin", "") }).
			ThenError(clinops.ErrInvalidStateTransition)
	}
}

func TestSiteCommands(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithFamilies(testutil.Family{Events: RegisterEvents, Handlers: RegisterHandlers}))

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(CreateSite{CommandBase: clinops.By("admin"), Name: "Boston General", OrganizationID: "org-1"}).
		ThenFails(clinops.ErrValidation)

	res := h.Dispatch(t, CreateSite{CommandBase: clinops.By("admin"), Name: "Boston General", SiteNumber: "BOS-01", OrganizationID: "org-1"})
	assert.NotEmpty(t, res.AggregateID)

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ActivateSite{CommandBase: clinops.By("admin"), SiteID: res.AggregateID, Reason: "contract signed"}).
		ThenSucceeds().
		ThenAppended("SiteActivated")

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(AssignUserToSite{CommandBase: clinops.By("admin"), SiteID: res.AggregateID, UserID: "u1", RoleID: "CRC"}).
		ThenSucceeds().
		ThenAppended("UserAssignedToSite")

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(ChangeSiteStatus{CommandBase: clinops.By("admin"), SiteID: res.AggregateID, NewStatus: StatusSuspended, Reason: "audit finding"}).
		ThenSucceeds()

	bdd.GivenCommand(t, h.Bus, h.Store).
		When(AssignUserToSite{CommandBase: clinops.By("admin"), SiteID: res.AggregateID, UserID: "u2", RoleID: "PI"}).
		ThenFails(clinops.ErrInvalidStateTransition)

	assert.Equal(t,
		[]string{"SiteCreated", "SiteActivated", "UserAssignedToSite", "SiteStatusChanged"},
		h.EventTypes(t, Family, res.AggregateID))
}
