package protocol

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// CreateProtocolVersion opens a DRAFT version for a study.
type CreateProtocolVersion struct {
	clinops.CommandBase
	ProtocolVersionID          string `json:"protocolVersionId"`
	StudyID                    string `json:"studyId" validate:"required"`
	VersionNumber              string `json:"versionNumber" validate:"required"`
	Description                string `json:"description"`
	AmendmentType              string `json:"amendmentType"`
	ChangesSummary             string `json:"changesSummary"`
	RequiresRegulatoryApproval bool   `json:"requiresRegulatoryApproval"`
}

func (CreateProtocolVersion) CommandType() string    { return "CreateProtocolVersion" }
func (c CreateProtocolVersion) AggregateID() string  { return c.ProtocolVersionID }
func (c CreateProtocolVersion) LockScopes() []string { return []string{domain.StudyScope(c.StudyID)} }
func (CreateProtocolVersion) Validate() error        { return nil }

// ChangeProtocolVersionStatus moves a version through review, or supersedes
// the ACTIVE one.
type ChangeProtocolVersionStatus struct {
	clinops.CommandBase
	ProtocolVersionID string `json:"protocolVersionId" validate:"required"`
	StudyID           string `json:"studyId" validate:"required"`
	NewStatus         string `json:"newStatus" validate:"required,oneof=DRAFT UNDER_REVIEW SUBMITTED SUPERSEDED"`
	Reason            string `json:"reason" validate:"required"`
}

func (ChangeProtocolVersionStatus) CommandType() string   { return "ChangeProtocolVersionStatus" }
func (c ChangeProtocolVersionStatus) AggregateID() string { return c.ProtocolVersionID }
func (c ChangeProtocolVersionStatus) LockScopes() []string {
	return []string{domain.StudyScope(c.StudyID)}
}
func (ChangeProtocolVersionStatus) Validate() error { return nil }

// ApproveProtocolVersion approves a submitted version.
type ApproveProtocolVersion struct {
	clinops.CommandBase
	ProtocolVersionID string    `json:"protocolVersionId" validate:"required"`
	EffectiveDate     time.Time `json:"effectiveDate"`
	Comments          string    `json:"comments"`
}

func (ApproveProtocolVersion) CommandType() string   { return "ApproveProtocolVersion" }
func (c ApproveProtocolVersion) AggregateID() string { return c.ProtocolVersionID }
func (c ApproveProtocolVersion) Validate() error {
	return domain.Check(c.CommandType()).That(!c.EffectiveDate.IsZero(), "effectiveDate", "is required").Err()
}

// ActivateProtocolVersion makes an approved version the study's ACTIVE one.
type ActivateProtocolVersion struct {
	clinops.CommandBase
	ProtocolVersionID string `json:"protocolVersionId" validate:"required"`
	StudyID           string `json:"studyId" validate:"required"`
	Reason            string `json:"reason"`
}

func (ActivateProtocolVersion) CommandType() string    { return "ActivateProtocolVersion" }
func (c ActivateProtocolVersion) AggregateID() string  { return c.ProtocolVersionID }
func (c ActivateProtocolVersion) LockScopes() []string { return []string{domain.StudyScope(c.StudyID)} }
func (ActivateProtocolVersion) Validate() error        { return nil }

// WithdrawProtocolVersion abandons a version.
type WithdrawProtocolVersion struct {
	clinops.CommandBase
	ProtocolVersionID string `json:"protocolVersionId" validate:"required"`
	Reason            string `json:"reason" validate:"required"`
}

func (WithdrawProtocolVersion) CommandType() string   { return "WithdrawProtocolVersion" }
func (c WithdrawProtocolVersion) AggregateID() string { return c.ProtocolVersionID }
func (c WithdrawProtocolVersion) Validate() error {
	return domain.Check(c.CommandType()).MinLength("reason", c.Reason, MinWithdrawReason).Err()
}

// UpdateProtocolVersionDetails edits a version still in drafting or review.
type UpdateProtocolVersionDetails struct {
	clinops.CommandBase
	ProtocolVersionID string `json:"protocolVersionId" validate:"required"`
	Description       string `json:"description"`
	ChangesSummary    string `json:"changesSummary"`
}

func (UpdateProtocolVersionDetails) CommandType() string   { return "UpdateProtocolVersionDetails" }
func (c UpdateProtocolVersionDetails) AggregateID() string { return c.ProtocolVersionID }
func (c UpdateProtocolVersionDetails) Validate() error {
	return domain.Check(c.CommandType()).
		That(!domain.Blank(c.Description) || !domain.Blank(c.ChangesSummary), "", "at least one field must change").
		Err()
}

type studyCommand interface {
	clinops.AggregateCommand
	study() string
}

func (c ChangeProtocolVersionStatus) study() string { return c.StudyID }
func (c ActivateProtocolVersion) study() string     { return c.StudyID }

// sameStudy rejects commands whose declared study, which picked the lock
// scope, is not the version's study.
func sameStudy[C studyCommand](ctx context.Context, cmd C, p *ProtocolVersion) error {
	if cmd.study() != p.StudyID {
		return clinops.NewPreconditionError("protocol-study",
			"protocol version "+p.AggregateID()+" belongs to study "+p.StudyID+", not "+cmd.study())
	}
	return nil
}

// RegisterHandlers registers the protocol version command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[CreateProtocolVersion, *ProtocolVersion]{
		CommandType: "CreateProtocolVersion",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd CreateProtocolVersion, p *ProtocolVersion) error {
			return p.Create(Draft{
				StudyID:                    cmd.StudyID,
				VersionNumber:              cmd.VersionNumber,
				Description:                cmd.Description,
				AmendmentType:              cmd.AmendmentType,
				ChangesSummary:             cmd.ChangesSummary,
				RequiresRegulatoryApproval: cmd.RequiresRegulatoryApproval,
			}, deps.Snapshot())
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ChangeProtocolVersionStatus, *ProtocolVersion]{
		CommandType:   "ChangeProtocolVersionStatus",
		Store:         deps.Store,
		Factory:       New,
		Preconditions: []clinops.Precondition[ChangeProtocolVersionStatus, *ProtocolVersion]{sameStudy[ChangeProtocolVersionStatus]},
		Decide: func(ctx context.Context, cmd ChangeProtocolVersionStatus, p *ProtocolVersion) error {
			return p.ChangeStatus(cmd.NewStatus, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ApproveProtocolVersion, *ProtocolVersion]{
		CommandType: "ApproveProtocolVersion",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ApproveProtocolVersion, p *ProtocolVersion) error {
			return p.Approve(cmd.EffectiveDate, cmd.Comments, deps.Clock())
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ActivateProtocolVersion, *ProtocolVersion]{
		CommandType:   "ActivateProtocolVersion",
		Store:         deps.Store,
		Factory:       New,
		Preconditions: []clinops.Precondition[ActivateProtocolVersion, *ProtocolVersion]{sameStudy[ActivateProtocolVersion]},
		Decide: func(ctx context.Context, cmd ActivateProtocolVersion, p *ProtocolVersion) error {
			return p.Activate(cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[WithdrawProtocolVersion, *ProtocolVersion]{
		CommandType: "WithdrawProtocolVersion",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd WithdrawProtocolVersion, p *ProtocolVersion) error {
			return p.Withdraw(cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateProtocolVersionDetails, *ProtocolVersion]{
		CommandType: "UpdateProtocolVersionDetails",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateProtocolVersionDetails, p *ProtocolVersion) error {
			return p.UpdateDetails(cmd.Description, cmd.ChangesSummary)
		},
	}))
}
