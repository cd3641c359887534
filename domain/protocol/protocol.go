package protocol

import (
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// Protocol version statuses.
const (
	StatusDraft       = "DRAFT"
	StatusUnderReview = "UNDER_REVIEW"
	StatusSubmitted   = "SUBMITTED"
	StatusApproved    = "APPROVED"
	StatusActive      = "ACTIVE"
	StatusSuperseded  = "SUPERSEDED"
	StatusWithdrawn   = "WITHDRAWN"
)

// ReviewTransitions are the moves ChangeStatus accepts. Approval, activation
// and withdrawal have their own operations.
var ReviewTransitions = domain.Transitions{
	StatusDraft:       {StatusUnderReview},
	StatusUnderReview: {StatusDraft, StatusSubmitted},
	StatusSubmitted:   {StatusUnderReview},
	StatusActive:      {StatusSuperseded},
}

// Terminal reports whether nothing leaves status.
func Terminal(status string) bool {
	return status == StatusSuperseded || status == StatusWithdrawn
}

// MinWithdrawReason is the minimum length of a withdrawal reason.
const MinWithdrawReason = 10

// ProtocolVersion is the aggregate.
type ProtocolVersion struct {
	clinops.AggregateBase

	StudyID                    string
	VersionNumber              string
	Description                string
	AmendmentType              string
	ChangesSummary             string
	RequiresRegulatoryApproval bool
	Status                     string
	EffectiveDate              time.Time
}

// New returns an empty protocol version ready for replay.
func New(id string) *ProtocolVersion {
	return &ProtocolVersion{AggregateBase: clinops.NewAggregateBase(id, Family)}
}

func (p *ProtocolVersion) record(e clinops.DomainEvent) {
	_ = p.ApplyEvent(e)
	p.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (p *ProtocolVersion) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case ProtocolVersionCreated:
		p.StudyID = e.StudyID
		p.VersionNumber = e.VersionNumber
		p.Description = e.Description
		p.AmendmentType = e.AmendmentType
		p.ChangesSummary = e.ChangesSummary
		p.RequiresRegulatoryApproval = e.RequiresRegulatoryApproval
		p.Status = StatusDraft
	case ProtocolVersionStatusChanged:
		p.Status = e.To
	case ProtocolVersionApproved:
		p.Status = StatusApproved
		p.EffectiveDate = e.EffectiveDate
	case ProtocolVersionActivated:
		p.Status = StatusActive
	case ProtocolVersionSuperseded:
		p.Status = StatusSuperseded
	case ProtocolVersionWithdrawn:
		p.Status = StatusWithdrawn
	case ProtocolVersionDetailsUpdated:
		if e.Description != "" {
			p.Description = e.Description
		}
		if e.ChangesSummary != "" {
			p.ChangesSummary = e.ChangesSummary
		}
	}
	return nil
}

// Draft is the content of a new version.
type Draft struct {
	StudyID                    string
	VersionNumber              string
	Description                string
	AmendmentType              string
	ChangesSummary             string
	RequiresRegulatoryApproval bool
}

// AmendmentRules answers reference-data questions about amendment types.
type AmendmentRules interface {
	IsAmendmentType(code string) bool
	RequiresRegulatoryApproval(code string) bool
}

// Create opens a DRAFT version.
func (p *ProtocolVersion) Create(d Draft, rules AmendmentRules) error {
	check := domain.Check("CreateProtocolVersion")
	if !domain.Blank(d.AmendmentType) {
		check.That(rules.IsAmendmentType(d.AmendmentType), "amendmentType", "is not a known amendment type")
		check.Require("changesSummary", d.ChangesSummary)
		check.That(!rules.RequiresRegulatoryApproval(d.AmendmentType) || d.RequiresRegulatoryApproval,
			"requiresRegulatoryApproval", "must be set for "+d.AmendmentType+" amendments")
	}
	if err := check.Err(); err != nil {
		return err
	}
	p.record(ProtocolVersionCreated{
		ProtocolVersionID:          p.AggregateID(),
		StudyID:                    d.StudyID,
		VersionNumber:              d.VersionNumber,
		Description:                d.Description,
		AmendmentType:              d.AmendmentType,
		ChangesSummary:             d.ChangesSummary,
		RequiresRegulatoryApproval: d.RequiresRegulatoryApproval,
	})
	return nil
}

// ChangeStatus performs a review-cycle move or supersedes the ACTIVE version.
func (p *ProtocolVersion) ChangeStatus(to, reason string) error {
	if !ReviewTransitions.Allows(p.Status, to) {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, to, "")
	}
	if to == StatusSuperseded {
		p.record(ProtocolVersionSuperseded{ProtocolVersionID: p.AggregateID(), StudyID: p.StudyID, Reason: reason})
		return nil
	}
	p.record(ProtocolVersionStatusChanged{ProtocolVersionID: p.AggregateID(), StudyID: p.StudyID, From: p.Status, To: to, Reason: reason})
	return nil
}

// Approve approves a submitted version effective from effectiveDate, which
// must not be before today.
func (p *ProtocolVersion) Approve(effectiveDate time.Time, comments string, today time.Time) error {
	if p.Status != StatusSubmitted {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, StatusApproved, "only SUBMITTED versions can be approved")
	}
	if domain.Day(effectiveDate).Before(domain.Day(today)) {
		return clinops.NewValidationError("ApproveProtocolVersion", "effectiveDate", "must not be in the past")
	}
	p.record(ProtocolVersionApproved{
		ProtocolVersionID: p.AggregateID(),
		StudyID:           p.StudyID,
		EffectiveDate:     domain.Day(effectiveDate),
		Comments:          comments,
	})
	return nil
}

// Activate makes an approved version ACTIVE. The single-ACTIVE-per-study rule
// is checked outside the aggregate.
func (p *ProtocolVersion) Activate(reason string) error {
	if p.Status != StatusApproved {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, StatusActive, "only APPROVED versions can be activated")
	}
	p.record(ProtocolVersionActivated{ProtocolVersionID: p.AggregateID(), StudyID: p.StudyID, Reason: reason})
	return nil
}

// Withdraw abandons the version.
func (p *ProtocolVersion) Withdraw(reason string) error {
	if Terminal(p.Status) {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, StatusWithdrawn, "")
	}
	if err := domain.Check("WithdrawProtocolVersion").MinLength("reason", reason, MinWithdrawReason).Err(); err != nil {
		return err
	}
	p.record(ProtocolVersionWithdrawn{ProtocolVersionID: p.AggregateID(), StudyID: p.StudyID, From: p.Status, Reason: reason})
	return nil
}

// UpdateDetails edits a version still being drafted or reviewed.
func (p *ProtocolVersion) UpdateDetails(description, changesSummary string) error {
	if p.Status != StatusDraft && p.Status != StatusUnderReview {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, p.Status, "only DRAFT or UNDER_REVIEW versions can be edited")
	}
	e := ProtocolVersionDetailsUpdated{ProtocolVersionID: p.AggregateID()}
	if !domain.Blank(description) && description != p.Description {
		e.Description = description
	}
	if !domain.Blank(changesSummary) && changesSummary != p.ChangesSummary {
		e.ChangesSummary = changesSummary
	}
	if e.Description == "" && e.ChangesSummary == "" {
		return nil
	}
	p.record(e)
	return nil
}
