// Package protocol is the ProtocolVersion aggregate: one numbered version of
// a study protocol, from drafting and review through approval, activation and
// supersession.
package protocol

import (
	"time"

	"github.com/clinprecision/clinops-core"
)

// Family is the stream family of protocol versions.
const Family = "ProtocolVersion"

// ProtocolVersionCreated opens a DRAFT version.
type ProtocolVersionCreated struct {
	ProtocolVersionID          string `json:"protocolVersionId"`
	StudyID                    string `json:"studyId"`
	VersionNumber              string `json:"versionNumber"`
	Description                string `json:"description,omitempty"`
	AmendmentType              string `json:"amendmentType,omitempty"`
	ChangesSummary             string `json:"changesSummary,omitempty"`
	RequiresRegulatoryApproval bool   `json:"requiresRegulatoryApproval"`
}

func (ProtocolVersionCreated) EventType() string { return "ProtocolVersionCreated" }

// ProtocolVersionStatusChanged records a review-cycle transition.
type ProtocolVersionStatusChanged struct {
	ProtocolVersionID string `json:"protocolVersionId"`
	StudyID           string `json:"studyId"`
	From              string `json:"from"`
	To                string `json:"to"`
	Reason            string `json:"reason"`
}

func (ProtocolVersionStatusChanged) EventType() string { return "ProtocolVersionStatusChanged" }

// ProtocolVersionApproved moves a submitted version to APPROVED.
type ProtocolVersionApproved struct {
	ProtocolVersionID string    `json:"protocolVersionId"`
	StudyID           string    `json:"studyId"`
	EffectiveDate     time.Time `json:"effectiveDate"`
	Comments          string    `json:"comments,omitempty"`
}

func (ProtocolVersionApproved) EventType() string { return "ProtocolVersionApproved" }

// ProtocolVersionActivated makes an approved version the study's ACTIVE one.
type ProtocolVersionActivated struct {
	ProtocolVersionID string `json:"protocolVersionId"`
	StudyID           string `json:"studyId"`
	Reason            string `json:"reason,omitempty"`
}

func (ProtocolVersionActivated) EventType() string { return "ProtocolVersionActivated" }

// ProtocolVersionSuperseded retires the ACTIVE version.
type ProtocolVersionSuperseded struct {
	ProtocolVersionID string `json:"protocolVersionId"`
	StudyID           string `json:"studyId"`
	Reason            string `json:"reason"`
}

func (ProtocolVersionSuperseded) EventType() string { return "ProtocolVersionSuperseded" }

// ProtocolVersionWithdrawn abandons a version from any non-terminal state.
type ProtocolVersionWithdrawn struct {
	ProtocolVersionID string `json:"protocolVersionId"`
	StudyID           string `json:"studyId"`
	From              string `json:"from"`
	Reason            string `json:"reason"`
}

func (ProtocolVersionWithdrawn) EventType() string { return "ProtocolVersionWithdrawn" }

// ProtocolVersionDetailsUpdated carries only the fields that changed.
type ProtocolVersionDetailsUpdated struct {
	ProtocolVersionID string `json:"protocolVersionId"`
	Description       string `json:"description,omitempty"`
	ChangesSummary    string `json:"changesSummary,omitempty"`
}

func (ProtocolVersionDetailsUpdated) EventType() string { return "ProtocolVersionDetailsUpdated" }

// RegisterEvents adds the protocol version events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[ProtocolVersionCreated](reg, Family)
	clinops.Register[ProtocolVersionStatusChanged](reg, Family)
	clinops.Register[ProtocolVersionApproved](reg, Family)
	clinops.Register[ProtocolVersionActivated](reg, Family)
	clinops.Register[ProtocolVersionSuperseded](reg, Family)
	clinops.Register[ProtocolVersionWithdrawn](reg, Family)
	clinops.Register[ProtocolVersionDetailsUpdated](reg, Family)
}
