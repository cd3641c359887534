package projection

import (
	"context"
	"fmt"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/protocol"
)

// InvariantSingleActive names the one-ACTIVE-version-per-study rule.
const InvariantSingleActive = "single-active-protocol-version"

// NewProtocolProjector maintains the protocol versions table. It refuses to
// record a second ACTIVE version for a study and, since skipping an event
// could hide an ACTIVE version, treats a missing row as an invariant
// violation. Both halt the projection.
func NewProtocolProjector(rows clinops.ReadModelRepository[ProtocolVersionRow], deps Deps) *Projector[ProtocolVersionRow] {
	p := newProjector("protocol", protocol.Family, protocol.Family, rows, func(id string) *ProtocolVersionRow { return &ProtocolVersionRow{ID: id} }, deps)
	p.strict = true

	activate := func(ctx context.Context, r *ProtocolVersionRow) error {
		other, err := rows.Find(ctx, clinops.NewQuery().
			Eq("study_id", r.StudyID).
			Eq("status", protocol.StatusActive).
			Build())
		if err != nil {
			return err
		}
		for _, o := range other {
			if o.ID != r.ID {
				return clinops.NewInvariantViolation(InvariantSingleActive,
					fmt.Sprintf("study %s already has ACTIVE version %s (%s), cannot activate %s (%s)",
						r.StudyID, o.ID, o.VersionNumber, r.ID, r.VersionNumber))
			}
		}
		r.Status = protocol.StatusActive
		return nil
	}

	p.handle("ProtocolVersionCreated", on(ActionCreated, func(_ context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionCreated, ev clinops.Event) error {
		r.StudyID = e.StudyID
		r.VersionNumber = e.VersionNumber
		r.Description = e.Description
		r.AmendmentType = e.AmendmentType
		r.ChangesSummary = e.ChangesSummary
		r.RequiresRegulatoryApproval = e.RequiresRegulatoryApproval
		r.Status = protocol.StatusDraft
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("ProtocolVersionStatusChanged", on(ActionStatusChanged, func(ctx context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionStatusChanged, ev clinops.Event) error {
		r.StatusReason = e.Reason
		r.UpdatedAt = ev.Timestamp
		if e.To == protocol.StatusActive {
			r.ActivatedAt = at(ev.Timestamp)
			return activate(ctx, r)
		}
		r.Status = e.To
		return nil
	}))

	p.handle("ProtocolVersionApproved", on(ActionApproved, func(_ context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionApproved, ev clinops.Event) error {
		r.Status = protocol.StatusApproved
		r.EffectiveDate = at(e.EffectiveDate)
		r.ApprovedBy = ev.ActorID()
		r.ApprovedAt = at(ev.Timestamp)
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("ProtocolVersionActivated", on(ActionActivated, func(ctx context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionActivated, ev clinops.Event) error {
		r.StatusReason = e.Reason
		r.ActivatedAt = at(ev.Timestamp)
		r.UpdatedAt = ev.Timestamp
		return activate(ctx, r)
	}))

	p.handle("ProtocolVersionSuperseded", on(ActionSuperseded, func(_ context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionSuperseded, ev clinops.Event) error {
		r.Status = protocol.StatusSuperseded
		r.StatusReason = e.Reason
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("ProtocolVersionWithdrawn", on(ActionWithdrawn, func(_ context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionWithdrawn, ev clinops.Event) error {
		r.Status = protocol.StatusWithdrawn
		r.StatusReason = e.Reason
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("ProtocolVersionDetailsUpdated", on(ActionUpdated, func(_ context.Context, r *ProtocolVersionRow, e protocol.ProtocolVersionDetailsUpdated, ev clinops.Event) error {
		if e.Description != "" {
			r.Description = e.Description
		}
		if e.ChangesSummary != "" {
			r.ChangesSummary = e.ChangesSummary
		}
		r.UpdatedAt = ev.Timestamp
		return nil
	}))
	return p
}
