package validation

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/dbbuild"
	"github.com/clinprecision/clinops-core/domain/protocol"
	"github.com/clinprecision/clinops-core/domain/visit"
)

// GuardedCommands lists the command types Middleware checks.
var GuardedCommands = []string{
	"CreateProtocolVersion",
	"ActivateProtocolVersion",
	"ChangeProtocolVersionStatus",
	"WithdrawProtocolVersion",
	"StartStudyDatabaseBuild",
	"CreateVisit",
}

// Middleware runs the cross-aggregate checks before the guarded commands
// reach their handlers. It must be installed after clinops.LockMiddleware so
// the checks run while the command's study scope is held. Either validator
// may be nil to skip its commands.
func Middleware(protocols *ProtocolValidator, builds *BuildValidator) clinops.Middleware {
	check := func(ctx context.Context, cmd clinops.Command) error {
		switch c := cmd.(type) {
		case protocol.CreateProtocolVersion:
			if protocols != nil {
				return protocols.ValidateCreate(ctx, c.StudyID, c.VersionNumber)
			}
		case protocol.ActivateProtocolVersion:
			if protocols != nil {
				return protocols.ValidateActivation(ctx, c.StudyID, c.ProtocolVersionID)
			}
		case protocol.ChangeProtocolVersionStatus:
			if protocols != nil && c.NewStatus == protocol.StatusSuperseded {
				return protocols.ValidateSupersession(ctx, c.StudyID, c.ProtocolVersionID)
			}
		case protocol.WithdrawProtocolVersion:
			if protocols != nil {
				return protocols.ValidateWithdrawal(ctx, c.ProtocolVersionID)
			}
		case dbbuild.StartStudyDatabaseBuild:
			if builds != nil {
				return builds.ValidateStart(ctx, c.StudyID)
			}
		case visit.CreateVisit:
			if builds != nil {
				return builds.RequireCompletedBuild(ctx, c.StudyID, c.BuildID)
			}
		}
		return nil
	}

	return clinops.CommandTypeMiddleware(GuardedCommands, func(next clinops.MiddlewareFunc) clinops.MiddlewareFunc {
		return func(ctx context.Context, cmd clinops.Command) (clinops.CommandResult, error) {
			if err := check(ctx, cmd); err != nil {
				return clinops.CommandResult{}, err
			}
			return next(ctx, cmd)
		}
	})
}
