package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/dbbuild"
	"github.com/clinprecision/clinops-core/projection"
)

// Rules reported by BuildValidator.
const (
	RuleSingleBuildInProgress = "single-build-in-progress"
	RuleCompletedBuild        = "completed-build"
)

// BuildValidator checks commands that depend on study database builds.
type BuildValidator struct {
	builds clinops.Reader[projection.BuildRow]
	opts   options
}

// NewBuildValidator creates a BuildValidator.
func NewBuildValidator(builds clinops.Reader[projection.BuildRow], opts ...Option) *BuildValidator {
	return &BuildValidator{builds: builds, opts: newOptions(opts)}
}

// ValidateStart rejects a new build while another build of the study is in
// progress.
func (v *BuildValidator) ValidateStart(ctx context.Context, studyID string) error {
	if err := v.opts.catchUp.wait(ctx, buildProjection); err != nil {
		return err
	}
	running, err := v.builds.Find(ctx, clinops.NewQuery().
		Eq("study_id", studyID).
		Eq("status", dbbuild.StatusInProgress).
		WithLimit(1).
		Build())
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return clinops.NewPreconditionError(RuleSingleBuildInProgress,
			fmt.Sprintf("study %s already has build %s in progress", studyID, running[0].ID))
	}
	return nil
}

// RequireCompletedBuild accepts buildID when it is a COMPLETED build of
// studyID. An empty buildID accepts any COMPLETED build of the study.
func (v *BuildValidator) RequireCompletedBuild(ctx context.Context, studyID, buildID string) error {
	if err := v.opts.catchUp.wait(ctx, buildProjection); err != nil {
		return err
	}
	if buildID == "" {
		n, err := v.builds.Count(ctx, clinops.NewQuery().
			Eq("study_id", studyID).
			Eq("status", dbbuild.StatusCompleted).
			Build())
		if err != nil {
			return err
		}
		if n == 0 {
			return clinops.NewPreconditionError(RuleCompletedBuild,
				fmt.Sprintf("study %s has no completed database build", studyID))
		}
		return nil
	}

	b, err := v.builds.Get(ctx, buildID)
	if errors.Is(err, clinops.ErrNotFound) {
		return clinops.NewPreconditionError(RuleCompletedBuild, fmt.Sprintf("database build %s does not exist", buildID))
	}
	if err != nil {
		return err
	}
	if b.StudyID != studyID {
		return clinops.NewPreconditionError(RuleCompletedBuild,
			fmt.Sprintf("database build %s belongs to study %s, not %s", buildID, b.StudyID, studyID))
	}
	if b.Status != dbbuild.StatusCompleted {
		return clinops.NewPreconditionError(RuleCompletedBuild,
			fmt.Sprintf("database build %s is %s, not COMPLETED", buildID, b.Status))
	}
	return nil
}
