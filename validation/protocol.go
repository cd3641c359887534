package validation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/protocol"
	"github.com/clinprecision/clinops-core/domain/study"
	"github.com/clinprecision/clinops-core/projection"
)

// Rules reported by ProtocolValidator.
const (
	RuleStudyExists         = "study-exists"
	RuleStudyOpen           = "study-open"
	RuleUniqueVersionNumber = "unique-version-number"
	RuleActivationStudy     = "activation-study-status"
	RuleSingleActiveVersion = "single-active-version"
	RuleNotOnlyVersion      = "not-only-version"
	RuleSuccessorApproved   = "successor-approved"
	RuleActiveVersionInUse  = "active-version-in-use"
)

const (
	studyProjection    = "study"
	protocolProjection = "protocol"
	buildProjection    = "dbbuild"
)

// ProtocolValidator checks protocol version commands against the studies and
// protocol versions tables.
type ProtocolValidator struct {
	studies  clinops.Reader[projection.StudyRow]
	versions clinops.Reader[projection.ProtocolVersionRow]
	opts     options
}

// NewProtocolValidator creates a ProtocolValidator.
func NewProtocolValidator(studies clinops.Reader[projection.StudyRow], versions clinops.Reader[projection.ProtocolVersionRow], opts ...Option) *ProtocolValidator {
	return &ProtocolValidator{studies: studies, versions: versions, opts: newOptions(opts)}
}

func (v *ProtocolValidator) catchUp(ctx context.Context) error {
	if err := v.opts.catchUp.wait(ctx, studyProjection); err != nil {
		return err
	}
	return v.opts.catchUp.wait(ctx, protocolProjection)
}

func (v *ProtocolValidator) study(ctx context.Context, id string) (*projection.StudyRow, error) {
	s, err := v.studies.Get(ctx, id)
	if errors.Is(err, clinops.ErrNotFound) {
		return nil, clinops.NewPreconditionError(RuleStudyExists, fmt.Sprintf("study %s does not exist", id))
	}
	return s, err
}

func (v *ProtocolValidator) forStudy(ctx context.Context, studyID string) ([]*projection.ProtocolVersionRow, error) {
	return v.versions.Find(ctx, clinops.NewQuery().Eq("study_id", studyID).Build())
}

// ValidateCreate rejects new versions for closed studies and duplicate
// version numbers.
func (v *ProtocolValidator) ValidateCreate(ctx context.Context, studyID, versionNumber string) error {
	if err := v.catchUp(ctx); err != nil {
		return err
	}
	s, err := v.study(ctx, studyID)
	if err != nil {
		return err
	}
	switch s.Status {
	case study.StatusCompleted, study.StatusTerminated, study.StatusWithdrawn:
		return clinops.NewPreconditionError(RuleStudyOpen,
			fmt.Sprintf("cannot create protocol version for study %s: study is %s", s.Name, s.Status))
	}
	existing, err := v.forStudy(ctx, studyID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.VersionNumber == versionNumber {
			return clinops.NewPreconditionError(RuleUniqueVersionNumber,
				fmt.Sprintf("protocol version %s already exists for study %s", versionNumber, studyID))
		}
	}
	return nil
}

// ValidateActivation rejects activating versionID while another version of
// the study is ACTIVE, and activation for studies not yet approved.
func (v *ProtocolValidator) ValidateActivation(ctx context.Context, studyID, versionID string) error {
	if err := v.catchUp(ctx); err != nil {
		return err
	}
	s, err := v.study(ctx, studyID)
	if err != nil {
		return err
	}
	if s.Status != study.StatusApproved && s.Status != study.StatusActive {
		return clinops.NewPreconditionError(RuleActivationStudy,
			fmt.Sprintf("cannot activate a protocol version: study %s is %s (must be APPROVED or ACTIVE)", studyID, s.Status))
	}
	active, err := v.versions.Find(ctx, clinops.NewQuery().
		Eq("study_id", studyID).
		Eq("status", protocol.StatusActive).
		Build())
	if err != nil {
		return err
	}
	var others []string
	for _, a := range active {
		if a.ID != versionID {
			others = append(others, a.VersionNumber)
		}
	}
	if len(others) > 0 {
		v.opts.logger.Info("protocol activation rejected", "study", studyID, "version", versionID, "active", others)
		return clinops.NewPreconditionError(RuleSingleActiveVersion,
			fmt.Sprintf("study %s already has ACTIVE version %s; withdraw or supersede it first", studyID, strings.Join(others, ", ")))
	}
	return nil
}

// ValidateSupersession rejects superseding a study's only version, and
// superseding the ACTIVE version while no newer APPROVED version can take
// over.
func (v *ProtocolValidator) ValidateSupersession(ctx context.Context, studyID, versionID string) error {
	if err := v.catchUp(ctx); err != nil {
		return err
	}
	all, err := v.forStudy(ctx, studyID)
	if err != nil {
		return err
	}
	target := find(all, versionID)
	if target == nil {
		// The aggregate reports the unknown version.
		return nil
	}
	if len(all) == 1 {
		return clinops.NewPreconditionError(RuleNotOnlyVersion,
			fmt.Sprintf("cannot supersede protocol version %s: it is the only version of study %s", target.VersionNumber, studyID))
	}
	if target.Status == protocol.StatusActive {
		for _, o := range all {
			if o.Status == protocol.StatusApproved && CompareVersions(o.VersionNumber, target.VersionNumber) > 0 {
				return nil
			}
		}
		return clinops.NewPreconditionError(RuleSuccessorApproved,
			fmt.Sprintf("cannot supersede ACTIVE protocol version %s: no newer APPROVED version can replace it", target.VersionNumber))
	}
	return nil
}

// ValidateWithdrawal rejects withdrawing a study's only version, and the
// ACTIVE version of a study that is itself ACTIVE.
func (v *ProtocolValidator) ValidateWithdrawal(ctx context.Context, versionID string) error {
	if err := v.catchUp(ctx); err != nil {
		return err
	}
	target, err := v.versions.Get(ctx, versionID)
	if errors.Is(err, clinops.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	all, err := v.forStudy(ctx, target.StudyID)
	if err != nil {
		return err
	}
	if len(all) == 1 {
		return clinops.NewPreconditionError(RuleNotOnlyVersion,
			fmt.Sprintf("cannot withdraw protocol version %s: it is the only version of study %s", target.VersionNumber, target.StudyID))
	}
	if target.Status == protocol.StatusActive {
		s, err := v.study(ctx, target.StudyID)
		if err != nil {
			return err
		}
		if s.Status == study.StatusActive {
			return clinops.NewPreconditionError(RuleActiveVersionInUse,
				fmt.Sprintf("cannot withdraw ACTIVE protocol version %s: study %s is ACTIVE and needs it", target.VersionNumber, target.StudyID))
		}
	}
	return nil
}

func find(rows []*projection.ProtocolVersionRow, id string) *projection.ProtocolVersionRow {
	for _, r := range rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// CompareVersions orders dotted version numbers such as "1.10" and "1.9"
// segment by segment, numerically where both segments are numbers. A
// leading "v" is ignored.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.ToLower(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.ToLower(b), "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case x == "" && y == "":
			continue
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x == "":
			return -1
		case y == "":
			return 1
		default:
			if c := strings.Compare(x, y); c != 0 {
				return c
			}
		}
	}
	return 0
}
