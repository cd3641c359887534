package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/dbbuild"
	"github.com/clinprecision/clinops-core/domain/patient"
	"github.com/clinprecision/clinops-core/domain/visit"
	"github.com/clinprecision/clinops-core/projection"
)

// UnscheduledVisitType marks visit definitions that are never planned ahead.
const UnscheduledVisitType = "UNSCHEDULED"

// RuleCompletedBuild is reported when a study has no completed database
// build to schedule visits against.
const RuleCompletedBuild = "completed-build"

var visitNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("clinops/protocol-visit"))

// ProtocolVisitID is the ID of the visit planned for patientID by the visit
// definition definitionID. Every instantiation of the pair yields the same ID.
func ProtocolVisitID(patientID, definitionID string) string {
	return uuid.NewSHA1(visitNamespace, []byte(patientID+"/"+definitionID)).String()
}

// VisitInstantiation schedules the protocol visits of a patient that becomes
// ACTIVE: one visit per scheduled visit definition of every study the patient
// is enrolled in that is not tied to an arm, dated from the enrollment date
// by the definition's timepoint in days. Visit IDs are derived from the
// patient and definition, so a repeated trigger finds the visits in place.
type VisitInstantiation struct {
	bus         clinops.Dispatcher
	enrollments clinops.Reader[projection.EnrollmentRow]
	definitions clinops.Reader[projection.VisitDefinitionRow]
	builds      clinops.Reader[projection.BuildRow]
	opts        options
}

// NewVisitInstantiation creates a VisitInstantiation.
func NewVisitInstantiation(
	bus clinops.Dispatcher,
	enrollments clinops.Reader[projection.EnrollmentRow],
	definitions clinops.Reader[projection.VisitDefinitionRow],
	builds clinops.Reader[projection.BuildRow],
	opts ...Option,
) *VisitInstantiation {
	return &VisitInstantiation{
		bus:         bus,
		enrollments: enrollments,
		definitions: definitions,
		builds:      builds,
		opts:        newOptions(opts),
	}
}

func (c *VisitInstantiation) Name() string       { return "visit-instantiation" }
func (c *VisitInstantiation) Families() []string { return []string{patient.Family} }

// Handle instantiates visits for PatientStatusChanged to ACTIVE.
func (c *VisitInstantiation) Handle(ctx context.Context, ev clinops.Event) error {
	changed, ok := ev.Data.(patient.PatientStatusChanged)
	if !ok || changed.To != patient.StatusActive {
		return nil
	}
	if err := c.opts.catchUp(ctx, "patient", "design-visits", "dbbuild"); err != nil {
		return err
	}

	enrollments, err := c.enrollments.Find(ctx, clinops.NewQuery().Eq("patient_id", ev.AggregateID).Build())
	if err != nil {
		return fmt.Errorf("loading enrollments of patient %s: %w", ev.AggregateID, err)
	}
	if len(enrollments) == 0 {
		c.opts.logger.Warn("active patient has no enrollment", "patient", ev.AggregateID, "event", ev.ID)
		return nil
	}

	var errs []error
	for _, en := range enrollments {
		if err := c.instantiate(ctx, ev, en); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *VisitInstantiation) instantiate(ctx context.Context, ev clinops.Event, en *projection.EnrollmentRow) error {
	defs, err := c.Scheduled(ctx, en.StudyID)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		c.opts.logger.Warn("study has no scheduled visit definitions", "study", en.StudyID)
		return nil
	}
	build, err := c.latestBuild(ctx, en.StudyID)
	if err != nil {
		return err
	}

	baseline := en.EnrollmentDate
	if baseline.IsZero() {
		baseline = ev.Timestamp
	}

	var errs []error
	created := 0
	for _, d := range defs {
		_, err := c.bus.Dispatch(ctx, visit.CreateVisit{
			CommandBase:       causedBy(ev),
			VisitID:           ProtocolVisitID(en.PatientID, d.ID),
			PatientID:         en.PatientID,
			StudyID:           en.StudyID,
			SiteID:            en.SiteID,
			VisitDefinitionID: d.ID,
			VisitType:         d.VisitType,
			VisitDate:         baseline.AddDate(0, 0, d.Timepoint),
			BuildID:           build.ID,
		})
		switch {
		case errors.Is(err, clinops.ErrAlreadyExists):
		case err != nil:
			// the remaining definitions are still scheduled
			c.opts.logger.Error("visit not instantiated",
				"patient", en.PatientID, "definition", d.ID, "error", err)
			errs = append(errs, fmt.Errorf("visit %s of patient %s: %w", d.ID, en.PatientID, err))
		default:
			created++
		}
	}
	c.opts.logger.Info("protocol visits instantiated",
		"patient", en.PatientID, "study", en.StudyID, "created", created, "build", build.ID)
	return errors.Join(errs...)
}

// Scheduled returns the visit definitions of studyID that every patient gets,
// ordered by timepoint.
func (c *VisitInstantiation) Scheduled(ctx context.Context, studyID string) ([]*projection.VisitDefinitionRow, error) {
	rows, err := c.definitions.Find(ctx, clinops.NewQuery().
		Eq("study_id", studyID).
		Eq("removed", false).
		OrderByAsc("sequence_number").
		Build())
	if err != nil {
		return nil, fmt.Errorf("loading visit definitions of study %s: %w", studyID, err)
	}
	defs := rows[:0]
	for _, d := range rows {
		if d.ArmID == "" && d.VisitType != UnscheduledVisitType {
			defs = append(defs, d)
		}
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Timepoint < defs[j].Timepoint })
	return defs, nil
}

func (c *VisitInstantiation) latestBuild(ctx context.Context, studyID string) (*projection.BuildRow, error) {
	builds, err := c.builds.Find(ctx, clinops.NewQuery().
		Eq("study_id", studyID).
		Eq("status", dbbuild.StatusCompleted).
		Build())
	if err != nil {
		return nil, fmt.Errorf("loading builds of study %s: %w", studyID, err)
	}
	var latest *projection.BuildRow
	for _, b := range builds {
		if latest == nil || finished(b).After(finished(latest)) {
			latest = b
		}
	}
	if latest == nil {
		return nil, clinops.NewPreconditionError(RuleCompletedBuild,
			fmt.Sprintf("study %s has no completed database build", studyID))
	}
	return latest, nil
}

func finished(b *projection.BuildRow) time.Time {
	if b.FinishedAt != nil {
		return *b.FinishedAt
	}
	return b.StartedAt
}
