package projection

import (
	"github.com/clinprecision/clinops-core"
)

// ReadModels are the tables the projectors maintain.
type ReadModels struct {
	Studies          clinops.ReadModelRepository[StudyRow]
	Patients         clinops.ReadModelRepository[PatientRow]
	Enrollments      clinops.ReadModelRepository[EnrollmentRow]
	Documents        clinops.ReadModelRepository[DocumentRow]
	ProtocolVersions clinops.ReadModelRepository[ProtocolVersionRow]
	Builds           clinops.ReadModelRepository[BuildRow]
	Designs          clinops.ReadModelRepository[DesignRow]
	Arms             clinops.ReadModelRepository[ArmRow]
	VisitDefinitions clinops.ReadModelRepository[VisitDefinitionRow]
	FormAssignments  clinops.ReadModelRepository[FormAssignmentRow]
	Visits           clinops.ReadModelRepository[VisitRow]
	FormData         clinops.ReadModelRepository[FormDataRow]
	Sites            clinops.ReadModelRepository[SiteRow]
	SiteUsers        clinops.ReadModelRepository[SiteUserRow]
}

// NewMemoryReadModels returns empty in-process tables.
func NewMemoryReadModels() ReadModels {
	return ReadModels{
		Studies:          clinops.NewInMemoryRepository(func(r *StudyRow) string { return r.ID }),
		Patients:         clinops.NewInMemoryRepository(func(r *PatientRow) string { return r.ID }),
		Enrollments:      clinops.NewInMemoryRepository(func(r *EnrollmentRow) string { return r.ID }),
		Documents:        clinops.NewInMemoryRepository(func(r *DocumentRow) string { return r.ID }),
		ProtocolVersions: clinops.NewInMemoryRepository(func(r *ProtocolVersionRow) string { return r.ID }),
		Builds:           clinops.NewInMemoryRepository(func(r *BuildRow) string { return r.ID }),
		Designs:          clinops.NewInMemoryRepository(func(r *DesignRow) string { return r.ID }),
		Arms:             clinops.NewInMemoryRepository(func(r *ArmRow) string { return r.ID }),
		VisitDefinitions: clinops.NewInMemoryRepository(func(r *VisitDefinitionRow) string { return r.ID }),
		FormAssignments:  clinops.NewInMemoryRepository(func(r *FormAssignmentRow) string { return r.ID }),
		Visits:           clinops.NewInMemoryRepository(func(r *VisitRow) string { return r.ID }),
		FormData:         clinops.NewInMemoryRepository(func(r *FormDataRow) string { return r.ID }),
		Sites:            clinops.NewInMemoryRepository(func(r *SiteRow) string { return r.ID }),
		SiteUsers:        clinops.NewInMemoryRepository(func(r *SiteUserRow) string { return r.ID }),
	}
}

// Set is every projector over one ReadModels.
type Set struct {
	Study           *Projector[StudyRow]
	Patient         *Projector[PatientRow]
	Document        *Projector[DocumentRow]
	Protocol        *Projector[ProtocolVersionRow]
	Build           *Projector[BuildRow]
	Design          *Projector[DesignRow]
	Arms            *Projector[ArmRow]
	VisitDefinition *Projector[VisitDefinitionRow]
	FormAssignment  *Projector[FormAssignmentRow]
	Visit           *Projector[VisitRow]
	FormData        *Projector[FormDataRow]
	Site            *Projector[SiteRow]
	SiteUsers       *Projector[SiteUserRow]
}

// NewSet builds the projectors. eval may be nil, in which case visits are
// never completed automatically.
func NewSet(models ReadModels, deps Deps, eval VisitEvaluator) *Set {
	deps = deps.withDefaults()
	return &Set{
		Study:           NewStudyProjector(models.Studies, deps),
		Patient:         NewPatientProjector(models.Patients, models.Enrollments, deps),
		Document:        NewDocumentProjector(models.Documents, deps),
		Protocol:        NewProtocolProjector(models.ProtocolVersions, deps),
		Build:           NewBuildProjector(models.Builds, deps),
		Design:          NewDesignProjector(models.Designs, deps),
		Arms:            NewArmProjector(models.Arms, deps),
		VisitDefinition: NewVisitDefinitionProjector(models.VisitDefinitions, deps),
		FormAssignment:  NewFormAssignmentProjector(models.FormAssignments, deps),
		Visit:           NewVisitProjector(models.Visits, deps, eval),
		FormData:        NewFormDataProjector(models.FormData, deps, eval),
		Site:            NewSiteProjector(models.Sites, deps),
		SiteUsers:       NewSiteUserProjector(models.SiteUsers, deps),
	}
}

// All lists the projectors in registration order.
func (s *Set) All() []clinops.Projection {
	return []clinops.Projection{
		s.Study, s.Patient, s.Document, s.Protocol, s.Build,
		s.Design, s.Arms, s.VisitDefinition, s.FormAssignment,
		s.Visit, s.FormData, s.Site, s.SiteUsers,
	}
}
