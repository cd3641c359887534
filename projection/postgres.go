package projection

import (
	"database/sql"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters/postgres"
	"github.com/clinprecision/clinops-core/domain/protocol"
)

// PostgresDeps returns Deps whose stores share one database transaction.
func PostgresDeps(a *postgres.PostgresAdapter, logger clinops.Logger) Deps {
	return Deps{
		Tx:        a.Transactor(),
		Audit:     postgres.NewAuditStoreFromAdapter(a),
		Processed: postgres.NewProcessedEventsFromAdapter(a),
		Logger:    logger,
	}
}

// NewPostgresReadModels creates (and migrates) the read-model tables in the
// adapter's schema. protocol_versions carries a partial unique index so the
// database itself refuses a second ACTIVE version per study.
func NewPostgresReadModels(a *postgres.PostgresAdapter) (ReadModels, error) {
	var (
		m   ReadModels
		err error
	)
	db := a.DB()
	schema := postgres.WithReadModelSchema(a.Schema())

	if m.Studies, err = repo[StudyRow](db, schema, "studies"); err != nil {
		return m, err
	}
	if m.Patients, err = repo[PatientRow](db, schema, "patients"); err != nil {
		return m, err
	}
	if m.Enrollments, err = repo[EnrollmentRow](db, schema, "enrollments"); err != nil {
		return m, err
	}
	if m.Documents, err = repo[DocumentRow](db, schema, "documents"); err != nil {
		return m, err
	}
	if m.ProtocolVersions, err = repo[ProtocolVersionRow](db, schema, "protocol_versions",
		postgres.WithPartialUniqueIndex("uq_protocol_versions_active",
			"status = '"+protocol.StatusActive+"'", "study_id")); err != nil {
		return m, err
	}
	if m.Builds, err = repo[BuildRow](db, schema, "builds"); err != nil {
		return m, err
	}
	if m.Designs, err = repo[DesignRow](db, schema, "designs"); err != nil {
		return m, err
	}
	if m.Arms, err = repo[ArmRow](db, schema, "arms"); err != nil {
		return m, err
	}
	if m.VisitDefinitions, err = repo[VisitDefinitionRow](db, schema, "visit_definitions"); err != nil {
		return m, err
	}
	if m.FormAssignments, err = repo[FormAssignmentRow](db, schema, "form_assignments"); err != nil {
		return m, err
	}
	if m.Visits, err = repo[VisitRow](db, schema, "visits"); err != nil {
		return m, err
	}
	if m.FormData, err = repo[FormDataRow](db, schema, "form_data"); err != nil {
		return m, err
	}
	if m.Sites, err = repo[SiteRow](db, schema, "sites"); err != nil {
		return m, err
	}
	if m.SiteUsers, err = repo[SiteUserRow](db, schema, "site_users"); err != nil {
		return m, err
	}
	return m, nil
}

func repo[T any](db *sql.DB, schema postgres.ReadModelOption, table string, opts ...postgres.ReadModelOption) (clinops.ReadModelRepository[T], error) {
	r, err := postgres.NewPostgresRepository[T](db, append([]postgres.ReadModelOption{schema, postgres.WithTableName(table)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return r, nil
}
