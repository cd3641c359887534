package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.AuditStore = (*AuditStore)(nil)

// AuditStore is the append-only audit trail. A unique index on
// source_event_id makes Append idempotent per event.
type AuditStore struct {
	db     *sql.DB
	schema string
	table  string
}

// NewAuditStore creates an AuditStore writing to schema.audit_log.
func NewAuditStore(db *sql.DB, schema string) *AuditStore {
	if schema == "" {
		schema = DefaultSchema
	}
	return &AuditStore{db: db, schema: schema, table: "audit_log"}
}

// NewAuditStoreFromAdapter shares the adapter's pool and schema.
func NewAuditStoreFromAdapter(a *PostgresAdapter) *AuditStore {
	return NewAuditStore(a.db, a.schema)
}

func (s *AuditStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the audit table.
func (s *AuditStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	tableQ := s.fullTableName()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			id              VARCHAR(64) PRIMARY KEY,
			entity_type     VARCHAR(100) NOT NULL,
			entity_id       VARCHAR(255) NOT NULL,
			action          VARCHAR(100) NOT NULL,
			old_data        JSONB,
			new_data        JSONB,
			actor_id        VARCHAR(255) NOT NULL DEFAULT '',
			occurred_at     TIMESTAMPTZ NOT NULL,
			source_event_id VARCHAR(64)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_log_source_event ON ` + tableQ + ` (source_event_id)
			WHERE source_event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON ` + tableQ + ` (entity_type, entity_id, occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clinops/postgres/audit: failed to create table: %w", err)
		}
	}
	return nil
}

// Append writes record unless its source event already has a row.
func (s *AuditStore) Append(ctx context.Context, record adapters.AuditRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	res, err := conn(ctx, s.db).ExecContext(ctx, `INSERT INTO `+s.fullTableName()+`
		(id, entity_type, entity_id, action, old_data, new_data, actor_id, occurred_at, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_event_id) WHERE source_event_id IS NOT NULL DO NOTHING`,
		record.ID, record.EntityType, record.EntityID, record.Action,
		nullJSON(record.OldData), nullJSON(record.NewData),
		record.ActorID, record.OccurredAt, nullString(record.SourceEventID),
	)
	if err != nil {
		return false, fmt.Errorf("clinops/postgres/audit: failed to append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clinops/postgres/audit: failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

const auditColumns = `id, entity_type, entity_id, action, old_data, new_data, actor_id, occurred_at, source_event_id`

// ForEntity returns the trail of one entity, oldest first.
func (s *AuditStore) ForEntity(ctx context.Context, entityType, entityID string) ([]adapters.AuditRecord, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx, `SELECT `+auditColumns+` FROM `+s.fullTableName()+`
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at, id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres/audit: failed to query: %w", err)
	}
	defer rows.Close()

	var out []adapters.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// BySourceEvent returns nil, nil when eventID left no audit row.
func (s *AuditStore) BySourceEvent(ctx context.Context, eventID string) (*adapters.AuditRecord, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx, `SELECT `+auditColumns+` FROM `+s.fullTableName()+`
		WHERE source_event_id = $1`, eventID)
	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Count returns the number of audit rows.
func (s *AuditStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := conn(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.fullTableName()).Scan(&n); err != nil {
		return 0, fmt.Errorf("clinops/postgres/audit: failed to count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAudit(row scanner) (*adapters.AuditRecord, error) {
	var rec adapters.AuditRecord
	var src sql.NullString
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Action,
		&rec.OldData, &rec.NewData, &rec.ActorID, &rec.OccurredAt, &src)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("clinops/postgres/audit: failed to scan: %w", err)
	}
	rec.SourceEventID = src.String
	return &rec, nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
