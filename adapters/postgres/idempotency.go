package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore remembers command outcomes by idempotency key.
type IdempotencyStore struct {
	db     *sql.DB
	schema string
	table  string
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithIdempotencySchema sets the schema of the idempotency table.
func WithIdempotencySchema(schema string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.schema = schema
	}
}

// WithIdempotencyTable sets the table name.
func WithIdempotencyTable(table string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.table = table
	}
}

// NewIdempotencyStore creates an IdempotencyStore.
func NewIdempotencyStore(db *sql.DB, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		db:     db,
		schema: DefaultSchema,
		table:  "idempotency",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIdempotencyStoreFromAdapter shares the adapter's pool and schema.
func NewIdempotencyStoreFromAdapter(adapter *PostgresAdapter, opts ...IdempotencyStoreOption) *IdempotencyStore {
	allOpts := append([]IdempotencyStoreOption{WithIdempotencySchema(adapter.schema)}, opts...)
	return NewIdempotencyStore(adapter.db, allOpts...)
}

func (s *IdempotencyStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the idempotency table.
func (s *IdempotencyStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			key          VARCHAR(255) PRIMARY KEY,
			command_type VARCHAR(255) NOT NULL,
			aggregate_id VARCHAR(255),
			version      BIGINT,
			position     BIGINT,
			error        TEXT,
			success      BOOLEAN NOT NULL DEFAULT false,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_expires_at") + ` ON ` + tableQ + ` (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clinops/postgres/idempotency: failed to create table: %w", err)
		}
	}
	return nil
}

// Exists reports whether a live record exists for key.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := conn(ctx, s.db).QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM `+s.fullTableName()+` WHERE key = $1 AND expires_at > NOW()
	)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("clinops/postgres/idempotency: failed to check existence: %w", err)
	}
	return exists, nil
}

// Store saves record, replacing an earlier one with the same key.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	var aggregateID, version, position, errMsg interface{}
	if record.AggregateID != "" {
		aggregateID = record.AggregateID
	}
	if record.Version != 0 {
		version = record.Version
	}
	if record.Position != 0 {
		position = int64(record.Position)
	}
	if record.Error != "" {
		errMsg = record.Error
	}
	processedAt := record.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	_, err := conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO `+s.fullTableName()+` (
			key, command_type, aggregate_id, version, position, error, success, processed_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			command_type = EXCLUDED.command_type,
			aggregate_id = EXCLUDED.aggregate_id,
			version = EXCLUDED.version,
			position = EXCLUDED.position,
			error = EXCLUDED.error,
			success = EXCLUDED.success,
			processed_at = EXCLUDED.processed_at,
			expires_at = EXCLUDED.expires_at`,
		record.Key, record.CommandType, aggregateID, version, position, errMsg,
		record.Success, processedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("clinops/postgres/idempotency: failed to store record: %w", err)
	}
	return nil
}

// Get returns nil, nil when key is unknown or expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	var record adapters.IdempotencyRecord
	var aggregateID, errMsg sql.NullString
	var version, position sql.NullInt64

	err := conn(ctx, s.db).QueryRowContext(ctx, `
		SELECT key, command_type, aggregate_id, version, position, error, success, processed_at, expires_at
		FROM `+s.fullTableName()+`
		WHERE key = $1 AND expires_at > NOW()`, key).Scan(
		&record.Key, &record.CommandType, &aggregateID, &version, &position,
		&errMsg, &record.Success, &record.ProcessedAt, &record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres/idempotency: failed to get record: %w", err)
	}

	record.AggregateID = aggregateID.String
	record.Version = version.Int64
	record.Position = uint64(position.Int64)
	record.Error = errMsg.String
	return &record, nil
}

// Delete removes the record for key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	_, err := conn(ctx, s.db).ExecContext(ctx, `DELETE FROM `+s.fullTableName()+` WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("clinops/postgres/idempotency: failed to delete record: %w", err)
	}
	return nil
}

// Cleanup removes records processed more than olderThan ago, and expired ones.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+s.fullTableName()+`
		WHERE processed_at < $1 OR expires_at < NOW()`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clinops/postgres/idempotency: failed to cleanup records: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of stored records.
func (s *IdempotencyStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.fullTableName()).Scan(&count); err != nil {
		return 0, fmt.Errorf("clinops/postgres/idempotency: failed to count records: %w", err)
	}
	return count, nil
}

// Clear removes every record.
func (s *IdempotencyStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE `+s.fullTableName()); err != nil {
		return fmt.Errorf("clinops/postgres/idempotency: failed to clear table: %w", err)
	}
	return nil
}
