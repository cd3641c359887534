// Package postgres provides the PostgreSQL event log, projection bookkeeping,
// read-model repositories and the supporting stores (audit, processed events,
// idempotency, outbox).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/clinprecision/clinops-core/adapters"
)

// Driver names registered by the imported drivers.
const (
	DriverPGX = "pgx"
	DriverPQ  = "postgres"
)

// DefaultSchema holds every clinops table unless WithSchema says otherwise.
const DefaultSchema = "clinops"

// SchemaVersion is the version Migrate brings the database to.
const SchemaVersion = 1

// appendLockKey is the advisory lock appends serialize on, so global
// positions become visible in commit order.
const appendLockKey int64 = 0x636c696e6f7073

var (
	_ adapters.EventStoreAdapter      = (*PostgresAdapter)(nil)
	_ adapters.SubscriptionAdapter    = (*PostgresAdapter)(nil)
	_ adapters.CheckpointAdapter      = (*PostgresAdapter)(nil)
	_ adapters.ProjectionQueryAdapter = (*PostgresAdapter)(nil)
	_ adapters.DiagnosticAdapter      = (*PostgresAdapter)(nil)
)

// PostgresAdapter is the PostgreSQL event log.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	driver string
	closed atomic.Bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithDriver selects the database/sql driver NewAdapter opens: DriverPGX
// (default) or DriverPQ.
func WithDriver(driver string) Option {
	return func(a *PostgresAdapter) {
		a.driver = driver
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		if a.db != nil {
			a.db.SetMaxOpenConns(n)
		}
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		if a.db != nil {
			a.db.SetMaxIdleConns(n)
		}
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		if a.db != nil {
			a.db.SetConnMaxLifetime(d)
		}
	}
}

// NewAdapter opens a connection pool and returns the adapter.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	a := &PostgresAdapter{schema: DefaultSchema, driver: DriverPGX}
	// first pass picks the driver; pool options need the db
	for _, opt := range opts {
		opt(a)
	}

	db, err := sql.Open(a.driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to open database: %w", err)
	}
	a.db = db
	for _, opt := range opts {
		opt(a)
	}

	if err := validateIdentifier(a.schema, "schema"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// NewAdapterWithDB creates an adapter on an existing pool.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	a := &PostgresAdapter{db: db, schema: DefaultSchema, driver: DriverPGX}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *PostgresAdapter) table(name string) string {
	return quoteQualifiedTable(a.schema, name)
}

// Initialize creates the schema and every table.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate creates the event log, projection bookkeeping and the supporting
// store tables. It is idempotent.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	if err := validateIdentifier(a.schema, "schema"); err != nil {
		return err
	}

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdentifier(a.schema),
		`CREATE TABLE IF NOT EXISTS ` + a.table("streams") + ` (
			stream_id   VARCHAR(500) PRIMARY KEY,
			family      VARCHAR(250) NOT NULL,
			version     BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_family ON ` + a.table("streams") + ` (family)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("events") + ` (
			global_position BIGSERIAL PRIMARY KEY,
			event_id        VARCHAR(64) NOT NULL UNIQUE,
			stream_id       VARCHAR(500) NOT NULL,
			family          VARCHAR(250) NOT NULL,
			version         BIGINT NOT NULL,
			event_type      VARCHAR(250) NOT NULL,
			schema_version  INT NOT NULL DEFAULT 1,
			data            BYTEA NOT NULL,
			metadata        JSONB,
			timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stream_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_family ON ` + a.table("events") + ` (family, global_position)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON ` + a.table("events") + ` (event_type)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("checkpoints") + ` (
			projection_name VARCHAR(250) PRIMARY KEY,
			position        BIGINT NOT NULL DEFAULT 0,
			status          VARCHAR(32) NOT NULL DEFAULT 'stopped',
			last_error      TEXT NOT NULL DEFAULT '',
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("schema_migrations") + ` (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clinops/postgres: migration failed: %w", err)
		}
	}

	if err := NewAuditStoreFromAdapter(a).Initialize(ctx); err != nil {
		return err
	}
	if err := NewProcessedEventsFromAdapter(a).Initialize(ctx); err != nil {
		return err
	}
	if err := NewIdempotencyStoreFromAdapter(a).Initialize(ctx); err != nil {
		return err
	}
	if err := NewOutboxStoreFromAdapter(a).Initialize(ctx); err != nil {
		return err
	}

	_, err := a.db.ExecContext(ctx, `INSERT INTO `+a.table("schema_migrations")+` (version) VALUES ($1)
		ON CONFLICT (version) DO NOTHING`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("clinops/postgres: failed to record migration: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version, 0 on a fresh database.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'schema_migrations'
		)`, a.schema).Scan(&exists)
	if err != nil || !exists {
		return 0, err
	}

	var version sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+a.table("schema_migrations")).Scan(&version); err != nil {
		return 0, fmt.Errorf("clinops/postgres: failed to read migration version: %w", err)
	}
	return int(version.Int64), nil
}

// Append stores events with optimistic concurrency. Inside WithinTx it joins
// the ambient transaction.
func (a *PostgresAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	var stored []adapters.StoredEvent
	err := inTx(ctx, a.db, func(tx *sql.Tx) error {
		var err error
		stored, err = a.append(ctx, tx, streamID, events, expectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (a *PostgresAdapter) append(ctx context.Context, tx *sql.Tx, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to lock event log: %w", err)
	}

	var current int64
	exists := true
	err := tx.QueryRowContext(ctx, `SELECT version FROM `+a.table("streams")+`
		WHERE stream_id = $1 FOR UPDATE`, streamID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, current, exists); err != nil {
		return nil, err
	}

	family := adapters.ExtractFamily(streamID)
	if !exists {
		_, err = tx.ExecContext(ctx, `INSERT INTO `+a.table("streams")+` (stream_id, family, version)
			VALUES ($1, $2, 0)`, streamID, family)
		if isUniqueViolation(err) {
			return nil, adapters.NewConcurrencyError(streamID, expectedVersion, current)
		}
		if err != nil {
			return nil, fmt.Errorf("clinops/postgres: failed to create stream: %w", err)
		}
	}

	insert := `INSERT INTO ` + a.table("events") + `
		(event_id, stream_id, family, version, event_type, schema_version, data, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING global_position, timestamp`

	stored := make([]adapters.StoredEvent, len(events))
	for i, ev := range events {
		current++

		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("clinops/postgres: failed to marshal metadata: %w", err)
		}
		id := ev.ID
		if id == "" {
			id = uuid.NewString()
		}
		schemaVersion := ev.SchemaVersion
		if schemaVersion == 0 {
			schemaVersion = 1
		}

		var pos int64
		var ts time.Time
		err = tx.QueryRowContext(ctx, insert,
			id, streamID, family, current, ev.Type, schemaVersion, ev.Data, meta,
		).Scan(&pos, &ts)
		if isUniqueViolation(err) {
			return nil, adapters.NewConcurrencyError(streamID, expectedVersion, current-1)
		}
		if err != nil {
			return nil, fmt.Errorf("clinops/postgres: failed to insert event: %w", err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             id,
			StreamID:       streamID,
			Family:         family,
			Type:           ev.Type,
			SchemaVersion:  schemaVersion,
			Data:           ev.Data,
			Metadata:       ev.Metadata,
			Version:        current,
			GlobalPosition: uint64(pos),
			Timestamp:      ts,
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE `+a.table("streams")+`
		SET version = $1, updated_at = NOW() WHERE stream_id = $2`, current, streamID)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to update stream version: %w", err)
	}
	return stored, nil
}

const eventColumns = `global_position, event_id, stream_id, family, version, event_type, schema_version, data, metadata, timestamp`

// Load returns the events of streamID with Version > fromVersion.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	rows, err := conn(ctx, a.db).QueryContext(ctx, `SELECT `+eventColumns+`
		FROM `+a.table("events")+`
		WHERE stream_id = $1 AND version > $2
		ORDER BY version`, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetStreamInfo returns ErrStreamNotFound for unknown streams.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := conn(ctx, a.db).QueryRowContext(ctx, `
		SELECT s.stream_id, s.family, s.version, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM `+a.table("events")+` e WHERE e.stream_id = s.stream_id)
		FROM `+a.table("streams")+` s
		WHERE s.stream_id = $1`, streamID).Scan(
		&info.StreamID, &info.Family, &info.Version, &info.CreatedAt, &info.UpdatedAt, &info.EventCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to get stream info: %w", err)
	}
	return &info, nil
}

// GetLastPosition returns the newest global position, 0 for an empty log.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := conn(ctx, a.db).QueryRowContext(ctx, `SELECT MAX(global_position) FROM `+a.table("events")).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("clinops/postgres: failed to get last position: %w", err)
	}
	return uint64(pos.Int64), nil
}

// Close releases the connection pool.
func (a *PostgresAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// GetCheckpoint returns 0 for unknown projections.
func (a *PostgresAdapter) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos int64
	err := conn(ctx, a.db).QueryRowContext(ctx, `SELECT position FROM `+a.table("checkpoints")+`
		WHERE projection_name = $1`, projectionName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("clinops/postgres: failed to get checkpoint: %w", err)
	}
	return uint64(pos), nil
}

// SetCheckpoint stores the last applied position of projectionName.
func (a *PostgresAdapter) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := conn(ctx, a.db).ExecContext(ctx, `INSERT INTO `+a.table("checkpoints")+` (projection_name, position)
		VALUES ($1, $2)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = NOW()`, projectionName, int64(position))
	if err != nil {
		return fmt.Errorf("clinops/postgres: failed to set checkpoint: %w", err)
	}
	return nil
}

// ListProjections returns every known projection sorted by name.
func (a *PostgresAdapter) ListProjections(ctx context.Context) ([]adapters.ProjectionInfo, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT projection_name, position, status, last_error, updated_at
		FROM `+a.table("checkpoints")+` ORDER BY projection_name`)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to list projections: %w", err)
	}
	defer rows.Close()

	var out []adapters.ProjectionInfo
	for rows.Next() {
		var info adapters.ProjectionInfo
		var pos int64
		if err := rows.Scan(&info.Name, &pos, &info.Status, &info.LastError, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("clinops/postgres: failed to scan projection: %w", err)
		}
		info.Position = uint64(pos)
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetProjection returns nil, nil for unknown projections.
func (a *PostgresAdapter) GetProjection(ctx context.Context, name string) (*adapters.ProjectionInfo, error) {
	var info adapters.ProjectionInfo
	var pos int64
	err := a.db.QueryRowContext(ctx, `SELECT projection_name, position, status, last_error, updated_at
		FROM `+a.table("checkpoints")+` WHERE projection_name = $1`, name).Scan(
		&info.Name, &pos, &info.Status, &info.LastError, &info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to get projection: %w", err)
	}
	info.Position = uint64(pos)
	return &info, nil
}

// SetProjectionStatus records status and the last error.
func (a *PostgresAdapter) SetProjectionStatus(ctx context.Context, name, status, lastError string) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO `+a.table("checkpoints")+` (projection_name, status, last_error)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection_name) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`, name, status, lastError)
	if err != nil {
		return fmt.Errorf("clinops/postgres: failed to set projection status: %w", err)
	}
	return nil
}

// ResetProjectionCheckpoint rewinds name to position 0.
func (a *PostgresAdapter) ResetProjectionCheckpoint(ctx context.Context, name string) error {
	return a.SetCheckpoint(ctx, name, 0)
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// GetDiagnosticInfo reports the server version.
func (a *PostgresAdapter) GetDiagnosticInfo(ctx context.Context) (*adapters.DiagnosticInfo, error) {
	if err := a.Ping(ctx); err != nil {
		return &adapters.DiagnosticInfo{Message: err.Error()}, nil
	}
	var version string
	if err := a.db.QueryRowContext(ctx, `SELECT version()`).Scan(&version); err != nil {
		return &adapters.DiagnosticInfo{Connected: true, Message: err.Error()}, nil
	}
	return &adapters.DiagnosticInfo{Version: version, Connected: true, Message: "schema " + a.schema}, nil
}

// DB returns the underlying connection pool.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

// Transactor returns a Transactor on the adapter's pool.
func (a *PostgresAdapter) Transactor() *Transactor {
	return NewTransactor(a.db)
}
