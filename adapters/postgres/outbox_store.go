package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore keeps integration messages until a publisher confirms them.
// (event_id, destination) is unique, so scheduling is idempotent.
type OutboxStore struct {
	db     *sql.DB
	schema string
	table  string
}

// OutboxStoreOption configures an OutboxStore.
type OutboxStoreOption func(*OutboxStore)

// WithOutboxSchema sets the schema of the outbox table.
func WithOutboxSchema(schema string) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.schema = schema
	}
}

// WithOutboxTableName sets the outbox table name.
func WithOutboxTableName(table string) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.table = table
	}
}

// NewOutboxStore creates an OutboxStore.
func NewOutboxStore(db *sql.DB, opts ...OutboxStoreOption) *OutboxStore {
	s := &OutboxStore{
		db:     db,
		schema: DefaultSchema,
		table:  "outbox",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOutboxStoreFromAdapter shares the adapter's pool and schema.
func NewOutboxStoreFromAdapter(adapter *PostgresAdapter, opts ...OutboxStoreOption) *OutboxStore {
	allOpts := append([]OutboxStoreOption{WithOutboxSchema(adapter.schema)}, opts...)
	return NewOutboxStore(adapter.db, allOpts...)
}

func (s *OutboxStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the outbox table.
func (s *OutboxStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			id              VARCHAR(64) PRIMARY KEY,
			event_id        VARCHAR(64) NOT NULL,
			aggregate_id    VARCHAR(255) NOT NULL,
			family          VARCHAR(250) NOT NULL DEFAULT '',
			event_type      VARCHAR(255) NOT NULL,
			destination     VARCHAR(500) NOT NULL,
			payload         BYTEA NOT NULL,
			headers         JSONB NOT NULL DEFAULT '{}',
			status          INT NOT NULL DEFAULT 0,
			attempts        INT NOT NULL DEFAULT 0,
			max_attempts    INT NOT NULL DEFAULT 5,
			last_error      TEXT NOT NULL DEFAULT '',
			scheduled_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			processed_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (event_id, destination)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_pending") + ` ON ` + tableQ + ` (scheduled_at) WHERE status = 0`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_dead_letter") + ` ON ` + tableQ + ` (created_at) WHERE status = 4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clinops/postgres/outbox: failed to create table: %w", err)
		}
	}
	return nil
}

// Schedule stores messages as pending. Inside WithinTx the rows commit with
// the caller's unit of work.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.insertMessages(ctx, tx, messages)
	})
}

func (s *OutboxStore) insertMessages(ctx context.Context, tx *sql.Tx, messages []*adapters.OutboxMessage) error {
	query := `
		INSERT INTO ` + s.fullTableName() + ` (
			id, event_id, aggregate_id, family, event_type, destination, payload, headers,
			status, max_attempts, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id, destination) DO NOTHING`

	now := time.Now()
	for _, msg := range messages {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("clinops/postgres/outbox: failed to marshal headers: %w", err)
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		scheduledAt := msg.ScheduledAt
		if scheduledAt.IsZero() {
			scheduledAt = now
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		maxAttempts := msg.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 5
		}

		_, err = tx.ExecContext(ctx, query,
			msg.ID, msg.EventID, msg.AggregateID, msg.Family, msg.EventType, msg.Destination,
			msg.Payload, string(headers), int(adapters.OutboxPending), maxAttempts, scheduledAt, createdAt,
		)
		if err != nil {
			return fmt.Errorf("clinops/postgres/outbox: failed to insert message: %w", err)
		}
	}
	return nil
}

const outboxColumns = `id, event_id, aggregate_id, family, event_type, destination, payload, headers,
	status, attempts, max_attempts, last_error, scheduled_at, last_attempt_at, processed_at, created_at`

// FetchPending claims up to limit due messages. SKIP LOCKED lets several
// relays share one outbox without double delivery.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	tableQ := s.fullTableName()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE `+tableQ+` SET
			status = $1,
			last_attempt_at = NOW(),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM `+tableQ+`
			WHERE status = $2 AND scheduled_at <= NOW()
			ORDER BY scheduled_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		int(adapters.OutboxProcessing), int(adapters.OutboxPending), adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres/outbox: failed to fetch pending messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkCompleted marks messages delivered.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, int(adapters.OutboxCompleted))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `UPDATE `+s.fullTableName()+` SET
			status = $1,
			processed_at = NOW()
		WHERE id IN (`+placeholders(2, len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("clinops/postgres/outbox: failed to mark completed: %w", err)
	}
	return nil
}

// MarkFailed returns the message to pending at retryAt, or dead-letters it
// once its attempts are spent.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error, retryAt time.Time) error {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	_, err := s.db.ExecContext(ctx, `UPDATE `+s.fullTableName()+` SET
			status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			scheduled_at = CASE WHEN attempts >= max_attempts THEN scheduled_at ELSE $3 END,
			last_error = $4
		WHERE id = $5`,
		int(adapters.OutboxDeadLetter), int(adapters.OutboxPending), retryAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("clinops/postgres/outbox: failed to mark failed: %w", err)
	}
	return nil
}

// RetryFailed moves failed messages with attempts left back to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE `+s.fullTableName()+` SET status = $1
		WHERE status = $2 AND attempts < $3`,
		int(adapters.OutboxPending), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("clinops/postgres/outbox: failed to retry failed messages: %w", err)
	}
	return result.RowsAffected()
}

// GetDeadLetterMessages returns dead-lettered messages, oldest first.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+`
		FROM `+s.fullTableName()+`
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, int(adapters.OutboxDeadLetter), adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres/outbox: failed to get dead letter messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Cleanup removes completed messages processed before olderThan ago.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+s.fullTableName()+`
		WHERE status = $1 AND processed_at IS NOT NULL AND processed_at < $2`,
		int(adapters.OutboxCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("clinops/postgres/outbox: failed to cleanup: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus counts messages in status.
func (s *OutboxStore) CountByStatus(ctx context.Context, status adapters.OutboxStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.fullTableName()+` WHERE status = $1`, int(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("clinops/postgres/outbox: failed to count: %w", err)
	}
	return n, nil
}

// messageScanTargets holds the nullable columns of one outbox row.
type messageScanTargets struct {
	headers       []byte
	status        int
	lastAttemptAt sql.NullTime
	processedAt   sql.NullTime
}

func (t *messageScanTargets) scanDest(msg *adapters.OutboxMessage) []interface{} {
	return []interface{}{
		&msg.ID, &msg.EventID, &msg.AggregateID, &msg.Family, &msg.EventType, &msg.Destination,
		&msg.Payload, &t.headers, &t.status, &msg.Attempts, &msg.MaxAttempts, &msg.LastError,
		&msg.ScheduledAt, &t.lastAttemptAt, &t.processedAt, &msg.CreatedAt,
	}
}

func (t *messageScanTargets) populate(msg *adapters.OutboxMessage) error {
	msg.Status = adapters.OutboxStatus(t.status)
	msg.LastAttemptAt = t.lastAttemptAt.Time
	msg.ProcessedAt = t.processedAt.Time
	if len(t.headers) > 0 && string(t.headers) != "null" {
		if err := json.Unmarshal(t.headers, &msg.Headers); err != nil {
			return fmt.Errorf("clinops/postgres/outbox: failed to unmarshal headers: %w", err)
		}
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*adapters.OutboxMessage, error) {
	var messages []*adapters.OutboxMessage
	for rows.Next() {
		msg := &adapters.OutboxMessage{}
		var targets messageScanTargets
		if err := rows.Scan(targets.scanDest(msg)...); err != nil {
			return nil, fmt.Errorf("clinops/postgres/outbox: failed to scan message: %w", err)
		}
		if err := targets.populate(msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clinops/postgres/outbox: error iterating rows: %w", err)
	}
	return messages, nil
}
