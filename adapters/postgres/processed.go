package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clinprecision/clinops-core/adapters"
)

var _ adapters.ProcessedEventStore = (*ProcessedEvents)(nil)

// ProcessedEvents is the per-projection ledger of applied event IDs.
type ProcessedEvents struct {
	db     *sql.DB
	schema string
}

// NewProcessedEvents creates the ledger in schema.processed_events.
func NewProcessedEvents(db *sql.DB, schema string) *ProcessedEvents {
	if schema == "" {
		schema = DefaultSchema
	}
	return &ProcessedEvents{db: db, schema: schema}
}

// NewProcessedEventsFromAdapter shares the adapter's pool and schema.
func NewProcessedEventsFromAdapter(a *PostgresAdapter) *ProcessedEvents {
	return NewProcessedEvents(a.db, a.schema)
}

func (p *ProcessedEvents) fullTableName() string {
	return quoteQualifiedTable(p.schema, "processed_events")
}

// Initialize creates the ledger table.
func (p *ProcessedEvents) Initialize(ctx context.Context) error {
	if err := validateIdentifier(p.schema, "schema"); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+p.fullTableName()+` (
		projection   VARCHAR(250) NOT NULL,
		event_id     VARCHAR(64) NOT NULL,
		position     BIGINT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (projection, event_id)
	)`)
	if err != nil {
		return fmt.Errorf("clinops/postgres/processed: failed to create table: %w", err)
	}
	return nil
}

// IsProcessed reports whether projection already applied eventID.
func (p *ProcessedEvents) IsProcessed(ctx context.Context, projection, eventID string) (bool, error) {
	var exists bool
	err := conn(ctx, p.db).QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM `+p.fullTableName()+` WHERE projection = $1 AND event_id = $2
	)`, projection, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("clinops/postgres/processed: failed to check event: %w", err)
	}
	return exists, nil
}

// MarkProcessed records eventID for projection.
func (p *ProcessedEvents) MarkProcessed(ctx context.Context, projection, eventID string, position uint64) error {
	_, err := conn(ctx, p.db).ExecContext(ctx, `INSERT INTO `+p.fullTableName()+` (projection, event_id, position)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection, event_id) DO NOTHING`, projection, eventID, int64(position))
	if err != nil {
		return fmt.Errorf("clinops/postgres/processed: failed to mark event: %w", err)
	}
	return nil
}

// Clear forgets everything projection applied.
func (p *ProcessedEvents) Clear(ctx context.Context, projection string) error {
	_, err := conn(ctx, p.db).ExecContext(ctx, `DELETE FROM `+p.fullTableName()+` WHERE projection = $1`, projection)
	if err != nil {
		return fmt.Errorf("clinops/postgres/processed: failed to clear: %w", err)
	}
	return nil
}
