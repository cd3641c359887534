package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/clinprecision/clinops-core/adapters"
)

const defaultBatchSize = 1000

// LoadFromPosition returns up to limit events after fromPosition in global
// order, optionally restricted to families. Projection and coordinator
// runners poll it.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int, families ...string) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	limit = adapters.DefaultLimit(limit, defaultBatchSize)

	args := []interface{}{int64(fromPosition), limit}
	query := `SELECT ` + eventColumns + ` FROM ` + a.table("events") + ` WHERE global_position > $1`
	if len(families) > 0 {
		query += ` AND family IN (` + placeholders(3, len(families)) + `)`
		for _, f := range families {
			args = append(args, f)
		}
	}
	query += ` ORDER BY global_position ASC LIMIT $2`

	rows, err := conn(ctx, a.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads rows selected with eventColumns.
func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var ev adapters.StoredEvent
		var pos int64
		var meta []byte
		err := rows.Scan(
			&pos, &ev.ID, &ev.StreamID, &ev.Family, &ev.Version, &ev.Type,
			&ev.SchemaVersion, &ev.Data, &meta, &ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("clinops/postgres: failed to scan event: %w", err)
		}
		ev.GlobalPosition = uint64(pos)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("clinops/postgres: failed to unmarshal metadata of %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clinops/postgres: row iteration error: %w", err)
	}
	return events, nil
}
