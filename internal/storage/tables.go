package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// CreateMonitoredTable enrolls a table for scanning. The fully qualified name
// is derived from the connection's dialect catalog plus schema and table name
// by the caller. Returns ErrDuplicateTable when the table is already enrolled
// on the same connection.
func (s *Store) CreateMonitoredTable(ctx context.Context, table *MonitoredTable) error {
	checkTypes, err := json.Marshal(table.CheckTypes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	query := `
		INSERT INTO monitored_tables
			(connection_id, schema_name, table_name, fully_qualified_name, check_types, freshness_sla_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err = s.conn.QueryRowContext(ctx, query,
		table.ConnectionID,
		table.SchemaName,
		table.TableName,
		table.FullyQualifiedName,
		checkTypes,
		table.FreshnessSLAMinutes,
	).Scan(&table.ID, &table.CreatedAt, &table.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTable, table.FullyQualifiedName)
		}

		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Enrolled monitored table",
		slog.Int64("table_id", table.ID),
		slog.String("fqn", table.FullyQualifiedName),
	)

	return nil
}

// GetMonitoredTable fetches a monitored table by ID.
func (s *Store) GetMonitoredTable(ctx context.Context, id int64) (*MonitoredTable, error) {
	query := selectMonitoredTable + ` WHERE id = $1`

	table, err := scanMonitoredTable(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: table %d", ErrNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return table, nil
}

// ListMonitoredTables returns all monitored tables ordered by fully qualified name.
func (s *Store) ListMonitoredTables(ctx context.Context) ([]MonitoredTable, error) {
	return s.queryMonitoredTables(ctx, selectMonitoredTable+` ORDER BY fully_qualified_name`)
}

// ListTablesForConnection returns the monitored tables enrolled on one connection.
func (s *Store) ListTablesForConnection(ctx context.Context, connectionID int64) ([]MonitoredTable, error) {
	query := selectMonitoredTable + ` WHERE connection_id = $1 ORDER BY fully_qualified_name`

	return s.queryMonitoredTables(ctx, query, connectionID)
}

// UpdateMonitoredTable adjusts the check types and freshness SLA of an
// enrolled table.
func (s *Store) UpdateMonitoredTable(ctx context.Context, table *MonitoredTable) error {
	checkTypes, err := json.Marshal(table.CheckTypes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	query := `
		UPDATE monitored_tables
		SET check_types = $2, freshness_sla_minutes = $3, updated_at = NOW()
		WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, table.ID, checkTypes, table.FreshnessSLAMinutes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return requireRowAffected(result, fmt.Sprintf("table %d", table.ID))
}

// DeleteMonitoredTable removes a table from monitoring. Snapshots and
// anomalies cascade at the database level.
func (s *Store) DeleteMonitoredTable(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM monitored_tables WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return requireRowAffected(result, fmt.Sprintf("table %d", id))
}

// InsertSnapshot persists a schema capture. Snapshots are append-only; a new
// row is written only when the layout hash changes.
func (s *Store) InsertSnapshot(ctx context.Context, snapshot *SchemaSnapshot) error {
	columns, err := json.Marshal(snapshot.Columns)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	query := `
		INSERT INTO schema_snapshots (table_id, columns, snapshot_hash)
		VALUES ($1, $2, $3)
		RETURNING id, captured_at`

	err = s.conn.QueryRowContext(ctx, query, snapshot.TableID, columns, snapshot.Hash).
		Scan(&snapshot.ID, &snapshot.CapturedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return nil
}

// LatestSnapshot returns the most recent schema capture for a table, or
// ErrNotFound when the table has never been scanned.
func (s *Store) LatestSnapshot(ctx context.Context, tableID int64) (*SchemaSnapshot, error) {
	query := `
		SELECT id, table_id, columns, snapshot_hash, captured_at
		FROM schema_snapshots
		WHERE table_id = $1
		ORDER BY captured_at DESC
		LIMIT 1`

	var (
		snapshot SchemaSnapshot
		columns  []byte
	)

	err := s.conn.QueryRowContext(ctx, query, tableID).
		Scan(&snapshot.ID, &snapshot.TableID, &columns, &snapshot.Hash, &snapshot.CapturedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no snapshot for table %d", ErrNotFound, tableID)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	if err := json.Unmarshal(columns, &snapshot.Columns); err != nil {
		return nil, fmt.Errorf("%w: corrupt snapshot columns: %w", ErrStoreFailed, err)
	}

	return &snapshot, nil
}

// ListSnapshots returns up to limit schema captures for a table, newest first.
func (s *Store) ListSnapshots(ctx context.Context, tableID int64, limit int) ([]SchemaSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, table_id, columns, snapshot_hash, captured_at
		FROM schema_snapshots
		WHERE table_id = $1
		ORDER BY captured_at DESC
		LIMIT $2`

	rows, err := s.conn.QueryContext(ctx, query, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []SchemaSnapshot

	for rows.Next() {
		var (
			snapshot SchemaSnapshot
			columns  []byte
		)

		err := rows.Scan(&snapshot.ID, &snapshot.TableID, &columns, &snapshot.Hash, &snapshot.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		if err := json.Unmarshal(columns, &snapshot.Columns); err != nil {
			return nil, fmt.Errorf("%w: corrupt snapshot columns: %w", ErrStoreFailed, err)
		}

		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return snapshots, nil
}

const selectMonitoredTable = `
	SELECT id, connection_id, schema_name, table_name, fully_qualified_name,
	       check_types, freshness_sla_minutes, created_at, updated_at
	FROM monitored_tables`

func (s *Store) queryMonitoredTables(ctx context.Context, query string, args ...any) ([]MonitoredTable, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []MonitoredTable

	for rows.Next() {
		table, err := scanMonitoredTable(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		tables = append(tables, *table)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return tables, nil
}

func scanMonitoredTable(row rowScanner) (*MonitoredTable, error) {
	var (
		table      MonitoredTable
		checkTypes []byte
	)

	err := row.Scan(
		&table.ID,
		&table.ConnectionID,
		&table.SchemaName,
		&table.TableName,
		&table.FullyQualifiedName,
		&checkTypes,
		&table.FreshnessSLAMinutes,
		&table.CreatedAt,
		&table.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(checkTypes, &table.CheckTypes); err != nil {
		return nil, fmt.Errorf("corrupt check_types: %w", err)
	}

	return &table, nil
}
