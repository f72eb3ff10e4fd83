package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// CreateConnection inserts a warehouse connection and populates the generated
// ID and timestamps. Returns ErrDuplicateName when the name is taken.
func (s *Store) CreateConnection(ctx context.Context, conn *WarehouseConnection) error {
	storedURI, err := s.encryptURI(conn.URI)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	query := `
		INSERT INTO connections (name, dialect, connection_uri, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err = s.conn.QueryRowContext(ctx, query, conn.Name, conn.Dialect, storedURI, conn.IsActive).
		Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, conn.Name)
		}

		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Registered warehouse connection",
		slog.Int64("connection_id", conn.ID),
		slog.String("name", conn.Name),
		slog.String("dialect", conn.Dialect),
	)

	return nil
}

// GetConnection fetches a warehouse connection by ID with the URI decrypted.
func (s *Store) GetConnection(ctx context.Context, id int64) (*WarehouseConnection, error) {
	query := `
		SELECT id, name, dialect, connection_uri, is_active, created_at, updated_at
		FROM connections
		WHERE id = $1`

	conn, err := s.scanConnection(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: connection %d", ErrNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return conn, nil
}

// ListConnections returns all warehouse connections, newest first.
func (s *Store) ListConnections(ctx context.Context) ([]WarehouseConnection, error) {
	query := `
		SELECT id, name, dialect, connection_uri, is_active, created_at, updated_at
		FROM connections
		ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var connections []WarehouseConnection

	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		connections = append(connections, *conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return connections, nil
}

// UpdateConnectionActive toggles whether a connection participates in scans.
func (s *Store) UpdateConnectionActive(ctx context.Context, id int64, active bool) error {
	query := `
		UPDATE connections
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return requireRowAffected(result, fmt.Sprintf("connection %d", id))
}

// DeleteConnection removes a connection. Monitored tables, snapshots,
// anomalies and incidents cascade at the database level.
func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return requireRowAffected(result, fmt.Sprintf("connection %d", id))
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConnection(row rowScanner) (*WarehouseConnection, error) {
	var (
		conn      WarehouseConnection
		storedURI string
	)

	err := row.Scan(
		&conn.ID,
		&conn.Name,
		&conn.Dialect,
		&storedURI,
		&conn.IsActive,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.URI, err = s.decryptURI(storedURI)
	if err != nil {
		return nil, err
	}

	return &conn, nil
}
