package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertAnomaly persists a detector finding and populates the generated ID
// and detection timestamp.
func (s *Store) InsertAnomaly(ctx context.Context, anomaly *Anomaly) error {
	query := `
		INSERT INTO anomalies (table_id, type, severity, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, detected_at`

	err := s.conn.QueryRowContext(ctx, query,
		anomaly.TableID,
		anomaly.Type,
		anomaly.Severity,
		[]byte(anomaly.Detail),
	).Scan(&anomaly.ID, &anomaly.DetectedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return nil
}

// GetAnomaly fetches a single anomaly by ID.
func (s *Store) GetAnomaly(ctx context.Context, id int64) (*Anomaly, error) {
	query := `
		SELECT id, table_id, type, severity, detail, detected_at
		FROM anomalies
		WHERE id = $1`

	anomaly, err := scanAnomaly(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: anomaly %d", ErrNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return anomaly, nil
}

// ListAnomaliesForTable returns the most recent findings for a table, newest first.
func (s *Store) ListAnomaliesForTable(ctx context.Context, tableID int64, limit int) ([]Anomaly, error) {
	query := `
		SELECT id, table_id, type, severity, detail, detected_at
		FROM anomalies
		WHERE table_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`

	rows, err := s.conn.QueryContext(ctx, query, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var anomalies []Anomaly

	for rows.Next() {
		anomaly, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		anomalies = append(anomalies, *anomaly)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return anomalies, nil
}

// CountAnomaliesSince counts findings detected after the cutoff. Used by the
// stats endpoint for the trailing 24 hour window.
func (s *Store) CountAnomaliesSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomalies WHERE detected_at >= $1`, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return count, nil
}

func scanAnomaly(row rowScanner) (*Anomaly, error) {
	var (
		anomaly Anomaly
		detail  []byte
	)

	err := row.Scan(
		&anomaly.ID,
		&anomaly.TableID,
		&anomaly.Type,
		&anomaly.Severity,
		&detail,
		&anomaly.DetectedAt,
	)
	if err != nil {
		return nil, err
	}

	anomaly.Detail = detail

	return &anomaly, nil
}
