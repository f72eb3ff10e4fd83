package storage

import (
	"context"
	"fmt"
)

// UpsertLineageEdge records a data-flow edge. Re-observing an existing edge
// refreshes last_seen_at and keeps the highest confidence ever seen, so a
// later low-confidence parse never erodes an earlier confident one.
func (s *Store) UpsertLineageEdge(ctx context.Context, edge *LineageEdge) error {
	query := `
		INSERT INTO lineage_edges
			(source_table, target_table, relationship_type, query_hash, confidence)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (source_table, target_table) DO UPDATE
		SET last_seen_at = NOW(),
		    confidence = GREATEST(lineage_edges.confidence, EXCLUDED.confidence),
		    query_hash = COALESCE(EXCLUDED.query_hash, lineage_edges.query_hash)
		RETURNING id, confidence, first_seen_at, last_seen_at`

	err := s.conn.QueryRowContext(ctx, query,
		edge.SourceTable,
		edge.TargetTable,
		edge.RelationshipType,
		edge.QueryHash,
		edge.Confidence,
	).Scan(&edge.ID, &edge.Confidence, &edge.FirstSeenAt, &edge.LastSeenAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return nil
}

// EdgesFrom returns the outgoing edges of a table, the tables it feeds.
func (s *Store) EdgesFrom(ctx context.Context, sourceTable string) ([]LineageEdge, error) {
	query := selectLineageEdge + ` WHERE source_table = $1 ORDER BY target_table`

	return s.queryLineageEdges(ctx, query, sourceTable)
}

// EdgesTo returns the incoming edges of a table, the tables that feed it.
func (s *Store) EdgesTo(ctx context.Context, targetTable string) ([]LineageEdge, error) {
	query := selectLineageEdge + ` WHERE target_table = $1 ORDER BY source_table`

	return s.queryLineageEdges(ctx, query, targetTable)
}

// AllLineageEdges returns every recorded edge ordered for stable graph builds.
func (s *Store) AllLineageEdges(ctx context.Context) ([]LineageEdge, error) {
	query := selectLineageEdge + ` ORDER BY source_table, target_table`

	return s.queryLineageEdges(ctx, query)
}

// CountLineageEdges returns the total number of recorded edges.
func (s *Store) CountLineageEdges(ctx context.Context) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM lineage_edges`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return count, nil
}

const selectLineageEdge = `
	SELECT id, source_table, target_table, relationship_type,
	       COALESCE(query_hash, ''), confidence, first_seen_at, last_seen_at
	FROM lineage_edges`

func (s *Store) queryLineageEdges(ctx context.Context, query string, args ...any) ([]LineageEdge, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var edges []LineageEdge

	for rows.Next() {
		var edge LineageEdge

		err := rows.Scan(
			&edge.ID,
			&edge.SourceTable,
			&edge.TargetTable,
			&edge.RelationshipType,
			&edge.QueryHash,
			&edge.Confidence,
			&edge.FirstSeenAt,
			&edge.LastSeenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return edges, nil
}
