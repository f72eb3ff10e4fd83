package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// GetStats assembles the aggregate platform summary served by the stats
// endpoint. Counts are read individually; slight skew between them under
// concurrent writes is acceptable for a dashboard.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	singleCounts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM connections WHERE is_active`, &stats.Connections},
		{`SELECT COUNT(*) FROM monitored_tables`, &stats.MonitoredTables},
		{`SELECT COUNT(*) FROM lineage_edges`, &stats.LineageEdges},
	}

	for _, c := range singleCounts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}
	}

	bySeverity, err := s.CountOpenIncidentsBySeverity(ctx)
	if err != nil {
		return nil, err
	}

	stats.IncidentsBySeverity = bySeverity
	for _, count := range bySeverity {
		stats.OpenIncidents += count
	}

	last24h, err := s.CountAnomaliesSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	stats.AnomaliesLast24h = last24h

	healthyQuery := `
		SELECT COUNT(*)
		FROM monitored_tables t
		WHERE NOT EXISTS (
			SELECT 1
			FROM incidents i
			JOIN anomalies a ON a.id = i.anomaly_id
			WHERE a.table_id = t.id AND i.status = ANY($1)
		)`

	var healthy int
	if err := s.conn.QueryRowContext(ctx, healthyQuery, pq.Array(OpenIncidentStatuses)).Scan(&healthy); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	// No tables means nothing is unhealthy.
	stats.HealthScore = 100.0
	if stats.MonitoredTables > 0 {
		stats.HealthScore = float64(healthy) / float64(stats.MonitoredTables) * 100.0
	}

	avgResolutionQuery := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (updated_at - created_at)) / 60), 0)
		FROM incidents
		WHERE status = $1`

	err = s.conn.QueryRowContext(ctx, avgResolutionQuery, IncidentStatusResolved).
		Scan(&stats.AvgResolutionTimeMinutes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return stats, nil
}
