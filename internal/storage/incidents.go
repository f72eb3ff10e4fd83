package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
)

// ErrInvalidStateTransition is returned when attempting to modify an incident
// already in a terminal state.
var ErrInvalidStateTransition = errors.New("invalid state transition from terminal state")

const selectIncident = `
	SELECT i.id, i.anomaly_id, a.table_id, t.fully_qualified_name, a.type,
	       i.status, i.severity, i.diagnosis, i.blast_radius, i.remediation, i.report,
	       i.resolved_at, i.resolved_by, i.dismiss_reason, i.created_at, i.updated_at
	FROM incidents i
	JOIN anomalies a ON a.id = i.anomaly_id
	JOIN monitored_tables t ON t.id = a.table_id`

// CreateIncident opens an incident for an anomaly and populates the generated
// ID and timestamps.
func (s *Store) CreateIncident(ctx context.Context, incident *Incident) error {
	query := `
		INSERT INTO incidents (anomaly_id, status, severity, diagnosis, blast_radius, remediation, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := s.conn.QueryRowContext(ctx, query,
		incident.AnomalyID,
		incident.Status,
		incident.Severity,
		nullableJSON(incident.Diagnosis),
		nullableJSON(incident.BlastRadius),
		nullableJSON(incident.Remediation),
		nullableJSON(incident.Report),
	).Scan(&incident.ID, &incident.CreatedAt, &incident.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Opened incident",
		slog.Int64("incident_id", incident.ID),
		slog.Int64("anomaly_id", incident.AnomalyID),
		slog.String("severity", incident.Severity),
	)

	return nil
}

// FindOpenIncident returns the open incident covering (tableID, anomalyType),
// or ErrNotFound when no open incident exists. Open means any non-terminal
// state; this is the deduplication lookup.
func (s *Store) FindOpenIncident(ctx context.Context, tableID int64, anomalyType string) (*Incident, error) {
	query := selectIncident + `
	WHERE a.table_id = $1 AND a.type = $2 AND i.status = ANY($3)
	ORDER BY i.created_at DESC
	LIMIT 1`

	incident, err := scanIncident(s.conn.QueryRowContext(ctx, query, tableID, anomalyType, pq.Array(OpenIncidentStatuses)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no open incident for table %d type %s", ErrNotFound, tableID, anomalyType)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return incident, nil
}

// GetIncident fetches a single incident by ID.
func (s *Store) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	query := selectIncident + ` WHERE i.id = $1`

	incident, err := scanIncident(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: incident %d", ErrNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return incident, nil
}

// ListIncidents returns incidents matching the filter, newest first, along
// with the total match count for pagination.
func (s *Store) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, int, error) {
	var (
		conditions []string
		args       []any
	)

	addCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != "" {
		addCondition("i.status = $%d", filter.Status)
	}

	if filter.Severity != "" {
		addCondition("i.severity = $%d", filter.Severity)
	}

	if filter.TableID != 0 {
		addCondition("a.table_id = $%d", filter.TableID)
	}

	if !filter.Since.IsZero() {
		addCondition("i.created_at >= $%d", filter.Since)
	}

	where := ""
	if len(conditions) > 0 {
		where = "\n\tWHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := `
	SELECT COUNT(*)
	FROM incidents i
	JOIN anomalies a ON a.id = i.anomaly_id
	JOIN monitored_tables t ON t.id = a.table_id` + where

	var total int
	if err := s.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	args = append(args, limit, filter.Offset)
	query := selectIncident + where + fmt.Sprintf(`
	ORDER BY i.created_at DESC
	LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []Incident

	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		incidents = append(incidents, *incident)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return incidents, total, nil
}

// UpdateIncidentTriage replaces the triage payload of an incident after the
// diagnosis pipeline runs: status, severity and the JSONB artifacts.
func (s *Store) UpdateIncidentTriage(ctx context.Context, incident *Incident) error {
	query := `
		UPDATE incidents
		SET status = $2, severity = $3, diagnosis = $4, blast_radius = $5,
		    remediation = $6, report = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := s.conn.QueryRowContext(ctx, query,
		incident.ID,
		incident.Status,
		incident.Severity,
		nullableJSON(incident.Diagnosis),
		nullableJSON(incident.BlastRadius),
		nullableJSON(incident.Remediation),
		nullableJSON(incident.Report),
	).Scan(&incident.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: incident %d", ErrNotFound, incident.ID)
		}

		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return nil
}

// TouchIncident bumps updated_at on an incident without changing its triage.
// Merging a repeat anomaly into an open incident records activity this way.
func (s *Store) TouchIncident(ctx context.Context, incident *Incident) error {
	query := `
		UPDATE incidents
		SET updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := s.conn.QueryRowContext(ctx, query, incident.ID).Scan(&incident.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: incident %d", ErrNotFound, incident.ID)
		}

		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return nil
}

// ResolveIncident moves an incident to the resolved terminal state. Only open
// states can be resolved; resolving a terminal incident returns
// ErrInvalidStateTransition.
func (s *Store) ResolveIncident(ctx context.Context, id int64, resolvedBy string) error {
	return s.closeIncident(ctx, id, IncidentStatusResolved, resolvedBy, "")
}

// DismissIncident moves an incident to the dismissed terminal state with an
// operator-supplied reason.
func (s *Store) DismissIncident(ctx context.Context, id int64, dismissedBy, reason string) error {
	return s.closeIncident(ctx, id, IncidentStatusDismissed, dismissedBy, reason)
}

func (s *Store) closeIncident(ctx context.Context, id int64, status, actor, reason string) error {
	query := `
		UPDATE incidents
		SET status = $2, resolved_at = NOW(), resolved_by = $3,
		    dismiss_reason = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)`

	result, err := s.conn.ExecContext(ctx, query, id, status, actor, reason, pq.Array(OpenIncidentStatuses))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	if affected == 0 {
		// Distinguish a missing incident from one already closed.
		if _, err := s.GetIncident(ctx, id); err != nil {
			return err
		}

		return fmt.Errorf("%w: incident %d", ErrInvalidStateTransition, id)
	}

	return nil
}

// CountOpenIncidentsBySeverity returns open incident counts keyed by severity.
func (s *Store) CountOpenIncidentsBySeverity(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT severity, COUNT(*)
		FROM incidents
		WHERE status = ANY($1)
		GROUP BY severity`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(OpenIncidentStatuses))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			severity string
			count    int
		)

		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
		}

		counts[severity] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return counts, nil
}

// nullableJSON converts an empty payload to NULL so JSONB columns stay NULL
// instead of holding empty strings.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		incident      Incident
		diagnosis     []byte
		blastRadius   []byte
		remediation   []byte
		report        []byte
		resolvedAt    sql.NullTime
		resolvedBy    sql.NullString
		dismissReason sql.NullString
	)

	err := row.Scan(
		&incident.ID,
		&incident.AnomalyID,
		&incident.TableID,
		&incident.TableFQN,
		&incident.AnomalyType,
		&incident.Status,
		&incident.Severity,
		&diagnosis,
		&blastRadius,
		&remediation,
		&report,
		&resolvedAt,
		&resolvedBy,
		&dismissReason,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	incident.Diagnosis = diagnosis
	incident.BlastRadius = blastRadius
	incident.Remediation = remediation
	incident.Report = report
	incident.ResolvedBy = resolvedBy.String
	incident.DismissReason = dismissReason.String

	if resolvedAt.Valid {
		t := resolvedAt.Time
		incident.ResolvedAt = &t
	}

	return &incident, nil
}
