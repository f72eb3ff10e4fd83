package storage

import (
	"encoding/json"
	"time"
)

// Severity levels ordered by rank. Comparisons always go through Rank so
// string values never get compared lexically.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityRanks maps severity labels to their ordering. Unknown labels rank
// below "low" so malformed input never outranks a real severity.
var severityRanks = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the numeric rank of a severity label (0 for unknown).
func SeverityRank(severity string) int {
	return severityRanks[severity]
}

// MaxSeverity returns the higher-ranked of two severity labels.
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}

	return a
}

// ValidSeverity reports whether the label is one of the known severity levels.
func ValidSeverity(severity string) bool {
	_, ok := severityRanks[severity]

	return ok
}

// Incident lifecycle states. Open states participate in deduplication;
// resolved and dismissed are terminal.
const (
	IncidentStatusOpen          = "open"
	IncidentStatusInvestigating = "investigating"
	IncidentStatusPendingReview = "pending_review"
	IncidentStatusResolved      = "resolved"
	IncidentStatusDismissed     = "dismissed"
)

// OpenIncidentStatuses lists the states an incident can be merged into.
var OpenIncidentStatuses = []string{
	IncidentStatusOpen,
	IncidentStatusInvestigating,
	IncidentStatusPendingReview,
}

// Anomaly types produced by the sentinels.
const (
	AnomalyTypeSchemaDrift        = "schema_drift"
	AnomalyTypeFreshnessViolation = "freshness_violation"
)

// Check types a monitored table can enroll in.
const (
	CheckTypeSchema    = "schema"
	CheckTypeFreshness = "freshness"
)

type (
	// WarehouseConnection is a registered warehouse connection. URI holds
	// the plaintext connection string in memory; it is encrypted at rest
	// when the store has a cipher configured.
	WarehouseConnection struct {
		ID        int64     `json:"id"`
		Name      string    `json:"name"`
		Dialect   string    `json:"dialect"`
		URI       string    `json:"-"`
		IsActive  bool      `json:"is_active"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// MonitoredTable is a warehouse table enrolled for scanning.
	MonitoredTable struct {
		ID                  int64     `json:"id"`
		ConnectionID        int64     `json:"connection_id"`
		SchemaName          string    `json:"schema_name"`
		TableName           string    `json:"table_name"`
		FullyQualifiedName  string    `json:"fully_qualified_name"`
		CheckTypes          []string  `json:"check_types"`
		FreshnessSLAMinutes *int      `json:"freshness_sla_minutes"`
		CreatedAt           time.Time `json:"created_at"`
		UpdatedAt           time.Time `json:"updated_at"`
	}

	// ColumnInfo is a single column in a schema snapshot.
	ColumnInfo struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Nullable bool   `json:"nullable"`
		Ordinal  int    `json:"ordinal"`
	}

	// SchemaSnapshot is a point-in-time capture of a table's column layout.
	SchemaSnapshot struct {
		ID         int64        `json:"id"`
		TableID    int64        `json:"table_id"`
		Columns    []ColumnInfo `json:"columns"`
		Hash       string       `json:"snapshot_hash"`
		CapturedAt time.Time    `json:"captured_at"`
	}

	// Anomaly is a single detector finding. Detail carries the
	// detector-specific payload (schema diff, freshness overrun).
	Anomaly struct {
		ID         int64           `json:"id"`
		TableID    int64           `json:"table_id"`
		Type       string          `json:"type"`
		Severity   string          `json:"severity"`
		Detail     json.RawMessage `json:"detail"`
		DetectedAt time.Time       `json:"detected_at"`
	}

	// Incident is the triage record built on top of an anomaly. The JSONB
	// payloads are stored opaquely; the orchestrator owns their shape.
	Incident struct {
		ID            int64           `json:"id"`
		AnomalyID     int64           `json:"anomaly_id"`
		TableID       int64           `json:"table_id"`
		TableFQN      string          `json:"table_fqn"`
		AnomalyType   string          `json:"anomaly_type"`
		Status        string          `json:"status"`
		Severity      string          `json:"severity"`
		Diagnosis     json.RawMessage `json:"diagnosis,omitempty"`
		BlastRadius   json.RawMessage `json:"blast_radius,omitempty"`
		Remediation   json.RawMessage `json:"remediation,omitempty"`
		Report        json.RawMessage `json:"report,omitempty"`
		ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
		ResolvedBy    string          `json:"resolved_by,omitempty"`
		DismissReason string          `json:"dismiss_reason,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
		UpdatedAt     time.Time       `json:"updated_at"`
	}

	// LineageEdge is a directed data-flow edge between two fully qualified
	// table names, extracted from warehouse query logs.
	LineageEdge struct {
		ID               int64     `json:"id"`
		SourceTable      string    `json:"source_table"`
		TargetTable      string    `json:"target_table"`
		RelationshipType string    `json:"relationship_type"`
		QueryHash        string    `json:"query_hash,omitempty"`
		Confidence       float64   `json:"confidence"`
		FirstSeenAt      time.Time `json:"first_seen_at"`
		LastSeenAt       time.Time `json:"last_seen_at"`
	}

	// IncidentFilter narrows incident listing. Zero values mean "no filter".
	IncidentFilter struct {
		Status   string
		Severity string
		TableID  int64
		Since    time.Time
		Limit    int
		Offset   int
	}

	// Stats is the aggregate health summary served by the stats endpoint.
	// HealthScore is the share of monitored tables without an open incident,
	// scaled to 0..100.
	Stats struct {
		Connections              int            `json:"connections"`
		MonitoredTables          int            `json:"monitored_tables"`
		OpenIncidents            int            `json:"open_incidents"`
		IncidentsBySeverity      map[string]int `json:"incidents_by_severity"`
		LineageEdges             int            `json:"lineage_edges"`
		AnomaliesLast24h         int            `json:"anomalies_last_24h"`
		HealthScore              float64        `json:"health_score"`
		AvgResolutionTimeMinutes float64        `json:"avg_resolution_time_minutes"`
	}
)
