// Package report renders the canonical incident report document consumed by
// operators and downstream tooling.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aegis-io/aegis/internal/architect"
	"github.com/aegis-io/aegis/internal/executor"
	"github.com/aegis-io/aegis/internal/storage"
)

// typeTitles maps known anomaly types to display labels. The legacy
// freshness_breach spelling is accepted for older rows.
var typeTitles = map[string]string{
	"schema_drift":        "Schema Drift",
	"freshness_violation": "Freshness Breach",
	"freshness_breach":    "Freshness Breach",
}

type (
	// AnomalyDetails carries the triggering anomaly in report form.
	AnomalyDetails struct {
		Type       string    `json:"type"`
		Table      string    `json:"table"`
		DetectedAt time.Time `json:"detected_at"`
		Changes    []any     `json:"changes"`
	}

	// RootCause is the diagnosis summary in report form.
	RootCause struct {
		Explanation string  `json:"explanation"`
		SourceTable string  `json:"source_table"`
		Confidence  float64 `json:"confidence"`
	}

	// BlastRadiusSection summarizes downstream impact.
	BlastRadiusSection struct {
		TotalAffected  int      `json:"total_affected"`
		AffectedTables []string `json:"affected_tables"`
	}

	// RecommendedAction is one advisory step in report form.
	RecommendedAction struct {
		Action      string `json:"action"`
		Description string `json:"description"`
		Priority    int    `json:"priority"`
		Status      string `json:"status"`
	}

	// TimelineEntry is one chronological event on the incident.
	TimelineEntry struct {
		Timestamp time.Time `json:"timestamp"`
		Event     string    `json:"event"`
	}

	// IncidentReport is the canonical report document.
	IncidentReport struct {
		IncidentID         int64               `json:"incident_id"`
		Title              string              `json:"title"`
		Severity           string              `json:"severity"`
		Status             string              `json:"status"`
		GeneratedAt        time.Time           `json:"generated_at"`
		Summary            string              `json:"summary"`
		AnomalyDetails     AnomalyDetails      `json:"anomaly_details"`
		RootCause          RootCause           `json:"root_cause"`
		BlastRadius        BlastRadiusSection  `json:"blast_radius"`
		RecommendedActions []RecommendedAction `json:"recommended_actions"`
		Timeline           []TimelineEntry     `json:"timeline"`
	}
)

// Generate builds the report deterministically from the incident and its
// artifacts. Diagnosis and remediation may be nil.
func Generate(
	incident *storage.Incident,
	anomaly *storage.Anomaly,
	table *storage.MonitoredTable,
	diagnosis *architect.Diagnosis,
	remediation *executor.Remediation,
	now time.Time,
) *IncidentReport {
	r := &IncidentReport{
		IncidentID:  incident.ID,
		Title:       fmt.Sprintf("%s on %s", TypeLabel(anomaly.Type), table.FullyQualifiedName),
		Severity:    incident.Severity,
		Status:      incident.Status,
		GeneratedAt: now.UTC(),
		AnomalyDetails: AnomalyDetails{
			Type:       anomaly.Type,
			Table:      table.FullyQualifiedName,
			DetectedAt: anomaly.DetectedAt.UTC(),
			Changes:    detailChanges(anomaly.Detail),
		},
		RootCause: RootCause{
			Explanation: "Analysis unavailable",
			SourceTable: table.FullyQualifiedName,
			Confidence:  0,
		},
		BlastRadius:        BlastRadiusSection{AffectedTables: []string{}},
		RecommendedActions: []RecommendedAction{},
	}

	if diagnosis != nil {
		r.RootCause = RootCause{
			Explanation: diagnosis.RootCause,
			SourceTable: diagnosis.RootCauseTable,
			Confidence:  diagnosis.Confidence,
		}
		r.BlastRadius = BlastRadiusSection{
			TotalAffected:  len(diagnosis.BlastRadius),
			AffectedTables: diagnosis.BlastRadius,
		}
	}

	if remediation != nil {
		for _, action := range remediation.Actions {
			r.RecommendedActions = append(r.RecommendedActions, RecommendedAction{
				Action:      action.Type,
				Description: action.Description,
				Priority:    action.Priority,
				Status:      action.Status,
			})
		}
	}

	r.Timeline = buildTimeline(incident, anomaly, diagnosis, remediation)
	r.Summary = buildSummary(r, anomaly, table)

	return r
}

// TypeLabel maps an anomaly type to its display label, title-casing unknown
// types.
func TypeLabel(anomalyType string) string {
	if label, known := typeTitles[anomalyType]; known {
		return label
	}

	words := strings.Split(anomalyType, "_")
	for i, word := range words {
		if word == "" {
			continue
		}

		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}

	return strings.Join(words, " ")
}

// detailChanges normalizes the anomaly detail: lists pass through, anything
// else wraps in a one-element list.
func detailChanges(detail json.RawMessage) []any {
	if len(detail) == 0 {
		return []any{}
	}

	var asList []any
	if err := json.Unmarshal(detail, &asList); err == nil {
		return asList
	}

	var asValue any
	if err := json.Unmarshal(detail, &asValue); err != nil {
		return []any{}
	}

	return []any{asValue}
}

func buildTimeline(
	incident *storage.Incident,
	anomaly *storage.Anomaly,
	diagnosis *architect.Diagnosis,
	remediation *executor.Remediation,
) []TimelineEntry {
	timeline := []TimelineEntry{
		{Timestamp: anomaly.DetectedAt.UTC(), Event: "Anomaly detected"},
		{Timestamp: incident.CreatedAt.UTC(), Event: "Incident created"},
	}

	if diagnosis != nil {
		timeline = append(timeline, TimelineEntry{
			Timestamp: incident.CreatedAt.UTC(),
			Event:     "Root cause identified",
		})
	}

	if remediation != nil {
		timeline = append(timeline, TimelineEntry{
			Timestamp: remediation.GeneratedAt.UTC(),
			Event:     "Remediation plan generated",
		})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	return timeline
}

func buildSummary(r *IncidentReport, anomaly *storage.Anomaly, table *storage.MonitoredTable) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s detected on %s with %s severity.",
		TypeLabel(anomaly.Type), table.FullyQualifiedName, r.Severity)

	if r.RootCause.Confidence > 0 {
		fmt.Fprintf(&b, " Root cause: %s.", strings.TrimSuffix(r.RootCause.Explanation, "."))
	} else {
		b.WriteString(" Root cause unavailable.")
	}

	if r.BlastRadius.TotalAffected > 0 {
		fmt.Fprintf(&b, " %d downstream tables affected.", r.BlastRadius.TotalAffected)
	}

	return b.String()
}
