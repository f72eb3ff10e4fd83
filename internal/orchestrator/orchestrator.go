// Package orchestrator turns detected anomalies into incidents. It owns the
// incident lifecycle: deduplication against open incidents, severity
// escalation on merge, and the triage pipeline that attaches diagnosis,
// remediation plan and report to newly created incidents.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-io/aegis/internal/architect"
	"github.com/aegis-io/aegis/internal/executor"
	"github.com/aegis-io/aegis/internal/report"
	"github.com/aegis-io/aegis/internal/storage"
)

type (
	// Store is the incident persistence surface the orchestrator needs.
	// *storage.Store satisfies it.
	Store interface {
		FindOpenIncident(ctx context.Context, tableID int64, anomalyType string) (*storage.Incident, error)
		CreateIncident(ctx context.Context, incident *storage.Incident) error
		UpdateIncidentTriage(ctx context.Context, incident *storage.Incident) error
		TouchIncident(ctx context.Context, incident *storage.Incident) error
	}

	// Diagnoser produces a diagnosis for an anomaly. *architect.Architect
	// satisfies it.
	Diagnoser interface {
		Diagnose(ctx context.Context, anomaly *storage.Anomaly, table *storage.MonitoredTable) *architect.Diagnosis
	}

	// Events receives incident lifecycle notifications. *notifier.Notifier
	// satisfies it.
	Events interface {
		IncidentCreated(incidentID int64, severity string)
		IncidentUpdated(incidentID int64, severity, status string)
	}

	// Orchestrator routes anomalies into the incident lifecycle.
	Orchestrator struct {
		store     Store
		diagnoser Diagnoser
		events    Events
		logger    *slog.Logger
		now       func() time.Time
	}

	// Option configures optional Orchestrator behavior.
	Option func(*Orchestrator)
)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New builds an orchestrator. Events may be nil when no notification fanout
// is configured.
func New(store Store, diagnoser Diagnoser, events Events, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		diagnoser: diagnoser,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// HandleAnomaly folds an anomaly into the incident lifecycle. A matching open
// incident for the same table and anomaly type absorbs the anomaly, escalating
// severity when the new signal is worse. Otherwise a new incident is created
// and triaged.
func (o *Orchestrator) HandleAnomaly(
	ctx context.Context,
	anomaly *storage.Anomaly,
	table *storage.MonitoredTable,
) (*storage.Incident, error) {
	existing, err := o.store.FindOpenIncident(ctx, anomaly.TableID, anomaly.Type)
	if err == nil {
		return o.merge(ctx, existing, anomaly)
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for open incident: %w", err)
	}

	return o.open(ctx, anomaly, table)
}

// merge absorbs an anomaly into an existing open incident. Severity only ever
// escalates; a weaker signal never downgrades an incident. Every merge bumps
// updated_at so repeat anomalies register as incident activity.
func (o *Orchestrator) merge(
	ctx context.Context,
	incident *storage.Incident,
	anomaly *storage.Anomaly,
) (*storage.Incident, error) {
	escalated := storage.MaxSeverity(incident.Severity, anomaly.Severity)

	if escalated != incident.Severity {
		incident.Severity = escalated

		if err := o.store.UpdateIncidentTriage(ctx, incident); err != nil {
			return nil, fmt.Errorf("failed to escalate incident %d: %w", incident.ID, err)
		}

		o.logger.Info("Escalated incident on merged anomaly",
			slog.Int64("incident_id", incident.ID),
			slog.Int64("anomaly_id", anomaly.ID),
			slog.String("severity", escalated),
		)
	} else {
		if err := o.store.TouchIncident(ctx, incident); err != nil {
			return nil, fmt.Errorf("failed to record merge on incident %d: %w", incident.ID, err)
		}

		o.logger.Info("Merged anomaly into open incident",
			slog.Int64("incident_id", incident.ID),
			slog.Int64("anomaly_id", anomaly.ID),
		)
	}

	if o.events != nil {
		o.events.IncidentUpdated(incident.ID, incident.Severity, incident.Status)
	}

	return incident, nil
}

// open creates a new incident and runs the triage pipeline: diagnose, build
// the remediation plan, render the report, then move to pending_review.
func (o *Orchestrator) open(
	ctx context.Context,
	anomaly *storage.Anomaly,
	table *storage.MonitoredTable,
) (*storage.Incident, error) {
	incident := &storage.Incident{
		AnomalyID:   anomaly.ID,
		TableID:     anomaly.TableID,
		TableFQN:    table.FullyQualifiedName,
		AnomalyType: anomaly.Type,
		Status:      storage.IncidentStatusInvestigating,
		Severity:    anomaly.Severity,
	}

	if err := o.store.CreateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	diagnosis := o.diagnoser.Diagnose(ctx, anomaly, table)

	// The model may escalate severity but never downgrade below the
	// detector's own assessment.
	incident.Severity = storage.MaxSeverity(anomaly.Severity, diagnosis.Severity)
	incident.Status = storage.IncidentStatusPendingReview

	remediation := executor.Build(diagnosis, o.now())
	incidentReport := report.Generate(incident, anomaly, table, diagnosis, remediation, o.now())

	if err := o.attachTriage(incident, diagnosis, remediation, incidentReport); err != nil {
		return nil, err
	}

	if err := o.store.UpdateIncidentTriage(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to persist incident triage: %w", err)
	}

	o.logger.Info("Opened incident",
		slog.Int64("incident_id", incident.ID),
		slog.String("fqn", table.FullyQualifiedName),
		slog.String("type", anomaly.Type),
		slog.String("severity", incident.Severity),
		slog.Float64("confidence", diagnosis.Confidence),
	)

	if o.events != nil {
		o.events.IncidentCreated(incident.ID, incident.Severity)
	}

	return incident, nil
}

func (o *Orchestrator) attachTriage(
	incident *storage.Incident,
	diagnosis *architect.Diagnosis,
	remediation *executor.Remediation,
	incidentReport *report.IncidentReport,
) error {
	encoded, err := json.Marshal(diagnosis)
	if err != nil {
		return fmt.Errorf("failed to encode diagnosis: %w", err)
	}

	incident.Diagnosis = encoded

	if encoded, err = json.Marshal(diagnosis.BlastRadius); err != nil {
		return fmt.Errorf("failed to encode blast radius: %w", err)
	}

	incident.BlastRadius = encoded

	if encoded, err = json.Marshal(remediation); err != nil {
		return fmt.Errorf("failed to encode remediation: %w", err)
	}

	incident.Remediation = encoded

	if encoded, err = json.Marshal(incidentReport); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	incident.Report = encoded

	return nil
}
