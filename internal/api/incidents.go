package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-io/aegis/internal/api/middleware"
	"github.com/aegis-io/aegis/internal/storage"
)

// defaultActor attributes incident state changes when the caller does not
// identify itself; the API carries no per-user identity.
const defaultActor = "operator"

// ApproveIncidentRequest optionally names who resolved the incident.
type ApproveIncidentRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// handleListIncidents handles GET /api/v1/incidents.
//
// Query Parameters:
//   - status: one of the incident lifecycle states
//   - severity: low | medium | high | critical
//   - table_id: positive integer
//   - since: RFC3339 timestamp, filters on created_at
//   - page, per_page: pagination (default 50, max 200)
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter, page, perPage, err := parseIncidentFilter(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	incidents, total, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		s.storeError(w, r, err, "incidents not found")

		return
	}

	if incidents == nil {
		incidents = []storage.Incident{}
	}

	s.writeJSON(w, r, http.StatusOK, IncidentListResponse{
		Incidents: incidents,
		Total:     total,
		Page:      page,
		PerPage:   perPage,
	})
}

// handleGetIncident handles GET /api/v1/incidents/{id}.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("incident %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, incident)
}

// handleIncidentReport handles GET /api/v1/incidents/{id}/report. The report
// is persisted as an opaque JSON document; incidents whose triage pipeline
// has not produced one yet answer 204.
func (s *Server) handleIncidentReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("incident %d not found", id))

		return
	}

	if len(incident.Report) == 0 {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(incident.Report); err != nil {
		s.logger.Error("Failed to write incident report",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Int64("incident_id", id),
			slog.Any("error", err),
		)
	}
}

// handleApproveIncident handles POST /api/v1/incidents/{id}/approve, moving
// the incident to the resolved terminal state.
func (s *Server) handleApproveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	resolvedBy := defaultActor

	// The body is optional; an empty or absent one keeps the default actor.
	var req ApproveIncidentRequest
	if err := s.decodeJSON(w, r, &req); err == nil && req.ResolvedBy != "" {
		resolvedBy = req.ResolvedBy
	}

	if err := s.store.ResolveIncident(r.Context(), id, resolvedBy); err != nil {
		s.closeIncidentError(w, r, id, err)

		return
	}

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("incident %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, incident)
}

// handleDismissIncident handles POST /api/v1/incidents/{id}/dismiss.
func (s *Server) handleDismissIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	var req DismissIncidentRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if req.Reason == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid parameter 'reason': field is required"))

		return
	}

	if err := s.store.DismissIncident(r.Context(), id, defaultActor, req.Reason); err != nil {
		s.closeIncidentError(w, r, id, err)

		return
	}

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("incident %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, incident)
}

// closeIncidentError maps resolution failures: already-terminal incidents
// conflict rather than 404.
func (s *Server) closeIncidentError(w http.ResponseWriter, r *http.Request, id int64, err error) {
	if errors.Is(err, storage.ErrInvalidStateTransition) {
		WriteErrorResponse(w, r, s.logger,
			Conflict(fmt.Sprintf("incident %d is already in a terminal state", id)))

		return
	}

	s.storeError(w, r, err, fmt.Sprintf("incident %d not found", id))
}

// parseIncidentFilter validates and assembles the list filter plus pagination.
func parseIncidentFilter(r *http.Request) (storage.IncidentFilter, int, int, error) {
	page, perPage, err := parsePagination(r)
	if err != nil {
		return storage.IncidentFilter{}, 0, 0, err
	}

	q := r.URL.Query()

	filter := storage.IncidentFilter{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	}

	if status := q.Get("status"); status != "" {
		if !validIncidentStatus(status) {
			return storage.IncidentFilter{}, 0, 0, &paramError{param: "status", msg: "unknown incident status"}
		}

		filter.Status = status
	}

	if severity := q.Get("severity"); severity != "" {
		if !storage.ValidSeverity(severity) {
			return storage.IncidentFilter{}, 0, 0, &paramError{param: "severity", msg: "unknown severity level"}
		}

		filter.Severity = severity
	}

	if raw := q.Get("table_id"); raw != "" {
		tableID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || tableID <= 0 {
			return storage.IncidentFilter{}, 0, 0, &paramError{param: "table_id", msg: "must be a positive integer"}
		}

		filter.TableID = tableID
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storage.IncidentFilter{}, 0, 0, &paramError{param: "since", msg: "must be a valid RFC3339 timestamp"}
		}

		filter.Since = since
	}

	return filter, page, perPage, nil
}

func validIncidentStatus(status string) bool {
	switch status {
	case storage.IncidentStatusOpen,
		storage.IncidentStatusInvestigating,
		storage.IncidentStatusPendingReview,
		storage.IncidentStatusResolved,
		storage.IncidentStatusDismissed:
		return true
	}

	return false
}
