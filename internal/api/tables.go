package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aegis-io/aegis/internal/storage"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
	maxSnapshots   = 100
)

// handleCreateTable handles POST /api/v1/tables.
func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := validateCreateTable(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	// The connection must exist before a table can enroll against it.
	if _, err := s.store.GetConnection(r.Context(), req.ConnectionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger,
				BadRequest(fmt.Sprintf("Invalid parameter 'connection_id': connection %d not found", req.ConnectionID)))

			return
		}

		s.storeError(w, r, err, "")

		return
	}

	table := &storage.MonitoredTable{
		ConnectionID:        req.ConnectionID,
		SchemaName:          req.SchemaName,
		TableName:           req.TableName,
		FullyQualifiedName:  req.SchemaName + "." + req.TableName,
		CheckTypes:          req.CheckTypes,
		FreshnessSLAMinutes: req.FreshnessSLAMinutes,
	}

	if err := s.store.CreateMonitoredTable(r.Context(), table); err != nil {
		s.storeError(w, r, err, "table not found")

		return
	}

	s.writeJSON(w, r, http.StatusCreated, table)
}

// handleListTables handles GET /api/v1/tables with page/per_page pagination.
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := parsePagination(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	tables, err := s.store.ListMonitoredTables(r.Context())
	if err != nil {
		s.storeError(w, r, err, "tables not found")

		return
	}

	total := len(tables)
	start := (page - 1) * perPage

	if start > total {
		start = total
	}

	end := start + perPage
	if end > total {
		end = total
	}

	pageSlice := tables[start:end]
	if pageSlice == nil {
		pageSlice = []storage.MonitoredTable{}
	}

	s.writeJSON(w, r, http.StatusOK, TableListResponse{
		Tables:  pageSlice,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	})
}

// handleGetTable handles GET /api/v1/tables/{id}.
func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	table, err := s.store.GetMonitoredTable(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("table %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, table)
}

// handleUpdateTable handles PUT /api/v1/tables/{id}. Check types and the
// freshness SLA are the mutable enrollment knobs.
func (s *Server) handleUpdateTable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	var req UpdateTableRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := validateChecks(req.CheckTypes, req.FreshnessSLAMinutes); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	table, err := s.store.GetMonitoredTable(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("table %d not found", id))

		return
	}

	table.CheckTypes = req.CheckTypes
	table.FreshnessSLAMinutes = req.FreshnessSLAMinutes

	if err := s.store.UpdateMonitoredTable(r.Context(), table); err != nil {
		s.storeError(w, r, err, fmt.Sprintf("table %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, table)
}

// handleDeleteTable handles DELETE /api/v1/tables/{id}.
func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.store.DeleteMonitoredTable(r.Context(), id); err != nil {
		s.storeError(w, r, err, fmt.Sprintf("table %d not found", id))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListSnapshots handles GET /api/v1/tables/{id}/snapshots?limit=.
// Snapshots come back newest first.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	limit := 20

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxSnapshots {
			WriteErrorResponse(w, r, s.logger,
				BadRequest(fmt.Sprintf("Invalid parameter 'limit': must be between 1 and %d", maxSnapshots)))

			return
		}
	}

	// Missing tables 404 before an empty snapshot list can mask them.
	if _, err := s.store.GetMonitoredTable(r.Context(), id); err != nil {
		s.storeError(w, r, err, fmt.Sprintf("table %d not found", id))

		return
	}

	snapshots, err := s.store.ListSnapshots(r.Context(), id, limit)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("table %d not found", id))

		return
	}

	if snapshots == nil {
		snapshots = []storage.SchemaSnapshot{}
	}

	s.writeJSON(w, r, http.StatusOK, SnapshotListResponse{
		Snapshots: snapshots,
		Total:     len(snapshots),
	})
}

// parsePagination reads page and per_page query parameters with the shared
// defaults (page 1, 50 per page, 200 max).
func parsePagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page := 1
	perPage := defaultPerPage

	if raw := q.Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, &paramError{param: "page", msg: "must be a positive integer"}
		}

		page = parsed
	}

	if raw := q.Get("per_page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPerPage {
			return 0, 0, &paramError{param: "per_page", msg: fmt.Sprintf("must be between 1 and %d", maxPerPage)}
		}

		perPage = parsed
	}

	return page, perPage, nil
}

func validateCreateTable(req *CreateTableRequest) error {
	if req.ConnectionID <= 0 {
		return &paramError{param: "connection_id", msg: "must be a positive integer"}
	}

	if req.SchemaName == "" {
		return &paramError{param: "schema_name", msg: "field is required"}
	}

	if req.TableName == "" {
		return &paramError{param: "table_name", msg: "field is required"}
	}

	return validateChecks(req.CheckTypes, req.FreshnessSLAMinutes)
}

// validateChecks rejects unknown check types and non-positive SLAs. An empty
// check list is valid and enrolls the table in every check.
func validateChecks(checkTypes []string, slaMinutes *int) error {
	for _, check := range checkTypes {
		if check != storage.CheckTypeSchema && check != storage.CheckTypeFreshness {
			return &paramError{param: "check_types", msg: fmt.Sprintf("unknown check type %q", check)}
		}
	}

	if slaMinutes != nil && *slaMinutes <= 0 {
		return &paramError{param: "freshness_sla_minutes", msg: "must be a positive integer"}
	}

	return nil
}
