package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegis-io/aegis/internal/api/middleware"
	"github.com/aegis-io/aegis/internal/storage"
)

// connectionProbeTimeout bounds the live connectivity test so an unreachable
// warehouse cannot hold the request open indefinitely.
const connectionProbeTimeout = 10 * time.Second

// handleCreateConnection handles POST /api/v1/connections.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := validateCreateConnection(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	conn := &storage.WarehouseConnection{
		Name:     req.Name,
		Dialect:  req.Dialect,
		URI:      req.URI,
		IsActive: true,
	}

	if req.IsActive != nil {
		conn.IsActive = *req.IsActive
	}

	if err := s.store.CreateConnection(r.Context(), conn); err != nil {
		s.storeError(w, r, err, "connection not found")

		return
	}

	s.writeJSON(w, r, http.StatusCreated, conn)
}

// handleListConnections handles GET /api/v1/connections. Connections are
// returned newest first.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	connections, err := s.store.ListConnections(r.Context())
	if err != nil {
		s.storeError(w, r, err, "connections not found")

		return
	}

	if connections == nil {
		connections = []storage.WarehouseConnection{}
	}

	s.writeJSON(w, r, http.StatusOK, ConnectionListResponse{
		Connections: connections,
		Total:       len(connections),
	})
}

// handleGetConnection handles GET /api/v1/connections/{id}.
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("connection %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, conn)
}

// handleUpdateConnection handles PUT /api/v1/connections/{id}. Only the
// is_active flag is mutable; name, dialect and URI are fixed at creation.
func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	var req UpdateConnectionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if req.IsActive == nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid parameter 'is_active': field is required"))

		return
	}

	if err := s.store.UpdateConnectionActive(r.Context(), id, *req.IsActive); err != nil {
		s.storeError(w, r, err, fmt.Sprintf("connection %d not found", id))

		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("connection %d not found", id))

		return
	}

	s.writeJSON(w, r, http.StatusOK, conn)
}

// handleDeleteConnection handles DELETE /api/v1/connections/{id}.
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.store.DeleteConnection(r.Context(), id); err != nil {
		s.storeError(w, r, err, fmt.Sprintf("connection %d not found", id))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleTestConnection handles POST /api/v1/connections/{id}/test. A failed
// probe is a successful request: the outcome travels in the response body.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, fmt.Sprintf("connection %d not found", id))

		return
	}

	response := ConnectionTestResponse{Connection: conn}

	ctx, cancel := context.WithTimeout(r.Context(), connectionProbeTimeout)
	defer cancel()

	if probeErr := s.probeConnection(ctx, conn); probeErr != nil {
		s.logger.Warn("Connection probe failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Int64("connection_id", id),
			slog.Any("error", probeErr),
		)

		response.Error = probeErr.Error()
	} else {
		response.Success = true
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// probeConnection opens a throwaway connector and verifies reachability.
func (s *Server) probeConnection(ctx context.Context, conn *storage.WarehouseConnection) error {
	connector, err := s.probe(conn.Dialect, conn.URI)
	if err != nil {
		return err
	}
	defer func() { _ = connector.Dispose() }()

	return connector.TestConnection(ctx)
}

func validateCreateConnection(req *CreateConnectionRequest) error {
	if req.Name == "" {
		return &paramError{param: "name", msg: "field is required"}
	}

	if req.Dialect == "" {
		return &paramError{param: "dialect", msg: "field is required"}
	}

	if req.URI == "" {
		return &paramError{param: "connection_uri", msg: "field is required"}
	}

	return nil
}
