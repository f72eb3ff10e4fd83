package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aegis-io/aegis/internal/api/middleware"
	"github.com/aegis-io/aegis/internal/scanner"
	"github.com/aegis-io/aegis/internal/storage"
)

const serviceVersion = "v1.0.0" // TODO: inject version at build time

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ready")); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns the liveness document.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:  "healthy",
		Service: "aegis",
		Version: serviceVersion,
	})
}

// handleStatus reports scanner state and WebSocket client count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{Scanner: "disabled"}

	if s.scanner != nil {
		status.Scanner = "running"
	}

	if s.hub != nil {
		status.WebsocketClients = s.hub.ClientCount()
	}

	s.writeJSON(w, r, http.StatusOK, status)
}

// handleStats serves the aggregate platform summary.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.storeError(w, r, err, "stats not found")

		return
	}

	s.writeJSON(w, r, http.StatusOK, stats)
}

// handleScanTrigger runs one scan cycle synchronously and returns its summary.
func (s *Server) handleScanTrigger(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Scan scheduler is not configured"))

		return
	}

	result, err := s.scanner.ScanOnce(r.Context())
	if err != nil {
		s.logger.Error("Manually triggered scan cycle failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Any("error", err),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Scan cycle failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}

// handleRediscover compares one connection's live catalog against its
// enrolled tables and returns the deltas with enrollment proposals. The
// comparison is read-only.
func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Scan scheduler is not configured"))

		return
	}

	connectionID, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	deltas, err := s.scanner.Rediscover(r.Context(), connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.storeError(w, r, err, fmt.Sprintf("connection %d not found", connectionID))

			return
		}

		s.logger.Error("Rediscovery failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Int64("connection_id", connectionID),
			slog.Any("error", err),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Rediscovery failed"))

		return
	}

	if deltas == nil {
		deltas = []scanner.TableDelta{}
	}

	s.writeJSON(w, r, http.StatusOK, RediscoveryResponse{
		ConnectionID: connectionID,
		Deltas:       deltas,
		Total:        len(deltas),
	})
}
