package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aegis-io/aegis/internal/api/middleware"
)

const expectedURLParts = 2

// Route represents an HTTP route configuration with a path and handler.
// Used for declarative route registration with middleware bypass support.
type Route struct {
	Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
	Handler http.HandlerFunc // The HTTP handler function for this route
}

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},            // K8s liveness probe
		Route{"GET /ready", s.handleReady},          // K8s readiness probe
		Route{"GET /api/v1/health", s.handleHealth}, // Basic health check - status, service, version
		Route{"/", s.handleNotFound},                // Catch-all handler for 404 responses
	)

	// System endpoints
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/scan/trigger", s.handleScanTrigger)
	mux.HandleFunc("POST /api/v1/discovery/{id}/rediscover", s.handleRediscover)

	// Warehouse connections
	mux.HandleFunc("POST /api/v1/connections", s.handleCreateConnection)
	mux.HandleFunc("GET /api/v1/connections", s.handleListConnections)
	mux.HandleFunc("GET /api/v1/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("PUT /api/v1/connections/{id}", s.handleUpdateConnection)
	mux.HandleFunc("DELETE /api/v1/connections/{id}", s.handleDeleteConnection)
	mux.HandleFunc("POST /api/v1/connections/{id}/test", s.handleTestConnection)

	// Table enrollment
	mux.HandleFunc("POST /api/v1/tables", s.handleCreateTable)
	mux.HandleFunc("GET /api/v1/tables", s.handleListTables)
	mux.HandleFunc("GET /api/v1/tables/{id}", s.handleGetTable)
	mux.HandleFunc("PUT /api/v1/tables/{id}", s.handleUpdateTable)
	mux.HandleFunc("DELETE /api/v1/tables/{id}", s.handleDeleteTable)
	mux.HandleFunc("GET /api/v1/tables/{id}/snapshots", s.handleListSnapshots)

	// Incidents
	mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("GET /api/v1/incidents/{id}/report", s.handleIncidentReport)
	mux.HandleFunc("POST /api/v1/incidents/{id}/approve", s.handleApproveIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/dismiss", s.handleDismissIncident)

	// Lineage
	mux.HandleFunc("GET /api/v1/lineage/graph", s.handleLineageGraph)
	mux.HandleFunc("GET /api/v1/lineage/{table}/upstream", s.handleLineageUpstream)
	mux.HandleFunc("GET /api/v1/lineage/{table}/downstream", s.handleLineageDownstream)
	mux.HandleFunc("GET /api/v1/lineage/{table}/blast-radius", s.handleBlastRadius)

	// WebSocket event stream. Public: browser WebSocket clients cannot set
	// custom headers during the upgrade handshake.
	if s.hub != nil {
		mux.Handle("GET /api/v1/ws", s.hub)
		middleware.RegisterPublicEndpoint("/api/v1/ws")
	}
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration.
		// Go 1.22+ method-based routing uses "GET /path" format but
		// r.URL.Path is just "/path" (no method prefix).
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}
