package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aegis-io/aegis/internal/api/middleware"
	"github.com/aegis-io/aegis/internal/scanner"
	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

type (
	// ScanTrigger runs one synchronous scan cycle or rediscovers the
	// catalog of one connection. *scanner.Scanner satisfies it.
	ScanTrigger interface {
		ScanOnce(ctx context.Context) (*scanner.CycleResult, error)
		Rediscover(ctx context.Context, connectionID int64) ([]scanner.TableDelta, error)
	}

	// EventHub serves the WebSocket event stream and reports how many
	// clients are attached. *notifier.Hub satisfies it.
	EventHub interface {
		http.Handler
		ClientCount() int
	}

	// ConnectorProbe opens a short-lived connector for a connectivity test.
	ConnectorProbe func(dialect, uri string) (warehouse.Connector, error)

	// Dependencies are the runtime collaborators injected into the server.
	// Configuration (what) stays in ServerConfig; dependencies (how) live
	// here. Nil Scanner disables the trigger endpoint; nil Hub disables the
	// event stream; nil RateLimiter disables rate limiting.
	Dependencies struct {
		Store       Store
		Scanner     ScanTrigger
		Graph       LineageGraph
		Hub         EventHub
		Probe       ConnectorProbe
		RateLimiter middleware.RateLimiter
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		store       Store
		scanner     ScanTrigger
		graph       LineageGraph
		hub         EventHub
		probe       ConnectorProbe
		rateLimiter middleware.RateLimiter
	}
)

// NewServer creates a new HTTP server instance with structured logging and
// the full middleware stack.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if deps.Probe == nil {
		deps.Probe = func(dialect, uri string) (warehouse.Connector, error) {
			return warehouse.New(dialect, uri, nil)
		}
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       deps.Store,
		scanner:     deps.Scanner,
		graph:       deps.Graph,
		hub:         deps.Hub,
		probe:       deps.Probe,
		rateLimiter: deps.RateLimiter,
	}

	server.setupRoutes(mux)

	if middleware.AuthRequired(cfg.APIKey) {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("API key unset or development key - authentication disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - tag every request and response
	//   2. Recovery - catch panics in all downstream middleware
	//   3. APIKeyAuth - reject unauthenticated requests early (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAPIKeyAuth(cfg.APIKey, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Aegis API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Drop WebSocket clients so the event stream does not outlive the API.
	if closer, ok := s.hub.(io.Closer); ok && s.hub != nil {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close event hub", slog.String("error", err.Error()))
		}
	}

	// Stop the rate limiter's background cleanup goroutine.
	if closer, ok := s.rateLimiter.(io.Closer); ok && s.rateLimiter != nil {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// writeJSON marshals payload and writes it with the given status code.
// Marshal failures surface as 500 problems before any header is sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

// decodeJSON reads a size-capped JSON request body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}

	return nil
}

// pathID parses the {id} path segment as a positive integer.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &paramError{param: "id", msg: "must be a positive integer"}
	}

	return id, nil
}

// storeError maps storage sentinel errors onto problem responses. The
// notFoundDetail is used verbatim for ErrNotFound so handlers control the
// resource name in the message.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error, notFoundDetail string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(notFoundDetail))
	case errors.Is(err, storage.ErrDuplicateName), errors.Is(err, storage.ErrDuplicateTable):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	default:
		s.logger.Error("Store operation failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Storage operation failed"))
	}
}
