package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// DevelopmentAPIKey disables authentication when configured, for local use.
const DevelopmentAPIKey = "dev-key"

// publicEndpoints defines public endpoints that bypass authentication.
// Only health probe endpoints belong here; business endpoints never do.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup for health check endpoints.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned when the provided key does not match.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// AuthRequired reports whether the configured key actually enforces
// authentication. An unset key and the development key both disable it.
func AuthRequired(apiKey string) bool {
	return apiKey != "" && apiKey != DevelopmentAPIKey
}

// extractAPIKey extracts the API key from request headers. X-API-Key is the
// primary header; Authorization: Bearer is accepted as a fallback. Keys
// containing newlines are rejected to prevent header injection.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return cleanAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return cleanAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

func cleanAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// APIKeyAuth creates an authentication middleware that validates the static
// API key with a constant-time comparison. Public endpoints registered via
// RegisterPublicEndpoint bypass the check.
func APIKeyAuth(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			provided, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, ErrMissingAPIKey)

				return
			}

			if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
				writeAuthError(w, r, logger, ErrInvalidAPIKey)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for
// authentication failures and logs the failure without sensitive data.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	if writeErr := writeProblem(w, r, http.StatusUnauthorized, detail, correlationID); writeErr != nil {
		logger.Error("Failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", writeErr),
		)

		http.Error(w, detail, http.StatusUnauthorized)
	}
}
