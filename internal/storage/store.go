// Package storage implements the PostgreSQL persistence layer: warehouse
// connections, monitored tables, schema snapshots, anomalies, incidents and
// lineage edges.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/aegis-io/aegis/internal/config"
)

// Sentinel errors shared by all store operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateName is returned when a unique name constraint is violated.
	ErrDuplicateName = errors.New("name already exists")

	// ErrDuplicateTable is returned when a table is enrolled twice on the same connection.
	ErrDuplicateTable = errors.New("table already monitored")

	// ErrStoreFailed is returned when a storage operation fails for reasons
	// other than a constraint violation or a missing row.
	ErrStoreFailed = errors.New("storage operation failed")
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

type (
	// Store is the PostgreSQL-backed persistence layer. One instance serves
	// all components; each consumer depends on its own narrow interface.
	Store struct {
		conn   *Connection
		logger *slog.Logger
		cipher *Cipher
	}

	// StoreOption configures optional Store behavior.
	StoreOption func(*Store)
)

// WithCipher enables encryption of connection URIs at rest. Without it, URIs
// are stored in plaintext.
func WithCipher(cipher *Cipher) StoreOption {
	return func(s *Store) {
		s.cipher = cipher
	}
}

// WithLogger overrides the default JSON logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a PostgreSQL-backed store. Returns ErrNoDatabaseConnection
// if conn is nil. The connection is managed externally; closing the store is
// the caller's responsibility via conn.Close.
func NewStore(conn *Connection, opts ...StoreOption) (*Store, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// requireRowAffected converts a zero-row UPDATE or DELETE into ErrNotFound.
func requireRowAffected(result sql.Result, subject string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	}

	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	return false
}

// encryptURI seals a connection URI when a cipher is configured, passthrough otherwise.
func (s *Store) encryptURI(uri string) (string, error) {
	if s.cipher == nil {
		return uri, nil
	}

	return s.cipher.Encrypt(uri)
}

// decryptURI opens a stored URI when a cipher is configured. Plaintext rows
// written before encryption was enabled are passed through unchanged.
func (s *Store) decryptURI(stored string) (string, error) {
	if s.cipher == nil {
		return stored, nil
	}

	opened, err := s.cipher.Decrypt(stored)
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return stored, nil
		}

		return "", err
	}

	return opened, nil
}
