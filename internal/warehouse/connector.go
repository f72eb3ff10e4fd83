// Package warehouse provides dialect-specific connectors for inspecting
// analytical warehouses: catalog listing, schema introspection, freshness
// probes and query-log extraction.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-io/aegis/internal/storage"
)

// Sentinel errors for connector construction and inspection.
var (
	// ErrUnsupportedDialect is returned when no connector exists for a dialect.
	ErrUnsupportedDialect = errors.New("unsupported warehouse dialect")

	// ErrTableNotFound is returned when the inspected table does not exist in the warehouse.
	ErrTableNotFound = errors.New("table not found in warehouse")

	// ErrConnectorClosed is returned when a disposed connector is reused.
	ErrConnectorClosed = errors.New("connector already disposed")
)

// Supported dialect identifiers.
const (
	DialectPostgres = "postgres"
)

type (
	// TableInfo is a single catalog entry returned by ListTables.
	TableInfo struct {
		Schema string `json:"schema"`
		Name   string `json:"name"`
		Type   string `json:"type"`
	}

	// QueryLogEntry is one statement pulled from the warehouse query log.
	QueryLogEntry struct {
		SQL        string
		ExecutedAt time.Time
	}

	// Connector inspects one warehouse. Connectors are owned by the scan
	// cycle that created them and must be disposed on every exit path;
	// they are never cached across cycles.
	Connector interface {
		// CurrentCatalog returns the catalog (database) name used as the
		// first segment of fully qualified table names.
		CurrentCatalog(ctx context.Context) (string, error)

		// ListSchemas returns user schemas with system schemas filtered out.
		ListSchemas(ctx context.Context) ([]string, error)

		// ListTables returns the tables of one schema.
		ListTables(ctx context.Context, schema string) ([]TableInfo, error)

		// FetchSchema returns the column layout of a table ordered by
		// ordinal position. Returns ErrTableNotFound for missing tables.
		FetchSchema(ctx context.Context, schema, table string) ([]storage.ColumnInfo, error)

		// FetchLastUpdateTime returns the most recent known modification
		// time of a table, or nil when the warehouse cannot tell.
		FetchLastUpdateTime(ctx context.Context, schema, table string) (*time.Time, error)

		// TestConnection verifies the warehouse is reachable.
		TestConnection(ctx context.Context) error

		// Dispose releases the underlying connection resources.
		Dispose() error
	}

	// QueryLogExtractor is an optional connector capability feeding the
	// lineage refresher. Connectors that cannot expose a query log simply
	// do not implement it.
	QueryLogExtractor interface {
		RecentQueries(ctx context.Context, since time.Time) ([]QueryLogEntry, error)
	}
)

// New constructs a connector for the given dialect and connection URI.
func New(dialect, uri string, filter *SchemaFilter) (Connector, error) {
	if filter == nil {
		filter = DefaultSchemaFilter(dialect)
	}

	switch dialect {
	case DialectPostgres:
		return newPostgresConnector(uri, filter)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}
}
