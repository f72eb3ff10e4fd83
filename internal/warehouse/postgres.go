package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aegis-io/aegis/internal/storage"
)

// Connector pools stay tiny; a connector lives for one scan cycle only.
const (
	connectorMaxOpenConns = 2
	connectorMaxIdleConns = 1
)

// postgresConnector inspects a PostgreSQL warehouse through information_schema
// and the statistics collector.
type postgresConnector struct {
	db     *sql.DB
	filter *SchemaFilter

	mu     sync.Mutex
	closed bool
}

// Compile-time capability assertions.
var (
	_ Connector         = (*postgresConnector)(nil)
	_ QueryLogExtractor = (*postgresConnector)(nil)
)

func newPostgresConnector(uri string, filter *SchemaFilter) (*postgresConnector, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}

	db.SetMaxOpenConns(connectorMaxOpenConns)
	db.SetMaxIdleConns(connectorMaxIdleConns)

	return &postgresConnector{db: db, filter: filter}, nil
}

func (c *postgresConnector) CurrentCatalog(ctx context.Context) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}

	var catalog string
	if err := c.db.QueryRowContext(ctx, `SELECT current_database()`).Scan(&catalog); err != nil {
		return "", fmt.Errorf("failed to read current catalog: %w", err)
	}

	return catalog, nil
}

func (c *postgresConnector) ListSchemas(ctx context.Context) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT schema_name FROM information_schema.schemata ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schemas []string

	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}

		if c.filter.Excluded(schema) {
			continue
		}

		schemas = append(schemas, schema)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	return schemas, nil
}

func (c *postgresConnector) ListTables(ctx context.Context, schema string) ([]TableInfo, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name, table_type
		FROM information_schema.tables
		WHERE table_schema = $1
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []TableInfo

	for rows.Next() {
		table := TableInfo{Schema: schema}
		if err := rows.Scan(&table.Name, &table.Type); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}

		tables = append(tables, table)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
	}

	return tables, nil
}

func (c *postgresConnector) FetchSchema(ctx context.Context, schema, table string) ([]storage.ColumnInfo, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES', ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema for %s.%s: %w", schema, table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []storage.ColumnInfo

	for rows.Next() {
		var column storage.ColumnInfo
		if err := rows.Scan(&column.Name, &column.Type, &column.Nullable, &column.Ordinal); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}

		columns = append(columns, column)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch schema for %s.%s: %w", schema, table, err)
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, schema, table)
	}

	return columns, nil
}

// FetchLastUpdateTime approximates the last modification time from the
// statistics collector. Returns nil when the collector has no record.
func (c *postgresConnector) FetchLastUpdateTime(ctx context.Context, schema, table string) (*time.Time, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	var lastUpdate sql.NullTime

	err := c.db.QueryRowContext(ctx, `
		SELECT GREATEST(last_vacuum, last_autovacuum, last_analyze, last_autoanalyze)
		FROM pg_stat_user_tables
		WHERE schemaname = $1 AND relname = $2`, schema, table).Scan(&lastUpdate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, schema, table)
		}

		return nil, fmt.Errorf("failed to fetch last update time for %s.%s: %w", schema, table, err)
	}

	if !lastUpdate.Valid {
		return nil, nil
	}

	t := lastUpdate.Time.UTC()

	return &t, nil
}

func (c *postgresConnector) TestConnection(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("warehouse unreachable: %w", err)
	}

	return nil
}

// RecentQueries pulls mutation statements from pg_stat_statements. The
// extension keeps no per-statement timestamps, so the since cutoff is best
// effort: all currently tracked statements are returned and the parser
// deduplicates via edge upserts.
func (c *postgresConnector) RecentQueries(ctx context.Context, since time.Time) ([]QueryLogEntry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT query
		FROM pg_stat_statements
		WHERE query ~* '^\s*(insert|create\s+table|merge)'`)
	if err != nil {
		// The extension may not be installed; lineage degrades to empty.
		return nil, fmt.Errorf("failed to read query log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()

	var entries []QueryLogEntry

	for rows.Next() {
		var query string
		if err := rows.Scan(&query); err != nil {
			return nil, fmt.Errorf("failed to scan query log row: %w", err)
		}

		if strings.TrimSpace(query) == "" {
			continue
		}

		entries = append(entries, QueryLogEntry{SQL: query, ExecutedAt: now})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query log: %w", err)
	}

	return entries, nil
}

func (c *postgresConnector) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	return c.db.Close()
}

func (c *postgresConnector) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectorClosed
	}

	return nil
}
