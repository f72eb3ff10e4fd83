package api

import (
	"context"

	"github.com/aegis-io/aegis/internal/storage"
)

// Store is the persistence surface the HTTP handlers need. *storage.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateConnection(ctx context.Context, conn *storage.WarehouseConnection) error
	GetConnection(ctx context.Context, id int64) (*storage.WarehouseConnection, error)
	ListConnections(ctx context.Context) ([]storage.WarehouseConnection, error)
	UpdateConnectionActive(ctx context.Context, id int64, active bool) error
	DeleteConnection(ctx context.Context, id int64) error

	CreateMonitoredTable(ctx context.Context, table *storage.MonitoredTable) error
	GetMonitoredTable(ctx context.Context, id int64) (*storage.MonitoredTable, error)
	ListMonitoredTables(ctx context.Context) ([]storage.MonitoredTable, error)
	UpdateMonitoredTable(ctx context.Context, table *storage.MonitoredTable) error
	DeleteMonitoredTable(ctx context.Context, id int64) error
	ListSnapshots(ctx context.Context, tableID int64, limit int) ([]storage.SchemaSnapshot, error)

	GetIncident(ctx context.Context, id int64) (*storage.Incident, error)
	ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]storage.Incident, int, error)
	ResolveIncident(ctx context.Context, id int64, resolvedBy string) error
	DismissIncident(ctx context.Context, id int64, dismissedBy, reason string) error

	GetStats(ctx context.Context) (*storage.Stats, error)
}

// Interface satisfaction check at compile time.
var _ Store = (*storage.Store)(nil)
