package api

import (
	"github.com/aegis-io/aegis/internal/scanner"
	"github.com/aegis-io/aegis/internal/storage"
)

type (
	// HealthStatus is the liveness response body.
	HealthStatus struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Version string `json:"version"`
	}

	// StatusResponse reports runtime state of the background machinery.
	StatusResponse struct {
		Scanner          string `json:"scanner"`
		WebsocketClients int    `json:"websocket_clients"`
	}

	// CreateConnectionRequest is the payload for registering a warehouse
	// connection. IsActive defaults to true when omitted.
	CreateConnectionRequest struct {
		Name     string `json:"name"`
		Dialect  string `json:"dialect"`
		URI      string `json:"connection_uri"`
		IsActive *bool  `json:"is_active"`
	}

	// UpdateConnectionRequest toggles scan participation.
	UpdateConnectionRequest struct {
		IsActive *bool `json:"is_active"`
	}

	// ConnectionListResponse wraps the connection list.
	ConnectionListResponse struct {
		Connections []storage.WarehouseConnection `json:"connections"`
		Total       int                           `json:"total"`
	}

	// ConnectionTestResponse reports the result of a live connectivity probe.
	ConnectionTestResponse struct {
		Success    bool                         `json:"success"`
		Connection *storage.WarehouseConnection `json:"connection"`
		Error      string                       `json:"error,omitempty"`
	}

	// CreateTableRequest enrolls a warehouse table for monitoring.
	CreateTableRequest struct {
		ConnectionID        int64    `json:"connection_id"`
		SchemaName          string   `json:"schema_name"`
		TableName           string   `json:"table_name"`
		CheckTypes          []string `json:"check_types"`
		FreshnessSLAMinutes *int     `json:"freshness_sla_minutes"`
	}

	// UpdateTableRequest adjusts enrollment of an already monitored table.
	UpdateTableRequest struct {
		CheckTypes          []string `json:"check_types"`
		FreshnessSLAMinutes *int     `json:"freshness_sla_minutes"`
	}

	// TableListResponse is the paginated table enrollment list.
	TableListResponse struct {
		Tables  []storage.MonitoredTable `json:"tables"`
		Total   int                      `json:"total"`
		Page    int                      `json:"page"`
		PerPage int                      `json:"per_page"`
	}

	// SnapshotListResponse wraps ordered schema snapshots, newest first.
	SnapshotListResponse struct {
		Snapshots []storage.SchemaSnapshot `json:"snapshots"`
		Total     int                      `json:"total"`
	}

	// IncidentListResponse is the filtered, paginated incident list.
	IncidentListResponse struct {
		Incidents []storage.Incident `json:"incidents"`
		Total     int                `json:"total"`
		Page      int                `json:"page"`
		PerPage   int                `json:"per_page"`
	}

	// DismissIncidentRequest carries the operator-supplied dismissal reason.
	DismissIncidentRequest struct {
		Reason string `json:"reason"`
	}

	// RediscoveryResponse lists catalog deltas for one connection.
	RediscoveryResponse struct {
		ConnectionID int64                `json:"connection_id"`
		Deltas       []scanner.TableDelta `json:"deltas"`
		Total        int                  `json:"total"`
	}

	// paramError represents a query or path parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}
