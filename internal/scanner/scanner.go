// Package scanner runs the periodic scan scheduler: it walks every active
// warehouse connection, inspects enrolled tables with the sentinels, routes
// anomalies into the incident pipeline and keeps the lineage graph fresh from
// warehouse query logs.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

type (
	// Store is the read surface the scanner needs. *storage.Store satisfies it.
	Store interface {
		GetConnection(ctx context.Context, id int64) (*storage.WarehouseConnection, error)
		ListConnections(ctx context.Context) ([]storage.WarehouseConnection, error)
		ListTablesForConnection(ctx context.Context, connectionID int64) ([]storage.MonitoredTable, error)
	}

	// Detector inspects one table through a live connector. Kind names the
	// check type tables enroll in. Both sentinels satisfy it.
	Detector interface {
		Kind() string
		Inspect(ctx context.Context, table *storage.MonitoredTable, connector warehouse.Connector) (*storage.Anomaly, error)
	}

	// IncidentHandler folds anomalies into incidents.
	// *orchestrator.Orchestrator satisfies it.
	IncidentHandler interface {
		HandleAnomaly(ctx context.Context, anomaly *storage.Anomaly, table *storage.MonitoredTable) (*storage.Incident, error)
	}

	// LineageRefresher ingests query-log edges. *lineage.Refresher satisfies it.
	LineageRefresher interface {
		Refresh(ctx context.Context, extractor warehouse.QueryLogExtractor, dialect string, since time.Time) (int, error)
	}

	// Events receives scan lifecycle notifications. *notifier.Notifier
	// satisfies it.
	Events interface {
		ScanCompleted(tablesScanned, anomaliesFound int)
		DiscoveryUpdate(totalDeltas int)
	}

	// ConnectorFactory opens a connector for one cycle. The scanner disposes
	// every connector it opens before the cycle ends.
	ConnectorFactory func(dialect, uri string) (warehouse.Connector, error)

	// CycleResult summarizes one completed scan cycle.
	CycleResult struct {
		CycleID        string       `json:"cycle_id"`
		TablesScanned  int          `json:"tables_scanned"`
		AnomaliesFound int          `json:"anomalies_found"`
		Deltas         []TableDelta `json:"deltas,omitempty"`
		StartedAt      time.Time    `json:"started_at"`
		FinishedAt     time.Time    `json:"finished_at"`
	}

	// Scanner is the scan scheduler.
	Scanner struct {
		store     Store
		detectors []Detector
		incidents IncidentHandler
		refresher LineageRefresher
		events    Events
		connect   ConnectorFactory
		completer Completer
		logger    *slog.Logger
		cfg       Config

		// runMu serializes scan cycles so a manual trigger never overlaps
		// the scheduled one.
		runMu sync.Mutex
	}

	// Option configures optional Scanner behavior.
	Option func(*Scanner)
)

// WithConnectorFactory overrides how connectors are opened, for tests.
func WithConnectorFactory(connect ConnectorFactory) Option {
	return func(s *Scanner) {
		s.connect = connect
	}
}

// WithCompleter routes enrollment proposals for discovered tables through
// the model. The deterministic rules remain the fallback on any failure.
func WithCompleter(completer Completer) Option {
	return func(s *Scanner) {
		s.completer = completer
	}
}

// New builds a scanner. Detectors run in order for every enrolled table.
func New(
	store Store,
	detectors []Detector,
	incidents IncidentHandler,
	refresher LineageRefresher,
	events Events,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Scanner {
	s := &Scanner{
		store:     store,
		detectors: detectors,
		incidents: incidents,
		refresher: refresher,
		events:    events,
		cfg:       cfg,
		logger:    logger,
		connect: func(dialect, uri string) (warehouse.Connector, error) {
			return warehouse.New(dialect, uri, nil)
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run drives both cadences until the context is cancelled. Lineage refreshes
// immediately at startup so diagnosis has graph context from the first scan;
// cancellation is honored at cycle boundaries.
func (s *Scanner) Run(ctx context.Context) {
	s.RefreshLineage(ctx)

	if _, err := s.ScanOnce(ctx); err != nil {
		s.logger.Error("Initial scan cycle failed", slog.Any("error", err))
	}

	scanTicker := time.NewTicker(s.cfg.ScanInterval)
	defer scanTicker.Stop()

	lineageTicker := time.NewTicker(s.cfg.LineageInterval)
	defer lineageTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scan scheduler stopped")

			return
		case <-scanTicker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				s.logger.Error("Scan cycle failed", slog.Any("error", err))
			}
		case <-lineageTicker.C:
			s.RefreshLineage(ctx)
		}
	}
}

// ScanOnce runs one full scan cycle across every active connection. A
// connection or table failure is isolated to that connection or table; the
// cycle itself only fails when the connection list is unreadable.
func (s *Scanner) ScanOnce(ctx context.Context) (*CycleResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result := &CycleResult{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	connections, err := s.store.ListConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	logger := s.logger.With(slog.String("cycle_id", result.CycleID))
	logger.Info("Scan cycle started", slog.Int("connections", len(connections)))

	for _, connection := range connections {
		if !connection.IsActive {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		s.scanConnection(ctx, logger, &connection, result)
	}

	result.FinishedAt = time.Now().UTC()

	logger.Info("Scan cycle finished",
		slog.Int("tables_scanned", result.TablesScanned),
		slog.Int("anomalies_found", result.AnomaliesFound),
		slog.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)

	if s.events != nil {
		s.events.ScanCompleted(result.TablesScanned, result.AnomaliesFound)

		if len(result.Deltas) > 0 {
			s.events.DiscoveryUpdate(len(result.Deltas))
		}
	}

	return result, nil
}

// Rediscover compares the live catalog of one connection against its
// enrolled tables and reports the differences. Read-only: the operator
// decides what to enroll or retire.
func (s *Scanner) Rediscover(ctx context.Context, connectionID int64) ([]TableDelta, error) {
	connection, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	connector, err := s.connect(connection.Dialect, connection.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to reach warehouse %s: %w", connection.Name, err)
	}
	defer func() { _ = connector.Dispose() }()

	tables, err := s.store.ListTablesForConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrolled tables: %w", err)
	}

	deltas, err := Discover(ctx, connector, tables, s.classifier())
	if err != nil {
		return nil, err
	}

	if s.events != nil && len(deltas) > 0 {
		s.events.DiscoveryUpdate(len(deltas))
	}

	return deltas, nil
}

// classifier returns the proposal strategy: model-backed when a completer is
// configured, nil otherwise so Discover uses the deterministic rules.
func (s *Scanner) classifier() ClassifyFunc {
	if s.completer == nil {
		return nil
	}

	return modelClassifier(s.completer, s.logger)
}

// RefreshLineage reads recent query logs from every connection whose
// connector exposes one and upserts the edges they imply.
func (s *Scanner) RefreshLineage(ctx context.Context) {
	connections, err := s.store.ListConnections(ctx)
	if err != nil {
		s.logger.Error("Lineage refresh failed to list connections", slog.Any("error", err))

		return
	}

	since := time.Now().UTC().Add(-s.cfg.LineageLookback)

	for _, connection := range connections {
		if !connection.IsActive || ctx.Err() != nil {
			continue
		}

		connector, err := s.connect(connection.Dialect, connection.URI)
		if err != nil {
			s.logger.Warn("Skipping connection for lineage refresh",
				slog.String("connection", connection.Name),
				slog.Any("error", err),
			)

			continue
		}

		extractor, supported := connector.(warehouse.QueryLogExtractor)
		if !supported {
			_ = connector.Dispose()

			continue
		}

		upserted, err := s.refresher.Refresh(ctx, extractor, connection.Dialect, since)
		if err != nil {
			s.logger.Warn("Lineage refresh failed for connection",
				slog.String("connection", connection.Name),
				slog.Any("error", err),
			)
		} else if upserted > 0 {
			s.logger.Info("Lineage refreshed",
				slog.String("connection", connection.Name),
				slog.Int("edges_upserted", upserted),
			)
		}

		_ = connector.Dispose()
	}
}

func (s *Scanner) scanConnection(
	ctx context.Context,
	logger *slog.Logger,
	connection *storage.WarehouseConnection,
	result *CycleResult,
) {
	connector, err := s.connect(connection.Dialect, connection.URI)
	if err != nil {
		logger.Warn("Skipping unreachable connection",
			slog.String("connection", connection.Name),
			slog.Any("error", err),
		)

		return
	}
	defer func() { _ = connector.Dispose() }()

	tables, err := s.store.ListTablesForConnection(ctx, connection.ID)
	if err != nil {
		logger.Warn("Skipping connection, table list unreadable",
			slog.String("connection", connection.Name),
			slog.Any("error", err),
		)

		return
	}

	for i := range tables {
		if ctx.Err() != nil {
			return
		}

		table := &tables[i]
		result.TablesScanned++
		result.AnomaliesFound += s.scanTable(ctx, logger, table, connector)
	}

	deltas, err := Discover(ctx, connector, tables, s.classifier())
	if err != nil {
		logger.Warn("Rediscovery failed for connection",
			slog.String("connection", connection.Name),
			slog.Any("error", err),
		)

		return
	}

	result.Deltas = append(result.Deltas, deltas...)
}

// scanTable runs every detector whose check type the table enrolls in.
// Returns the number of anomalies raised.
func (s *Scanner) scanTable(
	ctx context.Context,
	logger *slog.Logger,
	table *storage.MonitoredTable,
	connector warehouse.Connector,
) int {
	found := 0

	for _, detector := range s.detectors {
		if !enrolledIn(table, detector.Kind()) {
			continue
		}

		anomaly, err := detector.Inspect(ctx, table, connector)
		if err != nil {
			logger.Error("Detector failed for table",
				slog.String("fqn", table.FullyQualifiedName),
				slog.Any("error", err),
			)

			continue
		}

		if anomaly == nil {
			continue
		}

		found++

		if _, err := s.incidents.HandleAnomaly(ctx, anomaly, table); err != nil {
			logger.Error("Incident handling failed for anomaly",
				slog.Int64("anomaly_id", anomaly.ID),
				slog.String("fqn", table.FullyQualifiedName),
				slog.Any("error", err),
			)
		}
	}

	return found
}

// enrolledIn maps a detector kind to the table's check_types enrollment. An
// empty enrollment means every check runs.
func enrolledIn(table *storage.MonitoredTable, kind string) bool {
	if len(table.CheckTypes) == 0 {
		return true
	}

	for _, check := range table.CheckTypes {
		if check == kind {
			return true
		}
	}

	return false
}
