package scanner

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

type fakeScanStore struct {
	connections []storage.WarehouseConnection
	tables      map[int64][]storage.MonitoredTable
	listErr     error
}

func (s *fakeScanStore) GetConnection(_ context.Context, id int64) (*storage.WarehouseConnection, error) {
	for i := range s.connections {
		if s.connections[i].ID == id {
			return &s.connections[i], nil
		}
	}

	return nil, storage.ErrNotFound
}

func (s *fakeScanStore) ListConnections(context.Context) ([]storage.WarehouseConnection, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}

	return s.connections, nil
}

func (s *fakeScanStore) ListTablesForConnection(_ context.Context, connectionID int64) ([]storage.MonitoredTable, error) {
	return s.tables[connectionID], nil
}

type fakeConnector struct {
	schemas  []string
	tables   map[string][]warehouse.TableInfo
	columns  map[string][]storage.ColumnInfo
	queries  []warehouse.QueryLogEntry
	disposed bool
}

func (c *fakeConnector) CurrentCatalog(context.Context) (string, error) { return "warehouse", nil }

func (c *fakeConnector) ListSchemas(context.Context) ([]string, error) { return c.schemas, nil }

func (c *fakeConnector) ListTables(_ context.Context, schema string) ([]warehouse.TableInfo, error) {
	return c.tables[schema], nil
}

func (c *fakeConnector) FetchSchema(_ context.Context, schema, table string) ([]storage.ColumnInfo, error) {
	if columns, ok := c.columns[schema+"."+table]; ok {
		return columns, nil
	}

	return nil, warehouse.ErrTableNotFound
}

func (c *fakeConnector) FetchLastUpdateTime(context.Context, string, string) (*time.Time, error) {
	return nil, nil
}

func (c *fakeConnector) TestConnection(context.Context) error { return nil }

func (c *fakeConnector) Dispose() error {
	c.disposed = true

	return nil
}

type queryLogConnector struct {
	fakeConnector
}

func (c *queryLogConnector) RecentQueries(context.Context, time.Time) ([]warehouse.QueryLogEntry, error) {
	return c.queries, nil
}

type fakeDetector struct {
	kind      string
	anomalies map[int64]*storage.Anomaly
	inspected []int64
}

func (d *fakeDetector) Kind() string { return d.kind }

func (d *fakeDetector) Inspect(_ context.Context, table *storage.MonitoredTable, _ warehouse.Connector) (*storage.Anomaly, error) {
	d.inspected = append(d.inspected, table.ID)

	return d.anomalies[table.ID], nil
}

type fakeHandler struct {
	handled []int64
	err     error
}

func (h *fakeHandler) HandleAnomaly(_ context.Context, anomaly *storage.Anomaly, _ *storage.MonitoredTable) (*storage.Incident, error) {
	if h.err != nil {
		return nil, h.err
	}

	h.handled = append(h.handled, anomaly.ID)

	return &storage.Incident{ID: anomaly.ID}, nil
}

type fakeRefresher struct {
	calls int
	since time.Time
}

func (r *fakeRefresher) Refresh(_ context.Context, _ warehouse.QueryLogExtractor, _ string, since time.Time) (int, error) {
	r.calls++
	r.since = since

	return 2, nil
}

type fakeScanEvents struct {
	scans      [][2]int
	discovered []int
}

func (e *fakeScanEvents) ScanCompleted(tablesScanned, anomaliesFound int) {
	e.scans = append(e.scans, [2]int{tablesScanned, anomaliesFound})
}

func (e *fakeScanEvents) DiscoveryUpdate(totalDeltas int) {
	e.discovered = append(e.discovered, totalDeltas)
}

func monitored(id int64, schema, name string, checks ...string) storage.MonitoredTable {
	return storage.MonitoredTable{
		ID:                 id,
		ConnectionID:       1,
		SchemaName:         schema,
		TableName:          name,
		FullyQualifiedName: schema + "." + name,
		CheckTypes:         checks,
	}
}

func testConfig() Config {
	return Config{
		ScanInterval:    time.Minute,
		LineageInterval: time.Hour,
		LineageLookback: 2 * time.Hour,
	}
}

func TestScanOnceInspectsEnrolledTables(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{
			{ID: 1, Name: "prod", Dialect: warehouse.DialectPostgres, IsActive: true},
			{ID: 2, Name: "paused", Dialect: warehouse.DialectPostgres, IsActive: false},
		},
		tables: map[int64][]storage.MonitoredTable{
			1: {monitored(10, "public", "orders"), monitored(11, "public", "users")},
			2: {monitored(20, "public", "ignored")},
		},
	}

	detector := &fakeDetector{
		kind:      storage.CheckTypeSchema,
		anomalies: map[int64]*storage.Anomaly{10: {ID: 100, TableID: 10, Type: storage.AnomalyTypeSchemaDrift}},
	}
	handler := &fakeHandler{}
	events := &fakeScanEvents{}
	connector := &fakeConnector{
		schemas: []string{"public"},
		tables: map[string][]warehouse.TableInfo{
			"public": {{Schema: "public", Name: "orders"}, {Schema: "public", Name: "users"}},
		},
	}

	s := New(store, []Detector{detector}, handler, &fakeRefresher{}, events, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) { return connector, nil }))

	result, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	if result.TablesScanned != 2 || result.AnomaliesFound != 1 {
		t.Errorf("result = %+v, expected 2 tables and 1 anomaly", result)
	}

	if result.CycleID == "" {
		t.Error("cycle ID must be assigned")
	}

	if len(handler.handled) != 1 || handler.handled[0] != 100 {
		t.Errorf("handled anomalies = %v, expected [100]", handler.handled)
	}

	if !connector.disposed {
		t.Error("connector must be disposed after the cycle")
	}

	if len(events.scans) != 1 || events.scans[0] != [2]int{2, 1} {
		t.Errorf("scan events = %v, expected one (2, 1)", events.scans)
	}
}

func TestScanOnceIsolatesConnectionFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{
			{ID: 1, Name: "broken", Dialect: warehouse.DialectPostgres, IsActive: true},
			{ID: 2, Name: "healthy", Dialect: warehouse.DialectPostgres, IsActive: true},
		},
		tables: map[int64][]storage.MonitoredTable{
			2: {{ID: 20, ConnectionID: 2, SchemaName: "public", TableName: "events", FullyQualifiedName: "public.events"}},
		},
	}

	detector := &fakeDetector{kind: storage.CheckTypeSchema}
	calls := 0

	s := New(store, []Detector{detector}, &fakeHandler{}, &fakeRefresher{}, nil, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection refused")
			}

			return &fakeConnector{}, nil
		}))

	result, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	if result.TablesScanned != 1 {
		t.Errorf("tables scanned = %d, one connection must survive the other failing", result.TablesScanned)
	}
}

func TestScanOnceRespectsCheckTypeEnrollment(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{{ID: 1, Dialect: warehouse.DialectPostgres, IsActive: true}},
		tables: map[int64][]storage.MonitoredTable{
			1: {
				monitored(10, "public", "schema_only", storage.CheckTypeSchema),
				monitored(11, "public", "both"),
			},
		},
	}

	schemaDetector := &fakeDetector{kind: storage.CheckTypeSchema}
	freshnessDetector := &fakeDetector{kind: storage.CheckTypeFreshness}

	s := New(store, []Detector{schemaDetector, freshnessDetector}, &fakeHandler{}, &fakeRefresher{}, nil,
		testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) { return &fakeConnector{}, nil }))

	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	if len(schemaDetector.inspected) != 2 {
		t.Errorf("schema inspections = %v, expected both tables", schemaDetector.inspected)
	}

	if len(freshnessDetector.inspected) != 1 || freshnessDetector.inspected[0] != 11 {
		t.Errorf("freshness inspections = %v, expected only the unrestricted table", freshnessDetector.inspected)
	}
}

func TestScanOnceReportsDiscoveryDeltas(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{{ID: 1, Dialect: warehouse.DialectPostgres, IsActive: true}},
		tables: map[int64][]storage.MonitoredTable{
			1: {monitored(10, "public", "orders"), monitored(11, "public", "retired")},
		},
	}

	connector := &fakeConnector{
		schemas: []string{"public"},
		tables: map[string][]warehouse.TableInfo{
			"public": {
				{Schema: "public", Name: "orders"},
				{Schema: "public", Name: "brand_new"},
			},
		},
	}

	events := &fakeScanEvents{}
	s := New(store, nil, &fakeHandler{}, &fakeRefresher{}, events, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) { return connector, nil }))

	result, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	if len(result.Deltas) != 2 {
		t.Fatalf("deltas = %+v, expected one new and one dropped", result.Deltas)
	}

	if result.Deltas[0].Action != DeltaActionDropped || result.Deltas[0].FQN != "public.retired" {
		t.Errorf("first delta = %+v, expected dropped public.retired", result.Deltas[0])
	}

	if result.Deltas[1].Action != DeltaActionNew || result.Deltas[1].FQN != "public.brand_new" {
		t.Errorf("second delta = %+v, expected new public.brand_new", result.Deltas[1])
	}

	if len(events.discovered) != 1 || events.discovered[0] != 2 {
		t.Errorf("discovery events = %v, expected one with 2 deltas", events.discovered)
	}
}

func TestRediscoverReportsDeltasWithProposals(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{{ID: 1, Name: "prod", Dialect: warehouse.DialectPostgres, IsActive: true}},
		tables: map[int64][]storage.MonitoredTable{
			1: {monitored(10, "public", "orders")},
		},
	}

	connector := &fakeConnector{
		schemas: []string{"public"},
		tables: map[string][]warehouse.TableInfo{
			"public": {
				{Schema: "public", Name: "orders"},
				{Schema: "public", Name: "raw_events"},
			},
		},
		columns: map[string][]storage.ColumnInfo{
			"public.raw_events": {{Name: "id", Type: "bigint"}, {Name: "loaded_at", Type: "timestamptz"}},
		},
	}

	events := &fakeScanEvents{}
	s := New(store, nil, &fakeHandler{}, &fakeRefresher{}, events, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) { return connector, nil }))

	deltas, err := s.Rediscover(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rediscover() error = %v", err)
	}

	if len(deltas) != 1 || deltas[0].Action != DeltaActionNew || deltas[0].FQN != "public.raw_events" {
		t.Fatalf("deltas = %+v, expected one new public.raw_events", deltas)
	}

	proposal := deltas[0].Proposal
	if proposal == nil || proposal.Role != RoleRaw {
		t.Fatalf("proposal = %+v, expected raw role", proposal)
	}

	if len(proposal.RecommendedChecks) != 2 {
		t.Errorf("recommended checks = %v, expected schema and freshness", proposal.RecommendedChecks)
	}

	if proposal.SuggestedSLAMinutes == nil || *proposal.SuggestedSLAMinutes != 60 {
		t.Errorf("suggested SLA = %v, expected 60 minutes for a raw table", proposal.SuggestedSLAMinutes)
	}

	if !connector.disposed {
		t.Error("connector must be disposed after rediscovery")
	}

	if len(events.discovered) != 1 || events.discovered[0] != 1 {
		t.Errorf("discovery events = %v, expected one with 1 delta", events.discovered)
	}
}

type fakeCompleter struct {
	content string
	err     error
	prompts []string
}

func (c *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)

	return c.content, c.err
}

func rediscoveryFixture(completer Completer) (*Scanner, *fakeConnector) {
	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{{ID: 1, Name: "prod", Dialect: warehouse.DialectPostgres, IsActive: true}},
	}

	connector := &fakeConnector{
		schemas: []string{"public"},
		tables: map[string][]warehouse.TableInfo{
			"public": {{Schema: "public", Name: "raw_events"}},
		},
	}

	return New(store, nil, &fakeHandler{}, &fakeRefresher{}, nil, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) { return connector, nil }),
		WithCompleter(completer)), connector
}

func TestRediscoverUsesModelProposal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	completer := &fakeCompleter{content: "```json\n" +
		`{"role": "fact", "recommended_checks": ["schema", "freshness", "bogus"], "suggested_sla_minutes": 30}` +
		"\n```"}

	s, _ := rediscoveryFixture(completer)

	deltas, err := s.Rediscover(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rediscover() error = %v", err)
	}

	proposal := deltas[0].Proposal
	if proposal == nil || proposal.Role != RoleFact {
		t.Fatalf("proposal = %+v, expected the model's fact role", proposal)
	}

	// The unknown check type is dropped, the rest kept.
	if len(proposal.RecommendedChecks) != 2 {
		t.Errorf("recommended checks = %v, expected schema and freshness", proposal.RecommendedChecks)
	}

	if proposal.SuggestedSLAMinutes == nil || *proposal.SuggestedSLAMinutes != 30 {
		t.Errorf("suggested SLA = %v, expected the model's 30 minutes", proposal.SuggestedSLAMinutes)
	}

	if len(completer.prompts) != 1 {
		t.Errorf("completions = %d, expected one per new table", len(completer.prompts))
	}
}

func TestRediscoverFallsBackOnModelFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		completer *fakeCompleter
	}{
		{name: "completion error", completer: &fakeCompleter{err: errors.New("model unavailable")}},
		{name: "malformed output", completer: &fakeCompleter{content: "the table looks raw to me"}},
		{name: "unknown role", completer: &fakeCompleter{content: `{"role": "mart"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := rediscoveryFixture(tt.completer)

			deltas, err := s.Rediscover(context.Background(), 1)
			if err != nil {
				t.Fatalf("Rediscover() error = %v", err)
			}

			proposal := deltas[0].Proposal
			if proposal == nil || proposal.Role != RoleRaw {
				t.Errorf("proposal = %+v, expected the deterministic raw classification", proposal)
			}
		})
	}
}

func TestRediscoverUnknownConnection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := New(&fakeScanStore{}, nil, &fakeHandler{}, &fakeRefresher{}, nil, testConfig(), slog.Default())

	if _, err := s.Rediscover(context.Background(), 99); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Rediscover() error = %v, expected ErrNotFound", err)
	}
}

func TestClassify(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	timestamped := []storage.ColumnInfo{{Name: "id"}, {Name: "updated_at"}}

	tests := []struct {
		name      string
		table     string
		columns   []storage.ColumnInfo
		role      string
		freshness bool
		sla       int
	}{
		{name: "raw prefix", table: "raw_orders", role: RoleRaw, freshness: true, sla: 60},
		{name: "staging prefix", table: "stg_orders", role: RoleStaging, freshness: false},
		{name: "staging with timestamp", table: "stg_orders", columns: timestamped, role: RoleStaging, freshness: true, sla: 120},
		{name: "fact prefix", table: "fct_daily_revenue", role: RoleFact, freshness: true, sla: 240},
		{name: "dimension with timestamp", table: "dim_customer", columns: timestamped, role: RoleDimension, freshness: true, sla: 1440},
		{name: "unknown without timestamp", table: "orders", role: RoleUnknown, freshness: false},
		{name: "scratch is unmonitored", table: "tmp_backfill", columns: timestamped, role: RoleScratch, freshness: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.table, tt.columns)

			if got.Role != tt.role {
				t.Errorf("role = %q, expected %q", got.Role, tt.role)
			}

			hasFreshness := false

			for _, check := range got.RecommendedChecks {
				if check == storage.CheckTypeFreshness {
					hasFreshness = true
				}
			}

			if hasFreshness != tt.freshness {
				t.Errorf("freshness recommended = %v, expected %v", hasFreshness, tt.freshness)
			}

			if tt.sla > 0 {
				if got.SuggestedSLAMinutes == nil || *got.SuggestedSLAMinutes != tt.sla {
					t.Errorf("suggested SLA = %v, expected %d", got.SuggestedSLAMinutes, tt.sla)
				}
			} else if got.SuggestedSLAMinutes != nil {
				t.Errorf("suggested SLA = %d, expected none", *got.SuggestedSLAMinutes)
			}

			if tt.role == RoleScratch && len(got.RecommendedChecks) != 0 {
				t.Errorf("recommended checks = %v, scratch tables must not be monitored", got.RecommendedChecks)
			}
		})
	}
}

func TestScanOncePropagatesConnectionListFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("database down")
	s := New(&fakeScanStore{listErr: boom}, nil, &fakeHandler{}, &fakeRefresher{}, nil, testConfig(), slog.Default())

	if _, err := s.ScanOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("ScanOnce() error = %v, expected wrapped list failure", err)
	}
}

func TestRefreshLineageUsesQueryLogCapableConnectors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{
			{ID: 1, Name: "with-log", Dialect: warehouse.DialectPostgres, IsActive: true},
			{ID: 2, Name: "without-log", Dialect: warehouse.DialectPostgres, IsActive: true},
		},
	}

	withLog := &queryLogConnector{}
	withoutLog := &fakeConnector{}
	refresher := &fakeRefresher{}
	calls := 0

	s := New(store, nil, &fakeHandler{}, refresher, nil, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) {
			calls++
			if calls == 1 {
				return withLog, nil
			}

			return withoutLog, nil
		}))

	s.RefreshLineage(context.Background())

	if refresher.calls != 1 {
		t.Errorf("refresher calls = %d, expected only the query-log capable connector", refresher.calls)
	}

	if !withLog.disposed || !withoutLog.disposed {
		t.Error("every opened connector must be disposed")
	}

	lookback := time.Since(refresher.since)
	if lookback < time.Hour || lookback > 3*time.Hour {
		t.Errorf("lookback = %v, expected roughly the configured 2h window", lookback)
	}
}

func TestScanOnceStopsAtCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeScanStore{
		connections: []storage.WarehouseConnection{{ID: 1, Dialect: warehouse.DialectPostgres, IsActive: true}},
		tables: map[int64][]storage.MonitoredTable{
			1: {monitored(10, "public", "orders")},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	detector := &fakeDetector{kind: storage.CheckTypeSchema}
	s := New(store, []Detector{detector}, &fakeHandler{}, &fakeRefresher{}, nil, testConfig(), slog.Default(),
		WithConnectorFactory(func(string, string) (warehouse.Connector, error) { return &fakeConnector{}, nil }))

	result, err := s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	if result.TablesScanned != 0 || len(detector.inspected) != 0 {
		t.Errorf("result = %+v, a cancelled cycle must not inspect tables", result)
	}
}
