package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aegis-io/aegis/internal/lineage"
	"github.com/aegis-io/aegis/internal/scanner"
	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	connections map[int64]*storage.WarehouseConnection
	tables      map[int64]*storage.MonitoredTable
	snapshots   map[int64][]storage.SchemaSnapshot
	incidents   map[int64]*storage.Incident
	stats       *storage.Stats
	nextID      int64
	failWith    error

	lastFilter storage.IncidentFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connections: make(map[int64]*storage.WarehouseConnection),
		tables:      make(map[int64]*storage.MonitoredTable),
		snapshots:   make(map[int64][]storage.SchemaSnapshot),
		incidents:   make(map[int64]*storage.Incident),
		stats:       &storage.Stats{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++

	return f.nextID
}

func (f *fakeStore) CreateConnection(_ context.Context, conn *storage.WarehouseConnection) error {
	if f.failWith != nil {
		return f.failWith
	}

	for _, existing := range f.connections {
		if existing.Name == conn.Name {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateName, conn.Name)
		}
	}

	conn.ID = f.id()
	conn.CreatedAt = time.Now().UTC()
	conn.UpdatedAt = conn.CreatedAt
	f.connections[conn.ID] = conn

	return nil
}

func (f *fakeStore) GetConnection(_ context.Context, id int64) (*storage.WarehouseConnection, error) {
	conn, ok := f.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", storage.ErrNotFound, id)
	}

	return conn, nil
}

func (f *fakeStore) ListConnections(_ context.Context) ([]storage.WarehouseConnection, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}

	var out []storage.WarehouseConnection
	for _, conn := range f.connections {
		out = append(out, *conn)
	}

	return out, nil
}

func (f *fakeStore) UpdateConnectionActive(_ context.Context, id int64, active bool) error {
	conn, ok := f.connections[id]
	if !ok {
		return fmt.Errorf("%w: connection %d", storage.ErrNotFound, id)
	}

	conn.IsActive = active

	return nil
}

func (f *fakeStore) DeleteConnection(_ context.Context, id int64) error {
	if _, ok := f.connections[id]; !ok {
		return fmt.Errorf("%w: connection %d", storage.ErrNotFound, id)
	}

	delete(f.connections, id)

	return nil
}

func (f *fakeStore) CreateMonitoredTable(_ context.Context, table *storage.MonitoredTable) error {
	for _, existing := range f.tables {
		if existing.ConnectionID == table.ConnectionID && existing.FullyQualifiedName == table.FullyQualifiedName {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateTable, table.FullyQualifiedName)
		}
	}

	table.ID = f.id()
	table.CreatedAt = time.Now().UTC()
	table.UpdatedAt = table.CreatedAt
	f.tables[table.ID] = table

	return nil
}

func (f *fakeStore) GetMonitoredTable(_ context.Context, id int64) (*storage.MonitoredTable, error) {
	table, ok := f.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: table %d", storage.ErrNotFound, id)
	}

	return table, nil
}

func (f *fakeStore) ListMonitoredTables(_ context.Context) ([]storage.MonitoredTable, error) {
	out := make([]storage.MonitoredTable, 0, len(f.tables))
	// Deterministic order keeps pagination assertions stable.
	for id := int64(1); id <= f.nextID; id++ {
		if table, ok := f.tables[id]; ok {
			out = append(out, *table)
		}
	}

	return out, nil
}

func (f *fakeStore) UpdateMonitoredTable(_ context.Context, table *storage.MonitoredTable) error {
	if _, ok := f.tables[table.ID]; !ok {
		return fmt.Errorf("%w: table %d", storage.ErrNotFound, table.ID)
	}

	f.tables[table.ID] = table

	return nil
}

func (f *fakeStore) DeleteMonitoredTable(_ context.Context, id int64) error {
	if _, ok := f.tables[id]; !ok {
		return fmt.Errorf("%w: table %d", storage.ErrNotFound, id)
	}

	delete(f.tables, id)

	return nil
}

func (f *fakeStore) ListSnapshots(_ context.Context, tableID int64, limit int) ([]storage.SchemaSnapshot, error) {
	snapshots := f.snapshots[tableID]
	if len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}

	return snapshots, nil
}

func (f *fakeStore) GetIncident(_ context.Context, id int64) (*storage.Incident, error) {
	incident, ok := f.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: incident %d", storage.ErrNotFound, id)
	}

	return incident, nil
}

func (f *fakeStore) ListIncidents(_ context.Context, filter storage.IncidentFilter) ([]storage.Incident, int, error) {
	f.lastFilter = filter

	var out []storage.Incident

	for _, incident := range f.incidents {
		if filter.Status != "" && incident.Status != filter.Status {
			continue
		}

		if filter.Severity != "" && incident.Severity != filter.Severity {
			continue
		}

		out = append(out, *incident)
	}

	return out, len(out), nil
}

func (f *fakeStore) ResolveIncident(_ context.Context, id int64, resolvedBy string) error {
	return f.close(id, storage.IncidentStatusResolved, resolvedBy, "")
}

func (f *fakeStore) DismissIncident(_ context.Context, id int64, dismissedBy, reason string) error {
	return f.close(id, storage.IncidentStatusDismissed, dismissedBy, reason)
}

func (f *fakeStore) close(id int64, status, actor, reason string) error {
	incident, ok := f.incidents[id]
	if !ok {
		return fmt.Errorf("%w: incident %d", storage.ErrNotFound, id)
	}

	switch incident.Status {
	case storage.IncidentStatusResolved, storage.IncidentStatusDismissed:
		return fmt.Errorf("%w: incident %d", storage.ErrInvalidStateTransition, id)
	}

	incident.Status = status
	incident.ResolvedBy = actor
	incident.DismissReason = reason

	return nil
}

func (f *fakeStore) GetStats(_ context.Context) (*storage.Stats, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}

	return f.stats, nil
}

// fakeGraph serves canned traversal results.
type fakeGraph struct {
	nodes []lineage.Node
	view  *lineage.GraphView
	err   error
}

func (g *fakeGraph) Upstream(_ context.Context, _ string, _ int) ([]lineage.Node, error) {
	return g.nodes, g.err
}

func (g *fakeGraph) Downstream(_ context.Context, _ string, _ int) ([]lineage.Node, error) {
	return g.nodes, g.err
}

func (g *fakeGraph) BlastRadius(_ context.Context, table string) (*lineage.BlastRadius, error) {
	if g.err != nil {
		return nil, g.err
	}

	return &lineage.BlastRadius{Table: table, Affected: g.nodes, Total: len(g.nodes)}, nil
}

func (g *fakeGraph) FullGraph(_ context.Context) (*lineage.GraphView, error) {
	return g.view, g.err
}

// fakeScanner records trigger and rediscovery calls.
type fakeScanner struct {
	result        *scanner.CycleResult
	err           error
	calls         int
	deltas        []scanner.TableDelta
	rediscoverErr error
	rediscovered  []int64
}

func (f *fakeScanner) ScanOnce(_ context.Context) (*scanner.CycleResult, error) {
	f.calls++

	return f.result, f.err
}

func (f *fakeScanner) Rediscover(_ context.Context, connectionID int64) ([]scanner.TableDelta, error) {
	f.rediscovered = append(f.rediscovered, connectionID)

	return f.deltas, f.rediscoverErr
}

// fakeHub reports a fixed client count.
type fakeHub struct {
	clients int
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (h *fakeHub) ClientCount() int { return h.clients }

// fakeConnector implements just enough of warehouse.Connector for probes.
type fakeConnector struct {
	testErr error
}

func (c *fakeConnector) CurrentCatalog(_ context.Context) (string, error) { return "aegis", nil }
func (c *fakeConnector) ListSchemas(_ context.Context) ([]string, error)  { return nil, nil }
func (c *fakeConnector) ListTables(_ context.Context, _ string) ([]warehouse.TableInfo, error) {
	return nil, nil
}

func (c *fakeConnector) FetchSchema(_ context.Context, _, _ string) ([]storage.ColumnInfo, error) {
	return nil, warehouse.ErrTableNotFound
}

func (c *fakeConnector) FetchLastUpdateTime(_ context.Context, _, _ string) (*time.Time, error) {
	return nil, nil
}

func (c *fakeConnector) TestConnection(_ context.Context) error { return c.testErr }
func (c *fakeConnector) Dispose() error                         { return nil }

type testEnv struct {
	server  *Server
	mux     *http.ServeMux
	store   *fakeStore
	graph   *fakeGraph
	scanner *fakeScanner
	hub     *fakeHub
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:   newFakeStore(),
		graph:   &fakeGraph{view: &lineage.GraphView{Nodes: []string{}, Edges: []lineage.GraphEdge{}}},
		scanner: &fakeScanner{result: &scanner.CycleResult{CycleID: "test-cycle"}},
		hub:     &fakeHub{},
	}

	env.server = &Server{
		logger:  slog.Default(),
		config:  &ServerConfig{MaxRequestSize: defaultMaxRequestSize},
		store:   env.store,
		scanner: env.scanner,
		graph:   env.graph,
		hub:     env.hub,
		probe: func(_, _ string) (warehouse.Connector, error) {
			return &fakeConnector{}, nil
		},
	}

	env.mux = http.NewServeMux()
	env.server.setupRoutes(env.mux)

	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}

	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)

	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	return out
}

func TestHandleHealth(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}

	health := decodeBody[HealthStatus](t, w)
	if health.Status != "healthy" || health.Service != "aegis" {
		t.Errorf("unexpected health body: %+v", health)
	}
}

func TestHandleStatusReportsClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.hub.clients = 3

	w := env.do(t, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}

	status := decodeBody[StatusResponse](t, w)
	if status.Scanner != "running" {
		t.Errorf("scanner = %q, expected running", status.Scanner)
	}

	if status.WebsocketClients != 3 {
		t.Errorf("websocket_clients = %d, expected 3", status.WebsocketClients)
	}
}

func TestHandleStats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.store.stats = &storage.Stats{
		Connections:     2,
		MonitoredTables: 5,
		OpenIncidents:   1,
	}

	w := env.do(t, http.MethodGet, "/api/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}

	stats := decodeBody[storage.Stats](t, w)
	if stats.MonitoredTables != 5 {
		t.Errorf("monitored_tables = %d, expected 5", stats.MonitoredTables)
	}
}

func TestHandleStatsStoreFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.store.failWith = errors.New("boom")

	w := env.do(t, http.MethodGet, "/api/v1/stats", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, expected 500", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q, expected problem+json", ct)
	}
}

func TestHandleScanTrigger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.scanner.result = &scanner.CycleResult{
		CycleID:        "cycle-1",
		TablesScanned:  4,
		AnomaliesFound: 1,
	}

	w := env.do(t, http.MethodPost, "/api/v1/scan/trigger", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}

	result := decodeBody[scanner.CycleResult](t, w)
	if result.TablesScanned != 4 || result.AnomaliesFound != 1 {
		t.Errorf("unexpected cycle result: %+v", result)
	}

	if env.scanner.calls != 1 {
		t.Errorf("scanner calls = %d, expected 1", env.scanner.calls)
	}
}

func TestHandleScanTriggerFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.scanner.err = errors.New("connection list unreadable")

	w := env.do(t, http.MethodPost, "/api/v1/scan/trigger", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, expected 500", w.Code)
	}
}

func TestHandleRediscover(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.scanner.deltas = []scanner.TableDelta{
		{Action: scanner.DeltaActionNew, Schema: "public", Name: "raw_events", FQN: "public.raw_events"},
	}

	w := env.do(t, http.MethodPost, "/api/v1/discovery/3/rediscover", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200: %s", w.Code, w.Body.String())
	}

	resp := decodeBody[RediscoveryResponse](t, w)
	if resp.ConnectionID != 3 || resp.Total != 1 {
		t.Errorf("response = %+v, expected connection 3 with 1 delta", resp)
	}

	if len(env.scanner.rediscovered) != 1 || env.scanner.rediscovered[0] != 3 {
		t.Errorf("rediscovered = %v, expected [3]", env.scanner.rediscovered)
	}
}

func TestHandleRediscoverUnknownConnection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()
	env.scanner.rediscoverErr = storage.ErrNotFound

	w := env.do(t, http.MethodPost, "/api/v1/discovery/9/rediscover", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, expected 404", w.Code)
	}
}

func TestHandleReady(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()

	w := env.do(t, http.MethodGet, "/ready", "")
	if w.Code != http.StatusOK || w.Body.String() != "ready" {
		t.Fatalf("ready probe = %d %q, expected 200 ready", w.Code, w.Body.String())
	}
}

func TestHandleNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv()

	w := env.do(t, http.MethodGet, "/api/v1/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, expected 404", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q, expected problem+json", ct)
	}
}
