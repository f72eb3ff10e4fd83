package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

// fakeStore keeps snapshots and anomalies in memory.
type fakeStore struct {
	snapshots []storage.SchemaSnapshot
	anomalies []storage.Anomaly
}

func (f *fakeStore) LatestSnapshot(_ context.Context, tableID int64) (*storage.SchemaSnapshot, error) {
	for i := len(f.snapshots) - 1; i >= 0; i-- {
		if f.snapshots[i].TableID == tableID {
			snapshot := f.snapshots[i]

			return &snapshot, nil
		}
	}

	return nil, fmt.Errorf("%w: no snapshot for table %d", storage.ErrNotFound, tableID)
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snapshot *storage.SchemaSnapshot) error {
	snapshot.ID = int64(len(f.snapshots) + 1)
	f.snapshots = append(f.snapshots, *snapshot)

	return nil
}

func (f *fakeStore) InsertAnomaly(_ context.Context, anomaly *storage.Anomaly) error {
	anomaly.ID = int64(len(f.anomalies) + 1)
	f.anomalies = append(f.anomalies, *anomaly)

	return nil
}

// fakeConnector serves canned schema and freshness answers.
type fakeConnector struct {
	columns    []storage.ColumnInfo
	schemaErr  error
	lastUpdate *time.Time
	updateErr  error
}

func (f *fakeConnector) CurrentCatalog(context.Context) (string, error) { return "test", nil }
func (f *fakeConnector) ListSchemas(context.Context) ([]string, error)  { return nil, nil }
func (f *fakeConnector) ListTables(context.Context, string) ([]warehouse.TableInfo, error) {
	return nil, nil
}

func (f *fakeConnector) FetchSchema(context.Context, string, string) ([]storage.ColumnInfo, error) {
	return f.columns, f.schemaErr
}

func (f *fakeConnector) FetchLastUpdateTime(context.Context, string, string) (*time.Time, error) {
	return f.lastUpdate, f.updateErr
}

func (f *fakeConnector) TestConnection(context.Context) error { return nil }
func (f *fakeConnector) Dispose() error                       { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func baselineColumns() []storage.ColumnInfo {
	return []storage.ColumnInfo{
		{Name: "id", Type: "INTEGER", Nullable: false, Ordinal: 1},
		{Name: "price", Type: "FLOAT", Nullable: true, Ordinal: 2},
		{Name: "name", Type: "VARCHAR", Nullable: true, Ordinal: 3},
	}
}

func monitoredTable(sla *int) *storage.MonitoredTable {
	return &storage.MonitoredTable{
		ID:                  1,
		ConnectionID:        1,
		SchemaName:          "public",
		TableName:           "orders",
		FullyQualifiedName:  "public.orders",
		CheckTypes:          []string{"schema", "freshness"},
		FreshnessSLAMinutes: sla,
	}
}

func seedBaseline(t *testing.T, store *fakeStore, columns []storage.ColumnInfo) {
	t.Helper()

	store.snapshots = append(store.snapshots, storage.SchemaSnapshot{
		ID:      1,
		TableID: 1,
		Columns: columns,
		Hash:    SnapshotHash(columns),
	})
}

func TestSchemaSentinel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("dropped column raises critical drift", func(t *testing.T) {
		store := &fakeStore{}
		seedBaseline(t, store, baselineColumns())

		// Same layout minus price.
		connector := &fakeConnector{columns: []storage.ColumnInfo{
			{Name: "id", Type: "INTEGER", Nullable: false, Ordinal: 1},
			{Name: "name", Type: "VARCHAR", Nullable: true, Ordinal: 2},
		}}

		sentinel := NewSchemaSentinel(store, testLogger())

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly == nil {
			t.Fatal("Inspect() returned no anomaly for a dropped column")
		}

		if anomaly.Type != storage.AnomalyTypeSchemaDrift || anomaly.Severity != storage.SeverityCritical {
			t.Errorf("anomaly = %s/%s, expected schema_drift/critical", anomaly.Type, anomaly.Severity)
		}

		var changes []SchemaChange
		if err := json.Unmarshal(anomaly.Detail, &changes); err != nil {
			t.Fatalf("detail unmarshal error = %v", err)
		}

		found := false
		for _, change := range changes {
			if change.Change == ChangeColumnDeleted && change.Column == "price" {
				found = true
			}
		}

		if !found {
			t.Errorf("changes = %+v, expected column_deleted price", changes)
		}

		// Drift also records the new layout.
		if len(store.snapshots) != 2 {
			t.Errorf("snapshots = %d, expected baseline plus drifted layout", len(store.snapshots))
		}
	})

	t.Run("first sight records baseline silently", func(t *testing.T) {
		store := &fakeStore{}
		connector := &fakeConnector{columns: baselineColumns()}
		sentinel := NewSchemaSentinel(store, testLogger())

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly != nil {
			t.Errorf("Inspect() = %+v, expected none on first sight", anomaly)
		}

		if len(store.snapshots) != 1 {
			t.Fatalf("snapshots = %d, expected baseline", len(store.snapshots))
		}
	})

	t.Run("unchanged layout writes nothing", func(t *testing.T) {
		store := &fakeStore{}
		seedBaseline(t, store, baselineColumns())

		connector := &fakeConnector{columns: baselineColumns()}
		sentinel := NewSchemaSentinel(store, testLogger())

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly != nil || len(store.snapshots) != 1 || len(store.anomalies) != 0 {
			t.Errorf("unchanged layout produced writes: %+v", store)
		}
	})

	t.Run("connector failure is side effect free", func(t *testing.T) {
		store := &fakeStore{}
		seedBaseline(t, store, baselineColumns())

		connector := &fakeConnector{schemaErr: errors.New("warehouse down")}
		sentinel := NewSchemaSentinel(store, testLogger())

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly != nil || len(store.snapshots) != 1 || len(store.anomalies) != 0 {
			t.Error("connector failure must not write anything")
		}
	})

	t.Run("nullable column added is low severity", func(t *testing.T) {
		store := &fakeStore{}
		seedBaseline(t, store, baselineColumns())

		columns := append(baselineColumns(), storage.ColumnInfo{Name: "note", Type: "TEXT", Nullable: true, Ordinal: 4})
		connector := &fakeConnector{columns: columns}
		sentinel := NewSchemaSentinel(store, testLogger())

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly == nil || anomaly.Severity != storage.SeverityLow {
			t.Errorf("anomaly = %+v, expected low severity", anomaly)
		}
	})

	t.Run("type change is critical", func(t *testing.T) {
		store := &fakeStore{}
		seedBaseline(t, store, baselineColumns())

		columns := baselineColumns()
		columns[1].Type = "DECIMAL"

		connector := &fakeConnector{columns: columns}
		sentinel := NewSchemaSentinel(store, testLogger())

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly == nil || anomaly.Severity != storage.SeverityCritical {
			t.Errorf("anomaly = %+v, expected critical severity", anomaly)
		}
	})
}

func TestFreshnessSentinel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sla := 60

	t.Run("ninety minutes against a one hour SLA is medium", func(t *testing.T) {
		store := &fakeStore{}
		lastUpdate := now.Add(-90 * time.Minute)
		connector := &fakeConnector{lastUpdate: &lastUpdate}

		sentinel := NewFreshnessSentinel(store, testLogger(), WithFreshnessClock(clock))

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(&sla), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly == nil {
			t.Fatal("Inspect() returned no anomaly for an overdue table")
		}

		if anomaly.Type != storage.AnomalyTypeFreshnessViolation || anomaly.Severity != storage.SeverityMedium {
			t.Errorf("anomaly = %s/%s, expected freshness_violation/medium", anomaly.Type, anomaly.Severity)
		}

		var detail FreshnessDetail
		if err := json.Unmarshal(anomaly.Detail, &detail); err != nil {
			t.Fatalf("detail unmarshal error = %v", err)
		}

		if detail.SLAMinutes != 60 || detail.MinutesOverdue != 30.0 {
			t.Errorf("detail = %+v, expected sla 60 overdue 30.0", detail)
		}
	})

	t.Run("severity escalates with the overdue ratio", func(t *testing.T) {
		tests := []struct {
			name     string
			late     time.Duration
			expected string
		}{
			{name: "just over SLA", late: 90 * time.Minute, expected: storage.SeverityMedium},
			{name: "over twice the SLA", late: 150 * time.Minute, expected: storage.SeverityHigh},
			{name: "over five times the SLA", late: 360 * time.Minute, expected: storage.SeverityCritical},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				store := &fakeStore{}
				lastUpdate := now.Add(-tt.late)
				connector := &fakeConnector{lastUpdate: &lastUpdate}

				sentinel := NewFreshnessSentinel(store, testLogger(), WithFreshnessClock(clock))

				anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(&sla), connector)
				if err != nil {
					t.Fatalf("Inspect() error = %v", err)
				}

				if anomaly == nil || anomaly.Severity != tt.expected {
					t.Errorf("anomaly = %+v, expected severity %s", anomaly, tt.expected)
				}
			})
		}
	})

	t.Run("within SLA produces nothing", func(t *testing.T) {
		store := &fakeStore{}
		lastUpdate := now.Add(-30 * time.Minute)
		connector := &fakeConnector{lastUpdate: &lastUpdate}

		sentinel := NewFreshnessSentinel(store, testLogger(), WithFreshnessClock(clock))

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(&sla), connector)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}

		if anomaly != nil || len(store.anomalies) != 0 {
			t.Error("fresh table must not produce an anomaly")
		}
	})

	t.Run("no SLA means skip", func(t *testing.T) {
		store := &fakeStore{}
		sentinel := NewFreshnessSentinel(store, testLogger(), WithFreshnessClock(clock))

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(nil), &fakeConnector{})
		if err != nil || anomaly != nil {
			t.Errorf("Inspect() = (%+v, %v), expected skip", anomaly, err)
		}
	})

	t.Run("unknown last update means skip", func(t *testing.T) {
		store := &fakeStore{}
		sentinel := NewFreshnessSentinel(store, testLogger(), WithFreshnessClock(clock))

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(&sla), &fakeConnector{lastUpdate: nil})
		if err != nil || anomaly != nil {
			t.Errorf("Inspect() = (%+v, %v), expected skip", anomaly, err)
		}
	})

	t.Run("connector failure is side effect free", func(t *testing.T) {
		store := &fakeStore{}
		connector := &fakeConnector{updateErr: errors.New("warehouse down")}
		sentinel := NewFreshnessSentinel(store, testLogger(), WithFreshnessClock(clock))

		anomaly, err := sentinel.Inspect(context.Background(), monitoredTable(&sla), connector)
		if err != nil || anomaly != nil || len(store.anomalies) != 0 {
			t.Error("connector failure must not write anything")
		}
	})
}
