// Package sentinel implements the stateless detectors that inspect monitored
// tables and persist anomalies: schema drift and freshness violations.
package sentinel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

// Store is the narrow persistence interface the sentinels need.
// *storage.Store satisfies it.
type Store interface {
	LatestSnapshot(ctx context.Context, tableID int64) (*storage.SchemaSnapshot, error)
	InsertSnapshot(ctx context.Context, snapshot *storage.SchemaSnapshot) error
	InsertAnomaly(ctx context.Context, anomaly *storage.Anomaly) error
}

// Schema change kinds recorded in anomaly detail.
const (
	ChangeColumnDeleted = "column_deleted"
	ChangeColumnAdded   = "column_added"
	ChangeTypeChanged   = "type_changed"
	ChangeOther         = "other"
)

// SchemaChange is one entry in a schema drift anomaly's detail list.
type SchemaChange struct {
	Change   string `json:"change"`
	Column   string `json:"column"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// SchemaSentinel detects column-level drift against the latest snapshot.
type SchemaSentinel struct {
	store  Store
	logger *slog.Logger
}

// NewSchemaSentinel builds a schema drift detector.
func NewSchemaSentinel(store Store, logger *slog.Logger) *SchemaSentinel {
	return &SchemaSentinel{store: store, logger: logger}
}

// Kind returns the check type tables enroll in for this sentinel.
func (s *SchemaSentinel) Kind() string {
	return storage.CheckTypeSchema
}

// Inspect compares the live column layout against the latest snapshot.
// First sight of a table records a baseline and reports nothing. An
// unchanged hash writes nothing. Connector failures are logged and produce
// no anomaly; the sentinel is side-effect-free on failure.
func (s *SchemaSentinel) Inspect(
	ctx context.Context,
	table *storage.MonitoredTable,
	connector warehouse.Connector,
) (*storage.Anomaly, error) {
	current, err := connector.FetchSchema(ctx, table.SchemaName, table.TableName)
	if err != nil {
		s.logger.Warn("Schema fetch failed, skipping table",
			slog.String("fqn", table.FullyQualifiedName),
			slog.Any("error", err),
		)

		return nil, nil
	}

	currentHash := SnapshotHash(current)

	baseline, err := s.store.LatestSnapshot(ctx, table.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		// First sight: record the baseline silently.
		snapshot := &storage.SchemaSnapshot{TableID: table.ID, Columns: current, Hash: currentHash}
		if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
			return nil, err
		}

		s.logger.Info("Recorded baseline schema snapshot",
			slog.String("fqn", table.FullyQualifiedName),
			slog.Int("columns", len(current)),
		)

		return nil, nil
	}

	if baseline.Hash == currentHash {
		return nil, nil
	}

	changes := diffColumns(baseline.Columns, current)

	snapshot := &storage.SchemaSnapshot{TableID: table.ID, Columns: current, Hash: currentHash}
	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	detail, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema changes: %w", err)
	}

	anomaly := &storage.Anomaly{
		TableID:  table.ID,
		Type:     storage.AnomalyTypeSchemaDrift,
		Severity: rollupSeverity(changes),
		Detail:   detail,
	}

	if err := s.store.InsertAnomaly(ctx, anomaly); err != nil {
		return nil, err
	}

	return anomaly, nil
}

// SnapshotHash computes the canonical hash of a column layout. Columns are
// hashed in ordinal order with a fixed field order, so the same layout always
// produces the same hash.
func SnapshotHash(columns []storage.ColumnInfo) string {
	canonical, _ := json.Marshal(columns)
	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:])
}

// diffColumns compares two layouts by column name.
func diffColumns(before, after []storage.ColumnInfo) []SchemaChange {
	beforeByName := make(map[string]storage.ColumnInfo, len(before))
	for _, col := range before {
		beforeByName[col.Name] = col
	}

	afterByName := make(map[string]storage.ColumnInfo, len(after))
	for _, col := range after {
		afterByName[col.Name] = col
	}

	var changes []SchemaChange

	for _, col := range before {
		if _, exists := afterByName[col.Name]; !exists {
			changes = append(changes, SchemaChange{Change: ChangeColumnDeleted, Column: col.Name})
		}
	}

	for _, col := range after {
		old, exists := beforeByName[col.Name]
		if !exists {
			nullable := col.Nullable
			changes = append(changes, SchemaChange{Change: ChangeColumnAdded, Column: col.Name, Nullable: &nullable})

			continue
		}

		if old.Type != col.Type {
			changes = append(changes, SchemaChange{
				Change: ChangeTypeChanged,
				Column: col.Name,
				From:   old.Type,
				To:     col.Type,
			})

			continue
		}

		if old.Nullable != col.Nullable {
			nullable := col.Nullable
			changes = append(changes, SchemaChange{Change: ChangeOther, Column: col.Name, Nullable: &nullable})
		}
	}

	return changes
}

// rollupSeverity picks the worst severity implied by the change list.
func rollupSeverity(changes []SchemaChange) string {
	severity := storage.SeverityLow

	for _, change := range changes {
		severity = storage.MaxSeverity(severity, changeSeverity(change))
	}

	return severity
}

func changeSeverity(change SchemaChange) string {
	switch change.Change {
	case ChangeColumnDeleted, ChangeTypeChanged:
		return storage.SeverityCritical
	case ChangeColumnAdded:
		if change.Nullable != nil && *change.Nullable {
			return storage.SeverityLow
		}

		return storage.SeverityMedium
	default:
		return storage.SeverityMedium
	}
}
