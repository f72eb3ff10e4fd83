package scanner

import (
	"context"
	"fmt"
	"sort"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

// Delta actions reported by rediscovery.
const (
	DeltaActionNew     = "new"
	DeltaActionDropped = "dropped"
)

// TableDelta is one difference between the warehouse catalog and the set of
// enrolled tables: a table that exists but is not monitored, or a monitored
// table that no longer exists. New tables carry an enrollment proposal.
type TableDelta struct {
	Action   string          `json:"action"`
	Schema   string          `json:"schema"`
	Name     string          `json:"name"`
	FQN      string          `json:"fqn"`
	Proposal *Classification `json:"proposal,omitempty"`
}

// Discover compares the live catalog against the enrolled tables and reports
// the differences. It is read-only: enrollment changes stay an operator
// decision. A nil classify uses the deterministic rules.
func Discover(
	ctx context.Context,
	connector warehouse.Connector,
	enrolled []storage.MonitoredTable,
	classify ClassifyFunc,
) ([]TableDelta, error) {
	if classify == nil {
		classify = func(_ context.Context, tableName string, columns []storage.ColumnInfo) Classification {
			return Classify(tableName, columns)
		}
	}

	schemas, err := connector.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	live := make(map[string]warehouse.TableInfo)

	for _, schema := range schemas {
		tables, err := connector.ListTables(ctx, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
		}

		for _, table := range tables {
			live[table.Schema+"."+table.Name] = table
		}
	}

	enrolledByKey := make(map[string]*storage.MonitoredTable, len(enrolled))
	for i := range enrolled {
		table := &enrolled[i]
		enrolledByKey[table.SchemaName+"."+table.TableName] = table
	}

	var deltas []TableDelta

	for key, table := range live {
		if _, monitored := enrolledByKey[key]; !monitored {
			// Introspection failures degrade to a name-only proposal.
			columns, _ := connector.FetchSchema(ctx, table.Schema, table.Name)
			proposal := classify(ctx, table.Name, columns)

			deltas = append(deltas, TableDelta{
				Action:   DeltaActionNew,
				Schema:   table.Schema,
				Name:     table.Name,
				FQN:      key,
				Proposal: &proposal,
			})
		}
	}

	for key, table := range enrolledByKey {
		if _, exists := live[key]; !exists {
			deltas = append(deltas, TableDelta{
				Action: DeltaActionDropped,
				Schema: table.SchemaName,
				Name:   table.TableName,
				FQN:    table.FullyQualifiedName,
			})
		}
	}

	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].Action != deltas[j].Action {
			return deltas[i].Action < deltas[j].Action
		}

		return deltas[i].FQN < deltas[j].FQN
	})

	return deltas, nil
}
