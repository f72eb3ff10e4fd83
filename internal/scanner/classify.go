package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegis-io/aegis/internal/storage"
)

// Table roles inferred from naming conventions.
const (
	RoleRaw       = "raw"
	RoleStaging   = "staging"
	RoleDimension = "dimension"
	RoleFact      = "fact"
	RoleScratch   = "scratch"
	RoleUnknown   = "unknown"
)

// Classification is an enrollment proposal for a newly discovered table: its
// inferred role, the checks worth enabling and a starting freshness SLA.
type Classification struct {
	Role                string   `json:"role"`
	RecommendedChecks   []string `json:"recommended_checks"`
	SuggestedSLAMinutes *int     `json:"suggested_sla_minutes,omitempty"`
}

// rolePrefixes maps table name prefixes to roles. Longest match wins.
var rolePrefixes = map[string]string{
	"raw_":     RoleRaw,
	"src_":     RoleRaw,
	"stg_":     RoleStaging,
	"staging_": RoleStaging,
	"dim_":     RoleDimension,
	"fct_":     RoleFact,
	"fact_":    RoleFact,
	"tmp_":     RoleScratch,
	"temp_":    RoleScratch,
	"scratch_": RoleScratch,
}

// roleSLAMinutes is the suggested freshness SLA per role. Raw and staging
// layers move with ingestion; dimensions change slowly.
var roleSLAMinutes = map[string]int{
	RoleRaw:       60,
	RoleStaging:   120,
	RoleFact:      240,
	RoleDimension: 1440,
}

// timestampColumns are column names that indicate the table records its own
// load or update time, making freshness checks meaningful.
var timestampColumns = map[string]bool{
	"updated_at":   true,
	"created_at":   true,
	"loaded_at":    true,
	"_loaded_at":   true,
	"ingested_at":  true,
	"inserted_at":  true,
	"modified_at":  true,
	"event_time":   true,
	"etl_updated":  true,
	"last_updated": true,
}

// Classify proposes an enrollment for a table from its name and column
// layout. Columns may be nil when introspection was unavailable; the proposal
// then rests on the name alone.
func Classify(tableName string, columns []storage.ColumnInfo) Classification {
	role := classifyRole(tableName)

	classification := Classification{Role: role}

	if role == RoleScratch {
		// Scratch tables churn by design; monitoring them is noise.
		return classification
	}

	classification.RecommendedChecks = []string{storage.CheckTypeSchema}

	if hasTimestampColumn(columns) || role == RoleRaw || role == RoleFact {
		classification.RecommendedChecks = append(classification.RecommendedChecks, storage.CheckTypeFreshness)

		if sla, ok := roleSLAMinutes[role]; ok {
			classification.SuggestedSLAMinutes = &sla
		}
	}

	return classification
}

func classifyRole(tableName string) string {
	name := strings.ToLower(tableName)

	for prefix, role := range rolePrefixes {
		if strings.HasPrefix(name, prefix) {
			return role
		}
	}

	return RoleUnknown
}

func hasTimestampColumn(columns []storage.ColumnInfo) bool {
	for _, column := range columns {
		if timestampColumns[strings.ToLower(column.Name)] {
			return true
		}
	}

	return false
}

// Completer produces a model completion for a prompt. The architect's
// Anthropic adapter satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ClassifyFunc proposes an enrollment for a discovered table.
type ClassifyFunc func(ctx context.Context, tableName string, columns []storage.ColumnInfo) Classification

// ErrMalformedClassification is returned when the model output is not a
// valid enrollment proposal.
var ErrMalformedClassification = errors.New("malformed classification")

var validRoles = map[string]bool{
	RoleRaw:       true,
	RoleStaging:   true,
	RoleDimension: true,
	RoleFact:      true,
	RoleScratch:   true,
	RoleUnknown:   true,
}

// modelClassifier asks the model for an enrollment proposal. Any failure
// falls back to the deterministic rules, so discovery never blocks on the
// model being reachable.
func modelClassifier(completer Completer, logger *slog.Logger) ClassifyFunc {
	return func(ctx context.Context, tableName string, columns []storage.ColumnInfo) Classification {
		content, err := completer.Complete(ctx, buildClassificationPrompt(tableName, columns))
		if err == nil {
			classification, parseErr := parseClassification(content)
			if parseErr == nil {
				return *classification
			}

			err = parseErr
		}

		logger.Warn("Model classification failed, using deterministic rules",
			slog.String("table", tableName),
			slog.Any("error", err),
		)

		return Classify(tableName, columns)
	}
}

func buildClassificationPrompt(tableName string, columns []storage.ColumnInfo) string {
	var b strings.Builder

	b.WriteString("Classify this warehouse table for data quality monitoring.\n")
	fmt.Fprintf(&b, "Table: %s\n", tableName)

	if len(columns) > 0 {
		b.WriteString("Columns:\n")

		for _, column := range columns {
			fmt.Fprintf(&b, "- %s %s\n", column.Name, column.Type)
		}
	}

	b.WriteString("\nRespond with only JSON in this shape:\n")
	b.WriteString(`{"role": "raw|staging|dimension|fact|scratch|unknown", ` +
		`"recommended_checks": ["schema", "freshness"], "suggested_sla_minutes": 60}` + "\n")
	b.WriteString("Scratch tables get no checks. Omit suggested_sla_minutes unless freshness is recommended.\n")

	return b.String()
}

// parseClassification decodes the model output, tolerating markdown code
// fences. Unknown roles are rejected; unknown check types are dropped.
func parseClassification(content string) (*Classification, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var classification Classification
	if err := json.Unmarshal([]byte(cleaned), &classification); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedClassification, err)
	}

	if !validRoles[classification.Role] {
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedClassification, classification.Role)
	}

	checks := classification.RecommendedChecks[:0]

	for _, check := range classification.RecommendedChecks {
		if check == storage.CheckTypeSchema || check == storage.CheckTypeFreshness {
			checks = append(checks, check)
		}
	}

	classification.RecommendedChecks = checks

	if classification.SuggestedSLAMinutes != nil && *classification.SuggestedSLAMinutes <= 0 {
		classification.SuggestedSLAMinutes = nil
	}

	return &classification, nil
}
