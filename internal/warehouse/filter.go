package warehouse

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidFilterConfig is returned when the filter configuration file is malformed.
var ErrInvalidFilterConfig = errors.New("invalid schema filter configuration")

// defaultExcludedSchemas lists the system schemas hidden per dialect when no
// configuration file overrides them.
var defaultExcludedSchemas = map[string][]string{
	DialectPostgres: {"information_schema", "pg_catalog", "pg_toast"},
}

type (
	// FilterConfig is the on-disk shape of the schema filter file, keyed by
	// dialect:
	//
	//	excluded_schemas:
	//	  postgres:
	//	    - information_schema
	//	    - pg_catalog
	FilterConfig struct {
		ExcludedSchemas map[string][]string `yaml:"excluded_schemas"`
	}

	// SchemaFilter hides system schemas from catalog listings.
	SchemaFilter struct {
		excluded map[string]struct{}
	}
)

// LoadFilterConfig reads the schema filter file. A missing file is not an
// error: the built-in defaults apply. A malformed file is an error so typos
// do not silently expose system schemas.
func LoadFilterConfig(path string) (*FilterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FilterConfig{ExcludedSchemas: defaultExcludedSchemas}, nil
		}

		return nil, fmt.Errorf("%w: %w", ErrInvalidFilterConfig, err)
	}

	var cfg FilterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilterConfig, err)
	}

	if cfg.ExcludedSchemas == nil {
		cfg.ExcludedSchemas = defaultExcludedSchemas
	}

	return &cfg, nil
}

// FilterFor builds the filter for one dialect, falling back to the built-in
// defaults when the config has no entry for it.
func (c *FilterConfig) FilterFor(dialect string) *SchemaFilter {
	schemas, ok := c.ExcludedSchemas[dialect]
	if !ok {
		schemas = defaultExcludedSchemas[dialect]
	}

	return newSchemaFilter(schemas)
}

// DefaultSchemaFilter returns the built-in filter for a dialect.
func DefaultSchemaFilter(dialect string) *SchemaFilter {
	return newSchemaFilter(defaultExcludedSchemas[dialect])
}

func newSchemaFilter(schemas []string) *SchemaFilter {
	excluded := make(map[string]struct{}, len(schemas))
	for _, schema := range schemas {
		excluded[strings.ToLower(schema)] = struct{}{}
	}

	return &SchemaFilter{excluded: excluded}
}

// Excluded reports whether a schema is hidden from catalog listings.
func (f *SchemaFilter) Excluded(schema string) bool {
	_, hidden := f.excluded[strings.ToLower(schema)]

	return hidden
}
