package aliasing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aegis.yaml")

	content := `
table_aliases:
  - pattern: "analytics_{env}.{table}"
    canonical: "analytics.{table}"
  - pattern: "warehouse.prod.{rest*}"
    canonical: "prod.{rest*}"
`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.TableAliases, 2)
	assert.Equal(t, "analytics_{env}.{table}", cfg.TableAliases[0].Pattern)
	assert.Equal(t, "analytics.{table}", cfg.TableAliases[0].Canonical)
	assert.Equal(t, "warehouse.prod.{rest*}", cfg.TableAliases[1].Pattern)
	assert.Equal(t, "prod.{rest*}", cfg.TableAliases[1].Canonical)
}

func TestLoadConfig_EmptyAliasSection(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aegis.yaml")

	content := `
table_aliases:
`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.TableAliases)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/aegis.yaml")

	// Missing file should return empty config, no error (graceful degradation)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.TableAliases)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aegis.yaml")

	content := `
table_aliases:
  - pattern: [invalid yaml
`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	// Invalid YAML should return empty config with no error (graceful degradation)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.TableAliases)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aegis.yaml")

	err := os.WriteFile(configPath, []byte(""), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.TableAliases)
}

func TestLoadConfigFromEnv_CustomPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.yaml")

	content := `
table_aliases:
  - pattern: "replica.{table}"
    canonical: "public.{table}"
`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	t.Setenv(ConfigPathEnvVar, configPath)

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	assert.Len(t, cfg.TableAliases, 1)
}
