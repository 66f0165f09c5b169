package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "frameflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitializeAppliesDefaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	path := writeTestYAML(t, "server:\n  port: 9090\n")

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, DefaultStorageBaseDir, cfg.StorageBaseDir)
	assert.Equal(t, DefaultWSMaxConnections, cfg.WSMaxConnections)
	assert.Equal(t, DefaultJobsMaxWorkers, cfg.JobsMaxWorkers)
	assert.Equal(t, DefaultExecutionStepTimeout, cfg.ExecutionStepTimeout)
	assert.Equal(t, DefaultContextIdleTTL, cfg.ContextIdleTTL)
}

func TestInitializeMissingPasswordFails(t *testing.T) {
	path := writeTestYAML(t, "server:\n  port: 9090\n")

	_, err := Initialize(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "password")
}

func TestInitializeRejectsUnknownPartitionStrategy(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	path := writeTestYAML(t, "storage:\n  partition_strategy: weekly\n")

	_, err := Initialize(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "partition_strategy")
}

func TestInitializeMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Initialize(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, cfg.ServerPort)
}

func TestInitializeExpandsEnvVars(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("FRAMEFLOW_TEST_HOST", "db.internal")
	path := writeTestYAML(t, "database:\n  host: ${FRAMEFLOW_TEST_HOST}\n")

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.DBHost)
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "override-host")
	path := writeTestYAML(t, "database:\n  host: yaml-host\n")

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "override-host", cfg.DBHost)
}
