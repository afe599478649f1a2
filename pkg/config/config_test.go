package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "master", cfg.SchedulerRole)
	assert.Equal(t, 50, cfg.MaxConcurrentTasks)
	assert.Equal(t, int64(500<<20), cfg.MaxExtractSize)
	assert.Equal(t, time.UTC, cfg.Timezone())
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler_role: control
max_concurrent_tasks: 7
grpc_port: 9999
object_store_backend: s3
object_store_bucket: taskforge-artifacts
websocket_max_conn_per_execution: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "control", cfg.SchedulerRole)
	assert.Equal(t, 7, cfg.MaxConcurrentTasks)
	assert.Equal(t, 9999, cfg.GRPCPort)
	assert.Equal(t, "s3", cfg.ObjectStoreBackend)
	assert.Equal(t, "taskforge-artifacts", cfg.ObjectStoreBucket)
	assert.Equal(t, 3, cfg.WebSocketMaxConnPerExecution)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5000, cfg.WebSocketMaxTotalConn)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_tasks: 7\n"), 0o644))

	t.Setenv("MAX_CONCURRENT_TASKS", "13")
	t.Setenv("TASK_EXECUTION_TIMEOUT", "90")   // bare seconds
	t.Setenv("GRPC_LOG_FLUSH_INTERVAL", "5s") // duration string
	t.Setenv("AUTH_MODE", "hmac")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 13, cfg.MaxConcurrentTasks)
	assert.Equal(t, 90*time.Second, cfg.TaskExecutionTimeout)
	assert.Equal(t, 5*time.Second, cfg.GRPCLogFlushInterval)
	assert.Equal(t, "hmac", cfg.AuthMode)
}

func TestValidation(t *testing.T) {
	t.Setenv("SCHEDULER_ROLE", "emperor")
	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, taskerr.KindValidation, taskerr.KindOf(err))
}

func TestBadTimezone(t *testing.T) {
	t.Setenv("SCHEDULER_TIMEZONE", "Mars/Olympus_Mons")
	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, taskerr.KindValidation, taskerr.KindOf(err))
}
