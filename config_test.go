package durabletask_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask"
)

func TestDefaultConfiguration_IsValidOnceWorkerIDIsSet(t *testing.T) {
	cfg := durabletask.DefaultConfiguration()
	cfg.WorkerID = "worker-1"
	assert.NoError(t, cfg.Validate())
}

func TestConfiguration_Validate_RejectsOutOfRangePartitionCount(t *testing.T) {
	cfg := durabletask.DefaultConfiguration()
	cfg.WorkerID = "worker-1"
	cfg.PartitionCount = 17
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partitionCount")
}

func TestConfiguration_Validate_RejectsRenewIntervalTooClose(t *testing.T) {
	cfg := durabletask.DefaultConfiguration()
	cfg.WorkerID = "worker-1"
	cfg.LeaseInterval = 10 * time.Second
	cfg.LeaseRenewInterval = 5 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leaseRenewInterval")
}

func TestConfiguration_Validate_CollectsMultipleErrors(t *testing.T) {
	cfg := durabletask.Configuration{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taskHubName")
	assert.Contains(t, err.Error(), "workerId")
	assert.Contains(t, err.Error(), "partitionCount")
}

func TestLoadConfigFile_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
taskHubName: myhub
workerId: worker-7
partitionCount: 8
leaseInterval: 90s
`), 0o644))

	cfg, err := durabletask.LoadConfigFile(path, durabletask.DefaultConfiguration())
	require.NoError(t, err)
	assert.Equal(t, "myhub", cfg.TaskHubName)
	assert.Equal(t, "worker-7", cfg.WorkerID)
	assert.Equal(t, 8, cfg.PartitionCount)
	assert.Equal(t, 90*time.Second, cfg.LeaseInterval)
	// Untouched fields keep the base layer's value.
	assert.Equal(t, 32, cfg.ControlQueueBatchSize)
}

func TestLoadConfigFile_MissingFileReturnsBaseUnchanged(t *testing.T) {
	base := durabletask.DefaultConfiguration()
	cfg, err := durabletask.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), base)
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}
