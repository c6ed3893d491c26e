package partition_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/internal/partition"
	"github.com/gled4er/durabletask/pkg/model"
)

type recordingObserver struct {
	mu       sync.Mutex
	acquired []model.Lease
	released []model.Lease
}

func (o *recordingObserver) Acquired(ctx context.Context, lease model.Lease) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acquired = append(o.acquired, lease)
}

func (o *recordingObserver) Released(ctx context.Context, lease model.Lease, reason partition.ReleaseReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = append(o.released, lease)
}

func (o *recordingObserver) acquiredCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.acquired)
}

func TestManager_SingleWorkerAcquiresAllPartitions(t *testing.T) {
	store := memstore.NewLeaseStore()
	obs := &recordingObserver{}
	mgr := partition.New(store, obs, "hub", "worker-a", 4, 10*time.Millisecond, time.Hour, time.Hour)

	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	mgr.Start(ctx)
	require.Eventually(t, func() bool { return len(mgr.OwnedPartitions()) == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Stop(ctx))
	assert.Empty(t, mgr.OwnedPartitions())
}

func TestManager_ReclaimsLeasesAbandonedByADeadWorker(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewLeaseStore()
	require.NoError(t, store.CreateLeaseStoreIfNotExists(ctx, model.TaskHubInfo{Name: "hub", PartitionCount: 16}))

	// Simulate a worker that acquired every partition and then crashed
	// without renewing or releasing: its leases are left to expire.
	for i := 0; i < 16; i++ {
		pid := mq.PartitionID("hub", i)
		require.NoError(t, store.CreateLeaseIfNotExists(ctx, pid))
		_, err := store.Acquire(ctx, pid, "worker-a", 20*time.Millisecond)
		require.NoError(t, err)
	}

	obsB := &recordingObserver{}
	mgrB := partition.New(store, obsB, "hub", "worker-b", 16, 10*time.Millisecond, time.Hour, 20*time.Millisecond)
	mgrB.Start(ctx)

	require.Eventually(t, func() bool { return len(mgrB.OwnedPartitions()) == 16 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, obsB.acquiredCount(), 16)

	require.NoError(t, mgrB.Stop(ctx))
}
