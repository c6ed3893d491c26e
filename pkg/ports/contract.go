package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/pkg/model"
)

// RunLeaseStoreContract runs a suite of tests that any LeaseStore
// implementation must pass, regardless of backend. Call it once per
// backend from that backend's own _test.go with a fresh store.
func RunLeaseStoreContract(t *testing.T, store LeaseStore) {
	ctx := context.Background()
	hubName := "contract-hub-" + time.Now().Format("20060102150405")
	partitionID := model.PartitionID(hubName + "-control-00")

	t.Run("GetOrCreateTaskHubInfo is idempotent", func(t *testing.T) {
		def := model.TaskHubInfo{Name: hubName, PartitionCount: 4, CreatedAt: time.Now()}

		first, err := store.GetOrCreateTaskHubInfo(ctx, def)
		require.NoError(t, err)
		assert.Equal(t, hubName, first.Name)
		assert.Equal(t, 4, first.PartitionCount)

		second, err := store.GetOrCreateTaskHubInfo(ctx, model.TaskHubInfo{Name: hubName, PartitionCount: 99})
		require.NoError(t, err)
		assert.Equal(t, first.PartitionCount, second.PartitionCount, "second call must not overwrite the first")
	})

	t.Run("CreateLeaseIfNotExists is idempotent", func(t *testing.T) {
		require.NoError(t, store.CreateLeaseIfNotExists(ctx, partitionID))
		require.NoError(t, store.CreateLeaseIfNotExists(ctx, partitionID))
	})

	t.Run("Acquire, Renew, Release roundtrip", func(t *testing.T) {
		lease, err := store.Acquire(ctx, partitionID, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, partitionID, lease.PartitionID)
		assert.Equal(t, "worker-a", lease.OwnerWorkerID)
		assert.NotEmpty(t, lease.Token)

		renewed, err := store.Renew(ctx, lease, time.Minute)
		require.NoError(t, err)
		assert.True(t, renewed.ExpiryTime.After(lease.ExpiryTime) || renewed.ExpiryTime.Equal(lease.ExpiryTime))

		require.NoError(t, store.Release(ctx, renewed))
	})

	t.Run("Acquire rejects an unexpired competing owner", func(t *testing.T) {
		pid := model.PartitionID(hubName + "-control-01")
		require.NoError(t, store.CreateLeaseIfNotExists(ctx, pid))

		_, err := store.Acquire(ctx, pid, "worker-a", time.Minute)
		require.NoError(t, err)

		_, err = store.Acquire(ctx, pid, "worker-b", time.Minute)
		assert.ErrorIs(t, err, model.ErrAlreadyOwned)
	})

	t.Run("Acquire succeeds once the prior lease has expired", func(t *testing.T) {
		pid := model.PartitionID(hubName + "-control-02")
		require.NoError(t, store.CreateLeaseIfNotExists(ctx, pid))

		_, err := store.Acquire(ctx, pid, "worker-a", time.Millisecond)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			lease, err := store.Acquire(ctx, pid, "worker-b", time.Minute)
			return err == nil && lease.OwnerWorkerID == "worker-b"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Renew after the token changed is rejected", func(t *testing.T) {
		pid := model.PartitionID(hubName + "-control-03")
		require.NoError(t, store.CreateLeaseIfNotExists(ctx, pid))

		lease, err := store.Acquire(ctx, pid, "worker-a", time.Millisecond)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := store.Acquire(ctx, pid, "worker-b", time.Minute)
			return err == nil
		}, time.Second, 5*time.Millisecond)

		_, err = store.Renew(ctx, lease, time.Minute)
		assert.ErrorIs(t, err, model.ErrLeaseLost)
	})

	t.Run("ListLeases reports every partition", func(t *testing.T) {
		leases, err := store.ListLeases(ctx)
		require.NoError(t, err)
		var found bool
		for _, l := range leases {
			if l.PartitionID == partitionID {
				found = true
			}
		}
		assert.True(t, found)
	})
}

// RunHistoryStoreContract runs a suite of tests that any HistoryStore
// implementation must pass, regardless of backend.
func RunHistoryStoreContract(t *testing.T, store HistoryStore) {
	ctx := context.Background()
	instanceID := model.InstanceID("contract-instance-" + time.Now().Format("20060102150405"))
	executionID := model.ExecutionID("exec-1")
	instance := model.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID}

	started := &model.HistoryEvent{
		EventID:   1,
		Type:      model.EventExecutionStarted,
		Timestamp: time.Now(),
		ExecutionStarted: &model.ExecutionStartedEvent{
			Name:     "TestOrchestration",
			Instance: instance,
		},
	}

	t.Run("SetNewExecution then GetState reflects Pending/Running", func(t *testing.T) {
		require.NoError(t, store.SetNewExecution(ctx, started))

		metas, err := store.GetState(ctx, instanceID, false)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, "TestOrchestration", metas[0].Name)
		assert.Equal(t, model.StatusRunning, metas[0].RuntimeStatus)
	})

	t.Run("UpdateState appends events under optimistic concurrency", func(t *testing.T) {
		_, etag, err := store.GetHistory(ctx, instanceID, executionID)
		require.NoError(t, err)

		state := model.NewOrchestrationRuntimeState(instance, []*model.HistoryEvent{started})
		state.AddEvent(&model.HistoryEvent{
			EventID:   2,
			Type:      model.EventTaskScheduled,
			Timestamp: time.Now(),
			TaskScheduled: &model.TaskScheduledEvent{
				TaskID: 0,
				Name:   "DoWork",
			},
		})

		newETag, err := store.UpdateState(ctx, state, etag, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, newETag)

		events, _, err := store.GetHistory(ctx, instanceID, executionID)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("UpdateState with a stale ETag is rejected", func(t *testing.T) {
		state := model.NewOrchestrationRuntimeState(instance, nil)
		state.AddEvent(&model.HistoryEvent{EventID: 99, Type: model.EventTimerFired, Timestamp: time.Now()})

		_, err := store.UpdateState(ctx, state, "stale-etag-does-not-exist", nil)
		assert.ErrorIs(t, err, model.ErrPreconditionFailed)
	})

	t.Run("QueryState filters by status", func(t *testing.T) {
		metas, err := store.QueryState(ctx, HistoryStateFilter{Statuses: []model.OrchestrationStatus{model.StatusRunning}})
		require.NoError(t, err)
		var found bool
		for _, m := range metas {
			if m.Instance.InstanceID == instanceID {
				found = true
			}
		}
		assert.True(t, found, "a Running instance must be returned by a Running-status filter")

		metas, err = store.QueryState(ctx, HistoryStateFilter{Statuses: []model.OrchestrationStatus{model.StatusCompleted}})
		require.NoError(t, err)
		for _, m := range metas {
			assert.NotEqual(t, instanceID, m.Instance.InstanceID, "a Running instance must not match a Completed-status filter")
		}
	})

	t.Run("RewindHistory neutralizes a failure and resets status to Running", func(t *testing.T) {
		_, etag, err := store.GetHistory(ctx, instanceID, executionID)
		require.NoError(t, err)

		failed := model.NewOrchestrationRuntimeState(instance, nil)
		failed.AddEvent(&model.HistoryEvent{
			EventID:   3,
			Type:      model.EventExecutionCompleted,
			Timestamp: time.Now(),
			ExecutionCompleted: &model.ExecutionCompletedEvent{
				FailureDetails: &model.TaskFailureDetails{ErrorType: "boom", Message: "boom"},
			},
		})
		_, err = store.UpdateState(ctx, failed, etag, nil)
		require.NoError(t, err)

		metas, err := store.GetState(ctx, instanceID, false)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		require.Equal(t, model.StatusFailed, metas[0].RuntimeStatus)

		_, err = store.RewindHistory(ctx, instanceID, "retry")
		require.NoError(t, err)

		metas, err = store.GetState(ctx, instanceID, false)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, model.StatusRunning, metas[0].RuntimeStatus)
		assert.Nil(t, metas[0].FailureDetails)

		events, _, err := store.GetHistory(ctx, instanceID, executionID)
		require.NoError(t, err)
		for _, e := range events {
			if e.Type == model.EventExecutionCompleted && e.ExecutionCompleted != nil {
				assert.Nil(t, e.ExecutionCompleted.FailureDetails, "rewind must neutralize the failure marker in the event log too")
			}
		}
	})

	t.Run("PurgeInstanceHistory removes the instance", func(t *testing.T) {
		require.NoError(t, store.PurgeInstanceHistory(ctx, instanceID))

		_, err := store.GetState(ctx, instanceID, false)
		assert.NoError(t, err)

		metas, err := store.GetState(ctx, instanceID, false)
		require.NoError(t, err)
		assert.Empty(t, metas)
	})
}
