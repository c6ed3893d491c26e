package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/internal/session"
	"github.com/gled4er/durabletask/pkg/model"
)

func startedEvent(instance model.OrchestrationInstance) *model.HistoryEvent {
	return &model.HistoryEvent{
		Type:             model.EventExecutionStarted,
		Timestamp:        time.Now(),
		ExecutionStarted: &model.ExecutionStartedEvent{Name: "Test", Instance: instance},
	}
}

func TestManager_FirstBatchLoadsHistoryAndBecomesReady(t *testing.T) {
	ctx := context.Background()
	history := memstore.NewHistoryStore()
	instance := model.OrchestrationInstance{InstanceID: "i1", ExecutionID: "e1"}
	require.NoError(t, history.SetNewExecution(ctx, startedEvent(instance)))

	mgr := session.New(history)
	mgr.RegisterPartition("hub-control-00")

	require.NoError(t, mgr.OnMessagesReceived(ctx, "hub-control-00", instance, []model.MessageData{{}}))

	gctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sess, err := mgr.GetNextSession(gctx, "hub-control-00")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateLeasedOut, sess.State())
	assert.Len(t, sess.CurrentBatch, 1)
	assert.NotEmpty(t, sess.ETag)
}

func TestManager_GetNextSession_BlocksUntilCtxCanceled(t *testing.T) {
	history := memstore.NewHistoryStore()
	mgr := session.New(history)
	mgr.RegisterPartition("p")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sess, err := mgr.GetNextSession(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestManager_CoalescesMessagesWhileLeasedOut(t *testing.T) {
	ctx := context.Background()
	history := memstore.NewHistoryStore()
	instance := model.OrchestrationInstance{InstanceID: "i2", ExecutionID: "e1"}
	require.NoError(t, history.SetNewExecution(ctx, startedEvent(instance)))

	mgr := session.New(history, session.WithExtendedSessions(true))
	mgr.RegisterPartition("p")

	require.NoError(t, mgr.OnMessagesReceived(ctx, "p", instance, []model.MessageData{{SequenceNumber: 1}}))

	gctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sess, err := mgr.GetNextSession(gctx, "p")
	require.NoError(t, err)
	require.NotNil(t, sess)

	// More messages arrive for the same instance while its session is
	// checked out: they must not be lost, nor handed to any second
	// getNextSession caller.
	require.NoError(t, mgr.OnMessagesReceived(ctx, "p", instance, []model.MessageData{{SequenceNumber: 2}}))

	shortCtx, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	none, err := mgr.GetNextSession(shortCtx, "p")
	require.NoError(t, err)
	assert.Nil(t, none, "the coalesced session must not become available until released")

	mgr.ReleaseSession("p", instance.InstanceID, true)

	gctx2, cancel3 := context.WithTimeout(ctx, time.Second)
	defer cancel3()
	next, err := mgr.GetNextSession(gctx2, "p")
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Len(t, next.CurrentBatch, 1)
	assert.Equal(t, int64(2), next.CurrentBatch[0].SequenceNumber)
}

func TestManager_ReleaseWithoutExtendedSessionsDropsIdleSession(t *testing.T) {
	ctx := context.Background()
	history := memstore.NewHistoryStore()
	instance := model.OrchestrationInstance{InstanceID: "i3", ExecutionID: "e1"}
	require.NoError(t, history.SetNewExecution(ctx, startedEvent(instance)))

	mgr := session.New(history) // extended sessions off
	mgr.RegisterPartition("p")
	require.NoError(t, mgr.OnMessagesReceived(ctx, "p", instance, []model.MessageData{{}}))

	gctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sess, err := mgr.GetNextSession(gctx, "p")
	require.NoError(t, err)
	require.NotNil(t, sess)

	mgr.ReleaseSession("p", instance.InstanceID, true)

	// A fresh batch for the same instance must trigger a new history
	// fetch rather than resuming a stale session.
	require.NoError(t, mgr.OnMessagesReceived(ctx, "p", instance, []model.MessageData{{SequenceNumber: 9}}))
	gctx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	next, err := mgr.GetNextSession(gctx2, "p")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Len(t, next.CurrentBatch, 1)
}

func TestManager_UnregisterPartitionCancelsWaitersImmediately(t *testing.T) {
	history := memstore.NewHistoryStore()
	mgr := session.New(history)
	mgr.RegisterPartition("p")

	done := make(chan struct{})
	go func() {
		sess, err := mgr.GetNextSession(context.Background(), "p")
		assert.NoError(t, err)
		assert.Nil(t, sess)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mgr.UnregisterPartition("p")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetNextSession did not unblock after UnregisterPartition")
	}
}
