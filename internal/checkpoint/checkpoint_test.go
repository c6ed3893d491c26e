package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/checkpoint"
	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/internal/session"
	"github.com/gled4er/durabletask/pkg/model"
)

const hubName = "hub"
const partitionCount = 2

type testRig struct {
	queue     *memstore.MessageQueue
	blobs     *memstore.BlobStore
	codec     *codec.LargeMessageCodec
	history   *memstore.HistoryStore
	sessions  *session.Manager
	workItems *mq.WorkItemQueue
	coord     *checkpoint.Coordinator
}

func newTestRig(t *testing.T, ownsPartition func(model.PartitionID) bool) *testRig {
	queue := memstore.NewMessageQueue()
	blobs := memstore.NewBlobStore()
	c := codec.New(blobs)
	history := memstore.NewHistoryStore()
	sessions := session.New(history, session.WithExtendedSessions(true))
	workItems := mq.NewWorkItemQueue(mq.WorkItemQueueName(hubName), queue, c, time.Minute)

	coord := checkpoint.NewCoordinator(
		hubName, partitionCount, queue, c, mq.MaxControlQueueBatchSize, time.Minute,
		workItems, history, sessions, 4, ownsPartition,
	)
	return &testRig{queue: queue, blobs: blobs, codec: c, history: history, sessions: sessions, workItems: workItems, coord: coord}
}

func controlQueueFor(r *testRig, instanceID model.InstanceID) *mq.ControlQueue {
	idx := mq.PartitionIndex(instanceID, partitionCount)
	pid := mq.PartitionID(hubName, idx)
	qname := mq.ControlQueueName(hubName, idx)
	return mq.NewControlQueue(pid, qname, r.queue, r.codec, mq.MaxControlQueueBatchSize, time.Minute)
}

// deliverInbound enqueues and immediately dequeues one message on the
// partition instanceID hashes to, simulating a normal dispatch pickup,
// and wires it through the SessionManager to produce a LEASED_OUT
// session ready for a checkpoint.
func deliverInbound(t *testing.T, ctx context.Context, r *testRig, instance model.OrchestrationInstance, msg *model.TaskMessage) (*session.OrchestrationSession, model.PartitionID) {
	cq := controlQueueFor(r, instance.InstanceID)
	require.NoError(t, cq.Enqueue(ctx, instance.InstanceID, msg, 0))

	batch, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	pid := mq.PartitionID(hubName, mq.PartitionIndex(instance.InstanceID, partitionCount))
	r.sessions.RegisterPartition(pid)

	msgs := make([]model.MessageData, len(batch))
	for i, m := range batch {
		msgs[i] = *m
	}
	require.NoError(t, r.sessions.OnMessagesReceived(ctx, pid, instance, msgs))

	sess, err := r.sessions.GetNextSession(ctx, pid)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess, pid
}

func startedEvent(instance model.OrchestrationInstance) *model.HistoryEvent {
	return &model.HistoryEvent{
		Type:             model.EventExecutionStarted,
		Timestamp:        time.Now(),
		ExecutionStarted: &model.ExecutionStartedEvent{Name: "Test", Instance: instance},
	}
}

func TestCoordinator_HappyPath_CommitsHistoryDeletesInboundEnqueuesOutbound(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t, func(model.PartitionID) bool { return true })

	instance := model.OrchestrationInstance{InstanceID: "i1", ExecutionID: "e1"}
	require.NoError(t, r.history.SetNewExecution(ctx, startedEvent(instance)))

	inboundMsg := &model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 1, Result: "ok"}},
		Instance: instance,
	}
	sess, pid := deliverInbound(t, ctx, r, instance, inboundMsg)
	require.Equal(t, session.StateLeasedOut, sess.State())

	sess.RuntimeState.AddEvent(&model.HistoryEvent{
		Type: model.EventExecutionCompleted, Timestamp: time.Now(),
		ExecutionCompleted: &model.ExecutionCompletedEvent{Result: "done"},
	})

	outboundActivity := model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventTaskScheduled, Timestamp: time.Now(), TaskScheduled: &model.TaskScheduledEvent{TaskID: 2, Name: "DoWork"}},
		Instance: instance,
	}

	req := &checkpoint.Request{
		Session:            sess,
		NewRuntimeState:    sess.RuntimeState,
		OutboundActivities: []model.TaskMessage{outboundActivity},
	}
	require.NoError(t, r.coord.Complete(ctx, req))

	// Phase 2: history committed.
	states, err := r.history.GetState(ctx, instance.InstanceID, false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, model.StatusCompleted, states[0].RuntimeStatus)

	// Phase 3: inbound message deleted, nothing left to redeliver.
	cq := controlQueueFor(r, instance.InstanceID)
	remaining, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Phase 1: outbound activity landed on the work-item queue.
	item, err := r.workItems.DequeueOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, model.EventTaskScheduled, item.TaskMessage.Event.Type)

	_ = pid
}

func TestCoordinator_PreconditionFailed_AbandonsAndRedelivers(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t, func(model.PartitionID) bool { return true })

	instance := model.OrchestrationInstance{InstanceID: "i2", ExecutionID: "e1"}
	require.NoError(t, r.history.SetNewExecution(ctx, startedEvent(instance)))

	inboundMsg := &model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 1, Result: "ok"}},
		Instance: instance,
	}
	sess, _ := deliverInbound(t, ctx, r, instance, inboundMsg)

	// A concurrent writer commits first, invalidating sess.ETag.
	_, _, err := r.history.GetHistory(ctx, instance.InstanceID, instance.ExecutionID)
	require.NoError(t, err)
	staleState := model.NewOrchestrationRuntimeState(instance, nil)
	staleState.AddEvent(&model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 99}})
	_, err = r.history.UpdateState(ctx, staleState, sess.ETag, nil)
	require.NoError(t, err)

	sess.RuntimeState.AddEvent(&model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 1}})
	req := &checkpoint.Request{Session: sess, NewRuntimeState: sess.RuntimeState}

	require.NoError(t, r.coord.Complete(ctx, req))

	cq := controlQueueFor(r, instance.InstanceID)
	redelivered, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "the abandoned inbound message must be redelivered")
}

func TestCoordinator_OrchestratorMessageRoutesToTargetPartition(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t, func(model.PartitionID) bool { return true })

	instance := model.OrchestrationInstance{InstanceID: "i3", ExecutionID: "e1"}
	require.NoError(t, r.history.SetNewExecution(ctx, startedEvent(instance)))

	inboundMsg := &model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 1}},
		Instance: instance,
	}
	sess, _ := deliverInbound(t, ctx, r, instance, inboundMsg)
	sess.RuntimeState.AddEvent(&model.HistoryEvent{Type: model.EventEventRaised, Timestamp: time.Now(), EventRaised: &model.EventRaisedEvent{Name: "child-done"}})

	var target model.InstanceID
	for i := 0; i < 64; i++ {
		candidate := model.InstanceID("target-" + string(rune('a'+i)))
		if mq.PartitionIndex(candidate, partitionCount) != mq.PartitionIndex(instance.InstanceID, partitionCount) {
			target = candidate
			break
		}
	}
	require.NotEmpty(t, target)

	req := &checkpoint.Request{
		Session:         sess,
		NewRuntimeState: sess.RuntimeState,
		OrchestratorMessages: []checkpoint.OrchestratorMessage{{
			TargetInstanceID: target,
			Message: model.TaskMessage{
				Event:    &model.HistoryEvent{Type: model.EventEventRaised, Timestamp: time.Now(), EventRaised: &model.EventRaisedEvent{Name: "go"}},
				Instance: model.OrchestrationInstance{InstanceID: target},
			},
		}},
	}
	require.NoError(t, r.coord.Complete(ctx, req))

	targetQueue := controlQueueFor(r, target)
	delivered, err := targetQueue.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, target, delivered[0].TaskMessage.Instance.InstanceID)
}

func TestCoordinator_ZeroNewEventsStillCommitsPhase2(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t, func(model.PartitionID) bool { return true })

	instance := model.OrchestrationInstance{InstanceID: "i4", ExecutionID: "e1"}
	require.NoError(t, r.history.SetNewExecution(ctx, startedEvent(instance)))

	inboundMsg := &model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 1}},
		Instance: instance,
	}
	sess, _ := deliverInbound(t, ctx, r, instance, inboundMsg)
	etagBefore := sess.ETag

	req := &checkpoint.Request{Session: sess, NewRuntimeState: sess.RuntimeState}
	require.NoError(t, r.coord.Complete(ctx, req))

	_, etagAfter, err := r.history.GetHistory(ctx, instance.InstanceID, instance.ExecutionID)
	require.NoError(t, err)
	assert.NotEqual(t, etagBefore, etagAfter, "phase 2 commits even with zero new events")
}

func TestCoordinator_ContinuedAsNew_StartsNextExecutionBeforeEnqueue(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t, func(model.PartitionID) bool { return true })

	instance := model.OrchestrationInstance{InstanceID: "i5", ExecutionID: "e1"}
	require.NoError(t, r.history.SetNewExecution(ctx, startedEvent(instance)))

	inboundMsg := &model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventTaskCompleted, Timestamp: time.Now(), TaskCompleted: &model.TaskCompletedEvent{TaskScheduledID: 1}},
		Instance: instance,
	}
	sess, _ := deliverInbound(t, ctx, r, instance, inboundMsg)
	sess.RuntimeState.AddEvent(&model.HistoryEvent{Type: model.EventContinueAsNew, Timestamp: time.Now(), ContinueAsNew: &model.ContinueAsNewEvent{Input: "next"}})

	nextExecution := model.OrchestrationInstance{InstanceID: instance.InstanceID, ExecutionID: "e2"}
	continuedMsg := &model.TaskMessage{
		Event: &model.HistoryEvent{
			Type:             model.EventExecutionStarted,
			Timestamp:        time.Now(),
			ExecutionStarted: &model.ExecutionStartedEvent{Name: "Test", Instance: nextExecution, Input: "next"},
		},
		Instance: nextExecution,
	}

	req := &checkpoint.Request{
		Session:               sess,
		NewRuntimeState:       sess.RuntimeState,
		ContinuedAsNewMessage: continuedMsg,
	}
	require.NoError(t, r.coord.Complete(ctx, req))

	// The new execution's row exists, so the dispatcher's next
	// GetHistory(instanceId, "e2") resolves instead of ErrInstanceNotFound.
	events, _, err := r.history.GetHistory(ctx, instance.InstanceID, "e2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventExecutionStarted, events[0].Type)

	states, err := r.history.GetState(ctx, instance.InstanceID, true)
	require.NoError(t, err)
	require.Len(t, states, 2)

	// The continuation message itself was delivered onto the instance's
	// control queue, addressed to the new execution.
	cq := controlQueueFor(r, instance.InstanceID)
	delivered, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, model.ExecutionID("e2"), delivered[0].TaskMessage.Instance.ExecutionID)
}
