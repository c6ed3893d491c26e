package mq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/pkg/model"
)

func TestControlQueue_EnqueueDequeueDelete(t *testing.T) {
	ctx := context.Background()
	backend := memstore.NewMessageQueue()
	c := codec.New(memstore.NewBlobStore())
	cq := mq.NewControlQueue("hub-control-00", "hub-control-00", backend, c, 10, time.Minute)

	instanceID := model.InstanceID("i1")
	msg := &model.TaskMessage{
		Instance: model.OrchestrationInstance{InstanceID: instanceID, ExecutionID: "e1"},
		Event:    &model.HistoryEvent{Type: model.EventTaskScheduled, TaskScheduled: &model.TaskScheduledEvent{Name: "DoWork"}},
	}
	require.NoError(t, cq.Enqueue(ctx, instanceID, msg, 0))

	batch, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "DoWork", batch[0].TaskMessage.Event.TaskScheduled.Name)
	assert.Equal(t, int32(1), batch[0].DequeueCount)

	require.NoError(t, cq.Delete(ctx, batch[0]))

	again, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestControlQueue_AbandonRedeliversWithoutDeletingBlob(t *testing.T) {
	ctx := context.Background()
	backend := memstore.NewMessageQueue()
	blobs := memstore.NewBlobStore()
	c := codec.New(blobs, codec.WithThreshold(1))
	cq := mq.NewControlQueue("hub-control-00", "hub-control-00", backend, c, 10, time.Minute)

	instanceID := model.InstanceID("i2")
	msg := &model.TaskMessage{
		Instance: model.OrchestrationInstance{InstanceID: instanceID},
		Event:    &model.HistoryEvent{Type: model.EventTaskScheduled, TaskScheduled: &model.TaskScheduledEvent{Name: "big", Input: "payload bigger than one byte"}},
	}
	require.NoError(t, cq.Enqueue(ctx, instanceID, msg, 0))

	batch, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NotEmpty(t, batch[0].CompressedBlobName)

	require.NoError(t, cq.Abandon(ctx, batch[0]))

	_, err = blobs.Get(ctx, batch[0].CompressedBlobName)
	assert.NoError(t, err, "abandon must not delete the off-loaded blob")

	redelivered, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, int32(2), redelivered[0].DequeueCount)
}

func TestControlQueue_InitialDelayHidesTimerMessage(t *testing.T) {
	ctx := context.Background()
	backend := memstore.NewMessageQueue()
	c := codec.New(memstore.NewBlobStore())
	cq := mq.NewControlQueue("hub-control-00", "hub-control-00", backend, c, 10, time.Minute)

	require.NoError(t, cq.Enqueue(ctx, "i3", &model.TaskMessage{Event: &model.HistoryEvent{Type: model.EventTimerFired}}, time.Hour))

	batch, err := cq.DequeueBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestControlQueue_BatchSizeClampedToMax(t *testing.T) {
	backend := memstore.NewMessageQueue()
	c := codec.New(memstore.NewBlobStore())
	cq := mq.NewControlQueue("p", "p", backend, c, 999, time.Minute)

	for i := 0; i < 40; i++ {
		require.NoError(t, cq.Enqueue(context.Background(), "i4", &model.TaskMessage{Event: &model.HistoryEvent{Type: model.EventTimerFired}}, 0))
	}

	batch, err := cq.DequeueBatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, mq.MaxControlQueueBatchSize)
}
