package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// WorkItemQueue is the single hub-wide queue of activity invocations.
// Its contract mirrors ControlQueue's, except it is unpartitioned and
// always dequeues one activity at a time.
type WorkItemQueue struct {
	queueName         string
	queue             ports.MessageQueue
	codec             *codec.LargeMessageCodec
	visibilityTimeout time.Duration
}

// NewWorkItemQueue builds a WorkItemQueue over queue.
func NewWorkItemQueue(queueName string, queue ports.MessageQueue, c *codec.LargeMessageCodec, visibilityTimeout time.Duration) *WorkItemQueue {
	return &WorkItemQueue{queueName: queueName, queue: queue, codec: c, visibilityTimeout: visibilityTimeout}
}

// Enqueue encodes msg and pushes it onto the work-item queue.
func (q *WorkItemQueue) Enqueue(ctx context.Context, instanceID model.InstanceID, msg *model.TaskMessage) error {
	payload, blobName, err := q.codec.Encode(ctx, instanceID, msg)
	if err != nil {
		return fmt.Errorf("mq: encode work item for %s: %w", instanceID, err)
	}
	encodedEnv, err := marshalEnvelope(envelope{Payload: payload, BlobName: blobName})
	if err != nil {
		return fmt.Errorf("mq: marshal envelope: %w", err)
	}
	return q.queue.Enqueue(ctx, q.queueName, encodedEnv, ports.EnqueueOptions{})
}

// DequeueOne pulls a single activity invocation, or nil if none is
// currently visible.
func (q *WorkItemQueue) DequeueOne(ctx context.Context) (*model.MessageData, error) {
	raw, err := q.queue.DequeueBatch(ctx, q.queueName, 1, q.visibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("mq: dequeue from %s: %w", q.queueName, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	rm := raw[0]
	env, err := unmarshalEnvelope(rm.Payload)
	if err != nil {
		return nil, fmt.Errorf("mq: unmarshal envelope: %w", err)
	}
	msg, err := q.codec.Decode(ctx, env.Payload, env.BlobName)
	if err != nil {
		return nil, fmt.Errorf("mq: decode work item: %w", err)
	}

	return &model.MessageData{
		TaskMessage:          *msg,
		OriginalQueueMessage: rm.Handle,
		CompressedBlobName:   env.BlobName,
		TotalBytes:           len(rm.Payload),
		QueueName:            q.queueName,
		DequeueCount:         rm.DequeueCount,
	}, nil
}

// Renew extends a dequeued work item's visibility window.
func (q *WorkItemQueue) Renew(ctx context.Context, md *model.MessageData) error {
	return q.queue.Renew(ctx, q.queueName, md.OriginalQueueMessage, q.visibilityTimeout)
}

// Delete permanently removes a dequeued work item and its off-loaded
// blob, if any.
func (q *WorkItemQueue) Delete(ctx context.Context, md *model.MessageData) error {
	if err := q.queue.Delete(ctx, q.queueName, md.OriginalQueueMessage); err != nil {
		return fmt.Errorf("mq: delete work item from %s: %w", q.queueName, err)
	}
	return q.codec.DeleteBlob(ctx, md.CompressedBlobName)
}

// Abandon restores a dequeued work item's visibility immediately.
func (q *WorkItemQueue) Abandon(ctx context.Context, md *model.MessageData) error {
	return q.queue.Abandon(ctx, q.queueName, md.OriginalQueueMessage, 0)
}
