package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// MaxControlQueueBatchSize is the hard ceiling on ControlQueueBatchSize.
const MaxControlQueueBatchSize = 32

// ControlQueue is the per-partition delivery channel for orchestration
// messages: visibility-timeout semantics, batched dequeue, and
// transparent large-payload indirection via a LargeMessageCodec.
type ControlQueue struct {
	queueName         string
	partitionID       model.PartitionID
	queue             ports.MessageQueue
	codec             *codec.LargeMessageCodec
	batchSize         int
	visibilityTimeout time.Duration
}

// NewControlQueue builds a ControlQueue over queue for the named
// partition. batchSize is clamped to [1, MaxControlQueueBatchSize].
func NewControlQueue(partitionID model.PartitionID, queueName string, queue ports.MessageQueue, c *codec.LargeMessageCodec, batchSize int, visibilityTimeout time.Duration) *ControlQueue {
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > MaxControlQueueBatchSize {
		batchSize = MaxControlQueueBatchSize
	}
	return &ControlQueue{
		queueName:         queueName,
		partitionID:       partitionID,
		queue:             queue,
		codec:             c,
		batchSize:         batchSize,
		visibilityTimeout: visibilityTimeout,
	}
}

// Enqueue encodes msg and pushes it onto the partition's queue.
// initialDelay, when positive, hides the message until it elapses —
// used for timer messages whose fireAt is in the future.
func (q *ControlQueue) Enqueue(ctx context.Context, instanceID model.InstanceID, msg *model.TaskMessage, initialDelay time.Duration) error {
	payload, blobName, err := q.codec.Encode(ctx, instanceID, msg)
	if err != nil {
		return fmt.Errorf("mq: encode control message for %s: %w", instanceID, err)
	}

	env := envelope{Payload: payload, BlobName: blobName}
	encodedEnv, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("mq: marshal envelope: %w", err)
	}

	return q.queue.Enqueue(ctx, q.queueName, encodedEnv, ports.EnqueueOptions{InitialVisibilityDelay: initialDelay})
}

// DequeueBatch pulls up to the queue's configured batch size of
// currently-visible messages and decodes each into a model.MessageData.
func (q *ControlQueue) DequeueBatch(ctx context.Context) ([]*model.MessageData, error) {
	raw, err := q.queue.DequeueBatch(ctx, q.queueName, q.batchSize, q.visibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("mq: dequeue batch from %s: %w", q.queueName, err)
	}

	out := make([]*model.MessageData, 0, len(raw))
	for i, rm := range raw {
		env, err := unmarshalEnvelope(rm.Payload)
		if err != nil {
			return nil, fmt.Errorf("mq: unmarshal envelope: %w", err)
		}
		msg, err := q.codec.Decode(ctx, env.Payload, env.BlobName)
		if err != nil {
			return nil, fmt.Errorf("mq: decode control message: %w", err)
		}
		out = append(out, &model.MessageData{
			TaskMessage:         *msg,
			OriginalQueueMessage: rm.Handle,
			CompressedBlobName:  env.BlobName,
			TotalBytes:          len(rm.Payload),
			SequenceNumber:      int64(i),
			QueueName:           q.queueName,
			DequeueCount:        rm.DequeueCount,
		})
	}
	return out, nil
}

// Renew extends a dequeued message's visibility window.
func (q *ControlQueue) Renew(ctx context.Context, md *model.MessageData) error {
	return q.queue.Renew(ctx, q.queueName, md.OriginalQueueMessage, q.visibilityTimeout)
}

// Delete permanently removes a dequeued message and cleans up its
// off-loaded blob, if any.
func (q *ControlQueue) Delete(ctx context.Context, md *model.MessageData) error {
	if err := q.queue.Delete(ctx, q.queueName, md.OriginalQueueMessage); err != nil {
		return fmt.Errorf("mq: delete message from %s: %w", q.queueName, err)
	}
	return q.codec.DeleteBlob(ctx, md.CompressedBlobName)
}

// Abandon restores a dequeued message's visibility immediately. The
// codec's blob is deliberately left in place: only Delete cleans it up,
// since an abandoned message will be redelivered and decoded again.
func (q *ControlQueue) Abandon(ctx context.Context, md *model.MessageData) error {
	return q.queue.Abandon(ctx, q.queueName, md.OriginalQueueMessage, 0)
}
