package ports

import (
	"context"
	"time"
)

// EnqueueOptions configures a single enqueue call.
type EnqueueOptions struct {
	// InitialVisibilityDelay, if positive, hides the message from
	// dequeuers until it elapses. Used for timer messages (fireAt-now)
	// and deliberately-delayed abandons.
	InitialVisibilityDelay time.Duration
}

// MessageQueue is the abstract at-least-once, visibility-timeout queue
// that ControlQueue and WorkItemQueue are built on. A MessageQueue does
// not know about orchestrations; it moves opaque payloads keyed by a
// queue name.
type MessageQueue interface {
	// Enqueue pushes payload onto queueName, returning once the backend
	// has durably accepted it.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) error

	// DequeueBatch pulls up to maxCount currently-visible messages,
	// making each invisible for visibilityTimeout. Returns fewer than
	// maxCount (possibly zero) if fewer are available; never blocks past
	// ctx's deadline waiting for more to appear.
	DequeueBatch(ctx context.Context, queueName string, maxCount int, visibilityTimeout time.Duration) ([]RawMessage, error)

	// Renew extends a previously dequeued message's invisibility window.
	Renew(ctx context.Context, queueName string, handle any, visibilityTimeout time.Duration) error

	// Delete permanently removes a previously dequeued message.
	Delete(ctx context.Context, queueName string, handle any) error

	// Abandon makes a previously dequeued message visible again
	// immediately, or after delay if positive.
	Abandon(ctx context.Context, queueName string, handle any, delay time.Duration) error
}

// RawMessage is what a MessageQueue hands back on dequeue: an opaque
// backend-specific handle (round-tripped into Renew/Delete/Abandon) plus
// the payload and delivery metadata needed to build a model.MessageData.
type RawMessage struct {
	Handle       any
	Payload      []byte
	DequeueCount int32
}

// BlobStore is the content-addressed object store LargeMessageCodec
// off-loads oversized payloads to.
type BlobStore interface {
	// Put writes data under name, overwriting any existing blob. Writes
	// must be safe to retry: a crash after a successful Put followed by
	// a retry with the same name and data is a no-op, not a corruption.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads back a blob previously written with Put.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a blob that does not exist is not
	// an error.
	Delete(ctx context.Context, name string) error
}
