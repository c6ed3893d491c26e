package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gled4er/durabletask/pkg/ports"
)

type queueMessage struct {
	payload      []byte
	dequeueCount int32
	visibleAt    time.Time
	deleted      bool
}

// MessageQueue is an in-memory ports.MessageQueue. Each queue name gets
// its own independent FIFO-ish slice of messages; visibility is tracked
// per message rather than per batch.
type MessageQueue struct {
	mu     sync.Mutex
	queues map[string][]*queueMessage
}

// NewMessageQueue creates an empty in-memory MessageQueue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{queues: make(map[string][]*queueMessage)}
}

// Enqueue pushes payload onto queueName.
func (q *MessageQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts ports.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)

	visibleAt := time.Now()
	if opts.InitialVisibilityDelay > 0 {
		visibleAt = visibleAt.Add(opts.InitialVisibilityDelay)
	}
	q.queues[queueName] = append(q.queues[queueName], &queueMessage{payload: cp, visibleAt: visibleAt})
	return nil
}

// DequeueBatch pulls up to maxCount currently-visible messages.
func (q *MessageQueue) DequeueBatch(ctx context.Context, queueName string, maxCount int, visibilityTimeout time.Duration) ([]ports.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []ports.RawMessage
	for _, msg := range q.queues[queueName] {
		if len(out) >= maxCount {
			break
		}
		if msg.deleted || msg.visibleAt.After(now) {
			continue
		}
		msg.dequeueCount++
		msg.visibleAt = now.Add(visibilityTimeout)
		out = append(out, ports.RawMessage{Handle: msg, Payload: msg.payload, DequeueCount: msg.dequeueCount})
	}
	q.compact(queueName)
	return out, nil
}

// Renew extends a previously dequeued message's invisibility window.
func (q *MessageQueue) Renew(ctx context.Context, queueName string, handle any, visibilityTimeout time.Duration) error {
	msg, ok := handle.(*queueMessage)
	if !ok {
		return fmt.Errorf("memstore: invalid queue handle")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.deleted {
		return fmt.Errorf("memstore: message already deleted")
	}
	msg.visibleAt = time.Now().Add(visibilityTimeout)
	return nil
}

// Delete permanently removes a previously dequeued message.
func (q *MessageQueue) Delete(ctx context.Context, queueName string, handle any) error {
	msg, ok := handle.(*queueMessage)
	if !ok {
		return fmt.Errorf("memstore: invalid queue handle")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg.deleted = true
	q.compact(queueName)
	return nil
}

// Abandon makes a previously dequeued message visible again.
func (q *MessageQueue) Abandon(ctx context.Context, queueName string, handle any, delay time.Duration) error {
	msg, ok := handle.(*queueMessage)
	if !ok {
		return fmt.Errorf("memstore: invalid queue handle")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.deleted {
		return fmt.Errorf("memstore: message already deleted")
	}
	msg.visibleAt = time.Now().Add(delay)
	return nil
}

// compact drops deleted messages from queueName. Callers must already
// hold q.mu.
func (q *MessageQueue) compact(queueName string) {
	msgs := q.queues[queueName]
	live := msgs[:0]
	for _, m := range msgs {
		if !m.deleted {
			live = append(live, m)
		}
	}
	q.queues[queueName] = live
}
