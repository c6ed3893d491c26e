package redisbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/gled4er/durabletask/pkg/ports"
)

// dequeueScript atomically claims up to ARGV[2] currently-visible
// message IDs from the visibility ZSET, pushes each one's visibility
// deadline out to ARGV[3], and returns a flat [id, payload,
// dequeueCount, ...] triple list so the claim and the redelivery-count
// bump happen without a second round trip racing another worker.
var dequeueScript = backend.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for i, id in ipairs(ids) do
  redis.call('ZADD', KEYS[1], ARGV[3], id)
  local count = redis.call('HINCRBY', KEYS[2] .. id, 'dequeueCount', 1)
  local payload = redis.call('HGET', KEYS[2] .. id, 'payload')
  table.insert(out, id)
  table.insert(out, payload)
  table.insert(out, tostring(count))
end
return out
`)

// MessageQueue is a Redis-backed ports.MessageQueue. Each queue name
// gets a visibility ZSET (member: message ID, score: Unix nanos the
// message becomes visible again) and one hash per message holding its
// payload and redelivery count.
type MessageQueue struct {
	client *backend.Client
	prefix string
}

// NewMessageQueue builds a MessageQueue on client, scoping all of its
// keys under prefix.
func NewMessageQueue(client *backend.Client, prefix string) *MessageQueue {
	return &MessageQueue{client: client, prefix: prefix}
}

func (q *MessageQueue) visKey(queueName string) string { return q.prefix + "mq:vis:" + queueName }
func (q *MessageQueue) msgKeyPrefix(queueName string) string {
	return q.prefix + "mq:msg:" + queueName + ":"
}

// Enqueue pushes payload onto queueName.
func (q *MessageQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts ports.EnqueueOptions) error {
	id := uuid.NewString()
	visibleAt := time.Now()
	if opts.InitialVisibilityDelay > 0 {
		visibleAt = visibleAt.Add(opts.InitialVisibilityDelay)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKeyPrefix(queueName)+id, "payload", payload, "dequeueCount", 0)
	pipe.ZAdd(ctx, q.visKey(queueName), backend.Z{Score: float64(visibleAt.UnixNano()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueBatch pulls up to maxCount currently-visible messages.
func (q *MessageQueue) DequeueBatch(ctx context.Context, queueName string, maxCount int, visibilityTimeout time.Duration) ([]ports.RawMessage, error) {
	now := time.Now()
	newVisibleAt := now.Add(visibilityTimeout).UnixNano()

	raw, err := dequeueScript.Run(ctx, q.client, []string{q.visKey(queueName), q.msgKeyPrefix(queueName)},
		now.UnixNano(), maxCount, newVisibleAt).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: dequeue script: %w", err)
	}

	items, ok := raw.([]any)
	if !ok || len(items)%3 != 0 {
		return nil, fmt.Errorf("redisbackend: unexpected dequeue script result shape")
	}

	out := make([]ports.RawMessage, 0, len(items)/3)
	for i := 0; i < len(items); i += 3 {
		id, _ := items[i].(string)
		payload, _ := items[i+1].(string)
		countStr, _ := items[i+2].(string)
		var count int32
		_, _ = fmt.Sscanf(countStr, "%d", &count)
		out = append(out, ports.RawMessage{Handle: id, Payload: []byte(payload), DequeueCount: count})
	}
	return out, nil
}

// Renew extends a previously dequeued message's invisibility window.
func (q *MessageQueue) Renew(ctx context.Context, queueName string, handle any, visibilityTimeout time.Duration) error {
	id, ok := handle.(string)
	if !ok {
		return fmt.Errorf("redisbackend: invalid queue handle")
	}
	return q.client.ZAdd(ctx, q.visKey(queueName), backend.Z{
		Score:  float64(time.Now().Add(visibilityTimeout).UnixNano()),
		Member: id,
	}).Err()
}

// Delete permanently removes a previously dequeued message.
func (q *MessageQueue) Delete(ctx context.Context, queueName string, handle any) error {
	id, ok := handle.(string)
	if !ok {
		return fmt.Errorf("redisbackend: invalid queue handle")
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.visKey(queueName), id)
	pipe.Del(ctx, q.msgKeyPrefix(queueName)+id)
	_, err := pipe.Exec(ctx)
	return err
}

// Abandon makes a previously dequeued message visible again.
func (q *MessageQueue) Abandon(ctx context.Context, queueName string, handle any, delay time.Duration) error {
	id, ok := handle.(string)
	if !ok {
		return fmt.Errorf("redisbackend: invalid queue handle")
	}
	return q.client.ZAdd(ctx, q.visKey(queueName), backend.Z{
		Score:  float64(time.Now().Add(delay).UnixNano()),
		Member: id,
	}).Err()
}
