package redisbackend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/redisbackend"
	"github.com/gled4er/durabletask/pkg/ports"
)

func TestMessageQueue_EnqueueDequeueDelete(t *testing.T) {
	ctx := context.Background()
	q := redisbackend.NewMessageQueue(newTestClient(t), "durabletask:")

	require.NoError(t, q.Enqueue(ctx, "control-00", []byte("msg-1"), ports.EnqueueOptions{}))

	msgs, err := q.DequeueBatch(ctx, "control-00", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("msg-1"), msgs[0].Payload)
	assert.Equal(t, int32(1), msgs[0].DequeueCount)

	again, err := q.DequeueBatch(ctx, "control-00", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Delete(ctx, "control-00", msgs[0].Handle))
}

func TestMessageQueue_AbandonMakesVisibleAgain(t *testing.T) {
	ctx := context.Background()
	q := redisbackend.NewMessageQueue(newTestClient(t), "durabletask:")
	require.NoError(t, q.Enqueue(ctx, "q", []byte("x"), ports.EnqueueOptions{}))

	msgs, err := q.DequeueBatch(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Abandon(ctx, "q", msgs[0].Handle, 0))

	redelivered, err := q.DequeueBatch(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, int32(2), redelivered[0].DequeueCount)
}

func TestMessageQueue_InitialVisibilityDelay(t *testing.T) {
	ctx := context.Background()
	q := redisbackend.NewMessageQueue(newTestClient(t), "durabletask:")
	require.NoError(t, q.Enqueue(ctx, "q", []byte("delayed"), ports.EnqueueOptions{InitialVisibilityDelay: time.Hour}))

	msgs, err := q.DequeueBatch(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
