package redisbackend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/redisbackend"
)

func TestBlobStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := redisbackend.NewBlobStore(newTestClient(t), "durabletask:")

	require.NoError(t, store.Put(ctx, "a/b.json.gz", []byte("payload")))

	got, err := store.Get(ctx, "a/b.json.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, store.Delete(ctx, "a/b.json.gz"))
	_, err = store.Get(ctx, "a/b.json.gz")
	assert.Error(t, err)
}
