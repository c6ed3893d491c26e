package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/memstore"
)

func TestBlobStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewBlobStore()

	require.NoError(t, s.Put(ctx, "a/b.json.gz", []byte("hello")))

	got, err := s.Get(ctx, "a/b.json.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, s.Delete(ctx, "a/b.json.gz"))
	_, err = s.Get(ctx, "a/b.json.gz")
	assert.Error(t, err)

	assert.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestBlobStore_PutIsIsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewBlobStore()

	data := []byte("original")
	require.NoError(t, s.Put(ctx, "key", data))
	data[0] = 'X'

	got, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}
