package redisbackend

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// BlobStore is a Redis-backed ports.BlobStore. It is intended for
// development and small deployments; a production task hub typically
// points LargeMessageCodec at object storage instead, behind the same
// ports.BlobStore interface.
type BlobStore struct {
	client *backend.Client
	prefix string
}

// NewBlobStore builds a BlobStore on client, scoping all of its keys
// under prefix.
func NewBlobStore(client *backend.Client, prefix string) *BlobStore {
	return &BlobStore{client: client, prefix: prefix}
}

func (s *BlobStore) key(name string) string { return s.prefix + "blob:" + name }

// Put writes data under name, overwriting any existing blob.
func (s *BlobStore) Put(ctx context.Context, name string, data []byte) error {
	return s.client.Set(ctx, s.key(name), data, 0).Err()
}

// Get reads back a blob previously written with Put.
func (s *BlobStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("redisbackend: blob %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("redisbackend: get blob %q: %w", name, err)
	}
	return data, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *BlobStore) Delete(ctx context.Context, name string) error {
	return s.client.Del(ctx, s.key(name)).Err()
}
