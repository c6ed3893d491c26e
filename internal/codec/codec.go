// Package codec implements off-loading of oversized message payloads to
// blob storage, so that queue and history backends never have to carry
// a payload larger than their own size limits.
package codec

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// DefaultInlineThresholdBytes is the payload size above which
// LargeMessageCodec off-loads to blob storage instead of inlining.
const DefaultInlineThresholdBytes = 60 * 1024

// LargeMessageCodec gzip-compresses and off-loads payloads larger than
// its threshold to a BlobStore, leaving smaller payloads inline.
// Encode/Decode round-trip any value through JSON, so the threshold is
// measured against the marshaled JSON, not the Go value.
type LargeMessageCodec struct {
	blobs     ports.BlobStore
	threshold int
	container string
}

// Option configures a LargeMessageCodec.
type Option func(*LargeMessageCodec)

// WithThreshold overrides DefaultInlineThresholdBytes.
func WithThreshold(bytes int) Option {
	return func(c *LargeMessageCodec) { c.threshold = bytes }
}

// WithContainer sets the path prefix blob names are generated under.
// Defaults to "messages".
func WithContainer(name string) Option {
	return func(c *LargeMessageCodec) { c.container = name }
}

// New builds a LargeMessageCodec backed by blobs.
func New(blobs ports.BlobStore, opts ...Option) *LargeMessageCodec {
	c := &LargeMessageCodec{
		blobs:     blobs,
		threshold: DefaultInlineThresholdBytes,
		container: "messages",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode marshals msg to JSON. If the result exceeds the codec's
// threshold, the JSON is gzipped and written to blob storage under a
// name scoped to instanceID, and the returned payload instead carries
// that blob's name so the caller can store a small pointer in its
// queue or history row. blobName is empty when the payload was
// inlined.
func (c *LargeMessageCodec) Encode(ctx context.Context, instanceID model.InstanceID, msg *model.TaskMessage) (payload []byte, blobName string, err error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("codec: marshal message: %w", err)
	}
	if len(raw) <= c.threshold {
		return raw, "", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, "", fmt.Errorf("codec: gzip payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("codec: close gzip writer: %w", err)
	}

	name := fmt.Sprintf("%s/%s/%s.json.gz", c.container, instanceID, uuid.NewString())
	if err := c.blobs.Put(ctx, name, buf.Bytes()); err != nil {
		return nil, "", fmt.Errorf("codec: put blob %s: %w", name, err)
	}

	pointer, err := json.Marshal(blobPointer{BlobName: name})
	if err != nil {
		return nil, "", fmt.Errorf("codec: marshal blob pointer: %w", err)
	}
	return pointer, name, nil
}

// Decode reverses Encode. If blobName is non-empty, payload is treated
// as the small inline pointer and the real content is fetched from
// blob storage and decompressed; otherwise payload is decoded
// directly. Decode failures are permanent: a corrupt or truncated
// payload will never succeed on retry, so callers should route
// model.ErrPermanentDecode to a dead-letter path rather than abandon
// the message for redelivery.
func (c *LargeMessageCodec) Decode(ctx context.Context, payload []byte, blobName string) (*model.TaskMessage, error) {
	raw := payload
	if blobName != "" {
		compressed, err := c.blobs.Get(ctx, blobName)
		if err != nil {
			return nil, fmt.Errorf("codec: get blob %s: %w", blobName, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("%w: open gzip reader for %s: %v", model.ErrPermanentDecode, blobName, err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress %s: %v", model.ErrPermanentDecode, blobName, err)
		}
	}

	var msg model.TaskMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload: %v", model.ErrPermanentDecode, err)
	}
	return &msg, nil
}

// DeleteBlob removes a blob previously produced by Encode. Safe to call
// with an empty name (a no-op), since most messages never off-load.
func (c *LargeMessageCodec) DeleteBlob(ctx context.Context, blobName string) error {
	if blobName == "" {
		return nil
	}
	return c.blobs.Delete(ctx, blobName)
}

type blobPointer struct {
	BlobName string `json:"blobName"`
}
