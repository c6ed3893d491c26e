package codec_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/pkg/model"
)

func TestLargeMessageCodec_RoundTrip_Inline(t *testing.T) {
	ctx := context.Background()
	blobs := memstore.NewBlobStore()
	c := codec.New(blobs)

	msg := &model.TaskMessage{
		Event: &model.HistoryEvent{Type: model.EventTaskScheduled, TaskScheduled: &model.TaskScheduledEvent{Name: "small"}},
	}

	payload, blobName, err := c.Encode(ctx, "instance-1", msg)
	require.NoError(t, err)
	assert.Empty(t, blobName, "a small payload must stay inline")

	decoded, err := c.Decode(ctx, payload, blobName)
	require.NoError(t, err)
	assert.Equal(t, msg.Event.TaskScheduled.Name, decoded.Event.TaskScheduled.Name)
}

func TestLargeMessageCodec_RoundTrip_OffLoaded(t *testing.T) {
	ctx := context.Background()
	blobs := memstore.NewBlobStore()
	c := codec.New(blobs, codec.WithThreshold(16))

	msg := &model.TaskMessage{
		Event: &model.HistoryEvent{
			Type: model.EventTaskScheduled,
			TaskScheduled: &model.TaskScheduledEvent{
				Name:  "big",
				Input: strings.Repeat("x", 4096),
			},
		},
	}

	payload, blobName, err := c.Encode(ctx, "instance-2", msg)
	require.NoError(t, err)
	require.NotEmpty(t, blobName, "a payload over the threshold must off-load")
	assert.Contains(t, blobName, "instance-2")
	assert.True(t, strings.HasSuffix(blobName, ".json.gz"))
	assert.Less(t, len(payload), 4096, "the inline pointer must be far smaller than the payload")

	decoded, err := c.Decode(ctx, payload, blobName)
	require.NoError(t, err)
	assert.Equal(t, msg.Event.TaskScheduled.Input, decoded.Event.TaskScheduled.Input)

	require.NoError(t, c.DeleteBlob(ctx, blobName))
	_, err = blobs.Get(ctx, blobName)
	assert.Error(t, err)
}

func TestLargeMessageCodec_Decode_CorruptBlob_IsPermanent(t *testing.T) {
	ctx := context.Background()
	blobs := memstore.NewBlobStore()
	c := codec.New(blobs)

	require.NoError(t, blobs.Put(ctx, "messages/instance-3/bad.json.gz", []byte("not gzip data")))

	_, err := c.Decode(ctx, nil, "messages/instance-3/bad.json.gz")
	assert.ErrorIs(t, err, model.ErrPermanentDecode)
}

func TestLargeMessageCodec_DeleteBlob_EmptyNameIsNoop(t *testing.T) {
	c := codec.New(memstore.NewBlobStore())
	assert.NoError(t, c.DeleteBlob(context.Background(), ""))
}
