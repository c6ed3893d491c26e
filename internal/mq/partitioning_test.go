package mq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/pkg/model"
)

func TestPartitionIndex_IsStableAndInRange(t *testing.T) {
	for _, n := range []int{1, 4, 16} {
		idx := mq.PartitionIndex(model.InstanceID("order-42"), n)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, n)

		again := mq.PartitionIndex(model.InstanceID("order-42"), n)
		assert.Equal(t, idx, again, "partition assignment must be deterministic for a fixed partition count")
	}
}

func TestPartitionIndex_SinglePartitionAlwaysZero(t *testing.T) {
	for _, id := range []model.InstanceID{"a", "b", "some-long-instance-id"} {
		assert.Equal(t, 0, mq.PartitionIndex(id, 1))
	}
}

func TestPartitionID_Format(t *testing.T) {
	assert.Equal(t, model.PartitionID("orders-control-00"), mq.PartitionID("orders", 0))
	assert.Equal(t, model.PartitionID("orders-control-15"), mq.PartitionID("orders", 15))
}

func TestWorkItemQueueName(t *testing.T) {
	assert.Equal(t, "orders-workitems", mq.WorkItemQueueName("orders"))
}
