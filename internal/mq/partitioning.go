// Package mq wraps a ports.MessageQueue with the ControlQueue and
// WorkItemQueue framework semantics: batching, large-payload
// indirection via LargeMessageCodec, and instance-to-partition
// assignment.
package mq

import (
	"fmt"

	"github.com/gled4er/durabletask/pkg/model"
)

const fnv1aOffsetBasis uint32 = 2166136261
const fnv1aPrime uint32 = 16777619

// fnv1a hashes s using the 32-bit FNV-1a algorithm.
func fnv1a(s string) uint32 {
	h := fnv1aOffsetBasis
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnv1aPrime
	}
	return h
}

// PartitionIndex computes the target partition for instanceID under a
// hub with partitionCount partitions.
func PartitionIndex(instanceID model.InstanceID, partitionCount int) int {
	return int(fnv1a(string(instanceID)) % uint32(partitionCount))
}

// PartitionID renders a hub name and partition index as the canonical
// "<hub>-control-NN" identity, NN zero-padded to two digits.
func PartitionID(hubName string, index int) model.PartitionID {
	return model.PartitionID(fmt.Sprintf("%s-control-%02d", hubName, index))
}

// ControlQueueName renders a partition's queue name. It is identical to
// PartitionID today but kept distinct because the two identities are
// conceptually different (lease key vs. queue key) even though they
// currently share a format.
func ControlQueueName(hubName string, index int) string {
	return string(PartitionID(hubName, index))
}

// WorkItemQueueName renders the single hub-wide activity queue name.
func WorkItemQueueName(hubName string) string {
	return hubName + "-workitems"
}
