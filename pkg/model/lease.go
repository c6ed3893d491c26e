package model

import "time"

// TaskHubInfo is the sentinel record written once per hub, fixing its
// partition count for the hub's lifetime.
type TaskHubInfo struct {
	Name           string
	PartitionCount int
	CreatedAt      time.Time
}

// PartitionID identifies one of a hub's fixed control partitions, as the
// string "<hub>-control-NN" (NN zero-padded to two digits).
type PartitionID string

// Lease is an expiring claim of exclusive ownership over one partition.
type Lease struct {
	PartitionID   PartitionID
	OwnerWorkerID string
	Token         string
	ExpiryTime    time.Time
	Epoch         int64
}

// Expired reports whether the lease's TTL has elapsed as of now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiryTime.After(now)
}
