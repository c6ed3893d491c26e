// Package ports defines the storage and transport abstractions the
// orchestration core is built against: LeaseStore, HistoryStore,
// MessageQueue and BlobStore. Concrete backends live in
// internal/memstore (tests, single-process dev) and
// internal/redisbackend (production).
package ports

import (
	"context"
	"time"

	"github.com/gled4er/durabletask/pkg/model"
)

// LeaseStore persists and serializes partition lease ownership, and
// sentinels the TaskHubInfo record. All write operations are optimistic:
// a lost race is reported via model.ErrAlreadyOwned / model.ErrLeaseLost,
// never as an escalated exception.
type LeaseStore interface {
	// CreateLeaseStoreIfNotExists idempotently writes the hub sentinel if
	// absent. A concurrent create loses the race silently; the reader
	// that already wrote wins.
	CreateLeaseStoreIfNotExists(ctx context.Context, hub model.TaskHubInfo) error

	// GetOrCreateTaskHubInfo reads the hub sentinel, creating it from the
	// supplied default if it does not yet exist.
	GetOrCreateTaskHubInfo(ctx context.Context, def model.TaskHubInfo) (model.TaskHubInfo, error)

	// CreateLeaseIfNotExists idempotently creates the lease record for a
	// partition with no owner.
	CreateLeaseIfNotExists(ctx context.Context, partitionID model.PartitionID) error

	// Acquire claims an unowned or expired lease for workerID. Returns
	// model.ErrAlreadyOwned if another worker holds an unexpired lease.
	Acquire(ctx context.Context, partitionID model.PartitionID, workerID string, leaseInterval time.Duration) (model.Lease, error)

	// Renew extends a held lease's expiry. Returns model.ErrLeaseLost if
	// the lease's token no longer matches the stored record.
	Renew(ctx context.Context, lease model.Lease, leaseInterval time.Duration) (model.Lease, error)

	// Release gives up a held lease. Returns model.ErrLeaseLost if the
	// lease was already stolen; callers treat that as a successful
	// release (there is nothing left to give up).
	Release(ctx context.Context, lease model.Lease) error

	// ListLeases returns the current state of every partition lease,
	// owned or not.
	ListLeases(ctx context.Context) ([]model.Lease, error)
}
