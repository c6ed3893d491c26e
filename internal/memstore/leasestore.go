// Package memstore provides in-memory LeaseStore, HistoryStore,
// BlobStore and MessageQueue implementations. It exists for tests and
// single-process development; every exported type is safe for
// concurrent use but holds no state beyond the process's lifetime.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gled4er/durabletask/pkg/model"
)

// LeaseStore is an in-memory ports.LeaseStore.
type LeaseStore struct {
	mu     sync.Mutex
	hub    *model.TaskHubInfo
	leases map[model.PartitionID]model.Lease
}

// NewLeaseStore creates an empty in-memory LeaseStore.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[model.PartitionID]model.Lease)}
}

// CreateLeaseStoreIfNotExists writes the hub sentinel if absent.
func (s *LeaseStore) CreateLeaseStoreIfNotExists(ctx context.Context, hub model.TaskHubInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub == nil {
		h := hub
		s.hub = &h
	}
	return nil
}

// GetOrCreateTaskHubInfo reads the hub sentinel, creating it from def if
// it does not yet exist.
func (s *LeaseStore) GetOrCreateTaskHubInfo(ctx context.Context, def model.TaskHubInfo) (model.TaskHubInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub == nil {
		h := def
		s.hub = &h
	}
	return *s.hub, nil
}

// CreateLeaseIfNotExists creates the lease record for partitionID with
// no owner if it does not already exist.
func (s *LeaseStore) CreateLeaseIfNotExists(ctx context.Context, partitionID model.PartitionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[partitionID]; !ok {
		s.leases[partitionID] = model.Lease{PartitionID: partitionID}
	}
	return nil
}

// Acquire claims an unowned or expired lease for workerID.
func (s *LeaseStore) Acquire(ctx context.Context, partitionID model.PartitionID, workerID string, leaseInterval time.Duration) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	current, ok := s.leases[partitionID]
	if ok && current.OwnerWorkerID != "" && !current.Expired(now) {
		return model.Lease{}, model.ErrAlreadyOwned
	}

	lease := model.Lease{
		PartitionID:   partitionID,
		OwnerWorkerID: workerID,
		Token:         uuid.NewString(),
		ExpiryTime:    now.Add(leaseInterval),
		Epoch:         current.Epoch + 1,
	}
	s.leases[partitionID] = lease
	return lease, nil
}

// Renew extends a held lease's expiry.
func (s *LeaseStore) Renew(ctx context.Context, lease model.Lease, leaseInterval time.Duration) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok || current.Token != lease.Token {
		return model.Lease{}, model.ErrLeaseLost
	}

	current.ExpiryTime = time.Now().Add(leaseInterval)
	s.leases[lease.PartitionID] = current
	return current, nil
}

// Release gives up a held lease.
func (s *LeaseStore) Release(ctx context.Context, lease model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok || current.Token != lease.Token {
		return model.ErrLeaseLost
	}

	s.leases[lease.PartitionID] = model.Lease{PartitionID: lease.PartitionID, Epoch: current.Epoch}
	return nil
}

// ListLeases returns the current state of every partition lease.
func (s *LeaseStore) ListLeases(ctx context.Context) ([]model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	return out, nil
}
