// Package partition drives a worker's ownership of a balanced subset of
// a task hub's control partitions, via two cooperating background
// loops layered over a LeaseStore.
package partition

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gled4er/durabletask/internal/logging"
	"github.com/gled4er/durabletask/internal/metrics"
	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// ReleaseReason explains why Observer.Released fired.
type ReleaseReason string

const (
	// ReleaseReasonLeaseLost means a renew discovered the lease's token
	// no longer matched the stored record.
	ReleaseReasonLeaseLost ReleaseReason = "lease_lost"
	// ReleaseReasonShutdown means Stop released the lease voluntarily.
	ReleaseReasonShutdown ReleaseReason = "shutdown"
)

// Observer is notified as partition ownership changes. Acquired is
// called strictly before any message dispatch from that partition
// begins; Released is called strictly before the partition's control
// queue is torn down. Implementations must not block the calling loop;
// long work should be hand off to an internal queue.
type Observer interface {
	Acquired(ctx context.Context, lease model.Lease)
	Released(ctx context.Context, lease model.Lease, reason ReleaseReason)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the Manager's default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMaxReleaseConcurrency bounds how many leases Stop releases in
// parallel. Defaults to 8.
func WithMaxReleaseConcurrency(n int64) Option {
	return func(m *Manager) { m.maxReleaseConcurrency = n }
}

// WithMetrics records lease acquisition, loss and theft against reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// Manager continuously acquires, renews and releases partition leases
// for one worker, keeping its share balanced against its peers.
type Manager struct {
	store          ports.LeaseStore
	observer       Observer
	hubName        string
	workerID       string
	partitionCount int

	acquireInterval time.Duration
	renewInterval   time.Duration
	leaseInterval   time.Duration

	logger                *slog.Logger
	maxReleaseConcurrency int64
	metrics               *metrics.Registry

	mu    sync.Mutex
	owned map[model.PartitionID]model.Lease

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. hubName and partitionCount determine the fixed
// set of partition identities this worker competes for.
func New(store ports.LeaseStore, observer Observer, hubName, workerID string, partitionCount int, acquireInterval, renewInterval, leaseInterval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:                 store,
		observer:              observer,
		hubName:               hubName,
		workerID:              workerID,
		partitionCount:        partitionCount,
		acquireInterval:       acquireInterval,
		renewInterval:         renewInterval,
		leaseInterval:         leaseInterval,
		logger:                logging.NewNop(),
		maxReleaseConcurrency: 8,
		owned:                 make(map[model.PartitionID]model.Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize creates the hub sentinel and every partition's lease
// record if they do not already exist, without acquiring anything.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.store.CreateLeaseStoreIfNotExists(ctx, model.TaskHubInfo{
		Name:           m.hubName,
		PartitionCount: m.partitionCount,
		CreatedAt:      time.Now(),
	}); err != nil {
		return err
	}
	for i := 0; i < m.partitionCount; i++ {
		if err := m.store.CreateLeaseIfNotExists(ctx, mq.PartitionID(m.hubName, i)); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the acquire and renew loops in the background. It
// returns immediately; call Stop to shut them down.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.runLoop(loopCtx, m.acquireInterval, m.acquireScan)
	go m.runLoop(loopCtx, m.renewInterval, m.renewScan)
}

func (m *Manager) runLoop(ctx context.Context, interval time.Duration, scan func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan(ctx)
		}
	}
}

func (m *Manager) acquireScan(ctx context.Context) {
	leases, err := m.store.ListLeases(ctx)
	if err != nil {
		m.logger.Warn("partition: list leases failed", "error", err)
		return
	}

	now := time.Now()
	ownerCounts := make(map[string]int)
	for _, l := range leases {
		if l.OwnerWorkerID != "" && !l.Expired(now) {
			ownerCounts[l.OwnerWorkerID]++
		}
	}

	activeWorkers := len(ownerCounts)
	if _, alreadyCounted := ownerCounts[m.workerID]; !alreadyCounted {
		activeWorkers++
	}
	if activeWorkers < 1 {
		activeWorkers = 1
	}

	target := int(math.Ceil(float64(len(leases)) / float64(activeWorkers)))

	m.mu.Lock()
	ownedCount := len(m.owned)
	m.mu.Unlock()

	needed := target - ownedCount
	if needed <= 0 {
		return
	}

	var free []model.Lease
	var expiredOwned []model.Lease
	for _, l := range leases {
		if l.OwnerWorkerID == "" {
			free = append(free, l)
		} else if l.Expired(now) && l.OwnerWorkerID != m.workerID {
			expiredOwned = append(expiredOwned, l)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].PartitionID < free[j].PartitionID })

	// Steal at most one per scan, and prefer the most-loaded peer so no
	// single peer gets drained in one pass.
	sort.Slice(expiredOwned, func(i, j int) bool {
		return ownerCounts[expiredOwned[i].OwnerWorkerID] > ownerCounts[expiredOwned[j].OwnerWorkerID]
	})

	candidates := append(free, func() []model.Lease {
		if len(expiredOwned) > 0 {
			return expiredOwned[:1]
		}
		return nil
	}()...)

	for _, candidate := range candidates {
		if needed <= 0 {
			break
		}
		lease, err := m.store.Acquire(ctx, candidate.PartitionID, m.workerID, m.leaseInterval)
		if err != nil {
			if m.metrics != nil {
				m.metrics.LeaseAcquireErrors.Inc()
			}
			continue
		}

		m.mu.Lock()
		m.owned[lease.PartitionID] = lease
		ownedCount = len(m.owned)
		m.mu.Unlock()

		needed--
		if m.metrics != nil {
			if candidate.OwnerWorkerID != "" {
				m.metrics.LeasesStolen.Inc()
			}
			m.metrics.PartitionsOwned.Set(float64(ownedCount))
		}
		if m.observer != nil {
			m.observer.Acquired(ctx, lease)
		}
	}
}

func (m *Manager) renewScan(ctx context.Context) {
	m.mu.Lock()
	owned := make([]model.Lease, 0, len(m.owned))
	for _, l := range m.owned {
		owned = append(owned, l)
	}
	m.mu.Unlock()

	for _, lease := range owned {
		renewed, err := m.store.Renew(ctx, lease, m.leaseInterval)
		if err == nil {
			m.mu.Lock()
			m.owned[lease.PartitionID] = renewed
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		delete(m.owned, lease.PartitionID)
		ownedCount := len(m.owned)
		m.mu.Unlock()

		m.logger.Warn("partition: lease lost on renew", "partition_id", lease.PartitionID, "error", err)
		if m.metrics != nil {
			m.metrics.LeaseRenewErrors.Inc()
			m.metrics.PartitionsOwned.Set(float64(ownedCount))
		}
		if m.observer != nil {
			m.observer.Released(ctx, lease, ReleaseReasonLeaseLost)
		}
	}
}

// Stop cancels both loops and releases every owned lease in parallel,
// best-effort, returning once every release attempt and observer
// notification has completed.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	owned := make([]model.Lease, 0, len(m.owned))
	for _, l := range m.owned {
		owned = append(owned, l)
	}
	m.owned = make(map[model.PartitionID]model.Lease)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PartitionsOwned.Set(0)
	}

	sem := semaphore.NewWeighted(m.maxReleaseConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	for _, lease := range owned {
		lease := lease
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			if err := m.store.Release(gctx, lease); err != nil {
				m.logger.Warn("partition: release failed on shutdown", "partition_id", lease.PartitionID, "error", err)
			}
			if m.observer != nil {
				m.observer.Released(gctx, lease, ReleaseReasonShutdown)
			}
			return nil
		})
	}
	return g.Wait()
}

// OwnedPartitions returns the partitions currently held by this
// worker.
func (m *Manager) OwnedPartitions() []model.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Lease, 0, len(m.owned))
	for _, l := range m.owned {
		out = append(out, l)
	}
	return out
}
