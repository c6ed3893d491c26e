package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gled4er/durabletask/internal/logging"
	"github.com/gled4er/durabletask/internal/metrics"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the Manager's default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithExtendedSessions keeps a released session registered in IDLE,
// instead of dropping it, when the worker still owns its partition and
// no next batch is pending. An IDLE session reloads its history from the
// HistoryStore when its next batch arrives; its cached runtime state is
// not reused.
func WithExtendedSessions(enabled bool) Option {
	return func(m *Manager) { m.extendedSessions = enabled }
}

// WithMetrics records ready/leased-out session counts and coalescing
// against reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// Manager is the SessionManager: one per worker, holding the FIFO of
// ready sessions for every partition that worker currently owns.
type Manager struct {
	history ports.HistoryStore

	extendedSessions bool
	logger           *slog.Logger
	metrics          *metrics.Registry

	mu         sync.Mutex
	partitions map[model.PartitionID]*partitionSessions
}

// New builds a Manager backed by history for loading runtime state on
// a session's first batch.
func New(history ports.HistoryStore, opts ...Option) *Manager {
	m := &Manager{
		history:    history,
		logger:     logging.NewNop(),
		partitions: make(map[model.PartitionID]*partitionSessions),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPartition opens a fresh FIFO for partitionID. Call this from
// the PartitionManager's Observer.Acquired callback, strictly before
// any message dispatch for that partition begins.
func (m *Manager) RegisterPartition(partitionID model.PartitionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[partitionID]; !ok {
		m.partitions[partitionID] = newPartitionSessions(m.metrics)
	}
}

// UnregisterPartition cancels every live session on partitionID and
// drops its FIFO. Call this from Observer.Released, strictly before
// the partition's control queue is torn down.
func (m *Manager) UnregisterPartition(partitionID model.PartitionID) {
	m.mu.Lock()
	ps, ok := m.partitions[partitionID]
	delete(m.partitions, partitionID)
	m.mu.Unlock()
	if ok {
		ps.cancel()
	}
}

func (m *Manager) partition(partitionID model.PartitionID) (*partitionSessions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.partitions[partitionID]
	return ps, ok
}

// OnMessagesReceived routes a freshly dequeued batch of messages for
// instanceID into its session, creating the session (and kicking off a
// history load) on its first batch, or coalescing onto the existing
// session's pending-next batch otherwise.
func (m *Manager) OnMessagesReceived(ctx context.Context, partitionID model.PartitionID, instance model.OrchestrationInstance, msgs []model.MessageData) error {
	ps, ok := m.partition(partitionID)
	if !ok {
		return fmt.Errorf("session: partition %s is not registered", partitionID)
	}
	return ps.onMessages(ctx, m, partitionID, instance, msgs)
}

// GetNextSession blocks until a READY session exists on partitionID,
// pops and marks it LEASED_OUT, and returns it. Returns nil, nil if ctx
// is canceled first or the partition was unregistered.
func (m *Manager) GetNextSession(ctx context.Context, partitionID model.PartitionID) (*OrchestrationSession, error) {
	ps, ok := m.partition(partitionID)
	if !ok {
		return nil, fmt.Errorf("session: partition %s is not registered", partitionID)
	}
	return ps.getNext(ctx)
}

// ReleaseSession transitions a LEASED_OUT session back to READY (if
// workerOwnsPartition and a pending next batch exists), to IDLE (if
// workerOwnsPartition, extended sessions are enabled and nothing is
// pending), or otherwise drops it entirely.
func (m *Manager) ReleaseSession(partitionID model.PartitionID, instanceID model.InstanceID, workerOwnsPartition bool) {
	ps, ok := m.partition(partitionID)
	if !ok {
		return
	}
	ps.release(instanceID, m.extendedSessions, workerOwnsPartition)
}
