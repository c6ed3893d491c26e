package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/gled4er/durabletask/internal/metrics"
	"github.com/gled4er/durabletask/pkg/model"
)

// partitionSessions holds one partition's instance sessions and its
// FIFO of sessions that are READY to be claimed by getNextSession.
type partitionSessions struct {
	mu        sync.Mutex
	instances map[model.InstanceID]*OrchestrationSession
	readyFIFO []*OrchestrationSession
	signal    chan struct{}
	done      chan struct{}
	canceled  bool
	metrics   *metrics.Registry
}

func newPartitionSessions(reg *metrics.Registry) *partitionSessions {
	return &partitionSessions{
		instances: make(map[model.InstanceID]*OrchestrationSession),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		metrics:   reg,
	}
}

func (ps *partitionSessions) wake() {
	select {
	case ps.signal <- struct{}{}:
	default:
	}
}

func (ps *partitionSessions) pushReadyLocked(sess *OrchestrationSession) {
	sess.state = StateReady
	ps.readyFIFO = append(ps.readyFIFO, sess)
	ps.wake()
	if ps.metrics != nil {
		ps.metrics.SessionsReady.Set(float64(len(ps.readyFIFO)))
	}
}

func (ps *partitionSessions) onMessages(ctx context.Context, m *Manager, partitionID model.PartitionID, instance model.OrchestrationInstance, msgs []model.MessageData) error {
	ps.mu.Lock()

	sess, exists := ps.instances[instance.InstanceID]
	if !exists {
		sess = &OrchestrationSession{Instance: instance, OwningPartitionID: partitionID, state: StateIdle}
		ps.instances[instance.InstanceID] = sess
	}

	switch sess.state {
	case StateIdle:
		sess.state = StateFetchingHistory
		sess.pendingNext = msgs
		ps.mu.Unlock()
		return ps.fetchAndReady(ctx, m, sess)

	case StateFetchingHistory:
		sess.pendingNext = append(sess.pendingNext, msgs...)
		ps.mu.Unlock()
		if m.metrics != nil {
			m.metrics.MessagesCoalesced.Add(float64(len(msgs)))
		}
		return nil

	case StateReady:
		sess.CurrentBatch = append(sess.CurrentBatch, msgs...)
		ps.mu.Unlock()
		if m.metrics != nil {
			m.metrics.MessagesCoalesced.Add(float64(len(msgs)))
		}
		return nil

	case StateLeasedOut:
		sess.pendingNext = append(sess.pendingNext, msgs...)
		ps.mu.Unlock()
		if m.metrics != nil {
			m.metrics.MessagesCoalesced.Add(float64(len(msgs)))
		}
		return nil

	case StateReleased, StateCanceled:
		delete(ps.instances, instance.InstanceID)
		ps.mu.Unlock()
		return ps.onMessages(ctx, m, partitionID, instance, msgs)

	default:
		ps.mu.Unlock()
		return fmt.Errorf("session: unhandled state %s for instance %s", sess.state, instance.InstanceID)
	}
}

func (ps *partitionSessions) fetchAndReady(ctx context.Context, m *Manager, sess *OrchestrationSession) error {
	events, etag, err := m.history.GetHistory(ctx, sess.Instance.InstanceID, sess.Instance.ExecutionID)
	if err != nil {
		return fmt.Errorf("session: fetch history for %s: %w", sess.Instance.InstanceID, err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if sess.state != StateFetchingHistory {
		// The session was canceled (partition released) while the fetch
		// was in flight; leave it alone.
		return nil
	}

	sess.RuntimeState = model.NewOrchestrationRuntimeState(sess.Instance, events)
	sess.ETag = etag
	sess.CurrentBatch = sess.pendingNext
	sess.pendingNext = nil
	ps.pushReadyLocked(sess)
	return nil
}

func (ps *partitionSessions) getNext(ctx context.Context) (*OrchestrationSession, error) {
	for {
		ps.mu.Lock()
		if ps.canceled {
			ps.mu.Unlock()
			return nil, nil
		}
		if len(ps.readyFIFO) > 0 {
			sess := ps.readyFIFO[0]
			ps.readyFIFO = ps.readyFIFO[1:]
			sess.state = StateLeasedOut
			if ps.metrics != nil {
				ps.metrics.SessionsReady.Set(float64(len(ps.readyFIFO)))
				ps.metrics.SessionsLeasedOut.Inc()
			}
			ps.mu.Unlock()
			return sess, nil
		}
		ps.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-ps.done:
			return nil, nil
		case <-ps.signal:
		}
	}
}

func (ps *partitionSessions) release(instanceID model.InstanceID, extendedSessions, workerOwnsPartition bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	sess, ok := ps.instances[instanceID]
	if !ok || sess.state != StateLeasedOut {
		return
	}
	if ps.metrics != nil {
		ps.metrics.SessionsLeasedOut.Dec()
	}

	hasPending := len(sess.pendingNext) > 0
	if workerOwnsPartition && (hasPending || extendedSessions) {
		if hasPending {
			sess.CurrentBatch = sess.pendingNext
			sess.pendingNext = nil
			ps.pushReadyLocked(sess)
		} else {
			sess.state = StateIdle
		}
		return
	}

	sess.state = StateReleased
	delete(ps.instances, instanceID)
}

func (ps *partitionSessions) cancel() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.canceled {
		return
	}
	ps.canceled = true
	for _, sess := range ps.instances {
		sess.state = StateCanceled
	}
	ps.readyFIFO = nil
	close(ps.done)
}
