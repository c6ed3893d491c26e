// Package checkpoint implements completeOrchestrationWorkItem: the
// three-phase protocol that commits a processed batch's effects (Phase
// 1: outbound messages), then its history (Phase 2), then retires the
// inbound batch that produced it (Phase 3). Phase order is load-bearing:
// a crash between any two phases must leave the system in a state where
// a retry reproduces the same outcome, never a partial one.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/internal/logging"
	"github.com/gled4er/durabletask/internal/metrics"
	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/internal/session"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// OrchestratorMessage is a message produced for another (or the same)
// instance's control queue, routed by instance-id hash.
type OrchestratorMessage struct {
	TargetInstanceID model.InstanceID
	Message          model.TaskMessage
}

// TimerMessage is a self-addressed control-queue message whose delivery
// is deferred until FireAt.
type TimerMessage struct {
	Message model.TaskMessage
	FireAt  time.Time
}

// Request bundles everything one completeOrchestrationWorkItem call
// needs: the session the batch was claimed from, the runtime state it
// produced, and every outbound effect.
type Request struct {
	Session              *session.OrchestrationSession
	NewRuntimeState      *model.OrchestrationRuntimeState
	BlobNames            map[int]string
	OutboundActivities   []model.TaskMessage
	OrchestratorMessages []OrchestratorMessage
	TimerMessages        []TimerMessage

	// ContinuedAsNewMessage, if set, carries the ExecutionStarted event
	// for the instance's next execution (same InstanceID, a fresh
	// ExecutionID). Its Event must be an ExecutionStarted event; Phase 1
	// calls SetNewExecution with it before enqueuing it.
	ContinuedAsNewMessage *model.TaskMessage
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the Coordinator's default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics records per-phase latency and completion/abandon counts
// against reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = reg }
}

// Coordinator runs completeOrchestrationWorkItem against a hub's full
// set of control queues (every partition, not only the ones this worker
// owns — sending to a partition never requires owning its lease), the
// shared work-item queue, the history store, and the SessionManager
// that owns abandon/release for the inbound batch.
type Coordinator struct {
	hubName        string
	partitionCount int
	controlQueues  []*mq.ControlQueue // indexed by partition index
	workItems      *mq.WorkItemQueue
	history        ports.HistoryStore
	sessions       *session.Manager
	ownsPartition  func(model.PartitionID) bool
	sem            *semaphore.Weighted
	logger         *slog.Logger
	metrics        *metrics.Registry
}

// NewCoordinator builds a Coordinator. queue and codec are the shared
// backend every control queue is built over; ownsPartition reports
// whether this worker currently holds the lease for a partition, which
// decides whether a released session may be kept warm.
func NewCoordinator(
	hubName string,
	partitionCount int,
	queue ports.MessageQueue,
	c *codec.LargeMessageCodec,
	controlQueueBatchSize int,
	controlVisibilityTimeout time.Duration,
	workItems *mq.WorkItemQueue,
	history ports.HistoryStore,
	sessions *session.Manager,
	maxStorageOperationConcurrency int64,
	ownsPartition func(model.PartitionID) bool,
	opts ...Option,
) *Coordinator {
	queues := make([]*mq.ControlQueue, partitionCount)
	for i := 0; i < partitionCount; i++ {
		pid := mq.PartitionID(hubName, i)
		qname := mq.ControlQueueName(hubName, i)
		queues[i] = mq.NewControlQueue(pid, qname, queue, c, controlQueueBatchSize, controlVisibilityTimeout)
	}

	co := &Coordinator{
		hubName:        hubName,
		partitionCount: partitionCount,
		controlQueues:  queues,
		workItems:      workItems,
		history:        history,
		sessions:       sessions,
		ownsPartition:  ownsPartition,
		sem:            semaphore.NewWeighted(maxStorageOperationConcurrency),
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// controlQueueForInstance resolves the partition an instance hashes to.
func (c *Coordinator) controlQueueForInstance(instanceID model.InstanceID) *mq.ControlQueue {
	idx := mq.PartitionIndex(instanceID, c.partitionCount)
	return c.controlQueues[idx]
}

// controlQueueForPartition resolves a partition's ControlQueue by its
// lease identity, as used by the *current* partition (timers,
// continue-as-new, and inbound-batch deletion all stay on it).
func (c *Coordinator) controlQueueForPartition(partitionID model.PartitionID) *mq.ControlQueue {
	for i := 0; i < c.partitionCount; i++ {
		if mq.PartitionID(c.hubName, i) == partitionID {
			return c.controlQueues[i]
		}
	}
	return nil
}

// Complete runs the three-phase checkpoint for req. On success Phase 3
// deletes the inbound batch; on a precondition failure or a Phase 1
// failure the abandon contract restores its visibility so it is
// redelivered. Any other Phase 2 failure is returned without abandoning
// the batch or releasing the session, so the inbound messages stay
// invisible until their visibility timeout lapses.
func (c *Coordinator) Complete(ctx context.Context, req *Request) error {
	sess := req.Session
	instanceID := sess.Instance.InstanceID

	phase1Start := time.Now()
	err := c.runPhase1(ctx, req)
	c.observePhase("phase1_outbound", phase1Start)
	if err != nil {
		c.logger.Warn("checkpoint: phase 1 failed, abandoning inbound batch",
			"instance_id", instanceID, "partition_id", sess.OwningPartitionID, "err", err)
		c.abandonInbound(ctx, sess)
		c.releaseSession(sess)
		if c.metrics != nil {
			c.metrics.CheckpointsAbandoned.Inc()
		}
		return fmt.Errorf("checkpoint: phase 1 commit outbound: %w", err)
	}

	phase2Start := time.Now()
	newETag, err := c.history.UpdateState(ctx, req.NewRuntimeState, sess.ETag, req.BlobNames)
	c.observePhase("phase2_history", phase2Start)
	if err != nil {
		if errors.Is(err, model.ErrPreconditionFailed) {
			c.logger.Info("checkpoint: precondition failed, abandoning for redelivery",
				"instance_id", instanceID, "partition_id", sess.OwningPartitionID)
			c.abandonInbound(ctx, sess)
			c.releaseSession(sess)
			if c.metrics != nil {
				c.metrics.CheckpointsAbandoned.Inc()
			}
			return nil
		}
		c.logger.Error("checkpoint: phase 2 history commit failed",
			"instance_id", instanceID, "partition_id", sess.OwningPartitionID, "err", err)
		return fmt.Errorf("checkpoint: phase 2 commit history: %w", err)
	}
	sess.ETag = newETag
	req.NewRuntimeState.OldEvents = req.NewRuntimeState.AllEvents()
	req.NewRuntimeState.NewEvents = nil
	sess.RuntimeState = req.NewRuntimeState

	phase3Start := time.Now()
	c.runPhase3(ctx, sess)
	c.observePhase("phase3_delete_inbound", phase3Start)
	c.releaseSession(sess)
	if c.metrics != nil {
		c.metrics.CheckpointsCompleted.Inc()
	}
	return nil
}

func (c *Coordinator) observePhase(phase string, start time.Time) {
	if c.metrics != nil {
		c.metrics.CheckpointPhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}

func (c *Coordinator) runPhase1(ctx context.Context, req *Request) error {
	sess := req.Session
	currentQueue := c.controlQueueForPartition(sess.OwningPartitionID)

	g, gctx := errgroup.WithContext(ctx)

	for _, om := range req.OrchestratorMessages {
		om := om
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			q := c.controlQueueForInstance(om.TargetInstanceID)
			return q.Enqueue(gctx, om.TargetInstanceID, &om.Message, 0)
		})
	}

	for _, tm := range req.TimerMessages {
		tm := tm
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			delay := time.Until(tm.FireAt)
			if delay < 0 {
				delay = 0
			}
			return currentQueue.Enqueue(gctx, sess.Instance.InstanceID, &tm.Message, delay)
		})
	}

	if req.ContinuedAsNewMessage != nil {
		msg := req.ContinuedAsNewMessage
		// The new execution's row must exist before anything can dequeue
		// and resolve msg by its ExecutionID, so this runs synchronously
		// ahead of the enqueue, mirroring CreateTaskOrchestration's
		// SetNewExecution-before-enqueue order for an instance's first
		// execution.
		if err := c.history.SetNewExecution(ctx, msg.Event); err != nil {
			return fmt.Errorf("checkpoint: start continued-as-new execution: %w", err)
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			return currentQueue.Enqueue(gctx, sess.Instance.InstanceID, msg, 0)
		})
	}

	for _, act := range req.OutboundActivities {
		act := act
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			return c.workItems.Enqueue(gctx, act.Instance.InstanceID, &act)
		})
	}

	return g.Wait()
}

func (c *Coordinator) runPhase3(ctx context.Context, sess *session.OrchestrationSession) {
	q := c.controlQueueForPartition(sess.OwningPartitionID)
	if q == nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range sess.CurrentBatch {
		md := &sess.CurrentBatch[i]
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.logger.Warn("checkpoint: phase 3 semaphore acquire failed", "err", err)
			continue
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			if err := q.Delete(gctx, md); err != nil {
				c.logger.Warn("checkpoint: phase 3 delete inbound message failed",
					"instance_id", sess.Instance.InstanceID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) abandonInbound(ctx context.Context, sess *session.OrchestrationSession) {
	q := c.controlQueueForPartition(sess.OwningPartitionID)
	if q == nil {
		return
	}
	for i := range sess.CurrentBatch {
		md := &sess.CurrentBatch[i]
		if err := q.Abandon(ctx, md); err != nil {
			c.logger.Warn("checkpoint: abandon inbound message failed",
				"instance_id", sess.Instance.InstanceID, "err", err)
		}
	}
}

// Abandon restores every inbound message in sess's current batch to
// visibility and releases the session, without touching history. This is
// the host-facing abandonTaskOrchestrationWorkItem operation: used when
// the dispatcher's own processing failed before it ever called Complete.
func (c *Coordinator) Abandon(ctx context.Context, sess *session.OrchestrationSession) {
	c.abandonInbound(ctx, sess)
	c.releaseSession(sess)
}

func (c *Coordinator) releaseSession(sess *session.OrchestrationSession) {
	owns := c.ownsPartition != nil && c.ownsPartition(sess.OwningPartitionID)
	c.sessions.ReleaseSession(sess.OwningPartitionID, sess.Instance.InstanceID, owns)
}
