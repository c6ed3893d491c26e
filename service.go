package durabletask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gled4er/durabletask/internal/checkpoint"
	"github.com/gled4er/durabletask/internal/codec"
	"github.com/gled4er/durabletask/internal/logging"
	"github.com/gled4er/durabletask/internal/metrics"
	"github.com/gled4er/durabletask/internal/mq"
	"github.com/gled4er/durabletask/internal/partition"
	"github.com/gled4er/durabletask/internal/session"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

// TaskOrchestrationWorkItem is a single dequeued, session-coalesced
// batch handed to the dispatcher host by LockNextTaskOrchestrationWorkItem.
type TaskOrchestrationWorkItem struct {
	Session     *session.OrchestrationSession
	PartitionID model.PartitionID
}

// TaskActivityWorkItem is a single dequeued activity invocation handed
// to the dispatcher host by LockNextTaskActivityWorkItem.
type TaskActivityWorkItem struct {
	MessageData model.MessageData
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the Service's default no-op logger; it is
// threaded into every owned component (PartitionManager, SessionManager,
// checkpoint.Coordinator).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics registers every component's counters and histograms
// against reg instead of the Service's default private registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// Service is the OrchestrationService facade: it wires PartitionManager,
// SessionManager and the checkpoint Coordinator over a concrete backend,
// and implements both the work-item contract (to the dispatcher host)
// and the client contract (to callers starting/inspecting orchestrations).
type Service struct {
	cfg Configuration

	leaseStore   ports.LeaseStore
	historyStore ports.HistoryStore
	queue        ports.MessageQueue
	codec        *codec.LargeMessageCodec

	controlQueues []*mq.ControlQueue
	workItems     *mq.WorkItemQueue

	partitionMgr *partition.Manager
	sessionMgr   *session.Manager
	checkpoint   *checkpoint.Coordinator

	logger  *slog.Logger
	metrics *metrics.Registry

	orchestrationReady chan *TaskOrchestrationWorkItem

	mu               sync.Mutex
	partitionCancels map[model.PartitionID]context.CancelFunc
	wg               sync.WaitGroup
}

// New builds a Service over the given backend. cfg must pass Validate.
func New(cfg Configuration, leaseStore ports.LeaseStore, historyStore ports.HistoryStore, queue ports.MessageQueue, blobs ports.BlobStore, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("durabletask: invalid configuration: %w", err)
	}

	s := &Service{
		cfg:                cfg,
		leaseStore:         leaseStore,
		historyStore:       historyStore,
		queue:              queue,
		logger:             logging.NewNop(),
		orchestrationReady: make(chan *TaskOrchestrationWorkItem, cfg.MaxConcurrentTaskOrchestrationWorkItems),
		partitionCancels:   make(map[model.PartitionID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(cfg.TaskHubName)
	}

	s.codec = codec.New(blobs)
	s.controlQueues = make([]*mq.ControlQueue, cfg.PartitionCount)
	for i := 0; i < cfg.PartitionCount; i++ {
		pid := mq.PartitionID(cfg.TaskHubName, i)
		qname := mq.ControlQueueName(cfg.TaskHubName, i)
		s.controlQueues[i] = mq.NewControlQueue(pid, qname, queue, s.codec, cfg.ControlQueueBatchSize, cfg.ControlQueueVisibilityTimeout)
	}
	s.workItems = mq.NewWorkItemQueue(mq.WorkItemQueueName(cfg.TaskHubName), queue, s.codec, cfg.WorkItemQueueVisibilityTimeout)

	s.sessionMgr = session.New(historyStore,
		session.WithLogger(s.logger),
		session.WithExtendedSessions(cfg.ExtendedSessionsEnabled),
		session.WithMetrics(s.metrics),
	)

	s.partitionMgr = partition.New(
		leaseStore, s, cfg.TaskHubName, cfg.WorkerID, cfg.PartitionCount,
		cfg.LeaseAcquireInterval, cfg.LeaseRenewInterval, cfg.LeaseInterval,
		partition.WithLogger(s.logger),
		partition.WithMetrics(s.metrics),
	)

	s.checkpoint = checkpoint.NewCoordinator(
		cfg.TaskHubName, cfg.PartitionCount, queue, s.codec, cfg.ControlQueueBatchSize, cfg.ControlQueueVisibilityTimeout,
		s.workItems, historyStore, s.sessionMgr, cfg.MaxStorageOperationConcurrency, s.ownsPartition,
		checkpoint.WithLogger(s.logger),
		checkpoint.WithMetrics(s.metrics),
	)

	return s, nil
}

// Metrics returns the registry backing this Service's components, for
// hosts to expose on a /metrics endpoint.
func (s *Service) Metrics() *metrics.Registry {
	return s.metrics
}

// OwnedPartitions returns the partitions this worker currently holds a
// lease on.
func (s *Service) OwnedPartitions() []model.Lease {
	return s.partitionMgr.OwnedPartitions()
}

func (s *Service) ownsPartition(partitionID model.PartitionID) bool {
	for _, lease := range s.partitionMgr.OwnedPartitions() {
		if lease.PartitionID == partitionID {
			return true
		}
	}
	return false
}

func (s *Service) controlQueueForInstance(instanceID model.InstanceID) *mq.ControlQueue {
	return s.controlQueues[mq.PartitionIndex(instanceID, s.cfg.PartitionCount)]
}

func (s *Service) controlQueueForPartition(partitionID model.PartitionID) *mq.ControlQueue {
	for i := 0; i < s.cfg.PartitionCount; i++ {
		if mq.PartitionID(s.cfg.TaskHubName, i) == partitionID {
			return s.controlQueues[i]
		}
	}
	return nil
}

// Acquired implements partition.Observer: it opens the session FIFO for
// the newly-owned partition and starts its feeder/drainer loops.
func (s *Service) Acquired(ctx context.Context, lease model.Lease) {
	s.sessionMgr.RegisterPartition(lease.PartitionID)

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.partitionCancels[lease.PartitionID] = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runPartitionFeeder(pumpCtx, lease.PartitionID)
	go s.runPartitionDrainer(pumpCtx, lease.PartitionID)
}

// Released implements partition.Observer: it stops the partition's
// loops and cancels every session checked out from it.
func (s *Service) Released(ctx context.Context, lease model.Lease, reason partition.ReleaseReason) {
	s.mu.Lock()
	cancel, ok := s.partitionCancels[lease.PartitionID]
	delete(s.partitionCancels, lease.PartitionID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.sessionMgr.UnregisterPartition(lease.PartitionID)
}

func (s *Service) runPartitionFeeder(ctx context.Context, partitionID model.PartitionID) {
	defer s.wg.Done()
	cq := s.controlQueueForPartition(partitionID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := cq.DequeueBatch(ctx)
		if err != nil {
			s.logger.Warn("durabletask: dequeue control batch failed", "partition_id", partitionID, "err", err)
			time.Sleep(time.Second)
			continue
		}
		if len(batch) == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		byInstance := make(map[model.InstanceID][]model.MessageData)
		order := make([]model.InstanceID, 0, len(batch))
		for _, md := range batch {
			instanceID := md.TaskMessage.Instance.InstanceID
			if _, seen := byInstance[instanceID]; !seen {
				order = append(order, instanceID)
			}
			byInstance[instanceID] = append(byInstance[instanceID], *md)
		}

		for _, instanceID := range order {
			msgs := byInstance[instanceID]
			instance := msgs[0].TaskMessage.Instance
			if err := s.sessionMgr.OnMessagesReceived(ctx, partitionID, instance, msgs); err != nil {
				s.logger.Error("durabletask: route inbound batch to session failed",
					"instance_id", instanceID, "partition_id", partitionID, "err", err)
			}
		}
	}
}

func (s *Service) runPartitionDrainer(ctx context.Context, partitionID model.PartitionID) {
	defer s.wg.Done()
	for {
		sess, err := s.sessionMgr.GetNextSession(ctx, partitionID)
		if err != nil {
			s.logger.Error("durabletask: get next session failed", "partition_id", partitionID, "err", err)
			return
		}
		if sess == nil {
			return
		}
		select {
		case s.orchestrationReady <- &TaskOrchestrationWorkItem{Session: sess, PartitionID: partitionID}:
		case <-ctx.Done():
			return
		}
	}
}

// Start initializes the lease store and begins the PartitionManager's
// acquire/renew loops, which in turn drive session dispatch via the
// Acquired/Released callbacks above.
func (s *Service) Start(ctx context.Context) error {
	if err := s.partitionMgr.Initialize(ctx); err != nil {
		return fmt.Errorf("durabletask: initialize partitions: %w", err)
	}
	s.partitionMgr.Start(ctx)
	return nil
}

// Stop releases every owned partition lease and waits for their
// feeder/drainer loops to exit.
func (s *Service) Stop(ctx context.Context) error {
	err := s.partitionMgr.Stop(ctx)
	s.wg.Wait()
	return err
}

// LockNextTaskOrchestrationWorkItem blocks up to receiveTimeout for a
// READY session on any partition this worker owns.
func (s *Service) LockNextTaskOrchestrationWorkItem(ctx context.Context, receiveTimeout time.Duration) (*TaskOrchestrationWorkItem, error) {
	timer := time.NewTimer(receiveTimeout)
	defer timer.Stop()
	select {
	case item := <-s.orchestrationReady:
		return item, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RenewTaskOrchestrationWorkItemLock extends every inbound message's
// visibility window, keeping the batch from being redelivered while the
// host is still processing it.
func (s *Service) RenewTaskOrchestrationWorkItemLock(ctx context.Context, w *TaskOrchestrationWorkItem) error {
	q := s.controlQueueForPartition(w.PartitionID)
	for i := range w.Session.CurrentBatch {
		if err := q.Renew(ctx, &w.Session.CurrentBatch[i]); err != nil {
			return fmt.Errorf("durabletask: renew orchestration work item lock: %w", err)
		}
	}
	return nil
}

// CompleteTaskOrchestrationWorkItem runs the three-phase checkpoint for
// w. req.Session is overwritten with w.Session so callers only need to
// fill in the produced runtime state and outbound effects.
func (s *Service) CompleteTaskOrchestrationWorkItem(ctx context.Context, w *TaskOrchestrationWorkItem, req *checkpoint.Request) error {
	req.Session = w.Session
	return s.checkpoint.Complete(ctx, req)
}

// AbandonTaskOrchestrationWorkItem restores the inbound batch's
// visibility and releases the session, per the abandon contract.
func (s *Service) AbandonTaskOrchestrationWorkItem(ctx context.Context, w *TaskOrchestrationWorkItem) {
	s.checkpoint.Abandon(ctx, w.Session)
}

// ReleaseTaskOrchestrationWorkItem releases w's session without
// abandoning or completing it, e.g. when the host is shutting down.
func (s *Service) ReleaseTaskOrchestrationWorkItem(w *TaskOrchestrationWorkItem) {
	s.sessionMgr.ReleaseSession(w.PartitionID, w.Session.Instance.InstanceID, s.ownsPartition(w.PartitionID))
}

// LockNextTaskActivityWorkItem polls the shared work-item queue until an
// invocation is available or receiveTimeout elapses.
func (s *Service) LockNextTaskActivityWorkItem(ctx context.Context, receiveTimeout time.Duration) (*TaskActivityWorkItem, error) {
	deadline := time.Now().Add(receiveTimeout)
	for {
		md, err := s.workItems.DequeueOne(ctx)
		if err != nil {
			return nil, fmt.Errorf("durabletask: dequeue activity work item: %w", err)
		}
		if md != nil {
			return &TaskActivityWorkItem{MessageData: *md}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RenewTaskActivityWorkItemLock extends w's visibility window.
func (s *Service) RenewTaskActivityWorkItemLock(ctx context.Context, w *TaskActivityWorkItem) error {
	return s.workItems.Renew(ctx, &w.MessageData)
}

// CompleteTaskActivityWorkItem posts response onto the originating
// instance's control queue, then deletes the activity invocation.
func (s *Service) CompleteTaskActivityWorkItem(ctx context.Context, w *TaskActivityWorkItem, response *model.TaskMessage) error {
	q := s.controlQueueForInstance(response.Instance.InstanceID)
	if err := q.Enqueue(ctx, response.Instance.InstanceID, response, 0); err != nil {
		return fmt.Errorf("durabletask: post activity response: %w", err)
	}
	if err := s.workItems.Delete(ctx, &w.MessageData); err != nil {
		return fmt.Errorf("durabletask: delete completed activity work item: %w", err)
	}
	return nil
}

// AbandonTaskActivityWorkItem restores w's visibility immediately.
func (s *Service) AbandonTaskActivityWorkItem(ctx context.Context, w *TaskActivityWorkItem) error {
	return s.workItems.Abandon(ctx, &w.MessageData)
}

// CreateTaskOrchestration writes the instance's initial history row and
// enqueues its ExecutionStarted message onto the instance's control
// queue. dedupeStatuses, if non-empty, lists the statuses an existing
// instance with the same ID must be in for the create to proceed;
// non-terminal existing instances are always rejected.
func (s *Service) CreateTaskOrchestration(ctx context.Context, instance model.OrchestrationInstance, name, input string, dedupeStatuses []model.OrchestrationStatus) error {
	existing, err := s.historyStore.GetState(ctx, instance.InstanceID, false)
	if err != nil {
		return fmt.Errorf("durabletask: check existing instance: %w", err)
	}
	if len(existing) > 0 {
		status := existing[0].RuntimeStatus
		if !status.IsTerminal() {
			return model.ErrDuplicateInstance
		}
		if len(dedupeStatuses) > 0 && !statusIn(status, dedupeStatuses) {
			return model.ErrDuplicateInstance
		}
	}

	started := &model.HistoryEvent{
		Type:      model.EventExecutionStarted,
		Timestamp: time.Now(),
		ExecutionStarted: &model.ExecutionStartedEvent{
			Name:     name,
			Instance: instance,
			Input:    input,
		},
	}
	if err := s.historyStore.SetNewExecution(ctx, started); err != nil {
		return fmt.Errorf("durabletask: set new execution: %w", err)
	}

	msg := &model.TaskMessage{Event: started, Instance: instance}
	q := s.controlQueueForInstance(instance.InstanceID)
	if err := q.Enqueue(ctx, instance.InstanceID, msg, 0); err != nil {
		return fmt.Errorf("durabletask: enqueue execution started message: %w", err)
	}
	return nil
}

func statusIn(status model.OrchestrationStatus, allowed []model.OrchestrationStatus) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// SendTaskOrchestrationMessage routes msg to the instance's control
// queue by hash of its target instance ID.
func (s *Service) SendTaskOrchestrationMessage(ctx context.Context, instance model.OrchestrationInstance, msg *model.TaskMessage) error {
	q := s.controlQueueForInstance(instance.InstanceID)
	if err := q.Enqueue(ctx, instance.InstanceID, msg, 0); err != nil {
		return fmt.Errorf("durabletask: send orchestration message: %w", err)
	}
	return nil
}

// SendTaskOrchestrationMessageBatch sends every message in msgs.
func (s *Service) SendTaskOrchestrationMessageBatch(ctx context.Context, instance model.OrchestrationInstance, msgs []*model.TaskMessage) error {
	for _, msg := range msgs {
		if err := s.SendTaskOrchestrationMessage(ctx, instance, msg); err != nil {
			return err
		}
	}
	return nil
}

// ForceTerminateTaskOrchestration posts an ExecutionTerminated event to
// instanceId's control queue; the next work item applies it.
func (s *Service) ForceTerminateTaskOrchestration(ctx context.Context, instanceID model.InstanceID, reason string) error {
	states, err := s.historyStore.GetState(ctx, instanceID, false)
	if err != nil {
		return fmt.Errorf("durabletask: terminate lookup: %w", err)
	}
	if len(states) == 0 {
		return model.ErrInstanceNotFound
	}
	instance := states[0].Instance
	msg := &model.TaskMessage{
		Event:    &model.HistoryEvent{Type: model.EventExecutionTerminated, Timestamp: time.Now(), ExecutionTerminated: &model.ExecutionTerminatedEvent{Reason: reason}},
		Instance: instance,
	}
	return s.SendTaskOrchestrationMessage(ctx, instance, msg)
}

// RewindTaskOrchestration neutralizes the failure(s) recorded in
// instanceId's history (and any descendant sub-orchestrations) and
// nudges each back onto its control queue so replay resumes.
func (s *Service) RewindTaskOrchestration(ctx context.Context, instanceID model.InstanceID, reason string) error {
	descendants, err := s.historyStore.RewindHistory(ctx, instanceID, reason)
	if err != nil {
		return fmt.Errorf("durabletask: rewind history: %w", err)
	}

	for _, id := range append([]model.InstanceID{instanceID}, descendants...) {
		instance := model.OrchestrationInstance{InstanceID: id}
		msg := &model.TaskMessage{
			Event:    &model.HistoryEvent{Type: model.EventEventRaised, Timestamp: time.Now(), EventRaised: &model.EventRaisedEvent{Name: "RewindRevival", Input: reason}},
			Instance: instance,
		}
		if err := s.SendTaskOrchestrationMessage(ctx, instance, msg); err != nil {
			return fmt.Errorf("durabletask: nudge rewound instance %s: %w", id, err)
		}
	}
	return nil
}

// GetOrchestrationState returns the summary metadata for instanceId. If
// executionID is non-empty, only that execution's summary is returned
// (nil if no execution with that ID exists); otherwise every execution
// is returned when allExecutions is set, else only the latest.
func (s *Service) GetOrchestrationState(ctx context.Context, instanceID model.InstanceID, executionID model.ExecutionID, allExecutions bool) ([]model.OrchestrationMetadata, error) {
	states, err := s.historyStore.GetState(ctx, instanceID, allExecutions || executionID != "")
	if err != nil {
		return nil, err
	}
	if executionID == "" {
		return states, nil
	}
	for _, st := range states {
		if st.Instance.ExecutionID == executionID {
			return []model.OrchestrationMetadata{st}, nil
		}
	}
	return nil, nil
}

// QueryOrchestrationStates returns the latest-execution summary for
// every instance matching filter.
func (s *Service) QueryOrchestrationStates(ctx context.Context, filter ports.HistoryStateFilter) ([]model.OrchestrationMetadata, error) {
	return s.historyStore.QueryState(ctx, filter)
}

// GetOrchestrationHistory returns executionId's committed event history
// as a JSON array.
func (s *Service) GetOrchestrationHistory(ctx context.Context, instanceID model.InstanceID, executionID model.ExecutionID) (string, error) {
	events, _, err := s.historyStore.GetHistory(ctx, instanceID, executionID)
	if err != nil {
		return "", fmt.Errorf("durabletask: get orchestration history: %w", err)
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("durabletask: marshal orchestration history: %w", err)
	}
	return string(data), nil
}

// PurgeInstanceHistory removes instanceId's history rows through the
// HistoryStore; off-loaded blobs referenced by them are not deleted.
func (s *Service) PurgeInstanceHistory(ctx context.Context, instanceID model.InstanceID) error {
	return s.historyStore.PurgeInstanceHistory(ctx, instanceID)
}

// WaitForOrchestration polls GetOrchestrationState every two seconds
// until instanceId reaches a terminal status or timeout/ctx elapses.
func (s *Service) WaitForOrchestration(ctx context.Context, instanceID model.InstanceID, timeout time.Duration) (model.OrchestrationMetadata, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		states, err := s.historyStore.GetState(ctx, instanceID, false)
		if err != nil {
			return model.OrchestrationMetadata{}, err
		}
		if len(states) > 0 && states[0].RuntimeStatus.IsTerminal() {
			return states[0], nil
		}
		if time.Now().After(deadline) {
			return model.OrchestrationMetadata{}, errors.New("durabletask: wait for orchestration timed out")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return model.OrchestrationMetadata{}, ctx.Err()
		}
	}
}
