package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

type execution struct {
	events    []*model.HistoryEvent
	etag      string
	meta      model.OrchestrationMetadata
	blobNames map[string]struct{}
}

type instance struct {
	latest     model.ExecutionID
	executions map[model.ExecutionID]*execution
}

// HistoryStore is an in-memory ports.HistoryStore.
type HistoryStore struct {
	mu        sync.Mutex
	instances map[model.InstanceID]*instance
}

// NewHistoryStore creates an empty in-memory HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{instances: make(map[model.InstanceID]*instance)}
}

func cloneEvents(events []*model.HistoryEvent) []*model.HistoryEvent {
	out := make([]*model.HistoryEvent, len(events))
	copy(out, events)
	return out
}

// GetHistory returns the committed event history for an instance.
func (s *HistoryStore) GetHistory(ctx context.Context, instanceID model.InstanceID, executionID model.ExecutionID) ([]*model.HistoryEvent, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, "", model.ErrInstanceNotFound
	}
	if executionID == "" {
		executionID = inst.latest
	}
	exec, ok := inst.executions[executionID]
	if !ok {
		return nil, "", model.ErrInstanceNotFound
	}
	return cloneEvents(exec.events), exec.etag, nil
}

// UpdateState appends newState's pending events under optimistic
// concurrency control.
func (s *HistoryStore) UpdateState(ctx context.Context, newState *model.OrchestrationRuntimeState, expectedETag string, blobNames map[int]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[newState.Instance.InstanceID]
	if !ok {
		return "", model.ErrInstanceNotFound
	}
	executionID := newState.Instance.ExecutionID
	if executionID == "" {
		executionID = inst.latest
	}
	exec, ok := inst.executions[executionID]
	if !ok {
		return "", model.ErrInstanceNotFound
	}
	if exec.etag != expectedETag {
		return "", model.ErrPreconditionFailed
	}

	exec.events = append(exec.events, newState.NewEvents...)
	exec.etag = uuid.NewString()
	exec.meta.RuntimeStatus = newState.RuntimeStatus()
	exec.meta.LastUpdatedAt = time.Now()
	if newState.CustomStatus != nil {
		exec.meta.CustomStatus = *newState.CustomStatus
	}
	for idx, name := range blobNames {
		_ = idx
		exec.blobNames[name] = struct{}{}
	}

	return exec.etag, nil
}

// SetNewExecution allocates the instance summary row from an
// ExecutionStarted event.
func (s *HistoryStore) SetNewExecution(ctx context.Context, started *model.HistoryEvent) error {
	if started.ExecutionStarted == nil {
		return fmt.Errorf("memstore: SetNewExecution requires an ExecutionStarted event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := started.ExecutionStarted.Instance
	rec, ok := s.instances[inst.InstanceID]
	if !ok {
		rec = &instance{executions: make(map[model.ExecutionID]*execution)}
		s.instances[inst.InstanceID] = rec
	}

	rec.latest = inst.ExecutionID
	rec.executions[inst.ExecutionID] = &execution{
		events:    []*model.HistoryEvent{started},
		etag:      uuid.NewString(),
		blobNames: make(map[string]struct{}),
		meta: model.OrchestrationMetadata{
			Instance:      inst,
			Name:          started.ExecutionStarted.Name,
			RuntimeStatus: model.StatusRunning,
			CreatedAt:     started.Timestamp,
			LastUpdatedAt: started.Timestamp,
			Input:         started.ExecutionStarted.Input,
		},
	}
	return nil
}

// GetState returns the summary metadata for an instance.
func (s *HistoryStore) GetState(ctx context.Context, instanceID model.InstanceID, allExecutions bool) ([]model.OrchestrationMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, nil
	}

	if !allExecutions {
		exec, ok := inst.executions[inst.latest]
		if !ok {
			return nil, nil
		}
		return []model.OrchestrationMetadata{exec.meta}, nil
	}

	out := make([]model.OrchestrationMetadata, 0, len(inst.executions))
	if exec, ok := inst.executions[inst.latest]; ok {
		out = append(out, exec.meta)
	}
	for id, exec := range inst.executions {
		if id == inst.latest {
			continue
		}
		out = append(out, exec.meta)
	}
	if len(out) > 1 {
		older := out[1:]
		sort.Slice(older, func(i, j int) bool { return older[i].CreatedAt.After(older[j].CreatedAt) })
	}
	return out, nil
}

// QueryState returns summary metadata for every instance matching
// filter.
func (s *HistoryStore) QueryState(ctx context.Context, filter ports.HistoryStateFilter) ([]model.OrchestrationMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusAllowed := func(st model.OrchestrationStatus) bool {
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, s := range filter.Statuses {
			if s == st {
				return true
			}
		}
		return false
	}

	var out []model.OrchestrationMetadata
	for _, inst := range s.instances {
		exec, ok := inst.executions[inst.latest]
		if !ok {
			continue
		}
		if !filter.CreatedTimeFrom.IsZero() && exec.meta.CreatedAt.Before(filter.CreatedTimeFrom) {
			continue
		}
		if !filter.CreatedTimeTo.IsZero() && exec.meta.CreatedAt.After(filter.CreatedTimeTo) {
			continue
		}
		if !statusAllowed(exec.meta.RuntimeStatus) {
			continue
		}
		out = append(out, exec.meta)
	}
	return out, nil
}

// RewindHistory neutralizes the most recent failure marker in an
// instance's latest execution so replay can reach a live state again.
// The in-memory backend tracks no sub-orchestration lineage, so it
// always returns an empty descendant list.
func (s *HistoryStore) RewindHistory(ctx context.Context, instanceID model.InstanceID, reason string) ([]model.InstanceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, model.ErrInstanceNotFound
	}
	exec, ok := inst.executions[inst.latest]
	if !ok {
		return nil, model.ErrInstanceNotFound
	}

	for _, e := range exec.events {
		if e.Type == model.EventExecutionCompleted && e.ExecutionCompleted != nil && e.ExecutionCompleted.FailureDetails != nil {
			e.ExecutionCompleted.FailureDetails = nil
		}
	}
	exec.meta.RuntimeStatus = model.StatusRunning
	exec.meta.FailureDetails = nil
	exec.etag = uuid.NewString()
	return nil, nil
}

// PurgeInstanceHistory removes every row for an instance.
func (s *HistoryStore) PurgeInstanceHistory(ctx context.Context, instanceID model.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	return nil
}
