package model

import "time"

// OrchestrationRuntimeState is the replayable in-memory projection of an
// instance's history: the ordered event log plus the pending effects
// produced by the most recent (not yet checkpointed) batch.
type OrchestrationRuntimeState struct {
	Instance OrchestrationInstance

	// OldEvents is the history already durably committed.
	OldEvents []*HistoryEvent

	// NewEvents is appended by the current work item; CompleteOrchestrationWorkItem
	// commits OldEvents+NewEvents as the new OldEvents.
	NewEvents []*HistoryEvent

	CustomStatus *string
}

// NewOrchestrationRuntimeState constructs a runtime state from previously
// committed history, ready to accept a new batch of events.
func NewOrchestrationRuntimeState(instance OrchestrationInstance, existing []*HistoryEvent) *OrchestrationRuntimeState {
	return &OrchestrationRuntimeState{
		Instance:  instance,
		OldEvents: existing,
	}
}

// AddEvent appends an event to the pending (not yet committed) set.
func (s *OrchestrationRuntimeState) AddEvent(e *HistoryEvent) {
	s.NewEvents = append(s.NewEvents, e)
}

// AllEvents returns the full, in-order event sequence: committed history
// followed by the events produced this batch.
func (s *OrchestrationRuntimeState) AllEvents() []*HistoryEvent {
	out := make([]*HistoryEvent, 0, len(s.OldEvents)+len(s.NewEvents))
	out = append(out, s.OldEvents...)
	out = append(out, s.NewEvents...)
	return out
}

// ContinuedAsNew reports whether the pending batch contains a
// ContinueAsNew event. The checkpoint appends such a batch to history
// like any other.
func (s *OrchestrationRuntimeState) ContinuedAsNew() bool {
	for _, e := range s.NewEvents {
		if e.Type == EventContinueAsNew {
			return true
		}
	}
	return false
}

// RuntimeStatus computes the orchestration's externally visible status
// by scanning the committed-plus-pending event sequence for its most
// recent terminal marker.
func (s *OrchestrationRuntimeState) RuntimeStatus() OrchestrationStatus {
	status := StatusPending
	for _, e := range s.AllEvents() {
		switch e.Type {
		case EventExecutionStarted:
			status = StatusRunning
		case EventExecutionCompleted:
			if e.ExecutionCompleted != nil && e.ExecutionCompleted.FailureDetails != nil {
				status = StatusFailed
			} else {
				status = StatusCompleted
			}
		case EventExecutionTerminated:
			status = StatusTerminated
		case EventContinueAsNew:
			status = StatusContinuedAsNew
		}
	}
	return status
}

// OrchestrationMetadata is the externally visible summary of an instance,
// returned by the client contract's GetOrchestrationState.
type OrchestrationMetadata struct {
	Instance       OrchestrationInstance
	Name           string
	RuntimeStatus  OrchestrationStatus
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
	Input          string
	Output         string
	CustomStatus   string
	FailureDetails *TaskFailureDetails
}
