package model

import "time"

// EventType tags the concrete payload carried by a HistoryEvent.
type EventType string

const (
	EventExecutionStarted    EventType = "ExecutionStarted"
	EventExecutionCompleted  EventType = "ExecutionCompleted"
	EventExecutionTerminated EventType = "ExecutionTerminated"
	EventContinueAsNew       EventType = "ContinueAsNew"
	EventTaskScheduled       EventType = "TaskScheduled"
	EventTaskCompleted       EventType = "TaskCompleted"
	EventTaskFailed          EventType = "TaskFailed"
	EventTimerCreated        EventType = "TimerCreated"
	EventTimerFired          EventType = "TimerFired"
	EventEventRaised         EventType = "EventRaised"
)

// HistoryEvent is a single entry in an orchestration's append-only
// history. Exactly one of the typed payload fields is non-nil, selected
// by Type; this mirrors a tagged union without requiring a wire-level
// discriminated interface.
type HistoryEvent struct {
	EventID   int64
	Type      EventType
	Timestamp time.Time

	ExecutionStarted    *ExecutionStartedEvent
	ExecutionCompleted  *ExecutionCompletedEvent
	ExecutionTerminated *ExecutionTerminatedEvent
	ContinueAsNew       *ContinueAsNewEvent
	TaskScheduled       *TaskScheduledEvent
	TaskCompleted       *TaskCompletedEvent
	TaskFailed          *TaskFailedEvent
	TimerCreated        *TimerCreatedEvent
	TimerFired          *TimerFiredEvent
	EventRaised         *EventRaisedEvent
}

type ExecutionStartedEvent struct {
	Name       string
	Version    string
	Instance   OrchestrationInstance
	Input      string
	ParentInfo *OrchestrationInstance
}

type ExecutionCompletedEvent struct {
	Result         string
	FailureDetails *TaskFailureDetails
}

type ExecutionTerminatedEvent struct {
	Reason string
}

type ContinueAsNewEvent struct {
	Input string
}

type TaskScheduledEvent struct {
	TaskID int32
	Name   string
	Input  string
}

type TaskCompletedEvent struct {
	TaskScheduledID int32
	Result          string
}

type TaskFailedEvent struct {
	TaskScheduledID int32
	FailureDetails  *TaskFailureDetails
}

type TimerCreatedEvent struct {
	TimerID int32
	FireAt  time.Time
}

type TimerFiredEvent struct {
	TimerID int32
	FireAt  time.Time
}

type EventRaisedEvent struct {
	Name  string
	Input string
}

// TaskFailureDetails captures an activity or sub-orchestration failure in
// a structured, replay-safe form.
type TaskFailureDetails struct {
	ErrorType    string
	Message      string
	StackTrace   string
	InnerFailure *TaskFailureDetails
	NonRetriable bool
}
