package model

import "time"

// TaskMessage pairs a history event with the instance it is destined for.
// It is the unit encoded by LargeMessageCodec and carried inside
// MessageData.
type TaskMessage struct {
	Event      *HistoryEvent
	Instance   OrchestrationInstance
	SequenceNo int64
}

// QueueKind distinguishes the two queue shapes the core manages.
type QueueKind string

const (
	QueueKindControl  QueueKind = "control"
	QueueKindWorkItem QueueKind = "workitem"
)

// MessageData is the envelope a ControlQueue or WorkItemQueue hands back
// on dequeue. OriginalQueueMessage is opaque to everything above the
// MessageQueue abstraction; it is round-tripped back into Renew/Delete/
// Abandon so the underlying queue implementation can locate the message.
type MessageData struct {
	TaskMessage          TaskMessage
	OriginalQueueMessage any
	CompressedBlobName   string
	TotalBytes           int
	SequenceNumber       int64
	QueueName            string
	ActivityID           string
	DequeueCount         int32
}

// PendingMessageBatch is a prospective set of messages for one
// orchestration instance together with its runtime state and ETag. The
// SessionManager does not use it; it keeps a session's pending messages
// on the session itself.
type PendingMessageBatch struct {
	Instance     OrchestrationInstance
	Messages     []MessageData
	RuntimeState *OrchestrationRuntimeState
	ETag         string
}

// ActivitySession pairs a single dequeued activity invocation with a
// trace identifier for log correlation.
type ActivitySession struct {
	MessageData MessageData
	TraceID     string
	ReceivedAt  time.Time
}
