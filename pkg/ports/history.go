package ports

import (
	"context"
	"time"

	"github.com/gled4er/durabletask/pkg/model"
)

// HistoryStateFilter selects instances by creation window and status for
// GetState queries.
type HistoryStateFilter struct {
	CreatedTimeFrom time.Time
	CreatedTimeTo   time.Time
	Statuses        []model.OrchestrationStatus
}

// HistoryStore is the durable, optimistic-concurrency-controlled store of
// OrchestrationRuntimeState. UpdateState is all-or-nothing per
// (instance, execution): it must never partially append events on
// failure.
type HistoryStore interface {
	// GetHistory returns the committed event history for an instance. If
	// executionID is empty, the latest execution's history is returned.
	GetHistory(ctx context.Context, instanceID model.InstanceID, executionID model.ExecutionID) (events []*model.HistoryEvent, etag string, err error)

	// UpdateState appends newState's pending events to the stored
	// history under optimistic concurrency control. blobNames maps event
	// index to an off-loaded blob name for events whose payload was
	// off-loaded by LargeMessageCodec, so the store can record them with
	// the execution. Returns model.ErrPreconditionFailed if expectedETag is
	// stale.
	UpdateState(ctx context.Context, newState *model.OrchestrationRuntimeState, expectedETag string, blobNames map[int]string) (newETag string, err error)

	// SetNewExecution allocates (or, for an existing instance ID subject
	// to a reuse policy, advances) the instance summary row from an
	// ExecutionStarted event.
	SetNewExecution(ctx context.Context, started *model.HistoryEvent) error

	// GetState returns the summary metadata for an instance. If
	// allExecutions is true, every past execution's summary is returned,
	// most recent first.
	GetState(ctx context.Context, instanceID model.InstanceID, allExecutions bool) ([]model.OrchestrationMetadata, error)

	// QueryState returns summary metadata for every instance matching
	// filter.
	QueryState(ctx context.Context, filter HistoryStateFilter) ([]model.OrchestrationMetadata, error)

	// RewindHistory locates failed events in an instance's history,
	// neutralizes them so replay reaches a live state, and returns the
	// IDs of descendant sub-orchestration instances that also require a
	// revival event.
	RewindHistory(ctx context.Context, instanceID model.InstanceID, reason string) ([]model.InstanceID, error)

	// PurgeInstanceHistory removes an instance's history rows. Blobs
	// referenced by those rows are not deleted.
	PurgeInstanceHistory(ctx context.Context, instanceID model.InstanceID) error
}
