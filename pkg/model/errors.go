package model

import "errors"

// Sentinel errors returned by LeaseStore, HistoryStore, MessageQueue and
// the checkpoint protocol. Components check these with errors.Is rather
// than inspecting concrete types, matching the sentinel-error idiom used
// throughout the rest of the module.
var (
	// ErrAlreadyOwned is returned by LeaseStore.Acquire when another
	// worker already holds an unexpired lease on the partition.
	ErrAlreadyOwned = errors.New("partition lease already owned")

	// ErrLeaseLost is returned by LeaseStore.Renew/Release when the
	// caller's lease token no longer matches the stored lease, because it
	// expired or was stolen by another worker.
	ErrLeaseLost = errors.New("partition lease lost")

	// ErrPreconditionFailed is returned by HistoryStore.UpdateState when
	// the supplied ETag no longer matches the stored row.
	ErrPreconditionFailed = errors.New("history precondition failed")

	// ErrInstanceNotFound is returned when no instance exists for the
	// given instance ID.
	ErrInstanceNotFound = errors.New("orchestration instance not found")

	// ErrInstanceNotExecutable reports that a message batch targets an
	// instance that is unknown or already in a terminal state. No
	// operation in this module returns it.
	ErrInstanceNotExecutable = errors.New("orchestration instance is not executable")

	// ErrNoWorkItems reports that no work is currently available. The
	// dequeue operations in this module report an empty queue with a nil
	// result instead of returning it.
	ErrNoWorkItems = errors.New("no work items available")

	// ErrWorkItemLockLost reports that a work item's visibility lock
	// expired, or was otherwise stolen, before it could be completed. No
	// operation in this module returns it.
	ErrWorkItemLockLost = errors.New("work item lock lost")

	// ErrPermanentDecode is returned by LargeMessageCodec.Decode when a
	// message payload cannot be parsed and retrying will not help.
	ErrPermanentDecode = errors.New("permanent message decode error")

	// ErrDuplicateInstance is returned by CreateTaskOrchestration when an
	// instance with the requested ID already exists and the reuse policy
	// does not permit overwriting it.
	ErrDuplicateInstance = errors.New("orchestration instance already exists")
)
