// Package session turns per-partition message streams into per-instance
// sessions, guaranteeing that at most one OrchestrationSession is live
// for a given instance at a time and coalescing messages that arrive
// while a session is checked out for processing.
package session

import (
	"github.com/gled4er/durabletask/pkg/model"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateFetchingHistory
	StateReady
	StateLeasedOut
	StateReleased
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingHistory:
		return "fetching_history"
	case StateReady:
		return "ready"
	case StateLeasedOut:
		return "leased_out"
	case StateReleased:
		return "released"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// OrchestrationSession is the in-memory, per-instance unit of work the
// SessionManager hands to a dispatcher via getNextSession.
type OrchestrationSession struct {
	Instance          model.OrchestrationInstance
	ETag              string
	CurrentBatch      []model.MessageData
	RuntimeState      *model.OrchestrationRuntimeState
	OwningPartitionID model.PartitionID

	state       State
	pendingNext []model.MessageData
}

// State returns the session's current lifecycle state.
func (s *OrchestrationSession) State() State {
	return s.state
}
