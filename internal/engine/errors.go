package engine

import (
	"fmt"

	"hsetrack/internal/domain"
)

// ValidationError reports a malformed or missing field. The request never
// reached the state machine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a request that is not legal from the
// observation's current status.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ConflictError reports a failed optimistic precondition: the caller believed
// the observation was in Expected but the store holds Actual. The caller must
// re-fetch and decide whether to retry.
type ConflictError struct {
	ObservationID string
	Expected      domain.Status
	Actual        domain.Status
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("observation %s is %s, not %s", e.ObservationID, e.Actual, e.Expected)
}

// OwnershipError reports an actor trying to act on another reporter's record.
type OwnershipError struct {
	ObservationID string
	ActorID       string
}

func (e OwnershipError) Error() string {
	return fmt.Sprintf("actor %s is not the reporter of observation %s", e.ActorID, e.ObservationID)
}
