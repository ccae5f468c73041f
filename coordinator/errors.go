package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict matches any *VersionConflictError via errors.Is
	ErrVersionConflict = errors.New("replica set config version conflict")
	// ErrQuorumUnreachable matches any *QuorumUnreachableError via errors.Is
	ErrQuorumUnreachable = errors.New("replica set quorum unreachable")
	// ErrNotReady signals that reconciliation must wait for hosts to settle
	ErrNotReady = errors.New("deployment not ready for reconciliation")
)

// VersionConflictError reports a stale read of the stored configuration
type VersionConflictError struct {
	Expected int64
	Observed int64 // 0 when the database rejected the proposal without reporting one
	Cause    error
}

func (e *VersionConflictError) Error() string {
	if e.Observed == 0 && e.Cause != nil {
		return fmt.Sprintf("config version conflict: proposal based on version %d was rejected: %v", e.Expected, e.Cause)
	}
	return fmt.Sprintf("config version conflict: expected version %d, found %d", e.Expected, e.Observed)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func (e *VersionConflictError) Unwrap() error {
	return e.Cause
}

// QuorumUnreachableError reports that a configuration could not reach a
// majority of its voting members
type QuorumUnreachableError struct {
	Phase     string // "current", "target" or "submit"
	Reachable int
	Required  int
	Voting    int
	Cause     error
}

func (e *QuorumUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s quorum unreachable: %v", e.Phase, e.Cause)
	}
	return fmt.Sprintf("%s quorum unreachable: %d of %d voting members reachable, need %d",
		e.Phase, e.Reachable, e.Voting, e.Required)
}

func (e *QuorumUnreachableError) Is(target error) bool {
	return target == ErrQuorumUnreachable
}

func (e *QuorumUnreachableError) Unwrap() error {
	return e.Cause
}

// NotReadyError explains why reconciliation was deferred
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string {
	return "not ready: " + e.Reason
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}
