package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
)

// Server error codes the reconciliation path cares about
const (
	CodeAlreadyInitialized                     = 23
	CodeNodeNotFound                           = 74
	CodeInvalidReplicaSetConfig                = 93
	CodeNotYetInitialized                      = 94
	CodeNewReplicaSetConfigurationIncompatible = 103
	CodeConfigurationInProgress                = 109
	CodePrimarySteppedDown                     = 189
	CodeCurrentConfigNotCommittedYet           = 308
	CodeNotWritablePrimary                     = 10107
)

// FailureKind classifies an administrative command outcome
type FailureKind uint8

const (
	FailureNone FailureKind = iota
	FailureNotYetInitialized
	FailureAlreadyInitialized
	FailureVersionConflict
	FailureQuorum
	FailureUnreachable
	FailureUnclassified
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNotYetInitialized:
		return "not_yet_initialized"
	case FailureAlreadyInitialized:
		return "already_initialized"
	case FailureVersionConflict:
		return "version_conflict"
	case FailureQuorum:
		return "quorum_unreachable"
	case FailureUnreachable:
		return "unreachable"
	default:
		return "unclassified"
	}
}

// Classify maps a driver error onto a FailureKind. Server errors are mapped by
// code; anything that never reached a server (network, timeout, selection) is
// FailureUnreachable.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(CodeNotYetInitialized):
			return FailureNotYetInitialized
		case se.HasErrorCode(CodeAlreadyInitialized):
			return FailureAlreadyInitialized
		case se.HasErrorCode(CodeNewReplicaSetConfigurationIncompatible),
			se.HasErrorCode(CodeConfigurationInProgress),
			se.HasErrorCode(CodeCurrentConfigNotCommittedYet):
			return FailureVersionConflict
		case se.HasErrorCode(CodeNodeNotFound),
			se.HasErrorCode(CodeNotWritablePrimary),
			se.HasErrorCode(CodePrimarySteppedDown):
			return FailureQuorum
		}
		if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
			return FailureUnreachable
		}
		return FailureUnclassified
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return FailureUnreachable
	}

	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return FailureUnreachable
	}

	return FailureUnclassified
}

// IsIncompatibleConfig reports whether the server refused a proposed
// configuration. The same code covers a stale version and a change the
// server will not apply at any version.
func IsIncompatibleConfig(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(CodeNewReplicaSetConfigurationIncompatible)
}

// IsNotYetInitialized reports whether err is the "no replica set config" status error
func IsNotYetInitialized(err error) bool {
	return Classify(err) == FailureNotYetInitialized
}

// DialError wraps failures to establish a session
type DialError struct {
	Hosts []string
	Err   error
}

func (e *DialError) Error() string {
	return "failed to connect to " + joinHosts(e.Hosts) + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error {
	return e.Err
}
