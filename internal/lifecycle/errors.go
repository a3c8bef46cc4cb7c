package lifecycle

import (
	"errors"
	"fmt"
)

type Op string

const (
	OpCreateRoot Op = "create_root"
	OpHire       Op = "hire"
	OpFire       Op = "fire"
	OpPause      Op = "pause"
	OpResume     Op = "resume"
)

type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindAlreadyFired  Kind = "already_fired"
	KindAlreadyPaused Kind = "already_paused"
	KindNotPaused     Kind = "not_paused"
	KindInvalid       Kind = "invalid"
	KindRejected      Kind = "rejected"
	// KindStep marks a failure in a step the operation cannot complete without.
	KindStep Kind = "step_failed"
)

// OperationError is returned when a lifecycle operation fails outright.
type OperationError struct {
	Op      Op
	Kind    Kind
	AgentID string
	Err     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.AgentID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsKind reports whether err is an *OperationError of the given kind.
func IsKind(err error, kind Kind) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Kind == kind
}

func opError(op Op, kind Kind, agentID string, err error) error {
	return &OperationError{Op: op, Kind: kind, AgentID: agentID, Err: err}
}
