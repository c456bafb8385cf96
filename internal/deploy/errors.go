package deploy

import (
	"errors"
	"fmt"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// PreconditionError reports a prerequisite that failed before anything was changed.
type PreconditionError struct {
	Check string
	Err   error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s: %v", e.Check, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

func precondition(check string, err error) error {
	return &PreconditionError{Check: check, Err: err}
}

// PhaseError reports the step a deployment stopped at.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
	if hint := ConflictHint(e.Err); hint != "" {
		msg += "\n" + hint
	}
	return msg
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ConflictHint explains how to recover from a resource that exists outside of
// state, or returns "" when err is not a conflict.
func ConflictHint(err error) string {
	var conflict *pb.ConflictError
	if !errors.As(err, &conflict) {
		return ""
	}
	addr := ir.Address(conflict.Type, conflict.Name)
	return fmt.Sprintf("%s already exists but is not tracked in state. Delete it manually, "+
		"or if state holds a stale entry remove it with 'flowdeploy state rm %s', then re-run.", conflict.ID, addr)
}
