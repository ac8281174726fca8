package workflow

import (
	"errors"
	"fmt"
)

// InterruptError is returned by a node to suspend the run for an external
// decision. The executor persists a checkpoint whose resume point is
// ResumeAt and hands control back to the caller; the state the node
// returned alongside the interrupt is the state that gets checkpointed.
//
// Suspension is durable state, not an in-process callback: the checkpoint
// can be resumed by a different process than the one that suspended it.
type InterruptError struct {
	// ResumeAt is the node execution re-enters once a decision arrives.
	ResumeAt NodeID

	// Reason describes why the run suspended (shown to operators).
	Reason string

	// ActionType classifies the pending action (e.g. "refund").
	ActionType string
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("run interrupted, resume at %s: %s", e.ResumeAt, e.Reason)
}

// Interrupt creates an InterruptError resuming at the given node.
func Interrupt(resumeAt NodeID, actionType, reason string) *InterruptError {
	return &InterruptError{ResumeAt: resumeAt, ActionType: actionType, Reason: reason}
}

// IsInterrupt reports whether err is (or wraps) an InterruptError.
func IsInterrupt(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}

// AsInterrupt extracts the InterruptError from err, if present.
func AsInterrupt(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
