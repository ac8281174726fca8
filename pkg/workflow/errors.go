package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNoEntryPoint indicates SetEntry() was not called before Compile().
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point references a missing node.
	ErrEntryNotFound = errors.New("entry point node not found")

	// ErrNodeNotFound indicates an edge references a missing node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoRoute indicates a node has neither a static edge nor a router.
	// Every node must route somewhere; the routing table is closed.
	ErrNoRoute = errors.New("node has no outgoing route")

	// ErrNoPathToEnd indicates no path exists from the entry to END.
	ErrNoPathToEnd = errors.New("no path to END from entry")
)

// Sentinel errors for execution and resume.
var (
	// ErrMaxSteps indicates the step budget was exhausted.
	ErrMaxSteps = errors.New("exceeded step budget")

	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrInvalidRouterResult indicates a router returned an empty node ID.
	ErrInvalidRouterResult = errors.New("router returned empty node")

	// ErrRouterTargetNotFound indicates a router returned an unknown node.
	ErrRouterTargetNotFound = errors.New("router returned unknown node")

	// ErrRunIDRequired indicates checkpointing was enabled without a run ID.
	ErrRunIDRequired = errors.New("run ID required for checkpointing")

	// ErrSerializeState indicates state serialization failed.
	ErrSerializeState = errors.New("failed to serialize state")

	// ErrDeserializeState indicates state deserialization failed.
	ErrDeserializeState = errors.New("failed to deserialize state")

	// ErrNoCheckpoints indicates no checkpoints exist for the run.
	ErrNoCheckpoints = errors.New("no checkpoints found for run")

	// ErrInvalidResumeNode indicates the resume node is not in the graph.
	ErrInvalidResumeNode = errors.New("invalid resume node")

	// ErrCheckpointVersionMismatch indicates an incompatible checkpoint.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")
)

// NodeError wraps an error with the node that produced it.
type NodeError struct {
	// NodeID is the node that failed.
	NodeID NodeID
	// Op is the operation that failed (e.g. "execute").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error { return e.Err }

// PanicError captures panic information from node execution.
type PanicError struct {
	// NodeID is the node that panicked.
	NodeID NodeID
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// RouterError wraps errors from conditional routing.
type RouterError struct {
	// FromNode is the node whose router failed.
	FromNode NodeID
	// Returned is the value the router returned.
	Returned NodeID
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	return fmt.Sprintf("router from %s returned %q: %v", e.FromNode, e.Returned, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouterError) Unwrap() error { return e.Err }

// MaxStepsError reports a run that exhausted its step budget. This is how a
// routing cycle surfaces: the run fails deterministically instead of
// looping forever.
type MaxStepsError struct {
	// Max is the configured step budget.
	Max int
	// LastNodeID is the node that would have executed next.
	LastNodeID NodeID
	// Trace is the ordered list of nodes executed before the budget hit.
	Trace []NodeID
}

// Error implements the error interface.
func (e *MaxStepsError) Error() string {
	return fmt.Sprintf("exceeded step budget (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxSteps for errors.Is support.
func (e *MaxStepsError) Unwrap() error { return ErrMaxSteps }

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// NodeID is the node whose checkpoint failed.
	NodeID NodeID
	// Op is the operation that failed ("serialize", "marshal", "save").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error { return e.Err }

// CancellationError captures the state when a run was cancelled.
type CancellationError struct {
	// NodeID is the node that was about to execute or was executing.
	NodeID NodeID
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
	// WasExecuting is true if cancellation occurred during node execution.
	WasExecuting bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.WasExecuting {
		return fmt.Sprintf("cancelled during node %s: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error { return e.Cause }
