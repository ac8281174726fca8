package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/omnichat/omnichat/pkg/workflow/checkpoint"
	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
	"github.com/omnichat/omnichat/pkg/workflow/observability"
	"go.opentelemetry.io/otel/trace"
)

// Run executes the graph with the given initial state, starting at the
// entry point.
//
// Outcomes:
//   - (state, nil): the router reached END; state is the final state.
//   - (state, *InterruptError): a node suspended the run; state reflects
//     the node's updates and a suspension checkpoint has been persisted.
//     Distinguish with IsInterrupt before treating the error as a failure.
//   - (state, err): the run failed; state is the state at the failure
//     point, useful for diagnostics. The last committed checkpoint is
//     retained.
func (cg *CompiledGraph[S]) Run(ctx Context, state S, opts ...RunOption) (S, error) {
	return cg.runFrom(ctx, state, cg.entry, opts...)
}

// runFrom executes the graph starting at startNode. Used by Run and Resume.
func (cg *CompiledGraph[S]) runFrom(ctx Context, state S, startNode NodeID, opts ...RunOption) (result S, runErr error) {
	if ctx == nil {
		return state, ErrNilContext
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store != nil && cfg.runID == "" {
		return state, ErrRunIDRequired
	}

	runID := cfg.runID
	if runID == "" {
		runID = ctx.RunID()
	}
	logger := ctx.Logger()

	start := time.Now()
	observability.LogRunStart(logger, runID)

	var tracingCtx context.Context = ctx
	var runSpan trace.Span
	if cfg.tracing {
		tracingCtx, runSpan = cfg.spans.StartRunSpan(ctx, "workflow", runID)
		defer func() {
			if _, suspended := AsInterrupt(runErr); suspended {
				cfg.spans.EndSpanWithError(runSpan, nil)
			} else {
				cfg.spans.EndSpanWithError(runSpan, runErr)
			}
		}()
	}

	result, nodeCount, runErr := cg.loop(tracingCtx, ctx, state, startNode, &cfg)

	duration := time.Since(start)
	durationMs := float64(duration.Milliseconds())

	switch {
	case runErr == nil:
		cfg.metrics.RecordRun(ctx, "completed", duration)
		observability.LogRunComplete(logger, runID, durationMs, nodeCount)
	case IsInterrupt(runErr):
		ie, _ := AsInterrupt(runErr)
		cfg.metrics.RecordRun(ctx, "suspended", duration)
		cfg.metrics.RecordSuspension(ctx, ie.ActionType)
		observability.LogRunSuspended(logger, runID, string(ie.ResumeAt), ie.Reason)
	default:
		cfg.metrics.RecordRun(ctx, "failed", duration)
		observability.LogRunError(logger, runID, runErr, durationMs, string(lastNodeOf(runErr)))
	}

	return result, runErr
}

// loop drives node execution until END, an interrupt, or a failure.
// Returns the final state, the number of nodes executed, and any error.
func (cg *CompiledGraph[S]) loop(tracingCtx context.Context, fgCtx Context, state S, startNode NodeID, cfg *runConfig) (S, int, error) {
	current := startNode
	prev := NodeID("")
	steps := 0
	nodeCount := 0
	var trail []NodeID

	for current != END {
		steps++
		if steps > cfg.maxSteps {
			budget := &MaxStepsError{
				Max:        cfg.maxSteps,
				LastNodeID: current,
				Trace:      trail,
			}
			return state, nodeCount, wferrors.NewCategorized(budget, wferrors.CategoryRoutingCycle, "executor")
		}

		select {
		case <-fgCtx.Done():
			return state, nodeCount, &CancellationError{
				NodeID: current,
				Cause:  fgCtx.Err(),
			}
		default:
		}

		// Durable checkpoint before the node executes: a crash from here
		// to the next checkpoint loses only this node's work.
		if cfg.store != nil {
			if err := cg.saveCheckpoint(fgCtx, cfg, state, current, prev, nil); err != nil {
				return state, nodeCount, err
			}
		}

		observability.LogNodeStart(fgCtx.Logger(), string(current))

		nodeTracingCtx := tracingCtx
		var nodeSpan trace.Span
		if cfg.tracing {
			nodeTracingCtx, nodeSpan = cfg.spans.StartNodeSpan(tracingCtx, string(current))
		}

		nodeStart := time.Now()
		newState, nodeErr := cg.executeNode(fgCtx, current, state)
		nodeDuration := time.Since(nodeStart)

		cfg.metrics.RecordNodeExecution(nodeTracingCtx, string(current), nodeDuration, nodeErr)
		if cfg.tracing {
			cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
		}

		if ie, ok := AsInterrupt(nodeErr); ok {
			// The node's updates are part of the suspension: persist them
			// with the resume point so another process can pick up.
			state = newState
			if cfg.store != nil {
				if err := cg.saveCheckpoint(fgCtx, cfg, state, ie.ResumeAt, current, ie); err != nil {
					return state, nodeCount, err
				}
			}
			return state, nodeCount, ie
		}
		if nodeErr != nil {
			observability.LogNodeError(fgCtx.Logger(), string(current), nodeErr)
			return newState, nodeCount, nodeErr
		}

		state = newState
		observability.LogNodeComplete(fgCtx.Logger(), string(current), float64(nodeDuration.Milliseconds()))
		nodeCount++
		trail = append(trail, current)

		next, err := cg.nextNode(fgCtx, state, current)
		if err != nil {
			return state, nodeCount, err
		}

		prev = current
		current = next
	}

	// Terminal checkpoint so the committed state of a completed run is
	// recoverable as well.
	if cfg.store != nil {
		if err := cg.saveCheckpoint(fgCtx, cfg, state, END, prev, nil); err != nil {
			return state, nodeCount, err
		}
	}

	return state, nodeCount, nil
}

// saveCheckpoint persists state about to enter nextNode. When the run is
// suspending, ie carries the suspension metadata.
func (cg *CompiledGraph[S]) saveCheckpoint(ctx Context, cfg *runConfig, state S, nextNode, prevNode NodeID, ie *InterruptError) error {
	fail := func(op string, err error) error {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{NodeID: nextNode, Op: op, Err: err}
		}
		observability.LogCheckpointError(ctx.Logger(), string(nextNode), op, err)
		return nil
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fail("serialize", err)
	}

	cfg.sequence++
	cp := checkpoint.New(cfg.runID, cfg.sequence, stateBytes, string(nextNode)).
		WithPrevNode(string(prevNode))
	if ie != nil {
		cp = cp.WithSuspension(ie.Reason)
	}

	data, err := cp.Marshal()
	if err != nil {
		return fail("marshal", err)
	}

	if err := cfg.store.Save(cfg.runID, string(nextNode), data); err != nil {
		return fail("save", err)
	}

	observability.LogCheckpoint(ctx.Logger(), string(nextNode), len(data))
	cfg.metrics.RecordCheckpoint(ctx, string(nextNode), int64(len(data)))
	return nil
}

// executeNode executes a single node with panic recovery. Nodes are total
// over well-formed state; a panic is a node fault, converted to an error at
// this boundary so it can never corrupt the run's committed state.
func (cg *CompiledGraph[S]) executeNode(ctx Context, nodeID NodeID, state S) (result S, err error) {
	fn, exists := cg.getNode(nodeID)
	if !exists {
		return state, &NodeError{
			NodeID: nodeID,
			Op:     "lookup",
			Err:    fmt.Errorf("node not found: %s", nodeID),
		}
	}

	nodeCtx := ctx
	if ec, ok := ctx.(*executionContext); ok {
		nodeCtx = ec.withNodeID(nodeID)
	}

	defer func() {
		if r := recover(); r != nil {
			result = state
			err = &PanicError{
				NodeID: nodeID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	result, err = fn(nodeCtx, state)
	if err != nil {
		if IsInterrupt(err) {
			return result, err
		}
		return result, &NodeError{NodeID: nodeID, Op: "execute", Err: err}
	}

	return result, nil
}

// nextNode determines the next node after current completes: the router if
// one is installed, the fixed edge otherwise.
func (cg *CompiledGraph[S]) nextNode(ctx Context, state S, current NodeID) (NodeID, error) {
	if router, exists := cg.getRouter(current); exists {
		routerCtx := ctx
		if ec, ok := ctx.(*executionContext); ok {
			routerCtx = ec.withNodeID(current)
		}

		next := router(routerCtx, state)
		if next == "" {
			return "", &RouterError{FromNode: current, Returned: next, Err: ErrInvalidRouterResult}
		}
		if next != END && !cg.HasNode(next) {
			return "", &RouterError{FromNode: current, Returned: next, Err: ErrRouterTargetNotFound}
		}
		return next, nil
	}

	if next, exists := cg.getEdge(current); exists {
		return next, nil
	}

	// Unreachable after a successful Compile.
	return "", &NodeError{
		NodeID: current,
		Op:     "routing",
		Err:    fmt.Errorf("no outgoing edge from node %s", current),
	}
}

// lastNodeOf extracts the failing node from known error types, for logging.
func lastNodeOf(err error) NodeID {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.NodeID
	}
	var maxErr *MaxStepsError
	if errors.As(err, &maxErr) {
		return maxErr.LastNodeID
	}
	var cancelErr *CancellationError
	if errors.As(err, &cancelErr) {
		return cancelErr.NodeID
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return panicErr.NodeID
	}
	var routerErr *RouterError
	if errors.As(err, &routerErr) {
		return routerErr.FromNode
	}
	return ""
}
