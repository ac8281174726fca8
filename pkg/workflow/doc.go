/*
Package workflow provides a durable, graph-based execution engine for
conversation pipelines.

# Overview

A workflow is a directed graph over a closed set of node identifiers.
Nodes are pure functions over a serializable state; edges and routers
define the flow. Graphs are built once, validated by Compile, and the
resulting CompiledGraph is an immutable, goroutine-safe executor.

Key properties:
  - Type-safe generics for state management
  - Compile-time validation: the routing table is closed and exhaustive,
    every node routes somewhere and END is reachable
  - Durable checkpointing: state is persisted before each node, so a
    crash loses at most one node's uncommitted work
  - Suspension and resume: a node can interrupt the run pending an
    external decision; Resume re-enters exactly where it left off
  - A bounded step budget that turns routing cycles into deterministic
    failures instead of infinite loops

# Basic Usage

	type State struct {
	    Input  string
	    Output string
	}

	func process(ctx workflow.Context, s State) (State, error) {
	    s.Output = strings.ToUpper(s.Input)
	    return s, nil
	}

	func main() {
	    graph := workflow.NewGraph[State]().
	        AddNode("process", workflow.EffectPure, process).
	        AddEdge("process", workflow.END).
	        SetEntry("process")

	    compiled, err := graph.Compile()
	    if err != nil {
	        log.Fatal(err)
	    }

	    ctx := workflow.NewContext(context.Background())
	    result, err := compiled.Run(ctx, State{Input: "hello"})
	    if err != nil {
	        log.Fatal(err)
	    }
	    fmt.Println(result.Output)
	}

# Conditional Routing

A node with a conditional edge consults a router after it completes. The
router observes only committed state and returns the next node:

	graph.AddConditionalEdge("classify", func(ctx workflow.Context, s State) workflow.NodeID {
	    if s.NeedsApproval {
	        return "request_approval"
	    }
	    return "respond"
	})

Routers must return a node that exists in the graph (or END). A router
that cycles forever is cut off by the step budget and the run fails with
a MaxStepsError carrying the execution trace.

# Checkpointing and Resume

Enable checkpointing with a store and a run ID:

	store, _ := checkpoint.NewSQLiteStore("runs.db")
	result, err := compiled.Run(ctx, state,
	    workflow.WithCheckpointing(store, runID))

State is serialized and saved before every node execution. To continue an
interrupted or crashed run:

	result, err := compiled.Resume(ctx, store, runID)

Resume loads the latest checkpoint, deserializes the state, and re-enters
at the checkpointed next node. Committed nodes are never re-executed.

# Suspension

A node suspends the run by returning an InterruptError:

	func requestApproval(ctx workflow.Context, s State) (State, error) {
	    s.Status = "awaiting_approval"
	    return s, workflow.Interrupt("execute_action", "refund", "human approval required")
	}

The executor persists a suspension checkpoint whose next node is the
interrupt's resume point and returns the updated state together with the
interrupt. Another process later injects the decision and resumes:

	result, err := compiled.Resume(ctx, store, runID,
	    workflow.WithStateOverride(func(s State) State {
	        s.Approved = true
	        return s
	    }))

Check for suspension with IsInterrupt(err) before treating a Run error as
a failure.
*/
package workflow
