package workflow

import (
	"fmt"
	"strings"
	"sync"
)

// Graph is a mutable builder for execution graphs. Chain AddNode, AddEdge,
// AddConditionalEdge, and SetEntry, then call Compile() for an immutable
// CompiledGraph that is built once at startup and shared across runs.
//
// Graph is not thread-safe during building; construct it from a single
// goroutine.
type Graph[S any] struct {
	mu      sync.RWMutex
	nodes   map[NodeID]nodeEntry[S]
	edges   map[NodeID]NodeID
	routers map[NodeID]RouterFunc[S]
	entry   NodeID
}

type nodeEntry[S any] struct {
	fn     NodeFunc[S]
	effect Effect
}

// NewGraph creates a graph builder for state type S.
func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:   make(map[NodeID]nodeEntry[S]),
		edges:   make(map[NodeID]NodeID),
		routers: make(map[NodeID]RouterFunc[S]),
	}
}

// AddNode adds a named node with its declared side-effect class.
// Returns the graph for chaining.
//
// Panics if id is empty, reserved, contains whitespace, fn is nil, or id
// already exists. Builder mistakes are programmer errors; they should stop
// the process at startup.
func (g *Graph[S]) AddNode(id NodeID, effect Effect, fn NodeFunc[S]) *Graph[S] {
	if id == "" {
		panic("workflow: node ID cannot be empty")
	}
	if lower := strings.ToLower(string(id)); lower == "end" || lower == string(END) {
		panic("workflow: node ID cannot be reserved word END")
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		panic("workflow: node ID cannot contain whitespace")
	}
	if fn == nil {
		panic("workflow: node function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		panic(fmt.Sprintf("workflow: duplicate node ID: %s", id))
	}

	g.nodes[id] = nodeEntry[S]{fn: fn, effect: effect}
	return g
}

// AddEdge adds the fixed edge from one node to another (or END).
// Each node has at most one fixed edge; routing is a closed table, not a
// fan-out. Edge validation happens at Compile() time.
func (g *Graph[S]) AddEdge(from, to NodeID) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[from]; exists {
		panic(fmt.Sprintf("workflow: duplicate edge from node: %s", from))
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdge installs a router deciding the next node at runtime.
// A node has either a fixed edge or a router, never both.
func (g *Graph[S]) AddConditionalEdge(from NodeID, router RouterFunc[S]) *Graph[S] {
	if router == nil {
		panic("workflow: router function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[from]; exists {
		panic(fmt.Sprintf("workflow: node %s already has a fixed edge", from))
	}
	g.routers[from] = router
	return g
}

// SetEntry designates the entry point node. Must be called before
// Compile(); validated there.
func (g *Graph[S]) SetEntry(id NodeID) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entry = id
	return g
}
