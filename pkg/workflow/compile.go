package workflow

import (
	"errors"
	"fmt"
	"log/slog"
)

// Compile validates the graph and creates an executable CompiledGraph.
// Multiple validation errors are joined together.
//
// Checks, in order:
//  1. Entry point is set and references an existing node
//  2. Every edge source and target references an existing node or END
//  3. Every node has an outgoing route (fixed edge or router); the
//     routing table is closed and exhaustive
//  4. A path from the entry to END exists
//
// Nodes unreachable from the entry are logged as warnings only.
func (g *Graph[S]) Compile() (*CompiledGraph[S], error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error

	if g.entry == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, exists := g.nodes[g.entry]; !exists {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, g.entry))
	}

	for from, to := range g.edges {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: edge source %q does not exist", ErrNodeNotFound, from))
		}
		if to != END {
			if _, exists := g.nodes[to]; !exists {
				errs = append(errs, fmt.Errorf("%w: edge target %q does not exist", ErrNodeNotFound, to))
			}
		}
	}

	for from := range g.routers {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: router source %q does not exist", ErrNodeNotFound, from))
		}
	}

	// Exhaustiveness: the run must never reach a node with nowhere to go.
	for id := range g.nodes {
		_, hasEdge := g.edges[id]
		_, hasRouter := g.routers[id]
		if !hasEdge && !hasRouter {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoRoute, id))
		}
	}

	if g.entry != "" {
		if _, exists := g.nodes[g.entry]; exists && !g.hasPathToEnd() {
			errs = append(errs, ErrNoPathToEnd)
		}
	}

	g.warnUnreachableNodes()

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return g.buildCompiledGraph(), nil
}

// hasPathToEnd checks reachability of END from the entry. A node with a
// router is assumed able to reach END, since routers may return it.
func (g *Graph[S]) hasPathToEnd() bool {
	canReachEnd := map[NodeID]bool{END: true}

	changed := true
	for changed {
		changed = false

		for from, to := range g.edges {
			if !canReachEnd[from] && canReachEnd[to] {
				canReachEnd[from] = true
				changed = true
			}
		}
		for from := range g.routers {
			if !canReachEnd[from] {
				canReachEnd[from] = true
				changed = true
			}
		}
	}

	return canReachEnd[g.entry]
}

// warnUnreachableNodes logs nodes not reachable from the entry. Router
// targets are unknown at compile time, so any node downstream of a router
// counts as reachable.
func (g *Graph[S]) warnUnreachableNodes() {
	if g.entry == "" {
		return
	}

	reachable := map[NodeID]bool{g.entry: true}
	queue := []NodeID{g.entry}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if to, ok := g.edges[current]; ok && to != END && !reachable[to] {
			reachable[to] = true
			queue = append(queue, to)
		}
		if _, ok := g.routers[current]; ok {
			for id := range g.nodes {
				if !reachable[id] {
					reachable[id] = true
					queue = append(queue, id)
				}
			}
		}
	}

	for id := range g.nodes {
		if !reachable[id] {
			slog.Warn("node is unreachable from entry", "node_id", string(id))
		}
	}
}

// buildCompiledGraph snapshots the builder into an immutable CompiledGraph.
func (g *Graph[S]) buildCompiledGraph() *CompiledGraph[S] {
	nodes := make(map[NodeID]nodeEntry[S], len(g.nodes))
	for id, entry := range g.nodes {
		nodes[id] = entry
	}

	edges := make(map[NodeID]NodeID, len(g.edges))
	for from, to := range g.edges {
		edges[from] = to
	}

	routers := make(map[NodeID]RouterFunc[S], len(g.routers))
	for from, router := range g.routers {
		routers[from] = router
	}

	return &CompiledGraph[S]{
		nodes:   nodes,
		edges:   edges,
		routers: routers,
		entry:   g.entry,
	}
}
