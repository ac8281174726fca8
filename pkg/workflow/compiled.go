package workflow

// CompiledGraph is the immutable, validated form of a Graph. It is safe to
// share across goroutines: it is built once at startup and never mutated.
// Each run carries its own state value.
type CompiledGraph[S any] struct {
	nodes   map[NodeID]nodeEntry[S]
	edges   map[NodeID]NodeID
	routers map[NodeID]RouterFunc[S]
	entry   NodeID
}

// Entry returns the entry point node.
func (cg *CompiledGraph[S]) Entry() NodeID {
	return cg.entry
}

// HasNode reports whether the graph contains the node.
func (cg *CompiledGraph[S]) HasNode(id NodeID) bool {
	_, ok := cg.nodes[id]
	return ok
}

// Effect returns the declared side-effect class of a node.
func (cg *CompiledGraph[S]) Effect(id NodeID) (Effect, bool) {
	entry, ok := cg.nodes[id]
	return entry.effect, ok
}

// Nodes returns the IDs of all nodes in unspecified order.
func (cg *CompiledGraph[S]) Nodes() []NodeID {
	ids := make([]NodeID, 0, len(cg.nodes))
	for id := range cg.nodes {
		ids = append(ids, id)
	}
	return ids
}

func (cg *CompiledGraph[S]) getNode(id NodeID) (NodeFunc[S], bool) {
	entry, ok := cg.nodes[id]
	return entry.fn, ok
}

func (cg *CompiledGraph[S]) getRouter(id NodeID) (RouterFunc[S], bool) {
	router, ok := cg.routers[id]
	return router, ok
}

func (cg *CompiledGraph[S]) getEdge(id NodeID) (NodeID, bool) {
	to, ok := cg.edges[id]
	return to, ok
}
