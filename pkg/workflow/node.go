package workflow

// NodeID names a node in a graph. Applications declare a closed set of
// NodeID constants; Compile rejects any edge or router target outside that
// set, so routing mistakes surface at startup rather than mid-run.
type NodeID string

// END is the terminal routing target.
const END NodeID = "__end__"

// Effect is the declared side-effect class of a node. The executor does not
// change behavior based on it, but it documents the contract and lets tests
// assert that pure nodes stay pure.
type Effect int

const (
	// EffectPure marks a node that only transforms state.
	EffectPure Effect = iota

	// EffectExternalRead marks a node that reads from an external
	// collaborator (model inference, retrieval).
	EffectExternalRead

	// EffectExternalWrite marks a node that mutates external storage.
	// External writes must be idempotent under retry.
	EffectExternalWrite
)

// String returns the effect name.
func (e Effect) String() string {
	switch e {
	case EffectPure:
		return "pure"
	case EffectExternalRead:
		return "external-read"
	case EffectExternalWrite:
		return "external-write"
	default:
		return "unknown"
	}
}

// NodeFunc is the signature for all nodes: a total transform over state.
// State is passed by value; nodes modify and return a new value rather than
// relying on pointer mutation. A node signals suspension by returning an
// *InterruptError alongside its updated state.
type NodeFunc[S any] func(ctx Context, state S) (S, error)

// RouterFunc decides the next node after a conditional node completes.
// Routers must be deterministic and side-effect free so that resumption
// recomputation is reproducible. Return END to terminate the run.
type RouterFunc[S any] func(ctx Context, state S) NodeID
