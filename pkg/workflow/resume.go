package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omnichat/omnichat/pkg/workflow/checkpoint"
)

// Resume continues a run from its latest checkpoint. The checkpoint's state
// is deserialized, optionally transformed by WithStateOverride (how an
// approval decision enters a suspended run), validated by WithStateValidator,
// and execution re-enters at the checkpointed next node. Nodes that committed
// before the checkpoint are never re-executed.
//
// Checkpointing continues automatically against the same store and run ID,
// with sequence numbers following on from the loaded checkpoint.
func (cg *CompiledGraph[S]) Resume(ctx Context, store checkpoint.Store, runID string, opts ...ResumeOption[S]) (S, error) {
	var zero S

	if ctx == nil {
		return zero, ErrNilContext
	}
	if runID == "" {
		return zero, ErrRunIDRequired
	}

	cfg := resumeConfig[S]{}
	for _, opt := range opts {
		opt(&cfg)
	}

	data, err := store.Latest(runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return zero, fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
		}
		return zero, &CheckpointError{Op: "load", Err: err}
	}

	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return zero, &CheckpointError{Op: "unmarshal", Err: err}
	}
	if cp.Version != checkpoint.Version {
		return zero, fmt.Errorf("%w: got %d, want %d",
			ErrCheckpointVersionMismatch, cp.Version, checkpoint.Version)
	}

	var state S
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	resumeAt := NodeID(cp.NextNode)
	if resumeAt == END {
		// The run already reached a terminal checkpoint; hand back the
		// committed state without executing anything.
		return state, nil
	}
	if !cg.HasNode(resumeAt) {
		return zero, fmt.Errorf("%w: %s", ErrInvalidResumeNode, resumeAt)
	}

	if cfg.override != nil {
		state = cfg.override(state)
	}
	if cfg.validate != nil {
		if err := cfg.validate(state); err != nil {
			return zero, err
		}
	}

	runOpts := append([]RunOption{
		WithCheckpointing(store, runID),
		withSequence(cp.Sequence),
	}, cfg.runOptions...)

	return cg.runFrom(ctx, state, resumeAt, runOpts...)
}

// withSequence seeds the checkpoint sequence so resumed runs continue the
// numbering of the loaded checkpoint.
func withSequence(seq int) RunOption {
	return func(c *runConfig) {
		c.sequence = seq
	}
}

// LoadSuspension inspects the latest checkpoint for a run without resuming
// it. It reports whether the run is suspended, the node it will re-enter at,
// and the suspension reason. Returns ErrNoCheckpoints if the run has none.
func LoadSuspension(store checkpoint.Store, runID string) (suspended bool, resumeAt NodeID, reason string, err error) {
	data, err := store.Latest(runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return false, "", "", fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
		}
		return false, "", "", err
	}
	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return false, "", "", err
	}
	return cp.Suspended, NodeID(cp.NextNode), cp.Reason, nil
}
