// Package checkpoint provides durable checkpoint storage so that runs
// survive crashes and suspensions, and can be resumed by a different
// process than the one that created them.
package checkpoint

import (
	"errors"
	"time"
)

// Store persists checkpoints. Implementations must be safe for concurrent
// use; each Save call must be atomic (a partial write is never observable).
type Store interface {
	// Save stores a checkpoint for a run keyed by the node it precedes.
	// Saving again for the same (runID, nodeID) overwrites and advances
	// the sequence.
	Save(runID, nodeID string, data []byte) error

	// Load retrieves the checkpoint for (runID, nodeID).
	// Returns ErrNotFound if it doesn't exist.
	Load(runID, nodeID string) ([]byte, error)

	// Latest retrieves the highest-sequence checkpoint for a run.
	// Returns ErrNotFound if the run has no checkpoints.
	Latest(runID string) ([]byte, error)

	// List returns checkpoint metadata for a run, ordered by sequence.
	// Returns an empty slice (not an error) if the run has none.
	List(runID string) ([]Info, error)

	// DeleteRun removes all checkpoints for a run.
	// Returns nil if the run has none.
	DeleteRun(runID string) error

	// Close releases any resources.
	Close() error
}

// Info provides checkpoint metadata without loading the full state.
type Info struct {
	RunID     string
	NodeID    string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)
