package checkpoint

import (
	"encoding/json"
	"time"
)

// Version is the current checkpoint format version.
// Increment on breaking changes to the checkpoint structure.
const Version = 1

// Checkpoint is the durable snapshot taken before a node executes. It holds
// everything needed to re-enter the run at NextNode: a crash or a suspension
// loses at most the work of the node that had not yet committed.
type Checkpoint struct {
	// Metadata
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	// Execution state
	State    json.RawMessage `json:"state"`
	NextNode string          `json:"next_node"`
	PrevNode string          `json:"prev_node,omitempty"`

	// Suspension
	Suspended bool   `json:"suspended,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// New creates a checkpoint for a run about to execute nextNode.
// State must already be JSON-serialized.
func New(runID string, sequence int, state []byte, nextNode string) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		RunID:     runID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		State:     state,
		NextNode:  nextNode,
	}
}

// WithPrevNode records the node committed immediately before this checkpoint.
func (c *Checkpoint) WithPrevNode(node string) *Checkpoint {
	c.PrevNode = node
	return c
}

// WithSuspension marks the checkpoint as a suspension point awaiting an
// external decision.
func (c *Checkpoint) WithSuspension(reason string) *Checkpoint {
	c.Suspended = true
	c.Reason = reason
	return c
}

// Marshal serializes the checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
