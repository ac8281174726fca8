package workflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Context provides execution context to nodes. It extends context.Context
// with run metadata and an enriched logger.
//
// Context is immutable after creation; the executor derives a per-node
// context with the node ID set and the logger enriched.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with run and node
	// context. Never nil; defaults to slog.Default().
	Logger() *slog.Logger

	// RunID returns the unique identifier for this run.
	RunID() string

	// NodeID returns the node currently executing, or "" before the run
	// starts.
	NodeID() NodeID

	// Attempt returns the retry attempt number (1 = first attempt).
	Attempt() int
}

type executionContext struct {
	context.Context

	logger  *slog.Logger
	runID   string
	nodeID  NodeID
	attempt int
}

func (c *executionContext) Logger() *slog.Logger { return c.logger }
func (c *executionContext) RunID() string        { return c.runID }
func (c *executionContext) NodeID() NodeID       { return c.nodeID }
func (c *executionContext) Attempt() int         { return c.attempt }

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithLogger sets the logger for the context. The executor enriches it with
// run_id, node_id, and attempt during execution.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		c.logger = logger
	}
}

// WithContextRunID sets the run identifier. Auto-generated if unset.
func WithContextRunID(id string) ContextOption {
	return func(c *executionContext) {
		c.runID = id
	}
}

// NewContext creates an execution context wrapping a standard context.
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
		runID:   uuid.New().String(),
		attempt: 1,
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// withNodeID derives a per-node context with an enriched logger.
func (c *executionContext) withNodeID(nodeID NodeID) *executionContext {
	return &executionContext{
		Context: c.Context,
		logger:  c.logger.With("run_id", c.runID, "node_id", string(nodeID), "attempt", c.attempt),
		runID:   c.runID,
		nodeID:  nodeID,
		attempt: c.attempt,
	}
}
