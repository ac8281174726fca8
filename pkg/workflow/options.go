package workflow

import (
	"github.com/omnichat/omnichat/pkg/workflow/checkpoint"
	"github.com/omnichat/omnichat/pkg/workflow/observability"
)

// DefaultMaxSteps is the default per-run step budget. It is a soft safety
// margin against routing cycles, not a tuned limit.
const DefaultMaxSteps = 25

// runConfig holds configuration for one run.
type runConfig struct {
	maxSteps int

	store    checkpoint.Store
	runID    string
	sequence int

	// checkpointFailureFatal aborts the run when a checkpoint cannot be
	// written. When false, checkpoint failures are logged and the run
	// continues on the in-memory state.
	checkpointFailureFatal bool

	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	tracing bool
}

func defaultRunConfig() runConfig {
	return runConfig{
		maxSteps: DefaultMaxSteps,
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithMaxSteps sets the per-run step budget. Exceeding it fails the run
// with a MaxStepsError rather than looping forever. Default: 25.
func WithMaxSteps(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithCheckpointing enables durable checkpointing for the run. The state is
// persisted before every node execution, so a crash between two nodes loses
// at most one node's work.
func WithCheckpointing(store checkpoint.Store, runID string) RunOption {
	return func(c *runConfig) {
		c.store = store
		c.runID = runID
	}
}

// WithCheckpointFailureFatal makes checkpoint write failures abort the run.
func WithCheckpointFailureFatal() RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = true
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables span creation via the given manager.
func WithTracing(spans observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if spans != nil {
			c.spans = spans
			c.tracing = true
		}
	}
}

// resumeConfig holds configuration for Resume.
type resumeConfig[S any] struct {
	override   func(S) S
	validate   func(S) error
	runOptions []RunOption
}

// ResumeOption configures resumption behavior.
type ResumeOption[S any] func(*resumeConfig[S])

// WithStateOverride mutates the checkpointed state before execution
// re-enters the graph. This is how an approval decision is injected into a
// suspended run.
func WithStateOverride[S any](fn func(S) S) ResumeOption[S] {
	return func(c *resumeConfig[S]) {
		c.override = fn
	}
}

// WithStateValidator rejects resumption if the restored state is invalid.
func WithStateValidator[S any](fn func(S) error) ResumeOption[S] {
	return func(c *resumeConfig[S]) {
		c.validate = fn
	}
}

// WithRunOptions forwards run options (step budget, metrics, tracing) to
// the resumed execution.
func WithRunOptions[S any](opts ...RunOption) ResumeOption[S] {
	return func(c *resumeConfig[S]) {
		c.runOptions = append(c.runOptions, opts...)
	}
}
