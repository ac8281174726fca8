package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/omnichat/omnichat/pkg/store"
	"github.com/omnichat/omnichat/pkg/workflow"
	"github.com/omnichat/omnichat/pkg/workflow/checkpoint"
	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
	"github.com/omnichat/omnichat/pkg/workflow/event"
	"github.com/omnichat/omnichat/pkg/workflow/observability"
	"github.com/omnichat/omnichat/pkg/workflow/registry"
)

// FallbackReply is what the user sees when a run fails. The underlying
// cause goes to logs and events, never to the user.
const FallbackReply = "Sorry, something went wrong on our side. Please try again in a moment."

// Reply is the outcome of handling a message or a decision.
type Reply struct {
	ConversationID int64     `json:"conversation_id"`
	Text           string    `json:"reply_text"`
	Intent         Intent    `json:"intent,omitempty"`
	Status         RunStatus `json:"run_status"`

	// ActionID is set when the run suspended on a pending action.
	ActionID string `json:"action_id,omitempty"`
}

// Decision is the shape an approval channel posts to resume a suspended
// conversation.
type Decision struct {
	ConversationID int64  `json:"conversation_id"`
	Approve        bool   `json:"approve"`
	Note           string `json:"note,omitempty"`
}

// Engine drives conversation runs: it serializes work per conversation,
// executes the workflow graph with checkpointing, and coordinates
// suspension and resumption across processes.
type Engine struct {
	graph       *workflow.CompiledGraph[ConversationState]
	checkpoints checkpoint.Store
	store       *store.Store

	// locks serializes runs per user: at most one active run per
	// conversation, second messages wait.
	locks *registry.Registry[string, *sync.Mutex]

	bus     *event.Bus
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	maxSteps int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEventBus publishes run lifecycle events to bus.
func WithEventBus(b *event.Bus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// WithMetrics records run metrics.
func WithMetrics(m observability.MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithMaxSteps overrides the per-run step budget.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// NewEngine assembles an engine around a compiled graph.
func NewEngine(graph *workflow.CompiledGraph[ConversationState], checkpoints checkpoint.Store, st *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:       graph,
		checkpoints: checkpoints,
		store:       st,
		locks:       registry.New[string, *sync.Mutex](),
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		maxSteps:    workflow.DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage processes one inbound message end to end: it validates the
// input, serializes against other runs of the same conversation, and walks
// the graph. The reply reports whether the turn completed, suspended for
// approval, or failed.
func (e *Engine) HandleMessage(ctx context.Context, channel, userID, content string) (Reply, error) {
	if err := validateInbound(channel, userID, content); err != nil {
		return Reply{}, err
	}

	// Single writer per conversation: a second message for the same user
	// waits here until the first run reaches a terminal state.
	lock := e.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	runID := uuid.New().String()
	state := NewState(channel, userID, uuid.New().String(), content)

	wfCtx := workflow.NewContext(ctx,
		workflow.WithContextRunID(runID),
		workflow.WithLogger(e.logger))

	// A suspension the engine reports must be recoverable from storage,
	// so a checkpoint that cannot be written fails the run instead of
	// leaving a SUSPENDED reply with no resume point behind it.
	result, err := e.graph.Run(wfCtx, state,
		workflow.WithCheckpointing(e.checkpoints, runID),
		workflow.WithCheckpointFailureFatal(),
		workflow.WithMaxSteps(e.maxSteps),
		workflow.WithMetrics(e.metrics))

	if ie, suspended := workflow.AsInterrupt(err); suspended {
		e.publish(event.New(event.TypeRunSuspended, runID).
			WithConversation(result.ConversationID).
			WithField("action_type", ie.ActionType).
			WithField("reason", ie.Reason))

		reply := Reply{
			ConversationID: result.ConversationID,
			Text:           result.Response,
			Intent:         result.Intent,
			Status:         RunSuspended,
		}
		if result.Pending != nil {
			reply.ActionID = result.Pending.ID
		}
		return reply, nil
	}

	if err != nil {
		return e.failedReply(runID, result, err), nil
	}

	result.RunStatus = RunCompleted
	e.publish(event.New(event.TypeRunCompleted, runID).
		WithConversation(result.ConversationID).
		WithField("intent", string(result.Intent)))

	return Reply{
		ConversationID: result.ConversationID,
		Text:           result.Response,
		Intent:         result.Intent,
		Status:         RunCompleted,
	}, nil
}

// Resume consumes an approval-channel decision for a suspended
// conversation. Approval re-enters the graph at the checkpointed node;
// rejection finalizes directly with a rejection notice, without executing
// the action. Exactly one decision wins: duplicates are conflicts.
func (e *Engine) Resume(ctx context.Context, d Decision) (Reply, error) {
	conv, err := e.store.Conversation(ctx, d.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{}, wferrors.Consistency(
			fmt.Errorf("conversation %d not found", d.ConversationID), "resume")
	}
	if err != nil {
		return Reply{}, err
	}

	lock := e.lockFor(conv.UserID)
	lock.Lock()
	defer lock.Unlock()

	action, err := e.store.PendingActionForConversation(ctx, d.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{}, wferrors.Consistency(
			fmt.Errorf("conversation %d has no suspended run", d.ConversationID), "resume")
	}
	if err != nil {
		return Reply{}, err
	}

	// The conditional status transition is the idempotency gate: the
	// first decision lands, every later one is a reported no-op.
	resolved, err := e.store.ResolveAction(ctx, action.ID, d.Approve, d.Note)
	if errors.Is(err, store.ErrAlreadyResolved) {
		return Reply{}, wferrors.Conflict(
			fmt.Errorf("action %s already %s", resolved.ID, resolved.Status), "resume")
	}
	if err != nil {
		return Reply{}, err
	}

	if !d.Approve {
		return e.finalizeRejection(ctx, conv, resolved, d.Note)
	}

	wfCtx := workflow.NewContext(ctx,
		workflow.WithContextRunID(action.RunID),
		workflow.WithLogger(e.logger))

	e.publish(event.New(event.TypeRunResumed, action.RunID).
		WithConversation(conv.ID).
		WithField("decision", "approve"))

	result, err := e.graph.Resume(wfCtx, e.checkpoints, action.RunID,
		workflow.WithStateOverride(func(s ConversationState) ConversationState {
			s.Decided = true
			s.ActionApproved = true
			s.DecisionNote = d.Note
			return s
		}),
		workflow.WithStateValidator(func(s ConversationState) error {
			if s.RunStatus != RunSuspended || s.Pending == nil {
				return wferrors.Consistency(
					fmt.Errorf("run %s is not suspended", action.RunID), "resume")
			}
			return nil
		}),
		workflow.WithRunOptions[ConversationState](
			workflow.WithCheckpointFailureFatal(),
			workflow.WithMaxSteps(e.maxSteps),
			workflow.WithMetrics(e.metrics)))
	if err != nil {
		return e.failedReply(action.RunID, result, err), nil
	}

	result.RunStatus = RunCompleted
	e.publish(event.New(event.TypeRunCompleted, action.RunID).
		WithConversation(conv.ID).
		WithField("resumed", "true"))

	return Reply{
		ConversationID: conv.ID,
		Text:           result.Response,
		Intent:         result.Intent,
		Status:         RunCompleted,
	}, nil
}

// finalizeRejection appends the rejection notice and completes the turn
// without re-entering the graph: nodes committed before the suspension are
// never re-executed, and the held action is never performed.
func (e *Engine) finalizeRejection(ctx context.Context, conv store.Conversation, action store.PendingAction, note string) (Reply, error) {
	text := rejectionReply(action.ActionType, note)

	if _, err := e.store.AppendMessage(ctx, store.Message{
		ConversationID: conv.ID,
		TurnID:         action.ID + ":rejection",
		Sender:         store.SenderAgent,
		Channel:        conv.Channel,
		Content:        text,
	}); err != nil {
		return Reply{}, fmt.Errorf("append rejection notice: %w", err)
	}

	e.publish(event.New(event.TypeRunCompleted, action.RunID).
		WithConversation(conv.ID).
		WithField("decision", "reject"))

	return Reply{
		ConversationID: conv.ID,
		Text:           text,
		Status:         RunCompleted,
	}, nil
}

// Cancel discards a suspended conversation's pending action and finalizes
// the run without executing anything.
func (e *Engine) Cancel(ctx context.Context, conversationID int64) (Reply, error) {
	conv, err := e.store.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{}, wferrors.Consistency(
			fmt.Errorf("conversation %d not found", conversationID), "cancel")
	}
	if err != nil {
		return Reply{}, err
	}

	lock := e.lockFor(conv.UserID)
	lock.Lock()
	defer lock.Unlock()

	action, err := e.store.PendingActionForConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{}, wferrors.Consistency(
			fmt.Errorf("conversation %d has no suspended run", conversationID), "cancel")
	}
	if err != nil {
		return Reply{}, err
	}

	if _, err := e.store.CancelActionsForConversation(ctx, conversationID); err != nil {
		return Reply{}, err
	}

	e.publish(event.New(event.TypeRunCancelled, action.RunID).
		WithConversation(conversationID).
		WithField("action_type", action.ActionType))

	return Reply{
		ConversationID: conversationID,
		Status:         RunCompleted,
	}, nil
}

// failedReply logs the cause, emits the failure event, and produces the
// generic user-visible fallback. The cause never reaches the user.
func (e *Engine) failedReply(runID string, state ConversationState, cause error) Reply {
	e.logger.Error("run failed",
		"run_id", runID,
		"conversation_id", state.ConversationID,
		"category", wferrors.Categorize(cause).String(),
		"error", cause)

	e.publish(event.New(event.TypeRunFailed, runID).
		WithConversation(state.ConversationID).
		WithField("category", wferrors.Categorize(cause).String()))

	return Reply{
		ConversationID: state.ConversationID,
		Text:           FallbackReply,
		Intent:         state.Intent,
		Status:         RunFailed,
	}
}

func (e *Engine) lockFor(userID string) *sync.Mutex {
	return e.locks.GetOrCreate(userID, func() *sync.Mutex { return &sync.Mutex{} })
}

func (e *Engine) publish(evt event.Event) {
	if e.bus != nil {
		e.bus.Publish(evt)
	}
}

// validateInbound rejects malformed input before any state is created.
func validateInbound(channel, userID, content string) error {
	switch {
	case strings.TrimSpace(channel) == "":
		return wferrors.Validation(errors.New("channel is required"), "inbound")
	case strings.TrimSpace(userID) == "":
		return wferrors.Validation(errors.New("user identifier is required"), "inbound")
	case strings.TrimSpace(content) == "":
		return wferrors.Validation(errors.New("message content is empty"), "inbound")
	case len(content) > maxInboundLength:
		return wferrors.Validation(errors.New("message content too long"), "inbound")
	}
	return nil
}

const maxInboundLength = 8000
