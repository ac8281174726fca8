package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichat/omnichat/pkg/fewshot"
	"github.com/omnichat/omnichat/pkg/llm"
	"github.com/omnichat/omnichat/pkg/retrieval"
	"github.com/omnichat/omnichat/pkg/store"
	"github.com/omnichat/omnichat/pkg/workflow"
	"github.com/omnichat/omnichat/pkg/workflow/checkpoint"
	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
	"github.com/omnichat/omnichat/pkg/workflow/event"
)

// eventLog records bus events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) record(evt event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	engine *Engine
	model  *llm.Scripted
	store  *store.Store
	cps    *checkpoint.MemoryStore
	index  *retrieval.MemoryIndex
	events *eventLog
}

func newHarness(t *testing.T, cfgs ...func(*NodesConfig)) *harness {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	model := llm.NewScripted()
	index := retrieval.NewMemoryIndex()
	selector := fewshot.NewSelector(st, fewshot.DefaultK)

	cfg := DefaultNodesConfig()
	cfg.Retry = wferrors.NoRetry
	for _, apply := range cfgs {
		apply(&cfg)
	}

	graph, err := BuildGraph(NewNodes(st, model, index, selector, cfg))
	require.NoError(t, err)

	cps := checkpoint.NewMemoryStore()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	log := &eventLog{}
	bus.SubscribeAll(log.record)

	engine := NewEngine(graph, cps, st,
		WithEventBus(bus),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	return &harness{engine: engine, model: model, store: st, cps: cps, index: index, events: log}
}

func TestEngine_CompletesSimpleTurn(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL", "Hello! How can I help you today?")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hi there")

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, reply.Status)
	assert.Equal(t, IntentGeneral, reply.Intent)
	assert.Equal(t, "Hello! How can I help you today?", reply.Text)
	require.NotZero(t, reply.ConversationID)

	msgs, err := h.store.RecentMessages(context.Background(), reply.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.Equal(t, store.SenderAgent, msgs[1].Sender)

	assert.Contains(t, h.events.types(), event.TypeRunCompleted)
}

func TestEngine_ValidationRejectsMalformedInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		channel string
		userID  string
		content string
	}{
		{"empty content", "whatsapp", "user-1", "   "},
		{"empty channel", "", "user-1", "hi"},
		{"empty user", "whatsapp", "", "hi"},
		{"oversized content", "whatsapp", "user-1", strings.Repeat("a", 8001)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.HandleMessage(ctx, tc.channel, tc.userID, tc.content)
			require.Error(t, err)
			assert.Equal(t, wferrors.CategoryValidation, wferrors.Categorize(err))
		})
	}

	// Rejected messages leave no trace.
	_, hasReq := h.model.LastRequest()
	assert.False(t, hasReq)
}

func TestEngine_RefundSuspendsForApproval(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("COMPLAINT", "draft that will be replaced by the hold reply")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund for order 123")

	require.NoError(t, err)
	assert.Equal(t, RunSuspended, reply.Status)
	assert.Equal(t, IntentComplaint, reply.Intent)
	assert.Contains(t, reply.Text, "refund request for review")
	require.NotEmpty(t, reply.ActionID)

	action, err := h.store.PendingActionByID(context.Background(), reply.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, action.Status)
	assert.Equal(t, "refund", action.ActionType)

	// The suspension is durable: the checkpoint carries the resume point
	// and a state that satisfies the lifecycle invariant.
	suspended, resumeAt, reason, err := workflow.LoadSuspension(h.cps, action.RunID)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, NodeExecuteApprovedAction, resumeAt)
	assert.Contains(t, reason, "requires approval")

	data, err := h.cps.Latest(action.RunID)
	require.NoError(t, err)
	cp, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)
	var state ConversationState
	require.NoError(t, json.Unmarshal(cp.State, &state))
	require.NoError(t, state.Validate())
	assert.Equal(t, RunSuspended, state.RunStatus)
	require.NotNil(t, state.Pending)
	assert.Equal(t, reply.ActionID, state.Pending.ID)

	// The hold reply is delivered but the turn is not finalized: only the
	// user's message is persisted until the decision lands.
	msgs, err := h.store.RecentMessages(context.Background(), reply.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)

	assert.Contains(t, h.events.types(), event.TypeRunSuspended)
}

func TestEngine_ApproveExecutesAndCompletes(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("COMPLAINT", "draft")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund")
	require.NoError(t, err)
	require.Equal(t, RunSuspended, reply.Status)

	final, err := h.engine.Resume(context.Background(), Decision{
		ConversationID: reply.ConversationID,
		Approve:        true,
	})

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, final.Status)
	assert.Contains(t, final.Text, "5 to 7 business days")

	action, err := h.store.PendingActionByID(context.Background(), reply.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, action.Status)

	msgs, err := h.store.RecentMessages(context.Background(), reply.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderAgent, msgs[1].Sender)
	assert.Contains(t, msgs[1].Content, "5 to 7 business days")

	types := h.events.types()
	assert.Contains(t, types, event.TypeRunResumed)
	assert.Contains(t, types, event.TypeRunCompleted)
}

func TestEngine_RejectFinalizesWithoutExecuting(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("COMPLAINT", "draft")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund")
	require.NoError(t, err)

	calls := len(h.model.Requests())

	final, err := h.engine.Resume(context.Background(), Decision{
		ConversationID: reply.ConversationID,
		Approve:        false,
		Note:           "outside the return window",
	})

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, final.Status)
	assert.Contains(t, final.Text, "unable to approve")
	assert.Contains(t, final.Text, "outside the return window")

	action, err := h.store.PendingActionByID(context.Background(), reply.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, action.Status)

	// Rejection never re-enters the graph: no model calls, and the
	// rejection notice is the only agent message.
	assert.Len(t, h.model.Requests(), calls)
	msgs, err := h.store.RecentMessages(context.Background(), reply.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "unable to approve")
}

func TestEngine_DuplicateDecisionIsConflict(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("COMPLAINT", "draft")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund")
	require.NoError(t, err)

	_, err = h.engine.Resume(context.Background(), Decision{ConversationID: reply.ConversationID, Approve: true})
	require.NoError(t, err)

	_, err = h.engine.Resume(context.Background(), Decision{ConversationID: reply.ConversationID, Approve: false})
	require.Error(t, err)
	assert.Equal(t, wferrors.CategoryConflict, wferrors.Categorize(err))

	// The losing decision changed nothing.
	action, err := h.store.PendingActionByID(context.Background(), reply.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, action.Status)
}

func TestEngine_ResumeAcrossProcesses(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("COMPLAINT", "draft")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund")
	require.NoError(t, err)
	require.Equal(t, RunSuspended, reply.Status)

	// A fresh engine over the same store and checkpoints stands in for a
	// restarted process.
	selector := fewshot.NewSelector(h.store, fewshot.DefaultK)
	cfg := DefaultNodesConfig()
	cfg.Retry = wferrors.NoRetry
	graph, err := BuildGraph(NewNodes(h.store, llm.NewScripted(), retrieval.NewMemoryIndex(), selector, cfg))
	require.NoError(t, err)
	second := NewEngine(graph, h.cps, h.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	final, err := second.Resume(context.Background(), Decision{
		ConversationID: reply.ConversationID,
		Approve:        true,
	})

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, final.Status)
	assert.Contains(t, final.Text, "5 to 7 business days")
}

func TestEngine_ResumeWithoutSuspension(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL", "Hi!")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, reply.Status)

	_, err = h.engine.Resume(context.Background(), Decision{ConversationID: reply.ConversationID, Approve: true})
	require.Error(t, err)
	assert.Equal(t, wferrors.CategoryConsistency, wferrors.Categorize(err))

	_, err = h.engine.Resume(context.Background(), Decision{ConversationID: 999, Approve: true})
	require.Error(t, err)
	assert.Equal(t, wferrors.CategoryConsistency, wferrors.Categorize(err))
}

func TestEngine_CancelDiscardsPendingAction(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("COMPLAINT", "draft")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund")
	require.NoError(t, err)

	out, err := h.engine.Cancel(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, out.Status)

	action, err := h.store.PendingActionByID(context.Background(), reply.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, action.Status)

	// Nothing left to decide on.
	_, err = h.engine.Resume(context.Background(), Decision{ConversationID: reply.ConversationID, Approve: true})
	require.Error(t, err)
	assert.Equal(t, wferrors.CategoryConsistency, wferrors.Categorize(err))

	assert.Contains(t, h.events.types(), event.TypeRunCancelled)
}

func TestEngine_CancelWithoutSuspension(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL", "Hi!")
	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")
	require.NoError(t, err)

	_, err = h.engine.Cancel(context.Background(), reply.ConversationID)
	require.Error(t, err)
	assert.Equal(t, wferrors.CategoryConsistency, wferrors.Categorize(err))
}

func TestEngine_GenerationFailureProducesFallback(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL")
	h.model.Fail(errors.New("model backend unavailable"))

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")

	require.NoError(t, err, "run failure is reported through the reply, not the error")
	assert.Equal(t, RunFailed, reply.Status)
	assert.Equal(t, FallbackReply, reply.Text)

	// The inbound message survived; no agent reply was recorded.
	msgs, err := h.store.RecentMessages(context.Background(), reply.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)

	assert.Contains(t, h.events.types(), event.TypeRunFailed)
}

func TestEngine_ClassificationFailureDefaultsToGeneral(t *testing.T) {
	h := newHarness(t)
	h.model.Fail(errors.New("rate limited"))
	h.model.Respond("All good, how can I help?")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, reply.Status)
	assert.Equal(t, IntentGeneral, reply.Intent)
	assert.Equal(t, "All good, how can I help?", reply.Text)
}

func TestEngine_OutOfEnumClassificationDefaultsToGeneral(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("PHILOSOPHY", "Happy to help!")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")

	require.NoError(t, err)
	assert.Equal(t, IntentGeneral, reply.Intent)
}

func TestEngine_EmptyRetrievalStillCompletes(t *testing.T) {
	h := newHarness(t) // index left empty
	h.model.Respond("SUPPORT", "Let me check that for you.")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "how do I reset?")

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, reply.Status)

	req, ok := h.model.LastRequest()
	require.True(t, ok)
	assert.NotContains(t, req.System, "knowledge base")
}

func TestEngine_RetrievedKnowledgeReachesPrompt(t *testing.T) {
	h := newHarness(t)
	h.index.Add(retrieval.Document{ID: "kb-1", Content: "Refunds take 5 to 7 business days to process."})
	h.model.Respond("SUPPORT", "Refunds usually take about a week.")

	_, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "how long do refunds take?")

	require.NoError(t, err)
	req, ok := h.model.LastRequest()
	require.True(t, ok)
	assert.Contains(t, req.System, "Refunds take 5 to 7 business days to process.")
}

func TestEngine_FewShotExamplesReachPrompt(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.AddExample(context.Background(), store.DatasetItem{
		Category:  "support",
		Quality:   store.QualityGold,
		UserText:  "how do I reset my password?",
		AgentText: "Use the Forgot Password link on the sign-in page.",
		Active:    true,
	})
	require.NoError(t, err)
	h.model.Respond("SUPPORT", "Use the reset link!")

	_, err = h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "how do I reset my password?")

	require.NoError(t, err)
	req, ok := h.model.LastRequest()
	require.True(t, ok)
	assert.Contains(t, req.System, "Use the Forgot Password link on the sign-in page.")
}

func TestEngine_FirstContactNameFlow(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL", "Nice to meet you, Maria!")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hi, my name is maria")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, reply.Status)

	profile, err := h.store.Profile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Maria", profile.Name)
	assert.False(t, profile.FirstContact)

	// The next turn addresses the user by name.
	h.model.Respond("GENERAL", "Of course, Maria.")
	_, err = h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "can you help me?")
	require.NoError(t, err)

	req, ok := h.model.LastRequest()
	require.True(t, ok)
	assert.Contains(t, req.System, "Maria")
	assert.NotContains(t, req.System, "ask for their name")
}

func TestEngine_ChannelShapesPromptStyle(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL", "Dear customer, ...")

	_, err := h.engine.HandleMessage(context.Background(), "email", "user-1", "hello")
	require.NoError(t, err)

	req, ok := h.model.LastRequest()
	require.True(t, ok)
	assert.Contains(t, req.System, "formal")
}

func TestEngine_SummarizesAtThreshold(t *testing.T) {
	h := newHarness(t, func(cfg *NodesConfig) { cfg.SummarizeThreshold = 2 })
	h.model.Respond("GENERAL", "Hi!", "Prefers email contact, asked about order status.")

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, reply.Status)

	uc, err := h.store.Context(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Prefers email contact, asked about order status.", uc.Summary)
	assert.Equal(t, 1, uc.ConversationCount)

	// The next summarization merges rather than replaces.
	h.model.Respond("GENERAL", "Sure!", "Prefers email, order shipped.")
	_, err = h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "any update?")
	require.NoError(t, err)

	uc, err = h.store.Context(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Prefers email, order shipped.", uc.Summary)
	assert.Equal(t, 2, uc.ConversationCount)

	reqs := h.model.Requests()
	summarizeReq := reqs[len(reqs)-1]
	assert.Contains(t, summarizeReq.Messages[0].Content, "Existing summary to merge")
}

func TestEngine_SummarizationFailureKeepsPreviousSummary(t *testing.T) {
	h := newHarness(t, func(cfg *NodesConfig) { cfg.SummarizeThreshold = 2 })

	require.NoError(t, h.store.SaveContext(context.Background(), store.UserContext{
		UserID:            "user-1",
		Summary:           "Long-time customer.",
		ConversationCount: 3,
	}))

	h.model.Respond("GENERAL", "Hi!")
	h.model.Fail(errors.New("model unavailable"))

	reply, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, reply.Status)

	uc, err := h.store.Context(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Long-time customer.", uc.Summary)
	assert.Equal(t, 4, uc.ConversationCount)
}

func TestEngine_ConcurrentMessagesSerialize(t *testing.T) {
	h := newHarness(t)
	h.model.Respond("GENERAL", "First reply.", "GENERAL", "Second reply.")

	var wg sync.WaitGroup
	replies := make([]Reply, 2)
	contents := []string{"first message", "second message"}
	for i := range contents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", contents[i])
			assert.NoError(t, err)
			replies[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range replies {
		assert.Equal(t, RunCompleted, r.Status)
	}

	// The per-user lock serializes the turns: user and agent messages
	// strictly alternate, never interleave.
	msgs, err := h.store.RecentMessages(context.Background(), replies[0].ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, store.SenderAgent, msgs[1].Sender)
	assert.Equal(t, store.SenderUser, msgs[2].Sender)
	assert.Equal(t, store.SenderAgent, msgs[3].Sender)
}

func TestEngine_HistoryWindowBoundsPrompt(t *testing.T) {
	h := newHarness(t, func(cfg *NodesConfig) {
		cfg.HistoryWindow = 4
		cfg.SummarizeThreshold = 100
	})

	for i := 0; i < 5; i++ {
		h.model.Respond("GENERAL", "ok")
		_, err := h.engine.HandleMessage(context.Background(), "whatsapp", "user-1", "message")
		require.NoError(t, err)
	}

	req, ok := h.model.LastRequest()
	require.True(t, ok)
	assert.LessOrEqual(t, len(req.Messages), 4)
}

// faultyCheckpoints fails Save for one node's checkpoint, standing in for
// a storage outage at the moment a run tries to suspend.
type faultyCheckpoints struct {
	*checkpoint.MemoryStore
	failNode string
}

func (f *faultyCheckpoints) Save(runID, nodeID string, data []byte) error {
	if nodeID == f.failNode {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(runID, nodeID, data)
}

func TestEngine_SuspensionCheckpointFailureFailsRun(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	model := llm.NewScripted()
	model.Respond("COMPLAINT", "draft")
	selector := fewshot.NewSelector(st, fewshot.DefaultK)
	cfg := DefaultNodesConfig()
	cfg.Retry = wferrors.NoRetry
	graph, err := BuildGraph(NewNodes(st, model, retrieval.NewMemoryIndex(), selector, cfg))
	require.NoError(t, err)

	cps := &faultyCheckpoints{
		MemoryStore: checkpoint.NewMemoryStore(),
		failNode:    string(NodeExecuteApprovedAction),
	}
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	log := &eventLog{}
	bus.SubscribeAll(log.record)
	engine := NewEngine(graph, cps, st,
		WithEventBus(bus),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	reply, err := engine.HandleMessage(context.Background(), "whatsapp", "user-1", "I want a refund")

	// No durable resume point exists, so the run must not be reported
	// as suspended: the turn fails instead.
	require.NoError(t, err)
	assert.Equal(t, RunFailed, reply.Status)
	assert.Equal(t, FallbackReply, reply.Text)
	assert.NotContains(t, log.types(), event.TypeRunSuspended)
	assert.Contains(t, log.types(), event.TypeRunFailed)
}
