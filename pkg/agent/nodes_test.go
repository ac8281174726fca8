package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichat/omnichat/pkg/llm"
	"github.com/omnichat/omnichat/pkg/store"
	"github.com/omnichat/omnichat/pkg/workflow"
	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
)

func nodeCtx() workflow.Context {
	return workflow.NewContext(context.Background())
}

func TestParseIntent(t *testing.T) {
	cases := map[string]Intent{
		"SALES":       IntentSales,
		"support":     IntentSupport,
		" Complaint ": IntentComplaint,
		"GENERAL":     IntentGeneral,
		"banana":      IntentGeneral,
		"":            IntentGeneral,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseIntent(in), "input %q", in)
	}
}

func TestDetectCriticalAction_Keywords(t *testing.T) {
	n := &Nodes{cfg: DefaultNodesConfig()}

	cases := []struct {
		input      string
		actionType string
	}{
		{"I want a refund for my order", "refund"},
		{"quero um reembolso", "refund"},
		{"preciso do estorno da compra", "refund"},
		{"please delete my account", "account_deletion"},
		{"quero cancelar conta", "account_deletion"},
		{"I keep getting permission denied", "permission_issue"},
		{"my credit card was charged twice", "sensitive_info"},
	}

	for _, tc := range cases {
		s, err := n.detectCriticalAction(nodeCtx(), NewState("whatsapp", "u1", "t1", tc.input))
		require.NoError(t, err)
		require.NotNil(t, s.Detected, "input %q", tc.input)
		assert.Equal(t, tc.actionType, s.Detected.ActionType, "input %q", tc.input)
		assert.Equal(t, "u1", s.Detected.Target)
	}
}

func TestDetectCriticalAction_NoMatch(t *testing.T) {
	n := &Nodes{cfg: DefaultNodesConfig()}

	s, err := n.detectCriticalAction(nodeCtx(), NewState("whatsapp", "u1", "t1", "what time do you open?"))

	require.NoError(t, err)
	assert.Nil(t, s.Detected)
}

func TestExtractUserInfo_Patterns(t *testing.T) {
	cfg := DefaultNodesConfig()
	cfg.Retry = wferrors.NoRetry

	cases := map[string]string{
		"hi, my name is maria":    "Maria",
		"you can call me JOHN":    "John",
		"oi, me chamo pedro":      "Pedro",
		"meu nome é Ana, e o seu": "Ana",
		"just a regular message":  "",
	}

	for input, want := range cases {
		n := &Nodes{model: llm.NewScripted(), cfg: cfg}
		s, err := n.extractUserInfo(nodeCtx(), NewState("whatsapp", "u1", "t1", input))
		require.NoError(t, err)
		assert.Equal(t, want, s.ExtractedName, "input %q", input)
	}
}

func TestExtractUserInfo_ModelFallback(t *testing.T) {
	cfg := DefaultNodesConfig()
	cfg.Retry = wferrors.NoRetry

	model := llm.NewScripted().Respond("Bob")
	n := &Nodes{model: model, cfg: cfg}

	s, err := n.extractUserInfo(nodeCtx(), NewState("whatsapp", "u1", "t1", "everyone uses my nickname but the name on the account is bob"))
	require.NoError(t, err)
	assert.Equal(t, "Bob", s.ExtractedName)

	// NONE, multi-word answers, and model failures all mean no extraction.
	for _, resp := range []string{"NONE", "Bob Smith"} {
		n := &Nodes{model: llm.NewScripted().Respond(resp), cfg: cfg}
		s, err := n.extractUserInfo(nodeCtx(), NewState("whatsapp", "u1", "t1", "my display name got lost"))
		require.NoError(t, err)
		assert.Empty(t, s.ExtractedName, "response %q", resp)
	}

	n = &Nodes{model: llm.NewScripted(), cfg: cfg} // script exhausted = failure
	s, err = n.extractUserInfo(nodeCtx(), NewState("whatsapp", "u1", "t1", "my display name got lost"))
	require.NoError(t, err)
	assert.Empty(t, s.ExtractedName)
}

func TestExtractUserInfo_NeverOverwritesKnownName(t *testing.T) {
	n := &Nodes{cfg: DefaultNodesConfig()}

	state := NewState("whatsapp", "u1", "t1", "my name is maria")
	state.Profile.Name = "Ana"

	s, err := n.extractUserInfo(nodeCtx(), state)

	require.NoError(t, err)
	assert.Empty(t, s.ExtractedName)
	assert.Equal(t, "Ana", s.Profile.Name)
}

func TestGreetingShortcut(t *testing.T) {
	reply, ok := greetingShortcut("Hi!", "Maria")
	require.True(t, ok)
	assert.Contains(t, reply, "Maria")

	_, ok = greetingShortcut("hi, where is my order?", "Maria")
	assert.False(t, ok)

	_, ok = greetingShortcut("bom dia", "Pedro")
	assert.True(t, ok)
}

func TestRejectionReply_RefundPhoneHint(t *testing.T) {
	text := rejectionReply("refund", "outside window")
	assert.Contains(t, text, "outside window")
	assert.Contains(t, text, "phone support")

	text = rejectionReply("account_deletion", "")
	assert.NotContains(t, text, "phone support")
}

func TestChannelStyle(t *testing.T) {
	assert.Contains(t, channelStyle("whatsapp"), "casual")
	assert.Contains(t, channelStyle("email"), "formal")
	assert.Contains(t, channelStyle("telegram"), "concise")
	assert.Contains(t, channelStyle("sms"), "neutral")
}

func TestState_Validate(t *testing.T) {
	ok := NewState("whatsapp", "u1", "t1", "hi")
	assert.NoError(t, ok.Validate())

	suspended := ok
	suspended.RunStatus = RunSuspended
	assert.Error(t, suspended.Validate(), "suspended without pending action")

	suspended.Pending = &PendingActionRef{ActionType: "refund"}
	assert.Error(t, suspended.Validate(), "suspended without checkpoint node")

	suspended.CheckpointNode = string(NodeExecuteApprovedAction)
	assert.NoError(t, suspended.Validate())

	running := ok
	running.Pending = &PendingActionRef{ActionType: "refund"}
	assert.Error(t, running.Validate(), "pending action on a running state")
}

func TestSaveNodes_IdempotentUnderRetry(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	cfg := DefaultNodesConfig()
	cfg.Retry = wferrors.NoRetry
	n := &Nodes{store: st, cfg: cfg}

	state := NewState("whatsapp", "u1", "turn-1", "hello")
	state, err = n.manageHistory(nodeCtx(), state)
	require.NoError(t, err)
	state.Response = "hi!"

	// A crash between a node and its checkpoint replays the node; the
	// turn-keyed writes must converge instead of duplicating.
	first, err := n.saveResponse(nodeCtx(), state)
	require.NoError(t, err)
	_, err = n.saveResponse(nodeCtx(), state)
	require.NoError(t, err)

	msgs, err := st.RecentMessages(nodeCtx(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// Same for the profile upsert.
	state.ExtractedName = "Maria"
	state.Profile.FirstContact = true
	for i := 0; i < 2; i++ {
		_, err = n.saveUserProfile(nodeCtx(), state)
		require.NoError(t, err)
	}
	p, err := st.Profile(nodeCtx(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Maria", p.Name)
}

func TestBuildSystemPrompt_FirstContactAsksForName(t *testing.T) {
	n := &Nodes{cfg: DefaultNodesConfig()}

	state := NewState("whatsapp", "u1", "t1", "hi")
	state.Profile.FirstContact = true

	prompt := n.buildSystemPrompt(state)
	assert.Contains(t, prompt, "ask for their name")

	state.Profile.Name = "Maria"
	state.Profile.FirstContact = false
	prompt = n.buildSystemPrompt(state)
	assert.Contains(t, prompt, "Maria")
	assert.NotContains(t, prompt, "ask for their name")
}

func TestBuildSystemPrompt_IncludesRetrievedAndExamples(t *testing.T) {
	n := &Nodes{cfg: DefaultNodesConfig()}

	state := NewState("email", "u1", "t1", "refund?")
	state.Retrieved = []Snippet{{Text: "Refunds take 5 to 7 business days."}}
	state.Examples = []ExamplePair{{Input: "price?", Output: "It costs $10."}}

	prompt := n.buildSystemPrompt(state)

	assert.Contains(t, prompt, "Refunds take 5 to 7 business days.")
	assert.Contains(t, prompt, "formal")

	// The example block is rendered by the fewshot formatter.
	assert.Contains(t, prompt, "Examples of good responses:")
	assert.Contains(t, prompt, "User: price?\nAgent: It costs $10.")
}
