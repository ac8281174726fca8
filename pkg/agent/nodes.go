package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/omnichat/omnichat/pkg/fewshot"
	"github.com/omnichat/omnichat/pkg/llm"
	"github.com/omnichat/omnichat/pkg/retrieval"
	"github.com/omnichat/omnichat/pkg/store"
	"github.com/omnichat/omnichat/pkg/workflow"
	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
)

// Node identifiers. The set is closed: the routing table in graph.go is
// validated exhaustively at startup.
const (
	NodeManageHistory         workflow.NodeID = "manage_history"
	NodeCheckUserProfile      workflow.NodeID = "check_user_profile"
	NodeLoadUserContext       workflow.NodeID = "load_user_context"
	NodeClassifyMessage       workflow.NodeID = "classify_message"
	NodeRetrieveKnowledge     workflow.NodeID = "retrieve_knowledge"
	NodeGenerateResponse      workflow.NodeID = "generate_response"
	NodeExtractUserInfo       workflow.NodeID = "extract_user_info"
	NodeSaveUserProfile       workflow.NodeID = "save_user_profile"
	NodeDetectCriticalAction  workflow.NodeID = "detect_critical_action"
	NodeCreatePendingAction   workflow.NodeID = "create_pending_action"
	NodeExecuteApprovedAction workflow.NodeID = "execute_approved_action"
	NodeSaveResponse          workflow.NodeID = "save_response"
	NodeSummarizeConversation workflow.NodeID = "summarize_conversation"
	NodeSaveUserContext       workflow.NodeID = "save_user_context"
)

// Tunables. Soft safety margins, overridable via NodesConfig.
const (
	DefaultHistoryWindow      = 10
	DefaultSummarizeThreshold = 10
)

// NodesConfig carries the knobs for node behavior.
type NodesConfig struct {
	// HistoryWindow is how many recent messages flow into prompts.
	HistoryWindow int

	// SummarizeThreshold is the message count that triggers long-term
	// summarization at the end of a turn.
	SummarizeThreshold int

	// RetrievalK is how many knowledge snippets to fetch per turn.
	RetrievalK int

	// Retry is the policy for external reads (model, retrieval). Passed
	// explicitly; retry is never ambient.
	Retry wferrors.RetryConfig
}

// DefaultNodesConfig returns the standard configuration.
func DefaultNodesConfig() NodesConfig {
	return NodesConfig{
		HistoryWindow:      DefaultHistoryWindow,
		SummarizeThreshold: DefaultSummarizeThreshold,
		RetrievalK:         retrieval.DefaultK,
		Retry:              wferrors.DefaultRetry,
	}
}

// Nodes holds the collaborators the processing stages need. Nodes receive
// dependencies through this struct, not through the execution context.
type Nodes struct {
	store     *store.Store
	model     llm.Client
	retriever retrieval.Client
	selector  *fewshot.Selector
	cfg       NodesConfig
}

// NewNodes wires the node set.
func NewNodes(st *store.Store, model llm.Client, retriever retrieval.Client, selector *fewshot.Selector, cfg NodesConfig) *Nodes {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = retrieval.DefaultK
	}
	return &Nodes{store: st, model: model, retriever: retriever, selector: selector, cfg: cfg}
}

// manageHistory loads or creates the conversation record, appends the
// inbound message, and loads the history window.
func (n *Nodes) manageHistory(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	conv, err := n.store.EnsureConversation(ctx, s.UserID, s.Channel)
	if err != nil {
		return s, fmt.Errorf("ensure conversation: %w", err)
	}
	s.ConversationID = conv.ID

	// TurnID keys the write: a retried node lands on the same row.
	if _, err := n.store.AppendMessage(ctx, store.Message{
		ConversationID: conv.ID,
		TurnID:         s.TurnID,
		Sender:         store.SenderUser,
		Channel:        s.Channel,
		Content:        s.Input,
	}); err != nil {
		return s, fmt.Errorf("append inbound message: %w", err)
	}

	window, err := n.store.RecentMessages(ctx, conv.ID, n.cfg.HistoryWindow)
	if err != nil {
		return s, fmt.Errorf("load history: %w", err)
	}

	s.Messages = s.Messages[:0]
	for _, m := range window {
		s.AppendTurn(string(m.Sender), m.Content, m.CreatedAt)
	}
	return s, nil
}

// checkUserProfile loads the stored profile. A user never seen before is
// marked as first contact.
func (n *Nodes) checkUserProfile(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	p, err := n.store.Profile(ctx, s.UserID)
	if errors.Is(err, store.ErrNotFound) {
		s.Profile = Profile{FirstContact: true}
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("load profile: %w", err)
	}

	s.Profile = Profile{
		Name:         p.Name,
		Email:        p.Email,
		Phone:        p.Phone,
		Preferences:  p.Preferences,
		FirstContact: p.FirstContact,
	}
	return s, nil
}

// loadUserContext loads the long-term memory summary.
func (n *Nodes) loadUserContext(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	uc, err := n.store.Context(ctx, s.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("load user context: %w", err)
	}

	s.UserSummary = uc.Summary
	s.ContextCount = uc.ConversationCount
	return s, nil
}

// classifyMessage assigns the intent. It fails closed: if the model is
// unavailable after retries or answers out of enum, the intent is GENERAL.
func (n *Nodes) classifyMessage(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	examples, err := n.selector.Select(ctx, "", s.Input)
	if err != nil {
		return s, fmt.Errorf("select classification examples: %w", err)
	}

	var prompt strings.Builder
	prompt.WriteString("Classify the user's message into exactly one intent: SALES, SUPPORT, COMPLAINT, or GENERAL.\nAnswer with the intent word only.\n")
	for _, ex := range examples {
		fmt.Fprintf(&prompt, "\nUser: %s\nIntent: %s\n", ex.UserText, strings.ToUpper(ex.Category))
	}

	result := wferrors.WithRetry(ctx, n.cfg.Retry, func(c context.Context) (string, error) {
		out, err := n.model.Complete(c, llm.Request{
			System:   prompt.String(),
			Messages: []llm.Message{llm.UserMessage(s.Input)},
		})
		if err != nil {
			return "", wferrors.Transient(err, "classify intent")
		}
		return out, nil
	})
	if result.Err != nil {
		ctx.Logger().Warn("intent classification unavailable, defaulting to GENERAL",
			"error", result.Err, "attempts", result.Attempts)
		s.Intent = IntentGeneral
		return s, nil
	}

	s.Intent = ParseIntent(result.Value)
	return s, nil
}

// retrieveKnowledge queries the retrieval collaborator. An empty result is
// normal; the turn proceeds on few-shot and profile alone.
func (n *Nodes) retrieveKnowledge(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	result := wferrors.WithRetry(ctx, n.cfg.Retry, func(c context.Context) ([]retrieval.Document, error) {
		docs, err := n.retriever.Retrieve(c, s.Input, n.cfg.RetrievalK)
		if err != nil {
			return nil, wferrors.Transient(err, "retrieve knowledge")
		}
		return docs, nil
	})
	if result.Err != nil {
		return s, result.Err
	}

	s.Retrieved = s.Retrieved[:0]
	for _, d := range result.Value {
		s.Retrieved = append(s.Retrieved, Snippet{Text: d.Content, Score: d.Score})
	}
	return s, nil
}

// generateResponse composes the model input from history, retrieved
// context, few-shot examples, and profile, and produces the reply. It
// never touches intent or profile.
func (n *Nodes) generateResponse(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	// Known users sending a bare greeting get a personalized hello
	// without a model round trip.
	if s.Profile.Name != "" {
		if greeting, ok := greetingShortcut(s.Input, s.Profile.Name); ok {
			s.Response = greeting
			return s, nil
		}
	}

	items, err := n.selector.Select(ctx, strings.ToLower(string(s.Intent)), s.Input)
	if err != nil {
		return s, fmt.Errorf("select examples: %w", err)
	}
	s.Examples = s.Examples[:0]
	for _, it := range items {
		s.Examples = append(s.Examples, ExamplePair{Input: it.UserText, Output: it.AgentText})
	}

	system := n.buildSystemPrompt(s)
	messages := historyToChat(s.Messages)

	temp := 0.7
	result := wferrors.WithRetry(ctx, n.cfg.Retry, func(c context.Context) (string, error) {
		out, err := n.model.Complete(c, llm.Request{
			System:      system,
			Messages:    messages,
			Temperature: &temp,
		})
		if err != nil {
			return "", wferrors.Transient(err, "generate response")
		}
		return out, nil
	})
	if result.Err != nil {
		// Model unavailability fails the run; the engine produces the
		// user-visible fallback.
		return s, result.Err
	}

	s.Response = result.Value
	return s, nil
}

func (n *Nodes) buildSystemPrompt(s ConversationState) string {
	var b strings.Builder
	b.WriteString("You are a customer service agent for an online store.\n")
	b.WriteString(channelStyle(s.Channel))

	if s.Profile.Name != "" {
		fmt.Fprintf(&b, "\nThe customer's name is %s.", s.Profile.Name)
	} else if s.Profile.FirstContact {
		b.WriteString("\nThis is the customer's first contact and their name is unknown. Politely ask for their name as part of your reply.")
	}
	if s.UserSummary != "" {
		fmt.Fprintf(&b, "\nWhat you know about this customer from past conversations:\n%s", s.UserSummary)
	}
	if len(s.Retrieved) > 0 {
		b.WriteString("\nRelevant knowledge base entries:\n")
		for _, sn := range s.Retrieved {
			fmt.Fprintf(&b, "- %s\n", sn.Text)
		}
	}
	if len(s.Examples) > 0 {
		items := make([]store.DatasetItem, len(s.Examples))
		for i, ex := range s.Examples {
			items[i] = store.DatasetItem{UserText: ex.Input, AgentText: ex.Output}
		}
		b.WriteString("\n")
		b.WriteString(fewshot.Format(items))
	}
	return b.String()
}

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "good morning": {}, "good afternoon": {},
	"good evening": {}, "oi": {}, "olá": {}, "ola": {}, "bom dia": {},
	"boa tarde": {}, "boa noite": {},
}

func greetingShortcut(input, name string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimRight(strings.TrimSpace(input), "!.?"))
	if _, ok := greetings[trimmed]; !ok {
		return "", false
	}
	return fmt.Sprintf("Hi %s! Good to hear from you again. How can I help today?", name), true
}

func channelStyle(channel string) string {
	switch channel {
	case "whatsapp":
		return "Style: casual and friendly, short sentences, emojis are fine."
	case "email":
		return "Style: formal and structured, with a proper greeting and closing."
	case "telegram":
		return "Style: concise and direct, no filler."
	default:
		return "Style: neutral and professional."
	}
}

func historyToChat(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == string(store.SenderAgent) {
			msgs = append(msgs, llm.AssistantMessage(t.Content))
		} else {
			msgs = append(msgs, llm.UserMessage(t.Content))
		}
	}
	return msgs
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is (\p{L}+)`),
	regexp.MustCompile(`(?i)\bcall me (\p{L}+)`),
	regexp.MustCompile(`(?i)\bme chamo (\p{L}+)`),
	regexp.MustCompile(`(?i)\bmeu nome (?:é|e) (\p{L}+)`),
}

// extractUserInfo scans the inbound turn for profile-worthy facts. Writes
// are additive only: an already-known name is never overwritten. Regex
// patterns run first; the model is asked only when the message talks
// about a name in a form the patterns miss, and a model failure just
// means no extraction this turn.
func (n *Nodes) extractUserInfo(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	if s.Profile.Name != "" {
		return s, nil
	}

	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(s.Input); m != nil {
			s.ExtractedName = capitalize(m[1])
			return s, nil
		}
	}

	lower := strings.ToLower(s.Input)
	if !strings.Contains(lower, "name") && !strings.Contains(lower, "nome") {
		return s, nil
	}

	result := wferrors.WithRetry(ctx, n.cfg.Retry, func(c context.Context) (string, error) {
		out, err := n.model.Complete(c, llm.Request{
			System:   "The user may be introducing themselves. Answer with their first name only, or NONE if the message does not state their name.",
			Messages: []llm.Message{llm.UserMessage(s.Input)},
		})
		if err != nil {
			return "", wferrors.Transient(err, "extract name")
		}
		return out, nil
	})
	if result.Err != nil {
		ctx.Logger().Warn("name extraction unavailable", "error", result.Err)
		return s, nil
	}

	name := strings.TrimSpace(result.Value)
	if name == "" || strings.EqualFold(name, "NONE") || strings.ContainsAny(name, " \n") {
		return s, nil
	}
	s.ExtractedName = capitalize(name)
	return s, nil
}

func capitalize(word string) string {
	runes := []rune(strings.ToLower(word))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// saveUserProfile persists profile changes. The upsert is idempotent, so a
// retried node converges on the same record.
func (n *Nodes) saveUserProfile(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	name := s.Profile.Name
	if name == "" && s.ExtractedName != "" {
		name = s.ExtractedName
	}

	changed := s.Profile.FirstContact || name != s.Profile.Name
	if !changed {
		return s, nil
	}

	if err := n.store.SaveProfile(ctx, store.UserProfile{
		UserID:       s.UserID,
		Name:         name,
		Email:        s.Profile.Email,
		Phone:        s.Profile.Phone,
		Preferences:  s.Profile.Preferences,
		FirstContact: false,
	}); err != nil {
		return s, fmt.Errorf("save profile: %w", err)
	}

	s.Profile.Name = name
	s.Profile.FirstContact = false
	s.ProfileUpdated = true
	return s, nil
}

// Critical action keywords, matched case-insensitively against the
// inbound message. Ordered: when a message matches more than one type,
// the first wins. Portuguese variants come from the channels this agent
// serves.
var criticalKeywords = []struct {
	actionType string
	words      []string
}{
	{"refund", []string{
		"refund", "money back", "reembolso", "estorno", "devolver o dinheiro",
	}},
	{"account_deletion", []string{
		"delete my account", "close my account", "excluir conta",
		"cancelar conta", "apagar conta", "excluir minha conta",
	}},
	{"permission_issue", []string{
		"permission denied", "can't access", "cannot access",
		"sem permissao", "sem permissão",
	}},
	{"sensitive_info", []string{
		"credit card", "cartão de crédito", "cartao de credito", "cpf",
		"password", "senha",
	}},
}

// detectCriticalAction is a pure transform that flags sensitive actions
// for approval. Detection alone does not suspend the run; that happens
// when the action is durably recorded.
func (n *Nodes) detectCriticalAction(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	input := strings.ToLower(s.Input)
	for _, group := range criticalKeywords {
		for _, w := range group.words {
			if strings.Contains(input, w) {
				s.Detected = &PendingActionRef{
					ActionType:    group.actionType,
					Target:        s.UserID,
					Justification: s.Input,
				}
				return s, nil
			}
		}
	}
	return s, nil
}

// createPendingAction durably records the detected action and suspends the
// run. The reply tells the user their request is under review; the real
// outcome arrives after the operator decides.
func (n *Nodes) createPendingAction(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	if s.Detected == nil {
		return s, wferrors.Consistency(
			errors.New("create_pending_action entered without a detected action"), "workflow")
	}

	action, err := n.store.CreatePendingAction(ctx, store.PendingAction{
		ConversationID: s.ConversationID,
		RunID:          ctx.RunID(),
		ActionType:     s.Detected.ActionType,
		Description:    s.Detected.Justification,
	})
	if err != nil {
		return s, fmt.Errorf("create pending action: %w", err)
	}

	s.Pending = &PendingActionRef{
		ID:            action.ID,
		ActionType:    s.Detected.ActionType,
		Target:        s.Detected.Target,
		Justification: s.Detected.Justification,
	}
	s.Detected = nil
	s.RunStatus = RunSuspended
	s.CheckpointNode = string(NodeExecuteApprovedAction)
	s.Response = holdReply(s.Pending.ActionType)

	reason := fmt.Sprintf("%s requires approval", s.Pending.ActionType)
	return s, workflow.Interrupt(NodeExecuteApprovedAction, s.Pending.ActionType, reason)
}

// executeApprovedAction is entered only on resume, with the decision
// already injected into the state. It performs the action's side effect
// exactly once and clears the suspension.
func (n *Nodes) executeApprovedAction(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	if s.Pending == nil || !s.Decided {
		return s, wferrors.Consistency(
			errors.New("execute_approved_action entered without a decided pending action"), "workflow")
	}

	if s.ActionApproved {
		err := n.store.MarkActionExecuted(ctx, s.Pending.ID)
		// ErrNotFound here means a previous attempt already moved the
		// action past approved; the side effect must not repeat.
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return s, fmt.Errorf("execute action: %w", err)
		}
		s.Response = approvalReply(s.Pending.ActionType)
	} else {
		s.Response = rejectionReply(s.Pending.ActionType, s.DecisionNote)
	}

	s.Pending = nil
	s.RunStatus = RunRunning
	s.CheckpointNode = ""
	return s, nil
}

// saveResponse persists the agent's reply and decides whether the turn
// should end with summarization.
func (n *Nodes) saveResponse(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	if _, err := n.store.AppendMessage(ctx, store.Message{
		ConversationID: s.ConversationID,
		TurnID:         s.TurnID + ":agent",
		Sender:         store.SenderAgent,
		Channel:        s.Channel,
		Content:        s.Response,
	}); err != nil {
		return s, fmt.Errorf("append reply: %w", err)
	}

	s.AppendTurn(string(store.SenderAgent), s.Response, time.Now().UTC())
	s.ShouldSummarize = len(s.Messages) >= n.cfg.SummarizeThreshold
	return s, nil
}

// summarizeConversation condenses the window into a long-term memory
// entry, merging with what is already known. Best effort: if the model is
// unavailable the previous summary stands.
func (n *Nodes) summarizeConversation(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	var prompt strings.Builder
	prompt.WriteString("Summarize what matters about this customer for future conversations: preferences, open issues, commitments made. Three sentences at most.\n")
	if s.UserSummary != "" {
		fmt.Fprintf(&prompt, "\nExisting summary to merge:\n%s\n", s.UserSummary)
	}
	prompt.WriteString("\nConversation:\n")
	for _, t := range s.Messages {
		fmt.Fprintf(&prompt, "%s: %s\n", t.Role, t.Content)
	}

	result := wferrors.WithRetry(ctx, n.cfg.Retry, func(c context.Context) (string, error) {
		out, err := n.model.Complete(c, llm.Request{
			Messages: []llm.Message{llm.UserMessage(prompt.String())},
		})
		if err != nil {
			return "", wferrors.Transient(err, "summarize conversation")
		}
		return out, nil
	})
	if result.Err != nil {
		ctx.Logger().Warn("summarization unavailable, keeping previous summary",
			"error", result.Err)
		s.Summary = s.UserSummary
		return s, nil
	}

	s.Summary = result.Value
	return s, nil
}

// saveUserContext persists the condensed long-term memory.
func (n *Nodes) saveUserContext(ctx workflow.Context, s ConversationState) (ConversationState, error) {
	if s.Summary == "" {
		return s, nil
	}

	if err := n.store.SaveContext(ctx, store.UserContext{
		UserID:            s.UserID,
		Summary:           s.Summary,
		ConversationCount: s.ContextCount + 1,
	}); err != nil {
		return s, fmt.Errorf("save user context: %w", err)
	}

	s.UserSummary = s.Summary
	s.ContextCount++
	return s, nil
}

// Reply texts for the approval flow.

func holdReply(actionType string) string {
	switch actionType {
	case "refund":
		return "I've forwarded your refund request for review. You'll receive a confirmation as soon as it's approved."
	case "account_deletion":
		return "I've forwarded your account deletion request for review. You'll receive a confirmation shortly."
	default:
		return "Your request needs a quick review on our side. I'll get back to you as soon as it's been looked at."
	}
}

func approvalReply(actionType string) string {
	switch actionType {
	case "refund":
		return "Good news! Your refund was approved and will be processed within 5 to 7 business days."
	case "account_deletion":
		return "Your account deletion was approved. Your data will be removed within 30 days."
	default:
		return "Your request was approved and has been processed."
	}
}

func rejectionReply(actionType, note string) string {
	base := "After review, we were unable to approve your request at this time."
	if note != "" {
		base = fmt.Sprintf("%s Reason: %s", base, note)
	}
	if actionType == "refund" {
		base += " If you'd like to talk it through, our phone support team can help."
	}
	return base
}
