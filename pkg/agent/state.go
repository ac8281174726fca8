// Package agent implements the conversational workflow: the state that
// flows through the graph, the processing nodes, the routing table, and
// the engine that drives runs, suspension, and resumption.
package agent

import (
	"fmt"
	"strings"
	"time"

	wferrors "github.com/omnichat/omnichat/pkg/workflow/errors"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentSales     Intent = "SALES"
	IntentSupport   Intent = "SUPPORT"
	IntentComplaint Intent = "COMPLAINT"
	IntentGeneral   Intent = "GENERAL"
)

// ParseIntent maps model output to an Intent, failing closed to GENERAL:
// classification never leaves the intent unset or out of enum.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToUpper(strings.TrimSpace(s))) {
	case IntentSales:
		return IntentSales
	case IntentSupport:
		return IntentSupport
	case IntentComplaint:
		return IntentComplaint
	default:
		return IntentGeneral
	}
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuspended RunStatus = "SUSPENDED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Turn is one message in the conversation history.
type Turn struct {
	Role      string    `json:"role"` // "user" or "agent"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Snippet is one retrieved knowledge fragment.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// ExamplePair is one curated few-shot example.
type ExamplePair struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Profile is the user identity known to the agent.
type Profile struct {
	Name         string            `json:"name,omitempty"`
	Email        string            `json:"email,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Preferences  map[string]string `json:"preferences,omitempty"`
	FirstContact bool              `json:"first_contact"`
}

// PendingActionRef describes a sensitive action held for approval. It is
// present on the state only while the run is suspended.
type PendingActionRef struct {
	ID            string `json:"id,omitempty"`
	ActionType    string `json:"action_type"`
	Target        string `json:"target"`
	Justification string `json:"justification"`
}

// ConversationState is the working memory of one run. It is serialized
// into every checkpoint, so every field must survive a JSON round trip.
type ConversationState struct {
	ConversationID int64  `json:"conversation_id"`
	Channel        string `json:"channel"`
	UserID         string `json:"user_id"`

	// TurnID keys this turn's external writes, making them idempotent
	// under retry.
	TurnID string `json:"turn_id"`
	Input  string `json:"input"`

	// Messages is the rolling history window; append-only within a run.
	Messages []Turn `json:"messages"`

	Profile      Profile `json:"profile"`
	UserSummary  string  `json:"user_summary,omitempty"`
	ContextCount int     `json:"context_count,omitempty"`

	Intent Intent `json:"intent,omitempty"`

	// Cleared and repopulated every turn.
	Retrieved []Snippet     `json:"retrieved,omitempty"`
	Examples  []ExamplePair `json:"examples,omitempty"`

	Response string `json:"response,omitempty"`

	// Detected is a critical action spotted this turn but not yet
	// durably recorded; the router branches on it. It becomes Pending
	// only when the run suspends.
	Detected *PendingActionRef `json:"detected,omitempty"`

	Pending        *PendingActionRef `json:"pending,omitempty"`
	Decided        bool              `json:"decided"`
	ActionApproved bool              `json:"action_approved"`
	DecisionNote   string            `json:"decision_note,omitempty"`

	RunStatus      RunStatus `json:"run_status"`
	CheckpointNode string    `json:"checkpoint_node,omitempty"`

	ShouldSummarize bool   `json:"should_summarize"`
	Summary         string `json:"summary,omitempty"`

	ExtractedName  string `json:"extracted_name,omitempty"`
	ProfileUpdated bool   `json:"profile_updated"`
}

// NewState creates the state for one inbound turn.
func NewState(channel, userID, turnID, content string) ConversationState {
	return ConversationState{
		Channel:   channel,
		UserID:    userID,
		TurnID:    turnID,
		Input:     content,
		RunStatus: RunRunning,
	}
}

// Validate checks the cross-field invariants that every node must
// preserve. A violation is a consistency fault, not a user error.
func (s ConversationState) Validate() error {
	suspended := s.RunStatus == RunSuspended
	if suspended && s.Pending == nil {
		return wferrors.Consistency(
			fmt.Errorf("suspended run has no pending action"), "state")
	}
	if !suspended && s.Pending != nil {
		return wferrors.Consistency(
			fmt.Errorf("pending action present on %s run", s.RunStatus), "state")
	}
	if suspended && s.CheckpointNode == "" {
		return wferrors.Consistency(
			fmt.Errorf("suspended run has no checkpoint node"), "state")
	}
	return nil
}

// AppendTurn adds a message to the history window.
func (s *ConversationState) AppendTurn(role, content string, at time.Time) {
	s.Messages = append(s.Messages, Turn{Role: role, Content: content, Timestamp: at})
}
