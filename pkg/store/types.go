// Package store persists the conversational domain: conversations and
// their messages, user profiles and long-term context, pending actions
// awaiting operator decisions, and the curated example dataset.
package store

import (
	"errors"
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// ActionStatus is the lifecycle state of a pending action.
//
// pending -> approved -> executed
// pending -> rejected
// pending -> cancelled (conversation cancelled while suspended)
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusApproved  ActionStatus = "approved"
	StatusRejected  ActionStatus = "rejected"
	StatusExecuted  ActionStatus = "executed"
	StatusCancelled ActionStatus = "cancelled"
)

// Quality is the curation tier of a dataset example.
type Quality string

const (
	QualityGold   Quality = "gold"
	QualitySilver Quality = "silver"
	QualityBronze Quality = "bronze"
)

// Conversation is one user's unified thread across channels.
type Conversation struct {
	ID        int64
	UserID    string
	Channel   string // channel of the most recent message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single turn in a conversation. TurnID makes appends
// idempotent: writing the same turn twice is a no-op.
type Message struct {
	ID             int64
	ConversationID int64
	TurnID         string
	Sender         Sender
	Channel        string
	Content        string
	CreatedAt      time.Time
}

// UserProfile holds identity facts extracted from conversation.
type UserProfile struct {
	UserID       string
	Name         string
	Email        string
	Phone        string
	Preferences  map[string]string
	FirstContact bool
	UpdatedAt    time.Time
}

// UserContext is the long-term memory for a user: a rolling summary and
// how many conversations fed it.
type UserContext struct {
	UserID            string
	Summary           string
	ConversationCount int
	UpdatedAt         time.Time
}

// PendingAction is a critical operation held for an operator decision.
// RunID ties it back to the suspended workflow run that created it.
type PendingAction struct {
	ID             string
	ConversationID int64
	RunID          string
	ActionType     string
	Description    string
	Status         ActionStatus
	Note           string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// DatasetItem is a curated example used for few-shot prompting.
type DatasetItem struct {
	ID        int64
	Category  string
	Quality   Quality
	UserText  string
	AgentText string
	Source    string
	Active    bool
	CreatedAt time.Time
}

// Sentinel errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyResolved indicates a decision was already recorded for a
	// pending action. The first decision stands.
	ErrAlreadyResolved = errors.New("action already resolved")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)
