// Package llm abstracts model inference behind a small chat interface so
// workflow nodes stay independent of the provider SDK.
package llm

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role
	Content string
}

// Request is a chat completion request.
type Request struct {
	// System is the system prompt, prepended to Messages when non-empty.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64

	// MaxTokens caps the completion length when > 0.
	MaxTokens int
}

// Client produces chat completions. Implementations must be safe for
// concurrent use.
type Client interface {
	// Complete returns the assistant text for the request. Transport and
	// provider failures come back as plain errors; callers decide whether
	// to retry.
	Complete(ctx context.Context, req Request) (string, error)
}

// UserMessage is a convenience constructor.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage is a convenience constructor.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
