// Package providers defines the neutral adapter contract the agent
// turn runner drives: a single-turn, restartable, cancellable lazy
// sequence of ChatEvent values, independent of any one vendor's wire
// format.
package providers

import "encoding/json"

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates a content Block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one tagged-union element of a Message's content. Exactly
// the fields relevant to Type are populated.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	// BlockToolResult — ToolResultForID pairs this back to the tool_use block
	// that produced it (invariant: every tool_use has exactly one
	// matching tool_result in the next message).
	ToolResultForID string `json:"toolResultForId,omitempty"`
	Content         string `json:"content,omitempty"`
	IsError         bool   `json:"isError,omitempty"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// ToolDefinition is a tool's schema, passed to the provider so it can
// decide when to emit a tool_call event.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest starts one provider turn. The provider, not the caller,
// decides max_tokens and other generation parameters.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Usage reports token accounting for one turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// EventType discriminates a ChatEvent.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventToolCall EventType = "tool_call"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// ChatEvent is one element of the lazy event sequence a provider
// stream yields. Exactly the fields relevant to Type are populated.
type ChatEvent struct {
	Type EventType

	// EventDelta
	TextDelta string

	// EventToolCall — Input is the accumulated JSON fragment; malformed
	// JSON is reported as "{}" rather than failing the turn (provider
	// adapters are responsible for that fallback).
	ToolCallID string
	ToolName   string
	Input      json.RawMessage

	// EventFinal
	Usage *Usage

	// EventError
	Err error
}

// EventStream is the restartable, cancellable lazy sequence a Provider
// produces for one ChatRequest. Next blocks until the next event is
// available or the stream ends; the bool is false once the terminal
// EventFinal/EventError has been consumed.
type EventStream interface {
	Next() (ChatEvent, bool)
	Cancel()
}

// Provider drives one vendor's chat completion API.
type Provider interface {
	Name() string
	DefaultModel() string
	Stream(req ChatRequest) (EventStream, error)
}
