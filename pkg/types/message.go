// Package types defines the core data structures shared across the
// orchestration layer: conversation messages, tool calls, turn requests,
// turn events, and memory records.
package types

import (
	"time"

	"github.com/goccy/go-json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool message statuses. A tool message transitions
// executing -> completed|error and is otherwise immutable once persisted.
const (
	ToolStatusExecuting = "executing"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Message is a single entry in a conversation. Insertion order is
// significant; the persistence layer owns the canonical sequence.
type Message struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`

	// Tool-role fields, set only when Role == RoleTool.
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	ToolStatus string          `json:"tool_status,omitempty"`

	// ToolCalls carries model-issued calls on an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Stats     *MessageStats `json:"stats,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
}

// MessageStats holds optional performance metadata for a message.
type MessageStats struct {
	DurationMS       int64 `json:"duration_ms,omitempty"`
	PromptTokens     int   `json:"prompt_tokens,omitempty"`
	CompletionTokens int   `json:"completion_tokens,omitempty"`
}

// IsSystem reports whether the message carries the system role.
func (m *Message) IsSystem() bool {
	return m.Role == RoleSystem
}

// ConversationContext is the transient, in-memory view of a conversation
// held for the duration of one turn. The persistence layer is the owner.
type ConversationContext struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
}
