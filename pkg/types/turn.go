package types

// TurnRequest is the caller-facing request for one conversational turn.
type TurnRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversation_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Stream         bool      `json:"stream,omitempty"`

	ToolsEnabled bool     `json:"tools_enabled,omitempty"`
	ToolNames    []string `json:"tool_names,omitempty"`

	// Strategy overrides the context-management strategy by name.
	// Empty selects "balanced".
	Strategy string `json:"strategy,omitempty"`

	Title *TitleSettings `json:"title,omitempty"`
}

// TitleSettings controls background title generation for a conversation.
type TitleSettings struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
}

// TurnEventType identifies one event on the turn output stream.
type TurnEventType string

const (
	EventContentDelta     TurnEventType = "content_delta"
	EventToolCallStart    TurnEventType = "tool_call_start"
	EventToolCallComplete TurnEventType = "tool_call_complete"
	EventToolCallError    TurnEventType = "tool_call_error"
	EventTitleUpdate      TurnEventType = "title_update"
	EventError            TurnEventType = "error"
	// EventAborted terminates a cancelled turn. Cancellation is not an
	// error; callers can tell it apart from a failure.
	EventAborted TurnEventType = "aborted"
	// EventDone is the terminal sentinel. Every stream ends with EventDone,
	// EventAborted, or EventError; never silently.
	EventDone TurnEventType = "done"
)

// TurnEvent is one discrete event on the turn output stream. Events are
// delivered in strict causal order.
type TurnEvent struct {
	Type    TurnEventType `json:"type"`
	Content string        `json:"content,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	// DurationMS is wall-clock execution time in milliseconds.
	DurationMS int64 `json:"execution_time_ms,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`

	Error string `json:"error,omitempty"`
}
