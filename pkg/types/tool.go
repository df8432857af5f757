package types

import (
	"time"

	"github.com/goccy/go-json"
)

// Tool call lifecycle statuses. A call is created when the backend emits
// it, moves to executing, and ends terminal; it is never resurrected.
const (
	ToolCallPending   = "pending"
	ToolCallExecuting = "executing"
	ToolCallCompleted = "completed"
	ToolCallError     = "error"
)

// Tool describes a callable function advertised to the inference backend.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function payload of a Tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	// Server optionally pins the tool to a named server. Empty means
	// the registry resolves the server by tool name.
	Server string `json:"-"`
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the target name and raw argument encoding.
// Arguments may be a JSON object or a JSON-encoded string of an object;
// the pipeline normalizes both forms.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallResult is the terminal record of one executed tool call.
type ToolCallResult struct {
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
	Server     string        `json:"server,omitempty"`
	Content    string        `json:"content"`
	IsError    bool          `json:"is_error,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
}
