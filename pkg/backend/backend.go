// Package backend defines the contract with the inference backend. The
// backend is a black box that accepts a message list plus tool schemas and
// returns either a complete response or a chunk stream.
package backend

import (
	"context"

	"github.com/convoflow/convoflow/pkg/types"
)

// ChatRequest is the payload sent to the inference backend.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Tools       []types.Tool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// ChatResponse is a complete (non-streaming) backend response.
type ChatResponse struct {
	Content      string           `json:"content"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
}

// Usage contains token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one increment of a streaming response. Done marks the
// final chunk; a chunk may carry content, tool calls, or both.
type StreamChunk struct {
	Content      string           `json:"content,omitempty"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
}

// Stream is an iterator over backend chunks. Recv returns io.EOF after the
// final chunk has been delivered.
type Stream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// Backend is the inference interface the orchestrator depends on.
type Backend interface {
	// ChatCompletion performs a blocking completion. Used for memory
	// summarization, consolidation merges, and title generation.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream opens a streaming completion.
	ChatStream(ctx context.Context, req *ChatRequest) (Stream, error)
}
