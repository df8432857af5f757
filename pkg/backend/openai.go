package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	orcherrors "github.com/convoflow/convoflow/pkg/errors"
	"github.com/convoflow/convoflow/pkg/types"
)

const logPrefix = "[BACKEND]"

// DefaultTimeout bounds a blocking completion call.
const DefaultTimeout = 120 * time.Second

// maxStreamLineSize caps one SSE line; large tool arguments can push
// chunks well past the scanner default.
const maxStreamLineSize = 10 * 1024 * 1024

// ClientOptions configures the OpenAI-compatible client.
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible backend.
func NewOpenAIClient(opts ClientOptions) *OpenAIClient {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
		logger:  logger,
	}
}

// Wire format for the chat completions endpoint.
type wireMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []types.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []types.Tool  `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type wireDelta struct {
	Content   string           `json:"content"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
}

type wireChunkChoice struct {
	Delta        wireDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type wireChunk struct {
	Choices []wireChunkChoice `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// ChatCompletion performs a blocking completion call.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, orcherrors.NewBackendUnavailableError("backend", "no choices in response")
	}

	choice := wire.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        wire.Usage,
	}, nil
}

// ChatStream opens a streaming completion. The returned stream must be
// closed by the caller.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineSize)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

func (c *OpenAIClient) post(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	wire := wireRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, orcherrors.NewBackendUnavailableError("backend", err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		c.logger.Warn(logPrefix+" request failed",
			"status", resp.StatusCode,
			"model", req.Model,
		)
		return nil, mapError(resp.StatusCode, errBody)
	}
	return resp, nil
}

// toWireMessages converts internal messages to the wire shape. Tool-role
// messages carry their result as content, linked by tool_call_id.
func toWireMessages(messages []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		wm := wireMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		}
		if msg.Role == types.RoleTool {
			wm.ToolCallID = msg.ToolCallID
			wm.Name = msg.ToolName
			if wm.Content == "" {
				wm.Content = msg.ToolResult
			}
		}
		out = append(out, wm)
	}
	return out
}

// mapError converts a backend error response to a typed error.
func mapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return orcherrors.NewRateLimitError("backend", message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(message), "tool") {
			return orcherrors.NewCapabilityMismatchError("", message)
		}
		return orcherrors.NewValidationError("backend", message)
	case http.StatusRequestTimeout, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return orcherrors.NewBackendUnavailableError("backend", message)
	default:
		return orcherrors.NewInternalError("backend", fmt.Sprintf("status %d: %s", statusCode, message))
	}
}

// sseStream reads "data: " framed chunks until the [DONE] sentinel.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Recv() (*StreamChunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil, io.EOF
		}

		var wire wireChunk
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("unmarshal chunk: %w", err)
		}
		if len(wire.Choices) == 0 {
			continue
		}

		choice := wire.Choices[0]
		return &StreamChunk{
			Content:      choice.Delta.Content,
			ToolCalls:    choice.Delta.ToolCalls,
			FinishReason: choice.FinishReason,
			Done:         choice.FinishReason != "",
			Usage:        wire.Usage,
		}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

var _ Backend = (*OpenAIClient)(nil)
