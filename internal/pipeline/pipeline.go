// Package pipeline executes model-issued tool calls against the server
// registry. Calls within one batch run strictly sequentially so result
// ordering matches what the follow-up inference call expects; one call's
// failure never aborts its siblings.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/convoflow/convoflow/internal/mcp"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/types"
)

const logPrefix = "[PIPELINE]"

// ToolCaller resolves and invokes one tool. Implemented by *mcp.Registry.
type ToolCaller interface {
	CallTool(ctx context.Context, toolName string, args map[string]any, serverHint string) (*mcp.CallResult, error)
}

// Pipeline executes tool-call batches.
type Pipeline struct {
	caller   ToolCaller
	messages store.MessageStore
	logger   *slog.Logger

	// ValidateArgs enables JSON-Schema validation of decoded arguments
	// against the tool's advertised input schema before invocation.
	ValidateArgs bool
}

// New creates a pipeline. messages may be nil when persistence is handled
// elsewhere.
func New(caller ToolCaller, messages store.MessageStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		caller:       caller,
		messages:     messages,
		logger:       logger,
		ValidateArgs: true,
	}
}

// ExecuteSequential runs each call in the order received and returns one
// result per call, in the same order.
func (p *Pipeline) ExecuteSequential(ctx context.Context, calls []types.ToolCall, available []types.Tool, conversationID string, emit func(types.TurnEvent)) []types.ToolCallResult {
	if emit == nil {
		emit = func(types.TurnEvent) {}
	}

	tracer := otel.Tracer("convoflow/pipeline")
	results := make([]types.ToolCallResult, 0, len(calls))

	for i := range calls {
		call := calls[i]
		if call.ID == "" {
			call.ID = "call_" + uuid.New().String()
		}

		callCtx, span := tracer.Start(ctx, "tool.execute")
		span.SetAttributes(
			attribute.String("tool.name", call.Function.Name),
			attribute.String("tool.call_id", call.ID),
		)
		result := p.executeOne(callCtx, call, available, conversationID, emit)
		span.End()

		results = append(results, result)
	}
	return results
}

func (p *Pipeline) executeOne(ctx context.Context, call types.ToolCall, available []types.Tool, conversationID string, emit func(types.TurnEvent)) types.ToolCallResult {
	start := time.Now()
	name := call.Function.Name

	emit(types.TurnEvent{
		Type:       types.EventToolCallStart,
		ToolCallID: call.ID,
		ToolName:   name,
		ToolArgs:   call.Function.Arguments,
	})

	msgID := p.persistStart(ctx, conversationID, call)

	result := types.ToolCallResult{
		ToolCallID: call.ID,
		ToolName:   name,
		StartedAt:  start,
	}

	args, err := decodeArguments(call.Function.Arguments)
	if err != nil {
		return p.finish(ctx, result, msgID, start, emit,
			"argument parse error: "+err.Error())
	}

	tool, hint := findTool(available, name)
	result.Server = hint

	if p.ValidateArgs && tool != nil {
		if err := validateArguments(tool, args); err != nil {
			return p.finish(ctx, result, msgID, start, emit,
				"argument validation error: "+err.Error())
		}
	}

	callResult, err := p.caller.CallTool(ctx, name, args, hint)
	if err != nil {
		return p.finish(ctx, result, msgID, start, emit, err.Error())
	}

	result.Content = callResult.Content
	result.IsError = callResult.IsError
	result.Duration = time.Since(start)

	status := types.ToolStatusCompleted
	if result.IsError {
		status = types.ToolStatusError
	}
	p.persistEnd(ctx, msgID, status, result.Content)
	mcp.RecordToolCall(serverLabel(hint), name, status, result.Duration.Seconds())

	eventType := types.EventToolCallComplete
	if result.IsError {
		eventType = types.EventToolCallError
	}
	emit(types.TurnEvent{
		Type:       eventType,
		ToolCallID: call.ID,
		ToolName:   name,
		ToolResult: result.Content,
		DurationMS: result.Duration.Milliseconds(),
	})

	p.logger.Debug(logPrefix+" tool executed",
		"tool", name,
		"is_error", result.IsError,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

// finish records a failed call: the error becomes the call's content so the
// model can see what went wrong on the follow-up leg.
func (p *Pipeline) finish(ctx context.Context, result types.ToolCallResult, msgID string, start time.Time, emit func(types.TurnEvent), errMsg string) types.ToolCallResult {
	result.Content = "Error: " + errMsg
	result.IsError = true
	result.Duration = time.Since(start)

	p.persistEnd(ctx, msgID, types.ToolStatusError, result.Content)
	mcp.RecordToolCall(serverLabel(result.Server), result.ToolName, types.ToolStatusError, result.Duration.Seconds())

	emit(types.TurnEvent{
		Type:       types.EventToolCallError,
		ToolCallID: result.ToolCallID,
		ToolName:   result.ToolName,
		Error:      errMsg,
		DurationMS: result.Duration.Milliseconds(),
	})

	p.logger.Warn(logPrefix+" tool call failed",
		"tool", result.ToolName,
		"error", errMsg,
	)
	return result
}

func (p *Pipeline) persistStart(ctx context.Context, conversationID string, call types.ToolCall) string {
	if p.messages == nil || conversationID == "" {
		return ""
	}

	msg := &types.Message{
		ConversationID: conversationID,
		Role:           types.RoleTool,
		ToolName:       call.Function.Name,
		ToolArgs:       json.RawMessage(call.Function.Arguments),
		ToolStatus:     types.ToolStatusExecuting,
		ToolCallID:     call.ID,
	}
	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		p.logger.Warn(logPrefix+" failed to persist tool message",
			"tool", call.Function.Name,
			"error", err,
		)
		return ""
	}
	return msg.ID
}

func (p *Pipeline) persistEnd(ctx context.Context, msgID, status, result string) {
	if p.messages == nil || msgID == "" {
		return
	}
	if err := p.messages.UpdateToolStatus(ctx, msgID, status, result); err != nil {
		p.logger.Warn(logPrefix+" failed to update tool message",
			"message_id", msgID,
			"error", err,
		)
	}
}

// decodeArguments accepts both encodings the backend may emit: a JSON
// object, or a JSON string wrapping an object.
func decodeArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}

	var inner string
	if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &args); err == nil {
			return args, nil
		}
	}

	return nil, json.Unmarshal([]byte(trimmed), &args)
}

// findTool returns the advertised tool definition and its server hint.
func findTool(available []types.Tool, name string) (*types.Tool, string) {
	for i := range available {
		if available[i].Function.Name == name {
			return &available[i], available[i].Function.Server
		}
	}
	return nil, ""
}

func validateArguments(tool *types.Tool, args map[string]any) error {
	if len(tool.Function.Parameters) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(tool.Function.Name+".json", string(tool.Function.Parameters))
	if err != nil {
		// A schema we cannot compile must not block the call.
		return nil
	}
	// Round-trip through interface{} values the validator understands.
	normalized := make(map[string]any, len(args))
	for k, v := range args {
		normalized[k] = v
	}
	return schema.Validate(normalized)
}

func serverLabel(hint string) string {
	if hint == "" {
		return "auto"
	}
	return hint
}
