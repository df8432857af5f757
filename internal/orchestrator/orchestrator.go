// Package orchestrator runs conversational turns: it streams model output,
// executes model-issued tool calls through the pipeline, folds results into
// a follow-up inference call, and persists the outcome. Every turn emits a
// strictly ordered event stream that always ends with a terminal event.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/convoflow/convoflow/internal/contextmgr"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/backend"
	orcherrors "github.com/convoflow/convoflow/pkg/errors"
	"github.com/convoflow/convoflow/pkg/types"
)

const logPrefix = "[ORCHESTRATOR]"

// DefaultMaxToolRounds bounds how many tool-execution rounds one turn may
// run before the loop is cut.
const DefaultMaxToolRounds = 5

// DefaultBackgroundDelay is the pause before post-turn background work
// (title generation, the proactive memory check) fires, letting the turn's
// terminal work settle first.
const DefaultBackgroundDelay = 500 * time.Millisecond

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_turns_total",
			Help: "Completed turns by terminal state",
		},
		[]string{"state"},
	)

	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convoflow_turn_duration_seconds",
			Help:    "End-to-end turn latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ToolProvider supplies the advertised tool definitions. Implemented by
// *mcp.Registry.
type ToolProvider interface {
	GetAllTools(ctx context.Context) []types.Tool
}

// ToolExecutor runs one batch of tool calls. Implemented by
// *pipeline.Pipeline.
type ToolExecutor interface {
	ExecuteSequential(ctx context.Context, calls []types.ToolCall, available []types.Tool, conversationID string, emit func(types.TurnEvent)) []types.ToolCallResult
}

// ContextManager runs the eviction check. Implemented by
// *contextmgr.Manager.
type ContextManager interface {
	ManageContext(ctx context.Context, messages []types.Message, conversationID, agentID, model, strategyName string) (*contextmgr.Result, error)
}

// MemoryContext serves the per-agent memory context. Implemented by
// *memory.Accessor.
type MemoryContext interface {
	GetContext(ctx context.Context, agentID string) string
}

// Config wires the orchestrator's collaborators. Backend is required;
// everything else degrades gracefully when nil.
type Config struct {
	Backend  backend.Backend
	Tools    ToolProvider
	Executor ToolExecutor
	Context  ContextManager
	Memory   MemoryContext
	Messages store.MessageStore
	Logger   *slog.Logger

	// BackgroundDelay overrides the pause before post-turn background work.
	// Zero keeps the default; negative disables the pause entirely.
	BackgroundDelay time.Duration

	MaxToolRounds int
}

// Orchestrator drives turns. Safe for concurrent use; all per-turn state
// lives on the turn goroutine.
type Orchestrator struct {
	backend    backend.Backend
	tools      ToolProvider
	executor   ToolExecutor
	contextMgr ContextManager
	memory     MemoryContext
	messages   store.MessageStore
	logger     *slog.Logger

	backgroundDelay time.Duration
	maxToolRounds   int
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.BackgroundDelay
	switch {
	case delay == 0:
		delay = DefaultBackgroundDelay
	case delay < 0:
		delay = 0
	}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	return &Orchestrator{
		backend:         cfg.Backend,
		tools:           cfg.Tools,
		executor:        cfg.Executor,
		contextMgr:      cfg.Context,
		memory:          cfg.Memory,
		messages:        cfg.Messages,
		logger:          logger,
		backgroundDelay: delay,
		maxToolRounds:   rounds,
	}
}

// RunTurn validates the request and starts the turn. The returned channel
// carries the event stream and is closed after the terminal event; the
// caller must drain it or cancel ctx.
func (o *Orchestrator) RunTurn(ctx context.Context, req *types.TurnRequest) (<-chan types.TurnEvent, error) {
	if req == nil {
		return nil, orcherrors.NewValidationError("orchestrator", "request is required")
	}
	if req.Model == "" {
		return nil, orcherrors.NewValidationError("orchestrator", "model is required")
	}
	if len(req.Messages) == 0 {
		return nil, orcherrors.NewValidationError("orchestrator", "at least one message is required")
	}

	ch := make(chan types.TurnEvent, 64)
	go o.run(ctx, req, ch)
	return ch, nil
}

// turn holds the mutable state of one running turn.
type turn struct {
	req            *types.TurnRequest
	conversationID string
	sm             *turnStateMachine
	emit           func(types.TurnEvent)

	// effective is the message list sent to the backend, grown with the
	// synthetic assistant and tool messages after each tool round.
	effective []types.Message

	// held accumulates every content delta across rounds; it becomes the
	// persisted assistant message.
	held strings.Builder

	// allCalls collects the tool calls issued across rounds for the
	// persisted assistant message.
	allCalls []types.ToolCall

	usage     *backend.Usage
	persisted bool
}

func (o *Orchestrator) run(ctx context.Context, req *types.TurnRequest, ch chan<- types.TurnEvent) {
	defer close(ch)
	start := time.Now()

	tracer := otel.Tracer("convoflow/orchestrator")
	ctx, span := tracer.Start(ctx, "turn.run")
	defer span.End()

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("model", req.Model),
	)

	t := &turn{
		req:            req,
		conversationID: conversationID,
		sm:             newTurnStateMachine(),
		emit:           guardedEmit(ctx, ch),
	}

	o.persistUserMessage(ctx, t)
	t.effective = o.buildEffectiveMessages(ctx, req)

	o.stream(ctx, t)

	turnsTotal.WithLabelValues(string(t.sm.State())).Inc()
	turnDuration.Observe(time.Since(start).Seconds())

	if t.sm.State() != StateCompleted {
		return
	}

	o.generateTitle(ctx, t)
	o.scheduleMemoryCheck(ctx, t)

	t.emit(types.TurnEvent{Type: types.EventDone, ConversationID: conversationID})
}

// stream runs the inference/tool loop until a terminal state is reached.
func (o *Orchestrator) stream(ctx context.Context, t *turn) {
	tools := o.collectTools(ctx, t.req)
	_ = t.sm.Transition(StateStreaming)

	for round := 0; ; round++ {
		stream, usedTools, err := o.openStream(ctx, t, tools)
		if err != nil {
			o.fail(ctx, t, err)
			return
		}
		tools = usedTools

		calls, err := o.consume(ctx, t, stream)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				o.abort(ctx, t)
			} else {
				o.fail(ctx, t, err)
			}
			return
		}

		if len(calls) == 0 {
			break
		}
		if round+1 >= o.maxToolRounds {
			o.logger.Warn(logPrefix+" tool round limit reached",
				"conversation", t.conversationID,
				"rounds", round+1,
			)
			break
		}

		if err := t.sm.Transition(StateToolsPending); err != nil {
			o.fail(ctx, t, orcherrors.NewInternalError("orchestrator", err.Error()))
			return
		}
		_ = t.sm.Transition(StateToolExecuting)

		results := o.executor.ExecuteSequential(ctx, calls, tools, t.conversationID, t.emit)
		t.allCalls = append(t.allCalls, calls...)
		t.effective = appendToolRound(t.effective, calls, results)

		if err := t.sm.Transition(StateStreaming); err != nil {
			o.fail(ctx, t, orcherrors.NewInternalError("orchestrator", err.Error()))
			return
		}
	}

	o.persistAssistant(ctx, t, false)
	_ = t.sm.Transition(StateCompleted)
}

// openStream opens the inference stream, retrying exactly once without
// tools when the backend rejects tool use. A second failure is fatal.
func (o *Orchestrator) openStream(ctx context.Context, t *turn, tools []types.Tool) (backend.Stream, []types.Tool, error) {
	req := &backend.ChatRequest{
		Model:    t.req.Model,
		Messages: t.effective,
		Tools:    tools,
		Stream:   true,
	}

	stream, err := o.backend.ChatStream(ctx, req)
	if err == nil {
		return stream, tools, nil
	}
	if len(tools) == 0 || !isCapabilityMismatch(err) {
		return nil, tools, err
	}

	o.logger.Warn(logPrefix+" backend rejected tools, retrying without",
		"conversation", t.conversationID,
		"model", t.req.Model,
		"error", err,
	)
	req.Tools = nil
	stream, err = o.backend.ChatStream(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return stream, nil, nil
}

// consume drains one stream leg, emitting content deltas and accumulating
// tool-call fragments. Returns the assembled calls, empty when the model
// finished with plain content.
func (o *Orchestrator) consume(ctx context.Context, t *turn, stream backend.Stream) ([]types.ToolCall, error) {
	defer stream.Close()

	var calls []types.ToolCall
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return calls, nil
			}
			return nil, err
		}

		if chunk.Content != "" {
			t.held.WriteString(chunk.Content)
			t.emit(types.TurnEvent{
				Type:           types.EventContentDelta,
				Content:        chunk.Content,
				ConversationID: t.conversationID,
			})
		}
		if len(chunk.ToolCalls) > 0 {
			calls = mergeToolCalls(calls, chunk.ToolCalls)
		}
		if chunk.Usage != nil {
			t.usage = chunk.Usage
		}
		if chunk.Done {
			return calls, nil
		}
	}
}

// abort ends a cancelled turn: the accumulated text is persisted even when
// empty, and the terminal event is not an error.
func (o *Orchestrator) abort(ctx context.Context, t *turn) {
	o.persistAssistant(ctx, t, true)
	_ = t.sm.Transition(StateAborted)
	t.emit(types.TurnEvent{
		Type:           types.EventAborted,
		ConversationID: t.conversationID,
	})
	o.logger.Info(logPrefix+" turn aborted",
		"conversation", t.conversationID,
		"partial_chars", t.held.Len(),
	)
}

func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) {
	o.persistAssistant(ctx, t, false)
	_ = t.sm.Transition(StateErrored)
	t.emit(types.TurnEvent{
		Type:           types.EventError,
		Error:          err.Error(),
		ConversationID: t.conversationID,
	})
	o.logger.Error(logPrefix+" turn failed",
		"conversation", t.conversationID,
		"error", err,
	)
}

// persistAssistant writes the accumulated assistant message exactly once.
// Called on completion and on every abnormal exit, so partial content from
// a cancelled stream survives. force persists even an empty message, which
// cancellation requires as the partial marker.
func (o *Orchestrator) persistAssistant(ctx context.Context, t *turn, force bool) {
	if t.persisted {
		return
	}
	t.persisted = true

	if o.messages == nil {
		return
	}
	if !force && t.held.Len() == 0 && len(t.allCalls) == 0 {
		return
	}

	msg := &types.Message{
		ConversationID: t.conversationID,
		Role:           types.RoleAssistant,
		Content:        t.held.String(),
		ToolCalls:      t.allCalls,
	}
	if t.usage != nil {
		msg.Stats = &types.MessageStats{
			PromptTokens:     t.usage.PromptTokens,
			CompletionTokens: t.usage.CompletionTokens,
		}
	}
	if err := o.messages.CreateMessage(context.WithoutCancel(ctx), msg); err != nil {
		o.logger.Warn(logPrefix+" failed to persist assistant message",
			"conversation", t.conversationID,
			"error", err,
		)
	}
}

// persistUserMessage stores the turn's incoming user message. Messages the
// caller already persisted carry an ID and are skipped.
func (o *Orchestrator) persistUserMessage(ctx context.Context, t *turn) {
	if o.messages == nil || len(t.req.Messages) == 0 {
		return
	}
	last := t.req.Messages[len(t.req.Messages)-1]
	if last.Role != types.RoleUser || last.ID != "" {
		return
	}
	last.ConversationID = t.conversationID
	if err := o.messages.CreateMessage(ctx, &last); err != nil {
		o.logger.Warn(logPrefix+" failed to persist user message",
			"conversation", t.conversationID,
			"error", err,
		)
	}
}

// buildEffectiveMessages copies the request messages and injects the
// agent's memory context after the leading system block.
func (o *Orchestrator) buildEffectiveMessages(ctx context.Context, req *types.TurnRequest) []types.Message {
	effective := make([]types.Message, len(req.Messages))
	copy(effective, req.Messages)

	if o.memory == nil || req.AgentID == "" {
		return effective
	}
	memCtx := o.memory.GetContext(ctx, req.AgentID)
	if memCtx == "" {
		return effective
	}

	insert := 0
	for insert < len(effective) && effective[insert].IsSystem() {
		insert++
	}
	memMsg := types.Message{Role: types.RoleSystem, Content: memCtx}
	effective = append(effective[:insert], append([]types.Message{memMsg}, effective[insert:]...)...)
	return effective
}

func (o *Orchestrator) collectTools(ctx context.Context, req *types.TurnRequest) []types.Tool {
	if !req.ToolsEnabled || o.tools == nil {
		return nil
	}
	all := o.tools.GetAllTools(ctx)
	if len(req.ToolNames) == 0 {
		return all
	}

	wanted := make(map[string]bool, len(req.ToolNames))
	for _, name := range req.ToolNames {
		wanted[name] = true
	}
	filtered := make([]types.Tool, 0, len(all))
	for _, tool := range all {
		if wanted[tool.Function.Name] {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// scheduleMemoryCheck runs the proactive eviction check in the background.
// Failures are logged; the turn already completed.
func (o *Orchestrator) scheduleMemoryCheck(ctx context.Context, t *turn) {
	if o.contextMgr == nil {
		return
	}
	strat := contextmgr.StrategyByName(t.req.Strategy)
	if !strat.EnableProactiveMemory {
		return
	}

	messages := make([]types.Message, len(t.effective), len(t.effective)+1)
	copy(messages, t.effective)
	if t.held.Len() > 0 {
		messages = append(messages, types.Message{
			Role:    types.RoleAssistant,
			Content: t.held.String(),
		})
	}

	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	go func() {
		defer cancel()
		if o.backgroundDelay > 0 {
			select {
			case <-bgCtx.Done():
				return
			case <-time.After(o.backgroundDelay):
			}
		}
		if _, err := o.contextMgr.ManageContext(bgCtx, messages, t.conversationID, t.req.AgentID, t.req.Model, strat.Name); err != nil {
			o.logger.Warn(logPrefix+" background memory check failed",
				"conversation", t.conversationID,
				"error", err,
			)
		}
	}()
}

// guardedEmit sends events without ever blocking forever on a gone
// consumer: a cancelled context downgrades to one non-blocking attempt.
func guardedEmit(ctx context.Context, ch chan<- types.TurnEvent) func(types.TurnEvent) {
	return func(ev types.TurnEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// appendToolRound grows the follow-up message list with the synthetic
// assistant message carrying the calls, then one tool message per result in
// the original call order.
func appendToolRound(messages []types.Message, calls []types.ToolCall, results []types.ToolCallResult) []types.Message {
	out := append(messages, types.Message{
		Role:      types.RoleAssistant,
		Content:   "",
		ToolCalls: calls,
	})
	for i := range results {
		out = append(out, types.Message{
			Role:       types.RoleTool,
			Content:    results[i].Content,
			ToolName:   results[i].ToolName,
			ToolCallID: results[i].ToolCallID,
		})
	}
	return out
}

// mergeToolCalls folds streamed tool-call fragments into assembled calls.
// A fragment with a new id opens a call; fragments without an id (or with a
// known id) append argument bytes to the matching call.
func mergeToolCalls(acc []types.ToolCall, deltas []types.ToolCall) []types.ToolCall {
	for _, delta := range deltas {
		idx := -1
		if delta.ID != "" {
			for i := range acc {
				if acc[i].ID == delta.ID {
					idx = i
					break
				}
			}
			if idx == -1 {
				acc = append(acc, delta)
				continue
			}
		} else if len(acc) > 0 {
			idx = len(acc) - 1
		} else {
			acc = append(acc, delta)
			continue
		}

		if delta.Function.Name != "" {
			acc[idx].Function.Name = delta.Function.Name
		}
		acc[idx].Function.Arguments += delta.Function.Arguments
	}
	return acc
}

func isCapabilityMismatch(err error) bool {
	if orcherrors.IsType(err, orcherrors.TypeCapabilityMismatch) {
		return true
	}
	s := strings.ToLower(err.Error())
	if !strings.Contains(s, "tool") {
		return false
	}
	return strings.Contains(s, "not support") || strings.Contains(s, "unsupported")
}
