package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/contextmgr"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/backend"
	orcherrors "github.com/convoflow/convoflow/pkg/errors"
	"github.com/convoflow/convoflow/pkg/types"
)

type fakeStream struct {
	chunks []backend.StreamChunk
	err    error // returned after the chunks instead of io.EOF
	idx    int
}

func (f *fakeStream) Recv() (*backend.StreamChunk, error) {
	if f.idx >= len(f.chunks) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	chunk := f.chunks[f.idx]
	f.idx++
	return &chunk, nil
}

func (f *fakeStream) Close() error { return nil }

type scriptedBackend struct {
	mu         sync.Mutex
	streamReqs []*backend.ChatRequest
	legs       []*fakeStream

	// streamErr, when set, is consulted before serving a leg.
	streamErr func(req *backend.ChatRequest) error

	completion    *backend.ChatResponse
	completionErr error
}

func (b *scriptedBackend) ChatStream(_ context.Context, req *backend.ChatRequest) (backend.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reqCopy := *req
	reqCopy.Messages = append([]types.Message(nil), req.Messages...)
	b.streamReqs = append(b.streamReqs, &reqCopy)

	if b.streamErr != nil {
		if err := b.streamErr(req); err != nil {
			return nil, err
		}
	}
	if len(b.legs) == 0 {
		return &fakeStream{}, nil
	}
	leg := b.legs[0]
	b.legs = b.legs[1:]
	return leg, nil
}

func (b *scriptedBackend) ChatCompletion(_ context.Context, _ *backend.ChatRequest) (*backend.ChatResponse, error) {
	if b.completionErr != nil {
		return nil, b.completionErr
	}
	if b.completion != nil {
		return b.completion, nil
	}
	return &backend.ChatResponse{Content: "ok"}, nil
}

type fakeExecutor struct {
	gotCalls  []types.ToolCall
	gotTools  []types.Tool
	resultFor func(call types.ToolCall) types.ToolCallResult
}

func (f *fakeExecutor) ExecuteSequential(_ context.Context, calls []types.ToolCall, available []types.Tool, _ string, emit func(types.TurnEvent)) []types.ToolCallResult {
	f.gotCalls = append(f.gotCalls, calls...)
	f.gotTools = available

	results := make([]types.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		var res types.ToolCallResult
		if f.resultFor != nil {
			res = f.resultFor(call)
		} else {
			res = types.ToolCallResult{Content: "ok"}
		}
		res.ToolCallID = call.ID
		res.ToolName = call.Function.Name

		eventType := types.EventToolCallComplete
		if res.IsError {
			eventType = types.EventToolCallError
		}
		if emit != nil {
			emit(types.TurnEvent{Type: types.EventToolCallStart, ToolCallID: call.ID, ToolName: call.Function.Name})
			emit(types.TurnEvent{Type: eventType, ToolCallID: call.ID, ToolName: call.Function.Name})
		}
		results = append(results, res)
	}
	return results
}

type fakeToolProvider struct {
	tools []types.Tool
}

func (f *fakeToolProvider) GetAllTools(_ context.Context) []types.Tool {
	return f.tools
}

type fakeMemory struct {
	text string
}

func (f *fakeMemory) GetContext(_ context.Context, _ string) string { return f.text }

type fakeContextManager struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeContextManager) ManageContext(_ context.Context, messages []types.Message, _, _, _, _ string) (*contextmgr.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &contextmgr.Result{OptimizedMessages: messages}, nil
}

func (f *fakeContextManager) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func drain(t *testing.T, ch <-chan types.TurnEvent) []types.TurnEvent {
	t.Helper()
	var events []types.TurnEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []types.TurnEvent) []types.TurnEventType {
	out := make([]types.TurnEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func basicRequest() *types.TurnRequest {
	return &types.TurnRequest{
		Model:          "test-model",
		ConversationID: "conv-1",
		Messages: []types.Message{
			{ID: "u1", Role: types.RoleUser, Content: "hello"},
		},
	}
}

func TestRunTurnValidation(t *testing.T) {
	o := New(Config{Backend: &scriptedBackend{}})

	_, err := o.RunTurn(context.Background(), nil)
	assert.True(t, orcherrors.IsType(err, orcherrors.TypeValidation))

	_, err = o.RunTurn(context.Background(), &types.TurnRequest{Model: "m"})
	assert.True(t, orcherrors.IsType(err, orcherrors.TypeValidation))

	_, err = o.RunTurn(context.Background(), &types.TurnRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "x"}},
	})
	assert.True(t, orcherrors.IsType(err, orcherrors.TypeValidation))
}

func TestRunTurnPlainContent(t *testing.T) {
	be := &scriptedBackend{legs: []*fakeStream{{
		chunks: []backend.StreamChunk{
			{Content: "Hello"},
			{Content: ", world"},
			{Done: true, Usage: &backend.Usage{PromptTokens: 10, CompletionTokens: 2}},
		},
	}}}
	st := store.NewMemStore()
	o := New(Config{Backend: be, Messages: st, BackgroundDelay: -1})

	ch, err := o.RunTurn(context.Background(), basicRequest())
	require.NoError(t, err)
	events := drain(t, ch)

	require.Equal(t,
		[]types.TurnEventType{types.EventContentDelta, types.EventContentDelta, types.EventDone},
		eventTypes(events),
	)
	assert.Equal(t, "Hello", events[0].Content)
	assert.Equal(t, ", world", events[1].Content)
	assert.Equal(t, "conv-1", events[2].ConversationID)

	msgs, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "user message carried an id, only the assistant is new")
	assert.Equal(t, types.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello, world", msgs[0].Content)
	require.NotNil(t, msgs[0].Stats)
	assert.Equal(t, 10, msgs[0].Stats.PromptTokens)
}

func TestRunTurnToolRound(t *testing.T) {
	tools := []types.Tool{
		{Type: "function", Function: types.ToolFunction{Name: "search", Server: "srv"}},
		{Type: "function", Function: types.ToolFunction{Name: "fetch", Server: "srv"}},
	}
	be := &scriptedBackend{legs: []*fakeStream{
		{chunks: []backend.StreamChunk{
			{Content: "Let me check. "},
			{ToolCalls: []types.ToolCall{
				{ID: "c1", Type: "function", Function: types.ToolCallFunction{Name: "search", Arguments: `{"q":"go"}`}},
				{ID: "c2", Type: "function", Function: types.ToolCallFunction{Name: "fetch", Arguments: `{"url":"x"}`}},
			}},
			{Done: true},
		}},
		{chunks: []backend.StreamChunk{
			{Content: "Found it."},
			{Done: true},
		}},
	}}
	exec := &fakeExecutor{resultFor: func(call types.ToolCall) types.ToolCallResult {
		if call.Function.Name == "fetch" {
			return types.ToolCallResult{Content: "Error: connection refused", IsError: true}
		}
		return types.ToolCallResult{Content: "3 results"}
	}}
	st := store.NewMemStore()
	o := New(Config{
		Backend:         be,
		Tools:           &fakeToolProvider{tools: tools},
		Executor:        exec,
		Messages:        st,
		BackgroundDelay: -1,
	})

	req := basicRequest()
	req.ToolsEnabled = true
	ch, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	events := drain(t, ch)

	// Causal order: held text, both tool calls in issue order (mixed
	// outcomes isolated), resumed text, terminal sentinel.
	require.Equal(t, []types.TurnEventType{
		types.EventContentDelta,
		types.EventToolCallStart, types.EventToolCallComplete,
		types.EventToolCallStart, types.EventToolCallError,
		types.EventContentDelta,
		types.EventDone,
	}, eventTypes(events))
	assert.Equal(t, "c1", events[1].ToolCallID)
	assert.Equal(t, "c2", events[3].ToolCallID)

	// Follow-up leg: original messages + synthetic assistant + one tool
	// message per result, in call order.
	require.Len(t, be.streamReqs, 2)
	followUp := be.streamReqs[1].Messages
	require.Len(t, followUp, 4)
	assert.Equal(t, types.RoleAssistant, followUp[1].Role)
	assert.Empty(t, followUp[1].Content, "held text must not leak into the synthetic message")
	require.Len(t, followUp[1].ToolCalls, 2)
	assert.Equal(t, types.RoleTool, followUp[2].Role)
	assert.Equal(t, "c1", followUp[2].ToolCallID)
	assert.Equal(t, "3 results", followUp[2].Content)
	assert.Equal(t, "c2", followUp[3].ToolCallID)
	assert.Equal(t, "Error: connection refused", followUp[3].Content)

	// Held pre-tool text and resumed text persist as one message.
	msgs, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Let me check. Found it.", msgs[0].Content)
	assert.Len(t, msgs[0].ToolCalls, 2)
}

func TestRunTurnCapabilityMismatchRetriesOnce(t *testing.T) {
	be := &scriptedBackend{
		legs: []*fakeStream{{chunks: []backend.StreamChunk{
			{Content: "plain answer"},
			{Done: true},
		}}},
		streamErr: func(req *backend.ChatRequest) error {
			if len(req.Tools) > 0 {
				return orcherrors.NewCapabilityMismatchError(req.Model, "model does not support tools")
			}
			return nil
		},
	}
	o := New(Config{
		Backend:         be,
		Tools:           &fakeToolProvider{tools: []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "search"}}}},
		BackgroundDelay: -1,
	})

	req := basicRequest()
	req.ToolsEnabled = true
	ch, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, be.streamReqs, 2)
	assert.NotEmpty(t, be.streamReqs[0].Tools)
	assert.Empty(t, be.streamReqs[1].Tools, "retry drops tools")
	assert.Equal(t,
		[]types.TurnEventType{types.EventContentDelta, types.EventDone},
		eventTypes(events),
	)
}

func TestRunTurnBackendFailureIsTerminalError(t *testing.T) {
	be := &scriptedBackend{streamErr: func(_ *backend.ChatRequest) error {
		return orcherrors.NewBackendUnavailableError("backend", "upstream 503")
	}}
	o := New(Config{Backend: be, BackgroundDelay: -1})

	ch, err := o.RunTurn(context.Background(), basicRequest())
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "upstream 503")
}

func TestRunTurnCancellationPersistsPartialOnce(t *testing.T) {
	be := &scriptedBackend{legs: []*fakeStream{{
		chunks: []backend.StreamChunk{{Content: "partial answ"}},
		err:    context.Canceled,
	}}}
	st := store.NewMemStore()
	o := New(Config{Backend: be, Messages: st, BackgroundDelay: -1})

	ch, err := o.RunTurn(context.Background(), basicRequest())
	require.NoError(t, err)
	events := drain(t, ch)

	last := events[len(events)-1]
	assert.Equal(t, types.EventAborted, last.Type, "cancellation is not an error")
	assert.Empty(t, last.Error)

	msgs, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "partial content persisted exactly once")
	assert.Equal(t, "partial answ", msgs[0].Content)
}

func TestRunTurnCancellationBeforeContentPersistsEmptyPartial(t *testing.T) {
	be := &scriptedBackend{legs: []*fakeStream{{err: context.Canceled}}}
	st := store.NewMemStore()
	o := New(Config{Backend: be, Messages: st, BackgroundDelay: -1})

	ch, err := o.RunTurn(context.Background(), basicRequest())
	require.NoError(t, err)
	events := drain(t, ch)

	require.NotEmpty(t, events)
	assert.Equal(t, types.EventAborted, events[len(events)-1].Type)

	msgs, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "even an empty partial is persisted on cancel")
	assert.Equal(t, types.RoleAssistant, msgs[0].Role)
	assert.Empty(t, msgs[0].Content)
}

func TestRunTurnInjectsMemoryContext(t *testing.T) {
	be := &scriptedBackend{legs: []*fakeStream{{
		chunks: []backend.StreamChunk{{Content: "hi"}, {Done: true}},
	}}}
	o := New(Config{
		Backend:         be,
		Memory:          &fakeMemory{text: "Relevant memory:\n- user prefers Go"},
		BackgroundDelay: -1,
	})

	req := basicRequest()
	req.AgentID = "agent-1"
	req.Messages = []types.Message{
		{Role: types.RoleSystem, Content: "be helpful"},
		{ID: "u1", Role: types.RoleUser, Content: "hello"},
	}
	ch, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	drain(t, ch)

	require.Len(t, be.streamReqs, 1)
	sent := be.streamReqs[0].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "be helpful", sent[0].Content)
	assert.Equal(t, types.RoleSystem, sent[1].Role)
	assert.Contains(t, sent[1].Content, "user prefers Go")
	assert.Equal(t, types.RoleUser, sent[2].Role)
}

func TestRunTurnEmitsTitleUpdate(t *testing.T) {
	be := &scriptedBackend{
		legs: []*fakeStream{{
			chunks: []backend.StreamChunk{{Content: "answer"}, {Done: true}},
		}},
		completion: &backend.ChatResponse{Content: "  \"Go Module Help\"  "},
	}
	o := New(Config{Backend: be, BackgroundDelay: -1})

	req := basicRequest()
	req.Title = &types.TitleSettings{Enabled: true}
	ch, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	events := drain(t, ch)

	require.Equal(t, []types.TurnEventType{
		types.EventContentDelta, types.EventTitleUpdate, types.EventDone,
	}, eventTypes(events))
	assert.Equal(t, "Go Module Help", events[1].Title)
}

func TestRunTurnToolNameFilter(t *testing.T) {
	tools := []types.Tool{
		{Type: "function", Function: types.ToolFunction{Name: "search"}},
		{Type: "function", Function: types.ToolFunction{Name: "fetch"}},
	}
	be := &scriptedBackend{legs: []*fakeStream{{
		chunks: []backend.StreamChunk{{Content: "x"}, {Done: true}},
	}}}
	o := New(Config{Backend: be, Tools: &fakeToolProvider{tools: tools}, BackgroundDelay: -1})

	req := basicRequest()
	req.ToolsEnabled = true
	req.ToolNames = []string{"fetch"}
	ch, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	drain(t, ch)

	require.Len(t, be.streamReqs, 1)
	require.Len(t, be.streamReqs[0].Tools, 1)
	assert.Equal(t, "fetch", be.streamReqs[0].Tools[0].Function.Name)
}

func TestMergeToolCalls(t *testing.T) {
	var acc []types.ToolCall

	acc = mergeToolCalls(acc, []types.ToolCall{
		{ID: "c1", Type: "function", Function: types.ToolCallFunction{Name: "search"}},
	})
	acc = mergeToolCalls(acc, []types.ToolCall{
		{Function: types.ToolCallFunction{Arguments: `{"q":`}},
	})
	acc = mergeToolCalls(acc, []types.ToolCall{
		{Function: types.ToolCallFunction{Arguments: `"go"}`}},
	})
	acc = mergeToolCalls(acc, []types.ToolCall{
		{ID: "c2", Type: "function", Function: types.ToolCallFunction{Name: "fetch", Arguments: `{}`}},
	})

	require.Len(t, acc, 2)
	assert.Equal(t, "search", acc[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, acc[0].Function.Arguments)
	assert.Equal(t, "fetch", acc[1].Function.Name)
}

func TestTurnStateMachine(t *testing.T) {
	sm := newTurnStateMachine()
	require.Equal(t, StateIdle, sm.State())

	require.NoError(t, sm.Transition(StateStreaming))
	require.NoError(t, sm.Transition(StateToolsPending))
	require.NoError(t, sm.Transition(StateToolExecuting))
	require.NoError(t, sm.Transition(StateStreaming))
	require.NoError(t, sm.Transition(StateCompleted))
	assert.True(t, sm.Terminal())

	assert.Error(t, sm.Transition(StateStreaming), "terminal states are final")

	sm = newTurnStateMachine()
	assert.Error(t, sm.Transition(StateToolExecuting), "tools cannot run before streaming")
	assert.ErrorContains(t, sm.Transition(StateCompleted), "invalid turn state transition")
}

func TestMemoryCheckWaitsForBackgroundDelay(t *testing.T) {
	be := &scriptedBackend{legs: []*fakeStream{{
		chunks: []backend.StreamChunk{{Content: "answer"}, {Done: true}},
	}}}
	cm := &fakeContextManager{}
	o := New(Config{Backend: be, Context: cm, BackgroundDelay: 80 * time.Millisecond})

	req := basicRequest()
	req.Strategy = "aggressive"
	ch, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	drain(t, ch)

	assert.Zero(t, cm.count(), "memory check must not fire before the settle delay")
	assert.Eventually(t, func() bool { return cm.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}
