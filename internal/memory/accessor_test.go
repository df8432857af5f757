package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/contextmgr"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/backend"
	"github.com/convoflow/convoflow/pkg/types"
)

type fakeBackend struct {
	calls    int
	response string
	err      error
}

func (f *fakeBackend) ChatCompletion(_ context.Context, _ *backend.ChatRequest) (*backend.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &backend.ChatResponse{Content: f.response}, nil
}

func (f *fakeBackend) ChatStream(_ context.Context, _ *backend.ChatRequest) (backend.Stream, error) {
	return nil, errors.New("streaming not supported")
}

func genRequest(n int) contextmgr.GenerateRequest {
	msgs := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, types.Message{
			ID:      fmt.Sprintf("msg-%d", i),
			Role:    types.RoleUser,
			Content: "we decided to use the staging cluster for the demo",
		})
	}
	return contextmgr.GenerateRequest{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Messages:       msgs,
		Model:          "unknown-model",
		MemoryWeight:   0.5,
	}
}

func TestGenerateCreatesRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	be := &fakeBackend{response: `{"summary":"demo runs on staging","topics":["demo"],"facts":["staging cluster hosts the demo"],"importance":0.8}`}
	acc := NewAccessor(st, be, nil, nil)

	rec, err := acc.Generate(ctx, genRequest(6))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "demo runs on staging", rec.Content.Summary)
	assert.Equal(t, []string{"staging cluster hosts the demo"}, rec.Content.Facts)
	assert.InDelta(t, 0.8, rec.Importance, 1e-9)
	assert.Positive(t, rec.TokensSaved, "summary is shorter than the window")
	assert.Equal(t, "msg-0", rec.FromMessageID)
	assert.Equal(t, "msg-5", rec.ToMessageID)

	// The record is durable, not just returned.
	stored, err := st.ListMemories(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec.ID, stored[0].ID)
}

func TestGenerateEmptyWindowDeclines(t *testing.T) {
	be := &fakeBackend{response: `{"summary":"x"}`}
	acc := NewAccessor(store.NewMemStore(), be, nil, nil)

	rec, err := acc.Generate(context.Background(), contextmgr.GenerateRequest{AgentID: "a"})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, be.calls)
}

func TestGenerateBackendFailure(t *testing.T) {
	be := &fakeBackend{err: errors.New("upstream 503")}
	acc := NewAccessor(store.NewMemStore(), be, nil, nil)

	rec, err := acc.Generate(context.Background(), genRequest(4))
	assert.Error(t, err)
	assert.Nil(t, rec)
}

func TestGenerateUnparseableOutputDegrades(t *testing.T) {
	be := &fakeBackend{response: "just prose, no json"}
	acc := NewAccessor(store.NewMemStore(), be, nil, nil)

	rec, err := acc.Generate(context.Background(), genRequest(4))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "just prose, no json", rec.Content.Summary)
	assert.InDelta(t, 0.5, rec.Importance, 1e-9, "falls back to the memory weight")
}

func TestGenerateImportanceClamped(t *testing.T) {
	be := &fakeBackend{response: `{"summary":"s","importance":3.5}`}
	acc := NewAccessor(store.NewMemStore(), be, nil, nil)

	rec, err := acc.Generate(context.Background(), genRequest(4))
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Importance)
}

func TestGetContextOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	acc := NewAccessor(st, &fakeBackend{}, nil, nil)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.CreateMemory(ctx, &types.MemoryRecord{
			AgentID:   "agent-1",
			Type:      types.MemoryTypeSummary,
			Content:   types.MemoryContent{Summary: fmt.Sprintf("summary %d", i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	text := acc.GetContext(ctx, "agent-1")
	// Only the latest three, most recent first.
	assert.Contains(t, text, "summary 4")
	assert.Contains(t, text, "summary 3")
	assert.Contains(t, text, "summary 2")
	assert.NotContains(t, text, "summary 1")
	assert.Less(t, strings.Index(text, "summary 4"), strings.Index(text, "summary 2"))
}

func TestGetContextCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	be := &fakeBackend{response: `{"summary":"new fact"}`}
	acc := NewAccessor(st, be, nil, nil)

	require.NoError(t, st.CreateMemory(ctx, &types.MemoryRecord{
		AgentID: "agent-1",
		Content: types.MemoryContent{Summary: "old fact"},
	}))

	first := acc.GetContext(ctx, "agent-1")
	assert.Contains(t, first, "old fact")

	// A write behind the cache is invisible until invalidation.
	require.NoError(t, st.CreateMemory(ctx, &types.MemoryRecord{
		AgentID:   "agent-1",
		Content:   types.MemoryContent{Summary: "fresher fact"},
		CreatedAt: time.Now().Add(time.Minute),
	}))
	assert.NotContains(t, acc.GetContext(ctx, "agent-1"), "fresher fact")

	acc.Invalidate(ctx, "agent-1")
	assert.Contains(t, acc.GetContext(ctx, "agent-1"), "fresher fact")
}

func TestGetContextEmptyAgent(t *testing.T) {
	acc := NewAccessor(store.NewMemStore(), &fakeBackend{}, nil, nil)
	assert.Empty(t, acc.GetContext(context.Background(), ""))
	assert.Empty(t, acc.GetContext(context.Background(), "nobody"))
}
