package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/pkg/types"
)

func TestMemStoreMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	msgs := []*types.Message{
		{ConversationID: "c1", Role: types.RoleUser, Content: "hello"},
		{ConversationID: "c1", Role: types.RoleAssistant, Content: "hi"},
		{ConversationID: "c2", Role: types.RoleUser, Content: "other"},
	}
	for _, msg := range msgs {
		require.NoError(t, s.CreateMessage(ctx, msg))
		assert.NotEmpty(t, msg.ID, "id should be assigned")
	}

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "hi", got[1].Content)
}

func TestMemStoreToolStatusTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	msg := &types.Message{
		ConversationID: "c1",
		Role:           types.RoleTool,
		ToolName:       "search",
		ToolStatus:     types.ToolStatusExecuting,
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	require.NoError(t, s.UpdateToolStatus(ctx, msg.ID, types.ToolStatusCompleted, "42"))

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ToolStatusCompleted, got[0].ToolStatus)
	assert.Equal(t, "42", got[0].ToolResult)

	// Non-tool messages reject status updates.
	user := &types.Message{ConversationID: "c1", Role: types.RoleUser, Content: "x"}
	require.NoError(t, s.CreateMessage(ctx, user))
	assert.Error(t, s.UpdateToolStatus(ctx, user.ID, types.ToolStatusCompleted, ""))

	assert.Error(t, s.UpdateToolStatus(ctx, "missing", types.ToolStatusError, ""))
}

func TestMemStoreMemories(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	base := time.Now()
	for i := 0; i < 3; i++ {
		rec := &types.MemoryRecord{
			AgentID:   "agent-1",
			Type:      types.MemoryTypeSummary,
			Content:   types.MemoryContent{Summary: "s"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateMemory(ctx, rec))
	}
	require.NoError(t, s.CreateMemory(ctx, &types.MemoryRecord{
		AgentID: "agent-2", Type: types.MemoryTypeSummary,
	}))

	got, err := s.ListMemories(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Most recent first.
	assert.True(t, got[0].CreatedAt.After(got[1].CreatedAt))
	assert.True(t, got[1].CreatedAt.After(got[2].CreatedAt))

	n, err := s.CountMemories(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.DeleteMemories(ctx, []string{got[0].ID, got[1].ID}))
	n, err = s.CountMemories(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Batch delete is idempotent for missing ids.
	assert.NoError(t, s.DeleteMemories(ctx, []string{"missing"}))
	// Single delete is not.
	assert.Error(t, s.DeleteMemory(ctx, "missing"))
}
