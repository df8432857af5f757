package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/pkg/types"
)

// MemStore is an in-process Store implementation. It backs tests and
// single-node deployments that do not need durable persistence.
type MemStore struct {
	mu       sync.RWMutex
	messages map[string][]*types.Message    // conversationID -> ordered messages
	byID     map[string]*types.Message      // messageID -> message
	memories map[string]*types.MemoryRecord // memoryID -> record
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		messages: make(map[string][]*types.Message),
		byID:     make(map[string]*types.Message),
		memories: make(map[string]*types.MemoryRecord),
	}
}

// CreateMessage appends a message to its conversation.
func (s *MemStore) CreateMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	stored := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &stored)
	s.byID[msg.ID] = &stored
	return nil
}

// ListMessages returns the ordered message sequence for a conversation.
func (s *MemStore) ListMessages(_ context.Context, conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.messages[conversationID]
	out := make([]types.Message, 0, len(seq))
	for _, msg := range seq {
		out = append(out, *msg)
	}
	return out, nil
}

// UpdateToolStatus transitions a tool message to a terminal status.
func (s *MemStore) UpdateToolStatus(_ context.Context, messageID, status, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return fmt.Errorf("message %q not found", messageID)
	}
	if msg.Role != types.RoleTool {
		return fmt.Errorf("message %q is not a tool message", messageID)
	}
	msg.ToolStatus = status
	msg.ToolResult = result
	return nil
}

// CreateMemory stores a memory record.
func (s *MemStore) CreateMemory(_ context.Context, rec *types.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	stored := *rec
	s.memories[rec.ID] = &stored
	return nil
}

// ListMemories returns all records for an agent, most recent first.
func (s *MemStore) ListMemories(_ context.Context, agentID string) ([]types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MemoryRecord
	for _, rec := range s.memories {
		if rec.AgentID == agentID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteMemory removes one record.
func (s *MemStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memories[id]; !ok {
		return fmt.Errorf("memory %q not found", id)
	}
	delete(s.memories, id)
	return nil
}

// DeleteMemories removes a batch of records. Missing ids are ignored so the
// call is idempotent.
func (s *MemStore) DeleteMemories(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.memories, id)
	}
	return nil
}

// CountMemories returns the number of records for an agent.
func (s *MemStore) CountMemories(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.memories {
		if rec.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemStore)(nil)
