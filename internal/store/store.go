// Package store defines the persistence contract for messages and memory
// records. The orchestration core only requires an ordered-append,
// id-addressable interface; two implementations are provided, an in-process
// store and a Postgres-backed one.
package store

import (
	"context"

	"github.com/convoflow/convoflow/pkg/types"
)

// MessageStore persists conversation messages. Messages are immutable once
// created, except for the status fields on a tool message.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]types.Message, error)

	// UpdateToolStatus transitions a tool message executing -> completed|error
	// and records the result.
	UpdateToolStatus(ctx context.Context, messageID, status, result string) error
}

// MemoryStore persists memory records.
type MemoryStore interface {
	CreateMemory(ctx context.Context, rec *types.MemoryRecord) error
	// ListMemories returns all records for an agent, most recent first.
	ListMemories(ctx context.Context, agentID string) ([]types.MemoryRecord, error)
	DeleteMemory(ctx context.Context, id string) error
	// DeleteMemories removes a batch of records by id. Used by recursive
	// consolidation after the merged record has been durably created.
	DeleteMemories(ctx context.Context, ids []string) error
	CountMemories(ctx context.Context, agentID string) (int, error)
}

// Store is the combined persistence interface the orchestrator wires in.
type Store interface {
	MessageStore
	MemoryStore
}
