package types

import "time"

// Memory record types.
const (
	MemoryTypeSummary   = "summary"
	MemoryTypeContext   = "context"
	MemoryTypeImportant = "important"
)

// MemoryRecord is a durable, compressed summary substituting for evicted
// raw messages. The memory store's backing storage is the system of record.
type MemoryRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	AgentID        string        `json:"agent_id,omitempty"`
	Type           string        `json:"type"`
	Content        MemoryContent `json:"content"`
	Importance     float64       `json:"importance_score"`
	TokensSaved    int           `json:"tokens_saved"`

	// Source message range the record was generated from.
	FromMessageID string `json:"from_message_id,omitempty"`
	ToMessageID   string `json:"to_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// MemoryContent is the structured body of a memory record.
type MemoryContent struct {
	Summary     string   `json:"summary"`
	Topics      []string `json:"topics,omitempty"`
	Facts       []string `json:"facts,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
	Context     string   `json:"context,omitempty"`
}
