package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/convoflow/convoflow/pkg/types"
)

// PostgresStore is a Store backed by PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and verifies it.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate creates the required tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tool_name       TEXT,
	tool_args       JSONB,
	tool_result     TEXT,
	tool_status     TEXT,
	tool_calls      JSONB,
	tool_call_id    TEXT,
	stats           JSONB,
	seq             BIGSERIAL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, seq);

CREATE TABLE IF NOT EXISTS memories (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT,
	agent_id        TEXT NOT NULL,
	type            TEXT NOT NULL,
	content         JSONB NOT NULL,
	importance      DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens_saved    INTEGER NOT NULL DEFAULT 0,
	from_message_id TEXT,
	to_message_id   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS memories_agent_idx ON memories (agent_id, created_at DESC);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateMessage appends a message to its conversation.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	stats, err := marshalNullable(msg.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, role, content, tool_name, tool_args,
			 tool_result, tool_status, tool_calls, tool_call_id, stats, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		nullString(msg.ToolName), nullBytes(msg.ToolArgs),
		nullString(msg.ToolResult), nullString(msg.ToolStatus),
		toolCalls, nullString(msg.ToolCallID), stats, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the ordered message sequence for a conversation.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_name, tool_args,
		       tool_result, tool_status, tool_calls, tool_call_id, stats, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var (
			msg                                      types.Message
			toolName, toolResult, toolStatus, callID sql.NullString
			toolArgs, toolCalls, stats               []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&toolName, &toolArgs, &toolResult, &toolStatus, &toolCalls, &callID,
			&stats, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ToolName = toolName.String
		msg.ToolArgs = toolArgs
		msg.ToolResult = toolResult.String
		msg.ToolStatus = toolStatus.String
		msg.ToolCallID = callID.String
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &msg.Stats); err != nil {
				return nil, fmt.Errorf("decode stats: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// UpdateToolStatus transitions a tool message to a terminal status.
func (s *PostgresStore) UpdateToolStatus(ctx context.Context, messageID, status, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET tool_status = $2, tool_result = $3
		WHERE id = $1 AND role = 'tool'`,
		messageID, status, result,
	)
	if err != nil {
		return fmt.Errorf("update tool status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tool message %q not found", messageID)
	}
	return nil
}

// CreateMemory stores a memory record.
func (s *PostgresStore) CreateMemory(ctx context.Context, rec *types.MemoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal memory content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories
			(id, conversation_id, agent_id, type, content, importance,
			 tokens_saved, from_message_id, to_message_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, nullString(rec.ConversationID), rec.AgentID, rec.Type, content,
		rec.Importance, rec.TokensSaved,
		nullString(rec.FromMessageID), nullString(rec.ToMessageID), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// ListMemories returns all records for an agent, most recent first.
func (s *PostgresStore) ListMemories(ctx context.Context, agentID string) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, type, content, importance,
		       tokens_saved, from_message_id, to_message_id, created_at
		FROM memories WHERE agent_id = $1 ORDER BY created_at DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryRecord
	for rows.Next() {
		var (
			rec              types.MemoryRecord
			convID, from, to sql.NullString
			content          []byte
		)
		if err := rows.Scan(&rec.ID, &convID, &rec.AgentID, &rec.Type, &content,
			&rec.Importance, &rec.TokensSaved, &from, &to, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		rec.ConversationID = convID.String
		rec.FromMessageID = from.String
		rec.ToMessageID = to.String
		if err := json.Unmarshal(content, &rec.Content); err != nil {
			return nil, fmt.Errorf("decode memory content: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMemory removes one record.
func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// DeleteMemories removes a batch of records by id.
func (s *PostgresStore) DeleteMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	return nil
}

// CountMemories returns the number of records for an agent.
func (s *PostgresStore) CountMemories(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE agent_id = $1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *types.MessageStats:
		if val == nil {
			return nil, nil
		}
	case []types.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

var _ Store = (*PostgresStore)(nil)
