// Package memory generates, serves, and consolidates durable memory records.
// Records substitute for evicted conversation messages: generation happens
// before eviction commits, and the formatted context injected into later
// turns is cached per agent with explicit invalidation on every write.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convoflow/convoflow/internal/contextmgr"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/tokenizer"
	"github.com/convoflow/convoflow/pkg/backend"
	"github.com/convoflow/convoflow/pkg/types"
)

const logPrefix = "[MEMORY]"

// MaxContextMemories is how many recent records GetContext injects.
const MaxContextMemories = 3

// DefaultMaxEntries is the per-agent record count that triggers
// consolidation.
const DefaultMaxEntries = 20

var (
	recordsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_memory_records_total",
			Help: "Memory records created, by type",
		},
		[]string{"type"},
	)

	consolidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_memory_consolidations_total",
			Help: "Consolidation outcomes",
		},
		[]string{"outcome"},
	)
)

// Accessor is the single entry point for memory reads and writes. It
// implements contextmgr.MemoryGenerator and contextmgr.Consolidator.
type Accessor struct {
	store   store.MemoryStore
	backend backend.Backend
	cache   ContextCache
	logger  *slog.Logger

	// Model used for summarization and consolidation calls.
	Model string

	// MaxEntries is the per-agent cap before consolidation merges the
	// overflow.
	MaxEntries int
}

// NewAccessor creates a memory accessor. cache may be nil, in which case an
// in-process cache is used.
func NewAccessor(st store.MemoryStore, be backend.Backend, cache ContextCache, logger *slog.Logger) *Accessor {
	if cache == nil {
		cache = NewLocalCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accessor{
		store:      st,
		backend:    be,
		cache:      cache,
		logger:     logger,
		MaxEntries: DefaultMaxEntries,
	}
}

// summaryOutput is the JSON shape the summarization prompt asks for.
type summaryOutput struct {
	Summary     string   `json:"summary"`
	Topics      []string `json:"topics"`
	Facts       []string `json:"facts"`
	Preferences []string `json:"preferences"`
	Context     string   `json:"context"`
	Importance  float64  `json:"importance"`
}

const summarySystemPrompt = `You compress conversation history into a memory record.
Respond with a single JSON object:
{"summary": "...", "topics": [], "facts": [], "preferences": [], "context": "...", "importance": 0.0-1.0}
Keep the summary under 200 words. Facts are durable statements worth
recalling later; preferences are the user's stated preferences. Importance
reflects how much future turns would suffer without this record.`

// Generate summarizes an evicted message window into a durable record. It
// returns (nil, nil) when the window is empty, and an error when either the
// backend call or the store write fails; the caller must not evict then.
func (a *Accessor) Generate(ctx context.Context, req contextmgr.GenerateRequest) (*types.MemoryRecord, error) {
	if len(req.Messages) == 0 {
		return nil, nil
	}

	model := req.Model
	if a.Model != "" {
		model = a.Model
	}

	resp, err := a.backend.ChatCompletion(ctx, &backend.ChatRequest{
		Model: model,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: summarySystemPrompt},
			{Role: types.RoleUser, Content: renderTranscript(req.Messages)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summarization call failed: %w", err)
	}

	out := parseSummary(resp.Content, req.MemoryWeight)
	if out.Summary == "" {
		return nil, nil
	}

	rec := &types.MemoryRecord{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Type:           types.MemoryTypeSummary,
		Content: types.MemoryContent{
			Summary:     out.Summary,
			Topics:      out.Topics,
			Facts:       out.Facts,
			Preferences: out.Preferences,
			Context:     out.Context,
		},
		Importance:    clamp01(out.Importance),
		TokensSaved:   tokensSaved(req.Messages, out.Summary, req.Model),
		FromMessageID: req.Messages[0].ID,
		ToMessageID:   req.Messages[len(req.Messages)-1].ID,
	}

	if err := a.store.CreateMemory(ctx, rec); err != nil {
		return nil, fmt.Errorf("memory persist failed: %w", err)
	}
	recordsCreated.WithLabelValues(rec.Type).Inc()
	a.cache.Invalidate(ctx, req.AgentID)

	a.logger.Info(logPrefix+" record created",
		"agent", req.AgentID,
		"messages", len(req.Messages),
		"tokens_saved", rec.TokensSaved,
		"importance", rec.Importance,
	)
	return rec, nil
}

// GetContext returns the formatted memory context for an agent: the latest
// records, most recent first. Results are cached per agent; a store failure
// degrades to an empty context rather than failing the turn.
func (a *Accessor) GetContext(ctx context.Context, agentID string) string {
	if agentID == "" {
		return ""
	}
	if text, ok := a.cache.Get(ctx, agentID); ok {
		return text
	}

	records, err := a.store.ListMemories(ctx, agentID)
	if err != nil {
		a.logger.Warn(logPrefix+" context lookup failed",
			"agent", agentID,
			"error", err,
		)
		return ""
	}
	if len(records) > MaxContextMemories {
		records = records[:MaxContextMemories]
	}

	text := renderContext(records)
	a.cache.Set(ctx, agentID, text)
	return text
}

// Invalidate drops the cached context for an agent. Called on every memory
// write path.
func (a *Accessor) Invalidate(ctx context.Context, agentID string) {
	a.cache.Invalidate(ctx, agentID)
}

// renderTranscript flattens the evicted window into plain text for the
// summarization prompt.
func renderTranscript(messages []types.Message) string {
	var b strings.Builder
	for i := range messages {
		msg := &messages[i]
		b.WriteString(msg.Role)
		b.WriteString(": ")
		if msg.Role == types.RoleTool && msg.ToolName != "" {
			b.WriteString("[" + msg.ToolName + "] ")
			b.WriteString(msg.ToolResult)
		} else {
			b.WriteString(msg.Content)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// renderContext formats records for injection into a system prompt. Empty
// when the agent has no memories.
func renderContext(records []types.MemoryRecord) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant memory from earlier conversations (most recent first):\n")
	for i := range records {
		rec := &records[i]
		b.WriteString("- ")
		b.WriteString(rec.Content.Summary)
		b.WriteByte('\n')
		for _, fact := range rec.Content.Facts {
			b.WriteString("  fact: " + fact + "\n")
		}
		for _, pref := range rec.Content.Preferences {
			b.WriteString("  preference: " + pref + "\n")
		}
	}
	return b.String()
}

// parseSummary decodes the model's JSON output, tolerating markdown fences.
// Unparseable output degrades to a plain-text summary with the strategy's
// memory weight as importance.
func parseSummary(content string, memoryWeight float64) summaryOutput {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var out summaryOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out.Summary != "" {
		if out.Importance == 0 {
			out.Importance = memoryWeight
		}
		return out
	}

	return summaryOutput{Summary: trimmed, Importance: memoryWeight}
}

func tokensSaved(original []types.Message, summary, model string) int {
	saved := tokenizer.EstimateBatch(original, model) - tokenizer.EstimateText(summary, model)
	if saved < 0 {
		return 0
	}
	return saved
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
