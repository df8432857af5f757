package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/convoflow/convoflow/pkg/backend"
	"github.com/convoflow/convoflow/pkg/types"
)

const consolidateSystemPrompt = `You merge several memory records into one.
Respond with a single JSON object:
{"summary": "...", "topics": [], "facts": [], "preferences": [], "context": "..."}
Preserve every durable fact and preference; collapse overlapping summaries.`

// tokensSavedFactor accounts for the duplication removed when overlapping
// records are merged into one.
const tokensSavedFactor = 1.2

// Consolidate merges an agent's overflow memories once the per-agent cap is
// exceeded. The highest-importance records survive untouched; the remainder
// is folded into one merged record. Source records are deleted only after
// the merged record has been durably created.
func (a *Accessor) Consolidate(ctx context.Context, agentID string) error {
	count, err := a.store.CountMemories(ctx, agentID)
	if err != nil {
		return fmt.Errorf("memory count failed: %w", err)
	}
	if count <= a.MaxEntries {
		return nil
	}

	records, err := a.store.ListMemories(ctx, agentID)
	if err != nil {
		return fmt.Errorf("memory list failed: %w", err)
	}

	// Importance decides survival; recency breaks ties.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Importance != records[j].Importance {
			return records[i].Importance > records[j].Importance
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	overflow := records[a.MaxEntries:]
	if len(overflow) < 2 {
		consolidations.WithLabelValues("skipped").Inc()
		return nil
	}

	merged, err := a.mergeRecords(ctx, agentID, overflow)
	if err != nil {
		consolidations.WithLabelValues("merge_failed").Inc()
		return err
	}

	if err := a.store.CreateMemory(ctx, merged); err != nil {
		consolidations.WithLabelValues("persist_failed").Inc()
		return fmt.Errorf("merged record persist failed: %w", err)
	}
	recordsCreated.WithLabelValues(merged.Type).Inc()

	ids := make([]string, 0, len(overflow))
	for i := range overflow {
		ids = append(ids, overflow[i].ID)
	}
	if err := a.store.DeleteMemories(ctx, ids); err != nil {
		// The merged record exists; the sources linger until the next
		// consolidation pass retries the delete.
		consolidations.WithLabelValues("delete_failed").Inc()
		return fmt.Errorf("source record delete failed: %w", err)
	}

	consolidations.WithLabelValues("merged").Inc()
	a.cache.Invalidate(ctx, agentID)

	a.logger.Info(logPrefix+" memories consolidated",
		"agent", agentID,
		"merged", len(overflow),
		"tokens_saved", merged.TokensSaved,
	)
	return nil
}

func (a *Accessor) mergeRecords(ctx context.Context, agentID string, overflow []types.MemoryRecord) (*types.MemoryRecord, error) {
	var b strings.Builder
	sumImportance := 0.0
	sumTokens := 0
	for i := range overflow {
		rec := &overflow[i]
		b.WriteString("- " + rec.Content.Summary + "\n")
		for _, fact := range rec.Content.Facts {
			b.WriteString("  fact: " + fact + "\n")
		}
		for _, pref := range rec.Content.Preferences {
			b.WriteString("  preference: " + pref + "\n")
		}
		sumImportance += rec.Importance
		sumTokens += rec.TokensSaved
	}

	resp, err := a.backend.ChatCompletion(ctx, &backend.ChatRequest{
		Model: a.Model,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: consolidateSystemPrompt},
			{Role: types.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("consolidation call failed: %w", err)
	}

	out := parseSummary(resp.Content, 0)
	if out.Summary == "" {
		return nil, fmt.Errorf("consolidation produced empty summary")
	}

	avg := sumImportance / float64(len(overflow))
	return &types.MemoryRecord{
		AgentID: agentID,
		Type:    types.MemoryTypeSummary,
		Content: types.MemoryContent{
			Summary:     out.Summary,
			Topics:      out.Topics,
			Facts:       out.Facts,
			Preferences: out.Preferences,
			Context:     out.Context,
		},
		Importance:  clamp01(avg + 0.1),
		TokensSaved: int(tokensSavedFactor * float64(sumTokens)),
	}, nil
}
