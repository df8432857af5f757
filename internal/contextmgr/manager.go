package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convoflow/convoflow/internal/tokenizer"
	"github.com/convoflow/convoflow/pkg/types"
)

const logPrefix = "[CONTEXT]"

// MinEvictionCount is the smallest batch worth folding into memory.
// Evicting fewer than two exchange turns produces near-useless memories,
// so the eviction is skipped entirely below this count.
const MinEvictionCount = 4

var (
	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_context_evictions_total",
			Help: "Context eviction outcomes by strategy",
		},
		[]string{"strategy", "outcome"},
	)

	messagesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoflow_context_messages_evicted_total",
			Help: "Total messages folded into memory records",
		},
	)
)

// MemoryGenerator produces one memory record from a window of evicted
// messages. A nil record with nil error means generation declined (empty
// input); the caller must not evict in that case.
type MemoryGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*types.MemoryRecord, error)
}

// Consolidator runs recursive memory consolidation for an agent.
type Consolidator interface {
	Consolidate(ctx context.Context, agentID string) error
}

// GenerateRequest is the input to memory generation.
type GenerateRequest struct {
	ConversationID string
	AgentID        string
	Messages       []types.Message
	Model          string
	MemoryWeight   float64
}

// Usage is the result of window accounting for one message list.
type Usage struct {
	TotalTokens          int            `json:"total_tokens"`
	PerCategory          map[string]int `json:"per_category_tokens"`
	MaxContextTokens     int            `json:"max_context_length"`
	UsagePercent         float64        `json:"usage_percentage"`
	RecommendedKeepCount int            `json:"recommended_keep_count"`
}

// Result is the outcome of one ManageContext invocation.
type Result struct {
	OptimizedMessages []types.Message     `json:"optimized_messages"`
	Usage             Usage               `json:"usage"`
	MemoryGenerated   *types.MemoryRecord `json:"memory_generated,omitempty"`
	MessagesEvicted   int                 `json:"messages_evicted"`
}

// Manager owns the eviction policy. It holds no conversation state; every
// call operates on the transient message list for one turn.
type Manager struct {
	generator    MemoryGenerator
	consolidator Consolidator
	logger       *slog.Logger
}

// NewManager creates a context manager. consolidator may be nil when
// recursive memory is not wired.
func NewManager(generator MemoryGenerator, consolidator Consolidator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		generator:    generator,
		consolidator: consolidator,
		logger:       logger,
	}
}

// AnalyzeUsage computes window accounting for the message list plus any
// injected memory context.
func (m *Manager) AnalyzeUsage(messages []types.Message, memoryText, model string, strat Strategy) Usage {
	perCategory := map[string]int{}
	total := 0
	nonSystem := 0

	for i := range messages {
		tokens := tokenizer.Estimate(messages[i], model)
		perCategory[messages[i].Role] += tokens
		total += tokens
		if !messages[i].IsSystem() {
			nonSystem++
		}
	}

	if memoryText != "" {
		memTokens := tokenizer.EstimateText(memoryText, model)
		perCategory["memory"] = memTokens
		total += memTokens
	}

	maxTokens := tokenizer.MaxContextTokens(model)
	usagePercent := 0.0
	if maxTokens > 0 && total > 0 {
		usagePercent = float64(total) / float64(maxTokens) * 100
	}

	return Usage{
		TotalTokens:          total,
		PerCategory:          perCategory,
		MaxContextTokens:     maxTokens,
		UsagePercent:         usagePercent,
		RecommendedKeepCount: keepCount(nonSystem, strat.KeepPercentage),
	}
}

// ManageContext runs the eviction check for one turn. Messages are returned
// unchanged when usage is below the strategy threshold, when the evictable
// batch is too small, or when memory generation fails — eviction commits
// only after a memory record exists.
func (m *Manager) ManageContext(ctx context.Context, messages []types.Message, conversationID, agentID, model, strategyName string) (*Result, error) {
	strat := StrategyByName(strategyName)
	usage := m.AnalyzeUsage(messages, "", model, strat)

	result := &Result{
		OptimizedMessages: messages,
		Usage:             usage,
	}

	if len(messages) == 0 {
		return result, nil
	}
	if usage.UsagePercent < strat.CleanupThreshold {
		return result, nil
	}

	system, rest := splitSystem(messages)
	keep := keepCount(len(rest), strat.KeepPercentage)
	evictCount := len(rest) - keep

	if evictCount < MinEvictionCount {
		evictionsTotal.WithLabelValues(strat.Name, "skipped_small_batch").Inc()
		m.logger.Debug(logPrefix+" eviction skipped",
			"strategy", strat.Name,
			"evictable", evictCount,
		)
		return result, nil
	}

	evicted := rest[:evictCount]
	kept := rest[evictCount:]

	record, err := m.generator.Generate(ctx, GenerateRequest{
		ConversationID: conversationID,
		AgentID:        agentID,
		Messages:       evicted,
		Model:          model,
		MemoryWeight:   strat.MemoryWeight,
	})
	if err != nil {
		evictionsTotal.WithLabelValues(strat.Name, "memory_failed").Inc()
		return result, fmt.Errorf("memory generation failed, eviction aborted: %w", err)
	}
	if record == nil {
		evictionsTotal.WithLabelValues(strat.Name, "memory_declined").Inc()
		return result, nil
	}

	optimized := make([]types.Message, 0, len(system)+len(kept))
	optimized = append(optimized, system...)
	optimized = append(optimized, kept...)

	result.OptimizedMessages = optimized
	result.MemoryGenerated = record
	result.MessagesEvicted = evictCount
	result.Usage = m.AnalyzeUsage(optimized, "", model, strat)

	evictionsTotal.WithLabelValues(strat.Name, "evicted").Inc()
	messagesEvicted.Add(float64(evictCount))

	m.logger.Info(logPrefix+" messages evicted",
		"strategy", strat.Name,
		"evicted", evictCount,
		"kept", len(kept),
		"tokens_saved", record.TokensSaved,
	)

	if strat.EnableRecursiveMemory && m.consolidator != nil && agentID != "" {
		if err := m.consolidator.Consolidate(ctx, agentID); err != nil {
			// Consolidation is best-effort; the eviction already
			// committed.
			m.logger.Warn(logPrefix+" consolidation failed",
				"agent", agentID,
				"error", err,
			)
		}
	}

	return result, nil
}

// splitSystem partitions messages into system and non-system, preserving
// relative order. System messages are never evicted.
func splitSystem(messages []types.Message) (system, rest []types.Message) {
	for i := range messages {
		if messages[i].IsSystem() {
			system = append(system, messages[i])
		} else {
			rest = append(rest, messages[i])
		}
	}
	return system, rest
}

func keepCount(nonSystem int, keepPercentage float64) int {
	return int(math.Floor(float64(nonSystem) * keepPercentage / 100))
}
