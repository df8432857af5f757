// Package tokenizer provides heuristic token estimation for context-window
// accounting. Counts are approximations parameterized per model family; they
// only need to be consistent, not exact, since the context manager compares
// them against the same model's window size.
package tokenizer

import (
	"math"
	"strings"

	"github.com/convoflow/convoflow/pkg/types"
)

// Role weights. System prompts tend to be instruction-dense and are charged
// up; tool results are mostly structured filler and are charged down.
const (
	systemWeight = 1.1
	toolWeight   = 0.8
)

// ModelConfig holds the per-family cost parameters.
type ModelConfig struct {
	// TokensPerChar is the estimated token cost of one character.
	TokensPerChar float64
	// MaxContextTokens is the model's context window size.
	MaxContextTokens int
}

// defaultConfig is used when a model matches neither exactly nor by family.
var defaultConfig = ModelConfig{TokensPerChar: 0.25, MaxContextTokens: 8192}

// exactConfigs maps full model identifiers to their cost parameters.
var exactConfigs = map[string]ModelConfig{
	"gpt-4o":                   {TokensPerChar: 0.25, MaxContextTokens: 128000},
	"gpt-4o-mini":              {TokensPerChar: 0.25, MaxContextTokens: 128000},
	"gpt-4-turbo":              {TokensPerChar: 0.25, MaxContextTokens: 128000},
	"gpt-3.5-turbo":            {TokensPerChar: 0.25, MaxContextTokens: 16385},
	"claude-3-5-sonnet-latest": {TokensPerChar: 0.28, MaxContextTokens: 200000},
	"claude-3-5-haiku-latest":  {TokensPerChar: 0.28, MaxContextTokens: 200000},
	"llama3.1:8b":              {TokensPerChar: 0.27, MaxContextTokens: 131072},
	"qwen2.5:7b":               {TokensPerChar: 0.3, MaxContextTokens: 32768},
}

// familyConfigs maps model-name prefixes to cost parameters. Checked after
// exact match, longest prefix wins.
var familyConfigs = map[string]ModelConfig{
	"gpt-4":    {TokensPerChar: 0.25, MaxContextTokens: 128000},
	"gpt-3.5":  {TokensPerChar: 0.25, MaxContextTokens: 16385},
	"claude":   {TokensPerChar: 0.28, MaxContextTokens: 200000},
	"llama":    {TokensPerChar: 0.27, MaxContextTokens: 131072},
	"qwen":     {TokensPerChar: 0.3, MaxContextTokens: 32768},
	"mistral":  {TokensPerChar: 0.27, MaxContextTokens: 32768},
	"deepseek": {TokensPerChar: 0.3, MaxContextTokens: 65536},
	"gemini":   {TokensPerChar: 0.25, MaxContextTokens: 1048576},
}

// ConfigFor resolves the cost parameters for a model: exact match, then
// longest family prefix, then the generic default.
func ConfigFor(model string) ModelConfig {
	name := normalizeModelName(model)
	if cfg, ok := exactConfigs[name]; ok {
		return cfg
	}

	best := ""
	for prefix := range familyConfigs {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return familyConfigs[best]
	}
	return defaultConfig
}

// MaxContextTokens returns the context window size for a model.
func MaxContextTokens(model string) int {
	return ConfigFor(model).MaxContextTokens
}

// Estimate returns the estimated token count for one message. Always
// non-negative; empty content costs zero.
func Estimate(msg types.Message, model string) int {
	cfg := ConfigFor(model)
	return estimateWithConfig(msg, cfg)
}

// EstimateBatch returns the estimated total for a message list.
func EstimateBatch(msgs []types.Message, model string) int {
	cfg := ConfigFor(model)
	total := 0
	for i := range msgs {
		total += estimateWithConfig(msgs[i], cfg)
	}
	return total
}

// EstimateText returns the unweighted estimate for raw text.
func EstimateText(text, model string) int {
	if text == "" {
		return 0
	}
	cfg := ConfigFor(model)
	return int(math.Ceil(float64(len(text)) * cfg.TokensPerChar))
}

func estimateWithConfig(msg types.Message, cfg ModelConfig) int {
	chars := len(msg.Content)
	for i := range msg.ToolCalls {
		chars += len(msg.ToolCalls[i].Function.Name)
		chars += len(msg.ToolCalls[i].Function.Arguments)
	}
	if msg.Role == types.RoleTool {
		chars += len(msg.ToolResult)
	}
	if chars == 0 {
		return 0
	}

	weight := 1.0
	switch msg.Role {
	case types.RoleSystem:
		weight = systemWeight
	case types.RoleTool:
		weight = toolWeight
	}

	return int(math.Ceil(float64(chars) * cfg.TokensPerChar * weight))
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	model = strings.ToLower(model)
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
