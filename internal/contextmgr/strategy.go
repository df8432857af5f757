// Package contextmgr implements context-window accounting and the eviction
// engine. It estimates usage against the model's window, decides whether to
// fold the oldest messages into memory, and drives recursive consolidation.
package contextmgr

// Strategy controls when eviction triggers and how much survives it.
// Strategies are immutable presets selected by name per turn.
type Strategy struct {
	Name string `json:"name"`

	// CleanupThreshold is the window-usage percentage that triggers the
	// eviction check.
	CleanupThreshold float64 `json:"cleanup_threshold"`

	// KeepPercentage is the share of non-system messages retained.
	KeepPercentage float64 `json:"keep_percentage"`

	// MemoryWeight biases importance scoring of generated memories.
	MemoryWeight float64 `json:"memory_weight"`

	EnableProactiveMemory bool `json:"enable_proactive_memory"`
	EnableRecursiveMemory bool `json:"enable_recursive_memory"`
}

// DefaultStrategyName is used when no strategy is requested or the
// requested name is unknown.
const DefaultStrategyName = "balanced"

var strategies = map[string]Strategy{
	"conservative": {
		Name:             "conservative",
		CleanupThreshold: 70,
		KeepPercentage:   70,
		MemoryWeight:     0.3,
	},
	"balanced": {
		Name:                  "balanced",
		CleanupThreshold:      60,
		KeepPercentage:        60,
		MemoryWeight:          0.5,
		EnableProactiveMemory: true,
	},
	"aggressive": {
		Name:                  "aggressive",
		CleanupThreshold:      50,
		KeepPercentage:        50,
		MemoryWeight:          0.7,
		EnableProactiveMemory: true,
		EnableRecursiveMemory: true,
	},
	// force_rounds has a zero threshold: the eviction check runs every
	// turn regardless of actual usage. Unusual, but the literal behavior
	// is load-bearing for round-based testing setups.
	"force_rounds": {
		Name:                  "force_rounds",
		CleanupThreshold:      0,
		KeepPercentage:        40,
		MemoryWeight:          0.8,
		EnableProactiveMemory: true,
		EnableRecursiveMemory: true,
	},
}

// StrategyByName resolves a strategy, falling back to balanced for unknown
// names.
func StrategyByName(name string) Strategy {
	if s, ok := strategies[name]; ok {
		return s
	}
	return strategies[DefaultStrategyName]
}

// StrategyNames returns the registered preset names.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	return names
}
