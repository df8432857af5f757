package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/pkg/types"
)

type fakeGenerator struct {
	calls   int
	lastReq GenerateRequest
	record  *types.MemoryRecord
	err     error
}

func (f *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (*types.MemoryRecord, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

type fakeConsolidator struct {
	calls int
}

func (f *fakeConsolidator) Consolidate(_ context.Context, _ string) error {
	f.calls++
	return nil
}

// messageOfTokens builds a user message estimated at roughly n tokens under
// the default model config (0.25 tokens per char).
func messageOfTokens(n int) types.Message {
	return types.Message{Role: types.RoleUser, Content: strings.Repeat("m", n*4)}
}

func defaultRecord() *types.MemoryRecord {
	return &types.MemoryRecord{
		ID:      "mem-1",
		Type:    types.MemoryTypeSummary,
		Content: types.MemoryContent{Summary: "compressed"},
	}
}

func TestManageContextBelowThresholdIsNoOp(t *testing.T) {
	gen := &fakeGenerator{record: defaultRecord()}
	m := NewManager(gen, nil, nil)

	// A handful of small messages: far below any threshold.
	msgs := []types.Message{
		{Role: types.RoleSystem, Content: "be helpful"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
	}

	for _, name := range []string{"conservative", "balanced", "aggressive"} {
		result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", name)
		require.NoError(t, err)
		assert.Equal(t, msgs, result.OptimizedMessages, "strategy %s", name)
		assert.Zero(t, result.MessagesEvicted, "strategy %s", name)
	}
	assert.Zero(t, gen.calls, "no memory should be generated below threshold")
}

func TestManageContextZeroMessages(t *testing.T) {
	m := NewManager(&fakeGenerator{}, nil, nil)

	result, err := m.ManageContext(context.Background(), nil, "c", "a", "unknown-model", "balanced")
	require.NoError(t, err)
	assert.Zero(t, result.Usage.UsagePercent)
	assert.Zero(t, result.MessagesEvicted)
}

func TestManageContextBalancedScenario(t *testing.T) {
	// 30 non-system messages at ~75% of the default 8192-token window:
	// each message ~205 tokens, total ~6150.
	gen := &fakeGenerator{record: defaultRecord()}
	m := NewManager(gen, nil, nil)

	msgs := make([]types.Message, 0, 30)
	for i := 0; i < 30; i++ {
		msgs = append(msgs, messageOfTokens(205))
	}

	before := m.AnalyzeUsage(msgs, "", "unknown-model", StrategyByName("balanced"))
	require.Greater(t, before.UsagePercent, 60.0)

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "balanced")
	require.NoError(t, err)

	// keep = floor(30 * 0.6) = 18, evict 12.
	assert.Equal(t, 12, result.MessagesEvicted)
	assert.Len(t, result.OptimizedMessages, 18)
	assert.Equal(t, 1, gen.calls, "exactly one memory per eviction")
	assert.NotNil(t, result.MemoryGenerated)
	assert.LessOrEqual(t, result.Usage.UsagePercent, before.UsagePercent)

	// The evicted window is the oldest prefix.
	assert.Equal(t, msgs[12:], result.OptimizedMessages)
	assert.Len(t, gen.lastReq.Messages, 12)
}

func TestManageContextNeverEvictsSystemMessages(t *testing.T) {
	gen := &fakeGenerator{record: defaultRecord()}
	m := NewManager(gen, nil, nil)

	msgs := []types.Message{{Role: types.RoleSystem, Content: "instructions"}}
	for i := 0; i < 20; i++ {
		msgs = append(msgs, messageOfTokens(400))
	}

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "aggressive")
	require.NoError(t, err)
	require.Positive(t, result.MessagesEvicted)

	assert.Equal(t, types.RoleSystem, result.OptimizedMessages[0].Role,
		"system message survives eviction")
	for _, evicted := range gen.lastReq.Messages {
		assert.NotEqual(t, types.RoleSystem, evicted.Role)
	}
}

func TestManageContextSkipsSmallBatch(t *testing.T) {
	gen := &fakeGenerator{record: defaultRecord()}
	m := NewManager(gen, nil, nil)

	// 7 large messages under conservative (keep 70%): evict count is
	// 7 - floor(4.9) = 3, below the 4-message minimum.
	msgs := make([]types.Message, 0, 7)
	for i := 0; i < 7; i++ {
		msgs = append(msgs, messageOfTokens(900))
	}

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "conservative")
	require.NoError(t, err)
	assert.Zero(t, result.MessagesEvicted)
	assert.Equal(t, msgs, result.OptimizedMessages)
	assert.Zero(t, gen.calls)
}

func TestManageContextAbortsWhenMemoryFails(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("backend down")}
	m := NewManager(gen, nil, nil)

	msgs := make([]types.Message, 0, 30)
	for i := 0; i < 30; i++ {
		msgs = append(msgs, messageOfTokens(205))
	}

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "balanced")
	assert.Error(t, err)
	assert.Equal(t, msgs, result.OptimizedMessages, "no eviction without a memory record")
	assert.Zero(t, result.MessagesEvicted)
}

func TestManageContextDeclinedMemorySkipsEviction(t *testing.T) {
	gen := &fakeGenerator{record: nil}
	m := NewManager(gen, nil, nil)

	msgs := make([]types.Message, 0, 30)
	for i := 0; i < 30; i++ {
		msgs = append(msgs, messageOfTokens(205))
	}

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "balanced")
	require.NoError(t, err)
	assert.Zero(t, result.MessagesEvicted)
	assert.Equal(t, msgs, result.OptimizedMessages)
}

func TestManageContextForceRoundsAlwaysChecks(t *testing.T) {
	// force_rounds has a zero cleanup threshold, so the check fires even
	// at negligible usage. Flagging here: this is the literal configured
	// behavior, unusual as it looks.
	gen := &fakeGenerator{record: defaultRecord()}
	m := NewManager(gen, nil, nil)

	msgs := make([]types.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, types.Message{Role: types.RoleUser, Content: "tiny"})
	}

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "force_rounds")
	require.NoError(t, err)
	// keep = floor(10 * 0.4) = 4, evict 6 despite ~0% usage.
	assert.Equal(t, 6, result.MessagesEvicted)
	assert.Equal(t, 1, gen.calls)
}

func TestManageContextUnknownStrategyFallsBack(t *testing.T) {
	assert.Equal(t, "balanced", StrategyByName("no-such-strategy").Name)

	gen := &fakeGenerator{record: defaultRecord()}
	m := NewManager(gen, nil, nil)

	msgs := make([]types.Message, 0, 30)
	for i := 0; i < 30; i++ {
		msgs = append(msgs, messageOfTokens(205))
	}

	result, err := m.ManageContext(context.Background(), msgs, "c", "a", "unknown-model", "no-such-strategy")
	require.NoError(t, err)
	assert.Equal(t, 12, result.MessagesEvicted, "balanced keep percentage applies")
}

func TestManageContextTriggersConsolidation(t *testing.T) {
	gen := &fakeGenerator{record: defaultRecord()}
	cons := &fakeConsolidator{}
	m := NewManager(gen, cons, nil)

	msgs := make([]types.Message, 0, 30)
	for i := 0; i < 30; i++ {
		msgs = append(msgs, messageOfTokens(205))
	}

	// aggressive enables recursive memory.
	_, err := m.ManageContext(context.Background(), msgs, "c", "agent-1", "unknown-model", "aggressive")
	require.NoError(t, err)
	assert.Equal(t, 1, cons.calls)

	// balanced does not.
	gen.record = defaultRecord()
	_, err = m.ManageContext(context.Background(), msgs, "c", "agent-1", "unknown-model", "balanced")
	require.NoError(t, err)
	assert.Equal(t, 1, cons.calls)
}
