package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convoflow/convoflow/pkg/types"
)

// MockClient is a TransportClient for tests. It tracks connect/call counts
// and lets tests inject behavior through hooks.
type MockClient struct {
	ServerName string
	Transport  TransportType
	MockTools  []types.Tool
	ConnectErr error
	CallFunc   func(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	mu           sync.Mutex
	state        ConnectionState
	lastErr      error
	connectedAt  time.Time
	ConnectCalls int
	CallCalls    int
}

// NewMockClient creates a disconnected mock exposing the given tools once
// connected.
func NewMockClient(name string, tt TransportType, tools ...types.Tool) *MockClient {
	return &MockClient{
		ServerName: name,
		Transport:  tt,
		MockTools:  tools,
		state:      StateDisconnected,
	}
}

// MockTool builds a minimal tool definition for tests.
func MockTool(name string) types.Tool {
	return types.Tool{
		Type: "function",
		Function: types.ToolFunction{
			Name:       name,
			Parameters: []byte(`{"type":"object","properties":{}}`),
		},
	}
}

func (m *MockClient) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	if m.ConnectErr != nil {
		m.state = StateError
		m.lastErr = m.ConnectErr
		return m.ConnectErr
	}
	m.state = StateConnected
	m.connectedAt = time.Now()
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.connectedAt = time.Time{}
	return nil
}

func (m *MockClient) ListTools(_ context.Context) ([]types.Tool, error) {
	return m.Tools(), nil
}

func (m *MockClient) Tools() []types.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	out := make([]types.Tool, len(m.MockTools))
	copy(out, m.MockTools)
	return out
}

func (m *MockClient) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	m.mu.Lock()
	m.CallCalls++
	fn := m.CallFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, name, args)
	}
	return &CallResult{Content: fmt.Sprintf("mock result for %s", name)}, nil
}

func (m *MockClient) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockClient) Name() string        { return m.ServerName }
func (m *MockClient) Type() TransportType { return m.Transport }

func (m *MockClient) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *MockClient) ConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedAt
}

var _ TransportClient = (*MockClient)(nil)
