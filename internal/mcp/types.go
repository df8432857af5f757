// Package mcp implements the multi-transport protocol client layer for
// remote tool servers, plus the registry that owns all connections. Servers
// are reachable over three transports (stdio subprocess, SSE, streamable
// HTTP); all three sit behind one TransportClient interface and transport
// selection happens only at construction time.
package mcp

import (
	"time"
)

const (
	// ClientName is the implementation name announced during the MCP
	// initialize handshake.
	ClientName = "convoflow"

	// ClientVersion is the version announced during the handshake.
	ClientVersion = "1.0.0"

	// LogPrefix is the consistent logging prefix for this package.
	LogPrefix = "[MCP]"

	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 60 * time.Second

	// DefaultRetryAttempts is the bounded retry budget for
	// rate-limit-class faults.
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is the backoff base; attempt n waits
	// base * 2^(n-1).
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// TransportType selects the wire protocol for one server.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// ConnectionState is the lifecycle state of one transport client.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateBackoff      ConnectionState = "backoff"
	StateError        ConnectionState = "error"
)

// CallResult is the outcome of one remote tool invocation.
type CallResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ServerInfo is the public representation of a registered server.
type ServerInfo struct {
	Name        string          `json:"name"`
	Type        TransportType   `json:"type"`
	State       ConnectionState `json:"state"`
	Enabled     bool            `json:"enabled"`
	Tools       []string        `json:"tools"`
	ToolCount   int             `json:"tool_count"`
	LastError   string          `json:"last_error,omitempty"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
}
