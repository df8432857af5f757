package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/time/rate"

	"github.com/convoflow/convoflow/pkg/types"
)

// TransportClient is the common contract for one connection to a tool
// server, regardless of transport.
type TransportClient interface {
	// Connect establishes the connection, performing the MCP handshake
	// and warming the tool cache. Retries rate-limit-class faults with
	// exponential backoff; configuration faults abort immediately.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Safe to call when disconnected.
	Disconnect() error

	// ListTools refreshes the tool list from the server.
	ListTools(ctx context.Context) ([]types.Tool, error)

	// Tools returns the cached tool list from the last refresh.
	Tools() []types.Tool

	// CallTool invokes a named tool with decoded arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	State() ConnectionState
	Name() string
	Type() TransportType
	LastError() error

	// ConnectedAt reports when the current connection was established;
	// zero when not connected.
	ConnectedAt() time.Time
}

// NewTransportClient constructs the client matching cfg.Type. This is the
// only place transport selection branches; everything downstream holds the
// interface.
func NewTransportClient(name string, cfg ServerConfig, logger *slog.Logger) (TransportClient, error) {
	switch cfg.Type {
	case TransportStdio:
		return NewStdioClient(name, cfg, logger), nil
	case TransportSSE:
		return NewSSEClient(name, cfg, logger), nil
	case TransportStreamableHTTP:
		return NewStreamableHTTPClient(name, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// StdioClient reaches a tool server running as a local subprocess.
type StdioClient struct{ *baseClient }

// NewStdioClient creates a stdio transport client.
func NewStdioClient(name string, cfg ServerConfig, logger *slog.Logger) *StdioClient {
	b := newBaseClient(name, cfg, TransportStdio, logger)
	b.dial = func(sessionID string) (*mcpclient.Client, error) {
		env := make([]string, 0, len(cfg.Env)+1)
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		// The subprocess learns its session identity from the environment.
		env = append(env, "MCP_SESSION_ID="+sessionID)
		sort.Strings(env)

		return mcpclient.NewClient(transport.NewStdio(cfg.Command, env, cfg.Args...)), nil
	}
	return &StdioClient{b}
}

// SSEClient reaches a tool server over Server-Sent-Events.
type SSEClient struct{ *baseClient }

// NewSSEClient creates an SSE transport client.
func NewSSEClient(name string, cfg ServerConfig, logger *slog.Logger) *SSEClient {
	b := newBaseClient(name, cfg, TransportSSE, logger)
	b.dial = func(sessionID string) (*mcpclient.Client, error) {
		sseTransport, err := transport.NewSSE(cfg.URL,
			transport.WithHeaders(remoteHeaders(cfg, sessionID)))
		if err != nil {
			return nil, fmt.Errorf("create sse transport: %w", err)
		}
		return mcpclient.NewClient(sseTransport), nil
	}
	return &SSEClient{b}
}

// StreamableHTTPClient reaches a tool server over streamable HTTP.
type StreamableHTTPClient struct{ *baseClient }

// NewStreamableHTTPClient creates a streamable-HTTP transport client.
func NewStreamableHTTPClient(name string, cfg ServerConfig, logger *slog.Logger) *StreamableHTTPClient {
	b := newBaseClient(name, cfg, TransportStreamableHTTP, logger)
	b.dial = func(sessionID string) (*mcpclient.Client, error) {
		httpTransport, err := transport.NewStreamableHTTP(cfg.URL,
			transport.WithHTTPHeaders(remoteHeaders(cfg, sessionID)))
		if err != nil {
			return nil, fmt.Errorf("create streamable-http transport: %w", err)
		}
		return mcpclient.NewClient(httpTransport), nil
	}
	return &StreamableHTTPClient{b}
}

// remoteHeaders builds the header set for remote connections: session
// identifier, protocol-version marker, optional auth, plus user headers.
func remoteHeaders(cfg ServerConfig, sessionID string) map[string]string {
	headers := map[string]string{
		"Mcp-Session-Id":       sessionID,
		"Mcp-Protocol-Version": protocolVersion(cfg),
	}
	if cfg.Auth != "" {
		headers["Authorization"] = "Bearer " + cfg.Auth
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return headers
}

func protocolVersion(cfg ServerConfig) string {
	if cfg.ProtocolVersion != "" {
		return cfg.ProtocolVersion
	}
	return mcpgo.LATEST_PROTOCOL_VERSION
}

// baseClient carries the state machine, retry policy, and MCP protocol
// plumbing shared by the three transports. The concrete types differ only
// in how they dial.
type baseClient struct {
	name          string
	cfg           ServerConfig
	transportType TransportType
	dial          func(sessionID string) (*mcpclient.Client, error)
	logger        *slog.Logger
	limiter       *rate.Limiter

	// connectMu serializes connect attempts: without it two callers both
	// pass the connected check, both dial, and the second overwrites the
	// first connection without closing it.
	connectMu sync.Mutex

	mu          sync.RWMutex
	conn        *mcpclient.Client
	state       ConnectionState
	lastErr     error
	tools       []types.Tool
	sessionID   string
	connectedAt time.Time
}

func newBaseClient(name string, cfg ServerConfig, tt TransportType, logger *slog.Logger) *baseClient {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.CallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	return &baseClient{
		name:          name,
		cfg:           cfg,
		transportType: tt,
		logger:        logger,
		limiter:       limiter,
		state:         StateDisconnected,
	}
}

func (c *baseClient) Name() string        { return c.name }
func (c *baseClient) Type() TransportType { return c.transportType }

func (c *baseClient) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *baseClient) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *baseClient) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *baseClient) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	RecordServerConnection(c.name, string(c.transportType), s == StateConnected)
}

// Connect drives Disconnected -> Connecting -> Connected, retrying only
// rate-limit-class faults with exponential backoff.
func (c *baseClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	if c.state == StateConnected {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	attempts := c.cfg.GetRetryAttempts()
	base := c.cfg.GetRetryBase()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.setState(StateBackoff)
			delay := base * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				c.recordFailure(ctx.Err())
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		c.setState(StateConnecting)
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		switch ClassifyFault(err) {
		case FaultRetryable:
			c.logger.Warn(LogPrefix+" connect rate limited, backing off",
				"server", c.name,
				"attempt", attempt,
				"error", err,
			)
			continue
		case FaultSession:
			// Surfaced as connection failure; re-authentication is the
			// operator's problem, not ours.
			c.logger.Error(LogPrefix+" session expired during connect",
				"server", c.name,
				"error", err,
			)
			c.recordFailure(err)
			return wrapTransportError(c.name, err)
		default:
			c.recordFailure(err)
			return wrapTransportError(c.name, err)
		}
	}

	c.recordFailure(lastErr)
	return wrapTransportError(c.name, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, lastErr))
}

func (c *baseClient) connectOnce(ctx context.Context) error {
	sessionID := uuid.New().String()

	conn, err := c.dial(sessionID)
	if err != nil {
		return err
	}

	timeout := c.cfg.GetTimeout(DefaultConnectTimeout)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.Start(connectCtx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	initReq := mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: protocolVersion(c.cfg),
			ClientInfo: mcpgo.Implementation{
				Name:    ClientName,
				Version: ClientVersion,
			},
		},
	}
	if _, err := conn.Initialize(connectCtx, initReq); err != nil {
		conn.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = sessionID
	c.state = StateConnected
	c.lastErr = nil
	c.connectedAt = time.Now()
	c.mu.Unlock()
	RecordServerConnection(c.name, string(c.transportType), true)

	// Warm the tool cache; a failed listing is not a connection failure.
	if _, err := c.ListTools(ctx); err != nil {
		c.logger.Warn(LogPrefix+" failed to list tools after connect",
			"server", c.name,
			"error", err,
		)
	}

	c.logger.Info(LogPrefix+" connected",
		"server", c.name,
		"type", c.transportType,
	)
	return nil
}

func (c *baseClient) recordFailure(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastErr = err
	c.connectedAt = time.Time{}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	RecordServerConnection(c.name, string(c.transportType), false)
}

// Disconnect closes the connection and clears the tool cache.
func (c *baseClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn(LogPrefix+" close failed",
				"server", c.name,
				"error", err,
			)
		}
		c.conn = nil
	}
	c.state = StateDisconnected
	c.tools = nil
	c.sessionID = ""
	c.connectedAt = time.Time{}
	RecordServerConnection(c.name, string(c.transportType), false)
	return nil
}

// ListTools refreshes the tool cache from the server.
func (c *baseClient) ListTools(ctx context.Context) ([]types.Tool, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("server %q not connected", c.name)
	}

	listReq := mcpgo.ListToolsRequest{
		PaginatedRequest: mcpgo.PaginatedRequest{
			Request: mcpgo.Request{Method: string(mcpgo.MethodToolsList)},
		},
	}
	resp, err := conn.ListTools(ctx, listReq)
	if err != nil {
		return nil, wrapTransportError(c.name, fmt.Errorf("list tools: %w", err))
	}

	tools := make([]types.Tool, 0, len(resp.Tools))
	for i := range resp.Tools {
		tools = append(tools, convertTool(c.name, &resp.Tools[i]))
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	RecordToolsAvailable(c.name, len(tools))

	c.logger.Debug(LogPrefix+" tools refreshed",
		"server", c.name,
		"count", len(tools),
	)
	return tools, nil
}

// Tools returns the cached tool list from the last refresh.
func (c *baseClient) Tools() []types.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes a tool, pacing outbound calls and retrying only
// rate-limit-class faults.
func (c *baseClient) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("server %q not connected", c.name)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attempts := c.cfg.GetRetryAttempts()
	base := c.cfg.GetRetryBase()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := base * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.callOnce(ctx, conn, name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ClassifyFault(err) != FaultRetryable {
			return nil, wrapTransportError(c.name, err)
		}
		c.logger.Warn(LogPrefix+" tool call rate limited, backing off",
			"server", c.name,
			"tool", name,
			"attempt", attempt,
		)
	}

	return nil, wrapTransportError(c.name, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, lastErr))
}

func (c *baseClient) callOnce(ctx context.Context, conn *mcpclient.Client, name string, args map[string]any) (*CallResult, error) {
	timeout := c.cfg.GetTimeout(DefaultCallTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callReq := mcpgo.CallToolRequest{
		Request: mcpgo.Request{Method: string(mcpgo.MethodToolsCall)},
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	resp, err := conn.CallTool(callCtx, callReq)
	if err != nil {
		return nil, err
	}

	return &CallResult{
		Content: extractText(resp, name),
		IsError: resp != nil && resp.IsError,
	}, nil
}

// extractText flattens an MCP tool response into plain text for the
// follow-up inference call.
func extractText(resp *mcpgo.CallToolResult, toolName string) string {
	if resp == nil {
		return fmt.Sprintf("Tool '%s' executed successfully", toolName)
	}

	var b strings.Builder
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcpgo.TextContent:
			b.WriteString(c.Text)
		case mcpgo.ImageContent:
			fmt.Fprintf(&b, "[Image: %s]", c.MIMEType)
		case mcpgo.AudioContent:
			fmt.Fprintf(&b, "[Audio: %s]", c.MIMEType)
		case mcpgo.EmbeddedResource:
			fmt.Fprintf(&b, "[Resource: %s]", c.Type)
		}
	}

	if b.Len() > 0 {
		return strings.TrimSpace(b.String())
	}
	return fmt.Sprintf("Tool '%s' executed successfully", toolName)
}
