package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	orcherrors "github.com/convoflow/convoflow/pkg/errors"
	"github.com/convoflow/convoflow/pkg/types"
)

// ClientFactory builds a TransportClient for a server entry. Replaceable in
// tests.
type ClientFactory func(name string, cfg ServerConfig, logger *slog.Logger) (TransportClient, error)

// Registry owns all tool-server connections: zero-or-one stdio client and
// any number of remote clients. It resolves which server exposes a named
// tool and connects on demand rather than eagerly.
type Registry struct {
	logger  *slog.Logger
	factory ClientFactory

	mu      sync.RWMutex
	cfg     Config
	clients map[string]TransportClient
}

// NewRegistry builds a registry from configuration. Client objects are
// constructed for every entry (including disabled ones, so they show up in
// listings) but nothing is connected yet.
func NewRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	return NewRegistryWithFactory(cfg, logger, NewTransportClient)
}

// NewRegistryWithFactory is NewRegistry with a custom client factory.
func NewRegistryWithFactory(cfg Config, logger *slog.Logger, factory ClientFactory) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Registry{
		logger:  logger,
		factory: factory,
		cfg:     cfg,
		clients: make(map[string]TransportClient),
	}

	for name, sc := range cfg.Servers {
		client, err := factory(name, sc, logger)
		if err != nil {
			logger.Warn(LogPrefix+" skipping server",
				"server", name,
				"error", err,
			)
			continue
		}
		r.clients[name] = client
	}

	logger.Info(LogPrefix+" registry initialized",
		"servers", len(r.clients),
	)
	return r, nil
}

// ConnectAll connects every enabled server, returning per-server success.
func (r *Registry) ConnectAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]bool, len(names))
	for _, name := range names {
		if !r.serverEnabled(name) {
			continue
		}
		err := r.ConnectServer(ctx, name)
		results[name] = err == nil
		if err != nil {
			r.logger.Warn(LogPrefix+" connect failed",
				"server", name,
				"error", err,
			)
		}
	}
	return results
}

// ConnectServer connects one named server. Disabled servers are rejected.
func (r *Registry) ConnectServer(ctx context.Context, name string) error {
	client, cfg, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %q is disabled", name)
	}
	return client.Connect(ctx)
}

// ReconnectServer tears down and re-establishes one server connection.
func (r *Registry) ReconnectServer(ctx context.Context, name string) error {
	client, cfg, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %q is disabled", name)
	}
	if err := client.Disconnect(); err != nil {
		return err
	}
	return client.Connect(ctx)
}

// ConnectForTool resolves which server exposes toolName. Resolution order:
// the local stdio client, then already-connected remote clients, then
// on-demand connection of each remaining enabled server until the tool is
// found or every candidate is exhausted.
func (r *Registry) ConnectForTool(ctx context.Context, toolName string) (string, error) {
	// Local stdio first.
	if name, ok := r.findConnected(toolName, true); ok {
		return name, nil
	}
	// Already-connected remotes.
	if name, ok := r.findConnected(toolName, false); ok {
		return name, nil
	}

	// On-demand: try the remaining enabled, not-yet-connected servers in
	// deterministic order.
	r.mu.RLock()
	var candidates []string
	for name, client := range r.clients {
		if client.State() == StateConnected {
			continue
		}
		if !r.cfg.Servers[name].Enabled {
			continue
		}
		candidates = append(candidates, name)
	}
	r.mu.RUnlock()
	sort.Strings(candidates)

	for _, name := range candidates {
		if err := r.ConnectServer(ctx, name); err != nil {
			r.logger.Warn(LogPrefix+" on-demand connect failed",
				"server", name,
				"tool", toolName,
				"error", err,
			)
			continue
		}
		if r.clientHasTool(name, toolName) {
			return name, nil
		}
	}

	return "", orcherrors.NewToolNotFoundError(toolName)
}

// CallTool invokes a tool, resolving the server unless a hint pins it.
func (r *Registry) CallTool(ctx context.Context, toolName string, args map[string]any, serverHint string) (*CallResult, error) {
	serverName := serverHint
	if serverName == "" {
		resolved, err := r.ConnectForTool(ctx, toolName)
		if err != nil {
			return nil, err
		}
		serverName = resolved
	}

	client, cfg, err := r.lookup(serverName)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("server %q is disabled", serverName)
	}
	if client.State() != StateConnected {
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return client.CallTool(ctx, toolName, args)
}

// GetAllTools returns the cached tools of every connected server.
func (r *Registry) GetAllTools() []types.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var tools []types.Tool
	for _, name := range names {
		client := r.clients[name]
		if client.State() != StateConnected {
			continue
		}
		tools = append(tools, client.Tools()...)
	}
	return tools
}

// RefreshAllTools re-fetches tool lists from every connected server.
func (r *Registry) RefreshAllTools(ctx context.Context) error {
	r.mu.RLock()
	connected := make([]TransportClient, 0, len(r.clients))
	for _, client := range r.clients {
		if client.State() == StateConnected {
			connected = append(connected, client)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, client := range connected {
		if _, err := client.ListTools(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ServerInfos returns the public state of every registered server.
func (r *Registry) ServerInfos() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(r.clients))
	for name, client := range r.clients {
		tools := client.Tools()
		toolNames := make([]string, 0, len(tools))
		for _, t := range tools {
			toolNames = append(toolNames, t.Function.Name)
		}
		sort.Strings(toolNames)

		info := ServerInfo{
			Name:      name,
			Type:      client.Type(),
			State:     client.State(),
			Enabled:   r.cfg.Servers[name].Enabled,
			Tools:     toolNames,
			ToolCount: len(toolNames),
		}
		if err := client.LastError(); err != nil {
			info.LastError = err.Error()
		}
		if at := client.ConnectedAt(); !at.IsZero() {
			info.ConnectedAt = &at
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// UpdateConfig applies a new server map. Servers with unchanged entries
// keep their connection; removed or changed servers are disconnected and
// rebuilt.
func (r *Registry) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, client := range r.clients {
		newCfg, stillThere := cfg.Servers[name]
		if stillThere && reflect.DeepEqual(newCfg, r.cfg.Servers[name]) {
			continue
		}
		client.Disconnect()
		delete(r.clients, name)
		r.logger.Info(LogPrefix+" server removed or changed",
			"server", name,
		)
	}

	for name, sc := range cfg.Servers {
		if _, exists := r.clients[name]; exists {
			continue
		}
		client, err := r.factory(name, sc, r.logger)
		if err != nil {
			r.logger.Warn(LogPrefix+" skipping server",
				"server", name,
				"error", err,
			)
			continue
		}
		r.clients[name] = client
		r.logger.Info(LogPrefix+" server added",
			"server", name,
			"type", sc.Type,
		)
	}

	r.cfg = cfg
	return nil
}

// Close disconnects every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, client := range r.clients {
		if err := client.Disconnect(); err != nil {
			r.logger.Warn(LogPrefix+" disconnect failed",
				"server", name,
				"error", err,
			)
		}
	}
	r.logger.Info(LogPrefix + " registry closed")
	return nil
}

func (r *Registry) lookup(name string) (TransportClient, ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[name]
	if !ok {
		return nil, ServerConfig{}, fmt.Errorf("server %q not found", name)
	}
	return client, r.cfg.Servers[name], nil
}

func (r *Registry) serverEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Servers[name].Enabled
}

// findConnected scans connected clients for a tool, restricted to stdio or
// remote transports.
func (r *Registry) findConnected(toolName string, stdio bool) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		client := r.clients[name]
		if (client.Type() == TransportStdio) != stdio {
			continue
		}
		if client.State() != StateConnected {
			continue
		}
		if !r.cfg.Servers[name].Enabled {
			continue
		}
		for _, tool := range client.Tools() {
			if tool.Function.Name == toolName {
				return name, true
			}
		}
	}
	return "", false
}

func (r *Registry) clientHasTool(name, toolName string) bool {
	r.mu.RLock()
	client, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	for _, tool := range client.Tools() {
		if tool.Function.Name == toolName {
			return true
		}
	}
	return false
}
