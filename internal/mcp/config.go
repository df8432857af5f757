package mcp

import (
	"fmt"
	"time"
)

// Config is the top-level tool-server configuration: a named map of server
// entries.
type Config struct {
	// Servers maps server name to its configuration.
	Servers map[string]ServerConfig `yaml:"servers"`

	// DefaultConnectTimeout applies when a server does not override it.
	DefaultConnectTimeout time.Duration `yaml:"default_connect_timeout"`

	// DefaultCallTimeout applies when a server does not override it.
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout"`
}

// ServerConfig defines one tool server entry.
type ServerConfig struct {
	// Type selects the transport: stdio, sse, or streamable-http.
	Type TransportType `yaml:"type" json:"type"`

	// Command and Args launch the subprocess for stdio servers.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env is passed to the stdio subprocess.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// URL is the endpoint for sse and streamable-http servers.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Auth is an optional bearer token sent on remote connections.
	Auth string `yaml:"auth,omitempty" json:"-"`

	// Headers are extra HTTP headers for remote connections.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Enabled gates the server. Disabled servers are never connected,
	// not even by on-demand tool discovery.
	Enabled bool `yaml:"enabled" json:"enabled"`

	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryAttempts int           `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	RetryBase     time.Duration `yaml:"retry_base,omitempty" json:"retry_base,omitempty"`

	// ProtocolVersion pins the MCP protocol version announced during the
	// handshake. Empty uses the library's latest supported version.
	ProtocolVersion string `yaml:"protocol_version,omitempty" json:"protocol_version,omitempty"`

	// CallsPerSecond paces outbound tool calls to this server.
	// Zero means unlimited.
	CallsPerSecond float64 `yaml:"calls_per_second,omitempty" json:"calls_per_second,omitempty"`
}

// DefaultConfig returns an empty configuration with default timeouts.
func DefaultConfig() Config {
	return Config{
		Servers:               map[string]ServerConfig{},
		DefaultConnectTimeout: DefaultConnectTimeout,
		DefaultCallTimeout:    DefaultCallTimeout,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	stdioCount := 0
	for name, sc := range c.Servers {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		if sc.Type == TransportStdio {
			stdioCount++
		}
	}
	// One stdio subprocess per process; remote servers may be many.
	if stdioCount > 1 {
		return fmt.Errorf("at most one stdio server may be configured, got %d", stdioCount)
	}
	return nil
}

// Validate checks a single server entry.
func (c *ServerConfig) Validate() error {
	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport", c.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown transport type: %s", c.Type)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

// GetTimeout returns the effective per-call timeout.
func (c *ServerConfig) GetTimeout(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return def
}

// GetRetryAttempts returns the effective retry budget.
func (c *ServerConfig) GetRetryAttempts() int {
	if c.RetryAttempts > 0 {
		return c.RetryAttempts
	}
	return DefaultRetryAttempts
}

// GetRetryBase returns the effective backoff base delay.
func (c *ServerConfig) GetRetryBase() time.Duration {
	if c.RetryBase > 0 {
		return c.RetryBase
	}
	return DefaultRetryBaseDelay
}
