package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the main Outpost configuration
type Config struct {
	// Agent identity
	AgentName string `json:"agent_name" mapstructure:"agent_name"`

	// HTTP listener
	Listen ListenConfig `json:"listen" mapstructure:"listen"`

	// Coordinator (CRM) connection
	Coordinator CoordinatorConfig `json:"coordinator" mapstructure:"coordinator"`

	// Reasoning engine invocation
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Gateway event stream
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Heartbeat schedule
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Agent working directory (holds CLAUDE.md, context/, threads/)
	WorkDir string `json:"work_dir" mapstructure:"work_dir"`
}

// ListenConfig holds inbound HTTP server settings
type ListenConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// CoordinatorConfig holds outbound coordinator settings
type CoordinatorConfig struct {
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// APIKeyEnv names the environment variable carrying the shared secret.
	// The resolved key is never serialized.
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
	APIKey    string `json:"-" mapstructure:"-"`

	// Registration retry behavior while the network fabric has no address yet
	RegisterRetries int           `json:"register_retries" mapstructure:"register_retries"`
	RegisterDelay   time.Duration `json:"register_delay" mapstructure:"register_delay"`

	// DiscoverCommand queries the fabric for the externally reachable address
	DiscoverCommand []string `json:"discover_command" mapstructure:"discover_command"`

	StreamTimeout  time.Duration `json:"stream_timeout" mapstructure:"stream_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	UpdateTimeout  time.Duration `json:"update_timeout" mapstructure:"update_timeout"`
}

// EngineConfig holds reasoning engine subprocess settings
type EngineConfig struct {
	Command      string        `json:"command" mapstructure:"command"`
	AllowedTools []string      `json:"allowed_tools" mapstructure:"allowed_tools"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
}

// GatewayConfig holds websocket event stream settings
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// HeartbeatConfig holds the periodic re-registration schedule
type HeartbeatConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	RegisterSpec string `json:"register_spec" mapstructure:"register_spec"`
	SyncSpec     string `json:"sync_spec" mapstructure:"sync_spec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 100,
		},
		Coordinator: CoordinatorConfig{
			Endpoint:        "https://crm.actionapi.ca",
			APIKeyEnv:       "ACTO",
			RegisterRetries: 5,
			RegisterDelay:   10 * time.Second,
			DiscoverCommand: []string{"tailscale", "ip", "-4"},
			StreamTimeout:   5 * time.Second,
			RequestTimeout:  10 * time.Second,
			UpdateTimeout:   30 * time.Second,
		},
		Engine: EngineConfig{
			Command:      "claude",
			AllowedTools: []string{"Bash", "Edit", "Read", "Write", "Glob", "Grep", "WebFetch"},
			Timeout:      300 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled: false,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:      true,
			RegisterSpec: "@every 30m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
	}
}

// ContextDir returns the context document directory under the working dir
func (c *Config) ContextDir() string {
	return filepath.Join(c.WorkDir, "context")
}

// ThreadsDir returns the thread log directory under the working dir
func (c *Config) ThreadsDir() string {
	return filepath.Join(c.WorkDir, "threads")
}

// RootDocumentPath returns the path of the root composition document
func (c *Config) RootDocumentPath() string {
	return filepath.Join(c.WorkDir, "CLAUDE.md")
}

// String returns a JSON representation with secrets omitted
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
