package config

import (
	"fmt"
	"net/url"
	"regexp"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAgentName validates the configured agent identity
func (v *Validator) ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty (edit the config file)")
	}
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("invalid agent name (alphanumeric, dash, underscore only)")
	}
	return nil
}

// ValidateEndpoint validates the coordinator endpoint URL
func (v *Validator) ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("coordinator endpoint cannot be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid coordinator endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("coordinator endpoint must be http or https")
	}
	return nil
}

// ValidatePort validates a listen port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// Validate checks an entire configuration for startup fitness
func (v *Validator) Validate(cfg *Config) error {
	if err := v.ValidateAgentName(cfg.AgentName); err != nil {
		return err
	}
	if err := v.ValidateEndpoint(cfg.Coordinator.Endpoint); err != nil {
		return err
	}
	if err := v.ValidatePort(cfg.Listen.Port); err != nil {
		return err
	}
	if cfg.Coordinator.APIKey == "" {
		return fmt.Errorf("%s environment variable not set", cfg.Coordinator.APIKeyEnv)
	}
	if cfg.Engine.Command == "" {
		return fmt.Errorf("engine command cannot be empty")
	}
	if cfg.Engine.Timeout <= 0 {
		return fmt.Errorf("engine timeout must be positive")
	}
	return nil
}
