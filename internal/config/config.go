// Package config provides configuration parsing and validation for the
// tunnel agent.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/tunnel-agent/internal/logging"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Control ControlConfig `yaml:"control"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Origin  OriginConfig  `yaml:"origin"`
	Health  HealthConfig  `yaml:"health"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	Name      string `yaml:"name"`       // shown in status output
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ControlConfig defines the relay control connection.
type ControlConfig struct {
	URL                string          `yaml:"url"` // ws:// or wss://
	Secret             string          `yaml:"secret"`
	DialTimeout        time.Duration   `yaml:"dial_timeout"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// TunnelConfig tunes the UDP tunnel receive path.
type TunnelConfig struct {
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	ProbeAfter     time.Duration `yaml:"probe_after"`
	BufferSize     ByteSize      `yaml:"buffer_size"`
	DisableIPv6    bool          `yaml:"disable_ipv6"`
}

// OriginConfig defines the local services tunneled traffic is delivered to.
// An empty address selects echo mode for that protocol.
type OriginConfig struct {
	TCPAddress     string        `yaml:"tcp_address"`
	UDPAddress     string        `yaml:"udp_address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`
	MaxUDPFlows    int           `yaml:"max_udp_flows"`
	MaxTCPClients  int           `yaml:"max_tcp_clients"`
	TCPRateLimit   ByteSize      `yaml:"tcp_rate_limit"` // per client per second, 0 = unlimited
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Control: ControlConfig{
			DialTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
		},
		Tunnel: TunnelConfig{
			ReceiveTimeout: 2 * time.Second,
			ProbeAfter:     15 * time.Second,
			BufferSize:     2048,
		},
		Origin: OriginConfig{
			ConnectTimeout: 10 * time.Second,
			UDPIdleTimeout: 2 * time.Minute,
			MaxUDPFlows:    1000,
			MaxTCPClients:  1000,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// MinBufferSize is the smallest accepted tunnel receive buffer.
const MinBufferSize = 512

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	// Control
	if c.Control.URL == "" {
		errs = append(errs, "control.url is required")
	} else if err := validateControlURL(c.Control.URL); err != nil {
		errs = append(errs, fmt.Sprintf("control.url: %v", err))
	}
	if c.Control.Secret == "" {
		errs = append(errs, "control.secret is required")
	}
	if c.Control.DialTimeout <= 0 {
		errs = append(errs, "control.dial_timeout must be positive")
	}
	if err := validateReconnect(c.Control.Reconnect); err != nil {
		errs = append(errs, fmt.Sprintf("control.reconnect: %v", err))
	}

	// Tunnel
	if c.Tunnel.ReceiveTimeout <= 0 {
		errs = append(errs, "tunnel.receive_timeout must be positive")
	}
	if c.Tunnel.ProbeAfter <= 0 {
		errs = append(errs, "tunnel.probe_after must be positive")
	}
	if c.Tunnel.BufferSize < MinBufferSize {
		errs = append(errs, fmt.Sprintf("tunnel.buffer_size must be at least %d", MinBufferSize))
	}

	// Origin
	if c.Origin.TCPAddress != "" && !isValidHostPort(c.Origin.TCPAddress) {
		errs = append(errs, fmt.Sprintf("origin.tcp_address: invalid address: %s", c.Origin.TCPAddress))
	}
	if c.Origin.UDPAddress != "" && !isValidHostPort(c.Origin.UDPAddress) {
		errs = append(errs, fmt.Sprintf("origin.udp_address: invalid address: %s", c.Origin.UDPAddress))
	}
	if c.Origin.ConnectTimeout <= 0 {
		errs = append(errs, "origin.connect_timeout must be positive")
	}
	if c.Origin.MaxUDPFlows < 0 || c.Origin.MaxTCPClients < 0 {
		errs = append(errs, "origin limits must not be negative")
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	_, err := logging.ParseLevel(level)
	return err == nil && level != ""
}

func isValidLogFormat(format string) bool {
	_, err := logging.ParseFormat(format)
	return err == nil && format != ""
}

func validateControlURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validateReconnect(r ReconnectConfig) error {
	if r.InitialDelay <= 0 || r.MaxDelay <= 0 {
		return fmt.Errorf("delays must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}
	return nil
}

func isValidHostPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Control.Secret != "" {
		redacted.Control.Secret = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Control.Secret != ""
}
