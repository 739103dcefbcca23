// ABOUTME: Configuration loading and parsing for backhauld
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete backhauld configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Auth      AuthConfig      `yaml:"auth"`
	Tunnels   TunnelsConfig   `yaml:"tunnels"`
	Calls     CallsConfig     `yaml:"calls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listener address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// FleetConfig selects and locates the fleet snapshot store
type FleetConfig struct {
	Driver string `yaml:"driver"` // "file" or "sqlite"
	Path   string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
// MachineTokens maps machine id to its plaintext bind token; FleetToken is a
// shared fallback credential accepted for any machine id. An empty JWTSecret
// disables agent and admin auth entirely.
type AuthConfig struct {
	JWTSecret     string            `yaml:"jwt_secret"`
	FleetToken    string            `yaml:"fleet_token"`
	MachineTokens map[string]string `yaml:"machine_tokens"`
	AutoRegister  bool              `yaml:"auto_register"`
}

// TunnelsConfig holds kernel tunnel timing configuration
type TunnelsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	SendTimeout       time.Duration `yaml:"-"`
	HandshakeTimeout  time.Duration `yaml:"-"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	SendBuffer        int           `yaml:"send_buffer"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	SendTimeoutRaw       string `yaml:"send_timeout"`
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
}

// CallsConfig holds pending-call correlation configuration
type CallsConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	MaxTimeout     time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`
	Retention      time.Duration `yaml:"-"`
	QueueLimit     int           `yaml:"queue_limit"`
	MaxPollResults int           `yaml:"max_poll_results"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
	RetentionRaw      string `yaml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultSendTimeout       = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultSendBuffer        = 64

	DefaultCallTimeout    = 30 * time.Second
	DefaultMaxCallTimeout = 5 * time.Minute
	DefaultSweepInterval  = 1 * time.Second
	DefaultRetention      = 2 * time.Minute
	DefaultQueueLimit     = 256
	DefaultMaxPollResults = 100
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and unset fields
// receive defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero-valued timing and sizing fields. Load calls it
// automatically; hand-built configs call it before use.
func (c *Config) ApplyDefaults() {
	if c.Fleet.Driver == "" {
		c.Fleet.Driver = "file"
	}
	if c.Tunnels.HeartbeatInterval == 0 {
		c.Tunnels.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Tunnels.HeartbeatMisses == 0 {
		c.Tunnels.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.Tunnels.SendTimeout == 0 {
		c.Tunnels.SendTimeout = DefaultSendTimeout
	}
	if c.Tunnels.HandshakeTimeout == 0 {
		c.Tunnels.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Tunnels.SendBuffer == 0 {
		c.Tunnels.SendBuffer = DefaultSendBuffer
	}
	if c.Calls.DefaultTimeout == 0 {
		c.Calls.DefaultTimeout = DefaultCallTimeout
	}
	if c.Calls.MaxTimeout == 0 {
		c.Calls.MaxTimeout = DefaultMaxCallTimeout
	}
	if c.Calls.SweepInterval == 0 {
		c.Calls.SweepInterval = DefaultSweepInterval
	}
	if c.Calls.Retention == 0 {
		c.Calls.Retention = DefaultRetention
	}
	if c.Calls.QueueLimit == 0 {
		c.Calls.QueueLimit = DefaultQueueLimit
	}
	if c.Calls.MaxPollResults == 0 {
		c.Calls.MaxPollResults = DefaultMaxPollResults
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listener address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Fleet.Driver != "file" && c.Fleet.Driver != "sqlite" {
		return fmt.Errorf("fleet.driver must be \"file\" or \"sqlite\", got %q", c.Fleet.Driver)
	}
	if c.Fleet.Path == "" {
		return fmt.Errorf("fleet.path is required")
	}

	if c.Tunnels.HeartbeatMisses < 1 {
		return fmt.Errorf("tunnels.heartbeat_misses must be at least 1, got %d", c.Tunnels.HeartbeatMisses)
	}
	if c.Calls.MaxTimeout < c.Calls.DefaultTimeout {
		return fmt.Errorf("calls.max_timeout (%s) must not be below calls.default_timeout (%s)",
			c.Calls.MaxTimeout, c.Calls.DefaultTimeout)
	}
	if c.Calls.QueueLimit < 1 {
		return fmt.Errorf("calls.queue_limit must be at least 1, got %d", c.Calls.QueueLimit)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Tunnels.HeartbeatIntervalRaw, &cfg.Tunnels.HeartbeatInterval, "tunnels.heartbeat_interval"},
		{cfg.Tunnels.SendTimeoutRaw, &cfg.Tunnels.SendTimeout, "tunnels.send_timeout"},
		{cfg.Tunnels.HandshakeTimeoutRaw, &cfg.Tunnels.HandshakeTimeout, "tunnels.handshake_timeout"},
		{cfg.Calls.DefaultTimeoutRaw, &cfg.Calls.DefaultTimeout, "calls.default_timeout"},
		{cfg.Calls.MaxTimeoutRaw, &cfg.Calls.MaxTimeout, "calls.max_timeout"},
		{cfg.Calls.SweepIntervalRaw, &cfg.Calls.SweepInterval, "calls.sweep_interval"},
		{cfg.Calls.RetentionRaw, &cfg.Calls.Retention, "calls.retention"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
