// Package config provides configuration file support for litterbox.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/Gerharddc/litterbox/internal/crypto"
)

const (
	// MaxApprovalTimeout is the maximum approval timeout in seconds (10 minutes).
	MaxApprovalTimeout = 600
	// DefaultApprovalTimeout is used when approval.timeout is unset.
	DefaultApprovalTimeout = 30
	// MaxLockTimeout bounds vault.lock_timeout in seconds.
	MaxLockTimeout = 300
)

// Prompter kinds.
const (
	PrompterMonitor = "monitor"
	PrompterCommand = "command"
)

// Config represents the litterbox configuration file.
type Config struct {
	Vault    VaultConfig    `toml:"vault"`
	Agent    AgentConfig    `toml:"agent"`
	Approval ApprovalConfig `toml:"approval"`
	Logging  LoggingConfig  `toml:"logging"`
}

// VaultConfig locates and tunes the key vault.
type VaultConfig struct {
	// Path is the vault file. Defaults to <data>/vault.toml.
	Path string `toml:"path"`

	// LockTimeout is how long to wait for the vault lock, in seconds.
	LockTimeout int `toml:"lock_timeout"`

	// KDF sets the Argon2id cost for newly sealed entries. Existing
	// entries keep the parameters stored with them.
	KDF KDFConfig `toml:"kdf"`
}

// KDFConfig overrides the default Argon2id cost. Zero fields keep the
// default.
type KDFConfig struct {
	MemoryKiB uint32 `toml:"memory_kib"`
	Time      uint32 `toml:"time"`
	Threads   uint8  `toml:"threads"`
}

// Params returns the effective KDF parameters.
func (k KDFConfig) Params() crypto.KDFParams {
	p := crypto.DefaultKDFParams()
	if k.MemoryKiB != 0 {
		p.MemoryKiB = k.MemoryKiB
	}
	if k.Time != 0 {
		p.Time = k.Time
	}
	if k.Threads != 0 {
		p.Threads = k.Threads
	}
	return p
}

// AgentConfig configures the per-sandbox agent sockets.
type AgentConfig struct {
	// SocketDir holds <sandbox>.sock. Defaults to <data>/agents.
	SocketDir string `toml:"socket_dir"`
}

// ApprovalConfig configures how signing requests are confirmed.
type ApprovalConfig struct {
	// Prompter is "monitor" (default) or "command".
	Prompter string `toml:"prompter"`

	// Command is the dialog program and its arguments, for the command prompter.
	Command []string `toml:"command"`

	// Socket is the monitor socket. Defaults to <data>/approval.sock.
	Socket string `toml:"socket"`

	// Timeout is the wait for an answer in seconds (0 means default).
	Timeout int `toml:"timeout"`

	// CacheDenials offers deny-session and remembers it.
	CacheDenials bool `toml:"cache_denials"`

	// OnceOnly lists key-name globs never offered approve-session.
	OnceOnly []string `toml:"once_only"`

	// Overrides adjust the policy for sandboxes matching a glob.
	Overrides []ApprovalOverride `toml:"override"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default info).
	Level string `toml:"level"`

	// File is the local log file. Defaults to <data>/logs/litterbox.log.
	File string `toml:"file"`

	// Receivers is a list of remote log destinations.
	Receivers []ReceiverConfig `toml:"receivers"`

	// Attributes are custom key-value pairs added to all log entries.
	Attributes map[string]string `toml:"attributes"`
}

// ReceiverConfig defines a single log receiver.
type ReceiverConfig struct {
	// Type is the receiver type: "syslog", "syslog-remote", or "otlp".
	Type string `toml:"type"`

	// Address is the remote server address (for syslog-remote and otlp).
	Address string `toml:"address"`

	// Endpoint is the OTLP endpoint URL (alias for Address, for otlp type).
	Endpoint string `toml:"endpoint"`

	// Protocol is the transport protocol:
	// - For syslog-remote: "udp" or "tcp" (default: udp)
	// - For otlp: "http", "http/protobuf" or "grpc" (default: http)
	Protocol string `toml:"protocol"`

	// Facility is the syslog facility (default: authpriv).
	Facility string `toml:"facility"`

	// Tag is the syslog program tag.
	Tag string `toml:"tag"`

	// Headers are custom headers for OTLP.
	Headers map[string]string `toml:"headers"`

	// BatchSize is the OTLP batch size before flush.
	BatchSize int `toml:"batch_size"`

	// FlushInterval is the OTLP flush interval (e.g., "5s").
	FlushInterval string `toml:"flush_interval"`

	// Insecure disables TLS for gRPC connections.
	Insecure bool `toml:"insecure"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Vault: VaultConfig{LockTimeout: 10},
		Approval: ApprovalConfig{
			Prompter: PrompterMonitor,
			Timeout:  DefaultApprovalTimeout,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ConfigDir returns XDG_CONFIG_HOME/litterbox or ~/.config/litterbox.
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns XDG_DATA_HOME/litterbox or ~/.local/share/litterbox.
func DataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func xdgDir(env, fallback string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, "litterbox")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.toml")
}

// Load reads the configuration from the default path.
// Returns default config if file doesn't exist.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the configuration from the specified path.
// Returns default config if file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown configuration keys in %s: %s", path, strings.Join(keys, ", "))
	}

	cfg.Vault.Path = expandHome(cfg.Vault.Path)
	cfg.Agent.SocketDir = expandHome(cfg.Agent.SocketDir)
	cfg.Approval.Socket = expandHome(cfg.Approval.Socket)
	cfg.Logging.File = expandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration values for security and correctness.
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"vault.path":       c.Vault.Path,
		"agent.socket_dir": c.Agent.SocketDir,
		"approval.socket":  c.Approval.Socket,
		"logging.file":     c.Logging.File,
	} {
		if p == "" {
			continue
		}
		if err := validatePath(p); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Vault.LockTimeout < 0 || c.Vault.LockTimeout > MaxLockTimeout {
		return fmt.Errorf("vault.lock_timeout must be between 0 and %d seconds, got %d", MaxLockTimeout, c.Vault.LockTimeout)
	}
	if err := c.Vault.KDF.Params().Validate(); err != nil {
		return fmt.Errorf("vault.kdf: %w", err)
	}

	switch c.Approval.Prompter {
	case "", PrompterMonitor:
	case PrompterCommand:
		if len(c.Approval.Command) == 0 || c.Approval.Command[0] == "" {
			return fmt.Errorf("approval.command is required when approval.prompter is %q", PrompterCommand)
		}
	default:
		return fmt.Errorf("approval.prompter must be %q or %q, got %q", PrompterMonitor, PrompterCommand, c.Approval.Prompter)
	}

	if err := validateTimeout("approval.timeout", c.Approval.Timeout); err != nil {
		return err
	}
	if err := validatePatterns("approval.once_only", c.Approval.OnceOnly); err != nil {
		return err
	}
	for i, o := range c.Approval.Overrides {
		field := fmt.Sprintf("approval.override[%d]", i)
		if o.Sandbox == "" {
			return fmt.Errorf("%s.sandbox cannot be empty", field)
		}
		if !doublestar.ValidatePattern(o.Sandbox) {
			return fmt.Errorf("%s.sandbox: invalid pattern %q", field, o.Sandbox)
		}
		if o.Timeout != nil {
			if err := validateTimeout(field+".timeout", *o.Timeout); err != nil {
				return err
			}
		}
		if err := validatePatterns(field+".once_only", o.OnceOnly); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	for i, r := range c.Logging.Receivers {
		switch r.Type {
		case "syslog":
		case "syslog-remote":
			if r.Address == "" {
				return fmt.Errorf("logging.receivers[%d].address is required for syslog-remote", i)
			}
		case "otlp":
			if r.Endpoint == "" && r.Address == "" {
				return fmt.Errorf("logging.receivers[%d].endpoint is required for otlp", i)
			}
		default:
			return fmt.Errorf("logging.receivers[%d].type must be 'syslog', 'syslog-remote', or 'otlp', got %q", i, r.Type)
		}
	}
	return nil
}

func validateTimeout(field string, seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("%s cannot be negative, got %d", field, seconds)
	}
	if seconds > MaxApprovalTimeout {
		return fmt.Errorf("%s cannot exceed %d seconds, got %d", field, MaxApprovalTimeout, seconds)
	}
	return nil
}

func validatePatterns(field string, patterns []string) error {
	for i, p := range patterns {
		if p == "" {
			return fmt.Errorf("%s[%d] cannot be empty", field, i)
		}
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%s[%d]: invalid pattern %q", field, i, p)
		}
	}
	return nil
}

// VaultPath returns the effective vault file path.
func (c *Config) VaultPath() string {
	if c.Vault.Path != "" {
		return c.Vault.Path
	}
	return filepath.Join(DataDir(), "vault.toml")
}

// SocketDir returns the effective agent socket directory.
func (c *Config) SocketDir() string {
	if c.Agent.SocketDir != "" {
		return c.Agent.SocketDir
	}
	return filepath.Join(DataDir(), "agents")
}

// ApprovalSocket returns the effective monitor socket path.
func (c *Config) ApprovalSocket() string {
	if c.Approval.Socket != "" {
		return c.Approval.Socket
	}
	return filepath.Join(DataDir(), "approval.sock")
}

// LogFile returns the effective local log file.
func (c *Config) LogFile() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(DataDir(), "logs", "litterbox.log")
}

// validatePath checks a path for security issues like path traversal.
func validatePath(path string) error {
	// Check before cleaning because Clean() resolves ".." which hides the attempt
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %q", path)
	}
	if !filepath.IsAbs(filepath.Clean(path)) {
		return fmt.Errorf("path must be absolute: %q", path)
	}
	return nil
}

// expandHome expands ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if len(path) == 1 {
		return home
	}

	if path[1] == '/' {
		return filepath.Join(home, path[2:])
	}

	return path
}

// GenerateDefault returns the default configuration as a TOML string
// with comments explaining each option.
func GenerateDefault() string {
	return `# litterbox configuration file
# Location: ~/.config/litterbox/config.toml

[vault]
# Vault file holding the encrypted keys and their attachments
# Defaults to ~/.local/share/litterbox/vault.toml
# path = "~/.local/share/litterbox/vault.toml"

# Seconds to wait for another litterbox process to release the vault
lock_timeout = 10

# Argon2id cost for newly encrypted keys
# [vault.kdf]
# memory_kib = 65536
# time = 3
# threads = 4

[agent]
# Directory for the per-sandbox agent sockets (<sandbox>.sock)
# socket_dir = "~/.local/share/litterbox/agents"

[approval]
# How signing requests are confirmed:
# - "monitor": ask in a terminal running 'litterbox monitor'
# - "command": run a dialog program and read the answer from its stdout
prompter = "monitor"

# Dialog program for the command prompter. It receives the request in
# LITTERBOX_* environment variables and prints one of the offered choices.
# command = ["zenity-litterbox"]

# Monitor socket
# socket = "~/.local/share/litterbox/approval.sock"

# Seconds to wait for an answer before denying (max 600)
timeout = 30

# Offer "deny for session" and remember it
cache_denials = false

# Keys that must be confirmed for every signature
# once_only = ["prod-*"]

# Stricter policy for some sandboxes
# [[approval.override]]
# sandbox = "untrusted-*"
# timeout = 15
# once_only = ["*"]

[logging]
# debug, info, warn or error
level = "info"

# Local log file
# file = "~/.local/share/litterbox/logs/litterbox.log"

# Custom attributes added to all log entries
# [logging.attributes]
# host = "workstation"

# Example: Local syslog
# [[logging.receivers]]
# type = "syslog"
# facility = "authpriv"
# tag = "litterbox"

# Example: Remote syslog server
# [[logging.receivers]]
# type = "syslog-remote"
# address = "logs.example.com:514"
# protocol = "udp"  # or "tcp"

# Example: OpenTelemetry collector (HTTP)
# [[logging.receivers]]
# type = "otlp"
# endpoint = "http://localhost:4318/v1/logs"
# protocol = "http"  # or "http/protobuf"
# headers = { "Authorization" = "Bearer token" }
# batch_size = 100
# flush_interval = "5s"

# Example: OpenTelemetry collector (gRPC)
# [[logging.receivers]]
# type = "otlp"
# endpoint = "localhost:4317"
# protocol = "grpc"
# insecure = true  # disable TLS for local testing
`
}
