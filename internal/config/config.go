// Package config loads and validates Deckhand configuration from YAML or
// JSON5 files, with ${ENV} expansion and $include composition.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the main configuration structure for Deckhand.
type Config struct {
	Paths    PathsConfig              `yaml:"paths"`
	Backends map[string]BackendConfig `yaml:"backends"`
	Agent    AgentConfig              `yaml:"agent"`
	Tools    ToolsConfig              `yaml:"tools"`
	Intent   IntentConfig             `yaml:"intent"`
	Server   ServerConfig             `yaml:"server"`
	Logging  LoggingConfig            `yaml:"logging"`
	Audit    AuditConfig              `yaml:"audit"`
	Metrics  MetricsConfig            `yaml:"metrics"`
}

// PathsConfig pins the filesystem surface the core may touch.
type PathsConfig struct {
	// AllowedRoots are the directories tools may read and write under.
	AllowedRoots []string `yaml:"allowed_roots"`

	// DataDir holds transcripts, queues, and metadata. Always allowed.
	DataDir string `yaml:"data_dir"`
}

// BackendConfig describes one configured model backend.
type BackendConfig struct {
	// Family is "native" or "openai". Defaults by key name when empty.
	Family string `yaml:"family"`

	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`

	// ModelPrefixes route model ids carrying these prefixes to this backend.
	ModelPrefixes []string `yaml:"model_prefixes"`

	// Command is the subprocess argv for native-session backends.
	Command []string `yaml:"command"`
}

// AgentConfig bounds turn execution.
type AgentConfig struct {
	DefaultModel string `yaml:"default_model"`

	// MaxTurns caps backend round-trips within a single user turn.
	MaxTurns int `yaml:"max_turns"`
}

// ToolsConfig bounds sandboxed tool execution.
type ToolsConfig struct {
	BashTimeout    time.Duration `yaml:"bash_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	FetchMaxBytes  int           `yaml:"fetch_max_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// IntentConfig controls edit-intent declarations.
type IntentConfig struct {
	// EnforceEditScope rejects edits outside the declared scope when true.
	// Off by default: declarations are advisory until teams opt in.
	EnforceEditScope bool `yaml:"enforce_edit_scope"`

	// HotspotFile is the per-project hot-spot list, relative to the
	// project root.
	HotspotFile string `yaml:"hotspot_file"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Output     string `yaml:"output"`
	BufferSize int    `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file, resolving $include
// directives and expanding ${ENV} references before decoding.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a usable configuration without a file on disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks invariants a decoded config must satisfy.
func (c *Config) Validate() error {
	for name, backend := range c.Backends {
		switch backend.Family {
		case "", "native", "openai":
		default:
			return fmt.Errorf("backend %q: unknown family %q", name, backend.Family)
		}
		if backend.Family == "openai" && backend.BaseURL == "" && backend.APIKey == "" {
			return fmt.Errorf("backend %q: openai family requires api_key or base_url", name)
		}
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be positive")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Paths.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Paths.DataDir = filepath.Join(home, ".deckhand")
	}
	if len(cfg.Paths.AllowedRoots) == 0 {
		if cwd, err := os.Getwd(); err == nil {
			cfg.Paths.AllowedRoots = []string{cwd}
		}
	}
	if cfg.Agent.DefaultModel == "" {
		cfg.Agent.DefaultModel = "claude-sonnet-4"
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 25
	}
	if cfg.Tools.BashTimeout == 0 {
		cfg.Tools.BashTimeout = 2 * time.Minute
	}
	if cfg.Tools.MaxOutputBytes == 0 {
		cfg.Tools.MaxOutputBytes = 100 * 1024
	}
	if cfg.Tools.FetchMaxBytes == 0 {
		cfg.Tools.FetchMaxBytes = 512 * 1024
	}
	if cfg.Tools.FetchTimeout == 0 {
		cfg.Tools.FetchTimeout = 30 * time.Second
	}
	if cfg.Intent.HotspotFile == "" {
		cfg.Intent.HotspotFile = ".deckhand/hotspots.yaml"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8750
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 256
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9477"
	}
}
