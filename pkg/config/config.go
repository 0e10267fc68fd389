// Package config loads the client configuration: server endpoint, local
// mirror location, and the tuning knobs for streaming, windowing and the
// turn lifecycle.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the full client configuration. Zero values are filled with
// defaults by Load; a hand-built Config should go through ApplyDefaults.
type Config struct {
	// ServerURL is the agent server base URL (http:// or https://).
	ServerURL string `yaml:"server_url"`

	// DBPath is the local session mirror. Empty selects the default
	// under the user config directory; ":memory:" keeps the mirror
	// in-process only.
	DBPath string `yaml:"db_path,omitempty"`

	Stream    StreamConfig    `yaml:"stream,omitempty"`
	Window    WindowConfig    `yaml:"window,omitempty"`
	Lifecycle LifecycleConfig `yaml:"lifecycle,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

type StreamConfig struct {
	// BudgetChars caps accepted characters per streaming message.
	BudgetChars int `yaml:"budget_chars,omitempty"`

	// FlushInterval is the scheduling tick releasing batched text and
	// queued tool notifications.
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

type WindowConfig struct {
	MaxItems int `yaml:"max_items,omitempty"`
	PageSize int `yaml:"page_size,omitempty"`
}

type LifecycleConfig struct {
	// Failsafe bounds how long a turn may sit finalizing without an
	// agent_ready signal.
	Failsafe time.Duration `yaml:"failsafe,omitempty"`
}

// Default returns a configuration with every knob at its default.
func Default() *Config {
	c := &Config{ServerURL: "http://localhost:7700"}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Stream.BudgetChars == 0 {
		c.Stream.BudgetChars = 256 * 1024
	}
	if c.Stream.FlushInterval == 0 {
		c.Stream.FlushInterval = 50 * time.Millisecond
	}
	if c.Window.MaxItems == 0 {
		c.Window.MaxItems = 200
	}
	if c.Window.PageSize == 0 {
		c.Window.PageSize = 50
	}
	if c.Lifecycle.Failsafe == 0 {
		c.Lifecycle.Failsafe = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Stream.BudgetChars < 0 {
		return fmt.Errorf("stream.budget_chars cannot be negative")
	}
	if c.Window.PageSize > c.Window.MaxItems {
		return fmt.Errorf("window.page_size (%d) cannot exceed window.max_items (%d)",
			c.Window.PageSize, c.Window.MaxItems)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Load reads and validates a configuration file. A missing file yields
// the defaults; STITCH_SERVER_URL and STITCH_DB_PATH override the file
// either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file\n%s", yaml.FormatError(err, true, true))
		}
		cfg.ApplyDefaults()
	}
	return applyEnv(cfg)
}

func applyEnv(cfg *Config) (*Config, error) {
	if v := os.Getenv("STITCH_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("STITCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveDBPath returns the mirror database location, creating the
// parent directory for the default path.
func (c *Config) ResolveDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	dir := filepath.Join(base, "stitch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}
