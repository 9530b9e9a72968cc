// Package config loads the toolbridge YAML configuration and applies
// environment overrides. Every field has a default so the binary runs
// without a config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Subordinate SubordinateConfig `yaml:"subordinate"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Fallback    FallbackConfig    `yaml:"fallback"`
	Providers   []ProviderEntry   `yaml:"providers"`

	// Path is the file the config was read from, empty when defaults were used.
	Path string `yaml:"-"`
}

type ServerConfig struct {
	Name            string        `yaml:"name"`
	ForwardTimeout  time.Duration `yaml:"forward_timeout"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
}

type SubordinateConfig struct {
	Disabled bool `yaml:"disabled"`
	// Command defaults to this executable running the worker command.
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	Dir          string            `yaml:"dir"`
	GraceWindow  time.Duration     `yaml:"grace_window"`
	ProbeTimeout time.Duration     `yaml:"probe_timeout"`
	// Lazy defers the spawn until the first initialize.
	Lazy bool `yaml:"lazy"`
}

type LivenessConfig struct {
	Heartbeat       time.Duration `yaml:"heartbeat"`
	RearmBackoff    time.Duration `yaml:"rearm_backoff"`
	RearmBackoffMax time.Duration `yaml:"rearm_backoff_max"`
}

type FallbackConfig struct {
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	FetchMaxBytes int64         `yaml:"fetch_max_bytes"`
}

// ProviderEntry configures one tool provider instance. Keys other than name
// and provider are handed to the provider factory as options.
type ProviderEntry struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Options  map[string]any `yaml:",inline"`
}

const (
	envKeyConfig         = "TOOLBRIDGE_CONFIG"
	envKeySubordinate    = "TOOLBRIDGE_SUBORDINATE"
	envKeyNoSubordinate  = "TOOLBRIDGE_NO_SUBORDINATE"
	envKeyForwardTimeout = "TOOLBRIDGE_FORWARD_TIMEOUT"
	envKeyHeartbeat      = "TOOLBRIDGE_HEARTBEAT"
	envKeyFSRoots        = "FS_ROOTS"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:            "toolbridge",
			ForwardTimeout:  30 * time.Second,
			MaxMessageBytes: 10 * 1024 * 1024,
		},
		Subordinate: SubordinateConfig{
			GraceWindow:  2 * time.Second,
			ProbeTimeout: 10 * time.Second,
		},
		Liveness: LivenessConfig{
			Heartbeat:       time.Minute,
			RearmBackoff:    100 * time.Millisecond,
			RearmBackoffMax: 5 * time.Second,
		},
		Fallback: FallbackConfig{
			FetchTimeout:  15 * time.Second,
			FetchMaxBytes: 1 << 20,
		},
		Providers: []ProviderEntry{
			{Name: "fs-local", Provider: "fs", Options: map[string]any{}},
			{Name: "markdown", Provider: "markdown", Options: map[string]any{}},
		},
	}
}

// DefaultPath is ~/.config/toolbridge/toolbridge.yaml, or TOOLBRIDGE_CONFIG when set.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(envKeyConfig)); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		wd, _ := os.Getwd()
		return filepath.Join(wd, "toolbridge.yaml")
	}
	return filepath.Join(home, ".config", "toolbridge", "toolbridge.yaml")
}

// Load reads path (or DefaultPath when empty) over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.ForwardTimeout <= 0 {
		return errors.New("server.forward_timeout must be positive")
	}
	if c.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}
	if c.Liveness.RearmBackoff <= 0 || c.Liveness.RearmBackoffMax < c.Liveness.RearmBackoff {
		return errors.New("liveness.rearm_backoff must be positive and not exceed rearm_backoff_max")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Provider == "" {
			return fmt.Errorf("providers[%d]: provider is required", i)
		}
		name := p.EntryName()
		if seen[name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

// EntryName is the configured name, falling back to the provider kind.
func (p ProviderEntry) EntryName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Provider
}

func (c *Config) applyEnv() error {
	if cmd := strings.Fields(os.Getenv(envKeySubordinate)); len(cmd) > 0 {
		c.Subordinate.Command = cmd[0]
		c.Subordinate.Args = cmd[1:]
	}
	if v := os.Getenv(envKeyNoSubordinate); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKeyNoSubordinate, err)
		}
		c.Subordinate.Disabled = disabled
	}
	var err error
	if c.Server.ForwardTimeout, err = durationOr(envKeyForwardTimeout, c.Server.ForwardTimeout); err != nil {
		return err
	}
	if c.Liveness.Heartbeat, err = durationOr(envKeyHeartbeat, c.Liveness.Heartbeat); err != nil {
		return err
	}
	if roots := SplitRoots(os.Getenv(envKeyFSRoots)); len(roots) > 0 {
		for i := range c.Providers {
			if c.Providers[i].Provider != "fs" {
				continue
			}
			if c.Providers[i].Options == nil {
				c.Providers[i].Options = map[string]any{}
			}
			if _, set := c.Providers[i].Options["roots"]; !set {
				c.Providers[i].Options["roots"] = roots
			}
		}
	}
	return nil
}

// SplitRoots splits a colon- or comma-separated list of paths.
func SplitRoots(s string) []string {
	clean := strings.ReplaceAll(s, ":", ",")
	var roots []string
	for _, p := range strings.Split(clean, ",") {
		if p = strings.TrimSpace(p); p != "" {
			roots = append(roots, p)
		}
	}
	return roots
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Template renders a commented starter config.
func Template(name string, roots []string) ([]byte, error) {
	if len(roots) == 0 {
		roots = []string{"./"}
	}
	cfg := Default()
	cfg.Providers[0].Name = name
	cfg.Providers[0].Options = map[string]any{"roots": roots}
	body, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	header := "# toolbridge configuration\n" +
		"# subordinate.command defaults to this binary running `worker`.\n" +
		"# fs providers also accept max_bytes, include_hidden and allow_binary.\n\n"
	return append([]byte(header), body...), nil
}
