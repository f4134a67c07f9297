// Package config loads and validates the host's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"apphost"
)

// Limits holds the per-app resource knobs. Zero values fall back to the
// host defaults (or, for overrides, to the file-level defaults).
type Limits struct {
	MemoryLimitBytes    int64 `yaml:"memory_limit_bytes"`
	InvocationBudgetMs  int   `yaml:"invocation_budget_ms"`
	FetchTimeoutSeconds int   `yaml:"fetch_timeout_seconds"`
	MaxFetchesPerInvoke int   `yaml:"max_fetches_per_invocation"`
	MaxResponseBytes    int64 `yaml:"max_response_bytes"`
}

// AppEntry is one app definition in the config file. Exactly one of Script
// and ScriptFile must be set.
type AppEntry struct {
	Name       string            `yaml:"name"`
	RoutingKey string            `yaml:"routing_key"`
	Script     string            `yaml:"script"`
	ScriptFile string            `yaml:"script_file"`
	Env        map[string]string `yaml:"env"`
	Overrides  Limits            `yaml:"overrides"`
}

// Config is the top-level configuration document.
type Config struct {
	Listen         string     `yaml:"listen"`
	RoutingHeader  string     `yaml:"routing_header"`
	MaxConnections int        `yaml:"max_connections"`
	Defaults       Limits     `yaml:"defaults"`
	Apps           []AppEntry `yaml:"apps"`

	// dir is the config file's directory; script_file paths resolve
	// relative to it.
	dir string
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse unmarshals and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.RoutingHeader == "" {
		cfg.RoutingHeader = "X-App-Key"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Apps) == 0 {
		return fmt.Errorf("no apps defined")
	}
	seenNames := make(map[string]bool, len(c.Apps))
	seenKeys := make(map[string]bool, len(c.Apps))
	for i, app := range c.Apps {
		if app.Name == "" {
			return fmt.Errorf("apps[%d]: name is required", i)
		}
		if seenNames[app.Name] {
			return fmt.Errorf("apps[%d]: duplicate app name %q", i, app.Name)
		}
		seenNames[app.Name] = true
		if app.RoutingKey == "" {
			return fmt.Errorf("app %q: routing_key is required", app.Name)
		}
		if seenKeys[app.RoutingKey] {
			return fmt.Errorf("app %q: duplicate routing_key %q", app.Name, app.RoutingKey)
		}
		seenKeys[app.RoutingKey] = true
		if app.Script == "" && app.ScriptFile == "" {
			return fmt.Errorf("app %q: one of script or script_file is required", app.Name)
		}
		if app.Script != "" && app.ScriptFile != "" {
			return fmt.Errorf("app %q: script and script_file are mutually exclusive", app.Name)
		}
	}
	return nil
}

// merge overlays non-zero override values on top of the file defaults.
func merge(defaults, overrides Limits) Limits {
	out := defaults
	if overrides.MemoryLimitBytes > 0 {
		out.MemoryLimitBytes = overrides.MemoryLimitBytes
	}
	if overrides.InvocationBudgetMs > 0 {
		out.InvocationBudgetMs = overrides.InvocationBudgetMs
	}
	if overrides.FetchTimeoutSeconds > 0 {
		out.FetchTimeoutSeconds = overrides.FetchTimeoutSeconds
	}
	if overrides.MaxFetchesPerInvoke > 0 {
		out.MaxFetchesPerInvoke = overrides.MaxFetchesPerInvoke
	}
	if overrides.MaxResponseBytes > 0 {
		out.MaxResponseBytes = overrides.MaxResponseBytes
	}
	return out
}

// AppConfigs materializes the app definitions for the registry: script
// files are read from disk and limits are resolved. Re-reading on every
// call is deliberate; a hot reload should pick up edited script files.
func (c *Config) AppConfigs() ([]apphost.AppConfig, error) {
	out := make([]apphost.AppConfig, 0, len(c.Apps))
	for _, app := range c.Apps {
		script := app.Script
		if app.ScriptFile != "" {
			path := app.ScriptFile
			if !filepath.IsAbs(path) && c.dir != "" {
				path = filepath.Join(c.dir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("app %q: reading script: %w", app.Name, err)
			}
			script = string(data)
		}

		limits := merge(c.Defaults, app.Overrides)
		out = append(out, apphost.AppConfig{
			Name:                app.Name,
			RoutingKey:          app.RoutingKey,
			Script:              script,
			Env:                 app.Env,
			MemoryLimitBytes:    limits.MemoryLimitBytes,
			InvocationBudget:    time.Duration(limits.InvocationBudgetMs) * time.Millisecond,
			FetchTimeout:        time.Duration(limits.FetchTimeoutSeconds) * time.Second,
			MaxFetchesPerInvoke: limits.MaxFetchesPerInvoke,
			MaxResponseBytes:    limits.MaxResponseBytes,
		})
	}
	return out, nil
}
