package config

import (
	"os"
	"path/filepath"

	"github.com/mkohler/cadence/errors"
	"gopkg.in/yaml.v3"
)

// FilesystemAccess restricts what the file tools may touch. Patterns are
// doublestar globs matched against the path the model supplied.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes an external tool server spawned as a child process
// speaking newline-delimited JSON-RPC over stdio.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// LSPServer describes a language server spawned as a child process speaking
// Content-Length framed JSON-RPC over stdio.
type LSPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Hooks configures the interceptor pipeline. A handler error from a hook with
// priority below CriticalPriority vetoes the event; errors from hooks at or
// above it are recorded and the pipeline continues.
type Hooks struct {
	CriticalPriority int `yaml:"critical_priority"`
}

type Config struct {
	LLMClient        string           `yaml:"llm"`
	Model            string           `yaml:"model"`
	SystemPromptFile string           `yaml:"system_prompt_file"`
	Toolsets         []Toolset        `yaml:"toolsets"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
	LSPServers       []LSPServer      `yaml:"lsp_servers"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	ReadOnlyTools    []string         `yaml:"read_only_tools"`
	Hooks            Hooks            `yaml:"hooks"`
	MaxTurns         int              `yaml:"max_turns"`
	MaxContinuations int              `yaml:"max_continuations"`
	RequestTimeout   int              `yaml:"request_timeout_seconds"`
	ParallelTools    int              `yaml:"parallel_tools"`
}

const (
	defaultMaxTurns         = 50
	defaultMaxContinuations = 2
	defaultRequestTimeout   = 60
	defaultParallelTools    = 4
	defaultCriticalPriority = 10
)

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The .cadence directory itself is never exposed to the model.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".cadence", ".cadence/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".cadence", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".cadence", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.MaxContinuations <= 0 {
		c.MaxContinuations = defaultMaxContinuations
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ParallelTools <= 0 {
		c.ParallelTools = defaultParallelTools
	}
	if c.Hooks.CriticalPriority <= 0 {
		c.Hooks.CriticalPriority = defaultCriticalPriority
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
