// Package config models relay.yml, the per-workspace configuration of
// the dispatch daemon and agent runner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"taskrelay/internal/domain"
)

// Config models relay.yml.
type Config struct {
	// RepoPath is the git repository agents work on. Defaults to the
	// workspace directory.
	RepoPath   string `yaml:"repo_path"`
	BaseBranch string `yaml:"base_branch"`
	// WorktreesPath is where per-task worktrees are created. Defaults
	// to <workspace>/.taskrelay/worktrees.
	WorktreesPath string `yaml:"worktrees_path"`

	// PollInterval is the dispatch loop period, e.g. "1s".
	PollInterval      Duration `yaml:"poll_interval"`
	MaxParallelAgents int      `yaml:"max_parallel_agents"`
	// TimeoutSec bounds a single agent run; 0 means no deadline.
	TimeoutSec int `yaml:"timeout_sec"`

	DefaultModel string `yaml:"default_model"`

	Agent struct {
		// Command is the agent CLI executable.
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"agent"`

	// Roles maps a workflow role to its prompt file and optional model
	// override.
	Roles map[string]RoleConfig `yaml:"roles"`
}

type RoleConfig struct {
	PromptFile string `yaml:"prompt_file"`
	Model      string `yaml:"model"`
}

// Duration is a time.Duration that parses YAML strings like "1s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "relay.yml")
}

// Load reads and validates config from workspace, applying defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tr init", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyWorkspaceDefaults(workspace)
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyWorkspaceDefaults(workspace)
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns a Config with every knob at its default value.
func Default() *Config {
	cfg := &Config{
		BaseBranch:        "main",
		PollInterval:      Duration(time.Second),
		MaxParallelAgents: 3,
	}
	cfg.Agent.Command = "claude"
	return cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("config.poll_interval must be positive")
	}
	if c.MaxParallelAgents <= 0 {
		return fmt.Errorf("config.max_parallel_agents must be positive")
	}
	if c.TimeoutSec < 0 {
		return fmt.Errorf("config.timeout_sec must not be negative")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("config.agent.command is required")
	}
	if c.BaseBranch == "" {
		return fmt.Errorf("config.base_branch is required")
	}
	for role, rc := range c.Roles {
		if !domain.ValidRole(role) {
			return fmt.Errorf("config.roles contains unknown role %q", role)
		}
		if rc.PromptFile == "" {
			return fmt.Errorf("config.roles.%s.prompt_file is required", role)
		}
	}
	return nil
}

// PromptFor returns the prompt file configured for a role, or "" when
// the role has no prompt of its own.
func (c *Config) PromptFor(role string) string {
	if rc, ok := c.Roles[role]; ok {
		return rc.PromptFile
	}
	return ""
}

// ModelFor resolves the model for a role: role override first, then
// the global default.
func (c *Config) ModelFor(role string) string {
	if rc, ok := c.Roles[role]; ok && rc.Model != "" {
		return rc.Model
	}
	return c.DefaultModel
}

// RunTimeout converts timeout_sec into a duration; zero means none.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c *Config) applyWorkspaceDefaults(workspace string) {
	if workspace == "" {
		workspace = "."
	}
	if c.RepoPath == "" {
		c.RepoPath = workspace
	}
	if c.WorktreesPath == "" {
		c.WorktreesPath = filepath.Join(workspace, ".taskrelay", "worktrees")
	}
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# taskrelay configuration
repo_path: .
base_branch: main

poll_interval: 1s
max_parallel_agents: 3
timeout_sec: 0

default_model: ""

agent:
  command: claude
  args: []

roles:
  planner:
    prompt_file: prompts/planner.md
  coder:
    prompt_file: prompts/coder.md
  reviewer:
    prompt_file: prompts/reviewer.md
  orchestrator:
    prompt_file: prompts/orchestrator.md
`
