package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models scrumbringer.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Org  string `yaml:"org"`
	} `yaml:"project"`
	TaskTypes []TaskTypeConfig `yaml:"task_types"`
	Defaults  struct {
		Priority map[string]int `yaml:"priority"`
	} `yaml:"defaults"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type TaskTypeConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	seen := map[string]bool{}
	for _, tt := range c.TaskTypes {
		if tt.Name == "" {
			return fmt.Errorf("config.task_types contains empty name")
		}
		if seen[tt.Name] {
			return fmt.Errorf("task type %s declared twice", tt.Name)
		}
		seen[tt.Name] = true
	}
	for name := range c.Defaults.Priority {
		if !seen[name] {
			return fmt.Errorf("default priority for unknown task type %s", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "scrumbringer.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sb project init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
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
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

const defaultTemplate = `project:
  id: %s
  name: %s
  org: default-org

task_types:
  - name: feature
    description: "New user-facing behavior"
  - name: bug
    description: "Defect to fix"
  - name: technical
    description: "Internal improvement"
  - name: docs
    description: "Documentation work"
  - name: chore
    description: "Routine upkeep"

defaults:
  priority:
    bug: 1
    feature: 2
    technical: 3
    docs: 4
    chore: 5

auth:
  dev_login: true
`
