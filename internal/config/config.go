package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models batipay.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		Currency string `yaml:"currency"`
	} `yaml:"service"`
	Escrow struct {
		LockWaitSeconds int `yaml:"lock_wait_seconds"`
	} `yaml:"escrow"`
	Expenses struct {
		Categories map[string]ExpenseCategory `yaml:"categories"`
	} `yaml:"expenses"`
	Objects struct {
		Bucket        string `yaml:"bucket"`
		Region        string `yaml:"region"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"objects"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ExpenseCategory struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run bp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Service.Currency == "" {
		return fmt.Errorf("config.service.currency is required")
	}
	if c.Escrow.LockWaitSeconds <= 0 {
		return fmt.Errorf("config.escrow.lock_wait_seconds must be > 0")
	}
	if len(c.Expenses.Categories) == 0 {
		return fmt.Errorf("config.expenses.categories is required")
	}
	for name := range c.Expenses.Categories {
		if name == "" {
			return fmt.Errorf("config.expenses.categories contains empty category name")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// HasCategory reports whether the expense category is in the catalog.
func (c *Config) HasCategory(name string) bool {
	_, ok := c.Expenses.Categories[name]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "batipay.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `service:
  name: batipay
  currency: XAF

escrow:
  lock_wait_seconds: 5

expenses:
  categories:
    materials:
      description: "Cement, sand, steel, timber and other building materials"
    labor:
      description: "Crew wages for a milestone"
    transport:
      description: "Haulage and site logistics"
    equipment:
      description: "Machine rental and tooling"
    permits:
      description: "Administrative fees and building permits"
    other:
      description: "Anything the catalog does not cover"

objects:
  bucket: ""
  region: af-south-1
  public_base_url: ""

webhooks: []
`
