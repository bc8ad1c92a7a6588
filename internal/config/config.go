package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models hsetrack.yml, the per-organization workflow configuration.
type Config struct {
	Organization struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"organization"`
	Categories struct {
		Catalog map[string]Category `yaml:"catalog"`
	} `yaml:"categories"`
	Review struct {
		// DefaultActionDueDays seeds the due-date suggestion when a
		// corrective action is assigned without an explicit date.
		DefaultActionDueDays int `yaml:"default_action_due_days"`
	} `yaml:"review"`
}

type Category struct {
	Description string `yaml:"description"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with hse org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if len(c.Categories.Catalog) == 0 {
		return fmt.Errorf("config.categories.catalog must define at least one category")
	}
	for name := range c.Categories.Catalog {
		if name == "" {
			return fmt.Errorf("config.categories.catalog contains empty category name")
		}
	}
	if c.Review.DefaultActionDueDays < 0 {
		return fmt.Errorf("config.review.default_action_due_days must not be negative")
	}
	return nil
}

// HasCategory reports whether name is part of the closed catalog.
func (c *Config) HasCategory(name string) bool {
	_, ok := c.Categories.Catalog[name]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hsetrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID, orgID)
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

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	cfg.Organization.ID = orgID
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

const defaultTemplate = `organization:
  id: %s
  name: %s

categories:
  catalog:
    ppe:
      description: "Personal protective equipment"
    electrical:
      description: "Electrical hazards"
    housekeeping:
      description: "Housekeeping and site order"
    working-at-height:
      description: "Working at height"
    machinery:
      description: "Machine guarding and moving parts"
    chemical:
      description: "Hazardous substances"
    ergonomics:
      description: "Manual handling and ergonomics"
    fire:
      description: "Fire safety"

review:
  default_action_due_days: 7
`
