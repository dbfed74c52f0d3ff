package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes which plugins the shell should load. Entries are an
// ordered list because registration order is observable on the bus.
type Config struct {
	Plugins []Entry `yaml:"plugins"`
}

// Entry is the configuration block for a single plugin instance.
type Entry struct {
	ID         string         `yaml:"id"`
	Enabled    bool           `yaml:"enabled"`
	Path       string         `yaml:"path"`
	Visibility string         `yaml:"visibility"`
	Config     map[string]any `yaml:"config"`
}

// LoadConfig reads a YAML file into a Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Plugins))
	for _, entry := range c.Plugins {
		if entry.ID == "" {
			return errors.New("plugin id cannot be empty")
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("plugin %s configured twice", entry.ID)
		}
		seen[entry.ID] = struct{}{}
		if entry.Enabled && entry.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", entry.ID)
		}
	}
	return nil
}
