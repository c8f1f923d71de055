package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dayline.yml.
type Config struct {
	Schedule struct {
		GraceMinutes       int `yaml:"grace_minutes"`
		AutoAdvanceMinutes int `yaml:"auto_advance_minutes"`
	} `yaml:"schedule"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one event fan-out target.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret,omitempty"`
	Events  []string `yaml:"events,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// Validate ensures the config meets required structure. The grace
// window must close strictly before the auto-advance deadline.
func (c *Config) Validate() error {
	if c.Schedule.GraceMinutes <= 0 {
		return fmt.Errorf("config.schedule.grace_minutes must be positive")
	}
	if c.Schedule.AutoAdvanceMinutes <= 0 {
		return fmt.Errorf("config.schedule.auto_advance_minutes must be positive")
	}
	if c.Schedule.GraceMinutes >= c.Schedule.AutoAdvanceMinutes {
		return fmt.Errorf("config.schedule.grace_minutes (%d) must be less than auto_advance_minutes (%d)",
			c.Schedule.GraceMinutes, c.Schedule.AutoAdvanceMinutes)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dayline.yml")
}

// Default returns the built-in defaults: a 15 minute grace window and
// auto-advance 20 minutes past the scheduled end.
func Default() *Config {
	var cfg Config
	cfg.Schedule.GraceMinutes = 15
	cfg.Schedule.AutoAdvanceMinutes = 20
	cfg.Server.Addr = ":8484"
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when
// no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields
// left unset inherit the defaults.
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
