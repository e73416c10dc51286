package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agent462/fleetrun/internal/executor"
	"github.com/agent462/fleetrun/internal/pathutil"
	"github.com/agent462/fleetrun/internal/step"
)

// UpdateCheckoutStep is the name of the built-in checkout maintenance step.
const UpdateCheckoutStep = "update_checkout"

// Config represents the top-level fleetrun configuration.
type Config struct {
	Inventory map[string]Group      `yaml:"inventory" validate:"dive"`
	Defaults  Defaults              `yaml:"defaults"`
	Steps     map[string]StepConfig `yaml:"steps,omitempty" validate:"dive"`
	ExitCodes step.ExitCodes        `yaml:"exit_codes"`
}

// Group defines a named set of hosts with optional overrides.
type Group struct {
	Hosts   []string `yaml:"hosts" validate:"min=1,dive,required"`
	User    string   `yaml:"user,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Defaults holds default settings.
type Defaults struct {
	Group        string   `yaml:"group,omitempty"`
	Concurrency  int      `yaml:"concurrency" validate:"gte=0"` // 0 means one goroutine per host
	Timeout      Duration `yaml:"timeout"`
	Output       string   `yaml:"output" validate:"omitempty,oneof=text json"`
	RequireHosts bool     `yaml:"require_hosts"`
	Insecure     bool     `yaml:"insecure"`
}

// StepConfig defines a named maintenance command run across the fleet.
//
// Script, when set, is a local file staged to ScriptDest on each host before
// Command runs. FailureMessage prefixes the failing host list in the step's
// warning; ReportHeader heads the same list in the text report.
type StepConfig struct {
	Description    string   `yaml:"description,omitempty"`
	Command        []string `yaml:"command" validate:"min=1"`
	Script         string   `yaml:"script,omitempty"`
	ScriptDest     string   `yaml:"script_dest,omitempty"`
	FailureMessage string   `yaml:"failure_message,omitempty"`
	ReportHeader   string   `yaml:"report_header,omitempty"`
	Timeout        Duration `yaml:"timeout,omitempty"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Inventory: make(map[string]Group),
		Defaults: Defaults{
			Timeout:      Duration{executor.DefaultTimeout},
			Output:       "text",
			RequireHosts: true,
		},
		Steps: map[string]StepConfig{
			UpdateCheckoutStep: {
				Description:    "Update the root-level buildbot checkout on every host",
				Command:        []string{"python", "buildbot/slave/skia_slave_scripts/utils/force_update_checkout.py"},
				FailureMessage: "Could not update the following hosts",
				ReportHeader:   "Failed to update the following hosts",
			},
		},
		ExitCodes: step.DefaultExitCodes(),
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "fleetrun", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fleetrun", "config.yaml")
}

// Load reads and parses a config YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	for name, s := range cfg.Steps {
		s.Script = pathutil.Expand(s.Script)
		cfg.Steps[name] = s
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path. If the file does not
// exist, it returns the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

var (
	validate = validator.New()
	nameRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Defaults.Timeout.Duration < 0 {
		return fmt.Errorf("default timeout must be non-negative, got %s", c.Defaults.Timeout)
	}
	if c.Defaults.Group != "" {
		if _, ok := c.Inventory[c.Defaults.Group]; !ok {
			return fmt.Errorf("default group %q is not in the inventory", c.Defaults.Group)
		}
	}

	for name, group := range c.Inventory {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("group name %q must match [a-zA-Z0-9_-]+", name)
		}
		if group.Timeout.Duration < 0 {
			return fmt.Errorf("group %q has negative timeout: %s", name, group.Timeout)
		}
	}

	for name, s := range c.Steps {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("step name %q must match [a-zA-Z0-9_-]+", name)
		}
		if strings.TrimSpace(s.Command[0]) == "" {
			return fmt.Errorf("step %q has an empty program name", name)
		}
		if s.Timeout.Duration < 0 {
			return fmt.Errorf("step %q has negative timeout: %s", name, s.Timeout)
		}
		if s.ScriptDest != "" && s.Script == "" {
			return fmt.Errorf("step %q sets script_dest without script", name)
		}
	}

	return nil
}

// Step returns the named step.
func (c *Config) Step(name string) (StepConfig, error) {
	s, ok := c.Steps[name]
	if !ok {
		return StepConfig{}, fmt.Errorf("step %q not defined", name)
	}
	return s, nil
}

// Timeout picks the per-host timeout for a round: the step's own timeout,
// then the group's, then the default.
func (c *Config) Timeout(groupName string, s *StepConfig) time.Duration {
	if s != nil && s.Timeout.Duration > 0 {
		return s.Timeout.Duration
	}
	if g, ok := c.Inventory[groupName]; ok && g.Timeout.Duration > 0 {
		return g.Timeout.Duration
	}
	return c.Defaults.Timeout.Duration
}
