package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orgline/internal/domain"
)

const (
	DefaultRateLimit       = 5
	DefaultRateWindow      = time.Hour
	DefaultMaxChainDepth   = 100
	DefaultMaxTaskDepth    = 10
	DefaultMonitorInterval = 5 * time.Minute
	defaultRole            = "default"
)

// Config models orgline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Hiring struct {
		RateLimit     int                           `yaml:"rate_limit"`
		RateWindow    string                        `yaml:"rate_window"`
		MaxChainDepth int                           `yaml:"max_chain_depth"`
		Roles         map[string]domain.Permissions `yaml:"roles"`
	} `yaml:"hiring"`
	Tasks struct {
		MaxDepth int `yaml:"max_depth"`
	} `yaml:"tasks"`
	Communication struct {
		Defaults Preferences                   `yaml:"defaults"`
		Agents   map[string]PreferenceOverride `yaml:"agents"`
	} `yaml:"communication"`
	Monitor struct {
		Interval string `yaml:"interval"`
	} `yaml:"monitor"`
	Archive struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"archive"`
	Snapshots struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"snapshots"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Preferences are the effective communication settings of one agent.
type Preferences struct {
	DeadlockAlerts bool `yaml:"deadlock_alerts"`
}

type PreferenceOverride struct {
	DeadlockAlerts *bool `yaml:"deadlock_alerts"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Actions        []string `yaml:"actions"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ol init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Org.ID) == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Hiring.RateLimit < 0 {
		return fmt.Errorf("config.hiring.rate_limit must not be negative")
	}
	if c.Hiring.RateWindow != "" {
		d, err := time.ParseDuration(c.Hiring.RateWindow)
		if err != nil {
			return fmt.Errorf("config.hiring.rate_window: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.hiring.rate_window must be positive")
		}
	}
	if c.Hiring.MaxChainDepth < 0 {
		return fmt.Errorf("config.hiring.max_chain_depth must not be negative")
	}
	for role, perms := range c.Hiring.Roles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.hiring.roles contains empty role")
		}
		if perms.MaxSubordinates < 0 || perms.HiringBudget < 0 {
			return fmt.Errorf("role %s has negative limits", role)
		}
	}
	if c.Tasks.MaxDepth < 0 {
		return fmt.Errorf("config.tasks.max_depth must not be negative")
	}
	if c.Monitor.Interval != "" {
		d, err := time.ParseDuration(c.Monitor.Interval)
		if err != nil {
			return fmt.Errorf("config.monitor.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.monitor.interval must be positive")
		}
	}
	for agentID := range c.Communication.Agents {
		if strings.TrimSpace(agentID) == "" {
			return fmt.Errorf("config.communication.agents contains empty agent id")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// RateLimit is the number of successful hires a manager may make per RateWindow.
func (c *Config) RateLimit() int {
	if c == nil || c.Hiring.RateLimit == 0 {
		return DefaultRateLimit
	}
	return c.Hiring.RateLimit
}

func (c *Config) RateWindow() time.Duration {
	if c == nil || c.Hiring.RateWindow == "" {
		return DefaultRateWindow
	}
	d, err := time.ParseDuration(c.Hiring.RateWindow)
	if err != nil || d <= 0 {
		return DefaultRateWindow
	}
	return d
}

func (c *Config) MaxChainDepth() int {
	if c == nil || c.Hiring.MaxChainDepth == 0 {
		return DefaultMaxChainDepth
	}
	return c.Hiring.MaxChainDepth
}

func (c *Config) MaxTaskDepth() int {
	if c == nil || c.Tasks.MaxDepth == 0 {
		return DefaultMaxTaskDepth
	}
	return c.Tasks.MaxDepth
}

func (c *Config) MonitorInterval() time.Duration {
	if c == nil || c.Monitor.Interval == "" {
		return DefaultMonitorInterval
	}
	d, err := time.ParseDuration(c.Monitor.Interval)
	if err != nil || d <= 0 {
		return DefaultMonitorInterval
	}
	return d
}

func (c *Config) ArchiveEnabled() bool {
	return c == nil || c.Archive.Enabled == nil || *c.Archive.Enabled
}

func (c *Config) SnapshotsEnabled() bool {
	return c == nil || c.Snapshots.Enabled == nil || *c.Snapshots.Enabled
}

// RolePermissions returns the hiring permissions a newly hired agent of role gets.
// Unknown roles fall back to the "default" role, then to no hiring rights.
func (c *Config) RolePermissions(role string) domain.Permissions {
	if c == nil {
		return domain.Permissions{}
	}
	if p, ok := c.Hiring.Roles[role]; ok {
		return p
	}
	return c.Hiring.Roles[defaultRole]
}

// Preferences resolves the communication preferences of agentID.
func (c *Config) Preferences(agentID string) Preferences {
	if c == nil {
		return Preferences{DeadlockAlerts: true}
	}
	prefs := c.Communication.Defaults
	if o, ok := c.Communication.Agents[agentID]; ok {
		if o.DeadlockAlerts != nil {
			prefs.DeadlockAlerts = *o.DeadlockAlerts
		}
	}
	return prefs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orgline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	cfg.Org.ID = orgID
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

// Write stores cfg as YAML at the workspace config path.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(Path(workspace), buf.Bytes(), 0o644)
}

const defaultTemplate = `org:
  id: %s
  name: ""

hiring:
  rate_limit: 5
  rate_window: 1h
  max_chain_depth: 100
  roles:
    default:
      can_hire: false
      max_subordinates: 0
      hiring_budget: 0
    ceo:
      can_hire: true
      max_subordinates: 10
      hiring_budget: 10
    cto:
      can_hire: true
      max_subordinates: 8
      hiring_budget: 5
    lead:
      can_hire: true
      max_subordinates: 5
      hiring_budget: 3
    engineer:
      can_hire: false
      max_subordinates: 0
      hiring_budget: 0

tasks:
  max_depth: 10

communication:
  defaults:
    deadlock_alerts: true
  agents: {}

monitor:
  interval: 5m

archive:
  enabled: true

snapshots:
  enabled: true
`
