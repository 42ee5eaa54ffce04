package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models cadence.yml.
type Config struct {
	Engine struct {
		RescheduleExpiryDays int    `yaml:"reschedule_expiry_days" json:"reschedule_expiry_days"`
		SystemActor          string `yaml:"system_actor" json:"system_actor"`
		SystemActorName      string `yaml:"system_actor_name" json:"system_actor_name"`
		Timezone             string `yaml:"timezone" json:"timezone"`
	} `yaml:"engine" json:"engine"`
	Sweep struct {
		Enabled  bool   `yaml:"enabled" json:"enabled"`
		Schedule string `yaml:"schedule" json:"schedule"`
	} `yaml:"sweep" json:"sweep"`
	RBAC struct {
		DefaultRole string              `yaml:"default_role" json:"default_role"`
		Roles       map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Permissions known to the engine.
const (
	PermTasksCreate       = "tasks.create"
	PermTasksEdit         = "tasks.edit"
	PermTasksComplete     = "tasks.complete"
	PermTasksViewAll      = "tasks.view_all"
	PermTasksViewAssigned = "tasks.view_assigned"
	PermTasksAssign       = "tasks.assign"
	PermRescheduleRequest = "reschedule.request"
	PermRescheduleApprove = "reschedule.approve"
	PermTemplatesManage   = "templates.manage"
)

var knownPermissions = map[string]bool{
	PermTasksCreate:       true,
	PermTasksEdit:         true,
	PermTasksComplete:     true,
	PermTasksViewAll:      true,
	PermTasksViewAssigned: true,
	PermTasksAssign:       true,
	PermRescheduleRequest: true,
	PermRescheduleApprove: true,
	PermTemplatesManage:   true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cadence init", path)
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
	if c.Engine.RescheduleExpiryDays <= 0 {
		return fmt.Errorf("config.engine.reschedule_expiry_days must be > 0")
	}
	if c.Engine.SystemActor == "" {
		return fmt.Errorf("config.engine.system_actor is required")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("config.engine.timezone: %w", err)
	}
	if c.Sweep.Schedule == "" {
		return fmt.Errorf("config.sweep.schedule is required")
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("config.sweep.schedule: %w", err)
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["owner"]; !ok {
		return fmt.Errorf("config.rbac.roles must include owner")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
			if !knownPermissions[perm] {
				return fmt.Errorf("role %s references unknown permission %s", roleID, perm)
			}
		}
	}
	if c.RBAC.DefaultRole != "" {
		if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
			return fmt.Errorf("config.rbac.default_role %s not defined", c.RBAC.DefaultRole)
		}
	}
	return nil
}

// Location returns the configured calendar location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RolePermissions flattens the role table.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		perms := append([]string(nil), role.Permissions...)
		sort.Strings(perms)
		out[id] = perms
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cadence.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

const defaultTemplate = `engine:
  reschedule_expiry_days: 7
  system_actor: system
  system_actor_name: System
  timezone: UTC

sweep:
  enabled: true
  schedule: "@every 1m"

rbac:
  # Role of actors with no role in the organization. Empty grants nothing.
  default_role: ""
  roles:
    admin:
      description: "Full control of the organization"
      permissions: [tasks.create, tasks.edit, tasks.complete, tasks.view_all, tasks.assign, reschedule.request, reschedule.approve, templates.manage]
    owner:
      description: "Organization owner"
      permissions: [tasks.create, tasks.edit, tasks.complete, tasks.view_all, tasks.assign, reschedule.request, reschedule.approve, templates.manage]
    doer:
      description: "Works assigned tasks and may ask for more time"
      permissions: [tasks.view_assigned, tasks.complete, reschedule.request]
    viewer:
      description: "Read-only access"
      permissions: [tasks.view_all]
`
