package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	App           AppConfig           `yaml:"app"`
	Storage       StorageConfig       `yaml:"storage"`
	Index         IndexConfig         `yaml:"index"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Hierarchy     HierarchyConfig     `yaml:"hierarchy"`
	Principals    []PrincipalConfig   `yaml:"principals"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Authorization.Validate(); err != nil {
		return fmt.Errorf("authorization: %w", err)
	}
	if err := c.Hierarchy.Validate(); err != nil {
		return fmt.Errorf("hierarchy: %w", err)
	}
	if err := c.Maintenance.Validate(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	seen := make(map[string]bool)
	for i := range c.Principals {
		p := &c.Principals[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("principals[%d]: %w", i, err)
		}
		if seen[p.Href] {
			return fmt.Errorf("principals[%d]: duplicate href %s", i, p.Href)
		}
		seen[p.Href] = true
	}
	return nil
}

// AppConfig holds process-level settings.
type AppConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMemory, DriverSQLite)),
		validation.Field(&c.Path, validation.When(c.Driver == DriverSQLite, validation.Required)),
	)
}

// IndexConfig locates the search index. An empty path disables indexing.
type IndexConfig struct {
	Path string `yaml:"path"`
}

// Enabled reports whether an index is configured.
func (c *IndexConfig) Enabled() bool { return c.Path != "" }

// AuthorizationConfig bounds recurrence expansion and home privileges.
type AuthorizationConfig struct {
	MaxYears     int `yaml:"max_years"`
	MaxInstances int `yaml:"max_instances"`
	// UserHomeMaxPrivileges caps what anyone holds on a home collection.
	UserHomeMaxPrivileges []string `yaml:"user_home_max_privileges"`
}

// Validate validates the authorization configuration.
func (c *AuthorizationConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxYears, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.MaxInstances, validation.Required, validation.Min(1)),
		validation.Field(&c.UserHomeMaxPrivileges, validation.Each(validation.By(privilegeName))),
	)
}

func privilegeName(value any) error {
	s, _ := value.(string)
	if access.ParsePrivilege(s) == access.PrivNone {
		return fmt.Errorf("unknown privilege %q", s)
	}
	return nil
}

// HomeCeiling returns the configured home privilege cap, or nil when none
// is set.
func (c *AuthorizationConfig) HomeCeiling() *access.PrivilegeSet {
	if len(c.UserHomeMaxPrivileges) == 0 {
		return nil
	}
	privs := make([]access.Privilege, 0, len(c.UserHomeMaxPrivileges))
	for _, name := range c.UserHomeMaxPrivileges {
		privs = append(privs, access.ParsePrivilege(name))
	}
	set := access.NewSet(privs...)
	return &set
}

// HierarchyConfig lays out the collection tree.
type HierarchyConfig struct {
	UserRoot   string `yaml:"user_root"`
	PublicRoot string `yaml:"public_root"`
	// RootGrants maps a grantee to the privileges the roots give it. A
	// grantee is "all", "authenticated", "unauthenticated" or a principal
	// href.
	RootGrants map[string][]string `yaml:"root_grants"`
	// DefaultCalendar names the calendar provisioned in every home.
	DefaultCalendar string `yaml:"default_calendar"`
}

// Validate validates the hierarchy configuration.
func (c *HierarchyConfig) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.UserRoot, validation.Required, validation.By(absolutePath)),
		validation.Field(&c.PublicRoot, validation.By(absolutePath)),
		validation.Field(&c.DefaultCalendar, validation.By(func(value any) error {
			name, _ := value.(string)
			if name == "" {
				return nil
			}
			return hierarchy.ValidateName(name, true)
		})),
	)
	if err != nil {
		return err
	}
	for who, privs := range c.RootGrants {
		if _, err := grantee(who); err != nil {
			return err
		}
		for _, p := range privs {
			if err := privilegeName(p); err != nil {
				return fmt.Errorf("root_grants %s: %w", who, err)
			}
		}
	}
	return nil
}

func absolutePath(value any) error {
	s, _ := value.(string)
	if s != "" && !strings.HasPrefix(s, "/") {
		return errors.New("must start with /")
	}
	return nil
}

func grantee(name string) (access.Who, error) {
	switch name {
	case "all":
		return access.Who{Type: access.WhoAll}, nil
	case "authenticated":
		return access.Who{Type: access.WhoAuthenticated}, nil
	case "unauthenticated":
		return access.Who{Type: access.WhoUnauthenticated}, nil
	}
	if strings.HasPrefix(name, "/") {
		return access.User(name), nil
	}
	return access.Who{}, fmt.Errorf("root_grants: unknown grantee %q", name)
}

// RootACL encodes the root grants as an ACL.
func (c *HierarchyConfig) RootACL() (string, error) {
	if len(c.RootGrants) == 0 {
		return "", nil
	}
	acl := &access.Acl{}
	for who, names := range c.RootGrants {
		w, err := grantee(who)
		if err != nil {
			return "", err
		}
		privs := make([]access.Privilege, 0, len(names))
		for _, n := range names {
			privs = append(privs, access.ParsePrivilege(n))
		}
		acl.Set(w, access.NewSet(privs...))
	}
	return acl.Encode(), nil
}

// PrincipalConfig declares one principal of the static directory.
type PrincipalConfig struct {
	Href      string   `yaml:"href"`
	Account   string   `yaml:"account"`
	Groups    []string `yaml:"groups"`
	Superuser bool     `yaml:"superuser"`
}

// Validate validates the principal entry.
func (c *PrincipalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Href, validation.Required, validation.By(absolutePath)),
		validation.Field(&c.Account, validation.Required),
		validation.Field(&c.Groups, validation.Each(validation.By(absolutePath))),
	)
}

// MaintenanceConfig schedules housekeeping.
type MaintenanceConfig struct {
	// PurgeSchedule is a standard five-field cron expression. Empty
	// disables scheduled purges.
	PurgeSchedule string `yaml:"purge_schedule"`
	// TombstoneRetention is how long tombstones are kept before a purge
	// removes them.
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
}

// Validate validates the maintenance configuration.
func (c *MaintenanceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.PurgeSchedule, validation.By(func(value any) error {
			spec, _ := value.(string)
			if spec == "" {
				return nil
			}
			_, err := cron.ParseStandard(spec)
			return err
		})),
		validation.Field(&c.TombstoneRetention, validation.Min(time.Hour)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel: slog.LevelInfo,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
		},
		Authorization: AuthorizationConfig{
			MaxYears:     recurrence.DefaultLimits.MaxYears,
			MaxInstances: recurrence.DefaultLimits.MaxInstances,
		},
		Hierarchy: HierarchyConfig{
			UserRoot:        "/user",
			PublicRoot:      "/public",
			RootGrants:      map[string][]string{"authenticated": {"read-free-busy"}},
			DefaultCalendar: "calendar",
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:      "0 3 * * *",
			TombstoneRetention: 30 * 24 * time.Hour,
		},
	}
}

// Engine translates the configuration into engine settings.
func (c *Config) Engine() (engine.Config, error) {
	rootACL, err := c.Hierarchy.RootACL()
	if err != nil {
		return engine.Config{}, apperr.Config(err, "bad root grants")
	}
	cfg := engine.DefaultConfig()
	cfg.Hierarchy.UserRoot = c.Hierarchy.UserRoot
	cfg.Hierarchy.PublicRoot = c.Hierarchy.PublicRoot
	cfg.Hierarchy.RootACL = rootACL
	if name := c.Hierarchy.DefaultCalendar; name != "" {
		names := make(map[storage.CalType]string, len(hierarchy.DefaultSpecialNames))
		for ct, n := range hierarchy.DefaultSpecialNames {
			names[ct] = n
		}
		names[storage.CalTypeCalendar] = name
		cfg.Hierarchy.SpecialNames = names
	}
	cfg.Limits = recurrence.Limits{
		MaxYears:     c.Authorization.MaxYears,
		MaxInstances: c.Authorization.MaxInstances,
	}
	cfg.UserHomeMaxPrivileges = c.Authorization.HomeCeiling()
	return cfg, nil
}

// Directory builds the static principal directory.
func (c *Config) Directory() *access.StaticDirectory {
	dir := access.NewStaticDirectory(c.Hierarchy.UserRoot)
	for _, p := range c.Principals {
		dir.Add(&access.Principal{
			Href:      p.Href,
			Account:   p.Account,
			Groups:    p.Groups,
			Superuser: p.Superuser,
		})
	}
	return dir
}
