// Package config loads the palisade HCL configuration.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/palisade/internal/rule"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultDBPath     = "/var/lib/palisade/policy.db"
	DefaultSocketPath = "/run/palisade/ctl.sock"
	DefaultConfigPath = "/etc/palisade/palisade.hcl"
)

// Config is the top-level configuration.
type Config struct {
	DBPath     string `hcl:"db_path,optional"`
	SocketPath string `hcl:"socket_path,optional"`
	LogLevel   string `hcl:"log_level,optional"`

	// PurgeOnStart removes rules whose executables no longer exist on
	// disk during startup.
	PurgeOnStart bool `hcl:"purge_on_start,optional"`

	Driver  *DriverConfig `hcl:"driver,block"`
	Options *Options      `hcl:"options,block"`
	Groups  []GroupConfig `hcl:"group,block"`
}

// DriverConfig selects the filter transport.
type DriverConfig struct {
	// Mode is "device" (the kernel filter node) or "loopback" (an
	// in-process emulation for development and tests).
	Mode string `hcl:"mode,optional"`

	DevicePath string `hcl:"device_path,optional"`
}

// Options are the global filter flags carried in every snapshot.
type Options struct {
	FilterEnabled   bool `hcl:"filter_enabled,optional"`
	StopTraffic     bool `hcl:"stop_traffic,optional"`
	StopInetTraffic bool `hcl:"stop_inet_traffic,optional"`
	LogStat         bool `hcl:"log_stat,optional"`
}

// GroupConfig is one ordered rule group; block order defines priority.
type GroupConfig struct {
	Name    string `hcl:"name,label"`
	Enabled bool   `hcl:"enabled,optional"`
}

// Load reads and decodes the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes config from bytes; the filename only shapes
// diagnostics.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Driver == nil {
		c.Driver = &DriverConfig{}
	}
	if c.Driver.Mode == "" {
		c.Driver.Mode = "device"
	}
	if c.Options == nil {
		c.Options = &Options{FilterEnabled: true}
	}
	if len(c.Groups) == 0 {
		c.Groups = []GroupConfig{{Name: "Main", Enabled: true}}
	}
}

// Validate rejects configurations the filter cannot represent.
func (c *Config) Validate() error {
	if len(c.Groups) > rule.MaxGroups {
		return fmt.Errorf("config: %d groups exceeds the filter limit of %d", len(c.Groups), rule.MaxGroups)
	}
	seen := make(map[string]bool)
	for _, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("config: group with empty name")
		}
		if seen[g.Name] {
			return fmt.Errorf("config: duplicate group %q", g.Name)
		}
		seen[g.Name] = true
	}
	switch c.Driver.Mode {
	case "device", "loopback":
	default:
		return fmt.Errorf("config: unknown driver mode %q", c.Driver.Mode)
	}
	return nil
}

// Conf builds the rule.Conf aggregate: global options plus groups
// ordered by their block position.
func (c *Config) Conf() *rule.Conf {
	conf := &rule.Conf{
		FilterEnabled:   c.Options.FilterEnabled,
		StopTraffic:     c.Options.StopTraffic,
		StopInetTraffic: c.Options.StopInetTraffic,
		LogStat:         c.Options.LogStat,
	}
	for i, g := range c.Groups {
		conf.Groups = append(conf.Groups, rule.Group{
			OrderIndex: i,
			Name:       g.Name,
			Enabled:    g.Enabled,
		})
	}
	return conf
}
