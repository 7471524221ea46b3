// Package config loads the jailbridge configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the configuration is read from when no path is given.
const DefaultPath = "/etc/jailbridge/config.yaml"

// InjectMode controls when compatibility libraries are injected.
type InjectMode string

const (
	InjectAuto   InjectMode = "auto"   // only when the app asks for a graphics capability
	InjectAlways InjectMode = "always" // every launch
	InjectNever  InjectMode = "never"
)

// ResourceSpec declares an extra catalog entry, or overrides a built-in one
// with the same name.
type ResourceSpec struct {
	Name       string `yaml:"name"`
	HostPath   string `yaml:"host_path,omitempty"`
	JailPath   string `yaml:"jail_path,omitempty"`
	Kind       string `yaml:"kind,omitempty"`
	Required   *bool  `yaml:"required,omitempty"`
	ReadOnly   *bool  `yaml:"read_only,omitempty"`
	Capability string `yaml:"capability,omitempty"`
}

// LibraryConfig lists the host directories probed for graphics libraries.
type LibraryConfig struct {
	SearchDirs []string `yaml:"search_dirs,omitempty"`
	ICDDirs    []string `yaml:"icd_dirs,omitempty"`
	DRIDirs    []string `yaml:"dri_dirs,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	StateDir        string         `yaml:"state_dir"`
	JailBase        string         `yaml:"jail_base"`
	Debug           bool           `yaml:"debug"`
	MountRetries    int            `yaml:"mount_retries"`
	MountRetryDelay time.Duration  `yaml:"mount_retry_delay"`
	StopGrace       time.Duration  `yaml:"stop_grace"`
	Capabilities    []string       `yaml:"capabilities,omitempty"`
	Inject          InjectMode     `yaml:"inject,omitempty"`
	Resources       []ResourceSpec `yaml:"resources,omitempty"`
	Libraries       LibraryConfig  `yaml:"libraries,omitempty"`
	Log             LogConfig      `yaml:"log,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:        "/var/lib/jailbridge",
		JailBase:        "/var/run/jailbridge",
		MountRetries:    3,
		MountRetryDelay: 200 * time.Millisecond,
		StopGrace:       10 * time.Second,
		Capabilities:    []string{"fonts", "network"},
		Inject:          InjectAuto,
		Libraries: LibraryConfig{
			SearchDirs: []string{
				"/usr/lib/x86_64-linux-gnu",
				"/usr/lib64",
				"/usr/lib",
				"/lib/x86_64-linux-gnu",
				"/lib64",
				"/lib",
			},
			ICDDirs: []string{
				"/usr/share/vulkan/icd.d",
				"/etc/vulkan/icd.d",
			},
			DRIDirs: []string{
				"/usr/lib/x86_64-linux-gnu/dri",
				"/usr/lib64/dri",
				"/usr/lib/dri",
			},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the configuration at path on top of the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from JAILBRIDGE_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("JAILBRIDGE_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("JAILBRIDGE_DEBUG: %w", err)
		}
		c.Debug = debug
	}
	if v := getenv("JAILBRIDGE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := getenv("JAILBRIDGE_JAIL_BASE"); v != "" {
		c.JailBase = v
	}
	return nil
}

// Validate checks field ranges and enums.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.JailBase == "" {
		return fmt.Errorf("jail_base is required")
	}
	if c.MountRetries < 0 {
		return fmt.Errorf("mount_retries must not be negative")
	}
	switch c.Inject {
	case "":
		c.Inject = InjectAuto
	case InjectAuto, InjectAlways, InjectNever:
	default:
		return fmt.Errorf("inject must be auto, always or never (got %q)", c.Inject)
	}
	for i, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resources[%d]: name is required", i)
		}
	}
	return nil
}
