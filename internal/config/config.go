// Package config handles configuration loading and management for warden.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inercia/warden/internal/appdir"
	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/ratelimit"
	"github.com/inercia/warden/internal/store"
	"github.com/inercia/warden/internal/web"
)

// PathEnv overrides the configuration file location.
const PathEnv = "WARDEN_CONFIG"

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the console level: debug, info, warn or error.
	Level string `yaml:"level"`
	// FileLevel is the file level. Empty means Level.
	FileLevel  string                `yaml:"file_level"`
	JSON       bool                  `yaml:"json"`
	Components []string              `yaml:"components"`
	File       logging.FileLogConfig `yaml:"file"`
}

// Logging converts to the logging package configuration.
func (c LoggingConfig) Logging() logging.Config {
	cfg := logging.Config{
		Level:      c.Level,
		FileLevel:  c.FileLevel,
		JSON:       c.JSON,
		Components: c.Components,
	}
	if c.File.Path != "" {
		file := c.File
		cfg.File = &file
	}
	return cfg
}

// Config represents the complete warden configuration.
type Config struct {
	Server     web.ServerConfig      `yaml:"server"`
	Database   store.Config          `yaml:"database"`
	Redis      ratelimit.RedisConfig `yaml:"redis"`
	RateLimits []ratelimit.Rule      `yaml:"rate_limits"`
	Defense    defense.Config        `yaml:"defense"`
	Gatekeeper web.GatekeeperConfig  `yaml:"gatekeeper"`
	CSPReport  web.IntakeLimitConfig `yaml:"csp_report"`
	Admin      web.AdminConfig       `yaml:"admin"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:     web.DefaultServerConfig(),
		Database:   store.Config{Driver: store.DriverSQLite},
		RateLimits: ratelimit.DefaultRules(),
		Defense:    defense.DefaultConfig(),
		Gatekeeper: web.DefaultGatekeeperConfig(),
		CSPReport:  web.DefaultIntakeLimitConfig(),
		Admin:      web.DefaultAdminConfig(),
		Logging:    LoggingConfig{Level: "info"},
	}
}

// ConfigSource indicates where the configuration was loaded from.
type ConfigSource int

const (
	// ConfigSourceDefaults means no file was found and built-in defaults apply.
	ConfigSourceDefaults ConfigSource = iota
	// ConfigSourceDataDir means the file in the data directory was used.
	ConfigSourceDataDir
	// ConfigSourceEnv means the file named by $WARDEN_CONFIG was used.
	ConfigSourceEnv
	// ConfigSourceCustomFile means the file given with --config was used.
	ConfigSourceCustomFile
)

func (s ConfigSource) String() string {
	switch s {
	case ConfigSourceDataDir:
		return "data-dir"
	case ConfigSourceEnv:
		return "env"
	case ConfigSourceCustomFile:
		return "custom-file"
	default:
		return "defaults"
	}
}

// LoadResult contains the loaded configuration and metadata about its source.
type LoadResult struct {
	Config *Config
	Source ConfigSource
	// SourcePath is the file that was read, or the path that would have
	// been read when Source is ConfigSourceDefaults.
	SourcePath string
}

// LoadWithFallback resolves the configuration file in this order:
//  1. explicitPath (the --config flag), which must exist
//  2. $WARDEN_CONFIG, which must exist
//  3. warden.yaml in the data directory, if present
//  4. built-in defaults
func LoadWithFallback(explicitPath string) (*LoadResult, error) {
	if explicitPath != "" {
		cfg, err := Load(explicitPath)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Config: cfg, Source: ConfigSourceCustomFile, SourcePath: explicitPath}, nil
	}

	if envPath := os.Getenv(PathEnv); envPath != "" {
		cfg, err := Load(envPath)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Config: cfg, Source: ConfigSourceEnv, SourcePath: envPath}, nil
	}

	path, err := appdir.ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Config: cfg, Source: ConfigSourceDataDir, SourcePath: path}, nil
	}

	cfg := Default()
	if err := cfg.applyDerived(); err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Source: ConfigSourceDefaults, SourcePath: path}, nil
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses YAML over the defaults, fills derived values and validates
// the result. Keys absent from data keep their default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyDerived(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerived fills values that depend on the environment.
func (c *Config) applyDerived() error {
	if c.Database.Driver == "" {
		c.Database.Driver = store.DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == store.DriverSQLite {
		path, err := appdir.DatabasePath()
		if err != nil {
			return err
		}
		c.Database.DSN = path
	}
	return nil
}

// Validate checks every section and returns all problems found.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("server", c.Server.Validate())
	add("database", c.Database.Validate())
	add("defense", c.Defense.Validate())
	add("rate_limits", ValidateRules(c.RateLimits))

	switch c.Gatekeeper.Sanitize {
	case "", web.SanitizeOff, web.SanitizeUGC, web.SanitizeStrict:
	default:
		add("gatekeeper", fmt.Errorf("unknown sanitize mode %q", c.Gatekeeper.Sanitize))
	}
	if c.Gatekeeper.MaxScanBytes < 0 {
		add("gatekeeper", errors.New("max_scan_bytes must not be negative"))
	}
	if c.CSPReport.RequestsPerSecond < 0 || c.CSPReport.BurstSize < 0 {
		add("csp_report", errors.New("rates must not be negative"))
	}
	if len(c.Admin.Tokens) > 0 {
		add("admin", c.Admin.Validate())
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging", fmt.Errorf("unknown level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// ValidateRules checks each rate-limit rule and that names are unique.
func ValidateRules(rules []ratelimit.Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Marshal renders the configuration as YAML. Admin tokens are redacted.
func (c *Config) Marshal() ([]byte, error) {
	redacted := *c
	if len(c.Admin.Tokens) > 0 {
		redacted.Admin.Tokens = make(map[string]string, len(c.Admin.Tokens))
		for name := range c.Admin.Tokens {
			redacted.Admin.Tokens[name] = "********"
		}
	}
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "********"
	}
	return yaml.Marshal(&redacted)
}
