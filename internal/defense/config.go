// Package defense implements the adaptive request-defense pipeline: the
// injection scanner, the attempt ledger, the auto-block engine, the block
// registry and the alert dispatcher.
package defense

import (
	"errors"
	"fmt"
	"time"
)

// Config holds configuration for the defense pipeline.
type Config struct {
	// Whitelist contains CIDR ranges or addresses that are never blocked.
	Whitelist []string `yaml:"whitelist"`

	// Policy holds the auto-block thresholds per attack type.
	Policy Policy `yaml:"policy"`

	// BlockCacheSize is the number of blocked IPs cached in memory. Zero disables the cache.
	BlockCacheSize int `yaml:"block_cache_size"`

	// BlockCacheTTL bounds how long another process's unblock can go unnoticed.
	BlockCacheTTL time.Duration `yaml:"block_cache_ttl"`

	// SweepInterval is how often expired blocks are deactivated. Zero disables the sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvaluationTimeout bounds one background engine evaluation.
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// DefaultConfig returns the default defense configuration.
func DefaultConfig() Config {
	return Config{
		Whitelist:         []string{"127.0.0.0/8", "::1/128"},
		Policy:            DefaultPolicy(),
		BlockCacheSize:    10000,
		BlockCacheTTL:     30 * time.Second,
		SweepInterval:     5 * time.Minute,
		EvaluationTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BlockCacheSize < 0 {
		return errors.New("block_cache_size must not be negative")
	}
	if c.BlockCacheSize > 0 && c.BlockCacheTTL <= 0 {
		return errors.New("block_cache_ttl must be positive when the cache is enabled")
	}
	if c.SweepInterval < 0 {
		return errors.New("sweep_interval must not be negative")
	}
	if c.EvaluationTimeout < 0 {
		return errors.New("evaluation_timeout must not be negative")
	}
	if w := NewWhitelist(c.Whitelist); w.Len() != len(c.Whitelist) {
		return fmt.Errorf("whitelist contains invalid entries: %v", c.Whitelist)
	}
	return c.Policy.Validate()
}
