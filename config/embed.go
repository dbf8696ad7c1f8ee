// Package config provides the embedded default configuration for warden.
package config

import (
	_ "embed"
)

// DefaultConfigYAML is the documented default configuration. It is written
// out by "warden config create" and parses to the built-in defaults.
//
//go:embed warden.default.yaml
var DefaultConfigYAML []byte
