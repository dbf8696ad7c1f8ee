// Package cmd provides the CLI commands for warden.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/warden/internal/appdir"
	"github.com/inercia/warden/internal/config"
	"github.com/inercia/warden/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	jsonOutput    bool

	// Loaded configuration
	cfg *config.Config
	// configResult contains metadata about where config was loaded from
	configResult *config.LoadResult
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - adaptive request defense for web applications",
	Long: `warden sits in front of a web application and screens every request.

It rate-limits clients, scans parameters for injection payloads, records
suspicious attempts, blocks abusive IPs automatically and raises alerts
for operators. Allowed requests are proxied to the upstream application.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create warden directory: %w", err)
		}

		// Load configuration using the hierarchy:
		// 1. --config flag (explicit path)
		// 2. $WARDEN_CONFIG
		// 3. warden.yaml in the data directory
		// 4. built-in defaults
		var err error
		configResult, err = config.LoadWithFallback(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = configResult.Config

		if err := logging.Initialize(effectiveLogging(cfg.Logging)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Settings().Debug("config_loaded",
			"source", configResult.Source.String(),
			"path", configResult.SourcePath,
		)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides $WARDEN_CONFIG and the data directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config, else info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'defense,gatekeeper'). Empty means all components.")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print command results as JSON")
}

// effectiveLogging merges the logging flags over the configuration.
// Priority: --log-level flag > --debug flag > config > info.
func effectiveLogging(lc config.LoggingConfig) logging.Config {
	out := lc.Logging()
	switch {
	case logLevel != "":
		out.Level = logLevel
	case debug:
		out.Level = "debug"
	case out.Level == "":
		out.Level = "info"
	}
	if logFile != "" {
		file := lc.File
		file.Path = logFile
		out.File = &file
	}
	if components := splitList(logComponents); len(components) > 0 {
		out.Components = components
	}
	return out
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
