package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/warden/config"
	"github.com/inercia/warden/internal/appdir"
	"github.com/inercia/warden/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage warden configuration",
	Long: `Manage warden configuration files.

Use the subcommands to create or inspect configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a documented default configuration file.

This command writes the embedded default configuration (warden.default.yaml)
to warden.yaml in the warden data directory, or in the directory given with
--output. Every setting in the file is the built-in default.

Examples:
  warden config create                    # Create $WARDEN_DIR/warden.yaml
  warden config create --output /etc/warden
  warden config create --force            # Overwrite existing file`,
	Args: cobra.NoArgs,
	RunE: runConfigCreate,
}

// configShowCmd prints the effective configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd, configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Directory to write the config file (default: the warden data directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, _ []string) error {
	outputDir := configOutputPath
	if outputDir == "" {
		dir, err := appdir.Dir()
		if err != nil {
			return fmt.Errorf("failed to get warden directory: %w", err)
		}
		outputDir = dir
	}
	path := filepath.Join(outputDir, appdir.ConfigFileName)
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Fprintf(out, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", outputDir, err)
	}
	if err := fileutil.WriteAtomic(path, embeddedconfig.DefaultConfigYAML, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set server.upstream to your application")
	fmt.Fprintln(out, "  2. Add admin tokens to enable the admin API")
	fmt.Fprintln(out, "  3. Run 'warden serve'")
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# source: %s (%s)\n", configResult.SourcePath, configResult.Source)
	_, err = out.Write(data)
	return err
}
