package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/models"
)

var (
	blockReason    string
	blockSeverity  string
	blockDuration  time.Duration
	blockPermanent bool
	blockBy        string
)

// blocksCmd represents the blocks parent command
var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Inspect and manage IP blocks",
	Long: `Inspect and manage IP blocks in the configured database.

Changes are visible to running gateways on their next lookup. A gateway
may keep serving a removed block from its cache for up to
defense.block_cache_ttl.`,
}

var blocksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocks currently in effect",
	Args:  cobra.NoArgs,
	RunE:  runBlocksList,
}

var blocksAddCmd = &cobra.Command{
	Use:   "add IP",
	Short: "Block an IP address",
	Long: `Block an IP address.

Examples:
  warden blocks add 203.0.113.7 --reason "credential stuffing"
  warden blocks add 203.0.113.7 --duration 24h --severity CRITICAL
  warden blocks add 2001:db8::1 --permanent`,
	Args: cobra.ExactArgs(1),
	RunE: runBlocksAdd,
}

var blocksRemoveCmd = &cobra.Command{
	Use:     "remove IP",
	Aliases: []string{"rm"},
	Short:   "Lift every block for an IP address",
	Args:    cobra.ExactArgs(1),
	RunE:    runBlocksRemove,
}

var blocksSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate blocks whose expiry has passed",
	Args:  cobra.NoArgs,
	RunE:  runBlocksSweep,
}

func init() {
	rootCmd.AddCommand(blocksCmd)
	blocksCmd.AddCommand(blocksListCmd, blocksAddCmd, blocksRemoveCmd, blocksSweepCmd)

	blocksAddCmd.Flags().StringVar(&blockReason, "reason", "Manual block", "Reason recorded with the block")
	blocksAddCmd.Flags().StringVar(&blockSeverity, "severity", string(models.SeverityHigh), "Severity: LOW, MEDIUM, HIGH or CRITICAL")
	blocksAddCmd.Flags().DurationVar(&blockDuration, "duration", time.Hour, "How long the block lasts")
	blocksAddCmd.Flags().BoolVar(&blockPermanent, "permanent", false, "Block until removed (ignores --duration)")
	for _, c := range []*cobra.Command{blocksAddCmd, blocksRemoveCmd} {
		c.Flags().StringVar(&blockBy, "by", "", "Operator recorded with the change (default: $USER)")
	}
}

func runBlocksList(cmd *cobra.Command, _ []string) error {
	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	blocks, err := def.Registry().ListActive(cmd.Context())
	if err != nil {
		return err
	}
	if blocks == nil {
		blocks = []models.IPBlock{}
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, blocks)
	}
	if len(blocks) == 0 {
		fmt.Fprintln(out, "No active blocks.")
		return nil
	}

	tw := newTable(out, "IP\tSEVERITY\tAUTO\tBLOCKED AT\tEXPIRES\tBY\tREASON")
	for _, b := range blocks {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			b.IPAddress, b.Severity, b.AutoBlocked, formatTime(b.BlockedAt),
			formatExpiry(b.ExpiresAt), orDash(b.BlockedBy), b.Reason)
	}
	return tw.Flush()
}

func runBlocksAdd(cmd *cobra.Command, args []string) error {
	sev, err := models.ParseSeverity(strings.ToUpper(blockSeverity))
	if err != nil {
		return err
	}
	duration := blockDuration
	if blockPermanent {
		duration = 0
	} else if duration <= 0 {
		return errors.New("--duration must be positive; use --permanent for a block without expiry")
	}
	by := blockBy
	if by == "" {
		by = operatorName()
	}

	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	block, err := def.Registry().Block(cmd.Context(), defense.BlockRequest{
		IPAddress: args[0],
		Reason:    blockReason,
		Severity:  sev,
		Duration:  duration,
		BlockedBy: by,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, block)
	}
	fmt.Fprintf(out, "🚫 Blocked %s until %s (id %s)\n", block.IPAddress, formatExpiry(block.ExpiresAt), block.ID)
	return nil
}

func runBlocksRemove(cmd *cobra.Command, args []string) error {
	by := blockBy
	if by == "" {
		by = operatorName()
	}

	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	if err := def.Registry().Unblock(cmd.Context(), args[0], by); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("no active block for %s", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Unblocked %s\n", args[0])
	return nil
}

func runBlocksSweep(cmd *cobra.Command, _ []string) error {
	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := def.Registry().SweepExpired(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🧹 Deactivated %d expired block(s)\n", n)
	return nil
}
