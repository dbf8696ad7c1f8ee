package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/models"
)

var (
	listLimit int
	alertsAll bool
	alertsBy  string
)

// alertsCmd represents the alerts parent command
var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and acknowledge security alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAlertsList,
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack ID...",
	Short: "Acknowledge one or more alerts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAlertsAck,
}

// attemptsCmd represents the attempts parent command
var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect recorded intrusion attempts",
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent intrusion attempts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAttemptsList,
}

// overviewCmd prints the dashboard counters.
var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Summarize attempts, blocks and alerts",
	Args:  cobra.NoArgs,
	RunE:  runOverview,
}

func init() {
	rootCmd.AddCommand(alertsCmd, attemptsCmd, overviewCmd)
	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd)
	attemptsCmd.AddCommand(attemptsListCmd)

	alertsListCmd.Flags().BoolVar(&alertsAll, "all", false, "Include acknowledged alerts")
	alertsAckCmd.Flags().StringVar(&alertsBy, "by", "", "Operator recorded with the acknowledgement (default: $USER)")
	for _, c := range []*cobra.Command{alertsListCmd, attemptsListCmd} {
		c.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of rows")
	}
}

func runAlertsList(cmd *cobra.Command, _ []string) error {
	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	alerts, err := def.Alerts().List(cmd.Context(), models.AlertFilter{
		IncludeAcknowledged: alertsAll,
		Limit:               listLimit,
	})
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []models.SecurityAlert{}
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, alerts)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "No alerts.")
		return nil
	}

	tw := newTable(out, "ID\tCREATED\tTYPE\tSEVERITY\tACK BY\tMESSAGE")
	for _, a := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, formatTime(a.CreatedAt), a.AlertType, a.Severity, orDash(a.AcknowledgedBy), a.Message)
	}
	return tw.Flush()
}

func runAlertsAck(cmd *cobra.Command, args []string) error {
	by := alertsBy
	if by == "" {
		by = operatorName()
	}

	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	var errs []error
	for _, id := range args {
		if err := def.Alerts().Acknowledge(cmd.Context(), id, by); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				err = fmt.Errorf("alert %s not found", id)
			}
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Acknowledged %s\n", id)
	}
	return errors.Join(errs...)
}

func runAttemptsList(cmd *cobra.Command, _ []string) error {
	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	attempts, err := def.Ledger().Recent(cmd.Context(), listLimit)
	if err != nil {
		return err
	}
	if attempts == nil {
		attempts = []models.IntrusionAttempt{}
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, attempts)
	}
	if len(attempts) == 0 {
		fmt.Fprintln(out, "No attempts recorded.")
		return nil
	}

	tw := newTable(out, "CREATED\tIP\tTYPE\tSEVERITY\tBLOCKED\tENDPOINT\tSAMPLE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			formatTime(a.CreatedAt), a.IPAddress, a.AttackType, a.Severity, a.Blocked,
			orDash(a.Endpoint), defense.Truncate(orDash(a.PayloadSample), 40))
	}
	return tw.Flush()
}

func runOverview(cmd *cobra.Command, _ []string) error {
	def, closeFn, err := openDefense(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	ov, err := def.Overview(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, ov)
	}

	fmt.Fprintf(out, "📊 Security overview (%s)\n", formatTime(ov.GeneratedAt))
	fmt.Fprintf(out, "   Attempts in the last 24h: %d\n", ov.AttemptsLast24h)
	fmt.Fprintf(out, "   Active blocks:            %d\n", ov.ActiveBlocks)
	fmt.Fprintf(out, "   Unacknowledged alerts:    %d\n", ov.UnacknowledgedAlerts)

	if len(ov.AttemptsByType) > 0 {
		fmt.Fprintln(out, "\n   Attempts by type:")
		for _, t := range models.AttackTypes {
			if n := ov.AttemptsByType[t]; n > 0 {
				fmt.Fprintf(out, "     %-22s %d\n", t, n)
			}
		}
	}
	if len(ov.AttemptsBySeverity) > 0 {
		fmt.Fprintln(out, "\n   Attempts by severity:")
		sevs := make([]models.Severity, 0, len(ov.AttemptsBySeverity))
		for s := range ov.AttemptsBySeverity {
			sevs = append(sevs, s)
		}
		sort.Slice(sevs, func(i, j int) bool { return sevs[i].Rank() > sevs[j].Rank() })
		for _, s := range sevs {
			fmt.Fprintf(out, "     %-22s %d\n", s, ov.AttemptsBySeverity[s])
		}
	}
	return nil
}
