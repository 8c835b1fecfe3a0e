package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

var analyticsAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Win and failure rates per agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		since, _ := cmd.Flags().GetString("since")
		rows, err := analytics.QueryAgentWinRates(cmd.Context(), d, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No agent outputs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tRUNS\tWINS\tWIN%\tFAILURES\tFAIL%")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%d\t%.1f\n", r.Agent, r.Runs, r.Wins, r.WinRate, r.Failures, r.FailureRate)
		}
		return w.Flush()
	},
}

var analyticsStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Run outcomes per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		since, _ := cmd.Flags().GetString("since")
		rows, err := analytics.QueryStageOutcomes(cmd.Context(), d, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tADVANCED\tHALTED\tESCALATED\tCANCELLED\tCONFLICTS\tDEGRADED\tMEAN SCORE")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.3f\n",
				r.Stage, r.Total, r.Advanced, r.Halted, r.Escalated, r.Cancelled, r.Conflicts, r.Degraded, r.MeanScore)
		}
		return w.Flush()
	},
}

var analyticsCheckpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Escalation rates per quality checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		since, _ := cmd.Flags().GetString("since")
		rows, err := analytics.QueryEscalationRates(cmd.Context(), d, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No gate decisions recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHECKPOINT\tTOTAL\tAUTO\tESCALATED\tTO HUMAN\tOVERRIDDEN\tESC%")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\n",
				r.Checkpoint, r.Total, r.AutoApplied, r.Escalated, r.ToHuman, r.Overridden, r.Escalation)
		}
		return w.Flush()
	},
}

var analyticsDurationsCmd = &cobra.Command{
	Use:   "durations",
	Short: "Average and percentile run durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		since, _ := cmd.Flags().GetString("since")
		rows, err := analytics.QueryStageDurations(cmd.Context(), d, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tAVG(s)\tP50(s)\tP95(s)")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
		}
		return w.Flush()
	},
}

var analyticsTimelineCmd = &cobra.Command{
	Use:   "timeline [id]",
	Short: "Events, gate decisions and overrides of one work item in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := analytics.QueryItemTimeline(cmd.Context(), d, args[0])
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No history for %s.\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tEVENT\tSTAGE\tDETAIL")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp, r.Type, r.Event, r.Stage, truncate(r.Detail, 70))
		}
		return w.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{analyticsAgentsCmd, analyticsStagesCmd, analyticsCheckpointsCmd, analyticsDurationsCmd} {
		c.Flags().String("since", "", "Only include runs started after this RFC3339 timestamp")
		c.Flags().String("format", "text", "Output format: text or json")
		analyticsCmd.AddCommand(c)
	}
	analyticsTimelineCmd.Flags().String("format", "text", "Output format: text or json")
	analyticsCmd.AddCommand(analyticsTimelineCmd)
}
