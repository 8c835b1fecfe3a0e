package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/telemetry"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, s, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		v, err := d.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is at schema version %d\n", s.DBPath, v)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all pipeline state and recreate the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		d, s, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := d.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", s.DBPath)
		return nil
	},
}

var dbVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Reclaim free pages incrementally",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, s, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		pages, _ := cmd.Flags().GetInt("pages")
		if pages <= 0 {
			pages = s.Vacuum.Pages
		}
		stats, err := db.NewVacuumer(d, s.Vacuum.Interval, pages).RunCycle(cmd.Context())
		if err != nil {
			return err
		}
		if m, err := telemetry.New(nil); err == nil {
			m.RecordVacuum(cmd.Context(), stats.Reclaimed)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, stats)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d bytes in %d step(s): %d -> %d\n",
			stats.Reclaimed, stats.Steps, stats.SizeBefore, stats.SizeAfter)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show schema version, row counts and reclaimable space",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, s, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		ctx := cmd.Context()

		version, err := d.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		reclaimable, err := d.EstimateReclaimable(ctx)
		if err != nil {
			return err
		}
		tables := []string{"work_items", "consensus_runs", "agent_outputs", "gate_decisions", "overrides", "pipeline_events", "run_locks"}
		counts := make(map[string]int, len(tables))
		for _, t := range tables {
			n, err := d.CountRows(ctx, t)
			if err != nil {
				return err
			}
			counts[t] = n
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{
				"path":        s.DBPath,
				"version":     version,
				"reclaimable": reclaimable,
				"rows":        counts,
			})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database:    %s\n", s.DBPath)
		fmt.Fprintf(out, "Schema:      v%d\n", version)
		fmt.Fprintf(out, "Reclaimable: %d bytes\n\n", reclaimable)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tROWS")
		for _, t := range tables {
			fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
		}
		return w.Flush()
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbVacuumCmd.Flags().Int("pages", 0, "Pages freed per increment (default from settings)")
	dbVacuumCmd.Flags().String("format", "text", "Output format: text or json")
	dbStatsCmd.Flags().String("format", "text", "Output format: text or json")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbVacuumCmd)
	dbCmd.AddCommand(dbStatsCmd)
}
