package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

var intakeCmd = &cobra.Command{
	Use:   "intake [id]",
	Short: "Create a work item at the first stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		title, _ := cmd.Flags().GetString("title")
		item, err := e.coord.Intake(cmd.Context(), args[0], title)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, item)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s at stage %s\n", item.ID, item.CurrentStage)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show work items, or one item with its runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		format, _ := cmd.Flags().GetString("format")
		if len(args) == 1 {
			info, err := e.coord.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, info)
			}
			out := cmd.OutOrStdout()
			it := info.Item
			fmt.Fprintf(out, "Item:     %s\n", it.ID)
			if it.Title != "" {
				fmt.Fprintf(out, "Title:    %s\n", it.Title)
			}
			fmt.Fprintf(out, "Status:   %s\n", it.Status)
			fmt.Fprintf(out, "Stage:    %s\n", it.CurrentStage)
			if it.ReturnState != "" {
				fmt.Fprintf(out, "Return:   %s\n", it.ReturnState)
			}
			fmt.Fprintf(out, "Updated:  %s\n", it.UpdatedAt.Local().Format(time.DateTime))
			if len(info.Runs) == 0 {
				fmt.Fprintln(out, "\nNo runs yet.")
				return nil
			}
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTAGE\tSTATUS\tOUTCOME\tWINNER\tSCORE\tGATE")
			for _, r := range info.Runs {
				gate := "-"
				if r.Gate != nil {
					gate = r.Gate.Decision
				}
				winner := r.WinnerAgent
				if winner == "" {
					winner = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
					r.RunID, r.Stage, r.Status, r.Outcome, winner, r.WinnerScore, gate)
			}
			return w.Flush()
		}

		status, _ := cmd.Flags().GetString("status")
		items, err := e.coord.StatusAll(cmd.Context(), status)
		if err != nil {
			return err
		}
		if format == "json" {
			if items == nil {
				items = []db.WorkItem{}
			}
			return writeJSON(cmd, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No work items found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tRUNNING\tTITLE")
		for _, it := range items {
			running := ""
			if e.coord.Running(it.ID) {
				running = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.Status, it.CurrentStage, running, truncate(it.Title, 40))
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [id]",
	Short: "Show the pipeline event history of a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := d.Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if events == nil {
				events = []db.PipelineEvent{}
			}
			return writeJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No events for %s.\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tSTAGE\tRUN\tDETAIL")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.Timestamp.Local().Format(time.DateTime), ev.Event, ev.Stage, ev.RunID, truncate(ev.Detail, 60))
		}
		return w.Flush()
	},
}

func init() {
	intakeCmd.Flags().String("title", "", "Work item title")
	intakeCmd.Flags().String("format", "text", "Output format: text or json")

	statusCmd.Flags().String("status", "", "Filter by status: active, halted, completed, archived")
	statusCmd.Flags().String("format", "text", "Output format: text or json")

	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
