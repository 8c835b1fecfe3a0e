package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [id]",
	Short: "Run the current stage of a work item once",
	Long: `Dispatches the agents of the item's current stage, scores their answers and
commits the result. The item advances, halts, or is escalated at its
checkpoint. Interrupting the command cancels the run: agents already
answering finish, the rest are skipped and the cancelled run is recorded.
A second interrupt exits at once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := interruptContext(cmd.Context(), e.coord, args)
		defer stop()

		res, err := e.coord.RunStage(ctx, args[0])
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, res)
		}
		return printResults(cmd.OutOrStdout(), []*orchestrator.StageResult{res})
	},
}

var driveCmd = &cobra.Command{
	Use:   "drive [id...]",
	Short: "Run work items stage by stage until each completes or halts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := interruptContext(cmd.Context(), e.coord, args)
		defer stop()

		limit, _ := cmd.Flags().GetInt("concurrency")
		if limit <= 0 {
			limit = e.settings.Concurrency
		}
		results, runErr := drive(ctx, e.coord, args, limit)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if err := writeJSON(cmd, results); err != nil {
				return err
			}
			return runErr
		}
		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var all []*orchestrator.StageResult
		for _, id := range ids {
			all = append(all, results[id]...)
		}
		if err := printResults(cmd.OutOrStdout(), all); err != nil {
			return err
		}
		return runErr
	},
}

// interruptContext cancels the runs of ids on the first SIGINT or SIGTERM and
// then restores default signal handling.
func interruptContext(parent context.Context, coord *orchestrator.Coordinator, ids []string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
		case <-ctx.Done():
			return
		}
		signal.Stop(sig)
		for _, id := range ids {
			if err := coord.Cancel(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, orchestrator.ErrNoActiveRun) {
				fmt.Fprintf(os.Stderr, "cancel %s: %v\n", id, err)
			}
		}
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}

func drive(ctx context.Context, coord *orchestrator.Coordinator, ids []string, limit int) (map[string][]*orchestrator.StageResult, error) {
	if len(ids) == 1 {
		res, err := coord.Drive(ctx, ids[0])
		return map[string][]*orchestrator.StageResult{ids[0]: res}, err
	}
	return coord.RunMany(ctx, ids, limit)
}

func printResults(out io.Writer, results []*orchestrator.StageResult) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "Nothing ran.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tSTAGE\tACTION\tOUTCOME\tWINNER\tSCORE\tMESSAGE")
	for _, r := range results {
		if r == nil {
			continue
		}
		winner := r.Winner
		if winner == "" {
			winner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
			r.WorkItem, r.Stage, r.Action, r.Outcome, winner, r.Score, truncate(r.Message, 60))
	}
	return w.Flush()
}

func init() {
	runCmd.Flags().String("format", "text", "Output format: text or json")

	driveCmd.Flags().Int("concurrency", 0, "Maximum work items driven at once (default from settings)")
	driveCmd.Flags().String("format", "text", "Output format: text or json")
}
