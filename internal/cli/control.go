package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel the active run of a work item",
	Long: `Runs are owned by the process that started them, so cancel talks to the
specpipe serve instance that is running the item. Use Ctrl-C to stop a run
started by "specpipe run" or "specpipe drive".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			addr = s.HTTP.Addr
		}
		base := addr
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		endpoint := strings.TrimRight(base, "/") + "/api/v1/items/" + url.PathEscape(args[0]) + "/cancel"

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("reach specpipe serve at %s: %w", addr, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode != http.StatusAccepted {
			var apiErr struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
				return fmt.Errorf("cancel %s: %s", args[0], apiErr.Error)
			}
			return fmt.Errorf("cancel %s: %s", args[0], resp.Status)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s\n", args[0])
		return nil
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override [id]",
	Short: "Record a human decision and move a halted work item past its stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		if actor == "" || reason == "" {
			return fmt.Errorf("--actor and --reason are required")
		}

		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		item, err := e.coord.Override(cmd.Context(), args[0], actor, reason)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, item)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Overridden %s: now %s at %s\n", item.ID, item.Status, item.CurrentStage)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Re-activate a halted work item at its current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		item, err := e.coord.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, item)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s at %s\n", item.ID, item.CurrentStage)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reclaim stale run locks left by crashed processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		recovered, err := e.coord.Recover(cmd.Context())
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, recovered)
		}
		if len(recovered) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stale locks.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM\tSTAGE\tRUN\tHOLDER\tACQUIRED")
		for _, r := range recovered {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Lock.WorkItemID, r.Lock.Stage, r.Lock.RunID, r.Lock.Holder, r.Lock.AcquiredAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func init() {
	cancelCmd.Flags().String("addr", "", "Address of specpipe serve (default from settings)")

	overrideCmd.Flags().String("actor", "", "Who is making the decision")
	overrideCmd.Flags().String("reason", "", "Why the item may proceed")
	overrideCmd.Flags().String("format", "text", "Output format: text or json")

	resumeCmd.Flags().String("format", "text", "Output format: text or json")
	recoverCmd.Flags().String("format", "text", "Output format: text or json")
}
