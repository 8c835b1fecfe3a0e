package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/config"
	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/orchestrator"
	"github.com/theturtlecsz/code-sub000/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline API and run work items in the background",
	Long: `Starts the JSON API on the configured address. On startup stale run locks
left by crashed processes are recovered. The pipeline file is watched and
reloaded on change; runs in progress keep the config they started with.
Free pages are reclaimed on the vacuum interval.

With --read-only the control routes (intake, run, cancel, override, resume)
are not registered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := e.db.VerifyPragmas(ctx); err != nil {
			return err
		}

		recovered, err := e.coord.Recover(ctx)
		if err != nil {
			return err
		}
		for _, r := range recovered {
			e.log.WithWorkItem(r.Lock.WorkItemID).Warn("recovered stale run",
				"stage", r.Lock.Stage, "run_id", r.Lock.RunID, "holder", r.Lock.Holder)
		}

		if e.pipelinePath != "" {
			w, err := config.NewWatcher(e.pipelinePath)
			if err != nil {
				return err
			}
			defer w.Close()
			w.OnReload(func(cfg *config.PipelineConfig) {
				e.coord.SetConfig(cfg)
				e.log.Info("pipeline config reloaded", "path", e.pipelinePath, "stages", len(cfg.Pipeline.Stages))
			})
			w.OnError(func(err error) {
				e.log.Warn("pipeline config reload rejected", "path", e.pipelinePath, "error", err.Error())
			})
			go w.Run(ctx)
		}

		vac := db.NewVacuumer(e.db, e.settings.Vacuum.Interval, e.settings.Vacuum.Pages)
		vac.OnCycle(func(stats db.VacuumStats, err error) {
			if err != nil {
				e.log.Warn("vacuum cycle failed", "error", err.Error())
				return
			}
			e.metrics.RecordVacuum(ctx, stats.Reclaimed)
			if stats.Reclaimed > 0 {
				e.log.Info("vacuum cycle", "reclaimed", stats.Reclaimed, "steps", stats.Steps)
			}
		})
		go vac.Run(ctx)

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = e.settings.HTTP.Addr
		}
		var coord *orchestrator.Coordinator
		if readOnly, _ := cmd.Flags().GetBool("read-only"); !readOnly {
			coord = e.coord
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "specpipe serving on http://%s\n", addr)
		return web.NewServer(e.db, coord, e.log).Start(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from settings)")
	serveCmd.Flags().Bool("read-only", false, "Serve status routes only")
}
