package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/checks"
	"github.com/theturtlecsz/code-sub000/internal/config"
	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/evidence"
	"github.com/theturtlecsz/code-sub000/internal/logging"
	"github.com/theturtlecsz/code-sub000/internal/orchestrator"
	"github.com/theturtlecsz/code-sub000/internal/telemetry"
)

// resolveConfigPath turns a user-supplied path into an absolute one and
// checks that it exists. An empty path stays empty.
func resolveConfigPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("config file not found: %s", abs)
		}
		return "", err
	}
	return abs, nil
}

// loadSettings reads settings and applies the --db override.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	flag, _ := cmd.Flags().GetString("settings")
	path, err := resolveConfigPath(flag)
	if err != nil {
		return nil, err
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		s.DBPath = v
	}
	if s.DBPath == "" {
		if s.DBPath, err = db.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func storageOptions(s *config.Settings) db.Options {
	opts := db.DefaultOptions()
	if s.Storage.BusyTimeout > 0 {
		opts.BusyTimeout = s.Storage.BusyTimeout
	}
	if s.Storage.CacheSizeKB > 0 {
		opts.CacheSizeKB = s.Storage.CacheSizeKB
	}
	if s.Storage.MaxReaders > 0 {
		opts.MaxReaders = s.Storage.MaxReaders
	}
	return opts
}

// openDB opens and migrates the configured database.
func openDB(cmd *cobra.Command) (*db.DB, *config.Settings, func(), error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if dir := filepath.Dir(s.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	d, err := db.Open(s.DBPath, storageOptions(s))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := d.Migrate(cmd.Context()); err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	return d, s, func() { d.Close() }, nil
}

// loadPipeline loads the pipeline from --pipeline, then the settings file,
// then the default search path.
func loadPipeline(cmd *cobra.Command, s *config.Settings) (*config.PipelineConfig, string, error) {
	p, _ := cmd.Flags().GetString("pipeline")
	if p == "" && s != nil {
		p = s.PipelinePath
	}
	path, err := resolveConfigPath(p)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		cfg, found, err := config.LoadDefault()
		if err != nil {
			return nil, found, fmt.Errorf("load pipeline: %w", err)
		}
		return cfg, found, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load pipeline %s: %w", path, err)
	}
	return cfg, path, nil
}

// env is everything a coordinator-backed command needs.
type env struct {
	settings     *config.Settings
	db           *db.DB
	cfg          *config.PipelineConfig
	pipelinePath string
	log          *logging.Logger
	metrics      *telemetry.Metrics
	coord        *orchestrator.Coordinator
}

// newCoordinator opens storage, evidence sinks and logging, and builds a
// coordinator over them. The cleanup func flushes and closes everything.
func newCoordinator(cmd *cobra.Command) (*env, func(), error) {
	d, s, closeDB, err := openDB(cmd)
	if err != nil {
		return nil, nil, err
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closeDB()
	}

	cfg, path, err := loadPipeline(cmd, s)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	log, err := logging.NewLogger(s.Log.Dir, s.Log.Level)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { log.Close() })

	sink, closeSink, err := openEvidence(cmd.Context(), s, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, closeSink)

	metrics, err := telemetry.New(nil)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	workdir, err := os.Getwd()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	coord, err := orchestrator.New(orchestrator.Deps{
		DB:       d,
		Config:   cfg,
		Checks:   checks.NewRunner(&checks.ExecRunner{}),
		Evidence: sink,
		Logger:   log,
		Metrics:  metrics,
		Holder:   s.Holder,
		Workdir:  workdir,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	coord.SetProgress(cmd.ErrOrStderr())

	return &env{
		settings:     s,
		db:           d,
		cfg:          cfg,
		pipelinePath: path,
		log:          log,
		metrics:      metrics,
		coord:        coord,
	}, cleanup, nil
}

// openEvidence builds the evidence sink: JSONL files next to the database,
// mirrored to Postgres when a DSN is set, behind an async buffer.
func openEvidence(ctx context.Context, s *config.Settings, log *logging.Logger) (evidence.Sink, func(), error) {
	dir := s.Evidence.Dir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(s.DBPath), "evidence")
	}
	sinks := evidence.MultiSink{evidence.NewFileSink(dir)}

	var pg *evidence.PostgresSink
	if s.Evidence.PostgresDSN != "" {
		var err error
		pg, err = evidence.OpenPostgresSink(ctx, s.Evidence.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pg)
	}

	async := evidence.NewAsyncSink(sinks, s.Evidence.Buffer, log)
	return async, func() {
		async.Close()
		if n := async.Dropped(); n > 0 {
			log.Warn("evidence records dropped", "count", n)
		}
		if pg != nil {
			pg.Close()
		}
	}, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
