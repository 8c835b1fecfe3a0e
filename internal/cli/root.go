package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "specpipe",
	Short: "Multi-agent stage pipeline with weighted consensus",
	Long: `specpipe moves work items through configured stages. Each stage dispatches
a set of agents, scores their answers, and either advances the item, halts it,
or escalates it at a quality checkpoint.

All state is stored in SQLite (~/.specpipe/specpipe.db by default). Evidence
records are appended next to it, and optionally mirrored to Postgres.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("settings", "", "Path to specpipe.yaml settings")
	rootCmd.PersistentFlags().StringP("pipeline", "p", "", "Path to pipeline.yaml")
	rootCmd.PersistentFlags().String("db", "", "Path to the SQLite database")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(driveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}
