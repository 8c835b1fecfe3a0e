package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/checks"
	"github.com/theturtlecsz/code-sub000/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run guardrail checks outside a stage run",
}

var checkRunCmd = &cobra.Command{
	Use:   "run [check-names...]",
	Short: "Run guardrail checks by name, or the guardrails of a stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadPipeline(cmd, nil)
		if err != nil {
			return err
		}
		stage, _ := cmd.Flags().GetString("stage")
		names := args
		if stage != "" {
			st := cfg.Pipeline.StageByID(stage)
			if st == nil {
				return fmt.Errorf("stage %q not defined in pipeline config", stage)
			}
			names = append(names, st.Guardrails...)
		}
		if len(names) == 0 {
			return fmt.Errorf("name at least one check, or pass --stage")
		}
		list, err := checkList(cfg, names)
		if err != nil {
			return err
		}

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			if dir, err = os.Getwd(); err != nil {
				return err
			}
		}
		cont, _ := cmd.Flags().GetBool("continue")

		runner := checks.NewRunner(&checks.ExecRunner{})
		gr, _, err := runner.RunGate(cmd.Context(), checks.GateOpts{
			Stage:    stage,
			Dir:      dir,
			Checks:   list,
			Continue: cont,
		})
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if err := writeJSON(cmd, gr); err != nil {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			for _, c := range gr.Checks {
				mark := "PASS"
				if !c.Passed {
					mark = "FAIL"
				}
				fixed := ""
				if c.AutoFixed {
					fixed = " (auto-fixed)"
				}
				fmt.Fprintf(out, "%s  %s%s  %s\n", mark, c.Check, fixed, c.Summary)
			}
		}
		if !gr.Passed {
			return fmt.Errorf("checks failed: %s", strings.Join(gr.FailedChecks(), ", "))
		}
		return nil
	},
}

// checkList resolves check names against the pipeline config.
func checkList(cfg *config.PipelineConfig, names []string) ([]checks.Check, error) {
	seen := make(map[string]bool)
	var list []checks.Check
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		chk, ok := cfg.Pipeline.Checks[name]
		if !ok {
			return nil, fmt.Errorf("check %q not defined in pipeline config", name)
		}
		list = append(list, checks.Check{
			Name:       name,
			Command:    chk.Command,
			Parser:     chk.Parser,
			Timeout:    chk.TimeoutDuration(checks.DefaultTimeout),
			AutoFix:    chk.AutoFix,
			FixCommand: chk.FixCommand,
		})
	}
	return list, nil
}

func init() {
	checkRunCmd.Flags().String("stage", "", "Run the guardrails configured for this stage")
	checkRunCmd.Flags().String("dir", "", "Directory to run checks in (default: current directory)")
	checkRunCmd.Flags().Bool("continue", false, "Run all checks even if one fails")
	checkRunCmd.Flags().String("format", "text", "Output format: text or json")

	checkCmd.AddCommand(checkRunCmd)
}
