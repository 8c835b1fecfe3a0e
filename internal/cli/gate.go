package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/theturtlecsz/code-sub000/internal/gate"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Inspect quality gate decisions",
}

var gateEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a gate signal read from a JSON file or stdin",
	Long: `Reads a signal such as

  {"checkpoint": "after_plan", "owner_confidence": 0.72,
   "magnitude": "important", "resolvability": "auto_fix",
   "counter_signals": [{"kind": "risk_flag", "critical": false}]}

and prints the decision the gate would make. Thresholds come from the
pipeline config when one is found, otherwise the defaults apply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, _ := cmd.Flags().GetString("signal")
		var r io.Reader = cmd.InOrStdin()
		if src != "" && src != "-" {
			f, err := os.Open(src)
			if err != nil {
				return fmt.Errorf("open signal: %w", err)
			}
			defer f.Close()
			r = f
		}
		var sig gate.Signal
		if err := json.NewDecoder(r).Decode(&sig); err != nil {
			return fmt.Errorf("decode signal: %w", err)
		}
		if _, ok := gate.ParseMagnitude(string(sig.Magnitude)); !ok {
			return fmt.Errorf("unknown magnitude %q", sig.Magnitude)
		}
		if _, ok := gate.ParseResolvability(string(sig.Resolvability)); !ok {
			return fmt.Errorf("unknown resolvability %q", sig.Resolvability)
		}

		t, err := gateThresholds(cmd)
		if err != nil {
			return err
		}
		d := t.Evaluate(sig)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, d)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Verdict:    %s\n", d.Verdict)
		fmt.Fprintf(out, "Confidence: %s\n", d.Confidence)
		if d.Target != "" {
			fmt.Fprintf(out, "Target:     %s\n", d.Target)
		}
		fmt.Fprintf(out, "Reason:     %s\n", d.Reason)
		return nil
	},
}

// gateThresholds reads thresholds from the pipeline config. Without an
// explicit --pipeline a missing config falls back to the defaults.
func gateThresholds(cmd *cobra.Command) (gate.Thresholds, error) {
	t := gate.DefaultThresholds()
	cfg, _, err := loadPipeline(cmd, nil)
	if err != nil {
		if cmd.Flags().Changed("pipeline") {
			return t, err
		}
		return t, nil
	}
	if g := cfg.Pipeline.Gate; g.HighThreshold > 0 && g.MediumThreshold > 0 {
		t = gate.Thresholds{High: g.HighThreshold, Medium: g.MediumThreshold}
	}
	return t, nil
}

func init() {
	gateEvaluateCmd.Flags().String("signal", "-", "Signal JSON file, or - for stdin")
	gateEvaluateCmd.Flags().String("format", "text", "Output format: text or json")

	gateCmd.AddCommand(gateEvaluateCmd)
}
