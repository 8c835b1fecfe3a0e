package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/theturtlecsz/code-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect pipeline configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the pipeline configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, path, err := loadPipeline(cmd, nil)
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			cmd.Printf("Validation errors in %s:\n", path)
			for _, e := range verrs {
				cmd.Printf("  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(verrs))
		}
		if err != nil {
			return err
		}
		cmd.Printf("Configuration is valid: %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadPipeline(cmd, nil)
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the resolved runtime settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshalling settings: %w", err)
		}
		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSettingsCmd)
}
