package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or validate the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, fnhost.yaml, FNHOST_ environment
variables and flags have been merged. Data source DSNs are redacted.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	redacted := *cfg
	if len(cfg.DataSources) > 0 {
		sanitizer := logging.NewSanitizer()
		redacted.DataSources = make(map[string]config.DataSourceConfig, len(cfg.DataSources))
		for id, ds := range cfg.DataSources {
			ds.DSN = sanitizer.Sanitize(ds.DSN)
			redacted.DataSources[id] = ds
		}
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&redacted)
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration for %s is valid\n", cfg.Project.ID)
	return nil
}
