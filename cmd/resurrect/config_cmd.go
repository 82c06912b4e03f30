package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect resurrect configuration. The effective configuration combines the
discovered or given config file with built-in defaults.`,
		Example: `  resurrect config show
  resurrect config show --config /etc/resurrect/resurrect.yaml`,
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied. Secrets are redacted.`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Info("showing configuration")

	shown := *globalCfg
	if shown.Notify.SMTP.Password != "" {
		shown.Notify.SMTP.Password = "REDACTED"
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Current Configuration:")
	fmt.Fprintln(out, "======================")
	fmt.Fprintln(out, string(data))

	return nil
}
