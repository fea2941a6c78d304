// Package cli implements the amharness command surface.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/amharness/internal/config"
	"github.com/Dicklesworthstone/amharness/internal/logx"
	"github.com/Dicklesworthstone/amharness/internal/output"
)

var (
	flagConfig   string
	flagJSON     bool
	flagLogLevel string
	flagRoot     string
)

var rootCmd = &cobra.Command{
	Use:   "amharness",
	Short: "Deterministic E2E artifact/bundle harness for mcp-agent-mail",
	Long: `amharness drives end-to-end test suites against the mcp-agent-mail
server, capturing every run into a content-addressed, replayable artifact
bundle: structured trace events, RPC evidence, server logs with case
markers, and a validated bundle manifest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		output.SetOutputMode(flagJSON)
		level := flagLogLevel
		if level == "" {
			if cfg, err := loadConfig(nil); err == nil {
				level = cfg.Logging.Level
			}
		}
		opts := logx.DefaultLoggerOptions()
		if level != "" {
			opts.Level = level
		}
		logx.SetDefaultLogger(logx.InitLogger(opts))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (.amharness.toml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "project root (default: current directory)")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func projectRoot() string {
	if flagRoot != "" {
		return flagRoot
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func loadConfig(flagOverrides map[string]any) (config.Config, error) {
	return config.Load(config.LoadOptions{
		ProjectDir:    projectRoot(),
		ConfigPath:    flagConfig,
		FlagOverrides: flagOverrides,
	})
}
