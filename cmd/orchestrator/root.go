package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/doravidan/vibing2-sub003/internal/config"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Multi-agent workflow orchestrator",
	Long: `Orchestrator runs workflows of agent tasks as a dependency graph.

Tasks run in parallel as soon as their dependencies complete. Each task sees
the outputs of earlier tasks according to the workflow's context strategy,
and agents can message each other while the workflow runs.

With no subcommand, starts the HTTP service.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides LOG_FORMAT)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(templatesCmd)
}

// loadConfig reads the environment and applies global flag overrides.
func loadConfig() *config.Config {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg
}
