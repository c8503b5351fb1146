package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/spboyer/agentsphere/internal/projectconfig"
	"github.com/spboyer/agentsphere/internal/webapi"
)

var version = "dev"

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	debug     bool
	logFormat string
	configDir string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "sphere",
		Short: "Sphere - orchestrates LLM agents that work on your machine",
		Long: `Sphere serves an Ollama-compatible chat API backed by an agent orchestrator.

Requests are categorized, planned as a graph of tasks and solved by a
tool-calling agent that runs shell commands through a connected
sphere-executor, searches a knowledge service and edits git repositories.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")
	cmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", ".", "Directory to start the "+projectconfig.FileName+" lookup from")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setupLogging(flags)
	}

	cmd.AddCommand(newServeCommand(flags))
	cmd.AddCommand(newTokenCommand(flags))
	cmd.AddCommand(newConfigCommand(flags))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func setupLogging(flags *globalFlags) error {
	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	switch flags.logFormat {
	case "text":
		slog.SetLogLoggerLevel(level)
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", flags.logFormat)
	}
	return nil
}

// loadConfig loads and validates the configuration.
func loadConfig(flags *globalFlags) (*projectconfig.ProjectConfig, error) {
	cfg, err := projectconfig.Load(flags.configDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sphere %s (api %s)\n", version, webapi.Version)
		},
	}
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
