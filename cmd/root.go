// Package cmd holds the torale CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/toralehq/torale/internal/config"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torale",
		Short: "Scheduled grounded-search monitoring engine",
		Long: "Torale runs recurring grounded web searches against user-defined\n" +
			"conditions and notifies when they are met.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "torale.json5", "path to the config file")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(taskCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the process-wide slog handler from config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the torale version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("torale", version)
		},
	}
}
