// Package cmd wires the CLI: a cobra root command plus the gateway
// run command, matching the teacher's cmd/root.go command-registration
// style.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "assistantgw",
	Short: "Local-first AI assistant gateway",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json5 (default: $ASSISTANTGW_CONFIG or ./config.json5)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(cronCmd)
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv("ASSISTANTGW_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func Execute() error {
	return rootCmd.Execute()
}
