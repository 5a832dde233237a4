// Package ctl implements telemetryctl, the operator CLI for replaying recorded page sessions
// against an event sink and probing runtimes over the bridge.
package ctl

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"simlab-telemetry/internal/config"
)

// cfg holds the environment configuration, populated in PersistentPreRunE.
var cfg *config.Config

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "telemetryctl",
	Short:         "Replay page sessions into the telemetry pipeline and probe embedded runtimes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline activity to stderr")
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "telemetryctl:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
