package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	verbose    bool
	jsonOut    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7443", "elevator gRPC server address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON")
}

var rootCmd = &cobra.Command{
	Use:           "elevator",
	Short:         "Just-in-time privilege elevation for developer tools",
	Long:          "Grants short-lived, scoped elevation tokens for docker, github, desktop and figma operations.\nEvery request passes policy, MFA and approval before a token is issued, and every step is audited.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger returns the process logger. Logs go to stderr so stdout stays
// free for command output and the MCP transport.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
