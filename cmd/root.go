// Package cmd implements the widgetchat command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	envFile     string
	echoPrefix  string
	dumpMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "widgetchat",
	Short: "Chat widget client with optimistic message delivery",
	Long: `widgetchat sends messages and attachments to a chat widget API,
keeps a local message store in sync with the server and exposes the
store's pending and failed messages for inspection.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading config")
	rootCmd.PersistentFlags().StringVar(&echoPrefix, "echo-prefix", "", "use sequential echo ids with this prefix instead of random ones")
	rootCmd.PersistentFlags().BoolVar(&dumpMetrics, "metrics", false, "write coordinator metrics to stderr in Prometheus text format when the command finishes")
}

// loadEnvFile loads path into the process environment. A missing file is
// not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}
