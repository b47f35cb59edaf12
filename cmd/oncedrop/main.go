package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "oncedrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oncedrop",
		Short: "OnceDrop single-use document exchange",
		Long: `OnceDrop runs the document exchange service and talks to a running instance.
Server-side commands read their configuration from ONCEDROP_* environment variables
or the TOML file named by ONCEDROP_CONFIG.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newUploadCmd(),
		newAccessCmd(),
		newPrintCmd(),
	)
	return cmd
}
