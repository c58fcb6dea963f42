package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "llmcache",
		Short:         "llmcache: content-addressable cache for LLM page-analysis responses",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to llmcache config file")

	root.AddCommand(
		newStatsCmd(&configPath),
		newClearCmd(&configPath),
		newSweepCmd(&configPath),
		newInvalidateCmd(&configPath),
		newPinCmd(&configPath),
		newSimilarCmd(&configPath),
		newStaleCmd(&configPath),
		newAuditCmd(&configPath),
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}
