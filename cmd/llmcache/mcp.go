package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmcache/pkg/logging"
	"github.com/pario-ai/llmcache/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve cache tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := mcp.Options{
				Cache:     c,
				Stale:     c.Staleness(),
				Threshold: cfg.Similarity.Threshold,
				Version:   version,
				Logger:    logging.NewLogger("mcp"),
			}
			if al := c.Audit(); al != nil {
				opts.Audit = al
			}
			return mcp.New(opts).Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
