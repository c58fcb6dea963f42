package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStats(stats))
			return nil
		},
	}
}

func newClearCmd(configPath *string) *cobra.Command {
	var expiredOnly bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := c.Clear(cmd.Context(), expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d expired cache entries.\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entries.\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")
	return cmd
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries, enforce the size limit and reconcile orphan blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := c.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Expired: %d\nEvicted: %d\nOrphans: %d\n", res.Expired, res.Evicted, res.Orphans)
			return err
		},
	}
}

func newInvalidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Remove one cache entry by key, even if pinned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			key := strings.ToLower(strings.TrimSpace(args[0]))
			if err := c.Invalidate(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", key)
			return nil
		},
	}
}

func newPinCmd(configPath *string) *cobra.Command {
	var unpin bool

	cmd := &cobra.Command{
		Use:   "pin <key>",
		Short: "Exempt an entry from capacity eviction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			key := strings.ToLower(strings.TrimSpace(args[0]))
			ok, err := c.SetPinned(cmd.Context(), key, !unpin)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cache entry for %s", key)
			}
			if unpin {
				fmt.Fprintf(cmd.OutOrStdout(), "Unpinned %s\n", key)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Pinned %s\n", key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpin, "unpin", false, "remove the pin instead")
	return cmd
}

func newSimilarCmd(configPath *string) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "similar <prompt>",
		Short: "List cached entries whose prompts resemble the given prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Similarity.Threshold
			}
			if threshold < 0 || threshold > 1 {
				return fmt.Errorf("--threshold must be between 0 and 1")
			}
			prompt := strings.Join(args, " ")
			fmt.Fprint(cmd.OutOrStdout(), formatSimilar(c.FindSimilar(cmd.Context(), prompt, threshold)))
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0.5, "minimum confidence between 0 and 1")
	return cmd
}

