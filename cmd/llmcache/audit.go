package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmcache/pkg/audit"
	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the invalidation audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		opts   models.AuditQueryOpts
		action string
		since  string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.AuditAction(action) {
			case "", models.AuditStale, models.AuditEvicted, models.AuditInvalidated:
				opts.Action = models.AuditAction(action)
			default:
				return fmt.Errorf("invalid --action %q (use stale, evicted or invalidated)", action)
			}
			if since != "" {
				t, err := audit.ParseSince(since, time.Now())
				if err != nil {
					return err
				}
				opts.Since = t
			}

			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := l.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditRecords(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "filter by invalidated cache key")
	cmd.Flags().StringVar(&opts.SourceComponent, "source", "", "filter by source component")
	cmd.Flags().StringVar(&action, "action", "", "filter by action (stale, evicted, invalidated)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD) or duration such as 24h")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max records to return")
	return cmd
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit counts by source, action and day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit records older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit records.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Audit.Enabled {
		return nil, nil, fmt.Errorf("audit logging is disabled in config")
	}
	logger := setupLogging(cfg)
	if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cache dir: %w", err)
	}

	l, err := audit.New(models.AuditConfig{
		Enabled:       true,
		DBPath:        cache.AuditDBPath(cfg.Cache.Dir),
		RetentionDays: cfg.Audit.RetentionDays,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}
