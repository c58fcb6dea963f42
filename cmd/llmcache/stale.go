package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmcache/pkg/config"
	"github.com/pario-ai/llmcache/pkg/models"
	"github.com/pario-ai/llmcache/pkg/staleness/redisbus"
)

const cliSource = "cli"

func newStaleCmd(configPath *string) *cobra.Command {
	var (
		ev    models.StalenessEvent
		local bool
	)

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Invalidate every entry for a page scope or dependency tag",
		Long: "Raise a staleness event. When staleness.redis.addr is configured the event is\n" +
			"published to every subscribed llmcache process; otherwise it is applied to the\n" +
			"local cache directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ev.Empty() {
				return fmt.Errorf("--scope or --tag is required")
			}
			ev.Timestamp = time.Now()

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			if cfg.Staleness.Redis.Addr != "" && !local {
				client := newRedisClient(cfg.Staleness.Redis)
				defer func() { _ = client.Close() }()

				n, err := redisbus.NewPublisher(client, cfg.Staleness.Redis.Channel).Publish(cmd.Context(), ev)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published to %d subscribers on %s.\n", n, cfg.Staleness.Redis.Channel)
				return nil
			}

			c, _, cleanup, err := openCache(*configPath, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := c.Staleness().Apply(cmd.Context(), ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d entries.\n", len(records))
			for _, r := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", r.InvalidatedKey)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ev.ScopeID, "scope", "", "page or session scope to invalidate")
	cmd.Flags().StringVar(&ev.DependencyTag, "tag", "", "dependency tag to invalidate")
	cmd.Flags().StringVar(&ev.Reason, "reason", "marked stale", "reason recorded in the audit log")
	cmd.Flags().StringVar(&ev.SourceComponent, "source", cliSource, "component raising the event")
	cmd.Flags().BoolVar(&local, "local", false, "apply to the local cache even when Redis is configured")
	return cmd
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
