package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/config"
	"github.com/pario-ai/llmcache/pkg/logging"
	"github.com/pario-ai/llmcache/pkg/staleness/redisbus"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background sweeper, staleness subscriber and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, cleanup, err := openCache(*configPath, func(cfg *config.Config, o *cache.Options) {
				o.SweepInterval = cfg.Cache.SweepInterval
			})
			if err != nil {
				return err
			}
			defer cleanup()

			if listen == "" {
				listen = cfg.Metrics.Listen
			}
			return serve(cmd.Context(), c, cfg, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "metrics listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, c *cache.Cache, cfg *config.Config, listen string) error {
	log := logging.NewLogger("serve")
	g, ctx := errgroup.WithContext(ctx)

	if listen != "" {
		srv := &http.Server{
			Addr:              listen,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", listen).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Staleness.Redis.Addr != "" {
		client := newRedisClient(cfg.Staleness.Redis)
		defer func() { _ = client.Close() }()
		sub := redisbus.NewSubscriber(client, cfg.Staleness.Redis.Channel, c.Staleness(), logging.NewLogger("redisbus"))
		g.Go(func() error {
			return sub.Run(ctx, nil)
		})
	}

	log.Info().
		Str("dir", cfg.Cache.Dir).
		Dur("sweep_interval", cfg.Cache.SweepInterval).
		Bool("redis", cfg.Staleness.Redis.Addr != "").
		Msg("llmcache serving")

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	log.Info().Msg("llmcache stopped")
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
