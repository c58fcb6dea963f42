package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/config"
	"github.com/pario-ai/llmcache/pkg/logging"
)

// loadConfig returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) zerolog.Logger {
	return logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
}

// cacheOptions maps the file configuration onto cache.Options. The
// background sweeper is left off; long-running commands enable it.
func cacheOptions(cfg *config.Config, logger zerolog.Logger) cache.Options {
	opts := cache.DefaultOptions(cfg.Cache.Dir)
	opts.Enabled = cfg.Cache.Enabled
	opts.TTL = cfg.Cache.TTL()
	opts.MaxSizeBytes = cfg.Cache.MaxSizeBytes()
	opts.TrackedScopes = cfg.Cache.TrackedScopes
	opts.ShingleSize = cfg.Similarity.ShingleSize
	opts.PrefixLen = cfg.Similarity.PrefixLen
	opts.StalenessBuffer = cfg.Staleness.Buffer
	opts.Audit = cfg.Audit.Enabled
	opts.AuditRetentionDays = cfg.Audit.RetentionDays
	opts.Logger = logger
	return opts
}

// openCache loads configuration, sets up logging and opens the cache.
// mutate, when non-nil, adjusts the options before opening.
func openCache(configPath string, mutate func(*config.Config, *cache.Options)) (*cache.Cache, *config.Config, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := setupLogging(cfg)

	opts := cacheOptions(cfg, logger)
	if mutate != nil {
		mutate(cfg, &opts)
	}
	c, err := cache.Open(opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open cache: %w", err)
	}
	return c, cfg, func() { _ = c.Close() }, nil
}
