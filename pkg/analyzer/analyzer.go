// Package analyzer puts the response cache in front of an LLM page analyzer.
package analyzer

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/keys"
)

// Request is one analysis call.
type Request struct {
	Prompt  string
	Context map[string]string

	// Cache metadata for the stored response.
	ScopeID        string
	DependencyTags []string
	Pinned         bool
}

// Result is an analysis response and where it came from.
type Result struct {
	Response json.RawMessage
	Key      string
	Cached   bool
	Stored   bool
}

// Upstream performs the expensive call, typically an LLM request.
type Upstream interface {
	Analyze(ctx context.Context, prompt string, vars map[string]string) (json.RawMessage, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, prompt string, vars map[string]string) (json.RawMessage, error)

// Analyze calls f.
func (f UpstreamFunc) Analyze(ctx context.Context, prompt string, vars map[string]string) (json.RawMessage, error) {
	return f(ctx, prompt, vars)
}

// Cached serves analyses from the cache and falls back to the upstream on a
// miss. Concurrent misses for the same key share one upstream call.
type Cached struct {
	cache    *cache.Cache
	upstream Upstream
	log      zerolog.Logger
	group    singleflight.Group
}

// New wraps upstream with c.
func New(c *cache.Cache, upstream Upstream, logger zerolog.Logger) *Cached {
	return &Cached{cache: c, upstream: upstream, log: logger}
}

// Analyze returns the cached response for req, or calls the upstream and
// caches its answer. Upstream errors are returned unchanged.
func (a *Cached) Analyze(ctx context.Context, req Request) (Result, error) {
	k, err := keys.Derive(req.Prompt, req.Context)
	if err != nil {
		return Result{}, err
	}

	if resp, ok, err := a.cache.Get(ctx, req.Prompt, req.Context); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Response: resp, Key: k.Full, Cached: true}, nil
	}

	// The shared call runs detached from the caller that started it.
	ch := a.group.DoChan(k.Full, func() (any, error) {
		sctx := context.WithoutCancel(ctx)
		resp, err := a.upstream.Analyze(sctx, req.Prompt, req.Context)
		if err != nil {
			return nil, err
		}
		stored, perr := a.cache.Put(sctx, req.Prompt, req.Context, resp, cache.PutOptions{
			ScopeID:        req.ScopeID,
			DependencyTags: req.DependencyTags,
			Pinned:         req.Pinned,
		})
		if perr != nil {
			// The upstream answered with something that is not JSON.
			a.log.Warn().Err(perr).Str("key", k.Full).Msg("upstream response not cacheable")
		}
		return Result{Response: resp, Key: k.Full, Stored: stored}, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		if r.Shared {
			a.log.Debug().Str("key", k.Full).Msg("joined in-flight upstream call")
		}
		return r.Val.(Result), nil
	}
}
