package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/llmcache/pkg/audit"
	"github.com/pario-ai/llmcache/pkg/models"
)

// toolSource is the source component recorded for events raised through MCP.
const toolSource = "mcp"

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"llmcache_stats":        handleStats,
	"llmcache_find_similar": handleFindSimilar,
	"llmcache_invalidate":   handleInvalidate,
	"llmcache_mark_stale":   handleMarkStale,
	"llmcache_audit_search": handleAuditSearch,
}

var allTools = []ToolDefinition{
	{
		Name:        "llmcache_stats",
		Description: "Show cache size, entry count and hit rate",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "llmcache_find_similar",
		Description: "Find cached responses whose prompts resemble the given prompt",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":    map[string]any{"type": "string", "description": "Prompt text to compare"},
				"threshold": map[string]any{"type": "number", "description": "Minimum confidence between 0 and 1"},
			},
			"required": []string{"prompt"},
		},
	},
	{
		Name:        "llmcache_invalidate",
		Description: "Remove one cached response by key, even if pinned",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string", "description": "Full cache key (64 hex characters)"},
			},
			"required": []string{"key"},
		},
	},
	{
		Name:        "llmcache_mark_stale",
		Description: "Invalidate every cached response for a page scope or dependency tag",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scope_id":       map[string]any{"type": "string", "description": "Page or session scope"},
				"dependency_tag": map[string]any{"type": "string", "description": "Selector or resource tag"},
				"reason":         map[string]any{"type": "string", "description": "Why the results went stale"},
				"source":         map[string]any{"type": "string", "description": "Component raising the event"},
			},
		},
	},
	{
		Name:        "llmcache_audit_search",
		Description: "Search the invalidation audit trail",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":    map[string]any{"type": "string", "description": "Invalidated cache key"},
				"source": map[string]any{"type": "string", "description": "Source component"},
				"action": map[string]any{"type": "string", "description": "stale, evicted or invalidated"},
				"since":  map[string]any{"type": "string", "description": "Date, RFC 3339 timestamp or duration such as 24h"},
				"limit":  map[string]any{"type": "integer", "description": "Maximum records (default 100)"},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(msg string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, v)
}

func handleStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("error: %v", err))
	}
	return textResult(formatCacheStats(stats))
}

func handleFindSimilar(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	var p struct {
		Prompt    string   `json:"prompt"`
		Threshold *float64 `json:"threshold"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	if p.Prompt == "" {
		return errorResult("prompt is required")
	}
	threshold := s.threshold
	if p.Threshold != nil {
		threshold = *p.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return errorResult("threshold must be between 0 and 1")
	}
	return textResult(formatSimilar(s.cache.FindSimilar(ctx, p.Prompt, threshold), threshold))
}

func handleInvalidate(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	var p struct {
		Key string `json:"key"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	if p.Key == "" {
		return errorResult("key is required")
	}
	if err := s.cache.Invalidate(ctx, p.Key); err != nil {
		return errorResult(fmt.Sprintf("error: %v", err))
	}
	return textResult(fmt.Sprintf("Invalidated %s", p.Key))
}

func handleMarkStale(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	if s.stale == nil {
		return textResult("Staleness coordination not configured.")
	}
	var p struct {
		ScopeID       string `json:"scope_id"`
		DependencyTag string `json:"dependency_tag"`
		Reason        string `json:"reason"`
		Source        string `json:"source"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	ev := models.StalenessEvent{
		ScopeID:         p.ScopeID,
		DependencyTag:   p.DependencyTag,
		Reason:          p.Reason,
		SourceComponent: p.Source,
	}
	if ev.Empty() {
		return errorResult("scope_id or dependency_tag is required")
	}
	if ev.Reason == "" {
		ev.Reason = "marked stale"
	}
	if ev.SourceComponent == "" {
		ev.SourceComponent = toolSource
	}
	records, err := s.stale.Apply(ctx, ev)
	if err != nil {
		return errorResult(fmt.Sprintf("error: %v", err))
	}
	return textResult(formatStaleResult(ev, records))
}

func handleAuditSearch(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	if s.audit == nil {
		return textResult("Audit logging not configured.")
	}
	var p struct {
		Key    string `json:"key"`
		Source string `json:"source"`
		Action string `json:"action"`
		Since  string `json:"since"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	opts := models.AuditQueryOpts{
		Key:             p.Key,
		SourceComponent: p.Source,
		Action:          models.AuditAction(p.Action),
		Limit:           p.Limit,
	}
	if p.Since != "" {
		since, err := audit.ParseSince(p.Since, time.Now())
		if err != nil {
			return errorResult(err.Error())
		}
		opts.Since = since
	}
	records, err := s.audit.Query(ctx, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("error: %v", err))
	}
	return textResult(formatAuditRecords(records))
}
