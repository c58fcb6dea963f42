package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/models"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fakeCache struct {
	stats       models.CacheStats
	matches     []models.SimilarMatch
	invalidated []string
	threshold   float64
	err         error
}

func (f *fakeCache) Stats(_ context.Context) (models.CacheStats, error) { return f.stats, f.err }

func (f *fakeCache) FindSimilar(_ context.Context, _ string, threshold float64) []models.SimilarMatch {
	f.threshold = threshold
	return f.matches
}

func (f *fakeCache) Invalidate(_ context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	f.invalidated = append(f.invalidated, key)
	return nil
}

type fakeStale struct {
	events []models.StalenessEvent
	keys   []string
}

func (f *fakeStale) Apply(_ context.Context, ev models.StalenessEvent) ([]models.AuditRecord, error) {
	f.events = append(f.events, ev)
	var out []models.AuditRecord
	for _, k := range f.keys {
		out = append(out, models.AuditRecord{InvalidatedKey: k, Action: models.AuditStale})
	}
	return out, nil
}

type fakeAudit struct {
	opts    models.AuditQueryOpts
	records []models.AuditRecord
}

func (f *fakeAudit) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditRecord, error) {
	f.opts = opts
	return f.records, nil
}

func newTestServer(c *fakeCache, stale StalenessApplier, auditor AuditSearcher) *Server {
	return New(Options{
		Cache:     c,
		Stale:     stale,
		Audit:     auditor,
		Threshold: 0.5,
		Version:   "test",
		Logger:    zerolog.Nop(),
	})
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "llmcache" {
		t.Errorf("server name = %s, want llmcache", result.ServerInfo.Name)
	}
	if result.ServerInfo.Version != "test" {
		t.Errorf("server version = %s, want test", result.ServerInfo.Version)
	}
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallStats(t *testing.T) {
	c := &fakeCache{stats: models.CacheStats{
		Enabled:        true,
		TotalEntries:   42,
		TotalSizeBytes: 2_000_000,
		MaxSizeBytes:   100_000_000,
		TotalHits:      10,
		TotalMisses:    5,
		HitRate:        10.0 / 15.0,
	}}
	result := callTool(t, newTestServer(c, nil, nil), "llmcache_stats", `{}`)

	text := result.Content[0].Text
	for _, want := range []string{"42", "66.7%", "2.0 MB", "100 MB"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got: %s", want, text)
		}
	}
}

func TestToolCallStatsError(t *testing.T) {
	c := &fakeCache{err: errors.New("index unavailable")}
	result := callTool(t, newTestServer(c, nil, nil), "llmcache_stats", `{}`)
	if !result.IsError {
		t.Error("expected isError=true")
	}
}

func TestToolCallFindSimilar(t *testing.T) {
	c := &fakeCache{matches: []models.SimilarMatch{
		{Key: testKey, Confidence: 0.75, HitCount: 3, CreatedAt: time.Now()},
	}}
	srv := newTestServer(c, nil, nil)

	result := callTool(t, srv, "llmcache_find_similar", `{"prompt":"extract the price"}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, testKey) || !strings.Contains(result.Content[0].Text, "0.750") {
		t.Errorf("unexpected output: %s", result.Content[0].Text)
	}
	if c.threshold != 0.5 {
		t.Errorf("threshold = %v, want default 0.5", c.threshold)
	}

	callTool(t, srv, "llmcache_find_similar", `{"prompt":"extract the price","threshold":0.9}`)
	if c.threshold != 0.9 {
		t.Errorf("threshold = %v, want 0.9", c.threshold)
	}
}

func TestToolCallFindSimilarValidation(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)
	tests := []struct {
		name string
		args string
	}{
		{"missing prompt", `{}`},
		{"threshold too high", `{"prompt":"x","threshold":1.5}`},
		{"threshold negative", `{"prompt":"x","threshold":-0.1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !callTool(t, srv, "llmcache_find_similar", tt.args).IsError {
				t.Error("expected isError=true")
			}
		})
	}
}

func TestToolCallInvalidate(t *testing.T) {
	c := &fakeCache{}
	result := callTool(t, newTestServer(c, nil, nil), "llmcache_invalidate", `{"key":"`+testKey+`"}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if len(c.invalidated) != 1 || c.invalidated[0] != testKey {
		t.Errorf("invalidated = %v", c.invalidated)
	}
}

func TestToolCallInvalidateMissingKey(t *testing.T) {
	result := callTool(t, newTestServer(&fakeCache{}, nil, nil), "llmcache_invalidate", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for missing key")
	}
}

func TestToolCallMarkStale(t *testing.T) {
	stale := &fakeStale{keys: []string{testKey}}
	srv := newTestServer(&fakeCache{}, stale, nil)

	result := callTool(t, srv, "llmcache_mark_stale", `{"scope_id":"page-A"}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "Invalidated 1 entries for scope page-A") {
		t.Errorf("unexpected output: %s", result.Content[0].Text)
	}
	if len(stale.events) != 1 {
		t.Fatalf("events = %d, want 1", len(stale.events))
	}
	ev := stale.events[0]
	if ev.SourceComponent != "mcp" || ev.Reason == "" {
		t.Errorf("event defaults not applied: %+v", ev)
	}
}

func TestToolCallMarkStaleEmpty(t *testing.T) {
	stale := &fakeStale{}
	result := callTool(t, newTestServer(&fakeCache{}, stale, nil), "llmcache_mark_stale", `{"reason":"x"}`)
	if !result.IsError {
		t.Error("expected isError=true for event without scope or tag")
	}
	if len(stale.events) != 0 {
		t.Error("empty event must not reach the coordinator")
	}
}

func TestToolCallNotConfigured(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)
	for _, name := range []string{"llmcache_mark_stale", "llmcache_audit_search"} {
		result := callTool(t, srv, name, `{"scope_id":"p"}`)
		if !strings.Contains(result.Content[0].Text, "not configured") {
			t.Errorf("%s: expected 'not configured', got: %s", name, result.Content[0].Text)
		}
	}
}

func TestToolCallAuditSearch(t *testing.T) {
	auditor := &fakeAudit{records: []models.AuditRecord{{
		InvalidatedKey:  testKey,
		Action:          models.AuditStale,
		Reason:          "selector changed",
		SourceComponent: "selector_tracker",
		ScopeID:         "page-A",
		DependencyTag:   "#price",
		Timestamp:       time.Now(),
	}}}
	srv := newTestServer(&fakeCache{}, nil, auditor)

	result := callTool(t, srv, "llmcache_audit_search",
		`{"source":"selector_tracker","action":"stale","since":"24h","limit":5}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "selector changed") || !strings.Contains(text, "page-A/#price") {
		t.Errorf("unexpected output: %s", text)
	}
	if auditor.opts.SourceComponent != "selector_tracker" || auditor.opts.Action != models.AuditStale || auditor.opts.Limit != 5 {
		t.Errorf("query opts = %+v", auditor.opts)
	}
	if auditor.opts.Since.IsZero() || time.Since(auditor.opts.Since) < 23*time.Hour {
		t.Errorf("since = %v, want about 24h ago", auditor.opts.Since)
	}
}

func TestToolCallAuditSearchBadSince(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, &fakeAudit{})
	if !callTool(t, srv, "llmcache_audit_search", `{"since":"yesterday"}`).IsError {
		t.Error("expected isError=true for bad since")
	}
}

func TestToolCallAuditSearchSinceDate(t *testing.T) {
	auditor := &fakeAudit{}
	srv := newTestServer(&fakeCache{}, nil, auditor)
	if callTool(t, srv, "llmcache_audit_search", `{"since":"2026-04-01"}`).IsError {
		t.Fatal("a plain date should be accepted")
	}
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !auditor.opts.Since.Equal(want) {
		t.Errorf("since = %v, want %v", auditor.opts.Since, want)
	}
}

func TestUnknownTool(t *testing.T) {
	result := callTool(t, newTestServer(&fakeCache{}, nil, nil), "llmcache_nope", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestParseError(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)

	var out bytes.Buffer
	_ = srv.Run(context.Background(), strings.NewReader("{not json\n"), &out)

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(&fakeCache{}, nil, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}
