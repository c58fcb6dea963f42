// Package mcp exposes cache inspection and invalidation to MCP clients over
// stdio using JSON-RPC 2.0.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/models"
)

const maxLineBytes = 1024 * 1024

// CacheService is the part of the cache the tools drive.
type CacheService interface {
	Stats(ctx context.Context) (models.CacheStats, error)
	FindSimilar(ctx context.Context, prompt string, threshold float64) []models.SimilarMatch
	Invalidate(ctx context.Context, key string) error
}

// StalenessApplier applies a staleness event synchronously.
type StalenessApplier interface {
	Apply(ctx context.Context, ev models.StalenessEvent) ([]models.AuditRecord, error)
}

// AuditSearcher reads the invalidation audit trail.
type AuditSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditRecord, error)
}

// Options configures a Server. Stale and Audit may be nil, in which case the
// tools that need them report that they are not configured.
type Options struct {
	Cache     CacheService
	Stale     StalenessApplier
	Audit     AuditSearcher
	Threshold float64
	Version   string
	Logger    zerolog.Logger
}

// Server is a minimal MCP server.
type Server struct {
	cache     CacheService
	stale     StalenessApplier
	audit     AuditSearcher
	threshold float64
	version   string
	log       zerolog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		cache:     opts.Cache,
		stale:     opts.Stale,
		audit:     opts.Audit,
		threshold: opts.Threshold,
		version:   opts.Version,
		log:       opts.Logger,
	}
}

// Run reads one JSON-RPC message per line from r and writes responses to w.
// It blocks until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Debug().Err(err).Msg("unparseable request")
			s.writeResponse(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: serverName, Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	s.log.Debug().Str("tool", params.Name).Msg("tool call")
	return resultResponse(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}
