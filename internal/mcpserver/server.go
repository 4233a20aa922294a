// Package mcpserver exposes the archive as Model Context Protocol tools over
// stdio. Every tool answers with a JSON document in a text content block.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"convlog/internal/archive"
	"convlog/internal/logging"
	"convlog/internal/search"
	"convlog/internal/store"
	"convlog/internal/usage"
)

// Backend is the part of the archive the tools need.
type Backend interface {
	ListProjects(ctx context.Context) ([]store.ProjectInfo, error)
	ListSessions(ctx context.Context, opts store.ListOptions) ([]store.Entry, []error, error)
	GetSession(ctx context.Context, ref string) (*archive.Session, error)
	Search(ctx context.Context, q search.Query, opts archive.SearchOptions) ([]search.Match, []error, error)
	Stats(ctx context.Context, project string, window usage.Window) (usage.Stats, []error, error)
}

const defaultSearchLimit = 20

// Server registers the tools on an MCP server.
type Server struct {
	backend Backend
	mcp     *server.MCPServer
	log     *slog.Logger
}

// New creates a server named convlog.
func New(backend Backend, version string) *Server {
	s := &Server{
		backend: backend,
		mcp:     server.NewMCPServer("convlog", version, server.WithToolCapabilities(false)),
		log:     logging.For(logging.CompMCP),
	}
	s.register()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve speaks the protocol on in/out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info("mcp_serving")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List Claude Code projects with session counts, total size and last activity."),
	), s.listProjects)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List sessions newest first with id, alias, message count, size, start time and preview."),
		mcp.WithString("project", mcp.Description("Project directory name; all projects when omitted")),
		mcp.WithString("cwd", mcp.Description("Only sessions whose working directory is inside this path")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (0 means no limit)")),
	), s.listSessions)

	s.mcp.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Return the transcript of one session in conversation order."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Session id, unique id prefix, alias or file path")),
		mcp.WithBoolean("include_thinking", mcp.Description("Include assistant thinking blocks")),
		mcp.WithBoolean("include_tools", mcp.Description("Include tool calls with their inputs and outputs")),
		mcp.WithBoolean("include_sidechains", mcp.Description("Include side-chain records")),
		mcp.WithNumber("max", mcp.Description("Return only the last N records (0 means all)")),
	), s.getSession)

	s.mcp.AddTool(mcp.NewTool("search_sessions",
		mcp.WithDescription("Full-text search over session content ranked by BM25. Quote phrases to require them verbatim."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms; \"quoted phrases\" must match exactly")),
		mcp.WithString("project", mcp.Description("Restrict to one project")),
		mcp.WithString("fields", mcp.Description("Comma-separated fields: text, thinking, tool_result, tool_input")),
		mcp.WithString("since", mcp.Description("Only records at or after this RFC3339 timestamp")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of matches (default 20)")),
	), s.searchSessions)

	s.mcp.AddTool(mcp.NewTool("usage_stats",
		mcp.WithDescription("Aggregate token usage, cost, tools and models over a time window."),
		mcp.WithString("window", mcp.Description("day, week, month or all (default all)")),
		mcp.WithString("project", mcp.Description("Restrict to one project")),
	), s.usageStats)
}

type listProjectsResult struct {
	Projects []store.ProjectInfo `json:"projects"`
}

func (s *Server) listProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.backend.ListProjects(ctx)
	if err != nil {
		return s.fail("list_projects", err), nil
	}
	return jsonResult(listProjectsResult{Projects: projects})
}

type sessionSummary struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias,omitempty"`
	Project   string    `json:"project"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Messages  int       `json:"messages"`
	Bytes     int64     `json:"bytes"`
	Summary   string    `json:"summary,omitempty"`
	Preview   string    `json:"preview,omitempty"`
}

type listSessionsResult struct {
	Sessions []sessionSummary `json:"sessions"`
	Warnings []string         `json:"warnings,omitempty"`
}

func (s *Server) listSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := store.ListOptions{
		Project: req.GetString("project", ""),
		CWD:     req.GetString("cwd", ""),
		Limit:   req.GetInt("limit", 0),
	}
	entries, warnings, err := s.backend.ListSessions(ctx, opts)
	if err != nil {
		return s.fail("list_sessions", err), nil
	}
	out := listSessionsResult{Sessions: make([]sessionSummary, 0, len(entries)), Warnings: messages(warnings)}
	for _, e := range entries {
		out.Sessions = append(out.Sessions, sessionSummary{
			ID:        e.ID,
			Alias:     e.Alias,
			Project:   e.Project,
			StartedAt: e.StartedAt(),
			Messages:  e.Meta.Messages,
			Bytes:     e.Meta.Bytes,
			Summary:   e.Meta.Summary,
			Preview:   e.Meta.Preview,
		})
	}
	return jsonResult(out)
}

func (s *Server) getSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.backend.GetSession(ctx, ref)
	if err != nil {
		return s.fail("get_session", err), nil
	}
	t := buildTranscript(sess, transcriptOptions{
		Thinking:   req.GetBool("include_thinking", false),
		Tools:      req.GetBool("include_tools", false),
		Sidechains: req.GetBool("include_sidechains", false),
		Max:        req.GetInt("max", 0),
	})
	return jsonResult(t)
}

type searchResult struct {
	Matches  []search.Match `json:"matches"`
	Warnings []string       `json:"warnings,omitempty"`
}

func (s *Server) searchSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := search.Query{
		Text:    text,
		Project: req.GetString("project", ""),
		Limit:   req.GetInt("limit", defaultSearchLimit),
	}
	if raw := req.GetString("fields", ""); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			f, err := search.ParseField(strings.TrimSpace(name))
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			q.Fields = append(q.Fields, f)
		}
	}
	if raw := req.GetString("since", ""); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", err)), nil
		}
		q.Since = since
	}

	matches, warnings, err := s.backend.Search(ctx, q, archive.SearchOptions{BuildIfStale: true})
	if err != nil {
		return s.fail("search_sessions", err), nil
	}
	if matches == nil {
		matches = []search.Match{}
	}
	return jsonResult(searchResult{Matches: matches, Warnings: messages(warnings)})
}

type statsResult struct {
	Stats    usage.Stats `json:"stats"`
	Warnings []string    `json:"warnings,omitempty"`
}

func (s *Server) usageStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	window, err := usage.ParseWindow(req.GetString("window", string(usage.WindowAll)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stats, warnings, err := s.backend.Stats(ctx, req.GetString("project", ""), window)
	if err != nil {
		return s.fail("usage_stats", err), nil
	}
	return jsonResult(statsResult{Stats: stats, Warnings: messages(warnings)})
}

// fail turns err into a tool error the client can show to the model.
func (s *Server) fail(tool string, err error) *mcp.CallToolResult {
	s.log.Warn("tool_failed", slog.String("tool", tool), slog.String("error", err.Error()))
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func messages(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
