package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlog/internal/archive"
	"convlog/internal/config"
	"convlog/internal/db"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	root := filepath.Join(t.TempDir(), "projects")
	require.NoError(t, os.CopyFS(root, os.DirFS(filepath.Join("..", "..", "testdata", "projects"))))

	cfg := config.DefaultConfig()
	cfg.ProjectsDir = root
	cfg.CacheDir = t.TempDir()
	cfg.Workers = 2

	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	a, err := archive.Open(cfg, archive.WithDatabase(db.Memory), archive.WithoutLockFiles(),
		archive.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return New(a, "test")
}

func call(t *testing.T, handler server.ToolHandlerFunc, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	content, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return content.Text
}

func decode[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, textOf(t, result))
	var v T
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &v))
	return v
}

func TestListProjects(t *testing.T) {
	s := newServer(t)
	out := decode[listProjectsResult](t, call(t, s.listProjects, "list_projects", nil))
	require.Len(t, out.Projects, 2)
	names := []string{out.Projects[0].Name, out.Projects[1].Name}
	assert.ElementsMatch(t, []string{"-Users-test-project", "-Users-test-other"}, names)
}

func TestListSessions(t *testing.T) {
	s := newServer(t)

	out := decode[listSessionsResult](t, call(t, s.listSessions, "list_sessions", nil))
	assert.Len(t, out.Sessions, 3)

	out = decode[listSessionsResult](t, call(t, s.listSessions, "list_sessions", map[string]any{
		"project": "-Users-test-project",
		"limit":   1,
	}))
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "sess-tools-0002", out.Sessions[0].ID)
	assert.Equal(t, "-Users-test-project", out.Sessions[0].Project)
}

func TestGetSession(t *testing.T) {
	s := newServer(t)

	out := decode[transcript](t, call(t, s.getSession, "get_session", map[string]any{"ref": "sess-simple"}))
	assert.Equal(t, "sess-simple-0001", out.Session.ID)
	require.NotEmpty(t, out.Records)
	assert.True(t, out.Records[0].Detached, "summary comes first")
	assert.Equal(t, "Python basics", out.Records[0].Text)
	assert.Equal(t, "What is Python?", out.Records[1].Text)
	for _, r := range out.Records {
		assert.Empty(t, r.Thinking)
	}

	out = decode[transcript](t, call(t, s.getSession, "get_session", map[string]any{
		"ref": "sess-simple", "max": 1, "include_thinking": true,
	}))
	require.Len(t, out.Records, 1)
	assert.Positive(t, out.Truncated)
}

func TestGetSessionTools(t *testing.T) {
	s := newServer(t)

	out := decode[transcript](t, call(t, s.getSession, "get_session", map[string]any{
		"ref": "sess-tools-0002", "include_tools": true,
	}))
	var calls []toolCall
	for _, r := range out.Records {
		calls = append(calls, r.Tools...)
	}
	require.NotEmpty(t, calls)
	assert.Equal(t, "Bash", calls[0].Name)
	assert.Equal(t, "success", calls[0].Status)
	assert.Contains(t, calls[0].Output, "README.md")
}

func TestGetSessionErrors(t *testing.T) {
	s := newServer(t)

	missing := call(t, s.getSession, "get_session", nil)
	assert.True(t, missing.IsError)

	ambiguous := call(t, s.getSession, "get_session", map[string]any{"ref": "sess-"})
	assert.True(t, ambiguous.IsError)
	assert.Contains(t, textOf(t, ambiguous), "ambiguous")

	unknown := call(t, s.getSession, "get_session", map[string]any{"ref": "nope"})
	assert.True(t, unknown.IsError)
	assert.Contains(t, textOf(t, unknown), "not found")
}

func TestSearchSessions(t *testing.T) {
	s := newServer(t)

	out := decode[searchResult](t, call(t, s.searchSessions, "search_sessions", map[string]any{
		"query": `"serialization format"`,
	}))
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "sess-simple-0001", out.Matches[0].SessionID)
	assert.Contains(t, out.Matches[0].Snippet, "serialization format")

	bad := call(t, s.searchSessions, "search_sessions", map[string]any{"query": "x", "fields": "body"})
	assert.True(t, bad.IsError)

	none := decode[searchResult](t, call(t, s.searchSessions, "search_sessions", map[string]any{
		"query": "serialization", "since": "2030-01-01T00:00:00Z",
	}))
	assert.Empty(t, none.Matches)
}

func TestUsageStats(t *testing.T) {
	s := newServer(t)

	out := decode[statsResult](t, call(t, s.usageStats, "usage_stats", nil))
	assert.Equal(t, 3, out.Stats.Sessions)

	out = decode[statsResult](t, call(t, s.usageStats, "usage_stats", map[string]any{"window": "day"}))
	assert.Zero(t, out.Stats.Sessions)

	bad := call(t, s.usageStats, "usage_stats", map[string]any{"window": "decade"})
	assert.True(t, bad.IsError)
}

func TestToolsListed(t *testing.T) {
	s := newServer(t)
	resp := s.MCP().HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"list_projects", "list_sessions", "get_session", "search_sessions", "usage_stats"} {
		assert.Contains(t, string(data), `"name":"`+name+`"`)
	}
}
