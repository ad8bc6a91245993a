// ABOUTME: Tests for the coven-chat command tree, input parsing, and log handler
// ABOUTME: One-shot commands run against an httptest API through a temporary config file

package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/config"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{arg: "hello there"}},
		{"  padded  ", command{arg: "padded"}},
		{"/quit", command{name: "quit"}},
		{"/OPEN  c-42 ", command{name: "open", arg: "c-42"}},
		{"/delete", command{name: "delete"}},
		{"", command{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseInput(tt.line), tt.line)
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, "md", formatFromPath("out.md"))
	assert.Equal(t, "md", formatFromPath("OUT.Markdown"))
	assert.Equal(t, "html", formatFromPath("out.html"))
	assert.Equal(t, "html", formatFromPath(""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo w...", truncate("héllo wörld!", 10))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "transport").WithGroup("frame").Info("connected", "attempt", 2)
	logger.Warn("slow")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF connected component=transport frame.attempt=2")
	assert.Contains(t, lines[1], "WRN slow")
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("frame", "command", "MESSAGE")

	assert.Contains(t, buf.String(), `"msg":"frame"`)
	assert.Contains(t, buf.String(), `"command":"MESSAGE"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestPrintConversations(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printConversations(&buf, nil))
	assert.Equal(t, "No conversations.\n", buf.String())

	buf.Reset()
	require.NoError(t, printConversations(&buf, []api.Conversation{
		{ID: "c1", Title: "Quarterly numbers", MessageCount: 4},
		{ID: "c2"},
	}))
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "Quarterly numbers")
	assert.Contains(t, out, "(untitled)")
}

// runCommand executes the root command against a fake API server.
func runCommand(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfgPath := filepath.Join(t.TempDir(), "chat.yaml")
	cfgBody := "server:\n  api_url: \"" + srv.URL + "\"\n  assistant_id: \"asst-1\"\nlogging:\n  level: \"error\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgBody), 0o600))

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	out, err := runCommand(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "asst-1", r.URL.Query().Get("assistantId"))
		_, _ = w.Write([]byte(`{"content":[{"id":"c1","title":"First chat","messageCount":2}]}`))
	}, "list")

	require.NoError(t, err)
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "First chat")
}

func TestHistoryCommand(t *testing.T) {
	out, err := runCommand(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"m1","role":"USER","content":"Hello"},{"id":"m2","role":"ASSISTANT","content":"Hi there!"}]`))
	}, "history", "c1")

	require.NoError(t, err)
	assert.Equal(t, "you › Hello\nassistant › Hi there!\n", out)
}

func TestExportCommand(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/c1/messages":
			_, _ = w.Write([]byte(`[{"id":"m1","role":"user","content":"Hello"},{"id":"m2","role":"assistant","content":"**Hi**"}]`))
		case "/api/conversations/c1":
			_, _ = w.Write([]byte(`{"id":"c1","title":"Greetings"}`))
		default:
			http.NotFound(w, r)
		}
	}

	out, err := runCommand(t, handler, "export", "c1", "--format", "md")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Greetings\n"))
	assert.Contains(t, out, "**Hi**")

	target := filepath.Join(t.TempDir(), "chat.html")
	_, err = runCommand(t, handler, "export", "c1", "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<strong>Hi</strong>")

	_, err = runCommand(t, handler, "export", "c1", "-f", "pdf")
	assert.ErrorContains(t, err, "unknown format")
}

func TestDeleteCommand(t *testing.T) {
	out, err := runCommand(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}, "delete", "c1")

	require.NoError(t, err)
	assert.Equal(t, "Deleted c1\n", out)
}

func TestCommandErrorsSurface(t *testing.T) {
	_, err := runCommand(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"conversation not found"}`))
	}, "history", "missing")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation not found")
}
