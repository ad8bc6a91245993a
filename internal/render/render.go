// ABOUTME: Terminal rendering of chat views, status lines, and the connection indicator
// ABOUTME: Uses fatih/color for styling; output is plain text when colour is disabled

package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/transport"
)

// Texts shown for in-flight states.
const (
	TextWaitingTooLong = "Taking longer than expected..."
	TextCancelling     = "Cancelling..."
	TextThinking       = "Thinking..."
	TextInterrupted    = "(interrupted)"
)

var (
	gray   = color.New(color.FgHiBlack)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan, color.Bold)
	blue   = color.New(color.FgBlue, color.Bold)
)

// Connection returns the indicator for a connection state.
func Connection(s transport.State) string {
	switch s {
	case transport.StateConnected:
		return green.Sprint("● connected")
	case transport.StateConnecting:
		return yellow.Sprint("◌ connecting")
	case transport.StateReconnecting:
		return yellow.Sprint("◌ reconnecting")
	case transport.StateFailed:
		return red.Sprint("✗ connection failed, /reconnect to retry")
	case transport.StateError:
		return red.Sprint("✗ server error")
	default:
		return gray.Sprint("○ disconnected")
	}
}

// StatusLine formats one status entry: a spinner for the active line, a
// check for finished ones, and a dot for earlier unfinished ones.
func StatusLine(l conversation.StatusLine) string {
	switch {
	case l.Done:
		return green.Sprint("✓ ") + l.Text
	case l.Spinning():
		return yellow.Sprint("⟳ ") + l.Text
	default:
		return gray.Sprint("· " + l.Text)
	}
}

func speaker(r conversation.Role) string {
	if r == conversation.RoleUser {
		return blue.Sprint("you ›")
	}
	return cyan.Sprint("assistant ›")
}

// Sources formats the titles of attached documents, or "" if none.
func Sources(docs []event.Document) string {
	if len(docs) == 0 {
		return ""
	}
	names := make([]string, 0, len(docs))
	for i, d := range docs {
		names = append(names, documentName(d, i))
	}
	return gray.Sprint("sources: " + strings.Join(names, ", "))
}

func documentName(d event.Document, i int) string {
	for _, key := range []string{"name", "fileName", "title", "source", "url", "id"} {
		if v, ok := d[key].(string); ok && v != "" {
			return v
		}
	}
	return fmt.Sprintf("document %d", i+1)
}

// Message formats one message with its speaker, content, and sources.
func Message(m conversation.Message) string {
	var b strings.Builder
	b.WriteString(speaker(m.Role))
	b.WriteString(" ")
	switch {
	case m.Content == "" && m.Streaming:
		b.WriteString(gray.Sprint(TextThinking))
	default:
		b.WriteString(m.Content)
	}
	if m.Streaming {
		b.WriteString(gray.Sprint("▍"))
	}
	if m.Metadata.Interrupted() {
		b.WriteString(" ")
		b.WriteString(yellow.Sprint(TextInterrupted))
	}
	if f := footer(m); f != "" {
		b.WriteString("\n  ")
		b.WriteString(f)
	}
	return b.String()
}

// footer is the line under a finished reply: its sources and how long the
// backend took.
func footer(m conversation.Message) string {
	if m.Streaming {
		return ""
	}
	parts := make([]string, 0, 2)
	if src := Sources(m.Metadata.Documents()); src != "" {
		parts = append(parts, src)
	}
	if d, ok := m.Metadata.ExecutionTime(); ok {
		parts = append(parts, gray.Sprintf("took %s", d.Round(time.Millisecond)))
	}
	return strings.Join(parts, gray.Sprint(" · "))
}

// Transcript draws a whole view.
func Transcript(v chat.View, markers []string) string {
	var b strings.Builder

	if v.HasOlder {
		hidden := len(v.Messages) - len(v.Visible)
		b.WriteString(gray.Sprintf("↑ %d older messages, /older to show more\n", hidden))
	}
	for _, m := range v.Visible {
		b.WriteString(Message(m))
		b.WriteString("\n")
	}

	for _, l := range conversation.BuildStatusLines(v.StatusLog, markers) {
		b.WriteString("  ")
		b.WriteString(StatusLine(l))
		b.WriteString("\n")
	}

	switch {
	case v.Cancelling:
		b.WriteString(yellow.Sprint(TextCancelling) + "\n")
	case v.WaitingTooLong:
		b.WriteString(yellow.Sprint(TextWaitingTooLong) + "\n")
	}
	return b.String()
}
