// ABOUTME: Transcript export as Markdown or a standalone HTML page
// ABOUTME: HTML message bodies are rendered from Markdown with goldmark

package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-chat/internal/conversation"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; color: #222; }
.message { border-left: 3px solid #ccc; padding: 0.25rem 1rem; margin: 1rem 0; }
.user { border-color: #3b82f6; }
.assistant { border-color: #10b981; }
.meta { color: #888; font-size: 0.85em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="message {{.Role}}">
<div class="meta">{{.Role}}{{if .Time}} · {{.Time}}{{end}}{{if .Interrupted}} · interrupted{{end}}</div>
{{.Body}}{{if .Sources}}<div class="meta">sources: {{.Sources}}</div>{{end}}
</div>
{{end}}</body>
</html>
`))

type exportMessage struct {
	Role        string
	Time        string
	Body        template.HTML
	Sources     string
	Interrupted bool
}

// ExportHTML writes msgs as an HTML page.
func ExportHTML(w io.Writer, title string, msgs []conversation.Message) error {
	data := struct {
		Title    string
		Messages []exportMessage
	}{Title: title}

	for _, m := range msgs {
		var body bytes.Buffer
		if err := markdown.Convert([]byte(m.Content), &body); err != nil {
			return fmt.Errorf("rendering message %s: %w", m.ID, err)
		}
		data.Messages = append(data.Messages, exportMessage{
			Role:        string(m.Role),
			Time:        formatTime(m.CreatedAt),
			Body:        template.HTML(body.String()),
			Sources:     sourceNames(m),
			Interrupted: m.Metadata.Interrupted(),
		})
	}

	if err := pageTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

// ExportMarkdown writes msgs as a Markdown document.
func ExportMarkdown(w io.Writer, title string, msgs []conversation.Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n## %s", m.Role)
		if ts := formatTime(m.CreatedAt); ts != "" {
			fmt.Fprintf(&b, " (%s)", ts)
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n")
		if src := sourceNames(m); src != "" {
			fmt.Fprintf(&b, "\n_Sources: %s_\n", src)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func sourceNames(m conversation.Message) string {
	docs := m.Metadata.Documents()
	names := make([]string, 0, len(docs))
	for i, d := range docs {
		names = append(names, documentName(d, i))
	}
	return strings.Join(names, ", ")
}
