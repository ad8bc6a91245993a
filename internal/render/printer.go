// ABOUTME: Incremental terminal printer that follows a chat session as it changes
// ABOUTME: Writes only what is new: fresh messages, streamed growth, and new status lines

package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
)

// Printer writes a live conversation to a terminal. It is safe for use
// from the session's update callback.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	markers []string

	// EchoUser prints user messages too. The interactive client leaves it
	// off since the terminal already shows what was typed.
	EchoUser bool

	conversationID string
	printed        map[string]string
	finished       map[string]bool
	open           string
	statusSeen     int
	waitingShown   bool
	cancelShown    bool
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, markers []string) *Printer {
	return &Printer{
		w:        w,
		markers:  markers,
		printed:  make(map[string]string),
		finished: make(map[string]bool),
	}
}

// Seed marks every message of v as already shown, for a transcript that
// was just drawn in full with Transcript.
func (p *Printer) Seed(v chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seedLocked(v)
}

// Redraw writes the whole view with Transcript and seeds from it.
func (p *Printer) Redraw(v chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, Transcript(v, p.markers))
	p.seedLocked(v)
}

func (p *Printer) seedLocked(v chat.View) {
	p.resetLocked(v.ConversationID)
	for _, m := range v.Messages {
		p.printed[m.ID] = m.Content
		p.finished[m.ID] = !m.Streaming
		if m.Streaming {
			p.open = m.ID
		}
	}
	p.statusSeen = len(v.StatusLog)
}

func (p *Printer) resetLocked(conversationID string) {
	p.conversationID = conversationID
	clear(p.printed)
	clear(p.finished)
	p.open = ""
	p.statusSeen = 0
	p.waitingShown = false
	p.cancelShown = false
}

// Update writes whatever changed since the last call.
func (p *Printer) Update(v chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.ConversationID != p.conversationID && p.conversationID != "" && v.ConversationID != "" {
		p.resetLocked(v.ConversationID)
	}
	if p.conversationID == "" {
		p.conversationID = v.ConversationID
	}

	var b strings.Builder
	p.statusLocked(&b, v)

	present := make(map[string]bool, len(v.Messages))
	for _, m := range v.Messages {
		present[m.ID] = true
		if m.Role == conversation.RoleUser && !p.EchoUser {
			p.finished[m.ID] = true
			continue
		}
		p.messageLocked(&b, m)
	}

	// A streaming message that vanished was cancelled.
	if p.open != "" && !present[p.open] {
		b.WriteString("\n")
		p.open = ""
	}

	switch {
	case v.Cancelling && !p.cancelShown:
		b.WriteString(yellow.Sprint(TextCancelling) + "\n")
		p.cancelShown = true
	case v.WaitingTooLong && !p.waitingShown:
		b.WriteString(yellow.Sprint(TextWaitingTooLong) + "\n")
		p.waitingShown = true
	}
	if !v.Sending && v.StreamingMessageID == "" {
		p.waitingShown = false
		p.cancelShown = false
	}

	if b.Len() > 0 {
		_, _ = io.WriteString(p.w, b.String())
	}
}

func (p *Printer) statusLocked(b *strings.Builder, v chat.View) {
	if len(v.StatusLog) < p.statusSeen {
		p.statusSeen = 0
	}
	if len(v.StatusLog) == p.statusSeen {
		return
	}
	lines := conversation.BuildStatusLines(v.StatusLog, p.markers)
	for _, l := range lines[p.statusSeen:] {
		b.WriteString("  ")
		b.WriteString(StatusLine(l))
		b.WriteString("\n")
	}
	p.statusSeen = len(v.StatusLog)
}

func (p *Printer) messageLocked(b *strings.Builder, m conversation.Message) {
	if p.finished[m.ID] {
		return
	}

	shown, started := p.printed[m.ID]
	if !started {
		if p.open != "" && p.open != m.ID {
			b.WriteString("\n")
		}
		b.WriteString(speaker(m.Role))
		b.WriteString(" ")
		shown = ""
	}

	switch {
	case strings.HasPrefix(m.Content, shown):
		b.WriteString(m.Content[len(shown):])
	default:
		// Accumulated content was rewritten; start the line over.
		b.WriteString("\n")
		b.WriteString(speaker(m.Role))
		b.WriteString(" ")
		b.WriteString(m.Content)
	}
	p.printed[m.ID] = m.Content

	if m.Streaming {
		p.open = m.ID
		return
	}

	if m.Metadata.Interrupted() {
		b.WriteString(" ")
		b.WriteString(yellow.Sprint(TextInterrupted))
	}
	b.WriteString("\n")
	if f := footer(m); f != "" {
		fmt.Fprintf(b, "  %s\n", f)
	}
	p.finished[m.ID] = true
	if p.open == m.ID {
		p.open = ""
	}
}
