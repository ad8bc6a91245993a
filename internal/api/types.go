// ABOUTME: JSON shapes for conversation endpoints
// ABOUTME: Lists accept either a bare array or a page object with a content field

package api

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-chat/internal/event"
)

// SendResult is the response to starting a conversation or posting a
// message.
type SendResult struct {
	ConversationID string           `json:"conversationId,omitempty"`
	MessageID      string           `json:"messageId,omitempty"`
	Message        string           `json:"message,omitempty"`
	ChatResult     *ChatResult      `json:"chatResult,omitempty"`
	ExecutedTasks  any              `json:"executedTasks,omitempty"`
	TaskResults    any              `json:"taskResults,omitempty"`
	Documents      []event.Document `json:"documents,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// ChatResult is the nested answer some responses carry.
type ChatResult struct {
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReplyText returns the immediate answer, if the response carried one.
func (r *SendResult) ReplyText() string {
	if r.Message != "" {
		return r.Message
	}
	if r.ChatResult != nil {
		return r.ChatResult.Message
	}
	return ""
}

// ReplyMetadata returns the metadata attached to the immediate answer.
func (r *SendResult) ReplyMetadata() map[string]any {
	if r.ChatResult != nil {
		return r.ChatResult.Metadata
	}
	return nil
}

// AllDocuments returns documents, falling back to metadata.documents.
func (r *SendResult) AllDocuments() []event.Document {
	return event.Event{Documents: r.Documents, Metadata: r.Metadata}.AllDocuments()
}

// Conversation is a conversation summary.
type Conversation struct {
	ID            string         `json:"id"`
	AssistantID   string         `json:"assistantId,omitempty"`
	Title         string         `json:"title,omitempty"`
	Status        string         `json:"status,omitempty"`
	StartedAt     string         `json:"startedAt,omitempty"`
	LastMessageAt string         `json:"lastMessageAt,omitempty"`
	MessageCount  int            `json:"messageCount,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// LastActivity parses LastMessageAt, falling back to StartedAt.
func (c Conversation) LastActivity() time.Time {
	if t := ParseTime(c.LastMessageAt); !t.IsZero() {
		return t
	}
	return ParseTime(c.StartedAt)
}

// HistoryMessage is one stored message as the server returns it.
type HistoryMessage struct {
	ID        string           `json:"id,omitempty"`
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	CreatedAt string           `json:"createdAt,omitempty"`
	Documents []event.Document `json:"documents,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Time returns Timestamp, falling back to CreatedAt. Unparseable values
// yield the zero time.
func (m HistoryMessage) Time() time.Time {
	if t := ParseTime(m.Timestamp); !t.IsZero() {
		return t
	}
	return ParseTime(m.CreatedAt)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses the timestamp formats the server emits. Zone-less
// values are read as UTC.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// pageOf accepts both `[...]` and `{"content":[...]}`.
type pageOf[T any] struct {
	Items []T
}

func (p *pageOf[T]) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.Items); err == nil {
		return nil
	}
	var wrapped struct {
		Content []T `json:"content"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	p.Items = wrapped.Content
	return nil
}
