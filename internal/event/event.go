// ABOUTME: Streaming and task-progress event payloads plus the cancel command
// ABOUTME: Parse is lenient about unknown fields and strict about the type discriminator

package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event type discriminators.
const (
	TypeStreamingStarted   = "LLM_RESPONSE_STREAMING_STARTED"
	TypeChunk              = "LLM_RESPONSE_CHUNK"
	TypeStreamingComplete  = "LLM_RESPONSE_STREAMING_COMPLETE"
	TypeStreamingCancelled = "LLM_RESPONSE_STREAMING_CANCELLED"
	TypeResponseReceived   = "LLM_RESPONSE_RECEIVED"
	TypeTasksExecuting     = "AGENT_TASKS_EXECUTING"
	TypeTasksCompleted     = "AGENT_TASKS_COMPLETED"
)

// ActionCancel is the only command action the server understands.
const ActionCancel = "CANCEL"

// ErrMissingType is returned by Parse for payloads without a type.
var ErrMissingType = errors.New("event has no type")

// Document is an opaque source-document record attached to an answer.
type Document = map[string]any

// Event is one inbound payload.
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Accumulated    string         `json:"accumulated,omitempty"`
	TaskIDs        []any          `json:"taskIds,omitempty"`
	ExecutedTasks  any            `json:"executedTasks,omitempty"`
	Documents      []Document     `json:"documents,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Parse decodes a MESSAGE body.
func Parse(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("parsing event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	return ev, nil
}

// AllDocuments returns the event's documents, falling back to
// metadata.documents when the top-level field is absent.
func (e Event) AllDocuments() []Document {
	if len(e.Documents) > 0 {
		return e.Documents
	}
	raw, ok := e.Metadata["documents"].([]any)
	if !ok {
		return nil
	}
	docs := make([]Document, 0, len(raw))
	for _, d := range raw {
		if doc, ok := d.(map[string]any); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// Known reports whether t is one of the handled discriminators.
func Known(t string) bool {
	switch t {
	case TypeStreamingStarted, TypeChunk, TypeStreamingComplete, TypeStreamingCancelled,
		TypeResponseReceived, TypeTasksExecuting, TypeTasksCompleted:
		return true
	}
	return false
}

// CancelCommand asks the server to stop generating for a conversation.
type CancelCommand struct {
	ConversationID string `json:"conversationId"`
	Action         string `json:"action"`
}

// NewCancel builds the cancel command for conversationID.
func NewCancel(conversationID string) CancelCommand {
	return CancelCommand{ConversationID: conversationID, Action: ActionCancel}
}
