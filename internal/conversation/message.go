// ABOUTME: Transcript message record and its metadata helpers
// ABOUTME: Content is frozen once a message stops streaming; metadata may still be enriched

package conversation

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/2389/coven-chat/internal/event"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Well-known metadata keys.
const (
	MetaDocuments      = "documents"
	MetaExecutedTasks  = "executedTasks"
	MetaTaskResults    = "taskResults"
	MetaExecutionTime  = "executionTime"
	MetaAdditionalData = "additionalData"
	MetaInterrupted    = "interrupted"
)

// Metadata is the structured record attached to a message.
type Metadata map[string]any

// Documents returns every source document attached to the message: those
// under MetaDocuments, under additionalData.documents, and inside each task
// result. Duplicates, matched by documentId, id, or name, keep their first
// occurrence.
func (md Metadata) Documents() []event.Document {
	all := documentList(md[MetaDocuments])
	if extra, ok := md[MetaAdditionalData].(map[string]any); ok {
		all = append(all, documentList(extra[MetaDocuments])...)
	}
	for _, r := range taskResultList(md[MetaTaskResults]) {
		if res, ok := r.(map[string]any); ok {
			all = append(all, documentList(res[MetaDocuments])...)
		}
	}
	if len(all) == 0 {
		return nil
	}

	out := make([]event.Document, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, d := range all {
		if key := documentKey(d); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, d)
	}
	return out
}

func documentList(v any) []event.Document {
	switch docs := v.(type) {
	case []event.Document:
		return slices.Clone(docs)
	case []any:
		out := make([]event.Document, 0, len(docs))
		for _, d := range docs {
			if doc, ok := d.(map[string]any); ok {
				out = append(out, doc)
			}
		}
		return out
	}
	return nil
}

// taskResultList returns task results in a stable order; they arrive
// either as a list or keyed by task id.
func taskResultList(v any) []any {
	switch results := v.(type) {
	case []any:
		return results
	case map[string]any:
		keys := slices.Sorted(maps.Keys(results))
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, results[k])
		}
		return out
	}
	return nil
}

func documentKey(d event.Document) string {
	for _, key := range []string{"documentId", "id", "name", "fileName", "title"} {
		switch v := d[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64, int, int64:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// ExecutionTime returns how long the backend took to produce the reply,
// recorded in milliseconds under MetaExecutionTime.
func (md Metadata) ExecutionTime() (time.Duration, bool) {
	var ms float64
	switch v := md[MetaExecutionTime].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	default:
		return 0, false
	}
	if ms <= 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// Interrupted reports whether the message was finalised without a
// completion event.
func (md Metadata) Interrupted() bool {
	v, _ := md[MetaInterrupted].(bool)
	return v
}

// Message is one transcript entry.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Streaming bool
	Metadata  Metadata
}

func (m Message) clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

func mergeMetadata(dst Metadata, src map[string]any) Metadata {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(Metadata, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
