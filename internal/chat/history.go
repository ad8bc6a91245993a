// ABOUTME: Converts stored messages from the API into transcript messages
// ABOUTME: Normalises roles (missing means user), fills missing ids, and folds documents into metadata

package chat

import (
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/conversation"
)

// FromHistory converts stored messages, preserving order.
func FromHistory(in []api.HistoryMessage) []conversation.Message {
	out := make([]conversation.Message, 0, len(in))
	for _, m := range in {
		// Stored messages without a role were written by the user.
		role := conversation.RoleAssistant
		if m.Role == "" || strings.EqualFold(m.Role, "user") {
			role = conversation.RoleUser
		}
		id := m.ID
		if id == "" {
			id = "hist-" + uuid.New().String()
		}

		var md conversation.Metadata
		if len(m.Metadata) > 0 {
			md = maps.Clone(conversation.Metadata(m.Metadata))
		}
		if len(m.Documents) > 0 {
			if md == nil {
				md = conversation.Metadata{}
			}
			md[conversation.MetaDocuments] = m.Documents
		}

		out = append(out, conversation.Message{
			ID:        id,
			Role:      role,
			Content:   m.Content,
			CreatedAt: m.Time(),
			Metadata:  md,
		})
	}
	return out
}

// resultMetadata collects the enrichment fields of a send response.
func resultMetadata(res *api.SendResult) conversation.Metadata {
	md := conversation.Metadata{}
	if res.ExecutedTasks != nil {
		md[conversation.MetaExecutedTasks] = res.ExecutedTasks
	}
	if res.TaskResults != nil {
		md[conversation.MetaTaskResults] = res.TaskResults
	}
	if docs := res.AllDocuments(); len(docs) > 0 {
		md[conversation.MetaDocuments] = docs
	}
	return md
}
