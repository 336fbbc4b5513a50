// Package api defines the JSON types of the membank HTTP API.
package api

import (
	"time"

	"github.com/membank/membank/pkg/memory"
)

// CoreMemory mirrors memory.CoreMemory on the wire. Both fields are
// nullable; null means the field is unset.
type CoreMemory struct {
	Human   *string `json:"human"`
	Persona *string `json:"persona"`
}

// Agent represents an agent in the API.
type Agent struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CoreMemory CoreMemory `json:"core_memory"`
	CreatedAt  string     `json:"created_at"`
}

// CreateAgentRequest represents a request to create an agent.
type CreateAgentRequest struct {
	Name    string  `json:"name"`
	Human   *string `json:"human,omitempty"`
	Persona *string `json:"persona,omitempty"`
}

// GetAgentMemoryResponse is the read path of the memory API: core memory
// plus the sizes of the recall and archival stores.
type GetAgentMemoryResponse struct {
	CoreMemory     CoreMemory `json:"core_memory"`
	RecallMemory   int64      `json:"recall_memory"`
	ArchivalMemory int64      `json:"archival_memory"`
}

// UpdateAgentMemoryRequest carries new core memory contents. A field that
// is absent from the request body means "leave unchanged"; an explicit
// empty string clears the field. Both fields are deliberately pointers so
// decoding preserves that distinction.
type UpdateAgentMemoryRequest struct {
	Human   *string `json:"human,omitempty"`
	Persona *string `json:"persona,omitempty"`
}

// UpdateAgentMemoryResponse returns the core memory before and after
// the update.
type UpdateAgentMemoryResponse struct {
	OldCoreMemory CoreMemory `json:"old_core_memory"`
	NewCoreMemory CoreMemory `json:"new_core_memory"`
}

// RecallMessage is one message of an agent's conversation log.
type RecallMessage struct {
	ID        int64  `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AppendRecallRequest appends messages to an agent's recall memory.
type AppendRecallRequest struct {
	Messages []RecallMessage `json:"messages"`
}

// SearchRecallResponse is the result of a recall memory search.
type SearchRecallResponse struct {
	Messages []RecallMessage `json:"messages"`
	Total    int             `json:"total"`
}

// ArchivalEntry is one long-term memory entry.
type ArchivalEntry struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// InsertArchivalRequest inserts one archival memory entry.
type InsertArchivalRequest struct {
	Content string `json:"content"`
}

// SearchArchivalResponse is the result of an archival memory search.
type SearchArchivalResponse struct {
	Entries []ArchivalEntry `json:"entries"`
	Total   int             `json:"total"`
}

// FromCoreMemory converts a store-level core memory to its wire form.
func FromCoreMemory(core memory.CoreMemory) CoreMemory {
	return CoreMemory{Human: core.Human, Persona: core.Persona}
}

// FromAgent converts a store-level agent to its wire form.
func FromAgent(agent *memory.Agent) Agent {
	return Agent{
		ID:         agent.ID,
		Name:       agent.Name,
		CoreMemory: FromCoreMemory(agent.CoreMemory),
		CreatedAt:  agent.CreatedAt.Format(time.RFC3339),
	}
}

// FromRecallMessages converts store-level recall messages to wire form.
func FromRecallMessages(messages []memory.RecallMessage) []RecallMessage {
	out := make([]RecallMessage, len(messages))
	for i, msg := range messages {
		out[i] = RecallMessage{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

// FromArchivalEntries converts store-level archival entries to wire form.
func FromArchivalEntries(entries []memory.ArchivalEntry) []ArchivalEntry {
	out := make([]ArchivalEntry, len(entries))
	for i, entry := range entries {
		out[i] = ArchivalEntry{
			ID:        entry.ID,
			Content:   entry.Content,
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}
