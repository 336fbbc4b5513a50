// Package memory owns agent memory records: the always-resident core memory
// (human/persona text), the recall message log, and the archival entry store.
// Core memory is mutated only through Store.UpdateCoreMemory; the recall and
// archival stores have their own append/insert paths and are reported to the
// core read path as sizes only.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// CoreMemory holds the always-resident memory fields of an agent.
// Either field may be unset; nil and the empty string are distinct states.
type CoreMemory struct {
	Human   *string `json:"human"`
	Persona *string `json:"persona"`
}

// CoreMemoryUpdate carries new core memory values for an update.
// A nil field means "leave unchanged". A pointer to the empty string
// clears the field. The two must never be collapsed into one state.
type CoreMemoryUpdate struct {
	Human   *string
	Persona *string
}

// IsZero reports whether the update changes nothing.
func (u CoreMemoryUpdate) IsZero() bool {
	return u.Human == nil && u.Persona == nil
}

// apply returns the core memory that results from applying the update to old.
func (u CoreMemoryUpdate) apply(old CoreMemory) CoreMemory {
	updated := old
	if u.Human != nil {
		updated.Human = u.Human
	}
	if u.Persona != nil {
		updated.Persona = u.Persona
	}
	return updated
}

// Record is the full memory state of one agent as seen by the read path.
type Record struct {
	CoreMemory    CoreMemory
	RecallCount   int64
	ArchivalCount int64
}

// Agent is an agent row with its core memory.
type Agent struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CoreMemory CoreMemory `json:"core_memory"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RecallMessage is one entry of an agent's conversation log.
type RecallMessage struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchivalEntry is one long-term memory entry.
type ArchivalEntry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAgentID issues a fresh agent identifier.
func NewAgentID() string {
	return uuid.New().String()
}

// validateAgentID checks the structural validity of an agent identifier.
func validateAgentID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	return nil
}
