package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/membank/membank/pkg/concurrent"
)

var (
	ErrEmptyID       = errors.New("agent ID cannot be empty")
	ErrInvalidID     = errors.New("agent ID is not a valid identifier")
	ErrNotFound      = errors.New("agent not found")
	ErrEntryNotFound = errors.New("archival entry not found")
	ErrUnavailable   = errors.New("memory store unavailable")
)

// Store defines the interface for agent memory storage.
type Store interface {
	// === Agent lifecycle ===
	CreateAgent(ctx context.Context, name string, core CoreMemory) (*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// === Core memory ===

	// FetchMemory returns the agent's core memory plus the sizes of its
	// recall and archival stores. It is a pure read and reflects the most
	// recently committed update.
	FetchMemory(ctx context.Context, agentID string) (*Record, error)

	// UpdateCoreMemory atomically replaces the core memory fields named by
	// the update and returns the values before and after. The
	// read-old/write-new sequence is linearizable per agent: two concurrent
	// updates on one agent never observe the same old value.
	UpdateCoreMemory(ctx context.Context, agentID string, update CoreMemoryUpdate) (old, updated CoreMemory, err error)

	// === Recall memory ===
	AppendRecall(ctx context.Context, agentID string, messages []RecallMessage) error
	SearchRecall(ctx context.Context, agentID, query string, limit int) ([]RecallMessage, error)
	SearchRecallByDate(ctx context.Context, agentID string, start, end time.Time, limit int) ([]RecallMessage, error)

	// === Archival memory ===
	InsertArchival(ctx context.Context, agentID, content string) (*ArchivalEntry, error)
	DeleteArchival(ctx context.Context, agentID, entryID string) error
	SearchArchival(ctx context.Context, agentID, query string, limit int) ([]ArchivalEntry, error)

	Close() error
}

// agentRecord is the unit of in-memory storage. Its mutex serializes the
// read-modify-write of UpdateCoreMemory for this agent only.
type agentRecord struct {
	mu       sync.Mutex
	agent    Agent
	recall   []RecallMessage
	archival []ArchivalEntry
	recallID int64
}

// InMemoryStore is a non-persistent Store, used by tests and by deployments
// that don't need memory to survive a restart.
type InMemoryStore struct {
	agents *concurrent.Map[string, *agentRecord]
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agents: concurrent.NewMap[string, *agentRecord](),
	}
}

func (s *InMemoryStore) CreateAgent(_ context.Context, name string, core CoreMemory) (*Agent, error) {
	agent := Agent{
		ID:         NewAgentID(),
		Name:       name,
		CoreMemory: core,
		CreatedAt:  time.Now().UTC(),
	}
	s.agents.Store(agent.ID, &agentRecord{agent: agent})
	return &agent, nil
}

func (s *InMemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	agent := rec.agent
	return &agent, nil
}

func (s *InMemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	agents := make([]*Agent, 0, s.agents.Length())
	s.agents.Range(func(_ string, rec *agentRecord) bool {
		rec.mu.Lock()
		agent := rec.agent
		rec.mu.Unlock()
		agents = append(agents, &agent)
		return true
	})
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

func (s *InMemoryStore) DeleteAgent(_ context.Context, id string) error {
	if err := validateAgentID(id); err != nil {
		return err
	}
	if _, exists := s.agents.Load(id); !exists {
		return ErrNotFound
	}
	s.agents.Delete(id)
	return nil
}

func (s *InMemoryStore) FetchMemory(_ context.Context, agentID string) (*Record, error) {
	rec, err := s.record(agentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return &Record{
		CoreMemory:    rec.agent.CoreMemory,
		RecallCount:   int64(len(rec.recall)),
		ArchivalCount: int64(len(rec.archival)),
	}, nil
}

func (s *InMemoryStore) UpdateCoreMemory(_ context.Context, agentID string, update CoreMemoryUpdate) (CoreMemory, CoreMemory, error) {
	rec, err := s.record(agentID)
	if err != nil {
		return CoreMemory{}, CoreMemory{}, err
	}

	// The record mutex is held across read-old and write-new, which makes
	// updates on one agent linearizable without blocking other agents.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	old := rec.agent.CoreMemory
	updated := update.apply(old)
	rec.agent.CoreMemory = updated
	return old, updated, nil
}

func (s *InMemoryStore) AppendRecall(_ context.Context, agentID string, messages []RecallMessage) error {
	rec, err := s.record(agentID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, msg := range messages {
		rec.recallID++
		msg.ID = rec.recallID
		msg.AgentID = agentID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		rec.recall = append(rec.recall, msg)
	}
	return nil
}

func (s *InMemoryStore) SearchRecall(_ context.Context, agentID, query string, limit int) ([]RecallMessage, error) {
	rec, err := s.record(agentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	query = strings.ToLower(query)
	var results []RecallMessage
	for _, msg := range rec.recall {
		if query != "" && !strings.Contains(strings.ToLower(msg.Content), query) {
			continue
		}
		results = append(results, msg)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (s *InMemoryStore) SearchRecallByDate(_ context.Context, agentID string, start, end time.Time, limit int) ([]RecallMessage, error) {
	rec, err := s.record(agentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	var results []RecallMessage
	for _, msg := range rec.recall {
		if !start.IsZero() && msg.CreatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && msg.CreatedAt.After(end) {
			continue
		}
		results = append(results, msg)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (s *InMemoryStore) InsertArchival(_ context.Context, agentID, content string) (*ArchivalEntry, error) {
	rec, err := s.record(agentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	entry := ArchivalEntry{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	rec.archival = append(rec.archival, entry)
	return &entry, nil
}

func (s *InMemoryStore) DeleteArchival(_ context.Context, agentID, entryID string) error {
	rec, err := s.record(agentID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	for i := range rec.archival {
		if rec.archival[i].ID == entryID {
			rec.archival = append(rec.archival[:i], rec.archival[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *InMemoryStore) SearchArchival(_ context.Context, agentID, query string, limit int) ([]ArchivalEntry, error) {
	rec, err := s.record(agentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	query = strings.ToLower(query)
	var results []ArchivalEntry
	for _, entry := range rec.archival {
		if query != "" && !strings.Contains(strings.ToLower(entry.Content), query) {
			continue
		}
		results = append(results, entry)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) record(agentID string) (*agentRecord, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	rec, exists := s.agents.Load(agentID)
	if !exists {
		return nil, ErrNotFound
	}
	return rec, nil
}
