package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/membank/membank/pkg/memory/search"
	"github.com/membank/membank/pkg/sqliteutil"
)

// updateRetries bounds how often a contended core-memory update is retried
// before it surfaces as ErrUnavailable.
const updateRetries = 3

// SQLiteStore implements Store using SQLite, with a bleve index over
// archival entries for full-text search.
type SQLiteStore struct {
	db    *sql.DB
	index *search.Index
}

// NewSQLiteStore opens the database at path, runs migrations and rebuilds
// the archival search index.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			human TEXT,
			persona TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	migrationManager := NewMigrationManager(db)
	if err := migrationManager.InitializeMigrations(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	index, err := search.New()
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db, index: index}
	if err := store.rebuildIndex(context.Background()); err != nil {
		_ = index.Close()
		db.Close()
		return nil, fmt.Errorf("rebuilding archival index: %w", err)
	}

	return store, nil
}

// rebuildIndex reloads every archival entry into the search index.
func (s *SQLiteStore) rebuildIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, agent_id, content FROM archival_entries")
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, agentID, content string
		if err := rows.Scan(&id, &agentID, &content); err != nil {
			return err
		}
		if err := s.index.Add(id, agentID, content); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if count > 0 {
		slog.Debug("[STORE] Rebuilt archival index", "entries", count)
	}
	return nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, name string, core CoreMemory) (*Agent, error) {
	agent := Agent{
		ID:         NewAgentID(),
		Name:       name,
		CoreMemory: core,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agents (id, name, human, persona, created_at) VALUES (?, ?, ?, ?, ?)",
		agent.ID, agent.Name, textOrNull(core.Human), textOrNull(core.Persona), agent.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	slog.Debug("[STORE] CreateAgent", "agent_id", agent.ID, "name", name)
	return &agent, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if err := validateAgentID(id); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, human, persona, created_at FROM agents WHERE id = ?", id)
	return scanAgent(row)
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, human, persona, created_at FROM agents ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	if err := validateAgentID(id); err != nil {
		return err
	}

	// Collect entry IDs first so the search index can be pruned after the
	// cascade delete removes the rows.
	entryIDs, err := s.archivalEntryIDs(ctx, id)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	for _, entryID := range entryIDs {
		if err := s.index.Remove(entryID); err != nil {
			slog.Warn("[STORE] Failed to remove archival entry from index", "entry_id", entryID, "error", err)
		}
	}

	slog.Debug("[STORE] DeleteAgent", "agent_id", id)
	return nil
}

func (s *SQLiteStore) archivalEntryIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM archival_entries WHERE agent_id = ?", agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchMemory returns core memory plus recall/archival sizes in one query
// so the record is a consistent snapshot of a single point in time.
func (s *SQLiteStore) FetchMemory(ctx context.Context, agentID string) (*Record, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}

	var human, persona sql.NullString
	var recallCount, archivalCount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT human, persona,
			(SELECT COUNT(*) FROM recall_messages WHERE agent_id = agents.id),
			(SELECT COUNT(*) FROM archival_entries WHERE agent_id = agents.id)
		 FROM agents WHERE id = ?`, agentID).
		Scan(&human, &persona, &recallCount, &archivalCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Record{
		CoreMemory:    CoreMemory{Human: textPtr(human), Persona: textPtr(persona)},
		RecallCount:   recallCount,
		ArchivalCount: archivalCount,
	}, nil
}

// UpdateCoreMemory runs the read-old/write-new sequence inside a single
// transaction. The write connection is serialized by the pool, so committed
// updates form a total order per database and therefore per agent. A busy
// database is retried a bounded number of times before surfacing as
// ErrUnavailable; the caller never observes a partially applied update.
func (s *SQLiteStore) UpdateCoreMemory(ctx context.Context, agentID string, update CoreMemoryUpdate) (CoreMemory, CoreMemory, error) {
	if err := validateAgentID(agentID); err != nil {
		return CoreMemory{}, CoreMemory{}, err
	}

	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			case <-ctx.Done():
				return CoreMemory{}, CoreMemory{}, ctx.Err()
			}
		}

		old, updated, err := s.updateCoreMemoryTx(ctx, agentID, update)
		if err == nil {
			return old, updated, nil
		}
		if !sqliteutil.IsBusyError(err) {
			return CoreMemory{}, CoreMemory{}, err
		}

		slog.Debug("[STORE] Core memory update contended, retrying", "agent_id", agentID, "attempt", attempt+1)
		lastErr = err
	}

	return CoreMemory{}, CoreMemory{}, fmt.Errorf("%w: core memory update retries exhausted: %v", ErrUnavailable, lastErr)
}

func (s *SQLiteStore) updateCoreMemoryTx(ctx context.Context, agentID string, update CoreMemoryUpdate) (CoreMemory, CoreMemory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CoreMemory{}, CoreMemory{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var human, persona sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT human, persona FROM agents WHERE id = ?", agentID).
		Scan(&human, &persona)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CoreMemory{}, CoreMemory{}, ErrNotFound
		}
		return CoreMemory{}, CoreMemory{}, err
	}

	old := CoreMemory{Human: textPtr(human), Persona: textPtr(persona)}
	updated := update.apply(old)

	_, err = tx.ExecContext(ctx, "UPDATE agents SET human = ?, persona = ? WHERE id = ?",
		textOrNull(updated.Human), textOrNull(updated.Persona), agentID)
	if err != nil {
		return CoreMemory{}, CoreMemory{}, err
	}

	if err := tx.Commit(); err != nil {
		return CoreMemory{}, CoreMemory{}, err
	}

	return old, updated, nil
}

func (s *SQLiteStore) AppendRecall(ctx context.Context, agentID string, messages []RecallMessage) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := agentExistsTx(ctx, tx, agentID); err != nil {
		return err
	}

	for _, msg := range messages {
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO recall_messages (agent_id, role, content, created_at) VALUES (?, ?, ?, ?)",
			agentID, msg.Role, msg.Content, createdAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting recall message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) SearchRecall(ctx context.Context, agentID, query string, limit int) ([]RecallMessage, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	if err := s.agentExists(ctx, agentID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, role, content, created_at FROM recall_messages
		 WHERE agent_id = ? AND content LIKE ? ESCAPE '\'
		 ORDER BY id LIMIT ?`,
		agentID, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecallMessages(rows)
}

func (s *SQLiteStore) SearchRecallByDate(ctx context.Context, agentID string, start, end time.Time, limit int) ([]RecallMessage, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	if err := s.agentExists(ctx, agentID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	// Timestamps are stored as UTC RFC3339 strings, which order
	// lexicographically within the table.
	startStr := "0000"
	if !start.IsZero() {
		startStr = start.UTC().Format(time.RFC3339)
	}
	endStr := "9999"
	if !end.IsZero() {
		endStr = end.UTC().Format(time.RFC3339)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, role, content, created_at FROM recall_messages
		 WHERE agent_id = ? AND created_at >= ? AND created_at <= ?
		 ORDER BY id LIMIT ?`,
		agentID, startStr, endStr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecallMessages(rows)
}

func (s *SQLiteStore) InsertArchival(ctx context.Context, agentID, content string) (*ArchivalEntry, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	if err := s.agentExists(ctx, agentID); err != nil {
		return nil, err
	}

	entry := ArchivalEntry{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO archival_entries (id, agent_id, content, created_at) VALUES (?, ?, ?, ?)",
		entry.ID, entry.AgentID, entry.Content, entry.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	if err := s.index.Add(entry.ID, agentID, content); err != nil {
		slog.Warn("[STORE] Failed to index archival entry", "entry_id", entry.ID, "error", err)
	}

	return &entry, nil
}

func (s *SQLiteStore) DeleteArchival(ctx context.Context, agentID, entryID string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if err := s.agentExists(ctx, agentID); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM archival_entries WHERE id = ? AND agent_id = ?", entryID, agentID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrEntryNotFound
	}

	if err := s.index.Remove(entryID); err != nil {
		slog.Warn("[STORE] Failed to remove archival entry from index", "entry_id", entryID, "error", err)
	}

	return nil
}

// SearchArchival queries the full-text index, then loads the matching rows.
// Result order follows the index ranking.
func (s *SQLiteStore) SearchArchival(ctx context.Context, agentID, query string, limit int) ([]ArchivalEntry, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	if err := s.agentExists(ctx, agentID); err != nil {
		return nil, err
	}

	ids, err := s.index.Search(agentID, query, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]ArchivalEntry, 0, len(ids))
	for _, id := range ids {
		var entry ArchivalEntry
		var createdAtStr string
		err := s.db.QueryRowContext(ctx,
			"SELECT id, agent_id, content, created_at FROM archival_entries WHERE id = ?", id).
			Scan(&entry.ID, &entry.AgentID, &entry.Content, &createdAtStr)
		if errors.Is(err, sql.ErrNoRows) {
			// Index can briefly know about rows a concurrent delete removed.
			continue
		}
		if err != nil {
			return nil, err
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Close closes the database connection and the search index.
func (s *SQLiteStore) Close() error {
	indexErr := s.index.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return indexErr
}

func (s *SQLiteStore) agentExists(ctx context.Context, agentID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM agents WHERE id = ?", agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func agentExistsTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM agents WHERE id = ?", agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// scanAgent scans a single agents row.
func scanAgent(scanner interface {
	Scan(dest ...any) error
},
) (*Agent, error) {
	var id, name, createdAtStr string
	var human, persona sql.NullString

	err := scanner.Scan(&id, &name, &human, &persona, &createdAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, err
	}

	return &Agent{
		ID:         id,
		Name:       name,
		CoreMemory: CoreMemory{Human: textPtr(human), Persona: textPtr(persona)},
		CreatedAt:  createdAt,
	}, nil
}

func scanRecallMessages(rows *sql.Rows) ([]RecallMessage, error) {
	var messages []RecallMessage
	for rows.Next() {
		var msg RecallMessage
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.AgentID, &msg.Role, &msg.Content, &createdAtStr); err != nil {
			return nil, err
		}
		createdAt, err := time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, err
		}
		msg.CreatedAt = createdAt
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// textOrNull maps an unset field to NULL, preserving the distinction
// between unset and explicitly empty.
func textOrNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func textPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// escapeLike escapes LIKE metacharacters in a user query.
func escapeLike(query string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(query)
}
