// Package sqlite is the reference orchestrator.Store implementation: tasks
// and agents persisted to a local SQLite database via sqlx, so a
// coordinator's delegation state survives a routad restart.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/routa-run/routa/internal/orchestrator"
)

// Store is a SQLite-backed orchestrator.Store.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) a SQLite database at path and ensures its
// schema, returning a Store ready for use.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 serializes writers; avoid SQLITE_BUSY under concurrent callers

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already-open sqlx.DB, for callers sharing one
// connection pool across multiple stores.
func NewWithDB(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			title               TEXT NOT NULL,
			objective           TEXT NOT NULL DEFAULT '',
			scope               TEXT NOT NULL DEFAULT '',
			definition_of_done  TEXT NOT NULL DEFAULT '',
			verification        TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'Pending',
			completion_summary  TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			role              TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'Pending',
			parent_agent_id   TEXT NOT NULL DEFAULT '',
			parent_session_id TEXT NOT NULL DEFAULT '',
			task_id           TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_agents_task_id ON agents(task_id);
		CREATE INDEX IF NOT EXISTS idx_agents_parent_session_id ON agents(parent_session_id);
	`)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*orchestrator.Task, error) {
	task := &orchestrator.Task{}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT id, title, objective, scope, definition_of_done, verification, status, completion_summary
		FROM tasks WHERE id = ?
	`), id).Scan(&task.ID, &task.Title, &task.Objective, &task.Scope, &task.DefinitionOfDone, &task.Verification, &task.Status, &task.CompletionSummary)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SaveTask inserts or overwrites a task.
func (s *Store) SaveTask(ctx context.Context, task *orchestrator.Task) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, title, objective, scope, definition_of_done, verification, status, completion_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			objective = excluded.objective,
			scope = excluded.scope,
			definition_of_done = excluded.definition_of_done,
			verification = excluded.verification,
			status = excluded.status,
			completion_summary = excluded.completion_summary
	`), task.ID, task.Title, task.Objective, task.Scope, task.DefinitionOfDone, task.Verification, task.Status, task.CompletionSummary)
	return err
}

// SaveAgent inserts or overwrites an agent record.
func (s *Store) SaveAgent(ctx context.Context, agent *orchestrator.Agent) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, name, role, status, parent_agent_id, parent_session_id, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			status = excluded.status,
			parent_agent_id = excluded.parent_agent_id,
			parent_session_id = excluded.parent_session_id,
			task_id = excluded.task_id
	`), agent.ID, agent.Name, agent.Role, agent.Status, agent.ParentAgentID, agent.ParentSessionID, agent.TaskID)
	return err
}

// UpdateAgentStatus updates only an agent's status field.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status orchestrator.AgentStatus) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE agents SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

var _ orchestrator.Store = (*Store)(nil)
