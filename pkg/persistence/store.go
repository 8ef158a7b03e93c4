// Package persistence provides SQLite-based archival storage for completed
// sessions. Live coordination state stays in memory; the store only receives
// sessions at completion time so history survives restarts.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// Store is the archival database handle.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// ArchivedSession is a completed session row.
type ArchivedSession struct {
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt time.Time           `json:"completed_at"`
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Objective   string              `json:"objective"`
	Priority    proto.Priority      `json:"priority"`
	Agents      []string            `json:"agents,omitempty"`
	Status      proto.SessionStatus `json:"status"`
	Tasks       []ArchivedTask      `json:"tasks,omitempty"`
}

// ArchivedTask is one task row belonging to an archived session.
type ArchivedTask struct {
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	AgentID     string           `json:"agent_id"`
	Description string           `json:"description"`
	Status      proto.TaskStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
	Tokens      int64            `json:"tokens"`
	CostUSD     float64          `json:"cost_usd"`
}

// Open creates or opens the archive database at dbPath and ensures the
// schema is at the current version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("Archive database opened: %s", dbPath)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ArchiveSession writes a completed session and its tasks in one
// transaction. Re-archiving the same session replaces the prior rows.
func (s *Store) ArchiveSession(ctx context.Context, session *ArchivedSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, name, objective, priority, agents, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Name, session.Objective, string(session.Priority),
		strings.Join(session.Agents, ","), string(session.Status),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to clear tasks for session %s: %w", session.ID, err)
	}

	for i := range session.Tasks {
		t := &session.Tasks[i]
		completedAt := ""
		if !t.CompletedAt.IsZero() {
			completedAt = t.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, session_id, agent_id, description, status,
				created_at, completed_at, duration_ms, tokens, cost_usd, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, session.ID, t.AgentID, t.Description, string(t.Status),
			t.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
			t.DurationMs, t.Tokens, t.CostUSD, t.Error)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive for session %s: %w", session.ID, err)
	}

	s.logger.Info("Archived session %s with %d tasks", session.ID, len(session.Tasks))
	return nil
}

// GetSession loads one archived session with its tasks. Returns
// sql.ErrNoRows wrapped when the session was never archived.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*ArchivedSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, objective, priority, agents, status, created_at, completed_at
		FROM sessions WHERE id = ?
	`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, description, status,
			created_at, completed_at, duration_ms, tokens, cost_usd, error
		FROM tasks WHERE session_id = ? ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		session.Tasks = append(session.Tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task row iteration failed: %w", err)
	}

	return session, nil
}

// ListSessions returns archived sessions newest-first, without task rows.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, objective, priority, agents, status, created_at, completed_at
		FROM sessions ORDER BY completed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []ArchivedSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session row iteration failed: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ArchivedSession, error) {
	var session ArchivedSession
	var priority, agents, status, createdAt, completedAt string
	if err := row.Scan(&session.ID, &session.Name, &session.Objective,
		&priority, &agents, &status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	session.Priority = proto.Priority(priority)
	if agents != "" {
		session.Agents = strings.Split(agents, ",")
	}
	session.Status = proto.SessionStatus(status)
	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	session.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	return &session, nil
}

func scanTask(row rowScanner) (*ArchivedTask, error) {
	var task ArchivedTask
	var status, createdAt, completedAt string
	if err := row.Scan(&task.ID, &task.SessionID, &task.AgentID, &task.Description,
		&status, &createdAt, &completedAt, &task.DurationMs, &task.Tokens,
		&task.CostUSD, &task.Error); err != nil {
		return nil, err
	}
	task.Status = proto.TaskStatus(status)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt != "" {
		task.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	}
	return &task, nil
}
