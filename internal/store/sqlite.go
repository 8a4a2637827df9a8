package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/conductorai/conductor/pkg/models"
)

// SQLiteStore implements the Store interface on a local SQLite database.
// Messages are an append-only log keyed by (agent_id, seq); the cursor is a
// separate single-row-per-agent record updated in one atomic statement.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	tool_results TEXT,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, seq)
);

CREATE TABLE IF NOT EXISTS cursors (
	agent_id   TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	session_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	parent_id    TEXT NOT NULL DEFAULT '',
	agent_id     TEXT NOT NULL,
	objective    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
`

// NewSQLiteStore opens (and if necessary creates) a SQLite store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; a larger pool only produces
	// SQLITE_BUSY under concurrent agents.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.AgentID == "" {
		return errors.New("message agent ID is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	toolCalls, toolResults, err := marshalToolData(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE agent_id = ?`,
		msg.AgentID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, agent_id, seq, role, content, tool_calls, tool_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AgentID, seq, string(msg.Role), msg.Content, toolCalls, toolResults, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	msg.Seq = seq
	return nil
}

func (s *SQLiteStore) MessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, seq, role, content, tool_calls, tool_results, created_at
		 FROM messages WHERE agent_id = ? AND seq > ? ORDER BY seq ASC`,
		agentID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Cursor(ctx context.Context, agentID string) (*models.Cursor, error) {
	cur := &models.Cursor{AgentID: agentID}
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, session_id FROM cursors WHERE agent_id = ?`, agentID,
	).Scan(&cur.Seq, &cur.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cur, nil
}

func (s *SQLiteStore) CommitCursor(ctx context.Context, agentID string, seq int64, sessionID string) error {
	// Single upsert keeps seq and session_id atomic with respect to readers.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (agent_id, seq, session_id) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET seq = excluded.seq, session_id = excluded.session_id`,
		agentID, seq, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, parent_id, agent_id, objective, status, result, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ParentID, task.AgentID, task.Objective, string(task.Status), task.Result, task.Error, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, result, errDetail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	if !models.TaskStatus(current).CanTransition(status) {
		return ErrInvalidTransition
	}

	var completedAt any
	if status.IsTerminal() {
		completedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?,
			result = CASE WHEN ? != '' THEN ? ELSE result END,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		string(status), result, result, errDetail, errDetail, completedAt, id,
	); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, agent_id, objective, status, result, error, created_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLiteStore) TaskTree(ctx context.Context, rootID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE tree(id) AS (
			SELECT id FROM tasks WHERE id = ?
			UNION ALL
			SELECT t.id FROM tasks t JOIN tree ON t.parent_id = tree.id
		 )
		 SELECT t.id, t.parent_id, t.agent_id, t.objective, t.status, t.result, t.error, t.created_at, t.completed_at
		 FROM tasks t JOIN tree ON t.id = tree.id
		 ORDER BY t.created_at ASC`,
		rootID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query task tree: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var toolCalls, toolResults sql.NullString

	if err := row.Scan(&msg.ID, &msg.AgentID, &msg.Seq, &role, &msg.Content, &toolCalls, &toolResults, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Role = models.Role(role)

	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to decode tool calls: %w", err)
		}
	}
	if toolResults.Valid && toolResults.String != "" {
		if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("failed to decode tool results: %w", err)
		}
	}
	return &msg, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var status string
	var completedAt sql.NullTime

	if err := row.Scan(&task.ID, &task.ParentID, &task.AgentID, &task.Objective, &status, &task.Result, &task.Error, &task.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

func marshalToolData(msg *models.Message) (toolCalls, toolResults any, err error) {
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	if len(msg.ToolResults) > 0 {
		data, err := json.Marshal(msg.ToolResults)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode tool results: %w", err)
		}
		toolResults = string(data)
	}
	return toolCalls, toolResults, nil
}
