package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/conductorai/conductor/pkg/models"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds configuration for the PostgreSQL connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agent_seq (
	agent_id TEXT PRIMARY KEY,
	seq      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	tool_results TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (agent_id, seq)
);

CREATE TABLE IF NOT EXISTS cursors (
	agent_id   TEXT PRIMARY KEY,
	seq        BIGINT NOT NULL,
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
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
`

// NewPostgresStore creates a new PostgreSQL store from a DSN/URL.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying database connection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
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

	// The per-agent counter row serializes sequence allocation without
	// locking the message log itself.
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO agent_seq (agent_id, seq) VALUES ($1, 1)
		 ON CONFLICT (agent_id) DO UPDATE SET seq = agent_seq.seq + 1
		 RETURNING seq`,
		msg.AgentID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, agent_id, seq, role, content, tool_calls, tool_results, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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

func (s *PostgresStore) MessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, seq, role, content, tool_calls, tool_results, created_at
		 FROM messages WHERE agent_id = $1 AND seq > $2 ORDER BY seq ASC`,
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

func (s *PostgresStore) Cursor(ctx context.Context, agentID string) (*models.Cursor, error) {
	cur := &models.Cursor{AgentID: agentID}
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, session_id FROM cursors WHERE agent_id = $1`, agentID,
	).Scan(&cur.Seq, &cur.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cur, nil
}

func (s *PostgresStore) CommitCursor(ctx context.Context, agentID string, seq int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (agent_id, seq, session_id) VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET seq = excluded.seq, session_id = excluded.session_id`,
		agentID, seq, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.ParentID, task.AgentID, task.Objective, string(task.Status), task.Result, task.Error, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, result, errDetail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&current)
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
		`UPDATE tasks SET status = $1,
			result = CASE WHEN $2 != '' THEN $2 ELSE result END,
			error = CASE WHEN $3 != '' THEN $3 ELSE error END,
			completed_at = COALESCE($4::timestamptz, completed_at)
		 WHERE id = $5`,
		string(status), result, errDetail, completedAt, id,
	); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, agent_id, objective, status, result, error, created_at, completed_at
		 FROM tasks WHERE id = $1`, id,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *PostgresStore) TaskTree(ctx context.Context, rootID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE tree(id) AS (
			SELECT id FROM tasks WHERE id = $1
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
