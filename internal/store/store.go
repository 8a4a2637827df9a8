// Package store defines durable persistence for agent histories, resumption
// cursors, and orchestration task trees.
package store

import (
	"context"
	"errors"

	"github.com/conductorai/conductor/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned when a task status update violates
	// the forward-only state machine.
	ErrInvalidTransition = errors.New("store: invalid task status transition")
)

// Store is the interface for message, cursor, and task persistence.
//
// Implementations must provide read-your-writes consistency per agent: a
// committed cursor is visible to the next read for the same agent. Cross-agent
// transactions are not required.
type Store interface {
	// AppendMessage persists a message and assigns it the next sequence
	// number for its agent. The assigned Seq is reflected back on msg.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// MessagesSince returns all messages for the agent with Seq > after,
	// ordered by Seq ascending.
	MessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error)

	// Cursor returns the agent's resumption cursor. An agent that has never
	// committed has a zero cursor, not ErrNotFound.
	Cursor(ctx context.Context, agentID string) (*models.Cursor, error)

	// CommitCursor atomically records the cursor position and session
	// identifier for an agent. This is the only operation that marks
	// forward progress for a run.
	CommitCursor(ctx context.Context, agentID string, seq int64, sessionID string) error

	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, task *models.Task) error

	// UpdateTaskStatus transitions a task to a new status, enforcing the
	// task state machine. Result and errDetail are recorded on terminal
	// transitions.
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, result, errDetail string) error

	// GetTask returns a task by ID.
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// TaskTree returns the root task and all its descendants.
	TaskTree(ctx context.Context, rootID string) ([]*models.Task, error)

	// Close releases any underlying resources.
	Close() error
}
