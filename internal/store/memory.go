package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorai/conductor/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// one-shot local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message
	cursors  map[string]*models.Cursor
	tasks    map[string]*models.Task
	children map[string][]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: map[string][]*models.Message{},
		cursors:  map[string]*models.Cursor{},
		tasks:    map[string]*models.Task{},
		children: map[string][]string{},
	}
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.AgentID == "" {
		return errors.New("message agent ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.Seq = int64(len(m.messages[clone.AgentID])) + 1
	m.messages[clone.AgentID] = append(m.messages[clone.AgentID], &clone)

	// Reflect generated fields back to caller.
	msg.ID = clone.ID
	msg.Seq = clone.Seq
	msg.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) MessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for _, msg := range m.messages[agentID] {
		if msg.Seq > after {
			clone := *msg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) Cursor(ctx context.Context, agentID string) (*models.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.cursors[agentID]
	if !ok {
		return &models.Cursor{AgentID: agentID}, nil
	}
	clone := *cur
	return &clone, nil
}

func (m *MemoryStore) CommitCursor(ctx context.Context, agentID string, seq int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors[agentID] = &models.Cursor{AgentID: agentID, Seq: seq, SessionID: sessionID}
	return nil
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("task is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *task
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Status == "" {
		clone.Status = models.TaskPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.tasks[clone.ID] = &clone
	if clone.ParentID != "" {
		m.children[clone.ParentID] = append(m.children[clone.ParentID], clone.ID)
	}

	task.ID = clone.ID
	task.Status = clone.Status
	task.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, result, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !task.Status.CanTransition(status) {
		return ErrInvalidTransition
	}

	task.Status = status
	if result != "" {
		task.Result = result
	}
	if errDetail != "" {
		task.Error = errDetail
	}
	if status.IsTerminal() {
		now := time.Now()
		task.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (m *MemoryStore) TaskTree(ctx context.Context, rootID string) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, ok := m.tasks[rootID]
	if !ok {
		return nil, ErrNotFound
	}

	var out []*models.Task
	queue := []*models.Task{root}
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		clone := *task
		out = append(out, &clone)
		for _, childID := range m.children[task.ID] {
			if child, ok := m.tasks[childID]; ok {
				queue = append(queue, child)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
