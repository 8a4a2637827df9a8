package models

import "time"

// TaskStatus represents the state of a delegated unit of work.
type TaskStatus string

const (
	// TaskPending indicates the task has been created but not dispatched.
	TaskPending TaskStatus = "pending"

	// TaskRunning indicates the task's agent is working on it.
	TaskRunning TaskStatus = "running"

	// TaskSucceeded indicates the task completed with a result.
	TaskSucceeded TaskStatus = "succeeded"

	// TaskFailed indicates the task ended with an error.
	TaskFailed TaskStatus = "failed"

	// TaskCancelled indicates the task was cancelled before completion.
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a status change is legal. Statuses only move
// forward: pending -> running -> {succeeded, failed}, and any non-terminal
// status may move to cancelled.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case TaskRunning:
		return s == TaskPending
	case TaskSucceeded, TaskFailed:
		return s == TaskRunning
	case TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is one node in an orchestration tree: a sub-objective bound to an
// agent. ParentID is empty for root tasks.
type Task struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	AgentID     string     `json:"agent_id"`
	Objective   string     `json:"objective"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
