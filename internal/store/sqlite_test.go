package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/conductorai/conductor/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AppendAndRead(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	msg := &models.Message{
		AgentID: "a",
		Role:    models.RoleUser,
		Content: "first",
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("expected seq 1, got %d", msg.Seq)
	}

	withTools := &models.Message{
		AgentID: "a",
		Role:    models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "lookup", Input: []byte(`{"q":"weather"}`)},
		},
	}
	if err := s.AppendMessage(ctx, withTools); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	msgs, err := s.MessagesSince(ctx, "a", 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].ToolCalls[0].Name != "lookup" {
		t.Errorf("tool calls not round-tripped: %+v", msgs[1].ToolCalls)
	}

	msgs, err = s.MessagesSince(ctx, "a", 1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Seq != 2 {
		t.Errorf("cursor filter wrong: %d messages", len(msgs))
	}
}

func TestSQLiteStore_CursorCommit(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cur, err := s.Cursor(ctx, "a")
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cur.Seq != 0 {
		t.Errorf("expected zero cursor, got %d", cur.Seq)
	}

	if err := s.CommitCursor(ctx, "a", 5, "sess-1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := s.CommitCursor(ctx, "a", 9, "sess-2"); err != nil {
		t.Fatalf("recommit failed: %v", err)
	}

	cur, err = s.Cursor(ctx, "a")
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cur.Seq != 9 || cur.SessionID != "sess-2" {
		t.Errorf("expected seq=9 session=sess-2, got %+v", cur)
	}
}

func TestSQLiteStore_Tasks(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	root := &models.Task{AgentID: "lead", Objective: "root"}
	if err := s.CreateTask(ctx, root); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	child := &models.Task{ParentID: root.ID, AgentID: "a", Objective: "child"}
	if err := s.CreateTask(ctx, child); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.UpdateTaskStatus(ctx, child.ID, models.TaskRunning, "", ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, child.ID, models.TaskFailed, "", "boom"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, child.ID, models.TaskRunning, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	tree, err := s.TaskTree(ctx, root.ID)
	if err != nil {
		t.Fatalf("tree failed: %v", err)
	}
	if len(tree) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tree))
	}

	got, err := s.GetTask(ctx, child.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.TaskFailed || got.Error != "boom" || got.CompletedAt == nil {
		t.Errorf("terminal state not recorded: %+v", got)
	}
}
