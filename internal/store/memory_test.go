package store

import (
	"context"
	"errors"
	"testing"

	"github.com/conductorai/conductor/pkg/models"
)

func TestMemoryStore_AppendAssignsSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		msg := &models.Message{AgentID: "a", Role: models.RoleUser, Content: "hi"}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if msg.Seq != int64(i) {
			t.Errorf("expected seq %d, got %d", i, msg.Seq)
		}
		if msg.ID == "" {
			t.Error("expected generated message ID")
		}
	}

	// Sequences are per agent.
	other := &models.Message{AgentID: "b", Role: models.RoleUser, Content: "hi"}
	if err := s.AppendMessage(ctx, other); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if other.Seq != 1 {
		t.Errorf("expected independent sequence for agent b, got %d", other.Seq)
	}
}

func TestMemoryStore_MessagesSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, &models.Message{AgentID: "a", Role: models.RoleUser}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	msgs, err := s.MessagesSince(ctx, "a", 3)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages past seq 3, got %d", len(msgs))
	}
	if msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Errorf("wrong sequence order: %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestMemoryStore_CursorLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cur, err := s.Cursor(ctx, "a")
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cur.Seq != 0 || cur.SessionID != "" {
		t.Errorf("expected zero cursor for new agent, got %+v", cur)
	}

	if err := s.CommitCursor(ctx, "a", 12, "sess-1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	cur, err = s.Cursor(ctx, "a")
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cur.Seq != 12 || cur.SessionID != "sess-1" {
		t.Errorf("cursor not committed atomically: %+v", cur)
	}
}

func TestMemoryStore_TaskTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &models.Task{AgentID: "a", Objective: "do things"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.Status != models.TaskPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}

	if err := s.UpdateTaskStatus(ctx, task.ID, models.TaskSucceeded, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for pending->succeeded, got %v", err)
	}

	if err := s.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, "", ""); err != nil {
		t.Fatalf("pending->running failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, models.TaskSucceeded, "done", ""); err != nil {
		t.Fatalf("running->succeeded failed: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Result != "done" || got.CompletedAt == nil {
		t.Errorf("terminal fields not recorded: %+v", got)
	}

	if err := s.UpdateTaskStatus(ctx, task.ID, models.TaskCancelled, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for terminal task, got %v", err)
	}
}

func TestMemoryStore_TaskTree(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	root := &models.Task{AgentID: "lead", Objective: "root"}
	if err := s.CreateTask(ctx, root); err != nil {
		t.Fatalf("create root failed: %v", err)
	}
	child := &models.Task{ParentID: root.ID, AgentID: "a", Objective: "child"}
	if err := s.CreateTask(ctx, child); err != nil {
		t.Fatalf("create child failed: %v", err)
	}
	grandchild := &models.Task{ParentID: child.ID, AgentID: "b", Objective: "grandchild"}
	if err := s.CreateTask(ctx, grandchild); err != nil {
		t.Fatalf("create grandchild failed: %v", err)
	}

	tree, err := s.TaskTree(ctx, root.ID)
	if err != nil {
		t.Fatalf("tree failed: %v", err)
	}
	if len(tree) != 3 {
		t.Fatalf("expected 3 tasks in tree, got %d", len(tree))
	}

	if _, err := s.TaskTree(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing root, got %v", err)
	}
}
