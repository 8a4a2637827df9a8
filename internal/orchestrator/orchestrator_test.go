package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conductorai/conductor/internal/store"
	"github.com/conductorai/conductor/pkg/models"
)

// fakeDispatcher resolves each dispatch through a per-agent handler.
type fakeDispatcher struct {
	mu      sync.Mutex
	handler func(ctx context.Context, task *models.Task) (string, error)
	active  int32
	maxSeen int32
	tasks   []*models.Task
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task *models.Task) (string, error) {
	cur := atomic.AddInt32(&d.active, 1)
	defer atomic.AddInt32(&d.active, -1)
	for {
		prev := atomic.LoadInt32(&d.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&d.maxSeen, prev, cur) {
			break
		}
	}
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	return d.handler(ctx, task)
}

func (d *fakeDispatcher) rootID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return ""
	}
	return d.tasks[0].ParentID
}

func newOrchestrator(t *testing.T, d Dispatcher, maxConcurrent int) (*Orchestrator, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	o := New(st, d, Config{MaxConcurrent: maxConcurrent})
	return o, st
}

func subtasksN(n int) []Subtask {
	out := make([]Subtask, n)
	for i := range out {
		out[i] = Subtask{AgentID: "worker", Objective: "part " + string(rune('a'+i))}
	}
	return out
}

func TestRunAllChildrenSucceed(t *testing.T) {
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		return "done: " + task.Objective, nil
	}}
	o, st := newOrchestrator(t, d, 0)

	syn, err := o.Run(context.Background(), "big goal", subtasksN(3))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if syn.Status != models.TaskSucceeded {
		t.Errorf("got status %q, want succeeded", syn.Status)
	}
	if len(syn.Caveats) != 0 {
		t.Errorf("unexpected caveats: %v", syn.Caveats)
	}
	if !strings.Contains(syn.Result, "done: part a") {
		t.Errorf("result missing child output: %q", syn.Result)
	}

	tree, err := st.TaskTree(context.Background(), syn.RootID)
	if err != nil {
		t.Fatalf("TaskTree failed: %v", err)
	}
	if len(tree) != 4 {
		t.Fatalf("got %d tasks, want 4", len(tree))
	}
	for _, task := range tree {
		if task.Status != models.TaskSucceeded {
			t.Errorf("task %s has status %q, want succeeded", task.ID, task.Status)
		}
	}
}

func TestRunPartialFailureKeepsSiblingResults(t *testing.T) {
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		if strings.Contains(task.Objective, "doomed") {
			return "", errors.New("auth failure: invalid api key")
		}
		return "partial data", nil
	}}
	o, st := newOrchestrator(t, d, 0)

	syn, err := o.Run(context.Background(), "goal", []Subtask{
		{AgentID: "a1", Objective: "fine"},
		{AgentID: "a2", Objective: "doomed"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Partial failure still succeeds, with an explicit caveat naming the
	// failed subtask and its error.
	if syn.Status != models.TaskSucceeded {
		t.Errorf("got status %q, want succeeded", syn.Status)
	}
	if len(syn.Caveats) != 1 {
		t.Fatalf("got %d caveats, want 1: %v", len(syn.Caveats), syn.Caveats)
	}
	if !strings.Contains(syn.Caveats[0], "doomed") || !strings.Contains(syn.Caveats[0], "auth failure") {
		t.Errorf("caveat does not name the failure: %q", syn.Caveats[0])
	}
	if !strings.Contains(syn.Result, "partial data") {
		t.Errorf("sibling success erased from result: %q", syn.Result)
	}

	root, err := st.GetTask(context.Background(), syn.RootID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if root.Status != models.TaskSucceeded {
		t.Errorf("root status %q, want succeeded", root.Status)
	}
	if !strings.Contains(root.Error, "doomed") {
		t.Errorf("root error detail missing caveat: %q", root.Error)
	}
}

func TestRunAllChildrenFail(t *testing.T) {
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		return "", errors.New("boom")
	}}
	o, _ := newOrchestrator(t, d, 0)

	syn, err := o.Run(context.Background(), "goal", subtasksN(2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if syn.Status != models.TaskFailed {
		t.Errorf("got status %q, want failed", syn.Status)
	}
	if len(syn.Caveats) != 2 {
		t.Errorf("got %d caveats, want 2", len(syn.Caveats))
	}
}

func TestRunZeroChildren(t *testing.T) {
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		return "", nil
	}}
	o, _ := newOrchestrator(t, d, 0)

	syn, err := o.Run(context.Background(), "trivial goal", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if syn.Status != models.TaskSucceeded {
		t.Errorf("got status %q, want succeeded", syn.Status)
	}
}

func TestRunBoundedFanOut(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		<-release
		return "ok", nil
	}}
	o, _ := newOrchestrator(t, d, 5)

	done := make(chan *Synthesis, 1)
	go func() {
		syn, err := o.Run(context.Background(), "goal", subtasksN(8))
		if err != nil {
			t.Errorf("Run failed: %v", err)
		}
		done <- syn
	}()

	// Let dispatch saturate the slots, then release everyone.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&d.active); got != 5 {
		t.Errorf("got %d active dispatches, want 5", got)
	}
	close(release)

	syn := <-done
	if got := atomic.LoadInt32(&d.maxSeen); got > 5 {
		t.Errorf("observed %d concurrent dispatches, cap is 5", got)
	}
	for _, child := range syn.Children {
		if !child.Status.IsTerminal() {
			t.Errorf("child %s ended non-terminal: %q", child.TaskID, child.Status)
		}
	}
	if len(syn.Children) != 8 {
		t.Errorf("got %d children, want 8", len(syn.Children))
	}
}

func TestCancelPropagatesToDescendants(t *testing.T) {
	started := make(chan struct{}, 8)
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	o, _ := newOrchestrator(t, d, 2)

	done := make(chan *Synthesis, 1)
	go func() {
		syn, err := o.Run(context.Background(), "goal", subtasksN(4))
		if err != nil {
			t.Errorf("Run failed: %v", err)
			done <- nil
			return
		}
		done <- syn
	}()

	// Wait until the first two children are blocked inside their dispatch.
	<-started
	<-started

	start := time.Now()
	if err := o.Cancel(context.Background(), d.rootID()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	syn := <-done
	if syn == nil {
		t.Fatal("no synthesis")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, want under 1s", elapsed)
	}
	if syn.Status != models.TaskCancelled {
		t.Errorf("got root status %q, want cancelled", syn.Status)
	}
	for _, child := range syn.Children {
		if child.Status != models.TaskCancelled {
			t.Errorf("child %s has status %q, want cancelled", child.TaskID, child.Status)
		}
	}
}

func TestCancelledChildCountsAsFailureForSynthesis(t *testing.T) {
	d := &fakeDispatcher{handler: func(ctx context.Context, task *models.Task) (string, error) {
		if strings.Contains(task.Objective, "part a") {
			return "ok", nil
		}
		return "", context.Canceled
	}}
	o, _ := newOrchestrator(t, d, 0)

	syn, err := o.Run(context.Background(), "goal", subtasksN(2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if syn.Status != models.TaskSucceeded {
		t.Errorf("got status %q, want succeeded with caveats", syn.Status)
	}
	if len(syn.Caveats) != 1 || !strings.Contains(syn.Caveats[0], "cancelled") {
		t.Errorf("expected a cancellation caveat, got %v", syn.Caveats)
	}
}
