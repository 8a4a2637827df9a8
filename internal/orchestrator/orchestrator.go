// Package orchestrator manages task trees: it decomposes an objective into
// subtasks, fans them out to agents with bounded parallelism, propagates
// cancellation through the tree, and synthesizes a final result that never
// silently hides a subtask failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorai/conductor/internal/observability"
	"github.com/conductorai/conductor/internal/store"
	"github.com/conductorai/conductor/pkg/models"
)

// DefaultMaxConcurrent bounds how many subtasks run at once per task tree.
const DefaultMaxConcurrent = 5

// Dispatcher delivers a subtask's objective to its agent and blocks until
// the backing run completes, returning the agent's result payload. A
// cancelled ctx must interrupt the wait promptly.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.Task) (string, error)
}

// Subtask describes one unit of delegated work before it has a task record.
type Subtask struct {
	AgentID   string
	Objective string
}

// ChildOutcome is the terminal state of one subtask.
type ChildOutcome struct {
	TaskID    string
	AgentID   string
	Objective string
	Status    models.TaskStatus
	Result    string
	Error     string
}

// Synthesis is the composed final answer for a task tree.
type Synthesis struct {
	RootID string
	Status models.TaskStatus

	// Result is composed from the succeeded subtasks.
	Result string

	// Caveats name each failed or cancelled subtask and its error summary.
	// Non-empty caveats with a succeeded status mean a partial result.
	Caveats []string

	Children []ChildOutcome
}

// Config configures an Orchestrator.
type Config struct {
	// MaxConcurrent bounds in-flight subtasks per tree. Admission is FIFO in
	// creation order.
	MaxConcurrent int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c *Config) sanitize() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator owns the shape of task trees it creates. It does not own the
// agents it dispatches to; those belong to the scheduler.
type Orchestrator struct {
	store      store.Store
	dispatcher Dispatcher
	config     Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator over the given store and dispatcher.
func New(st store.Store, dispatcher Dispatcher, config Config) *Orchestrator {
	config.sanitize()
	return &Orchestrator{
		store:      st,
		dispatcher: dispatcher,
		config:     config,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run decomposes the objective into the given subtasks, dispatches them with
// bounded parallelism, and synthesizes the final result. It blocks until
// every child reaches a terminal state.
//
// Child failures do not produce an error here; they are reported through the
// Synthesis. The returned error covers orchestration itself, such as task
// persistence failing.
func (o *Orchestrator) Run(ctx context.Context, objective string, subtasks []Subtask) (*Synthesis, error) {
	log := o.config.Logger

	root := &models.Task{
		ID:        uuid.NewString(),
		Objective: objective,
		Status:    models.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateTask(ctx, root); err != nil {
		return nil, fmt.Errorf("create root task: %w", err)
	}
	o.config.Metrics.TaskTransition(string(models.TaskPending))

	treeCtx, cancel := context.WithCancel(ctx)
	o.registerCancel(root.ID, cancel)
	defer o.unregisterCancel(root.ID)
	defer cancel()

	// Terminal bookkeeping must survive tree cancellation.
	recordCtx := context.WithoutCancel(ctx)

	if err := o.setStatus(recordCtx, root.ID, models.TaskRunning, "", ""); err != nil {
		return nil, err
	}

	children := make([]*models.Task, len(subtasks))
	for i, st := range subtasks {
		child := &models.Task{
			ID:        uuid.NewString(),
			ParentID:  root.ID,
			AgentID:   st.AgentID,
			Objective: st.Objective,
			Status:    models.TaskPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.store.CreateTask(ctx, child); err != nil {
			return nil, fmt.Errorf("create subtask: %w", err)
		}
		o.config.Metrics.TaskTransition(string(models.TaskPending))
		children[i] = child
	}

	log.Info("task tree dispatched",
		"root_id", root.ID,
		"children", len(children),
		"max_concurrent", o.config.MaxConcurrent)

	// FIFO admission: slots are acquired here, in creation order, never in
	// the workers.
	outcomes := make([]ChildOutcome, len(children))
	sem := make(chan struct{}, o.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i, child := range children {
		admitted := false
		if treeCtx.Err() == nil {
			select {
			case sem <- struct{}{}:
				admitted = true
			case <-treeCtx.Done():
			}
		}
		if !admitted {
			o.markCancelled(recordCtx, child.ID)
			outcomes[i] = ChildOutcome{
				TaskID:    child.ID,
				AgentID:   child.AgentID,
				Objective: child.Objective,
				Status:    models.TaskCancelled,
				Error:     "cancelled before dispatch",
			}
			continue
		}

		wg.Add(1)
		go func(i int, child *models.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = o.runChild(treeCtx, recordCtx, child)
		}(i, child)
	}
	wg.Wait()

	return o.synthesize(recordCtx, root, outcomes)
}

// Cancel cancels the task and all its descendants. In-flight runs are
// interrupted at their next suspension point; progress already committed by
// completed sub-steps stays durable.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	tree, err := o.store.TaskTree(ctx, taskID)
	if err != nil {
		return err
	}

	for _, task := range tree {
		o.mu.Lock()
		cancel := o.cancels[task.ID]
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	// Dispatched tasks also record cancellation in their workers; the store's
	// forward-only transitions make the duplicate update harmless.
	for _, task := range tree {
		if task.Status.IsTerminal() {
			continue
		}
		o.markCancelled(ctx, task.ID)
	}
	return nil
}

func (o *Orchestrator) runChild(treeCtx, recordCtx context.Context, child *models.Task) ChildOutcome {
	childCtx, cancel := context.WithCancel(treeCtx)
	o.registerCancel(child.ID, cancel)
	defer o.unregisterCancel(child.ID)
	defer cancel()

	outcome := ChildOutcome{
		TaskID:    child.ID,
		AgentID:   child.AgentID,
		Objective: child.Objective,
	}

	if err := o.setStatus(recordCtx, child.ID, models.TaskRunning, "", ""); err != nil {
		// Cancel raced us into a terminal state.
		outcome.Status = models.TaskCancelled
		outcome.Error = "cancelled before dispatch"
		return outcome
	}

	result, err := o.dispatcher.Dispatch(childCtx, child)
	switch {
	case err == nil:
		outcome.Status = models.TaskSucceeded
		outcome.Result = result
		o.setStatus(recordCtx, child.ID, models.TaskSucceeded, result, "")
	case childCtx.Err() != nil || errors.Is(err, context.Canceled):
		outcome.Status = models.TaskCancelled
		outcome.Error = "cancelled"
		o.markCancelled(recordCtx, child.ID)
	default:
		outcome.Status = models.TaskFailed
		outcome.Error = err.Error()
		o.setStatus(recordCtx, child.ID, models.TaskFailed, "", err.Error())
		o.config.Logger.Warn("subtask failed",
			"task_id", child.ID,
			"agent_id", child.AgentID,
			"error", err)
	}
	return outcome
}

// synthesize composes the root result. All children succeeded gives a clean
// success; a partial failure gives a success carrying caveats that name each
// failed subtask; only a total failure marks the root failed.
func (o *Orchestrator) synthesize(ctx context.Context, root *models.Task, outcomes []ChildOutcome) (*Synthesis, error) {
	var succeeded []string
	var caveats []string
	for _, out := range outcomes {
		switch out.Status {
		case models.TaskSucceeded:
			part := out.Result
			if out.Objective != "" {
				part = fmt.Sprintf("[%s]\n%s", out.Objective, out.Result)
			}
			succeeded = append(succeeded, part)
		case models.TaskCancelled:
			caveats = append(caveats, fmt.Sprintf("subtask %q was cancelled", out.Objective))
		default:
			caveats = append(caveats, fmt.Sprintf("subtask %q failed: %s", out.Objective, out.Error))
		}
	}

	syn := &Synthesis{
		RootID:   root.ID,
		Caveats:  caveats,
		Children: outcomes,
	}

	switch {
	case len(outcomes) > 0 && len(succeeded) == 0:
		syn.Status = models.TaskFailed
		err := strings.Join(caveats, "; ")
		o.setStatus(ctx, root.ID, models.TaskFailed, "", err)
	default:
		syn.Status = models.TaskSucceeded
		syn.Result = strings.Join(succeeded, "\n\n")
		o.setStatus(ctx, root.ID, models.TaskSucceeded, syn.Result, strings.Join(caveats, "; "))
	}

	// A cancelled root keeps its status; report what the store holds.
	if current, err := o.store.GetTask(ctx, root.ID); err == nil {
		syn.Status = current.Status
	}
	return syn, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, id string, status models.TaskStatus, result, errDetail string) error {
	if err := o.store.UpdateTaskStatus(ctx, id, status, result, errDetail); err != nil {
		return err
	}
	o.config.Metrics.TaskTransition(string(status))
	return nil
}

func (o *Orchestrator) markCancelled(ctx context.Context, id string) {
	err := o.store.UpdateTaskStatus(ctx, id, models.TaskCancelled, "", "")
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		o.config.Logger.Warn("recording cancellation failed", "task_id", id, "error", err)
		return
	}
	if err == nil {
		o.config.Metrics.TaskTransition(string(models.TaskCancelled))
	}
}

func (o *Orchestrator) registerCancel(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[id] = cancel
}

func (o *Orchestrator) unregisterCancel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, id)
}
