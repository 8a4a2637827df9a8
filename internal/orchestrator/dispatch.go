package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorai/conductor/internal/scheduler"
	"github.com/conductorai/conductor/internal/store"
	"github.com/conductorai/conductor/pkg/models"
)

// AgentDispatcher delivers subtask objectives as regular agent messages and
// waits on the scheduler for the backing run to complete. The subtask result
// is the assistant text the run produced.
type AgentDispatcher struct {
	store store.Store
	sched *scheduler.Scheduler
}

// NewAgentDispatcher creates a Dispatcher over the store and scheduler.
func NewAgentDispatcher(st store.Store, sched *scheduler.Scheduler) *AgentDispatcher {
	return &AgentDispatcher{store: st, sched: sched}
}

// Dispatch appends the objective to the agent's history, enqueues a run, and
// blocks until it completes. The watermark taken before the append scopes the
// result read to messages this dispatch caused.
//
// Cancelling ctx abandons the scheduler wait, and once no other dispatch is
// waiting on the serving run the scheduler interrupts the run itself, so a
// cancelled task stops issuing model and tool calls instead of finishing in
// the background.
func (d *AgentDispatcher) Dispatch(ctx context.Context, task *models.Task) (string, error) {
	before, err := latestSeq(ctx, d.store, task.AgentID)
	if err != nil {
		return "", fmt.Errorf("read watermark: %w", err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		AgentID:   task.AgentID,
		Role:      models.RoleUser,
		Content:   task.Objective,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("deliver objective: %w", err)
	}

	if err := d.sched.Enqueue(ctx, task.AgentID); err != nil {
		return "", err
	}

	produced, err := d.store.MessagesSince(ctx, task.AgentID, before)
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	// Two dispatches targeting the same agent may be served by one coalesced
	// run, and replies are not attributed per objective. Each dispatch then
	// reports the last assistant text past its own watermark, which can be
	// the answer to the later objective.
	var result string
	for _, m := range produced {
		if m.Role == models.RoleAssistant && m.Content != "" {
			result = m.Content
		}
	}
	return result, nil
}

func latestSeq(ctx context.Context, st store.Store, agentID string) (int64, error) {
	cur, err := st.Cursor(ctx, agentID)
	if err != nil {
		return 0, err
	}
	msgs, err := st.MessagesSince(ctx, agentID, cur.Seq)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return cur.Seq, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}
