package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conductorai/conductor/internal/backoff"
	"github.com/conductorai/conductor/internal/store"
	"github.com/conductorai/conductor/pkg/models"
)

type clientTurn struct {
	err    error
	events []*StreamEvent
}

// scriptedClient replays a fixed sequence of exchanges. The last turn repeats
// if the runner asks for more.
type scriptedClient struct {
	mu       sync.Mutex
	turns    []clientTurn
	calls    int
	requests []*StreamRequest
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Stream(ctx context.Context, req *StreamRequest) (<-chan *StreamEvent, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if idx >= len(c.turns) {
		idx = len(c.turns) - 1
	}
	turn := c.turns[idx]
	if turn.err != nil {
		return nil, turn.err
	}

	ch := make(chan *StreamEvent, len(turn.events))
	for _, ev := range turn.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textTurn(text string) clientTurn {
	return clientTurn{events: []*StreamEvent{
		{TextDelta: text},
		{Stop: &StopEvent{Reason: StopEndTurn}},
	}}
}

func toolTurn(callID, name, input string) clientTurn {
	return clientTurn{events: []*StreamEvent{
		{ToolCall: &models.ToolCall{ID: callID, Name: name, Input: json.RawMessage(input)}},
		{Stop: &StopEvent{Reason: "tool_use"}},
	}}
}

func fastBackoff() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Jitter: 0}
}

func newTestRunner(t *testing.T, st store.Store, client ModelClient, mutate func(*RunnerConfig)) *Runner {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(echoTool()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	cfg := RunnerConfig{Backoff: fastBackoff()}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRunner(st, client, registry, cfg)
}

func appendUserMessage(t *testing.T, st store.Store, agentID, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:        content,
		AgentID:   agentID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	return msg
}

func TestRunCommitsCursorAndPersistsResponse(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "hello")

	client := &scriptedClient{turns: []clientTurn{textTurn("hi there")}}
	runner := newTestRunner(t, st, client, nil)

	result, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.NoOp {
		t.Fatal("run should not be a no-op")
	}
	if result.Text != "hi there" {
		t.Errorf("got text %q, want %q", result.Text, "hi there")
	}
	if result.CommittedSeq != 1 {
		t.Errorf("got committed seq %d, want 1", result.CommittedSeq)
	}
	if result.SessionID == "" {
		t.Error("expected a session id")
	}

	cur, err := st.Cursor(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if cur.Seq != 1 {
		t.Errorf("got cursor %d, want 1", cur.Seq)
	}

	msgs, err := st.MessagesSince(context.Background(), "a1", 1)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Content != "hi there" {
		t.Errorf("unexpected persisted output: %+v", msgs)
	}
}

func TestRunCommitsToTopOfBatch(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 0; i < 10; i++ {
		appendUserMessage(t, st, "a1", "old")
	}
	if err := st.CommitCursor(context.Background(), "a1", 10, "s1"); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}
	appendUserMessage(t, st, "a1", "new one")
	appendUserMessage(t, st, "a1", "new two")

	client := &scriptedClient{turns: []clientTurn{textTurn("ack")}}
	runner := newTestRunner(t, st, client, nil)

	result, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.CommittedSeq != 12 {
		t.Errorf("got committed seq %d, want 12", result.CommittedSeq)
	}
	if result.SessionID != "s1" {
		t.Errorf("got session %q, want carried session s1", result.SessionID)
	}
}

func TestRunNoPendingMessagesIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{turns: []clientTurn{textTurn("unused")}}
	runner := newTestRunner(t, st, client, nil)

	result, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.NoOp {
		t.Error("expected a no-op result")
	}
	if client.callCount() != 0 {
		t.Errorf("model called %d times, want 0", client.callCount())
	}
}

func TestRunExecutesToolsAndFeedsResults(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "use the tool")

	client := &scriptedClient{turns: []clientTurn{
		toolTurn("c1", "echo", `{"text":"tool says hi"}`),
		textTurn("all done"),
	}}
	runner := newTestRunner(t, st, client, nil)

	result, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ToolRounds != 2 {
		t.Errorf("got %d tool rounds, want 2", result.ToolRounds)
	}
	if result.Text != "all done" {
		t.Errorf("got text %q, want %q", result.Text, "all done")
	}

	// Second exchange must include the tool result in the conversation.
	client.mu.Lock()
	second := client.requests[1]
	client.mu.Unlock()
	found := false
	for _, m := range second.Messages {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "c1" && tr.Content == "tool says hi" && !tr.IsError {
				found = true
			}
		}
	}
	if !found {
		t.Error("tool result not fed back to the model")
	}

	// Outputs persisted: assistant w/ tool call, tool results, final assistant.
	msgs, err := st.MessagesSince(context.Background(), "a1", 1)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d persisted outputs, want 3", len(msgs))
	}
	if msgs[1].Role != models.RoleTool || len(msgs[1].ToolResults) != 1 {
		t.Errorf("unexpected tool message: %+v", msgs[1])
	}
}

func TestRunUnknownToolBecomesErrorResult(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "go")

	client := &scriptedClient{turns: []clientTurn{
		toolTurn("c1", "no_such_tool", `{}`),
		textTurn("recovered"),
	}}
	runner := newTestRunner(t, st, client, nil)

	result, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if err != nil {
		t.Fatalf("run should survive an unknown tool, got: %v", err)
	}
	if result.Text != "recovered" {
		t.Errorf("got text %q, want %q", result.Text, "recovered")
	}

	client.mu.Lock()
	second := client.requests[1]
	client.mu.Unlock()
	found := false
	for _, m := range second.Messages {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "c1" && tr.IsError {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected an error-flagged tool result for the unknown tool")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "hello")

	overloaded := &StreamError{Kind: KindOverloaded, Provider: "scripted", Status: 529}
	client := &scriptedClient{turns: []clientTurn{
		{err: overloaded},
		{err: overloaded},
		textTurn("third time lucky"),
	}}
	runner := newTestRunner(t, st, client, nil)

	result, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("got %d attempts, want 3", result.Attempts)
	}
	if result.Text != "third time lucky" {
		t.Errorf("got text %q", result.Text)
	}
}

func TestRunNonRetryableFailsImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "hello")

	client := &scriptedClient{turns: []clientTurn{
		{err: &StreamError{Kind: KindAuthFailure, Provider: "scripted", Status: 401}},
	}}
	runner := newTestRunner(t, st, client, nil)

	_, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("got %v, want *RunError", err)
	}
	if runErr.Kind != KindAuthFailure {
		t.Errorf("got kind %q, want %q", runErr.Kind, KindAuthFailure)
	}
	if runErr.Attempts != 1 {
		t.Errorf("got %d attempts, want 1", runErr.Attempts)
	}

	// Failure must not move the cursor or leak outputs.
	cur, err := st.Cursor(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if cur.Seq != 0 {
		t.Errorf("cursor moved to %d on failure", cur.Seq)
	}
	msgs, _ := st.MessagesSince(context.Background(), "a1", 1)
	if len(msgs) != 0 {
		t.Errorf("outputs leaked on failure: %+v", msgs)
	}
}

func TestRunAttemptsExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "hello")

	client := &scriptedClient{turns: []clientTurn{
		{err: &StreamError{Kind: KindRateLimited, Status: 429}},
	}}
	runner := newTestRunner(t, st, client, func(cfg *RunnerConfig) {
		cfg.MaxAttempts = 3
	})

	_, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("got %v, want *RunError", err)
	}
	if runErr.Attempts != 3 {
		t.Errorf("got %d attempts, want 3", runErr.Attempts)
	}
	if !errors.Is(err, backoff.ErrAttemptsExhausted) {
		t.Errorf("expected ErrAttemptsExhausted in chain, got %v", err)
	}
}

func TestRunToolLoopBudget(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "loop forever")

	// The model keeps requesting the tool on every exchange.
	client := &scriptedClient{turns: []clientTurn{
		toolTurn("c1", "echo", `{"text":"again"}`),
	}}
	runner := newTestRunner(t, st, client, func(cfg *RunnerConfig) {
		cfg.MaxToolRounds = 3
	})

	_, err := runner.Run(context.Background(), &models.Agent{ID: "a1"})
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("got %v, want ErrToolLoopExceeded", err)
	}

	cur, _ := st.Cursor(context.Background(), "a1")
	if cur.Seq != 0 {
		t.Errorf("cursor moved to %d on budget exhaustion", cur.Seq)
	}
}

func TestRunCancelledContext(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{turns: []clientTurn{textTurn("never sent")}}
	runner := newTestRunner(t, st, client, nil)

	_, err := runner.Run(ctx, &models.Agent{ID: "a1"})
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("got %v, want *RunError", err)
	}
	if runErr.Kind != KindCancelled {
		t.Errorf("got kind %q, want %q", runErr.Kind, KindCancelled)
	}

	cur, _ := st.Cursor(context.Background(), "a1")
	if cur.Seq != 0 {
		t.Errorf("cursor moved to %d after cancellation", cur.Seq)
	}
}

func TestRunEmitsDeltas(t *testing.T) {
	st := store.NewMemoryStore()
	appendUserMessage(t, st, "a1", "hello")

	client := &scriptedClient{turns: []clientTurn{
		{events: []*StreamEvent{
			{TextDelta: "hel"},
			{TextDelta: "lo"},
			{Stop: &StopEvent{Reason: StopEndTurn}},
		}},
	}}

	emitter := NewChannelEmitter(16)
	runner := newTestRunner(t, st, client, func(cfg *RunnerConfig) {
		cfg.Emitter = emitter
	})

	if _, err := runner.Run(context.Background(), &models.Agent{ID: "a1"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var got string
	for len(emitter.Deltas()) > 0 {
		d := <-emitter.Deltas()
		got += d.Text
	}
	if got != "hello" {
		t.Errorf("got emitted %q, want %q", got, "hello")
	}
}
