package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conductorai/conductor/internal/backoff"
	"github.com/conductorai/conductor/internal/observability"
	"github.com/conductorai/conductor/internal/store"
	"github.com/conductorai/conductor/pkg/models"
)

const (
	// DefaultMaxAttempts bounds run attempts for transient failures.
	DefaultMaxAttempts = 5

	// DefaultMaxToolRounds bounds model/tool round trips within one run.
	DefaultMaxToolRounds = 25

	// DefaultMaxTokens is the response budget passed to the provider.
	DefaultMaxTokens = 4096

	// DefaultHistoryLimit is how many messages before the cursor are sent as
	// conversational context.
	DefaultHistoryLimit = 50
)

// RunnerConfig configures the execution loop.
type RunnerConfig struct {
	// MaxAttempts is the run attempt budget for retryable failures.
	MaxAttempts int

	// MaxToolRounds caps model/tool round trips inside one run.
	MaxToolRounds int

	// MaxTokens is the per-exchange response budget.
	MaxTokens int

	// HistoryLimit is how many already-processed messages to include as
	// context ahead of the pending batch.
	HistoryLimit int

	// Backoff governs the delay between retryable attempts.
	Backoff backoff.Policy

	Logger  *slog.Logger
	Emitter Emitter
	Metrics *observability.Metrics
}

func (c *RunnerConfig) sanitize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Emitter == nil {
		c.Emitter = NopEmitter{}
	}
}

// RunResult reports what one completed run did.
type RunResult struct {
	AgentID string

	// NoOp is true when there were no messages past the cursor, so nothing
	// ran and the cursor did not move.
	NoOp bool

	// Attempts is how many attempts the run took, including the successful one.
	Attempts int

	// ToolRounds is how many model/tool round trips the final attempt made.
	ToolRounds int

	// Text is the assistant's final response text.
	Text string

	// StopReason is the provider's terminal stop reason.
	StopReason string

	// CommittedSeq is the cursor position recorded after the run.
	CommittedSeq int64

	// SessionID identifies the provider session committed with the cursor.
	SessionID string
}

// Runner drives one agent run at a time: read pending messages, stream a
// model exchange, dispatch requested tools, persist outputs, and commit the
// cursor. Callers serialize runs per agent; distinct agents may run
// concurrently through the same Runner.
type Runner struct {
	store    store.Store
	client   ModelClient
	registry *Registry
	config   RunnerConfig
}

// NewRunner creates a Runner over the given store, model client, and tool
// registry.
func NewRunner(st store.Store, client ModelClient, registry *Registry, config RunnerConfig) *Runner {
	config.sanitize()
	return &Runner{
		store:    st,
		client:   client,
		registry: registry,
		config:   config,
	}
}

// Run executes one run for the agent. It reads the pending batch past the
// cursor, retries transient exchange failures with exponential backoff, and
// commits the cursor only after the whole exchange succeeds and its outputs
// are persisted. A failed run leaves the cursor untouched so the next run
// reprocesses the same batch.
//
// Failures are returned as *RunError. A cancelled context returns promptly
// with KindCancelled and no cursor movement.
func (r *Runner) Run(ctx context.Context, ag *models.Agent) (*RunResult, error) {
	log := r.config.Logger.With("agent_id", ag.ID)

	cur, err := r.store.Cursor(ctx, ag.ID)
	if err != nil {
		return nil, &RunError{AgentID: ag.ID, Kind: KindUnknown, Attempts: 0, Cause: fmt.Errorf("read cursor: %w", err)}
	}

	sessionID := cur.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	retryable := func(err error) bool {
		kind := ErrorKindOf(err)
		return kind != KindCancelled && kind.IsRetryable()
	}

	var lastAttempt *attemptResult
	_, attempts, err := backoff.Retry(ctx, r.config.Backoff, r.config.MaxAttempts, retryable,
		func(attempt int) (struct{}, error) {
			if attempt > 1 {
				r.config.Metrics.RunRetried()
				log.Info("retrying run", "attempt", attempt)
			}
			res, err := r.attempt(ctx, ag, cur.Seq)
			if err != nil {
				return struct{}{}, err
			}
			lastAttempt = res
			return struct{}{}, nil
		})
	if err != nil {
		kind := ErrorKindOf(err)
		status := "failure"
		if kind == KindCancelled {
			status = "cancelled"
		}
		r.config.Metrics.RunCompleted(status)
		log.Error("run failed", "attempts", attempts, "kind", string(kind), "error", err)
		return nil, &RunError{AgentID: ag.ID, Kind: kind, Attempts: attempts, Cause: err}
	}

	if lastAttempt.noOp {
		r.config.Metrics.RunCompleted("noop")
		return &RunResult{AgentID: ag.ID, NoOp: true, Attempts: attempts, CommittedSeq: cur.Seq, SessionID: cur.SessionID}, nil
	}

	// The exchange succeeded. Persist its outputs, then commit the cursor to
	// the top of the batch that was consumed. Commit order matters: outputs
	// first, so a crash between the two replays the batch rather than losing
	// the response.
	for _, msg := range lastAttempt.outputs {
		if err := r.store.AppendMessage(ctx, msg); err != nil {
			r.config.Metrics.RunCompleted("failure")
			return nil, &RunError{AgentID: ag.ID, Kind: KindUnknown, Attempts: attempts, Cause: fmt.Errorf("persist output: %w", err)}
		}
	}
	if err := r.store.CommitCursor(ctx, ag.ID, lastAttempt.batchMax, sessionID); err != nil {
		r.config.Metrics.RunCompleted("failure")
		return nil, &RunError{AgentID: ag.ID, Kind: KindUnknown, Attempts: attempts, Cause: fmt.Errorf("commit cursor: %w", err)}
	}

	r.config.Metrics.RunCompleted("success")
	log.Info("run complete",
		"attempts", attempts,
		"tool_rounds", lastAttempt.toolRounds,
		"committed_seq", lastAttempt.batchMax,
		"stop_reason", lastAttempt.stopReason)

	return &RunResult{
		AgentID:      ag.ID,
		Attempts:     attempts,
		ToolRounds:   lastAttempt.toolRounds,
		Text:         lastAttempt.text,
		StopReason:   lastAttempt.stopReason,
		CommittedSeq: lastAttempt.batchMax,
		SessionID:    sessionID,
	}, nil
}

type attemptResult struct {
	noOp       bool
	batchMax   int64
	toolRounds int
	text       string
	stopReason string

	// outputs are the assistant and tool-result messages produced by the
	// attempt, held in memory until the whole exchange succeeds.
	outputs []*models.Message
}

// attempt performs one full exchange: read the batch, stream the model,
// dispatch tools, repeat until the model stops requesting tools. Nothing is
// persisted here; a failed attempt leaves no trace in the store.
func (r *Runner) attempt(ctx context.Context, ag *models.Agent, cursorSeq int64) (*attemptResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Re-read the batch each attempt so a retry picks up messages that
	// arrived while the previous attempt was failing.
	batch, err := r.store.MessagesSince(ctx, ag.ID, cursorSeq)
	if err != nil {
		return nil, fmt.Errorf("read pending messages: %w", err)
	}
	if len(batch) == 0 {
		return &attemptResult{noOp: true}, nil
	}
	batchMax := batch[len(batch)-1].Seq

	contextFloor := cursorSeq - int64(r.config.HistoryLimit)
	if contextFloor < 0 {
		contextFloor = 0
	}
	history, err := r.store.MessagesSince(ctx, ag.ID, contextFloor)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	convo := make([]models.Message, 0, len(history)+8)
	for _, m := range history {
		convo = append(convo, *m)
	}

	decls := r.registry.Declarations(ag.Tools)
	result := &attemptResult{batchMax: batchMax}

	for round := 0; ; round++ {
		if round >= r.config.MaxToolRounds {
			return nil, ErrToolLoopExceeded
		}
		result.toolRounds = round + 1

		exch, err := r.exchange(ctx, ag, convo, decls)
		if err != nil {
			return nil, err
		}

		assistant := &models.Message{
			ID:        uuid.NewString(),
			AgentID:   ag.ID,
			Role:      models.RoleAssistant,
			Content:   exch.text,
			ToolCalls: exch.toolCalls,
			CreatedAt: time.Now().UTC(),
		}
		result.outputs = append(result.outputs, assistant)
		convo = append(convo, *assistant)
		result.text = exch.text
		result.stopReason = exch.stopReason

		if len(exch.toolCalls) == 0 {
			return result, nil
		}

		toolMsg, err := r.dispatchTools(ctx, ag, exch.toolCalls)
		if err != nil {
			return nil, err
		}
		result.outputs = append(result.outputs, toolMsg)
		convo = append(convo, *toolMsg)
	}
}

type exchangeResult struct {
	text       string
	toolCalls  []models.ToolCall
	stopReason string
}

// exchange runs one streaming model call, forwarding text deltas to the
// emitter and accumulating tool calls.
func (r *Runner) exchange(ctx context.Context, ag *models.Agent, convo []models.Message, decls []ToolDeclaration) (*exchangeResult, error) {
	start := time.Now()
	events, err := r.client.Stream(ctx, &StreamRequest{
		Model:     ag.Model,
		System:    ag.SystemPrompt,
		Messages:  convo,
		Tools:     decls,
		MaxTokens: r.config.MaxTokens,
	})
	if err != nil {
		r.config.Metrics.ObserveModelCall(r.client.Name(), ag.Model, "error", time.Since(start))
		return nil, err
	}

	res := &exchangeResult{stopReason: StopEndTurn}
	var text []byte
	for {
		select {
		case <-ctx.Done():
			r.config.Metrics.ObserveModelCall(r.client.Name(), ag.Model, "error", time.Since(start))
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				res.text = string(text)
				r.config.Metrics.ObserveModelCall(r.client.Name(), ag.Model, "success", time.Since(start))
				return res, nil
			}
			switch {
			case ev.Err != nil:
				r.config.Metrics.ObserveModelCall(r.client.Name(), ag.Model, "error", time.Since(start))
				return nil, ev.Err
			case ev.TextDelta != "":
				text = append(text, ev.TextDelta...)
				r.config.Emitter.Emit(ag.ID, ev.TextDelta)
			case ev.ToolCall != nil:
				res.toolCalls = append(res.toolCalls, *ev.ToolCall)
			case ev.Stop != nil:
				res.stopReason = ev.Stop.Reason
			}
		}
	}
}

// dispatchTools executes each requested tool in order and packages the
// results into one tool-role message. Tool failures become error-flagged
// results fed back to the model; only caller cancellation aborts the run.
func (r *Runner) dispatchTools(ctx context.Context, ag *models.Agent, calls []models.ToolCall) (*models.Message, error) {
	log := r.config.Logger.With("agent_id", ag.ID)
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		start := time.Now()
		content, err := r.registry.Execute(ctx, call)
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				r.config.Metrics.ObserveToolCall(call.Name, "error", elapsed)
				return nil, ctx.Err()
			}
			status := "error"
			var toolErr *ToolError
			if errors.As(err, &toolErr) {
				status = string(toolErr.Kind)
			}
			r.config.Metrics.ObserveToolCall(call.Name, status, elapsed)
			log.Warn("tool call failed", "tool", call.Name, "error", err)
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				IsError:    true,
			})
			continue
		}

		r.config.Metrics.ObserveToolCall(call.Name, "success", elapsed)
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
		})
	}

	return &models.Message{
		ID:          uuid.NewString(),
		AgentID:     ag.ID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
