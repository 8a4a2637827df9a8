// Package scheduler serializes execution loop runs per agent while letting
// distinct agents run in parallel. Each agent is either idle or running; work
// that arrives mid-run sets a dirty flag that triggers exactly one follow-up
// run, so bursts of notifications coalesce instead of queueing.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/conductorai/conductor/internal/observability"
)

// ErrClosed is returned for work submitted after Close has begun.
var ErrClosed = errors.New("scheduler: closed")

// RunFunc executes one run for an agent. The scheduler guarantees at most one
// invocation per agent at a time. The returned error is delivered to callers
// waiting on the run via Enqueue.
type RunFunc func(ctx context.Context, agentID string) error

// waiter is one Enqueue caller blocked on a run. Its context doubles as an
// abandonment signal: a run whose waiters have all gone is serving nobody.
type waiter struct {
	ctx  context.Context
	done chan error
}

type agentEntry struct {
	running bool

	// pending records that work arrived while a run was in flight. One
	// follow-up run drains any number of pending notifications.
	pending bool

	// waiters are served by the next run to start for this agent.
	waiters []waiter
}

// Config configures a Scheduler.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Scheduler tracks per-agent run state and dispatches runs.
type Scheduler struct {
	run     RunFunc
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[string]*agentEntry
	closed  bool

	// base is cancelled when Close gives up waiting, stopping in-flight runs.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler that dispatches runs through run.
func New(run RunFunc, config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:     run,
		logger:  config.Logger,
		metrics: config.Metrics,
		entries: make(map[string]*agentEntry),
		base:    base,
		cancel:  cancel,
	}
}

// Notify signals that an agent has new work. If the agent is idle a run
// starts immediately; if a run is in flight the work is folded into one
// follow-up run. Notify never blocks on run execution.
func (s *Scheduler) Notify(agentID string) error {
	return s.submit(agentID, nil)
}

// Enqueue signals new work like Notify and blocks until a run that observed
// the work completes, returning that run's error. A cancelled ctx abandons
// the wait, and once every caller waiting on the serving run has abandoned
// it the run's context is cancelled, interrupting it at its next suspension
// point. Notification-driven runs have no waiters and run to completion.
func (s *Scheduler) Enqueue(ctx context.Context, agentID string) error {
	w := &waiter{ctx: ctx, done: make(chan error, 1)}
	if err := s.submit(agentID, w); err != nil {
		return err
	}
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) submit(agentID string, w *waiter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	entry, ok := s.entries[agentID]
	if !ok {
		entry = &agentEntry{}
		s.entries[agentID] = entry
	}
	if w != nil {
		entry.waiters = append(entry.waiters, *w)
	}

	if entry.running {
		entry.pending = true
		return nil
	}

	entry.running = true
	s.wg.Add(1)
	go s.drive(agentID, entry)
	return nil
}

// Running reports whether the agent currently has a run in flight.
func (s *Scheduler) Running(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[agentID]
	return ok && entry.running
}

// drive runs the agent until no pending work remains. Waiters registered
// before a run starts are served by that run; waiters arriving mid-run set
// the pending flag and are served by the follow-up.
func (s *Scheduler) drive(agentID string, entry *agentEntry) {
	defer s.wg.Done()
	s.metrics.AgentStarted()
	defer s.metrics.AgentFinished()

	for {
		s.mu.Lock()
		waiters := entry.waiters
		entry.waiters = nil
		s.mu.Unlock()

		runCtx, stop := context.WithCancel(s.base)
		if len(waiters) > 0 {
			go stopWhenAbandoned(runCtx, stop, waiters)
		}
		err := s.run(runCtx, agentID)
		stop()
		for _, w := range waiters {
			w.done <- err
		}

		s.mu.Lock()
		if entry.pending && !s.closed {
			entry.pending = false
			s.mu.Unlock()
			s.logger.Debug("running follow-up", "agent_id", agentID)
			continue
		}
		entry.running = false
		leftover := entry.waiters
		entry.waiters = nil
		s.mu.Unlock()

		// Shutdown can abandon a follow-up run; its waiters must not hang.
		for _, w := range leftover {
			w.done <- ErrClosed
		}
		return
	}
}

// stopWhenAbandoned cancels a run's context once every waiter it serves has
// given up. Interrupted runs leave their cursor uncommitted, so the work
// replays on the agent's next run.
func stopWhenAbandoned(runCtx context.Context, stop context.CancelFunc, waiters []waiter) {
	for _, w := range waiters {
		select {
		case <-w.ctx.Done():
		case <-runCtx.Done():
			return
		}
	}
	stop()
}

// Close stops accepting work and waits for in-flight runs to finish. Pending
// follow-up runs are abandoned; their work is still durable and is picked up
// on the next notification after restart.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Deadline hit: cancel in-flight runs and wait for them to unwind.
		s.cancel()
		<-done
		return ctx.Err()
	}
}
