// Package dispatch runs the poll loop that turns board events into
// agent launches and worktree cleanup.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

// TaskLauncher runs the agent for a task against an already-recorded
// run and blocks until it exits.
type TaskLauncher interface {
	Launch(ctx context.Context, taskID, runID string) error
}

// WorktreeRemover tears down a task worktree.
type WorktreeRemover interface {
	Remove(path string) error
}

// Loop polls the dispatch consumer of the outbox at a fixed interval
// and applies the dispatch and cleanup rules. Launches happen in
// goroutines; the loop itself never waits on an agent.
type Loop struct {
	Engine      engine.Engine
	Repo        repo.Repo
	Events      events.Writer
	Launcher    TaskLauncher
	Worktrees   WorktreeRemover
	Interval    time.Duration
	MaxParallel int
	Logger      *slog.Logger

	wg sync.WaitGroup
}

// Run polls until ctx is cancelled, then waits for in-flight workers.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = time.Second
	}
	log := l.log()
	log.Info("dispatch loop started", "interval", interval, "max_parallel", l.MaxParallel)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("dispatch loop stopping, waiting for workers")
			l.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// tick processes one batch of unconsumed dispatch events. Errors on a
// single event are logged and the event left for the next cycle; only
// polling failures abort the batch.
func (l *Loop) tick(ctx context.Context) error {
	evts, err := l.Events.PollUnconsumed(ctx, events.ConsumerDispatch)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		if err := l.process(ctx, evt); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.log().Error("process event", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
	return nil
}

func (l *Loop) process(ctx context.Context, evt domain.Event) error {
	payload, err := events.DecodePayload(evt)
	if err != nil {
		l.log().Warn("undecodable event payload", "event_id", evt.ID, "error", err)
		return l.consume(ctx, evt)
	}
	taskID, _ := payload["task_id"].(string)

	switch evt.Type {
	case domain.EventTaskCreated, domain.EventTaskMoved, domain.EventTaskReady:
		if taskID == "" {
			return l.consume(ctx, evt)
		}
		return l.handleTaskEvent(ctx, evt, taskID)
	case domain.EventTaskCancelled:
		if taskID != "" {
			l.cleanup(ctx, taskID)
		}
		return l.consume(ctx, evt)
	default:
		return l.consume(ctx, evt)
	}
}

// handleTaskEvent applies the dispatch guards in order: existence,
// cancellation, step dispatchability (with terminal cleanup), the
// readiness checks, then the transactional double-launch and
// concurrency-cap guards. Only the cap leaves the event unconsumed.
func (l *Loop) handleTaskEvent(ctx context.Context, evt domain.Event, taskID string) error {
	log := l.log()

	t, err := l.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return l.consume(ctx, evt)
	}
	if err != nil {
		return err
	}
	if t.Cancelled {
		return l.consume(ctx, evt)
	}

	step, err := l.Repo.GetStep(ctx, t.StepID)
	if err != nil {
		return err
	}
	if !step.Dispatchable {
		terminal, err := l.Repo.TerminalStep(ctx, t.ProjectID)
		if err != nil {
			return err
		}
		if step.ID == terminal.ID {
			l.cleanup(ctx, taskID)
		}
		return l.consume(ctx, evt)
	}

	blocked, err := l.Engine.IsBlocked(ctx, taskID)
	if err != nil {
		return err
	}
	if blocked {
		// A task_ready will re-trigger once predecessors finish.
		return l.consume(ctx, evt)
	}
	gated, err := l.planGated(ctx, t)
	if err != nil {
		return err
	}
	if gated {
		// plan_approved emits task_ready for the children later.
		return l.consume(ctx, evt)
	}

	runID, verdict, err := l.admitRun(ctx, t, step)
	if err != nil {
		return err
	}
	switch verdict {
	case admitAlreadyActive:
		return l.consume(ctx, evt)
	case admitAtCapacity:
		// Leave the event unconsumed and retry next cycle.
		log.Debug("at capacity, deferring", "task_id", taskID)
		return nil
	}

	log.Info("dispatching agent", "task_id", taskID, "step", step.Name)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.Launcher.Launch(context.WithoutCancel(ctx), taskID, runID); err != nil {
			log.Error("agent launch failed", "task_id", taskID, "error", err)
			return
		}
		log.Info("agent finished", "task_id", taskID)
	}()
	// If consumption fails the event is reprocessed next cycle, where
	// the run row admits it into the active-run guard.
	return l.consume(ctx, evt)
}

type admitVerdict int

const (
	admitLaunched admitVerdict = iota
	admitAlreadyActive
	admitAtCapacity
)

// admitRun applies the double-launch and concurrency-cap guards and
// records the AgentRun in the same transaction. Guard state therefore
// exists before the launch goroutine starts: a second event for the
// same task in the same batch sees the run row, and two events racing
// on the cap cannot both be admitted one-over-limit.
func (l *Loop) admitRun(ctx context.Context, t domain.Task, step domain.WorkflowStep) (string, admitVerdict, error) {
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback()

	active, err := l.Repo.HasActiveRunTx(ctx, tx, t.ID)
	if err != nil {
		return "", 0, err
	}
	if active {
		return "", admitAlreadyActive, nil
	}
	running, err := l.Repo.CountActiveRunsTx(ctx, tx)
	if err != nil {
		return "", 0, err
	}
	if running >= l.MaxParallel {
		return "", admitAtCapacity, nil
	}

	run := domain.AgentRun{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		StepID:    step.ID,
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := l.Repo.InsertAgentRun(ctx, tx, run); err != nil {
		return "", 0, err
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return run.ID, admitLaunched, nil
}

// planGated reports whether the task sits under a milestone whose plan
// has not been approved yet.
func (l *Loop) planGated(ctx context.Context, t domain.Task) (bool, error) {
	if t.ParentTaskID == nil {
		return false, nil
	}
	parent, err := l.Repo.GetTask(ctx, *t.ParentTaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return parent.Kind == domain.KindMilestone && !parent.PlanApproved, nil
}

// cleanup tears down the task's worktree in the background and clears
// the workspace columns once removal succeeds.
func (l *Loop) cleanup(ctx context.Context, taskID string) {
	log := l.log()
	t, err := l.Repo.GetTask(ctx, taskID)
	if err != nil || t.WorktreePath == nil {
		return
	}
	path := *t.WorktreePath
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		bg := context.WithoutCancel(ctx)
		if err := l.Worktrees.Remove(path); err != nil {
			log.Warn("worktree cleanup failed", "task_id", taskID, "path", path, "error", err)
			return
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err := l.Repo.ClearTaskWorkspace(bg, taskID, now); err != nil {
			log.Warn("clear workspace failed", "task_id", taskID, "error", err)
			return
		}
		log.Info("worktree removed", "task_id", taskID, "path", path)
	}()
}

func (l *Loop) consume(ctx context.Context, evt domain.Event) error {
	return l.Events.MarkConsumed(ctx, evt.ID, events.ConsumerDispatch)
}

func (l *Loop) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
