package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/migrate"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (f *fakeLauncher) Launch(ctx context.Context, taskID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, taskID)
	return nil
}

func (f *fakeLauncher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemover) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeRemover) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type loopEnv struct {
	Loop     *Loop
	Engine   engine.Engine
	Launcher *fakeLauncher
	Remover  *fakeRemover
	Project  domain.Project
	Steps    []domain.WorkflowStep
	Ctx      context.Context
}

func newLoopEnv(t *testing.T, maxParallel int) loopEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	ctx := context.Background()
	p, steps, err := eng.CreateProject(ctx, "demo", "", dir, "main", []engine.StepSpec{
		{Name: "Backlog"},
		{Name: "Build", Dispatchable: true, Role: domain.RoleCoder},
		{Name: "Done"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	fl := &fakeLauncher{}
	fr := &fakeRemover{}
	loop := &Loop{
		Engine:      eng,
		Repo:        eng.Repo,
		Events:      events.Writer{DB: conn},
		Launcher:    fl,
		Worktrees:   fr,
		MaxParallel: maxParallel,
	}
	return loopEnv{Loop: loop, Engine: eng, Launcher: fl, Remover: fr, Project: p, Steps: steps, Ctx: ctx}
}

func (env loopEnv) step(t *testing.T, name string) domain.WorkflowStep {
	t.Helper()
	for _, s := range env.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no step %q", name)
	return domain.WorkflowStep{}
}

// tickAndWait runs one dispatch cycle and waits for worker goroutines.
func (env loopEnv) tickAndWait(t *testing.T) {
	t.Helper()
	if err := env.Loop.tick(env.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	env.Loop.wg.Wait()
}

func (env loopEnv) unconsumed(t *testing.T) []domain.Event {
	t.Helper()
	evts, err := env.Loop.Events.PollUnconsumed(env.Ctx, events.ConsumerDispatch)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return evts
}

func (env loopEnv) insertActiveRun(t *testing.T, taskID string) string {
	t.Helper()
	run := domain.AgentRun{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		StepID:    env.step(t, "Build").ID,
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	tx, err := env.Loop.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Loop.Repo.InsertAgentRun(env.Ctx, tx, run); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return run.ID
}

func TestDispatchOnlyOnDispatchableStep(t *testing.T) {
	env := newLoopEnv(t, 3)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "work",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Backlog is not dispatchable
	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 0 {
		t.Fatalf("launched from a non-dispatchable step: %v", got)
	}

	if _, err := env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Build").ID); err != nil {
		t.Fatal(err)
	}
	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("want one launch for the task, got %v", got)
	}
	if left := env.unconsumed(t); len(left) != 0 {
		t.Fatalf("events left unconsumed: %d", len(left))
	}

	// a second cycle must not relaunch
	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 1 {
		t.Fatalf("relaunched on a later cycle: %v", got)
	}
}

func TestActiveRunGuard(t *testing.T) {
	env := newLoopEnv(t, 3)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "busy",
		StepID:    env.step(t, "Build").ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.insertActiveRun(t, task.ID)

	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 0 {
		t.Fatalf("double launch: %v", got)
	}
	if left := env.unconsumed(t); len(left) != 0 {
		t.Fatalf("event should be consumed on the active-run guard, %d left", len(left))
	}
}

func TestDuplicateEventsInOneBatchLaunchOnce(t *testing.T) {
	env := newLoopEnv(t, 3)
	pred, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, Title: "pred",
	})
	if err != nil {
		t.Fatal(err)
	}
	succ, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "succ",
		StepID:    env.step(t, "Build").ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}
	// completing the predecessor before any cycle ran leaves both the
	// successor's task_created and its task_ready in the same batch
	if _, err := env.Engine.CompleteTask(env.Ctx, pred.ID); err != nil {
		t.Fatal(err)
	}

	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 1 || got[0] != succ.ID {
		t.Fatalf("want exactly one launch for the task, got %v", got)
	}
	runs, err := env.Loop.Repo.ListAgentRuns(env.Ctx, succ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("want one recorded run, got %d", len(runs))
	}
	if left := env.unconsumed(t); len(left) != 0 {
		t.Fatalf("events left unconsumed: %d", len(left))
	}
}

func TestCapacityLeavesEventUnconsumed(t *testing.T) {
	env := newLoopEnv(t, 1)
	other, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, Title: "running elsewhere",
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := env.insertActiveRun(t, other.ID)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "queued",
		StepID:    env.step(t, "Build").ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 0 {
		t.Fatalf("launched past the cap: %v", got)
	}
	found := false
	for _, e := range env.unconsumed(t) {
		if e.Type == domain.EventTaskCreated {
			found = true
		}
	}
	if !found {
		t.Fatal("capacity guard consumed the event instead of deferring it")
	}

	// capacity frees up; the deferred event dispatches on the next cycle
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := env.Loop.Repo.FinishAgentRun(env.Ctx, runID, now, 0, ""); err != nil {
		t.Fatal(err)
	}
	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("deferred task not dispatched: %v", got)
	}
}

func TestBlockedTaskNotDispatched(t *testing.T) {
	env := newLoopEnv(t, 3)
	pred, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, Title: "pred",
	})
	if err != nil {
		t.Fatal(err)
	}
	succ, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "succ",
		StepID:    env.step(t, "Build").ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}

	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 0 {
		t.Fatalf("blocked task dispatched: %v", got)
	}
	if left := env.unconsumed(t); len(left) != 0 {
		t.Fatalf("blocked events should be consumed, %d left", len(left))
	}

	// completing the predecessor emits task_ready, which dispatches
	if _, err := env.Engine.CompleteTask(env.Ctx, pred.ID); err != nil {
		t.Fatal(err)
	}
	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 1 || got[0] != succ.ID {
		t.Fatalf("want successor dispatched after unblock, got %v", got)
	}
}

func TestMilestonePlanGate(t *testing.T) {
	env := newLoopEnv(t, 3)
	milestone, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "release",
		Kind:      domain.KindMilestone,
	})
	if err != nil {
		t.Fatal(err)
	}
	children, err := env.Engine.CreateSubtasks(env.Ctx, milestone.ID, []engine.SubtaskSpec{
		{Title: "child", StepID: env.step(t, "Build").ID},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 0 {
		t.Fatalf("dispatched under an unapproved plan: %v", got)
	}

	if _, err := env.Engine.ApprovePlan(env.Ctx, milestone.ID); err != nil {
		t.Fatal(err)
	}
	env.tickAndWait(t)
	if got := env.Launcher.ids(); len(got) != 1 || got[0] != children[0].ID {
		t.Fatalf("want child dispatched after approval, got %v", got)
	}
}

func TestCancelledTaskCleansUpWorktree(t *testing.T) {
	env := newLoopEnv(t, 3)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "doomed",
		StepID:    env.step(t, "Build").ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.insertActiveRun(t, task.ID) // keep the launcher out of the way
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := env.Loop.Repo.SetTaskWorkspace(env.Ctx, task.ID, "/tmp/wt/doomed", "task-doomed-1", now); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	env.tickAndWait(t)
	if got := env.Remover.paths(); len(got) != 1 || got[0] != "/tmp/wt/doomed" {
		t.Fatalf("worktree not removed: %v", got)
	}
	got, err := env.Loop.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorktreePath != nil || got.Branch != nil {
		t.Fatalf("workspace columns not cleared: %+v", got)
	}
}

func TestTerminalArrivalCleansUpWorktree(t *testing.T) {
	env := newLoopEnv(t, 3)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, Title: "finishing",
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := env.Loop.Repo.SetTaskWorkspace(env.Ctx, task.ID, "/tmp/wt/finishing", "task-fin-1", now); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	env.tickAndWait(t)
	if got := env.Remover.paths(); len(got) != 1 || got[0] != "/tmp/wt/finishing" {
		t.Fatalf("worktree not removed on terminal arrival: %v", got)
	}
}
