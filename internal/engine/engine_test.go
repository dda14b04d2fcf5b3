package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/migrate"
	"taskrelay/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
	Steps   []domain.WorkflowStep
}

func newTestEnv(t *testing.T) testEnv {
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
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	ctx := context.Background()
	p, steps, err := eng.CreateProject(ctx, "demo", "test project", dir, "main", []engine.StepSpec{
		{Name: "Backlog"},
		{Name: "Plan", Dispatchable: true, Role: domain.RolePlanner},
		{Name: "Build", Dispatchable: true, Role: domain.RoleCoder},
		{Name: "Review", Dispatchable: true, Role: domain.RoleReviewer},
		{Name: "Done"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Project: p, Steps: steps}
}

func (env testEnv) step(t *testing.T, name string) domain.WorkflowStep {
	t.Helper()
	for _, s := range env.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no step %q", name)
	return domain.WorkflowStep{}
}

func (env testEnv) createTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     title,
	})
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return task
}

// drainDispatch consumes the dispatch backlog so later assertions see
// only fresh events.
func (env testEnv) drainDispatch(t *testing.T) {
	t.Helper()
	evts, err := env.Engine.Events.PollUnconsumed(env.Ctx, events.ConsumerDispatch)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, e := range evts {
		if err := env.Engine.Events.MarkConsumed(env.Ctx, e.ID, events.ConsumerDispatch); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
}

func (env testEnv) dispatchEvents(t *testing.T, evtType string) []map[string]any {
	t.Helper()
	evts, err := env.Engine.Events.PollUnconsumed(env.Ctx, events.ConsumerDispatch)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var out []map[string]any
	for _, e := range evts {
		if e.Type != evtType {
			continue
		}
		payload, err := events.DecodePayload(e)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, payload)
	}
	return out
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.CreateProject(env.Ctx, "p", "", "", "main", nil); err == nil {
		t.Fatal("expected error for project without steps")
	}
	_, _, err := env.Engine.CreateProject(env.Ctx, "p", "", "", "main", []engine.StepSpec{
		{Name: "Plan", Dispatchable: true},
	})
	if err == nil {
		t.Fatal("expected error for dispatchable step without role")
	}
}

func TestMoveOneForwardOrAnyBackward(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "walk the board")

	// one step forward
	task, err := env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Plan").ID)
	if err != nil || task.StepName != "Plan" {
		t.Fatalf("to Plan: %v", err)
	}
	task, err = env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Build").ID)
	if err != nil || task.StepName != "Build" {
		t.Fatalf("to Build: %v", err)
	}

	// skipping ahead is rejected with the valid alternatives attached
	_, err = env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Done").ID)
	var tre *engine.InvalidTransitionError
	if !errors.As(err, &tre) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if tre.CurrentStep.Name != "Build" || tre.TargetStep.Name != "Done" {
		t.Fatalf("error context wrong: %+v", tre)
	}
	wantNext := map[string]bool{"Backlog": true, "Plan": true, "Review": true}
	if len(tre.ValidNext) != len(wantNext) {
		t.Fatalf("valid next = %v", tre.ValidNext)
	}
	for _, s := range tre.ValidNext {
		if !wantNext[s.Name] {
			t.Fatalf("unexpected valid step %q", s.Name)
		}
	}

	// same step is not a transition
	if _, err = env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Build").ID); !errors.As(err, &tre) {
		t.Fatalf("expected InvalidTransitionError for same step, got %v", err)
	}

	// any earlier step is fine
	task, err = env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Backlog").ID)
	if err != nil || task.StepName != "Backlog" {
		t.Fatalf("back to Backlog: %v", err)
	}
}

func TestCompleteTaskJumpsToTerminal(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "finish me")
	task, err := env.Engine.CompleteTask(env.Ctx, task.ID)
	if err != nil || task.StepName != "Done" {
		t.Fatalf("complete: %v (step=%s)", err, task.StepName)
	}
	if _, err = env.Engine.CompleteTask(env.Ctx, task.ID); err == nil {
		t.Fatal("expected error completing a task already at the terminal step")
	}
}

func TestCancelAndUncancelKeepStep(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "stop and go")
	task, err := env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Plan").ID)
	if err != nil {
		t.Fatal(err)
	}

	task, err = env.Engine.CancelTask(env.Ctx, task.ID)
	if err != nil || !task.Cancelled {
		t.Fatalf("cancel: %v", err)
	}
	if task.StepName != "Plan" {
		t.Fatalf("cancel moved the task to %s", task.StepName)
	}
	if _, err = env.Engine.CancelTask(env.Ctx, task.ID); err == nil {
		t.Fatal("expected error on double cancel")
	}
	if _, err = env.Engine.MoveTask(env.Ctx, task.ID, env.step(t, "Build").ID); err == nil {
		t.Fatal("expected error moving a cancelled task")
	}

	task, err = env.Engine.UncancelTask(env.Ctx, task.ID)
	if err != nil || task.Cancelled {
		t.Fatalf("uncancel: %v", err)
	}
	if task.StepName != "Plan" {
		t.Fatalf("uncancel resumed at %s, want Plan", task.StepName)
	}

	// a finished task cannot be cancelled
	done := env.createTask(t, "already done")
	if _, err := env.Engine.CompleteTask(env.Ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, done.ID); err == nil {
		t.Fatal("expected error cancelling a task at the terminal step")
	}
}

func TestDependencyValidation(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	c := env.createTask(t, "c")

	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, a.ID); !errors.Is(err, engine.ErrSelfDependency) {
		t.Fatalf("self dep: %v", err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID); !errors.Is(err, engine.ErrDuplicateDependency) {
		t.Fatalf("duplicate dep: %v", err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, b.ID, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, c.ID, a.ID); !errors.Is(err, engine.ErrCycleDetected) {
		t.Fatalf("cycle: %v", err)
	}
	// the failed edge must not have been stored
	if _, err := env.Engine.Repo.DependencyByPair(env.Ctx, c.ID, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cycle edge persisted: %v", err)
	}
}

func TestBlockedIsDerived(t *testing.T) {
	env := newTestEnv(t)
	pred := env.createTask(t, "pred")
	succ := env.createTask(t, "succ")
	if _, err := env.Engine.AddDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}

	blocked, err := env.Engine.IsBlocked(env.Ctx, succ.ID)
	if err != nil || !blocked {
		t.Fatalf("want blocked, got %v (%v)", blocked, err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, pred.ID); err != nil {
		t.Fatal(err)
	}
	blocked, err = env.Engine.IsBlocked(env.Ctx, succ.ID)
	if err != nil || blocked {
		t.Fatalf("want unblocked after predecessor done, got %v (%v)", blocked, err)
	}
}

func TestCancelledPredecessorUnblocks(t *testing.T) {
	env := newTestEnv(t)
	pred := env.createTask(t, "pred")
	succ := env.createTask(t, "succ")
	if _, err := env.Engine.AddDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}
	env.drainDispatch(t)

	if _, err := env.Engine.CancelTask(env.Ctx, pred.ID); err != nil {
		t.Fatal(err)
	}
	blocked, err := env.Engine.IsBlocked(env.Ctx, succ.ID)
	if err != nil || blocked {
		t.Fatalf("cancelled predecessor should unblock, got %v (%v)", blocked, err)
	}
	ready := env.dispatchEvents(t, domain.EventTaskReady)
	if len(ready) != 1 || ready[0]["task_id"] != succ.ID {
		t.Fatalf("want one task_ready for successor, got %v", ready)
	}
}

func TestCascadeUnblockEmitsTaskReady(t *testing.T) {
	env := newTestEnv(t)
	pred := env.createTask(t, "pred")
	midPred := env.createTask(t, "second pred")
	succ := env.createTask(t, "succ")
	if _, err := env.Engine.AddDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, midPred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}
	env.drainDispatch(t)

	// first predecessor done: successor still blocked, no task_ready
	if _, err := env.Engine.CompleteTask(env.Ctx, pred.ID); err != nil {
		t.Fatal(err)
	}
	if ready := env.dispatchEvents(t, domain.EventTaskReady); len(ready) != 0 {
		t.Fatalf("premature task_ready: %v", ready)
	}

	// last predecessor done: exactly one task_ready for the successor
	if _, err := env.Engine.CompleteTask(env.Ctx, midPred.ID); err != nil {
		t.Fatal(err)
	}
	ready := env.dispatchEvents(t, domain.EventTaskReady)
	if len(ready) != 1 || ready[0]["task_id"] != succ.ID {
		t.Fatalf("want one task_ready for successor, got %v", ready)
	}
}

func TestRemoveDependencyEmitsTaskReady(t *testing.T) {
	env := newTestEnv(t)
	pred := env.createTask(t, "pred")
	succ := env.createTask(t, "succ")
	if _, err := env.Engine.AddDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}
	env.drainDispatch(t)

	if err := env.Engine.RemoveDependency(env.Ctx, pred.ID, succ.ID); err != nil {
		t.Fatal(err)
	}
	ready := env.dispatchEvents(t, domain.EventTaskReady)
	if len(ready) != 1 || ready[0]["task_id"] != succ.ID {
		t.Fatalf("want one task_ready, got %v", ready)
	}
	if err := env.Engine.RemoveDependency(env.Ctx, pred.ID, succ.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("removing a missing edge: %v", err)
	}
}

func TestCreateSubtasksWiresDependencies(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent")

	created, err := env.Engine.CreateSubtasks(env.Ctx, parent.ID, []engine.SubtaskSpec{
		{Title: "first"},
		{Title: "second"},
	}, []engine.SubtaskDep{{FromIndex: 0, ToIndex: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d subtasks", len(created))
	}
	for _, c := range created {
		if c.ParentTaskID == nil || *c.ParentTaskID != parent.ID {
			t.Fatalf("subtask %q has wrong parent", c.Title)
		}
	}
	// parent sits at Backlog, so subtasks default to the next step
	if created[0].StepName != "Plan" {
		t.Fatalf("default step = %s, want Plan", created[0].StepName)
	}
	blocked, err := env.Engine.IsBlocked(env.Ctx, created[1].ID)
	if err != nil || !blocked {
		t.Fatalf("second subtask should be blocked by the first, got %v (%v)", blocked, err)
	}

	_, err = env.Engine.CreateSubtasks(env.Ctx, parent.ID, []engine.SubtaskSpec{{Title: "x"}},
		[]engine.SubtaskDep{{FromIndex: 0, ToIndex: 5}})
	if err == nil {
		t.Fatal("expected error for dependency index out of range")
	}
}

func TestCreateSubtasksRejectsFinishedParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "shipped")
	if _, err := env.Engine.CompleteTask(env.Ctx, parent.ID); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.CreateSubtasks(env.Ctx, parent.ID, []engine.SubtaskSpec{{Title: "late"}}, nil)
	if err == nil {
		t.Fatal("expected error adding subtasks under a task at the terminal step")
	}
}

func TestFanInCreatesSingleSynthesisTask(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent")
	children, err := env.Engine.CreateSubtasks(env.Ctx, parent.ID, []engine.SubtaskSpec{
		{Title: "left"},
		{Title: "right"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, children[0].ID); err != nil {
		t.Fatal(err)
	}
	if n := countSynthesis(t, env, parent.ID); n != 0 {
		t.Fatalf("synthesis created before all siblings done: %d", n)
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, children[1].ID); err != nil {
		t.Fatal(err)
	}
	if n := countSynthesis(t, env, parent.ID); n != 1 {
		t.Fatalf("want exactly one synthesis task, got %d", n)
	}
	synth := synthesisTasks(t, env, parent.ID)[0]
	if synth.StepName != "Plan" {
		t.Fatalf("synthesis placed at %s, want first dispatchable step", synth.StepName)
	}

	// completing the synthesis task must not spawn another one
	if _, err := env.Engine.CompleteTask(env.Ctx, synth.ID); err != nil {
		t.Fatal(err)
	}
	if n := countSynthesis(t, env, parent.ID); n != 1 {
		t.Fatalf("second synthesis appeared: %d", n)
	}
}

func TestFanInIgnoresCancelledSiblings(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent")
	children, err := env.Engine.CreateSubtasks(env.Ctx, parent.ID, []engine.SubtaskSpec{
		{Title: "kept"},
		{Title: "dropped"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, children[1].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, children[0].ID); err != nil {
		t.Fatal(err)
	}
	if n := countSynthesis(t, env, parent.ID); n != 1 {
		t.Fatalf("fan-in should fire once the only live sibling finishes, got %d", n)
	}
}

func synthesisTasks(t *testing.T, env testEnv, parentID string) []domain.Task {
	t.Helper()
	items, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID, Parent: parentID})
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.Task
	for _, item := range items {
		if item.Synthesis {
			out = append(out, item)
		}
	}
	return out
}

func countSynthesis(t *testing.T, env testEnv, parentID string) int {
	t.Helper()
	return len(synthesisTasks(t, env, parentID))
}

func TestApprovePlanGate(t *testing.T) {
	env := newTestEnv(t)
	milestone, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "release",
		Kind:      domain.KindMilestone,
	})
	if err != nil {
		t.Fatal(err)
	}

	// approval needs at least one live child
	if _, err := env.Engine.ApprovePlan(env.Ctx, milestone.ID); err == nil {
		t.Fatal("expected error approving a childless milestone")
	}

	children, err := env.Engine.CreateSubtasks(env.Ctx, milestone.ID, []engine.SubtaskSpec{
		{Title: "one"},
		{Title: "two"},
	}, []engine.SubtaskDep{{FromIndex: 0, ToIndex: 1}})
	if err != nil {
		t.Fatal(err)
	}
	env.drainDispatch(t)

	approved, err := env.Engine.ApprovePlan(env.Ctx, milestone.ID)
	if err != nil || !approved.PlanApproved {
		t.Fatalf("approve: %v", err)
	}
	// only the unblocked child becomes ready
	ready := env.dispatchEvents(t, domain.EventTaskReady)
	if len(ready) != 1 || ready[0]["task_id"] != children[0].ID {
		t.Fatalf("want one task_ready for the unblocked child, got %v", ready)
	}

	if _, err := env.Engine.ApprovePlan(env.Ctx, milestone.ID); err == nil {
		t.Fatal("expected error on double approval")
	}
	unit := env.createTask(t, "not a milestone")
	if _, err := env.Engine.ApprovePlan(env.Ctx, unit.ID); err == nil {
		t.Fatal("expected error approving a unit task")
	}
}

func TestSetTaskOutput(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "research")
	updated, err := env.Engine.SetTaskOutput(env.Ctx, task.ID, "findings here")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Output == nil || *updated.Output != "findings here" {
		t.Fatalf("output = %v", updated.Output)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || got.Output == nil || *got.Output != "findings here" {
		t.Fatalf("persisted output = %v (%v)", got.Output, err)
	}
}

func TestCommentRoles(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "discuss")
	if _, err := env.Engine.AddComment(env.Ctx, task.ID, "intern", "hi"); err == nil {
		t.Fatal("expected error for unknown author role")
	}
	c, err := env.Engine.AddComment(env.Ctx, task.ID, domain.AuthorRoleHuman, "looks good")
	if err != nil {
		t.Fatal(err)
	}
	if c.TaskID != task.ID {
		t.Fatalf("comment bound to %s", c.TaskID)
	}
	items, err := env.Engine.Repo.ListComments(env.Ctx, task.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("list comments: %v (%d)", err, len(items))
	}
}
