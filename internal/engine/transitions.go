package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

// InvalidTransitionError reports a rejected step change together with
// the transitions that would have been accepted.
type InvalidTransitionError struct {
	TaskID      string
	CurrentStep domain.WorkflowStep
	TargetStep  domain.WorkflowStep
	ValidNext   []domain.WorkflowStep
}

func (e *InvalidTransitionError) Error() string {
	names := make([]string, len(e.ValidNext))
	for i, s := range e.ValidNext {
		names[i] = s.Name
	}
	return fmt.Sprintf("invalid transition for task %s: %q -> %q (valid: %s)",
		e.TaskID, e.CurrentStep.Name, e.TargetStep.Name, strings.Join(names, ", "))
}

// validTransition applies the movement rule: exactly one step forward,
// or back to any earlier step. Staying put is not a transition.
func validTransition(from, to domain.WorkflowStep) bool {
	if to.Position == from.Position+1 {
		return true
	}
	return to.Position < from.Position
}

func validNextSteps(steps []domain.WorkflowStep, from domain.WorkflowStep) []domain.WorkflowStep {
	var out []domain.WorkflowStep
	for _, s := range steps {
		if validTransition(from, s) {
			out = append(out, s)
		}
	}
	return out
}

// MoveTask advances or rewinds a task. Arriving at the terminal step
// triggers cascade unblocking of dependents and, for tasks with a
// parent, the fan-in check.
func (e Engine) MoveTask(ctx context.Context, taskID, toStepID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Cancelled {
		return t, fmt.Errorf("task %s is cancelled", taskID)
	}
	target, err := e.Repo.GetStep(ctx, toStepID)
	if err != nil {
		return t, err
	}
	if target.ProjectID != t.ProjectID {
		return t, fmt.Errorf("step %s does not belong to project %s", target.ID, t.ProjectID)
	}
	current, err := e.Repo.GetStep(ctx, t.StepID)
	if err != nil {
		return t, err
	}
	if !validTransition(current, target) {
		steps, lerr := e.Repo.ListSteps(ctx, t.ProjectID)
		if lerr != nil {
			return t, lerr
		}
		return t, &InvalidTransitionError{
			TaskID:      taskID,
			CurrentStep: current,
			TargetStep:  target,
			ValidNext:   validNextSteps(steps, current),
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	moved, err := e.moveTx(ctx, tx, t, current, target)
	if err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return moved, nil
}

// CompleteTask jumps a task straight to the terminal step regardless
// of its current position. It shares the arrival side effects with
// MoveTask.
func (e Engine) CompleteTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Cancelled {
		return t, fmt.Errorf("task %s is cancelled", taskID)
	}
	current, err := e.Repo.GetStep(ctx, t.StepID)
	if err != nil {
		return t, err
	}
	terminal, err := e.Repo.TerminalStep(ctx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if current.ID == terminal.ID {
		return t, fmt.Errorf("task %s is already at %q", taskID, terminal.Name)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	moved, err := e.moveTx(ctx, tx, t, current, terminal)
	if err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return moved, nil
}

func (e Engine) moveTx(ctx context.Context, tx *sql.Tx, t domain.Task, from, to domain.WorkflowStep) (domain.Task, error) {
	now := e.nowString()
	if err := e.Repo.UpdateTaskStep(ctx, tx, t.ID, to.ID, now); err != nil {
		return t, err
	}
	t.StepID = to.ID
	t.StepName = to.Name
	t.StepPosition = to.Position
	t.UpdatedAt = now

	direction := "forward"
	if to.Position < from.Position {
		direction = "backward"
	}
	if err := e.Events.Append(ctx, tx, domain.EventTaskMoved, events.EventPayload{
		"task_id":           t.ID,
		"project_id":        t.ProjectID,
		"old_step_id":       from.ID,
		"old_step_name":     from.Name,
		"old_step_position": from.Position,
		"new_step_id":       to.ID,
		"new_step_name":     to.Name,
		"new_step_position": to.Position,
		"direction":         direction,
		"task":              t,
	}); err != nil {
		return t, err
	}

	terminal, err := e.Repo.TerminalStepTx(ctx, tx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if to.ID == terminal.ID {
		if err := e.cascadeUnblock(ctx, tx, t); err != nil {
			return t, err
		}
		if t.ParentTaskID != nil {
			if err := e.fanIn(ctx, tx, t, terminal); err != nil {
				return t, err
			}
		}
	}
	return t, nil
}

// cascadeUnblock emits task_ready for every successor of a finished
// task whose remaining predecessors are all done or cancelled.
func (e Engine) cascadeUnblock(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	successors, err := e.Repo.ListSuccessorIDsTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	for _, succID := range successors {
		succ, err := e.Repo.GetTaskTx(ctx, tx, succID)
		if err != nil {
			return err
		}
		if succ.Cancelled {
			continue
		}
		blocked, err := e.isBlockedTx(ctx, tx, succID)
		if err != nil {
			return err
		}
		if !blocked {
			if err := e.Events.Append(ctx, tx, domain.EventTaskReady, taskPayload(succ)); err != nil {
				return err
			}
		}
	}
	return nil
}

// fanIn creates a single synthesis task under the parent once every
// non-cancelled sibling has reached the terminal step. The partial
// unique index on tasks makes concurrent attempts collapse to one.
func (e Engine) fanIn(ctx context.Context, tx *sql.Tx, t domain.Task, terminal domain.WorkflowStep) error {
	siblings, err := e.Repo.ListChildren(ctx, tx, *t.ParentTaskID)
	if err != nil {
		return err
	}
	allDone := true
	anyLive := false
	for _, s := range siblings {
		if s.Cancelled {
			continue
		}
		anyLive = true
		if s.StepID != terminal.ID {
			allDone = false
			break
		}
	}
	if !allDone || !anyLive {
		return nil
	}

	parent, err := e.Repo.GetTaskTx(ctx, tx, *t.ParentTaskID)
	if err != nil {
		return err
	}
	step, err := e.Repo.FirstDispatchableStepTx(ctx, tx, parent.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		// Nothing can run it; skip rather than park a dead task.
		return nil
	}
	if err != nil {
		return err
	}

	now := e.nowString()
	pid := parent.ID
	synth := domain.Task{
		ID:           uuid.New().String(),
		ProjectID:    parent.ProjectID,
		ParentTaskID: &pid,
		Title:        fmt.Sprintf("Synthesize results for %q", parent.Title),
		Description: fmt.Sprintf("All subtasks of %q are complete. Review their results, "+
			"reconcile them into a coherent whole, and record the outcome on the parent task.", parent.Title),
		Kind:         domain.KindUnit,
		StepID:       step.ID,
		Synthesis:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
		StepName:     step.Name,
		StepPosition: step.Position,
	}
	if err := e.Repo.InsertTask(ctx, tx, synth); err != nil {
		if isUniqueViolation(err) {
			// A synthesis task for this parent already exists.
			return nil
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventSynthesisCreated, events.EventPayload{
		"task_id":        synth.ID,
		"parent_task_id": parent.ID,
		"project_id":     parent.ProjectID,
		"task":           synth,
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, domain.EventTaskCreated, taskPayload(synth))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures as plain errors
	// carrying the SQLite message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: SQLITE_CONSTRAINT_UNIQUE")
}

// CancelTask flags a task cancelled. Its step is left untouched so an
// uncancel resumes exactly where it stopped. Cancelling a task at the
// terminal step is rejected.
func (e Engine) CancelTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Cancelled {
		return t, fmt.Errorf("task %s is already cancelled", taskID)
	}
	terminal, err := e.Repo.TerminalStep(ctx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if t.StepID == terminal.ID {
		return t, fmt.Errorf("task %s is already at %q and cannot be cancelled", taskID, terminal.Name)
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskCancelled(ctx, tx, taskID, true, now); err != nil {
		return t, err
	}
	t.Cancelled = true
	t.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, domain.EventTaskCancelled, taskPayload(t)); err != nil {
		return t, err
	}
	// A cancelled predecessor no longer blocks; successors may have
	// just become ready.
	if err := e.cascadeUnblock(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// UncancelTask restores a cancelled task at the step it was cancelled
// from.
func (e Engine) UncancelTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if !t.Cancelled {
		return t, fmt.Errorf("task %s is not cancelled", taskID)
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskCancelled(ctx, tx, taskID, false, now); err != nil {
		return t, err
	}
	t.Cancelled = false
	t.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, domain.EventTaskUncancelled, taskPayload(t)); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}
