package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

var (
	// ErrSelfDependency rejects an edge from a task to itself.
	ErrSelfDependency = errors.New("task cannot depend on itself")
	// ErrCycleDetected rejects an edge that would close a dependency loop.
	ErrCycleDetected = errors.New("dependency would create a cycle")
	// ErrDuplicateDependency rejects an edge that already exists.
	ErrDuplicateDependency = errors.New("dependency already exists")
)

// AddDependency records that successor must wait for predecessor.
func (e Engine) AddDependency(ctx context.Context, predecessorID, successorID string) (domain.Dependency, error) {
	if predecessorID == successorID {
		return domain.Dependency{}, ErrSelfDependency
	}
	pred, err := e.Repo.GetTask(ctx, predecessorID)
	if err != nil {
		return domain.Dependency{}, fmt.Errorf("predecessor: %w", err)
	}
	succ, err := e.Repo.GetTask(ctx, successorID)
	if err != nil {
		return domain.Dependency{}, fmt.Errorf("successor: %w", err)
	}
	if pred.ProjectID != succ.ProjectID {
		return domain.Dependency{}, errors.New("dependencies must stay within one project")
	}
	if _, err := e.Repo.DependencyByPair(ctx, predecessorID, successorID); err == nil {
		return domain.Dependency{}, ErrDuplicateDependency
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Dependency{}, err
	}

	d := domain.Dependency{
		ID:            uuid.New().String(),
		PredecessorID: predecessorID,
		SuccessorID:   successorID,
		CreatedAt:     e.nowString(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dependency{}, err
	}
	defer tx.Rollback()

	// The edge closes a loop iff the predecessor is already reachable
	// from the successor. Checked inside the transaction so a racing
	// insert cannot slip a cycle in.
	cyclic, err := e.reachable(ctx, tx, successorID, predecessorID)
	if err != nil {
		return domain.Dependency{}, err
	}
	if cyclic {
		return domain.Dependency{}, ErrCycleDetected
	}

	if err := e.Repo.InsertDependency(ctx, tx, d); err != nil {
		if isUniqueViolation(err) {
			return domain.Dependency{}, ErrDuplicateDependency
		}
		return domain.Dependency{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventDependencyCreated, events.EventPayload{
		"dependency_id":  d.ID,
		"predecessor_id": d.PredecessorID,
		"successor_id":   d.SuccessorID,
		"project_id":     pred.ProjectID,
	}); err != nil {
		return domain.Dependency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dependency{}, err
	}
	return d, nil
}

// RemoveDependency deletes an edge. If that leaves the successor
// unblocked, a task_ready event follows in the same transaction.
func (e Engine) RemoveDependency(ctx context.Context, predecessorID, successorID string) error {
	d, err := e.Repo.DependencyByPair(ctx, predecessorID, successorID)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteDependency(ctx, tx, d.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventDependencyRemoved, events.EventPayload{
		"dependency_id":  d.ID,
		"predecessor_id": d.PredecessorID,
		"successor_id":   d.SuccessorID,
	}); err != nil {
		return err
	}

	succ, err := e.Repo.GetTaskTx(ctx, tx, successorID)
	if err != nil {
		return err
	}
	if !succ.Cancelled {
		terminal, err := e.Repo.TerminalStepTx(ctx, tx, succ.ProjectID)
		if err != nil {
			return err
		}
		if succ.StepID != terminal.ID {
			blocked, err := e.isBlockedTx(ctx, tx, successorID)
			if err != nil {
				return err
			}
			if !blocked {
				if err := e.Events.Append(ctx, tx, domain.EventTaskReady, taskPayload(succ)); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

// IsBlocked reports whether any predecessor of the task is still
// outstanding. Cancelled predecessors do not block; neither do
// completed ones.
func (e Engine) IsBlocked(ctx context.Context, taskID string) (bool, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	terminal, err := e.Repo.TerminalStep(ctx, t.ProjectID)
	if err != nil {
		return false, err
	}
	predIDs, err := e.Repo.ListPredecessorIDs(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, id := range predIDs {
		p, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if !p.Cancelled && p.StepID != terminal.ID {
			return true, nil
		}
	}
	return false, nil
}

func (e Engine) isBlockedTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	terminal, err := e.Repo.TerminalStepTx(ctx, tx, t.ProjectID)
	if err != nil {
		return false, err
	}
	predIDs, err := e.Repo.ListPredecessorIDsTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	for _, id := range predIDs {
		p, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if !p.Cancelled && p.StepID != terminal.ID {
			return true, nil
		}
	}
	return false, nil
}

// reachable walks successor edges from start looking for target.
func (e Engine) reachable(ctx context.Context, tx *sql.Tx, start, target string) (bool, error) {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next, err := e.Repo.ListSuccessorIDsTx(ctx, tx, cur)
		if err != nil {
			return false, err
		}
		for _, id := range next {
			if id == target {
				return true, nil
			}
			if !seen[id] {
				seen[id] = true
				queue = append(queue, id)
			}
		}
	}
	return false, nil
}
