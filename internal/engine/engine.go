// Package engine implements the board operations. Every mutation runs
// in one transaction together with its outbox event, so a committed
// write always has a matching event row.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// StepSpec describes one workflow step at project creation.
type StepSpec struct {
	Name         string
	Dispatchable bool
	Role         string
	Model        string
}

// CreateProject inserts a project with its ordered, immutable step list.
func (e Engine) CreateProject(ctx context.Context, title, description, repoPath, baseBranch string, steps []StepSpec) (domain.Project, []domain.WorkflowStep, error) {
	if title == "" {
		return domain.Project{}, nil, errors.New("title is required")
	}
	if len(steps) == 0 {
		return domain.Project{}, nil, errors.New("at least one workflow step is required")
	}
	for i, s := range steps {
		if s.Name == "" {
			return domain.Project{}, nil, fmt.Errorf("step at position %d missing name", i)
		}
		if s.Dispatchable && !domain.ValidRole(s.Role) {
			return domain.Project{}, nil, fmt.Errorf("dispatchable step %q needs a valid role, got %q", s.Name, s.Role)
		}
	}

	now := e.nowString()
	p := domain.Project{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Status:      "active",
		RepoPath:    repoPath,
		BaseBranch:  baseBranch,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, nil, fmt.Errorf("insert project: %w", err)
	}
	created := make([]domain.WorkflowStep, 0, len(steps))
	for i, s := range steps {
		step := domain.WorkflowStep{
			ID:           uuid.New().String(),
			ProjectID:    p.ID,
			Name:         s.Name,
			Position:     i,
			Dispatchable: s.Dispatchable,
			CreatedAt:    now,
		}
		if s.Role != "" {
			role := s.Role
			step.Role = &role
		}
		if s.Model != "" {
			model := s.Model
			step.Model = &model
		}
		if err := e.Repo.InsertStep(ctx, tx, step); err != nil {
			return domain.Project{}, nil, fmt.Errorf("insert step %q: %w", s.Name, err)
		}
		created = append(created, step)
	}
	if err := e.Events.Append(ctx, tx, domain.EventProjectCreated, events.EventPayload{
		"project_id": p.ID,
		"project":    p,
	}); err != nil {
		return domain.Project{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, nil, err
	}
	return p, created, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID    string
	StepID       string // empty = project's first step
	ParentTaskID string
	Kind         string // empty = unit
	Title        string
	Description  string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindUnit
	}
	if !domain.ValidKind(opts.Kind) {
		return domain.Task{}, fmt.Errorf("invalid task kind %q", opts.Kind)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}

	var step domain.WorkflowStep
	var err error
	if opts.StepID == "" {
		step, err = e.Repo.StepAtPosition(ctx, opts.ProjectID, 0)
	} else {
		step, err = e.Repo.GetStep(ctx, opts.StepID)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if step.ProjectID != opts.ProjectID {
		return domain.Task{}, fmt.Errorf("step %s does not belong to project %s", step.ID, opts.ProjectID)
	}
	if opts.ParentTaskID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentTaskID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, errors.New("parent in different project")
		}
	}

	now := e.nowString()
	t := domain.Task{
		ID:           uuid.New().String(),
		ProjectID:    opts.ProjectID,
		Title:        opts.Title,
		Description:  opts.Description,
		Kind:         opts.Kind,
		StepID:       step.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
		StepName:     step.Name,
		StepPosition: step.Position,
	}
	if opts.ParentTaskID != "" {
		parentID := opts.ParentTaskID
		t.ParentTaskID = &parentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventTaskCreated, taskPayload(t)); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SubtaskSpec describes one subtask in a bulk creation.
type SubtaskSpec struct {
	Title       string
	Description string
	Kind        string
	StepID      string // empty = default (step after parent's)
}

// SubtaskDep wires a dependency between tasks of the same batch by index.
type SubtaskDep struct {
	FromIndex int // predecessor
	ToIndex   int // successor
}

// CreateSubtasks bulk-creates tasks under a parent. Dependency edges
// between batch members are inserted before any task_created event, so
// the dispatch loop never sees a successor without its edges.
func (e Engine) CreateSubtasks(ctx context.Context, parentID string, specs []SubtaskSpec, deps []SubtaskDep) ([]domain.Task, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one subtask is required")
	}
	parent, err := e.Repo.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}

	terminal, err := e.Repo.TerminalStep(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}
	if parent.StepID == terminal.ID {
		return nil, fmt.Errorf("task %s is already at %q and cannot take new subtasks", parentID, terminal.Name)
	}

	// Default placement: the step after the parent's. The parent is not
	// at the terminal step, so that position always exists.
	defaultStep, err := e.Repo.StepAtPosition(ctx, parent.ProjectID, parent.StepPosition+1)
	if err != nil {
		return nil, err
	}

	// Resolve and validate everything before opening the transaction.
	resolved := make([]domain.WorkflowStep, len(specs))
	kinds := make([]string, len(specs))
	for i, spec := range specs {
		if spec.Title == "" {
			return nil, fmt.Errorf("subtask at index %d missing title", i)
		}
		kinds[i] = spec.Kind
		if kinds[i] == "" {
			kinds[i] = domain.KindUnit
		}
		if !domain.ValidKind(kinds[i]) {
			return nil, fmt.Errorf("invalid task kind %q", kinds[i])
		}
		resolved[i] = defaultStep
		if spec.StepID != "" {
			step, err := e.Repo.GetStep(ctx, spec.StepID)
			if err != nil {
				return nil, err
			}
			if step.ProjectID != parent.ProjectID {
				return nil, fmt.Errorf("step %s does not belong to project %s", step.ID, parent.ProjectID)
			}
			resolved[i] = step
		}
	}

	now := e.nowString()
	created := make([]domain.Task, 0, len(specs))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for i, spec := range specs {
		step := resolved[i]
		pid := parent.ID
		t := domain.Task{
			ID:           uuid.New().String(),
			ProjectID:    parent.ProjectID,
			ParentTaskID: &pid,
			Title:        spec.Title,
			Description:  spec.Description,
			Kind:         kinds[i],
			StepID:       step.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
			StepName:     step.Name,
			StepPosition: step.Position,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, err
		}
		created = append(created, t)
	}

	for _, d := range deps {
		if d.FromIndex < 0 || d.FromIndex >= len(created) || d.ToIndex < 0 || d.ToIndex >= len(created) {
			return nil, fmt.Errorf("dependency index out of range: %d -> %d", d.FromIndex, d.ToIndex)
		}
		if d.FromIndex == d.ToIndex {
			return nil, ErrSelfDependency
		}
		edge := domain.Dependency{
			ID:            uuid.New().String(),
			PredecessorID: created[d.FromIndex].ID,
			SuccessorID:   created[d.ToIndex].ID,
			CreatedAt:     now,
		}
		if err := e.Repo.InsertDependency(ctx, tx, edge); err != nil {
			return nil, err
		}
	}

	ids := make([]string, len(created))
	for i, t := range created {
		ids[i] = t.ID
	}
	if err := e.Events.Append(ctx, tx, domain.EventSubtasksCreated, events.EventPayload{
		"parent_task_id": parent.ID,
		"project_id":     parent.ProjectID,
		"task_ids":       ids,
	}); err != nil {
		return nil, err
	}
	for _, t := range created {
		if err := e.Events.Append(ctx, tx, domain.EventTaskCreated, taskPayload(t)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// AddComment appends to a task's thread. Comments are never mutated.
func (e Engine) AddComment(ctx context.Context, taskID, authorRole, content string) (domain.Comment, error) {
	if !domain.ValidAuthorRole(authorRole) {
		return domain.Comment{}, fmt.Errorf("invalid author role %q", authorRole)
	}
	if content == "" {
		return domain.Comment{}, errors.New("content is required")
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		AuthorRole: authorRole,
		Content:    content,
		CreatedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return domain.Comment{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventCommentAdded, events.EventPayload{
		"comment_id": c.ID,
		"task_id":    c.TaskID,
		"comment":    c,
	}); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// SetTaskOutput stores research findings on a task.
func (e Engine) SetTaskOutput(ctx context.Context, taskID, output string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskOutput(ctx, tx, taskID, output, now); err != nil {
		return t, err
	}
	t.Output = &output
	t.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, domain.EventTaskUpdated, taskPayload(t)); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ApprovePlan marks a milestone's plan as approved, letting its
// children dispatch. Requires at least one non-cancelled child.
func (e Engine) ApprovePlan(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Kind != domain.KindMilestone {
		return t, errors.New("only milestones can be approved")
	}
	if t.PlanApproved {
		return t, errors.New("milestone is already approved")
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	children, err := e.Repo.ListChildren(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	live := children[:0]
	for _, c := range children {
		if !c.Cancelled {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return t, errors.New("milestone must have at least one child task before approval")
	}

	if err := e.Repo.SetPlanApproved(ctx, tx, taskID, now); err != nil {
		return t, err
	}
	t.PlanApproved = true
	t.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, domain.EventPlanApproved, taskPayload(t)); err != nil {
		return t, err
	}
	for _, c := range live {
		blocked, err := e.isBlockedTx(ctx, tx, c.ID)
		if err != nil {
			return t, err
		}
		if !blocked {
			if err := e.Events.Append(ctx, tx, domain.EventTaskReady, taskPayload(c)); err != nil {
				return t, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// taskPayload builds the fully resolved event payload for a task so
// downstream consumers never need a second read to enrich it.
func taskPayload(t domain.Task) events.EventPayload {
	return events.EventPayload{
		"task_id":    t.ID,
		"project_id": t.ProjectID,
		"step_id":    t.StepID,
		"task":       t,
	}
}
