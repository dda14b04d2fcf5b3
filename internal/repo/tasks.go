package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskrelay/internal/domain"
)

const taskColumns = `t.id,t.project_id,t.parent_task_id,t.title,t.description,t.kind,t.step_id,
t.cancelled,t.plan_approved,t.synthesis,t.worktree_path,t.branch,t.session_id,t.output,
t.created_at,t.updated_at,ws.name,ws.position`

const taskFrom = ` FROM tasks t JOIN workflow_steps ws ON t.step_id=ws.id `

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var parentID, desc, worktree, branch, session, output sql.NullString
	err := scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &desc, &t.Kind, &t.StepID,
		&t.Cancelled, &t.PlanApproved, &t.Synthesis, &worktree, &branch, &session, &output,
		&t.CreatedAt, &t.UpdatedAt, &t.StepName, &t.StepPosition)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.String
	}
	t.Description = desc.String
	if worktree.Valid {
		t.WorktreePath = &worktree.String
	}
	if branch.Valid {
		t.Branch = &branch.String
	}
	if session.Valid {
		t.SessionID = &session.String
	}
	if output.Valid {
		t.Output = &output.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,parent_task_id,title,description,kind,step_id,cancelled,plan_approved,synthesis,worktree_path,branch,session_id,output,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.ParentTaskID), t.Title, nullable(t.Description), t.Kind, t.StepID,
		t.Cancelled, t.PlanApproved, t.Synthesis, nullableStringPtr(t.WorktreePath), nullableStringPtr(t.Branch),
		nullableStringPtr(t.SessionID), nullableStringPtr(t.Output), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE t.id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE t.id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID string
	StepID    string
	Parent    string
	Kind      string
	Cancelled *bool
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "t.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.StepID != "" {
		clauses = append(clauses, "t.step_id=?")
		args = append(args, f.StepID)
	}
	if f.Parent != "" {
		clauses = append(clauses, "t.parent_task_id=?")
		args = append(args, f.Parent)
	}
	if f.Kind != "" {
		clauses = append(clauses, "t.kind=?")
		args = append(args, f.Kind)
	}
	if f.Cancelled != nil {
		clauses = append(clauses, "t.cancelled=?")
		args = append(args, *f.Cancelled)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + taskFrom + where + ` ORDER BY t.created_at, t.id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListChildren returns all tasks under a parent, cancelled included.
func (r Repo) ListChildren(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE t.parent_task_id=? ORDER BY t.created_at, t.id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStep(ctx context.Context, tx *sql.Tx, taskID, stepID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET step_id=?, updated_at=? WHERE id=?`, stepID, updatedAt, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTaskCancelled(ctx context.Context, tx *sql.Tx, taskID string, cancelled bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET cancelled=?, updated_at=? WHERE id=?`, cancelled, updatedAt, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetPlanApproved(ctx context.Context, tx *sql.Tx, taskID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET plan_approved=1, updated_at=? WHERE id=?`, updatedAt, taskID)
	return err
}

func (r Repo) SetTaskOutput(ctx context.Context, tx *sql.Tx, taskID, output, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET output=?, updated_at=? WHERE id=?`, output, updatedAt, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskWorkspace persists the worktree path and branch created for a task.
func (r Repo) SetTaskWorkspace(ctx context.Context, taskID, worktreePath, branch, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET worktree_path=?, branch=?, updated_at=? WHERE id=?`,
		worktreePath, branch, updatedAt, taskID)
	return err
}

// ClearTaskWorkspace drops workspace bindings after teardown.
func (r Repo) ClearTaskWorkspace(ctx context.Context, taskID, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET worktree_path=NULL, branch=NULL, session_id=NULL, updated_at=? WHERE id=?`,
		updatedAt, taskID)
	return err
}

// SetTaskSession stores the worker's opaque resume handle. Called as soon
// as the handle is known, not when the worker exits.
func (r Repo) SetTaskSession(ctx context.Context, taskID, sessionID, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET session_id=?, updated_at=? WHERE id=?`,
		sessionID, updatedAt, taskID)
	return err
}
