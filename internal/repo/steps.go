package repo

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
)

const stepColumns = `id,project_id,name,position,dispatchable,role,model,created_at`

func scanStep(scan func(dest ...any) error) (domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	var role, model sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Name, &s.Position, &s.Dispatchable, &role, &model, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if role.Valid {
		s.Role = &role.String
	}
	if model.Valid {
		s.Model = &model.String
	}
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(id,project_id,name,position,dispatchable,role,model,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, s.Position, s.Dispatchable, nullableStringPtr(s.Role), nullableStringPtr(s.Model), s.CreatedAt)
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.WorkflowStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (r Repo) ListSteps(ctx context.Context, projectID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE project_id=? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TerminalStep returns the highest-position step of a project.
func (r Repo) TerminalStep(ctx context.Context, projectID string) (domain.WorkflowStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE project_id=? ORDER BY position DESC LIMIT 1`, projectID)
	return scanStep(row.Scan)
}

func (r Repo) TerminalStepTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.WorkflowStep, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE project_id=? ORDER BY position DESC LIMIT 1`, projectID)
	return scanStep(row.Scan)
}

func (r Repo) FirstDispatchableStepTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.WorkflowStep, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE project_id=? AND dispatchable=1 ORDER BY position LIMIT 1`, projectID)
	return scanStep(row.Scan)
}

// StepAtPosition returns the step at an exact position, ErrNotFound past the end.
func (r Repo) StepAtPosition(ctx context.Context, projectID string, position int) (domain.WorkflowStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE project_id=? AND position=?`, projectID, position)
	return scanStep(row.Scan)
}

// FirstDispatchableStep returns the lowest-position step flagged to
// launch a worker. Fan-in places synthesis tasks here.
func (r Repo) FirstDispatchableStep(ctx context.Context, projectID string) (domain.WorkflowStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE project_id=? AND dispatchable=1 ORDER BY position LIMIT 1`, projectID)
	return scanStep(row.Scan)
}
