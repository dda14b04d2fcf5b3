package repo

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
)

func (r Repo) InsertAgentRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_runs(id,task_id,step_id,started_at) VALUES (?,?,?,?)`,
		run.ID, run.TaskID, run.StepID, run.StartedAt)
	return err
}

// FinishAgentRun seals a run with its outcome. Runs are immutable once
// completed_at is set; the WHERE clause keeps a second writer from
// overwriting a sealed row.
func (r Repo) FinishAgentRun(ctx context.Context, runID, completedAt string, exitCode int, runErr string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agent_runs SET completed_at=?, exit_code=?, error=? WHERE id=? AND completed_at IS NULL`,
		completedAt, exitCode, nullable(runErr), runID)
	return err
}

const (
	activeRunByTaskQuery = `SELECT COUNT(*) FROM agent_runs WHERE task_id=? AND completed_at IS NULL`
	activeRunCountQuery  = `SELECT COUNT(*) FROM agent_runs WHERE completed_at IS NULL`
)

// HasActiveRun reports whether a task has a run with no completed_at.
func (r Repo) HasActiveRun(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, activeRunByTaskQuery, taskID).Scan(&n)
	return n > 0, err
}

// HasActiveRunTx is the in-transaction variant of HasActiveRun. The
// dispatch loop checks it in the same transaction that records a new
// run, so the double-launch guard and the insert are atomic.
func (r Repo) HasActiveRunTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, activeRunByTaskQuery, taskID).Scan(&n)
	return n > 0, err
}

// CountActiveRuns counts in-flight runs system-wide.
func (r Repo) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, activeRunCountQuery).Scan(&n)
	return n, err
}

// CountActiveRunsTx is the in-transaction variant of CountActiveRuns,
// used for the concurrency cap in the same transaction as the insert.
func (r Repo) CountActiveRunsTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, activeRunCountQuery).Scan(&n)
	return n, err
}

func (r Repo) ListAgentRuns(ctx context.Context, taskID string) ([]domain.AgentRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,step_id,started_at,completed_at,exit_code,error FROM agent_runs WHERE task_id=? ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) GetAgentRun(ctx context.Context, id string) (domain.AgentRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,task_id,step_id,started_at,completed_at,exit_code,error FROM agent_runs WHERE id=?`, id)
	return scanAgentRun(row.Scan)
}

func scanAgentRun(scan func(dest ...any) error) (domain.AgentRun, error) {
	var run domain.AgentRun
	var completed, errMsg sql.NullString
	var exit sql.NullInt64
	err := scan(&run.ID, &run.TaskID, &run.StepID, &run.StartedAt, &completed, &exit, &errMsg)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if completed.Valid {
		run.CompletedAt = &completed.String
	}
	if exit.Valid {
		code := int(exit.Int64)
		run.ExitCode = &code
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}
