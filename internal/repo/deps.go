package repo

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
)

func (r Repo) InsertDependency(ctx context.Context, tx *sql.Tx, d domain.Dependency) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies(id,predecessor_id,successor_id,created_at) VALUES (?,?,?,?)`,
		d.ID, d.PredecessorID, d.SuccessorID, d.CreatedAt)
	return err
}

func (r Repo) GetDependency(ctx context.Context, id string) (domain.Dependency, error) {
	var d domain.Dependency
	err := r.DB.QueryRowContext(ctx, `SELECT id,predecessor_id,successor_id,created_at FROM task_dependencies WHERE id=?`, id).
		Scan(&d.ID, &d.PredecessorID, &d.SuccessorID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) DependencyByPair(ctx context.Context, predecessorID, successorID string) (domain.Dependency, error) {
	var d domain.Dependency
	err := r.DB.QueryRowContext(ctx, `SELECT id,predecessor_id,successor_id,created_at FROM task_dependencies WHERE predecessor_id=? AND successor_id=?`,
		predecessorID, successorID).
		Scan(&d.ID, &d.PredecessorID, &d.SuccessorID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) DeleteDependency(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE id=?`, id)
	return err
}

const predecessorsQuery = `SELECT predecessor_id FROM task_dependencies WHERE successor_id=?`
const successorsQuery = `SELECT successor_id FROM task_dependencies WHERE predecessor_id=?`

func (r Repo) ListPredecessorIDs(ctx context.Context, taskID string) ([]string, error) {
	return listEdgeIDs(ctx, r.DB, predecessorsQuery, taskID)
}

func (r Repo) ListSuccessorIDs(ctx context.Context, taskID string) ([]string, error) {
	return listEdgeIDs(ctx, r.DB, successorsQuery, taskID)
}

func (r Repo) ListPredecessorIDsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return listEdgeIDs(ctx, tx, predecessorsQuery, taskID)
}

func (r Repo) ListSuccessorIDsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return listEdgeIDs(ctx, tx, successorsQuery, taskID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listEdgeIDs(ctx context.Context, q querier, query, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListProjectDependencies returns every edge whose predecessor belongs
// to the project. Used for board snapshots.
func (r Repo) ListProjectDependencies(ctx context.Context, projectID string) ([]domain.Dependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT td.id,td.predecessor_id,td.successor_id,td.created_at
FROM task_dependencies td JOIN tasks t ON td.predecessor_id=t.id WHERE t.project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.ID, &d.PredecessorID, &d.SuccessorID, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
