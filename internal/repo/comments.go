package repo

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
)

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,task_id,author_role,content,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.AuthorRole, c.Content, c.CreatedAt)
	return err
}

func (r Repo) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	var c domain.Comment
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,author_role,content,created_at FROM comments WHERE id=?`, id).
		Scan(&c.ID, &c.TaskID, &c.AuthorRole, &c.Content, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListComments returns a task's thread in creation order.
func (r Repo) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,author_role,content,created_at FROM comments WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorRole, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
