package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,title,description,status,repo_path,base_branch,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), p.Status, nullable(p.RepoPath), nullable(p.BaseBranch), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc, repoPath, baseBranch sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,description,status,repo_path,base_branch,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Title, &desc, &p.Status, &repoPath, &baseBranch, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = desc.String
	p.RepoPath = repoPath.String
	p.BaseBranch = baseBranch.String
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,COALESCE(description,''),status,COALESCE(repo_path,''),COALESCE(base_branch,''),created_at,updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Status, &p.RepoPath, &p.BaseBranch, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, errors.New("multiple projects exist; specify --project")
	}
	return projects[0], nil
}
