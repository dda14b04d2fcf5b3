// Package worktree manages git worktrees so each agent operates on its
// own branch without touching the main checkout or other agents.
package worktree

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Manager creates and removes per-task worktrees under a common root.
type Manager struct {
	RepoPath      string
	BaseBranch    string
	WorktreesPath string
	// Now is overridable for deterministic branch names in tests.
	Now func() time.Time
}

// Info describes a created worktree.
type Info struct {
	Path   string
	Branch string
}

func New(repoPath, baseBranch, worktreesPath string) *Manager {
	return &Manager{
		RepoPath:      repoPath,
		BaseBranch:    baseBranch,
		WorktreesPath: worktreesPath,
		Now:           time.Now,
	}
}

func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// TaskPath returns the worktree path for a task.
func (m *Manager) TaskPath(projectID, taskID string) string {
	return filepath.Join(m.WorktreesPath, projectID, taskID)
}

// BranchName builds the per-task branch: task-{id[:8]}-{unixts}.
func (m *Manager) BranchName(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("task-%s-%d", short, m.Now().Unix())
}

// Create makes a worktree for the task on a fresh branch off the base
// branch. Idempotent: an existing worktree directory is reused.
func (m *Manager) Create(projectID, taskID string) (Info, error) {
	path := m.TaskPath(projectID, taskID)
	if Exists(path) {
		branch, _ := m.ReadBranch(path)
		return Info{Path: path, Branch: branch}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, err
	}
	branch := m.BranchName(taskID)
	if _, err := m.git(m.RepoPath, "worktree", "add", "-b", branch, path, m.BaseBranch); err != nil {
		return Info{}, fmt.Errorf("create worktree at %s: %w", path, err)
	}
	return Info{Path: path, Branch: branch}, nil
}

// Remove deletes a worktree and its branch. A missing worktree is a
// no-op; a missing branch is ignored.
func (m *Manager) Remove(path string) error {
	if !Exists(path) {
		return nil
	}
	branch, _ := m.ReadBranch(path)
	if _, err := m.git(m.RepoPath, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree at %s: %w", path, err)
	}
	if branch != "" {
		// Branch may already be gone.
		m.git(m.RepoPath, "branch", "-D", branch) //nolint:errcheck
	}
	return nil
}

// Prune drops stale worktree registrations in the main repository.
func (m *Manager) Prune() error {
	_, err := m.git(m.RepoPath, "worktree", "prune")
	return err
}

// Rebase fetches the base branch from origin and rebases the worktree
// onto it. Skipped silently when the repo has no origin remote; a
// conflicting rebase is aborted and reported.
func (m *Manager) Rebase(path string) error {
	if _, err := m.git(path, "remote", "get-url", "origin"); err != nil {
		return nil
	}
	if _, err := m.git(path, "fetch", "origin", m.BaseBranch); err != nil {
		return fmt.Errorf("fetch origin/%s: %w", m.BaseBranch, err)
	}
	if _, err := m.git(path, "rebase", "origin/"+m.BaseBranch); err != nil {
		m.git(path, "rebase", "--abort") //nolint:errcheck
		return fmt.Errorf("rebase onto origin/%s: %w", m.BaseBranch, err)
	}
	return nil
}

// ReadBranch returns the branch checked out in a worktree.
func (m *Manager) ReadBranch(path string) (string, error) {
	return m.git(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// Exists reports whether path holds a linked worktree. A linked
// worktree has a .git file, not a .git directory.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false
	}
	gi, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && gi.Mode().IsRegular()
}
