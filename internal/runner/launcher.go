package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"taskrelay/internal/config"
	"taskrelay/internal/repo"
	"taskrelay/internal/worktree"
)

// Launcher runs one agent for one task: it ensures the worktree,
// resolves the prompt and model, executes the agent CLI, and seals the
// run record with the outcome.
type Launcher struct {
	Repo      repo.Repo
	Worktrees *worktree.Manager
	Config    *config.Config
	Runner    *Runner
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewLauncher(r repo.Repo, wt *worktree.Manager, cfg *config.Config, logger *slog.Logger) *Launcher {
	return &Launcher{
		Repo:      r,
		Worktrees: wt,
		Config:    cfg,
		Runner: &Runner{
			Command:   cfg.Agent.Command,
			ExtraArgs: cfg.Agent.Args,
			Timeout:   cfg.RunTimeout(),
			Logger:    logger,
		},
		Logger: logger,
		Now:    time.Now,
	}
}

func (l *Launcher) nowString() string {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

// Launch blocks until the agent for taskID exits. The run row is
// reserved by the caller before Launch; outcome, session id, and
// worktree location are persisted as they become known. A failure at
// any stage before the agent exits seals the run with exit code -1 so
// the row never lingers as active.
func (l *Launcher) Launch(ctx context.Context, taskID, runID string) error {
	if err := l.launch(ctx, taskID, runID); err != nil {
		bg := context.WithoutCancel(ctx)
		if ferr := l.Repo.FinishAgentRun(bg, runID, l.nowString(), -1, err.Error()); ferr != nil {
			l.log().Error("record run failure", "run_id", runID, "error", ferr)
		}
		return err
	}
	return nil
}

func (l *Launcher) launch(ctx context.Context, taskID, runID string) error {
	t, err := l.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Cancelled {
		return fmt.Errorf("task %s is cancelled", taskID)
	}
	step, err := l.Repo.GetStep(ctx, t.StepID)
	if err != nil {
		return err
	}
	if !step.Dispatchable || step.Role == nil {
		return fmt.Errorf("step %q has no agent configured", step.Name)
	}
	role := *step.Role

	promptFile := l.Config.PromptFor(role)
	if promptFile == "" {
		return fmt.Errorf("no prompt configured for role %q", role)
	}
	systemPrompt, err := os.ReadFile(promptFile)
	if err != nil {
		return fmt.Errorf("read prompt for role %q: %w", role, err)
	}

	comments, err := l.Repo.ListComments(ctx, taskID)
	if err != nil {
		return err
	}

	if t.WorktreePath == nil || !worktree.Exists(*t.WorktreePath) {
		info, err := l.Worktrees.Create(t.ProjectID, t.ID)
		if err != nil {
			return fmt.Errorf("worktree for task %s: %w", taskID, err)
		}
		if err := l.Repo.SetTaskWorkspace(ctx, t.ID, info.Path, info.Branch, l.nowString()); err != nil {
			return err
		}
		t.WorktreePath = &info.Path
		t.Branch = &info.Branch
	} else if err := l.Worktrees.Rebase(*t.WorktreePath); err != nil {
		// A stale base is survivable; the agent works on the branch as is.
		l.log().Warn("rebase reused worktree", "task_id", t.ID, "path", *t.WorktreePath, "error", err)
	}

	model := l.Config.ModelFor(role)
	if step.Model != nil && *step.Model != "" {
		model = *step.Model
	}

	var sessionID string
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	res, err := l.Runner.Run(ctx, Request{
		Prompt:    BuildPrompt(t, comments, string(systemPrompt)),
		Dir:       *t.WorktreePath,
		Model:     model,
		SessionID: sessionID,
		OnSessionID: func(sid string) {
			if perr := l.Repo.SetTaskSession(context.WithoutCancel(ctx), t.ID, sid, l.nowString()); perr != nil {
				l.log().Error("persist session id", "task_id", t.ID, "error", perr)
			}
		},
	})
	if err != nil {
		return err
	}

	runErr := res.Stderr
	if err := l.Repo.FinishAgentRun(ctx, runID, l.nowString(), res.ExitCode, runErr); err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("agent for task %s exited with code %d", taskID, res.ExitCode)
	}
	return nil
}

func (l *Launcher) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
