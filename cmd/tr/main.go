package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/dispatch"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/migrate"
	"taskrelay/internal/repo"
	"taskrelay/internal/runner"
	"taskrelay/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "tr",
	Short: "Taskrelay CLI",
	Long: `Taskrelay coordinates autonomous agent workers over a shared task board.
Core concepts:
- Workspace: the .taskrelay directory holding the SQLite board.
- Project: owns an ordered, immutable list of workflow steps.
- Steps: positions a task walks through; dispatchable steps launch an agent.
- Tasks: work items (unit, research, milestone) with dependencies and comments.
- Dependencies: a task is blocked until its predecessors finish or are cancelled.
- Dispatch loop: 'tr serve' polls the event log and launches agent CLI workers,
  each in its own git worktree.
- Event log: append-only diary of changes, view with 'tr log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(worktreeCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.Migrate(conn)
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch daemon",
		Long:  "Polls the event log and launches agent workers for tasks landing on dispatchable steps.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			r := repo.Repo{DB: conn}
			wt := worktree.New(cfg.RepoPath, cfg.BaseBranch, cfg.WorktreesPath)
			launcher := runner.NewLauncher(r, wt, cfg, logger)
			loop := &dispatch.Loop{
				Engine:      engine.New(conn),
				Repo:        r,
				Events:      events.Writer{DB: conn},
				Launcher:    launcher,
				Worktrees:   wt,
				Interval:    cfg.PollInterval.Std(),
				MaxParallel: cfg.MaxParallelAgents,
				Logger:      logger,
			}

			if running, err := r.CountActiveRuns(cmd.Context()); err == nil && running > 0 {
				logger.Warn("runs left active by a previous daemon", "count", running)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var title, desc, repoPath, baseBranch string
	var stepSpecs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with its workflow steps",
		Long: `Steps are given in order with repeated --step flags.
Format: "Name" for a plain step, "Name=role" for a dispatchable step,
"Name=role@model" to pin a model. Example:
  tr project create --title demo --step Backlog --step "Plan=planner" \
    --step "Build=coder" --step "Review=reviewer" --step Done`,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseStepSpecs(stepSpecs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, created, err := e.CreateProject(ctx, title, desc, repoPath, baseBranch, steps)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Project domain.Project        `json:"project"`
					Steps   []domain.WorkflowStep `json:"steps"`
				}{p, created})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&repoPath, "repo", "", "git repository path")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "base branch for worktrees")
	cmd.Flags().StringArrayVar(&stepSpecs, "step", nil, "workflow step, in order")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func parseStepSpecs(specs []string) ([]engine.StepSpec, error) {
	out := make([]engine.StepSpec, 0, len(specs))
	for _, raw := range specs {
		s := engine.StepSpec{Name: raw}
		if name, rest, ok := strings.Cut(raw, "="); ok {
			role, model, _ := strings.Cut(rest, "@")
			if role == "" {
				return nil, fmt.Errorf("step %q: empty role after '='", raw)
			}
			s = engine.StepSpec{Name: name, Dispatchable: true, Role: role, Model: model}
		}
		if s.Name == "" {
			return nil, fmt.Errorf("step %q: empty name", raw)
		}
		out = append(out, s)
	}
	return out, nil
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Repo", "Base"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.RepoPath, p.BaseBranch})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project and its steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				steps, err := r.ListSteps(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Project domain.Project        `json:"project"`
					Steps   []domain.WorkflowStep `json:"steps"`
				}{p, steps})
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskCancelCmd())
	t.AddCommand(taskUncancelCmd())
	t.AddCommand(taskSubtasksCmd())
	t.AddCommand(taskApproveCmd())
	t.AddCommand(taskOutputCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var title, desc, kind, stepRef, parent string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e.Repo)
				if err != nil {
					return err
				}
				stepID := ""
				if stepRef != "" {
					step, err := resolveStep(ctx, e.Repo, p.ID, stepRef)
					if err != nil {
						return err
					}
					stepID = step.ID
				}
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:    p.ID,
					StepID:       stepID,
					ParentTaskID: parent,
					Kind:         kind,
					Title:        title,
					Description:  desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&kind, "kind", domain.KindUnit, "task kind (unit|research|milestone)")
	cmd.Flags().StringVar(&stepRef, "to-step", "", "step id or name (default: first step)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var stepRef, parent, kind string
	var includeCancelled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				f := repo.TaskFilters{ProjectID: p.ID, Parent: parent, Kind: kind}
				if stepRef != "" {
					step, err := resolveStep(ctx, r, p.ID, stepRef)
					if err != nil {
						return err
					}
					f.StepID = step.ID
				}
				if !includeCancelled {
					no := false
					f.Cancelled = &no
				}
				items, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Kind", "Step", "Cancelled"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Kind, t.StepName, t.Cancelled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stepRef, "step", "", "filter by step id or name")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent task id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().BoolVar(&includeCancelled, "all", false, "include cancelled tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its thread and dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				comments, err := e.Repo.ListComments(ctx, t.ID)
				if err != nil {
					return err
				}
				preds, err := e.Repo.ListPredecessorIDs(ctx, t.ID)
				if err != nil {
					return err
				}
				succs, err := e.Repo.ListSuccessorIDs(ctx, t.ID)
				if err != nil {
					return err
				}
				blocked, err := e.IsBlocked(ctx, t.ID)
				if err != nil {
					return err
				}
				active, err := e.Repo.HasActiveRun(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Task         domain.Task      `json:"task"`
					Blocked      bool             `json:"blocked"`
					ActiveRun    bool             `json:"active_run"`
					Predecessors []string         `json:"predecessors"`
					Successors   []string         `json:"successors"`
					Comments     []domain.Comment `json:"comments"`
				}{t, blocked, active, preds, succs, comments})
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	var stepRef string
	cmd := &cobra.Command{
		Use:   "move <task-id>",
		Short: "Move a task one step forward or to any earlier step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				step, err := resolveStep(ctx, e.Repo, t.ProjectID, stepRef)
				if err != nil {
					return err
				}
				moved, err := e.MoveTask(ctx, t.ID, step.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(moved)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&stepRef, "to-step", "", "target step id or name")
	_ = cmd.MarkFlagRequired("to-step")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Move a task straight to the terminal step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task (step is kept for uncancel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUncancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uncancel <task-id>",
		Short: "Restore a cancelled task at its previous step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UncancelTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// subtaskFile is the JSON shape consumed by 'tr task subtasks'.
type subtaskFile struct {
	Tasks []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Kind        string `json:"kind"`
		Step        string `json:"step"`
	} `json:"tasks"`
	Deps []struct {
		From int `json:"from"`
		To   int `json:"to"`
	} `json:"deps"`
}

func taskSubtasksCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "subtasks <parent-id>",
		Short: "Bulk-create subtasks under a parent from a JSON file",
		Long: `The file holds the subtasks and their dependencies by index:
  {"tasks": [{"title": "a"}, {"title": "b"}], "deps": [{"from": 0, "to": 1}]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var in subtaskFile
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				parent, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				specs := make([]engine.SubtaskSpec, len(in.Tasks))
				for i, t := range in.Tasks {
					specs[i] = engine.SubtaskSpec{Title: t.Title, Description: t.Description, Kind: t.Kind}
					if t.Step != "" {
						step, err := resolveStep(ctx, e.Repo, parent.ProjectID, t.Step)
						if err != nil {
							return err
						}
						specs[i].StepID = step.ID
					}
				}
				deps := make([]engine.SubtaskDep, len(in.Deps))
				for i, d := range in.Deps {
					deps[i] = engine.SubtaskDep{FromIndex: d.From, ToIndex: d.To}
				}
				created, err := e.CreateSubtasks(ctx, parent.ID, specs, deps)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to subtasks JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <milestone-id>",
		Short: "Approve a milestone's plan so its children can dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApprovePlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskOutputCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "output <task-id>",
		Short: "Record a task's output (research findings)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskOutput(ctx, args[0], output)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&output, "content", "", "output text")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func depCmd() *cobra.Command {
	d := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	d.AddCommand(&cobra.Command{
		Use:   "add <predecessor-id> <successor-id>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				edge, err := e.AddDependency(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(edge)
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "remove <predecessor-id> <successor-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveDependency(ctx, args[0], args[1])
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the project's dependency edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				edges, err := r.ListProjectDependencies(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(edges)
			})
		},
	})
	return d
}

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Task comment threads"}
	var role, content string
	add := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Append a comment to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cm, err := e.AddComment(ctx, args[0], role, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(cm)
			})
		},
	}
	add.Flags().StringVar(&role, "role", domain.AuthorRoleHuman, "author role")
	add.Flags().StringVar(&content, "content", "", "comment text")
	_ = add.MarkFlagRequired("content")
	c.AddCommand(add)
	c.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListComments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return c
}

func runCmd() *cobra.Command {
	r := &cobra.Command{Use: "run", Short: "Agent runs"}
	r.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List agent runs for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				runs, err := rp.ListAgentRuns(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Completed", "Exit", "Error"})
				for _, run := range runs {
					completed, exit, errMsg := "", "", ""
					if run.CompletedAt != nil {
						completed = *run.CompletedAt
					}
					if run.ExitCode != nil {
						exit = fmt.Sprintf("%d", *run.ExitCode)
					}
					if run.Error != nil {
						errMsg = *run.Error
					}
					tw.AppendRow(table.Row{run.ID, run.StartedAt, completed, exit, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	})
	return r
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			evts, err := events.Writer{DB: conn}.Latest(cmd.Context(), n, evtType)
			if err != nil {
				return err
			}
			return printJSONOrTable(evts)
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	l.AddCommand(tail)
	return l
}

func worktreeCmd() *cobra.Command {
	w := &cobra.Command{Use: "worktree", Short: "Worktree maintenance"}
	w.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Prune stale worktree registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			return worktree.New(cfg.RepoPath, cfg.BaseBranch, cfg.WorktreesPath).Prune()
		},
	})
	return w
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveProject picks --project when given, otherwise the only project
// in the workspace.
func resolveProject(ctx context.Context, r repo.Repo) (domain.Project, error) {
	if id := viper.GetString("project"); id != "" {
		return r.GetProject(ctx, id)
	}
	return r.SingleProject(ctx)
}

// resolveStep accepts a step id or a step name within the project.
func resolveStep(ctx context.Context, r repo.Repo, projectID, ref string) (domain.WorkflowStep, error) {
	step, err := r.GetStep(ctx, ref)
	if err == nil {
		return step, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return step, err
	}
	steps, err := r.ListSteps(ctx, projectID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	for _, s := range steps {
		if strings.EqualFold(s.Name, ref) {
			return s, nil
		}
	}
	return domain.WorkflowStep{}, fmt.Errorf("no step %q in project %s", ref, projectID)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
