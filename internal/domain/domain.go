package domain

type Project struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	RepoPath    string `json:"repo_path,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type WorkflowStep struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Name         string  `json:"name"`
	Position     int     `json:"position"`
	Dispatchable bool    `json:"dispatchable"`
	Role         *string `json:"role,omitempty"`
	Model        *string `json:"model,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type Task struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	ParentTaskID *string `json:"parent_task_id,omitempty"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Kind         string  `json:"kind"`
	StepID       string  `json:"step_id"`
	Cancelled    bool    `json:"cancelled"`
	PlanApproved bool    `json:"plan_approved"`
	Synthesis    bool    `json:"synthesis"`
	WorktreePath *string `json:"worktree_path,omitempty"`
	Branch       *string `json:"branch,omitempty"`
	SessionID    *string `json:"session_id,omitempty"`
	Output       *string `json:"output,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`

	// Joined from workflow_steps when loaded through the repo.
	StepName     string `json:"step_name,omitempty"`
	StepPosition int    `json:"step_position,omitempty"`
}

type Dependency struct {
	ID            string `json:"id"`
	PredecessorID string `json:"predecessor_id"`
	SuccessorID   string `json:"successor_id"`
	CreatedAt     string `json:"created_at"`
}

type Comment struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	AuthorRole string `json:"author_role"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

type AgentRun struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	StepID      string  `json:"step_id"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Error       *string `json:"error,omitempty"`
}

type Event struct {
	ID                int64  `json:"id"`
	Type              string `json:"type"`
	Payload           string `json:"payload_json"`
	CreatedAt         string `json:"created_at"`
	BroadcastConsumed bool   `json:"broadcast_consumed"`
	DispatchConsumed  bool   `json:"dispatch_consumed"`
}

// Task kinds.
const (
	KindUnit      = "unit"
	KindResearch  = "research"
	KindMilestone = "milestone"
)

// Worker roles. AuthorRoleHuman is valid for comments only.
const (
	RolePlanner      = "planner"
	RoleCoder        = "coder"
	RoleReviewer     = "reviewer"
	RoleOrchestrator = "orchestrator"
	AuthorRoleHuman  = "human"
)

// Event types. Every board mutation emits exactly one of these in the
// same transaction as the write.
const (
	EventProjectCreated    = "project_created"
	EventTaskCreated       = "task_created"
	EventSubtasksCreated   = "subtasks_created"
	EventTaskMoved         = "task_moved"
	EventTaskCancelled     = "task_cancelled"
	EventTaskUncancelled   = "task_uncancelled"
	EventTaskReady         = "task_ready"
	EventTaskUpdated       = "task_updated"
	EventCommentAdded      = "comment_added"
	EventDependencyCreated = "dependency_created"
	EventDependencyRemoved = "dependency_removed"
	EventPlanApproved      = "plan_approved"
	EventSynthesisCreated  = "synthesis_created"
)

// ValidKind reports whether k is a known task kind.
func ValidKind(k string) bool {
	switch k {
	case KindUnit, KindResearch, KindMilestone:
		return true
	}
	return false
}

// ValidRole reports whether r is a known worker role.
func ValidRole(r string) bool {
	switch r {
	case RolePlanner, RoleCoder, RoleReviewer, RoleOrchestrator:
		return true
	}
	return false
}

// ValidAuthorRole reports whether r may author comments.
func ValidAuthorRole(r string) bool {
	return r == AuthorRoleHuman || ValidRole(r)
}
