// Package runner launches agent CLI subprocesses for dispatched tasks
// and records their runs.
package runner

import (
	"fmt"
	"strings"

	"taskrelay/internal/domain"
)

// BuildPrompt assembles the structured prompt injected into an agent
// run: a <system_prompt> block, an <issue> block with the task facts,
// and a <comments> block with the discussion so far. The comments
// block is omitted when the thread is empty.
func BuildPrompt(t domain.Task, comments []domain.Comment, systemPrompt string) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("<system_prompt>\n%s\n</system_prompt>", systemPrompt))

	issue := []string{
		"Task ID: " + t.ID,
		"Project ID: " + t.ProjectID,
		"Parent Task ID: " + deref(t.ParentTaskID),
		"Title: " + t.Title,
		"Description: " + t.Description,
		"Step: " + t.StepName,
		"Branch: " + deref(t.Branch),
		"Worktree: " + deref(t.WorktreePath),
	}
	parts = append(parts, fmt.Sprintf("<issue>\n%s\n</issue>", strings.Join(issue, "\n")))

	if len(comments) > 0 {
		lines := make([]string, len(comments))
		for i, c := range comments {
			lines[i] = fmt.Sprintf("[%s] %s: %s", c.AuthorRole, c.CreatedAt, c.Content)
		}
		parts = append(parts, fmt.Sprintf("<comments>\n%s\n</comments>", strings.Join(lines, "\n")))
	}

	return strings.Join(parts, "\n\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
