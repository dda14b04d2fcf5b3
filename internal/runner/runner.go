package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrAgentNotFound reports that the agent CLI executable is missing
// from PATH.
var ErrAgentNotFound = errors.New("agent CLI not found")

// Result is the outcome of one agent subprocess run.
type Result struct {
	SessionID string
	ExitCode  int
	// Stderr holds the trimmed stderr output when the exit code is
	// non-zero.
	Stderr string
}

// Request describes one agent invocation.
type Request struct {
	Prompt string
	// Dir is the working directory, normally the task's worktree.
	Dir   string
	Model string
	// SessionID resumes an earlier conversation when non-empty.
	SessionID string
	// OnSessionID fires as soon as the session id is captured from the
	// stream, before the run completes, so it survives a crash.
	OnSessionID func(sessionID string)
}

// Runner spawns the agent CLI and reads its NDJSON event stream.
type Runner struct {
	Command string
	// ExtraArgs are appended verbatim from config.
	ExtraArgs []string
	// Timeout bounds one run; zero means unbounded.
	Timeout time.Duration
	Logger  *slog.Logger
}

// streamMsg is the subset of the agent's stream-json output we read.
type streamMsg struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// Run executes the agent CLI in req.Dir and blocks until it exits.
// A non-zero exit is reported in the Result, not as an error; errors
// mean the process could not be run at all.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := []string{
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	args = append(args, r.ExtraArgs...)
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = req.Dir
	cmd.Env = cleanEnv(os.Environ())
	cmd.Stdin = nil

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}

	log := r.log()
	log.Info("launching agent", "command", r.Command, "dir", req.Dir, "model", req.Model, "resume", req.SessionID != "")

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %q is not on PATH", ErrAgentNotFound, r.Command)
		}
		return Result{}, fmt.Errorf("start agent: %w", err)
	}

	sessionID := req.SessionID
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg streamMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type == "system" && msg.Subtype == "init" && msg.SessionID != "" && sessionID == "" {
			sessionID = msg.SessionID
			log.Info("captured session", "session_id", sessionID)
			if req.OnSessionID != nil {
				req.OnSessionID(sessionID)
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()
	if waitErr != nil && exitCode < 0 {
		return Result{}, fmt.Errorf("agent run: %w", waitErr)
	}
	if scanErr != nil {
		log.Warn("agent stream truncated", "error", scanErr)
	}

	res := Result{SessionID: sessionID, ExitCode: exitCode}
	if exitCode != 0 {
		res.Stderr = strings.TrimSpace(stderr.String())
	}
	log.Info("agent exited", "exit_code", exitCode)
	return res, nil
}

// cleanEnv strips CLAUDE* variables so a nested agent does not mistake
// itself for part of an enclosing session.
func cleanEnv(env []string) []string {
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDE") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
