// Package agent invokes the coding agent CLI inside plugin workspaces.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

// execPath is the only PATH the agent subprocess sees.
const execPath = "/home/coder/.local/bin:/usr/local/bin:/usr/bin:/bin"

// Invocation describes one agent CLI run.
type Invocation struct {
	Workspace string // Plugin directory, becomes cwd and HOME
	Message   string
	Model     string
	Username  string
	UID       uint32
	GID       uint32
	CacheDir  string // Per-plugin uv cache
}

// Result captures a finished agent run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner launches the agent CLI under a plugin's identity.
type Runner struct {
	config             types.AgentConfig
	uvPythonInstallDir string
	logger             *observability.Logger
}

// NewRunner creates a new agent Runner.
func NewRunner(config types.AgentConfig, cache types.CacheConfig, logger *observability.Logger) *Runner {
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 600
	}
	if config.TermGraceSeconds <= 0 {
		config.TermGraceSeconds = 5
	}

	return &Runner{
		config:             config,
		uvPythonInstallDir: cache.UVPythonInstallDir,
		logger:             logger.With("component", "agent"),
	}
}

// Run executes the agent as the invocation's uid and gid with the workspace
// as working directory, enforcing the wall-clock timeout. A non-zero exit is
// a Result, not an error; errors mean the process could not run at all or
// the context ended first.
func (r *Runner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	cmd := exec.Command(r.config.Binary, r.buildArgs(inv)...)
	cmd.Dir = inv.Workspace
	cmd.Env = r.buildEnvironment(inv)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// setuid/setgid only, no setgroups call.
		Credential: &syscall.Credential{Uid: inv.UID, Gid: inv.GID, NoSetGroups: true},
		Setpgid:    true,
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	r.logger.Info("agent started",
		"pid", cmd.Process.Pid, "workspace", inv.Workspace, "username", inv.Username)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(r.config.Timeout())
	defer timer.Stop()

	res := &Result{}
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		res.TimedOut = true
		waitErr = r.halt(cmd.Process.Pid, waitCh)
	case <-ctx.Done():
		r.halt(cmd.Process.Pid, waitCh)
		return nil, ctx.Err()
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(waitErr)
	res.Duration = time.Since(start)

	r.logger.Info("agent exited",
		"exit_code", res.ExitCode, "timed_out", res.TimedOut,
		"duration", res.Duration.Round(time.Millisecond).String())

	return res, nil
}

func (r *Runner) buildArgs(inv *Invocation) []string {
	return []string{
		"-p", inv.Message,
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--append-system-prompt-file", r.config.SystemPromptPath,
		"--no-session-persistence",
		"--model", inv.Model,
	}
}

// buildEnvironment builds the subprocess environment. Nothing from the
// daemon's own environment leaks through.
func (r *Runner) buildEnvironment(inv *Invocation) []string {
	return []string{
		"HOME=" + inv.Workspace,
		"PATH=" + execPath,
		"USER=" + inv.Username,
		"LOGNAME=" + inv.Username,
		"SHELL=/bin/bash",
		"UV_CACHE_DIR=" + inv.CacheDir,
		"UV_PYTHON_INSTALL_DIR=" + r.uvPythonInstallDir,
	}
}

// halt ends the whole process group: SIGTERM first, SIGKILL after the grace
// period. The agent spawns children freely, so signaling the leader alone is
// not enough.
func (r *Runner) halt(pid int, waitCh <-chan error) error {
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(r.config.TermGrace()):
		_ = unix.Kill(-pid, unix.SIGKILL)
		return <-waitCh
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}
