package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Environment variables describing the held lock, set for every command.
const (
	EnvResource = "DDLLOCK_RESOURCE"
	EnvReason   = "DDLLOCK_REASON"
)

// Result represents the result of a command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Success returns true if the command executed successfully (exit code 0).
func (r *Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Options contains execution options for a command.
type Options struct {
	Command string
	WorkDir string
	Env     map[string]string

	// Resource and Reason describe the lock held while the command runs.
	Resource string
	Reason   string

	// Timeout bounds the run. Zero means only ctx bounds it.
	Timeout time.Duration
}

// Executor runs DDL commands through a shell.
type Executor struct {
	shell string
}

// New creates a new Executor using $SHELL, or /bin/sh.
func New() *Executor {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Executor{shell: shell}
}

// Execute runs opts.Command and waits for it. Errors are reported in the
// Result, never returned.
func (e *Executor) Execute(ctx context.Context, opts Options) *Result {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := &Result{}

	cmd := exec.CommandContext(ctx, e.shell, "-c", opts.Command)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = buildEnv(opts)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)

	if err != nil {
		result.Err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	return result
}

// buildEnv appends the lock description and then opts.Env to the parent
// environment, so job settings win.
func buildEnv(opts Options) []string {
	env := os.Environ()
	if opts.Resource != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvResource, opts.Resource))
	}
	if opts.Reason != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvReason, opts.Reason))
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
