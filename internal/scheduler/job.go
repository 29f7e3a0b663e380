package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ddllock/internal/config"
	"ddllock/internal/distlock"
	"ddllock/internal/executor"
	"ddllock/internal/lock"
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// formatDuration formats a duration as seconds with 2 decimal places.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Job is a scheduled DDL command that runs while holding the lock on its
// resource.
type Job struct {
	config      config.JobConfig
	manager     *distlock.Manager
	executor    *executor.Executor
	gracePeriod time.Duration
	defaultWait time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	running   bool
	locked    bool
	done      chan struct{} // closed when the current run ends
	cancelCtx context.CancelFunc
}

// NewJob creates a new Job instance. defaultWait applies when the job sets
// no wait_for of its own.
func NewJob(cfg config.JobConfig, manager *distlock.Manager, exec *executor.Executor, gracePeriod, defaultWait time.Duration, logger *slog.Logger) *Job {
	if defaultWait <= 0 {
		defaultWait = distlock.DefaultLockTimeout
	}
	return &Job{
		config:      cfg,
		manager:     manager,
		executor:    exec,
		gracePeriod: gracePeriod,
		defaultWait: defaultWait,
		logger:      logger.With("job", cfg.Name, "resource", cfg.Resource),
	}
}

// Run takes the lock on the job's resource and executes the command.
// This method is called by the cron scheduler.
func (j *Job) Run() {
	j.mu.Lock()
	if j.running {
		j.logger.Warn("job is already running, skipping")
		j.mu.Unlock()
		return
	}
	j.running = true
	j.done = make(chan struct{})
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.locked = false
		j.cancelCtx = nil
		close(j.done)
		j.mu.Unlock()
	}()

	held := j.lock()
	if held == nil {
		return
	}

	// The trigger's context ends here; the lock now lives with the run.
	execCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.mu.Lock()
	j.locked = true
	j.cancelCtx = cancel
	j.mu.Unlock()

	held.AssignNewOpCtx(distlock.NewOperationContext(execCtx))
	defer func() {
		if err := held.Unlock(); err != nil {
			j.logger.Error("failed to release lock", "error", err)
			return
		}
		j.logger.Debug("released lock")
	}()

	j.logger.Info("acquired lock, starting execution", "token", held.Token())

	result := j.executor.Execute(execCtx, j.options(j.config.Command, j.config.Timeout))

	if result.Success() {
		j.logger.Info("job completed successfully",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
		)
		if j.config.OnSuccess != "" {
			j.runHook(j.config.OnSuccess, "success")
		}
	} else {
		j.logger.Error("job failed",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
			"timed_out", result.TimedOut,
			"error", result.Err,
			"stderr", result.Stderr,
		)
		if j.config.OnFailure != "" {
			j.runHook(j.config.OnFailure, "failure")
		}
	}

	if j.gracePeriod > 0 {
		j.logger.Debug("waiting grace period before releasing lock", "duration", formatDuration(j.gracePeriod))
		time.Sleep(j.gracePeriod)
	}
}

// lock acquires the resource under a trigger operation context and moves
// the lock off it. Returns nil when the run should be skipped.
func (j *Job) lock() *distlock.ScopedDistLock {
	triggerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.mu.Lock()
	j.cancelCtx = cancel
	j.mu.Unlock()

	opCtx := distlock.NewOperationContext(triggerCtx)
	held, err := j.manager.Lock(opCtx, j.config.Resource, j.config.LockReason(), j.waitFor())
	switch {
	case err == nil:
		return held.MoveToAnotherThread()
	case errors.Is(err, lock.ErrLeaseHeld):
		j.logger.Debug("lock not acquired, another node is executing", "error", err)
	case errors.Is(err, distlock.ErrLockBusy):
		j.logger.Info("lock not acquired, resource busy in this process", "error", err)
	case errors.Is(err, distlock.ErrCancelled), errors.Is(err, context.Canceled):
		j.logger.Info("lock wait cancelled", "error", err)
	default:
		j.logger.Error("failed to acquire lock", "error", err)
	}
	return nil
}

func (j *Job) waitFor() time.Duration {
	switch {
	case j.config.SingleAttempt:
		return distlock.SingleLockAttemptTimeout
	case j.config.WaitFor > 0:
		return j.config.WaitFor
	default:
		return j.defaultWait
	}
}

func (j *Job) options(command string, timeout time.Duration) executor.Options {
	return executor.Options{
		Command:  command,
		WorkDir:  j.config.WorkDir,
		Env:      j.config.Env,
		Resource: j.config.Resource,
		Reason:   j.config.LockReason(),
		Timeout:  timeout,
	}
}

// runHook executes a hook command (on_success or on_failure) while the
// lock is still held.
func (j *Job) runHook(command, hookType string) {
	j.logger.Debug("running hook", "type", hookType, "command", command)

	result := j.executor.Execute(context.Background(), j.options(command, 0))
	if !result.Success() {
		j.logger.Warn("hook failed",
			"type", hookType,
			"exit_code", result.ExitCode,
			"error", result.Err,
		)
	}
}

// Cancel interrupts the running job, whether it is still waiting for its
// lock or executing.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelCtx != nil {
		j.cancelCtx()
	}
}

// Done returns a channel closed when the current run ends. It is already
// closed when the job is not running.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return closedChan
	}
	return j.done
}

// IsRunning returns whether the job is currently waiting or executing.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// IsWaiting returns whether the job is running but does not hold its lock yet.
func (j *Job) IsWaiting() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running && !j.locked
}

// Timeout returns the job's configured timeout.
func (j *Job) Timeout() time.Duration {
	return j.config.Timeout
}

// Name returns the job's name.
func (j *Job) Name() string {
	return j.config.Name
}

// Resource returns the resource the job locks.
func (j *Job) Resource() string {
	return j.config.Resource
}
