package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ddllock/internal/config"
	"ddllock/internal/distlock"
	"ddllock/internal/executor"

	"github.com/robfig/cron/v3"
)

const defaultShutdownTimeout = 30 * time.Second

// Scheduler runs DDL jobs on cron schedules, each under the lock of its
// resource.
type Scheduler struct {
	cron        *cron.Cron
	manager     *distlock.Manager
	executor    *executor.Executor
	gracePeriod time.Duration
	defaultWait time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// New creates a new Scheduler.
func New(manager *distlock.Manager, nodeCfg config.NodeConfig, lockCfg config.LockConfig, logger *slog.Logger) *Scheduler {
	// Seconds are optional so test and burst schedules can fire per second.
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	return &Scheduler{
		cron:        c,
		manager:     manager,
		executor:    executor.New(),
		gracePeriod: nodeCfg.GracePeriod,
		defaultWait: lockCfg.DefaultWait,
		logger:      logger,
		jobs:        make(map[string]*Job),
	}
}

// AddJob schedules the DDL command of cfg. Disabled jobs are skipped.
func (s *Scheduler) AddJob(cfg config.JobConfig) error {
	if !cfg.IsEnabled() {
		s.logger.Info("job is disabled, skipping", "job", cfg.Name)
		return nil
	}

	job := NewJob(cfg, s.manager, s.executor, s.gracePeriod, s.defaultWait, s.logger)

	entryID, err := s.cron.AddJob(cfg.Schedule, job)
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	s.jobs[cfg.Name] = job
	s.mu.Unlock()

	s.logger.Info("scheduled ddl job",
		"job", cfg.Name,
		"schedule", cfg.Schedule,
		"resource", cfg.Resource,
		"entry_id", entryID,
	)

	return nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "job_count", len(s.jobs))
	s.cron.Start()
}

// Stop halts scheduling. Jobs still queued for their lock give up at
// once; jobs holding a lock get their timeout (30s without one) to finish
// and are cancelled after that.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")

	s.cron.Stop()

	s.mu.Lock()
	var holding []*Job
	for _, job := range s.jobs {
		if job.IsWaiting() {
			s.logger.Info("cancelling job waiting for lock", "job", job.Name(), "resource", job.Resource())
			job.Cancel()
		}
		if job.IsRunning() {
			holding = append(holding, job)
		}
	}
	s.mu.Unlock()

	if len(holding) == 0 {
		s.logger.Info("no jobs holding locks, scheduler stopped")
		return
	}

	s.logger.Info("waiting for jobs to release their locks", "count", len(holding))

	var wg sync.WaitGroup
	for _, job := range holding {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			s.awaitRelease(j)
		}(job)
	}

	wg.Wait()
	s.logger.Info("scheduler stopped")
}

// awaitRelease waits for the current run of job to end and release its
// lock. A run past its timeout is cancelled.
func (s *Scheduler) awaitRelease(job *Job) {
	timeout := job.Timeout()
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-job.Done():
		s.logger.Info("job released its lock during shutdown", "job", job.Name(), "resource", job.Resource())
	case <-timer.C:
		s.logger.Warn("job exceeded shutdown timeout, cancelling",
			"job", job.Name(),
			"resource", job.Resource(),
			"timeout", timeout,
		)
		job.Cancel()
	}
}

// GetJob returns the job registered under name.
func (s *Scheduler) GetJob(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	return job, ok
}

// Jobs returns a copy of the registered jobs keyed by name.
func (s *Scheduler) Jobs() map[string]*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]*Job, len(s.jobs))
	for k, v := range s.jobs {
		result[k] = v
	}
	return result
}

// Entries returns the cron entries for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
