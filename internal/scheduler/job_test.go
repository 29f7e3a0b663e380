package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ddllock/internal/config"
	"ddllock/internal/distlock"
	"ddllock/internal/executor"
	"ddllock/internal/lock"
)

const testDefaultWait = time.Second

func newTestManager(remote *lock.MockLocker) *distlock.Manager {
	return distlock.New(remote, distlock.WithLogger(newTestLogger()))
}

func newTestJob(cfg config.JobConfig, manager *distlock.Manager) *Job {
	if cfg.Resource == "" {
		cfg.Resource = "app.coll"
	}
	return NewJob(cfg, manager, executor.New(), 0, testDefaultWait, newTestLogger())
}

func runInBackground(job *Job) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.Run()
	}()
	return &wg
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNewJob(t *testing.T) {
	manager := newTestManager(lock.NewMockLocker())
	job := NewJob(config.JobConfig{Name: "test-job", Resource: "app.users"}, manager, executor.New(), 0, 0, newTestLogger())

	if job.manager != manager {
		t.Error("job.manager not set correctly")
	}
	if job.executor == nil {
		t.Error("job.executor is nil")
	}
	if job.defaultWait != distlock.DefaultLockTimeout {
		t.Errorf("job.defaultWait = %v, want %v", job.defaultWait, distlock.DefaultLockTimeout)
	}
	if job.Name() != "test-job" || job.Resource() != "app.users" {
		t.Errorf("Name/Resource = %q/%q", job.Name(), job.Resource())
	}
}

func TestJob_Run_AcquiresLock(t *testing.T) {
	remote := lock.NewMockLocker()
	cfg := config.JobConfig{
		Name:     "test-job",
		Resource: "app.users",
		Reason:   "createIndexes",
		Command:  "echo hello",
	}

	newTestJob(cfg, newTestManager(remote)).Run()

	if len(remote.AcquireCalls) != 1 {
		t.Fatalf("Acquire() called %d times, want 1", len(remote.AcquireCalls))
	}
	want := lock.AcquireCall{Name: "app.users", Reason: "createIndexes", WaitFor: testDefaultWait}
	if remote.AcquireCalls[0] != want {
		t.Errorf("Acquire() call = %+v, want %+v", remote.AcquireCalls[0], want)
	}
}

func TestJob_Run_WaitFor(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.JobConfig
		expected time.Duration
	}{
		{name: "default", cfg: config.JobConfig{}, expected: testDefaultWait},
		{name: "explicit wait_for", cfg: config.JobConfig{WaitFor: 2 * time.Minute}, expected: 2 * time.Minute},
		{name: "single attempt", cfg: config.JobConfig{WaitFor: time.Minute, SingleAttempt: true}, expected: distlock.SingleLockAttemptTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := lock.NewMockLocker()
			tt.cfg.Name = "test-job"
			tt.cfg.Command = "true"

			newTestJob(tt.cfg, newTestManager(remote)).Run()

			if len(remote.AcquireCalls) != 1 {
				t.Fatalf("Acquire() called %d times, want 1", len(remote.AcquireCalls))
			}
			if got := remote.AcquireCalls[0].WaitFor; got != tt.expected {
				t.Errorf("Acquire() waitFor = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestJob_Run_SkipsIfLeaseHeldElsewhere(t *testing.T) {
	remote := lock.NewMockLocker()
	remote.SetLockHeld("app.coll", "other-node", true)
	manager := newTestManager(remote)
	marker := filepath.Join(t.TempDir(), "executed")

	newTestJob(config.JobConfig{Name: "test-job", Command: "touch " + marker}, manager).Run()

	if remote.AcquireCount() != 1 {
		t.Errorf("Acquire() called %d times, want 1", remote.AcquireCount())
	}
	if remote.ReleaseCount() != 0 {
		t.Errorf("Release() called %d times, want 0", remote.ReleaseCount())
	}
	if fileExists(marker) {
		t.Error("command should not execute when the lease is held elsewhere")
	}
	if manager.Table().Len() != 0 {
		t.Errorf("Table().Len() = %d, want 0", manager.Table().Len())
	}
}

func TestJob_Run_ReleasesLock(t *testing.T) {
	remote := lock.NewMockLocker()
	manager := newTestManager(remote)

	newTestJob(config.JobConfig{Name: "test-job", Resource: "app.users", Command: "echo hello"}, manager).Run()

	if len(remote.ReleaseCalls) != 1 {
		t.Fatalf("Release() called %d times, want 1", len(remote.ReleaseCalls))
	}
	if remote.ReleaseCalls[0] != "app.users" {
		t.Errorf("Release() name = %q, want %q", remote.ReleaseCalls[0], "app.users")
	}
	if remote.IsHeld("app.users") {
		t.Error("lease still held after Run()")
	}
	if manager.Table().Len() != 0 {
		t.Errorf("Table().Len() = %d, want 0", manager.Table().Len())
	}
}

func TestJob_Run_ReleaseErrorStillFreesResource(t *testing.T) {
	remote := lock.NewMockLocker()
	remote.ReleaseError = errors.New("connection reset")
	manager := newTestManager(remote)

	newTestJob(config.JobConfig{Name: "test-job", Command: "true"}, manager).Run()

	if remote.ReleaseCount() != 1 {
		t.Errorf("Release() called %d times, want 1", remote.ReleaseCount())
	}
	if manager.Table().Len() != 0 {
		t.Errorf("Table().Len() = %d, want 0", manager.Table().Len())
	}
}

func TestJob_Run_ExportsLockEnv(t *testing.T) {
	output := filepath.Join(t.TempDir(), "output")
	cfg := config.JobConfig{
		Name:     "test-job",
		Resource: "app.users",
		Reason:   "collMod",
		Command:  "echo $DDLLOCK_RESOURCE $DDLLOCK_REASON $MY_VAR > " + output,
		Env:      map[string]string{"MY_VAR": "test-value"},
	}

	newTestJob(cfg, newTestManager(lock.NewMockLocker())).Run()

	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}
	if string(content) != "app.users collMod test-value\n" {
		t.Errorf("output = %q, want %q", string(content), "app.users collMod test-value\n")
	}
}

func TestJob_Run_WithWorkDir(t *testing.T) {
	tmpDir := t.TempDir()

	newTestJob(config.JobConfig{Name: "test-job", Command: "touch marker", WorkDir: tmpDir}, newTestManager(lock.NewMockLocker())).Run()

	if !fileExists(filepath.Join(tmpDir, "marker")) {
		t.Error("command was not executed in work_dir")
	}
}

func TestJob_Run_SkipsIfAlreadyRunning(t *testing.T) {
	remote := lock.NewMockLocker()
	job := newTestJob(config.JobConfig{Name: "long-job", Command: "sleep 0.5"}, newTestManager(remote))

	wg := runInBackground(job)
	time.Sleep(50 * time.Millisecond)

	job.Run()
	wg.Wait()

	if remote.AcquireCount() != 1 {
		t.Errorf("Acquire() called %d times, want 1 (second run should skip)", remote.AcquireCount())
	}
}

func TestJob_Run_SameResourceSingleAttemptSkips(t *testing.T) {
	remote := lock.NewMockLocker()
	manager := newTestManager(remote)
	marker := filepath.Join(t.TempDir(), "second")

	first := newTestJob(config.JobConfig{Name: "first", Command: "sleep 0.3"}, manager)
	second := newTestJob(config.JobConfig{Name: "second", Command: "touch " + marker, SingleAttempt: true}, manager)

	wg := runInBackground(first)
	time.Sleep(50 * time.Millisecond)

	second.Run()
	wg.Wait()

	if fileExists(marker) {
		t.Error("second job should be skipped while the resource is held in this process")
	}
	// The local table refuses before the lease store is asked.
	if remote.AcquireCount() != 1 {
		t.Errorf("Acquire() called %d times, want 1", remote.AcquireCount())
	}
}

func TestJob_Run_SameResourceWaitsForHolder(t *testing.T) {
	remote := lock.NewMockLocker()
	manager := newTestManager(remote)
	dir := t.TempDir()
	firstDone := filepath.Join(dir, "first")
	order := filepath.Join(dir, "order")

	first := newTestJob(config.JobConfig{
		Name:    "first",
		Command: "sleep 0.2 && touch " + firstDone,
	}, manager)
	second := newTestJob(config.JobConfig{
		Name:    "second",
		Command: "test -f " + firstDone + " && echo after > " + order,
		WaitFor: 5 * time.Second,
	}, manager)

	wg := runInBackground(first)
	time.Sleep(50 * time.Millisecond)

	second.Run()
	wg.Wait()

	content, err := os.ReadFile(order)
	if err != nil {
		t.Fatalf("second job did not run after the first released: %v", err)
	}
	if string(content) != "after\n" {
		t.Errorf("order = %q, want %q", string(content), "after\n")
	}
	if remote.AcquireCount() != 2 || remote.ReleaseCount() != 2 {
		t.Errorf("Acquire/Release = %d/%d, want 2/2", remote.AcquireCount(), remote.ReleaseCount())
	}
}

func TestJob_IsRunning(t *testing.T) {
	job := newTestJob(config.JobConfig{Name: "test-job", Command: "sleep 0.2"}, newTestManager(lock.NewMockLocker()))

	if job.IsRunning() {
		t.Error("IsRunning() = true before Run(), want false")
	}

	wg := runInBackground(job)
	time.Sleep(50 * time.Millisecond)

	if !job.IsRunning() {
		t.Error("IsRunning() = false during Run(), want true")
	}
	if job.IsWaiting() {
		t.Error("IsWaiting() = true while executing, want false")
	}

	wg.Wait()

	if job.IsRunning() {
		t.Error("IsRunning() = true after Run(), want false")
	}
}

func TestJob_Cancel(t *testing.T) {
	remote := lock.NewMockLocker()
	job := newTestJob(config.JobConfig{Name: "long-job", Command: "sleep 10"}, newTestManager(remote))

	start := time.Now()
	wg := runInBackground(job)
	time.Sleep(50 * time.Millisecond)

	job.Cancel()
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("job took %v to complete after cancel, expected much faster", elapsed)
	}
	if remote.ReleaseCount() != 1 {
		t.Errorf("Release() called %d times, want 1", remote.ReleaseCount())
	}
}

func TestJob_Cancel_WhileWaitingForLock(t *testing.T) {
	remote := lock.NewMockLocker()
	manager := newTestManager(remote)

	holder, err := manager.Lock(distlock.NewOperationContext(context.Background()), "app.coll", "manual", time.Second)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer holder.Unlock()

	marker := filepath.Join(t.TempDir(), "executed")
	job := newTestJob(config.JobConfig{Name: "waiting-job", Command: "touch " + marker, WaitFor: 10 * time.Second}, manager)

	start := time.Now()
	wg := runInBackground(job)
	time.Sleep(50 * time.Millisecond)

	if !job.IsWaiting() {
		t.Error("IsWaiting() = false while blocked on the lock, want true")
	}

	job.Cancel()
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("job took %v to stop waiting after cancel", elapsed)
	}
	if fileExists(marker) {
		t.Error("command should not execute after the lock wait was cancelled")
	}
	if got := manager.Table().Waiters("app.coll"); got != 1 {
		t.Errorf("Table().Waiters() = %d, want 1", got)
	}
}

func TestJob_Cancel_BeforeRun(t *testing.T) {
	remote := lock.NewMockLocker()
	job := newTestJob(config.JobConfig{Name: "test-job", Command: "echo hello"}, newTestManager(remote))

	job.Cancel()
	job.Run()

	if remote.AcquireCount() != 1 {
		t.Errorf("Acquire() called %d times, want 1", remote.AcquireCount())
	}
}

func TestJob_Run_AcquireError(t *testing.T) {
	remote := lock.NewMockLocker()
	remote.AcquireError = os.ErrPermission
	manager := newTestManager(remote)
	marker := filepath.Join(t.TempDir(), "executed")

	newTestJob(config.JobConfig{Name: "test-job", Command: "touch " + marker}, manager).Run()

	if fileExists(marker) {
		t.Error("command should not execute when acquire fails")
	}
	if remote.ReleaseCount() != 0 {
		t.Errorf("Release() called %d times, want 0", remote.ReleaseCount())
	}
	if manager.Table().Len() != 0 {
		t.Errorf("Table().Len() = %d, want 0", manager.Table().Len())
	}
}

func TestJob_Run_ReleasesAfterTimeoutOrFailure(t *testing.T) {
	tests := []struct {
		name    string
		command string
		timeout time.Duration
	}{
		{name: "timeout", command: "sleep 10", timeout: 100 * time.Millisecond},
		{name: "failure", command: "exit 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := lock.NewMockLocker()
			job := newTestJob(config.JobConfig{Name: "job", Command: tt.command, Timeout: tt.timeout}, newTestManager(remote))

			start := time.Now()
			job.Run()
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("job took %v", elapsed)
			}
			if remote.ReleaseCount() != 1 {
				t.Errorf("Release() called %d times, want 1", remote.ReleaseCount())
			}
		})
	}
}

func TestJob_Run_Hooks(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		wantSuccess bool
		wantFailure bool
	}{
		{name: "success", command: "true", wantSuccess: true},
		{name: "failure", command: "exit 1", wantFailure: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			successMarker := filepath.Join(dir, "hook-success")
			failureMarker := filepath.Join(dir, "hook-failure")

			newTestJob(config.JobConfig{
				Name:      "hook-job",
				Command:   tt.command,
				OnSuccess: "touch " + successMarker,
				OnFailure: "touch " + failureMarker,
			}, newTestManager(lock.NewMockLocker())).Run()

			if got := fileExists(successMarker); got != tt.wantSuccess {
				t.Errorf("on_success ran = %v, want %v", got, tt.wantSuccess)
			}
			if got := fileExists(failureMarker); got != tt.wantFailure {
				t.Errorf("on_failure ran = %v, want %v", got, tt.wantFailure)
			}
		})
	}
}

func TestJob_Run_HookSeesLockEnv(t *testing.T) {
	output := filepath.Join(t.TempDir(), "hook")

	newTestJob(config.JobConfig{
		Name:      "hook-job",
		Resource:  "app.orders",
		Command:   "true",
		OnSuccess: "echo $DDLLOCK_RESOURCE > " + output,
	}, newTestManager(lock.NewMockLocker())).Run()

	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("failed to read hook output: %v", err)
	}
	if string(content) != "app.orders\n" {
		t.Errorf("hook output = %q, want %q", string(content), "app.orders\n")
	}
}

func TestJob_Run_WithGracePeriod(t *testing.T) {
	remote := lock.NewMockLocker()
	manager := newTestManager(remote)
	cfg := config.JobConfig{Name: "test-job", Resource: "app.coll", Command: "echo hello"}
	job := NewJob(cfg, manager, executor.New(), 100*time.Millisecond, testDefaultWait, newTestLogger())

	start := time.Now()
	job.Run()
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Errorf("job completed in %v, expected at least 100ms grace period", elapsed)
	}
	if remote.IsHeld("app.coll") {
		t.Error("lease still held after grace period")
	}
}

func TestJob_Run_ReleasesOnceAfterGracePeriod(t *testing.T) {
	remote := lock.NewMockLocker()
	manager := newTestManager(remote)
	cfg := config.JobConfig{Name: "test-job", Resource: "app.coll", Command: "true"}
	job := NewJob(cfg, manager, executor.New(), 300*time.Millisecond, testDefaultWait, newTestLogger())

	go job.Run()
	time.Sleep(150 * time.Millisecond)

	if !remote.IsHeld("app.coll") {
		t.Error("lease released before the grace period ended")
	}
	if reason, held := manager.Table().Holder("app.coll"); !held || reason != "test-job" {
		t.Errorf("Table().Holder() = %q, %v; want test-job, true", reason, held)
	}

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after the run ended")
	}

	if remote.ReleaseCount() != 1 {
		t.Errorf("Release() called %d times, want 1", remote.ReleaseCount())
	}
	if manager.Table().Len() != 0 {
		t.Errorf("Table().Len() = %d, want 0", manager.Table().Len())
	}
}

func TestJob_Done(t *testing.T) {
	job := newTestJob(config.JobConfig{Name: "test-job", Command: "sleep 0.2"}, newTestManager(lock.NewMockLocker()))

	select {
	case <-job.Done():
	default:
		t.Fatal("Done() blocks on a job that is not running")
	}

	wg := runInBackground(job)
	time.Sleep(50 * time.Millisecond)

	done := job.Done()
	select {
	case <-done:
		t.Fatal("Done() closed while the job is executing")
	default:
	}

	wg.Wait()

	select {
	case <-done:
	default:
		t.Error("Done() of the finished run still open")
	}
}
