//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	buildOnce  sync.Once
	binaryPath string
	buildErr   error
)

// JobDef defines a job for test configuration.
type JobDef struct {
	Name          string
	Schedule      string
	Resource      string
	Reason        string
	Command       string
	Timeout       string
	WaitFor       string
	SingleAttempt bool
	OnSuccess     string
}

// RedisContainer wraps a testcontainers Redis instance.
type RedisContainer struct {
	container testcontainers.Container
	addr      string
	client    *redis.Client
}

// setupRedis starts a Redis container and returns connection info.
func setupRedis(ctx context.Context) (*RedisContainer, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisContainer{container: container, addr: addr, client: client}, nil
}

// Addr returns the Redis address.
func (r *RedisContainer) Addr() string {
	return r.addr
}

// Terminate stops the Redis container.
func (r *RedisContainer) Terminate(ctx context.Context) error {
	if r.client != nil {
		r.client.Close()
	}
	if r.container != nil {
		return r.container.Terminate(ctx)
	}
	return nil
}

// Lease returns the lease hash for a resource, or nil if none is held.
func (r *RedisContainer) Lease(ctx context.Context, resource string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, "ddllock:lock:"+resource).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// LeaseTTL returns the remaining TTL of a resource lease.
func (r *RedisContainer) LeaseTTL(ctx context.Context, resource string) (time.Duration, error) {
	return r.client.PTTL(ctx, "ddllock:lock:"+resource).Result()
}

// buildDaemon builds the ddllock binary once and returns its path.
func buildDaemon(t *testing.T) string {
	buildOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			buildErr = fmt.Errorf("failed to get working directory: %w", err)
			return
		}
		projectRoot := filepath.Dir(wd)

		binaryPath = filepath.Join(projectRoot, "ddllock-test")
		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/ddllock")
		cmd.Dir = projectRoot
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			buildErr = fmt.Errorf("failed to build ddllock: %w", err)
		}
	})

	if buildErr != nil {
		t.Fatalf("build failed: %v", buildErr)
	}
	return binaryPath
}

// writeTestConfig generates a YAML config file for one node and returns
// its path.
func writeTestConfig(t *testing.T, redisAddr, nodeID string, jobs []JobDef) string {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, `node:
  id: %q
  grace_period: 500ms

log:
  level: debug

redis:
  address: %q
  key_prefix: "ddllock:"

lock:
  lease_ttl: 5s
  renew_interval: 1s
  retry_interval: 100ms

jobs:
`, nodeID, redisAddr)

	for _, job := range jobs {
		fmt.Fprintf(&b, "  - name: %q\n    schedule: %q\n    resource: %q\n    command: %q\n",
			job.Name, job.Schedule, job.Resource, job.Command)
		if job.Reason != "" {
			fmt.Fprintf(&b, "    reason: %q\n", job.Reason)
		}
		if job.Timeout != "" {
			fmt.Fprintf(&b, "    timeout: %s\n", job.Timeout)
		}
		if job.WaitFor != "" {
			fmt.Fprintf(&b, "    wait_for: %s\n", job.WaitFor)
		}
		if job.SingleAttempt {
			b.WriteString("    single_attempt: true\n")
		}
		if job.OnSuccess != "" {
			fmt.Fprintf(&b, "    on_success: %q\n", job.OnSuccess)
		}
	}

	configPath := filepath.Join(t.TempDir(), fmt.Sprintf("ddllock-%s.yaml", nodeID))
	if err := os.WriteFile(configPath, []byte(b.String()), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

// DaemonProcess wraps a running ddllock process.
type DaemonProcess struct {
	cmd    *exec.Cmd
	stderr *os.File
}

// startDaemon starts a ddllock instance with the given config.
func startDaemon(t *testing.T, ctx context.Context, configPath string) *DaemonProcess {
	t.Helper()

	stderr, err := os.CreateTemp(t.TempDir(), "ddllock-stderr-*")
	if err != nil {
		t.Fatalf("failed to create stderr file: %v", err)
	}

	cmd := exec.CommandContext(ctx, buildDaemon(t), "-config", configPath)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stderr.Close()
		t.Fatalf("failed to start ddllock: %v", err)
	}

	p := &DaemonProcess{cmd: cmd, stderr: stderr}
	t.Cleanup(func() {
		_ = p.Stop()
		p.stderr.Close()
		if t.Failed() {
			t.Logf("ddllock logs:\n%s", p.Logs())
		}
	})

	// Wait for the process to connect to Redis
	time.Sleep(500 * time.Millisecond)
	return p
}

// Stop sends SIGINT and waits for a graceful exit.
func (p *DaemonProcess) Stop() error {
	if p.cmd.Process == nil || p.cmd.ProcessState != nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		p.cmd.Process.Kill()
		return fmt.Errorf("process did not exit gracefully")
	}
}

// Kill forcefully kills the process without releasing its leases.
func (p *DaemonProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	_, _ = p.cmd.Process.Wait()
	return nil
}

// Logs returns the stderr output.
func (p *DaemonProcess) Logs() string {
	data, _ := os.ReadFile(p.stderr.Name())
	return string(data)
}

// waitForFile waits for a file to exist with at least minSize bytes.
func waitForFile(path string, timeout time.Duration, minSize int64) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err == nil && info.Size() >= minSize {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for file %s", path)
}

// countOccurrences counts occurrences of a substring in a file.
func countOccurrences(path, substr string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strings.Count(string(data), substr), nil
}
