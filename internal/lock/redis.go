package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua script for atomic acquire: write the lease hash only if no lease exists.
var acquireScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
	return 0
end
redis.call("hset", KEYS[1], "token", ARGV[1], "session", ARGV[2], "node", ARGV[3], "reason", ARGV[4], "acquired_at", ARGV[5])
redis.call("pexpire", KEYS[1], ARGV[6])
return 1
`)

// Lua script for atomic release: only delete if the token matches.
var releaseScript = redis.NewScript(`
if redis.call("hget", KEYS[1], "token") == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lua script for atomic extend: only extend TTL if the token matches.
var extendScript = redis.NewScript(`
if redis.call("hget", KEYS[1], "token") == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker implements Locker using one Redis hash per resource.
type RedisLocker struct {
	client    *redis.Client
	opts      Options
	keyPrefix string
	logger    *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // resource -> lease token
}

// NewRedisLocker creates a new Redis-based lease store.
func NewRedisLocker(client *redis.Client, keyPrefix string, opts Options, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &RedisLocker{
		client:    client,
		opts:      opts.withDefaults(),
		keyPrefix: keyPrefix,
		logger:    logger.With("backend", "redis"),
		tokens:    make(map[string]string),
	}
}

// leaseKey returns the Redis key for a resource lease.
func (r *RedisLocker) leaseKey(name string) string {
	return fmt.Sprintf("%slock:%s", r.keyPrefix, name)
}

// leaseToken generates a unique token for one acquisition.
func (r *RedisLocker) leaseToken() string {
	return fmt.Sprintf("%s:%s", r.opts.SessionID, uuid.New().String())
}

// Acquire writes the lease hash, retrying every RetryInterval until waitFor
// elapses.
func (r *RedisLocker) Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (string, error) {
	key := r.leaseKey(name)
	token := r.leaseToken()

	acquired, err := retryAcquire(ctx, waitFor, r.opts.RetryInterval, func(ctx context.Context) (bool, error) {
		res, err := acquireScript.Run(ctx, r.client, []string{key},
			token,
			r.opts.SessionID,
			r.opts.NodeID,
			reason,
			strconv.FormatInt(time.Now().UnixMilli(), 10),
			r.opts.LeaseTTL.Milliseconds(),
		).Int64()
		if err != nil {
			return false, err
		}
		return res == 1, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}

	if !acquired {
		held := &LeaseHeldError{Name: name, WaitFor: waitFor}
		if lease, ok, err := r.Holder(ctx, name); err == nil && ok {
			held.NodeID = lease.NodeID
			held.Reason = lease.Reason
		}
		return "", held
	}

	r.mu.Lock()
	r.tokens[name] = token
	r.mu.Unlock()

	return token, nil
}

// Release deletes the lease using a Lua script for atomicity. If the
// script fails the lease is left to expire.
func (r *RedisLocker) Release(ctx context.Context, name string) error {
	// Forget the token first: a lease whose release failed is no longer
	// renewed and expires with its TTL.
	r.mu.Lock()
	token, ok := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	if !ok {
		// We don't own this lease
		return nil
	}

	result, err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(name)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	if result == 0 {
		r.logger.Warn("lease was already gone on release", "resource", name)
	}

	return nil
}

// Extend extends the lease TTL using a Lua script for atomicity.
func (r *RedisLocker) Extend(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, ok := r.tokens[name]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	result, err := extendScript.Run(ctx, r.client, []string{r.leaseKey(name)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}

	return result == 1, nil
}

// Holder returns the lease currently stored for name, if any.
func (r *RedisLocker) Holder(ctx context.Context, name string) (Lease, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.leaseKey(name)).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("failed to read lease: %w", err)
	}
	if len(fields) == 0 {
		return Lease{}, false, nil
	}

	lease := Lease{
		Name:      name,
		Token:     fields["token"],
		SessionID: fields["session"],
		NodeID:    fields["node"],
		Reason:    fields["reason"],
	}
	if ms, err := strconv.ParseInt(fields["acquired_at"], 10, 64); err == nil {
		lease.AcquiredAt = time.UnixMilli(ms)
	}
	return lease, true, nil
}

// Held returns the names of the leases this process currently owns.
func (r *RedisLocker) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tokens))
	for name := range r.tokens {
		names = append(names, name)
	}
	return names
}

// KeepAlive extends every owned lease each interval until ctx is done.
// Leases that could not be extended are forgotten.
func (r *RedisLocker) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.opts.LeaseTTL / 3
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.renewAll(ctx)
		}
	}
}

func (r *RedisLocker) renewAll(ctx context.Context) {
	for _, name := range r.Held() {
		extended, err := r.Extend(ctx, name, r.opts.LeaseTTL)
		if err != nil {
			r.logger.Error("failed to extend lease", "resource", name, "error", err)
			continue
		}
		if !extended {
			r.logger.Warn("lease extension failed, lease may have been lost", "resource", name)
			r.mu.Lock()
			delete(r.tokens, name)
			r.mu.Unlock()
			continue
		}
		r.logger.Debug("extended lease", "resource", name, "ttl", r.opts.LeaseTTL)
	}
}

// ReleaseAll releases every lease this process owns.
func (r *RedisLocker) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.Held() {
		if err := r.Release(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases any resources held by the locker.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
