package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

// zkConn is the subset of *zk.Conn the locker uses.
type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Delete(path string, version int32) error
	Close()
}

// ZooKeeperOptions configures a ZooKeeper lease store.
type ZooKeeperOptions struct {
	Servers        []string
	Root           string
	SessionTimeout time.Duration
}

// ZooKeeperLocker implements Locker with one ephemeral znode per resource.
// Leases vanish with the ZooKeeper session, so no renewal is needed.
type ZooKeeperLocker struct {
	c      zkConn
	root   string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewZooKeeperLocker connects to ZooKeeper and ensures the root path exists.
func NewZooKeeperLocker(zkOpts ZooKeeperOptions, opts Options, logger *slog.Logger) (*ZooKeeperLocker, error) {
	timeout := zkOpts.SessionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c, _, err := zk.Connect(zkOpts.Servers, timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	z := newZooKeeperLocker(c, zkOpts.Root, opts, logger)
	if err := z.init(); err != nil {
		c.Close()
		return nil, err
	}
	return z, nil
}

func newZooKeeperLocker(c zkConn, root string, opts Options, logger *slog.Logger) *ZooKeeperLocker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &ZooKeeperLocker{
		c:      c,
		root:   "/" + strings.Trim(root, "/"),
		opts:   opts.withDefaults(),
		logger: logger.With("backend", "zookeeper"),
		tokens: make(map[string]string),
	}
}

func (z *ZooKeeperLocker) init() error {
	// Create each node on the way to the root. For "/path/to/locks" that is
	// "/path", "/path/to", "/path/to/locks".
	nodes := strings.Split(strings.Trim(z.root, "/"), "/")

	for i := range nodes {
		nodePath := "/" + strings.Join(nodes[:i+1], "/")
		if _, err := z.c.Create(nodePath, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create %s: %w", nodePath, err)
		}
	}

	return nil
}

// leasePath returns the znode path for a resource lease.
func (z *ZooKeeperLocker) leasePath(name string) string {
	return fmt.Sprintf("%s/%s", z.root, url.PathEscape(name))
}

// Acquire creates the ephemeral lease znode, retrying every RetryInterval
// until waitFor elapses.
func (z *ZooKeeperLocker) Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (string, error) {
	lease := Lease{
		Name:       name,
		Token:      fmt.Sprintf("%s:%s", z.opts.SessionID, uuid.New().String()),
		SessionID:  z.opts.SessionID,
		NodeID:     z.opts.NodeID,
		Reason:     reason,
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(lease)
	if err != nil {
		return "", fmt.Errorf("failed to encode lease: %w", err)
	}

	path := z.leasePath(name)
	acquired, err := retryAcquire(ctx, waitFor, z.opts.RetryInterval, func(context.Context) (bool, error) {
		_, err := z.c.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}

	if !acquired {
		held := &LeaseHeldError{Name: name, WaitFor: waitFor}
		if current, _, err := z.read(path); err == nil {
			held.NodeID = current.NodeID
			held.Reason = current.Reason
		}
		return "", held
	}

	z.mu.Lock()
	z.tokens[name] = lease.Token
	z.mu.Unlock()

	return lease.Token, nil
}

// Release deletes the lease znode if it still carries this process's token.
func (z *ZooKeeperLocker) Release(ctx context.Context, name string) error {
	z.mu.Lock()
	token, ok := z.tokens[name]
	delete(z.tokens, name)
	z.mu.Unlock()
	if !ok {
		return nil
	}

	path := z.leasePath(name)
	current, stat, err := z.read(path)
	if errors.Is(err, zk.ErrNoNode) {
		z.logger.Warn("lease was already gone on release", "resource", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if current.Token != token {
		z.logger.Warn("lease is owned by another session, not releasing", "resource", name, "node", current.NodeID)
		return nil
	}

	if err := z.c.Delete(path, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (z *ZooKeeperLocker) read(path string) (Lease, *zk.Stat, error) {
	data, stat, err := z.c.Get(path)
	if err != nil {
		return Lease{}, nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return Lease{}, nil, fmt.Errorf("failed to decode lease at %s: %w", path, err)
	}
	return lease, stat, nil
}

// Close ends the ZooKeeper session, dropping every ephemeral lease.
func (z *ZooKeeperLocker) Close() error {
	z.c.Close()
	return nil
}
