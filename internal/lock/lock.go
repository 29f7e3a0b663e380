package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseHeld is returned when another process holds the lease for the
// requested resource and the caller's wait budget ran out.
var ErrLeaseHeld = errors.New("lease held by another process")

// Locker defines the cluster-wide lease store that backs the local lock
// table. Implementations must be safe for concurrent use.
type Locker interface {
	// Acquire obtains the lease for name, retrying until waitFor elapses.
	// A zero waitFor makes a single attempt. Returns the token that
	// identifies this acquisition.
	Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (string, error)

	// Release drops the lease for name. Only releases if this process
	// owns the lease; releasing an unowned lease is a no-op.
	Release(ctx context.Context, name string) error

	// Close releases any resources held by the locker.
	Close() error
}

// Lease is the lock document stored for an acquired resource.
type Lease struct {
	Name       string    `json:"name"`
	Token      string    `json:"token"`
	SessionID  string    `json:"session"`
	NodeID     string    `json:"node"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LeaseHeldError reports who holds a lease that could not be acquired.
type LeaseHeldError struct {
	Name    string
	NodeID  string
	Reason  string
	WaitFor time.Duration
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lease for %q held by node %q with reason %q (waited %s)", e.Name, e.NodeID, e.Reason, e.WaitFor)
}

// Is reports whether target is ErrLeaseHeld.
func (e *LeaseHeldError) Is(target error) bool {
	return target == ErrLeaseHeld
}

// Options contains settings shared by the lease store implementations.
type Options struct {
	// SessionID tags every lease written by this process.
	SessionID string
	// NodeID identifies this process to other nodes.
	NodeID string
	// LeaseTTL bounds how long a lease survives without renewal.
	LeaseTTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

const (
	defaultLeaseTTL      = 30 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = defaultLeaseTTL
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	return o
}
