package distlock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockBusy is returned when the local wait for a resource ran out
	// while another caller in this process held it.
	ErrLockBusy = errors.New("ddl lock busy")

	// ErrCancelled is returned when the caller's context ended while it was
	// waiting for a resource.
	ErrCancelled = errors.New("ddl lock wait cancelled")

	// ErrRemoteAcquireFailed is returned when the cluster-wide lease could
	// not be acquired.
	ErrRemoteAcquireFailed = errors.New("failed to acquire remote lease")

	// ErrInvariantViolation is the panic value cause for misuse of a lock
	// handle or the registry.
	ErrInvariantViolation = errors.New("ddl lock invariant violation")
)

// LockBusyError describes a local wait that timed out.
type LockBusyError struct {
	Name    string
	Reason  string // reason of the current holder
	WaitFor time.Duration
	Elapsed time.Duration
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("failed to acquire ddl lock for %q after %s (waited %s) that is currently locked with reason %q",
		e.Name, e.WaitFor, e.Elapsed.Round(time.Millisecond), e.Reason)
}

// Is reports whether target is ErrLockBusy.
func (e *LockBusyError) Is(target error) bool {
	return target == ErrLockBusy
}

// RemoteAcquireError wraps the error of the lease store unchanged.
type RemoteAcquireError struct {
	Name string
	Err  error
}

func (e *RemoteAcquireError) Error() string {
	return fmt.Sprintf("failed to acquire remote lease for %q: %v", e.Name, e.Err)
}

// Is reports whether target is ErrRemoteAcquireFailed.
func (e *RemoteAcquireError) Is(target error) bool {
	return target == ErrRemoteAcquireFailed
}

func (e *RemoteAcquireError) Unwrap() error {
	return e.Err
}
