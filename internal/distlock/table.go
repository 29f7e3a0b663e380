package distlock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/sasha-s/go-deadlock"
)

// entry is the local state of one contended resource.
type entry struct {
	reason  string
	held    bool
	waiters int // callers holding or waiting; the entry exists while > 0

	// signal carries at most one wake-up token. release deposits it, one
	// waiter takes it and re-checks held.
	signal chan struct{}
}

// EntryStatus is a point-in-time view of one table entry.
type EntryStatus struct {
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Held    bool   `json:"held"`
	Waiters int    `json:"waiters"`
}

// Table serializes same-process contention for resources before any lease
// is requested. The mutex is only held for map and entry updates.
type Table struct {
	mu      deadlock.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewTable creates an empty lock table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Table{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Acquire takes the local hold on name. When another caller holds it,
// Acquire waits until it is released, waitFor elapses, or ctx is done.
// A waitFor of zero or less fails at once if the resource is held.
// Waiters are not woken in arrival order.
func (t *Table) Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (*ScopedLock, error) {
	start := time.Now()

	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.entries[name] = &entry{
			reason:  reason,
			held:    true,
			waiters: 1,
			signal:  make(chan struct{}, 1),
		}
		t.mu.Unlock()
		t.logger.Info("acquired ddl lock", "resource", name, "reason", reason)
		return newScopedLock(t, name, reason), nil
	}

	e.waiters++
	err := t.waitLocked(ctx, e, waitFor)
	if err != nil {
		holder := e.reason
		t.dropWaiterLocked(name, e)
		t.mu.Unlock()

		if err == ErrLockBusy {
			return nil, &LockBusyError{
				Name:    name,
				Reason:  holder,
				WaitFor: waitFor,
				Elapsed: time.Since(start),
			}
		}
		return nil, fmt.Errorf("%w: waiting for %q held with reason %q: %w", ErrCancelled, name, holder, err)
	}

	e.held = true
	e.reason = reason
	t.mu.Unlock()

	t.logger.Info("acquired ddl lock", "resource", name, "reason", reason, "waited", time.Since(start))
	return newScopedLock(t, name, reason), nil
}

// waitLocked blocks until e is free. t.mu must be held on entry and is held
// again on return. Returns ErrLockBusy on timeout or ctx.Err() on
// cancellation.
func (t *Table) waitLocked(ctx context.Context, e *entry, waitFor time.Duration) error {
	if !e.held {
		return nil
	}
	if waitFor <= 0 {
		return ErrLockBusy
	}

	timer := time.NewTimer(waitFor)
	defer timer.Stop()

	for e.held {
		t.mu.Unlock()
		select {
		case <-e.signal:
			t.mu.Lock()
		case <-timer.C:
			t.mu.Lock()
			if e.held {
				return ErrLockBusy
			}
		case <-ctx.Done():
			t.mu.Lock()
			return ctx.Err()
		}
	}
	return nil
}

// dropWaiterLocked undoes the registration of a caller that gave up.
func (t *Table) dropWaiterLocked(name string, e *entry) {
	e.waiters--
	if e.waiters == 0 {
		delete(t.entries, name)
		return
	}
	// A release may have handed the wake-up to this caller; pass it on.
	if !e.held {
		wake(e)
	}
}

// release is called exactly once per successful Acquire, by ScopedLock.
func (t *Table) release(name, reason string) {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok || !e.held {
		t.mu.Unlock()
		panic(goerrors.WrapPrefix(ErrInvariantViolation, fmt.Sprintf("release of %q which is not held", name), 1))
	}

	e.waiters--
	e.reason = ""
	e.held = false
	if e.waiters == 0 {
		delete(t.entries, name)
	} else {
		wake(e)
	}
	t.mu.Unlock()

	t.logger.Info("released ddl lock", "resource", name, "reason", reason)
}

func wake(e *entry) {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of resources with a holder or waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Waiters returns the number of callers holding or waiting for name.
func (t *Table) Waiters(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok {
		return e.waiters
	}
	return 0
}

// Holder returns the reason of the current local holder of name.
func (t *Table) Holder(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok && e.held {
		return e.reason, true
	}
	return "", false
}

// Snapshot returns the state of every entry, sorted by name.
func (t *Table) Snapshot() []EntryStatus {
	t.mu.Lock()
	out := make([]EntryStatus, 0, len(t.entries))
	for name, e := range t.entries {
		out = append(out, EntryStatus{Name: name, Reason: e.reason, Held: e.held, Waiters: e.waiters})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
