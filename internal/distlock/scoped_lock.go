package distlock

import "sync/atomic"

// ScopedLock is the local hold on one table entry. The hold is released
// exactly once, by Release on the handle that currently owns it. Move
// hands ownership to a new handle and leaves the old one inert.
type ScopedLock struct {
	name   string
	reason string
	table  atomic.Pointer[Table]
}

func newScopedLock(t *Table, name, reason string) *ScopedLock {
	l := &ScopedLock{name: name, reason: reason}
	l.table.Store(t)
	return l
}

// Move transfers the hold to a new handle. Release on l is then a no-op.
func (l *ScopedLock) Move() *ScopedLock {
	moved := &ScopedLock{name: l.name, reason: l.reason}
	moved.table.Store(l.table.Swap(nil))
	return moved
}

// Release gives up the local hold. Calling it again, or on a moved-from
// handle, does nothing.
func (l *ScopedLock) Release() {
	if l == nil {
		return
	}
	if t := l.table.Swap(nil); t != nil {
		t.release(l.name, l.reason)
	}
}

// Owns reports whether this handle still holds the lock.
func (l *ScopedLock) Owns() bool {
	return l != nil && l.table.Load() != nil
}

// Name returns the locked resource.
func (l *ScopedLock) Name() string { return l.name }

// Reason returns why the resource was locked.
func (l *ScopedLock) Reason() string { return l.reason }
