package distlock

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// ScopedDistLock owns a local hold plus the cluster-wide lease for one
// resource. Only Manager.Lock creates one. Release it with Unlock,
// usually deferred.
//
// A ScopedDistLock is not safe for concurrent use; hand it to another
// goroutine with MoveToAnotherThread.
type ScopedDistLock struct {
	opCtx   *OperationContext
	name    string
	token   string
	local   *ScopedLock
	manager *Manager
}

func newScopedDistLock(opCtx *OperationContext, name, token string, local *ScopedLock, m *Manager) *ScopedDistLock {
	return &ScopedDistLock{
		opCtx:   opCtx,
		name:    name,
		token:   token,
		local:   local,
		manager: m,
	}
}

// MoveToAnotherThread returns a handle owning the same lock with no
// operation context attached. l becomes inert: its Unlock does nothing.
func (l *ScopedDistLock) MoveToAnotherThread() *ScopedDistLock {
	moved := &ScopedDistLock{
		name:    l.name,
		token:   l.token,
		local:   l.local.Move(),
		manager: l.manager,
	}
	l.opCtx = nil
	l.manager = nil
	return moved
}

// AssignNewOpCtx attaches opCtx to a handle that has none. Panics if an
// operation context is already attached.
func (l *ScopedDistLock) AssignNewOpCtx(opCtx *OperationContext) {
	if l.opCtx != nil {
		panic(goerrors.WrapPrefix(ErrInvariantViolation,
			fmt.Sprintf("ddl lock for %q already attached to operation %d", l.name, l.opCtx.ID()), 1))
	}
	l.opCtx = opCtx
}

// Unlock releases the lease and then the local hold. The local hold is
// released even if releasing the lease fails; that error is returned.
// Unlock on a moved-from or already unlocked handle returns nil.
func (l *ScopedDistLock) Unlock() error {
	m := l.manager
	if m == nil {
		return nil
	}
	l.manager = nil

	defer l.local.Release()
	return m.unlock(l.opCtx, l.name)
}

// Owns reports whether Unlock on this handle would release the lock.
func (l *ScopedDistLock) Owns() bool { return l.manager != nil }

// Name returns the locked resource.
func (l *ScopedDistLock) Name() string { return l.name }

// Token returns the lease token from the lease store.
func (l *ScopedDistLock) Token() string { return l.token }

// OpCtx returns the attached operation context, or nil.
func (l *ScopedDistLock) OpCtx() *OperationContext { return l.opCtx }
