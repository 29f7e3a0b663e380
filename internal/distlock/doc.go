// Package distlock serializes schema-changing operations on named
// cluster-wide resources.
//
// Locking happens in two layers. A process-local Table queues callers that
// want the same resource, so only one of them at a time goes on to take the
// cluster-wide lease through a Remote. The Manager composes both layers and
// hands out a ScopedDistLock, which must be released with Unlock:
//
//	op := distlock.NewOperationContext(ctx)
//	lk, err := manager.Lock(op, "db.users", "create index", distlock.DefaultLockTimeout)
//	if err != nil {
//	    return err
//	}
//	defer lk.Unlock()
//
// A held lock can outlive the operation that acquired it by moving it to
// another execution context:
//
//	bg := lk.MoveToAnotherThread()
//	go func() {
//	    bg.AssignNewOpCtx(distlock.NewOperationContext(context.Background()))
//	    defer bg.Unlock()
//	    // ...
//	}()
package distlock
