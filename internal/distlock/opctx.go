package distlock

import (
	"context"
	"sync/atomic"
)

var opCounter atomic.Uint64

// OperationContext is the execution context a lock is acquired or held
// under. Cancelling its context interrupts a local wait.
type OperationContext struct {
	ctx context.Context
	id  uint64
}

// NewOperationContext wraps ctx with a process-unique operation id.
func NewOperationContext(ctx context.Context) *OperationContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &OperationContext{ctx: ctx, id: opCounter.Add(1)}
}

// Context returns the wrapped context.
func (o *OperationContext) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// ID returns the operation id.
func (o *OperationContext) ID() uint64 {
	if o == nil {
		return 0
	}
	return o.id
}
