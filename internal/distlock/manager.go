package distlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultLockTimeout is how long Lock waits when the caller has no
	// better bound.
	DefaultLockTimeout = 5 * time.Minute

	// SingleLockAttemptTimeout makes Lock fail at once instead of queueing
	// when the resource is already held.
	SingleLockAttemptTimeout time.Duration = 0
)

// Remote is the cluster-wide lease store. Both calls run without any
// table lock held.
type Remote interface {
	Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (string, error)
	Release(ctx context.Context, name string) error
}

// Manager takes resources through the local table and then the remote
// lease store.
type Manager struct {
	sessionID string
	remote    Remote
	table     *Table
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithSessionID sets the session id that tags this process's leases.
// A random one is generated otherwise.
func WithSessionID(id string) Option {
	return func(m *Manager) {
		m.sessionID = id
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = NewMetrics(reg)
	}
}

// WithTracerProvider sets the tracer provider. The global one is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = tp.Tracer("ddllock/internal/distlock")
	}
}

// New creates a Manager in front of remote.
func New(remote Remote, opts ...Option) *Manager {
	m := &Manager{
		remote: remote,
		logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sessionID == "" {
		m.sessionID = uuid.NewString()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("ddllock/internal/distlock")
	}
	m.logger = m.logger.With("session", m.sessionID)
	m.table = NewTable(m.logger)
	return m
}

// SessionID returns the id tagging this process's leases.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Table returns the local lock table.
func (m *Manager) Table() *Table {
	return m.table
}

// Lock takes name locally and then cluster-wide. Local failures are
// returned unchanged. If the lease cannot be acquired the local hold is
// released before the RemoteAcquireError is returned, so a failed Lock
// leaves no state behind.
func (m *Manager) Lock(opCtx *OperationContext, name, reason string, waitFor time.Duration) (*ScopedDistLock, error) {
	ctx, span := m.tracer.Start(opCtx.Context(), "Manager.Lock", trace.WithAttributes(
		attribute.String("ddllock.resource", name),
		attribute.String("ddllock.reason", reason),
		attribute.Int64("ddllock.wait_for_ms", waitFor.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	local, err := m.table.Acquire(ctx, name, reason, waitFor)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			m.metrics.observeAttempt(resultBusy)
		} else {
			m.metrics.observeAttempt(resultCancelled)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "local acquire failed")
		return nil, err
	}
	m.metrics.observeLocalWait(time.Since(start))

	token, err := m.remote.Acquire(ctx, name, reason, waitFor)
	if err != nil {
		local.Release()

		m.logger.Warn("failed to acquire remote lease", "resource", name, "reason", reason, "error", err)
		m.metrics.observeAttempt(resultRemoteFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote acquire failed")
		return nil, &RemoteAcquireError{Name: name, Err: err}
	}

	m.metrics.observeAttempt(resultAcquired)
	span.SetAttributes(attribute.Int64("ddllock.op_id", int64(opCtx.ID())))
	return newScopedDistLock(opCtx, name, token, local, m), nil
}

// unlock releases the lease for name. The local hold is released by the
// caller's ScopedLock afterwards, whatever the outcome here.
func (m *Manager) unlock(opCtx *OperationContext, name string) error {
	// The operation may already be cancelled; the lease must still go.
	ctx := context.WithoutCancel(opCtx.Context())

	err := m.remote.Release(ctx, name)
	m.metrics.observeUnlock(err)
	if err != nil {
		m.logger.Error("failed to release remote lease", "resource", name, "op", opCtx.ID(), "error", err)
		return fmt.Errorf("failed to release remote lease for %q: %w", name, err)
	}
	return nil
}
