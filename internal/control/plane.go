// Package control provides the engine's cooperative cancellation primitive.
package control

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quorumlabs/agentpipeline/internal/core"
)

// WakeInterval is how often a waiting goroutine re-observes cancellation,
// per the engine's suspension-point contract (CLI/API slot waits, lock
// acquisition, subprocess polling all wake on this cadence or tighter).
const WakeInterval = 5 * time.Second

// ControlPlane carries one process-wide cancellation flag. Setting it
// causes every periodic waiter (slot acquisition, subprocess poll, lock
// acquisition) to observe it within its wake interval and return a
// Cancelled error. Propagation is by error return, never by goroutine kill;
// killing is only the shutdown() last resort.
type ControlPlane struct {
	cancelled atomic.Bool
}

// New creates a fresh ControlPlane.
func New() *ControlPlane {
	return &ControlPlane{}
}

// Cancel raises the cancellation flag. Idempotent.
func (cp *ControlPlane) Cancel() {
	cp.cancelled.Store(true)
}

// Reset lowers the cancellation flag, for reuse after reset().
func (cp *ControlPlane) Reset() {
	cp.cancelled.Store(false)
}

// Cancelled reports the current cancellation flag. A single atomic read
// requires no mutex.
func (cp *ControlPlane) Cancelled() bool {
	return cp.cancelled.Load()
}

// CheckCancelled returns a Cancelled DomainError if the flag is set, nil
// otherwise. Called at every suspension point and before/after subprocess
// and agent calls.
func (cp *ControlPlane) CheckCancelled() error {
	if cp.cancelled.Load() {
		return core.ErrCancelled()
	}
	return nil
}

// Done returns a context cancelled as soon as the control plane observes
// cancellation, polling at WakeInterval. Callers should prefer selecting on
// ctx.Done() alongside their own work channel.
func (cp *ControlPlane) Done(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(WakeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cp.cancelled.Load() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

// WaitWake blocks until cond returns true, ctx is done, or cancellation is
// observed, polling every interval. Used by LockManager.acquire's 0.5s poll
// and the Scheduler's 0.5s dispatch loop wait.
func WaitWake(ctx context.Context, cp *ControlPlane, interval time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cp.Cancelled() {
				return core.ErrCancelled()
			}
			if cond() {
				return nil
			}
		}
	}
}
