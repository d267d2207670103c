// Package engine implements the PipelineEngine: the process-wide state
// machine that both orchestrators mutate through a single mutex, and that
// the HTTP/SSE layer reads through its cached JSON snapshot.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlabs/agentpipeline/internal/config"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/lockmanager"
	"github.com/quorumlabs/agentpipeline/internal/scheduler"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

// Engine owns the single global mutex serializing every workflow mutation,
// the control plane, and the collaborators discovered targets resume
// against. Agent invocations and subprocess waits always happen outside
// e.mu, per the "snapshot-under-mutex -> external work -> commit-under-mutex"
// rule: every public method here either holds e.mu for the whole call (pure
// reads/writes) or only for its snapshot/commit slices.
type Engine struct {
	mu    sync.Mutex
	state *core.GlobalState

	cfg     *config.Config
	control *control.ControlPlane
	locks   *lockmanager.Manager
	sched   *scheduler.Scheduler
	harden  *sidecar.Store
	enhance *sidecar.Store
	logger  *slog.Logger

	cacheMu   sync.Mutex
	cacheAt   time.Time
	cacheJSON []byte

	tasks sync.Map // map[string]*taskHandle, pruned before every new SafeThread
}

// New constructs an Engine. The caller owns starting/stopping sched and
// locks; Engine.Shutdown/Reset call through to both.
func New(cfg *config.Config, cp *control.ControlPlane, locks *lockmanager.Manager, sched *scheduler.Scheduler, harden, enhance *sidecar.Store, logger *slog.Logger) *Engine {
	return &Engine{
		state:   core.NewGlobalState(),
		cfg:     cfg,
		control: cp,
		locks:   locks,
		sched:   sched,
		harden:  harden,
		enhance: enhance,
		logger:  logger,
	}
}

// Control exposes the engine's control plane to orchestrators building a
// sharedphases.Deps.
func (e *Engine) Control() *control.ControlPlane {
	return e.control
}

// Locks exposes the engine's lock manager for collaborators that need
// direct grant acquire/renew/release control spanning several phases, such
// as the enhance orchestrator's per-batch apply/test/ci/verify chain.
func (e *Engine) Locks() *lockmanager.Manager {
	return e.locks
}

// Enqueue dispatches fn through the configured Scheduler if one is present
// (subject to its CLI-slot/priority gating), otherwise runs it directly via
// SafeThread. Either way fn's panic is recovered into workflowName's error
// status, matching SafeThread's own guarantee.
func (e *Engine) Enqueue(workflowName, phase string, lockRequest []string, fn func(ctx context.Context, cp *control.ControlPlane)) {
	if e.sched == nil {
		e.SafeThread(workflowName, fn)
		return
	}
	e.sched.Enqueue(workflowName, phase, lockRequest, func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("scheduled task panicked", "workflow", workflowName, "panic", r)
				e.WithLock(workflowName, func(w *core.Workflow) {
					if w != nil && w.Error == "" {
						w.MarkError(fmt.Sprintf("internal error: %v", r))
					}
				})
			}
		}()
		fn(context.Background(), e.control)
	})
}

// Phase returns the process-wide discovery phase.
func (e *Engine) Phase() core.GlobalPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Phase
}

// WorkflowStatus snapshot-reads a workflow's status.
func (e *Engine) WorkflowStatus(name string) (core.Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.state.Workflows[name]
	if !ok {
		return "", false
	}
	return w.Status, true
}

// WithLock implements sharedphases.Store: it runs fn with the engine mutex
// held and the named workflow passed in (nil if absent).
func (e *Engine) WithLock(name string, fn func(w *core.Workflow)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state.Workflows[name])
}

// AppendError appends a sanitized message to the global error list.
func (e *Engine) AppendError(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.AppendError(message)
}

// AppendQuery appends a query and prunes the list above core.MaxQueries.
func (e *Engine) AppendQuery(q core.Query) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Queries = append(e.state.Queries, q)
	e.state.PruneQueries()
}

// UpdateQuery applies fn to the query with the given id, if present.
func (e *Engine) UpdateQuery(id string, fn func(q *core.Query)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.state.Queries {
		if e.state.Queries[i].ID == id {
			fn(&e.state.Queries[i])
			return
		}
	}
}

// SafeThread launches fn in a managed goroutine with panic recovery: an
// unhandled panic is translated into the named workflow's error status
// (unless it already holds one) rather than crashing the process. Dead
// task handles are pruned before the new one is tracked.
func (e *Engine) SafeThread(workflowName string, fn func(ctx context.Context, cp *control.ControlPlane)) {
	e.pruneDeadTasks()

	ctx, cancel := context.WithCancel(context.Background())
	handle := &taskHandle{done: make(chan struct{})}
	e.tasks.Store(uuid.NewString(), handle)

	go func() {
		defer close(handle.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task panicked", "workflow", workflowName, "panic", r)
				if workflowName != "" {
					e.WithLock(workflowName, func(w *core.Workflow) {
						if w != nil && w.Error == "" {
							w.MarkError(fmt.Sprintf("internal error: %v", r))
						}
					})
				}
			}
		}()
		fn(ctx, e.control)
	}()
}

type taskHandle struct {
	done chan struct{}
}

func (e *Engine) pruneDeadTasks() {
	e.tasks.Range(func(key, value any) bool {
		h := value.(*taskHandle)
		select {
		case <-h.done:
			e.tasks.Delete(key)
		default:
		}
		return true
	})
}

func (e *Engine) tasksDrained() bool {
	drained := true
	e.tasks.Range(func(key, value any) bool {
		h := value.(*taskHandle)
		select {
		case <-h.done:
			e.tasks.Delete(key)
		default:
			drained = false
		}
		return true
	})
	return drained
}

// Reset signals cancellation, gives in-flight tasks a grace period to
// observe it, then clears all workflow/error/query state and releases
// every lock grant.
func (e *Engine) Reset() {
	e.control.Cancel()
	_ = control.WaitWake(context.Background(), e.control, 100*time.Millisecond, e.tasksDrained)

	if e.locks != nil {
		e.locks.ReleaseAll()
	}
	if e.sched != nil {
		e.sched.Clear()
	}

	e.mu.Lock()
	e.state = core.NewGlobalState()
	e.mu.Unlock()

	e.invalidateCache()
	e.control.Reset()
}

// Shutdown cancels in-flight work and waits up to timeout for it to drain,
// then stops the scheduler and lock manager.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.control.Cancel()

	deadline := time.Now().Add(timeout)
	for !e.tasksDrained() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if !e.tasksDrained() {
		e.logger.Warn("shutdown timed out waiting for tasks to drain")
	}

	if e.sched != nil {
		e.sched.Stop()
	}
	if e.locks != nil {
		e.locks.Stop()
	}
}

func (e *Engine) invalidateCache() {
	e.cacheMu.Lock()
	e.cacheJSON = nil
	e.cacheAt = time.Time{}
	e.cacheMu.Unlock()
}
