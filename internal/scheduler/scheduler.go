// Package scheduler dispatches queued WorkItems onto CLI slots and lock
// grants, with priority ordering and starvation escalation.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/lockmanager"
)

// DispatchInterval is the background dispatch loop's poll cadence.
const DispatchInterval = 500 * time.Millisecond

// StarvationAge is how long a queued item waits before its priority is
// escalated to -1 (ahead of every named phase priority).
const StarvationAge = 600 * time.Second

// PhasePriority maps a phase name to its dispatch priority; lower sorts
// first. Phases not listed fall back to "other" priority 3.
func PhasePriority(phase string) int {
	switch phase {
	case "e_applying":
		return 0
	case "e_extracting":
		return 1
	case "e_analyzing":
		return 2
	default:
		return 3
	}
}

// SlotAvailable reports whether a CLI slot is free for dispatch. Supplied
// by the engine so the scheduler never holds a reference back to it.
type SlotAvailable func() bool

// Scheduler owns the work queue and active-item table.
type Scheduler struct {
	mu       sync.Mutex
	queue    []*core.WorkItem
	active   map[string]*core.WorkItem
	locks    *lockmanager.Manager
	slotFree SlotAvailable

	shutdown bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Scheduler and starts its dispatch loop.
func New(locks *lockmanager.Manager, slotFree SlotAvailable) *Scheduler {
	s := &Scheduler{
		active:   make(map[string]*core.WorkItem),
		locks:    locks,
		slotFree: slotFree,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Enqueue adds a work item to the queue, assigning it a fresh ID and
// QueuedAt timestamp.
func (s *Scheduler) Enqueue(workflowName, phase string, lockRequest []string, callback func()) *core.WorkItem {
	item := &core.WorkItem{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		Phase:        phase,
		LockRequest:  lockRequest,
		Status:       core.WorkItemQueued,
		QueuedAt:     time.Now(),
		Callback:     callback,
	}
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	return item
}

// QueueDepth returns the number of queued (not yet active) items.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ActiveItems returns a snapshot of the currently dispatched items.
func (s *Scheduler) ActiveItems() []*core.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*core.WorkItem, 0, len(s.active))
	for _, it := range s.active {
		items = append(items, it)
	}
	return items
}

func priorityOf(item *core.WorkItem, now time.Time) int {
	if now.Sub(item.QueuedAt) > StarvationAge {
		return -1
	}
	return PhasePriority(item.Phase)
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchOnce()
		}
	}
}

func (s *Scheduler) dispatchOnce() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	snapshot := append([]*core.WorkItem(nil), s.queue...)
	sort.SliceStable(snapshot, func(i, j int) bool {
		pi, pj := priorityOf(snapshot[i], now), priorityOf(snapshot[j], now)
		if pi != pj {
			return pi < pj
		}
		return snapshot[i].QueuedAt.Before(snapshot[j].QueuedAt)
	})
	s.mu.Unlock()

	var dispatched []string
	for _, item := range snapshot {
		if !s.slotFree() {
			break
		}
		var grant *core.LockGrant
		if len(item.LockRequest) > 0 {
			g, err := s.locks.TryAcquire(item.WorkflowName, item.LockRequest)
			if err != nil {
				// OverLock: discard the item entirely.
				dispatched = append(dispatched, item.ID)
				continue
			}
			if g == nil {
				continue // conflict: skip to next item
			}
			grant = g
		}
		item.Status = core.WorkItemActive
		item.DispatchedAt = time.Now()
		if grant != nil {
			item.GrantID = grant.ID
		}
		dispatched = append(dispatched, item.ID)

		s.mu.Lock()
		s.active[item.ID] = item
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(item, grant)
	}

	if len(dispatched) > 0 {
		s.removeFromQueue(dispatched)
	}
}

func (s *Scheduler) run(item *core.WorkItem, grant *core.LockGrant) {
	defer s.wg.Done()
	defer func() {
		if grant != nil {
			s.locks.Release(grant.ID)
		}
		s.mu.Lock()
		delete(s.active, item.ID)
		s.mu.Unlock()
	}()
	if item.Callback != nil {
		item.Callback()
	}
	item.Status = core.WorkItemDone
}

func (s *Scheduler) removeFromQueue(ids []string) {
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, item := range s.queue {
		if !remove[item.ID] {
			kept = append(kept, item)
		}
	}
	s.queue = kept
}

// Clear discards every queued-but-not-yet-dispatched item. It leaves the
// dispatch loop and any already-active items untouched, unlike Stop, which
// tears the scheduler down for good; Engine.Reset calls this to zero the
// queue without ending the scheduler's life for the rest of the process.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Stop sets shutdown and waits up to 10s for the loop to exit and active
// items to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}
