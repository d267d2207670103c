package engine

import (
	"encoding/json"
	"time"

	"github.com/quorumlabs/agentpipeline/internal/core"
)

// snapshotTTL is how long a cached ToJSON result is served before being
// rebuilt, deduplicating bursts of concurrent SSE pollers onto one rebuild.
const snapshotTTL = 100 * time.Millisecond

type snapshot struct {
	Phase     core.GlobalPhase        `json:"phase"`
	Targets   []core.Target           `json:"targets"`
	Workflows map[string]workflowView `json:"workflows"`
	Queries   []core.Query            `json:"queries"`
	Locks     locksView               `json:"locks"`
	Errors    []string                `json:"errors"`
}

// workflowView enriches core.Workflow with its prompts map, which the
// domain type deliberately excludes from its own json tags (prompts are an
// engine-level read concern, not a persisted workflow field).
type workflowView struct {
	*core.Workflow
	Prompts map[string]string `json:"prompts"`
}

type locksView struct {
	ActiveGrants []*core.LockGrant `json:"activeGrants"`
	QueueDepth   int               `json:"queueDepth"`
	ActiveItems  []*core.WorkItem  `json:"activeItems"`
}

// ToJSON returns the serialized process-wide snapshot, cached for
// snapshotTTL to deduplicate concurrent SSE pollers.
func (e *Engine) ToJSON() ([]byte, error) {
	e.cacheMu.Lock()
	if e.cacheJSON != nil && time.Since(e.cacheAt) < snapshotTTL {
		data := e.cacheJSON
		e.cacheMu.Unlock()
		return data, nil
	}
	e.cacheMu.Unlock()

	e.mu.Lock()
	snap := e.buildSnapshotLocked()
	e.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cacheJSON = data
	e.cacheAt = time.Now()
	e.cacheMu.Unlock()
	return data, nil
}

func (e *Engine) buildSnapshotLocked() snapshot {
	workflows := make(map[string]workflowView, len(e.state.Workflows))
	for name, w := range e.state.Workflows {
		workflows[name] = workflowView{Workflow: w, Prompts: w.Prompts}
	}

	snap := snapshot{
		Phase:     e.state.Phase,
		Targets:   e.state.Targets,
		Workflows: workflows,
		Queries:   e.state.Queries,
		Errors:    e.state.Errors,
	}
	if e.locks != nil {
		snap.Locks.ActiveGrants = e.locks.ActiveGrants()
	}
	if e.sched != nil {
		snap.Locks.QueueDepth = e.sched.QueueDepth()
		snap.Locks.ActiveItems = e.sched.ActiveItems()
	}
	return snap
}
