package core

// GlobalPhase is the process-wide discovery phase.
type GlobalPhase string

const (
	GlobalIdle        GlobalPhase = "idle"
	GlobalDiscovering GlobalPhase = "discovering"
	GlobalReady       GlobalPhase = "ready"
)

// GlobalState is the single process-wide mutable state owned by the engine.
// All access is mediated by the engine's mutex; this struct itself carries
// no synchronization.
type GlobalState struct {
	Phase     GlobalPhase
	Targets   []Target
	Workflows map[string]*Workflow
	Errors    []string
	Queries   []Query
}

// NewGlobalState returns an empty, idle global state.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		Phase:     GlobalIdle,
		Workflows: make(map[string]*Workflow),
	}
}

// AppendError appends a sanitized message to the global error list.
func (g *GlobalState) AppendError(message string) {
	g.Errors = append(g.Errors, message)
}

// PruneQueries drops oldest-completed-first entries once len(Queries)
// exceeds MaxQueries.
func (g *GlobalState) PruneQueries() {
	for len(g.Queries) > MaxQueries {
		idx := -1
		for i, q := range g.Queries {
			if q.Status == QueryComplete || q.Status == QueryError {
				idx = i
				break
			}
		}
		if idx == -1 {
			// nothing completed yet to prune; drop the oldest regardless
			idx = 0
		}
		g.Queries = append(g.Queries[:idx], g.Queries[idx+1:]...)
	}
}
