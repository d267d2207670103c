package engine

import (
	"fmt"

	"github.com/quorumlabs/agentpipeline/internal/core"
)

// Guard selects which of tryTransition's three variants applies. Exactly
// one of NotActive, One, or List should be set; use the constructors below
// rather than building one by hand.
type Guard struct {
	NotActive bool
	One       core.Status
	List      []core.Status
}

// GuardNotActive succeeds iff the named workflow doesn't already hold an
// active (in-flight) status, creating or resetting its entry on success.
func GuardNotActive() Guard { return Guard{NotActive: true} }

// GuardStatus succeeds iff the current status equals s exactly.
func GuardStatus(s core.Status) Guard { return Guard{One: s} }

// GuardAnyOf succeeds iff the current status is one of ss.
func GuardAnyOf(ss ...core.Status) Guard { return Guard{List: ss} }

// TryTransition is the engine's only atomic check-and-mutate primitive. On
// success, it sets the workflow's status to `to`, clears any recorded
// error, and returns (true, ""). On failure it mutates nothing and returns
// (false, message). For GuardNotActive, sourcePath/relativePath/mode seed a
// freshly created workflow; they're ignored when resetting an existing one
// (its identity fields are preserved).
func (e *Engine) TryTransition(name string, guard Guard, to core.Status, sourcePath, relativePath string, mode core.Mode) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, exists := e.state.Workflows[name]

	if guard.NotActive {
		if exists && w.IsActive() {
			return false, fmt.Sprintf("workflow %q is active in status %q", name, w.Status)
		}
		if exists {
			sourcePath, relativePath, mode = w.SourcePath, w.RelativePath, w.Mode
		}
		nw := core.NewWorkflow(name, sourcePath, relativePath, mode)
		nw.Status = to
		e.state.Workflows[name] = nw
		e.invalidateCache()
		return true, ""
	}

	if !exists {
		return false, fmt.Sprintf("unknown workflow %q", name)
	}

	var ok bool
	switch {
	case guard.One != "":
		ok = w.Status == guard.One
	case len(guard.List) > 0:
		ok = containsStatus(guard.List, w.Status)
	}
	if !ok {
		return false, fmt.Sprintf("workflow %q status %q does not satisfy guard", name, w.Status)
	}

	w.Status = to
	w.Error = ""
	e.invalidateCache()
	return true, ""
}

func containsStatus(list []core.Status, s core.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
