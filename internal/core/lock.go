package core

import "time"

// LockGrant is an all-or-nothing write-lock grant over a set of file paths.
// Two grants conflict iff any path appears in both grants' WritePaths.
type LockGrant struct {
	ID         string    `json:"id"`
	Holder     string    `json:"holder"`
	WritePaths []string  `json:"writePaths"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Released   bool      `json:"released"`
}

// Active reports whether the grant is neither released nor expired as of now.
func (g *LockGrant) Active(now time.Time) bool {
	return !g.Released && now.Before(g.ExpiresAt)
}

// Covers reports whether path is exactly one of the grant's write paths.
func (g *LockGrant) Covers(path string) bool {
	for _, p := range g.WritePaths {
		if p == path {
			return true
		}
	}
	return false
}

// Conflicts reports whether g and other share any write path.
func (g *LockGrant) Conflicts(other *LockGrant) bool {
	set := make(map[string]bool, len(g.WritePaths))
	for _, p := range g.WritePaths {
		set[p] = true
	}
	for _, p := range other.WritePaths {
		if set[p] {
			return true
		}
	}
	return false
}

// IntersectsPaths reports whether g's write paths intersect paths.
func (g *LockGrant) IntersectsPaths(paths []string) bool {
	set := make(map[string]bool, len(g.WritePaths))
	for _, p := range g.WritePaths {
		set[p] = true
	}
	for _, p := range paths {
		if set[p] {
			return true
		}
	}
	return false
}

// WorkItemStatus is the finite status set of a scheduled WorkItem.
type WorkItemStatus string

const (
	WorkItemQueued      WorkItemStatus = "queued"
	WorkItemDispatching WorkItemStatus = "dispatching"
	WorkItemActive      WorkItemStatus = "active"
	WorkItemDone        WorkItemStatus = "done"
)

// WorkItem is a unit of scheduled work awaiting a CLI slot and, optionally,
// a set of lock paths.
type WorkItem struct {
	ID           string
	WorkflowName string
	Phase        string
	LockRequest  []string
	Status       WorkItemStatus
	QueuedAt     time.Time
	DispatchedAt time.Time
	GrantID      string
	Callback     func()
}

// QueryStatus is the finite status set of a Query.
type QueryStatus string

const (
	QueryPending  QueryStatus = "pending"
	QueryComplete QueryStatus = "complete"
	QueryError    QueryStatus = "error"
)

// Query is an ad-hoc operator question about a target or finding.
type Query struct {
	ID         string      `json:"id"`
	TargetName string      `json:"targetName"`
	Type       string      `json:"type"`
	Question   string      `json:"question"`
	FindingID  string      `json:"findingId,omitempty"`
	Status     QueryStatus `json:"status"`
	Result     string      `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// MaxQueries is the cap on retained queries; entries are pruned
// oldest-completed-first above this cap.
const MaxQueries = 50
