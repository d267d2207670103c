// Package sharedphases implements the four reusable write-phase algorithms
// (apply, test, ci-check, verify) that both orchestrators parameterize with
// mode-specific prompts and status names.
package sharedphases

import "github.com/quorumlabs/agentpipeline/internal/core"

// Store is the engine's single-mutex workflow table, as seen by the shared
// phases. WithLock runs fn with the engine mutex held and the named
// workflow passed in (nil if the workflow doesn't exist, e.g. after a
// concurrent reset); it is the only "check+mutate" primitive the phases use,
// matching the "snapshot-under-mutex → external work → commit-under-mutex"
// pattern used throughout.
type Store interface {
	WithLock(name string, fn func(w *core.Workflow))
	// AppendError records a sanitized failure message on the engine's
	// global, operator-visible error list (distinct from the per-workflow
	// error field WithLock callers set via Workflow.MarkError).
	AppendError(message string)
}
