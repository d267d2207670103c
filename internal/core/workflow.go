package core

import (
	"encoding/json"
	"time"
)

// Mode selects which orchestrator drives a workflow.
type Mode string

const (
	ModeHardening Mode = "hardening"
	ModeEnhance   Mode = "enhance"
)

// Workflow is the per-target state machine: one per target, keyed by
// target name. Its Status field uniquely determines which of the fields
// below are meaningful; data fields are always written before the status
// field that announces them.
type Workflow struct {
	Name         string `json:"name"`
	SourcePath   string `json:"sourcePath"`
	RelativePath string `json:"relativePath"`
	Mode         Mode   `json:"mode"`
	Status       Status `json:"status"`

	// Hardening artifacts.
	Analysis     json.RawMessage `json:"analysis,omitempty"`
	Decision     json.RawMessage `json:"decision,omitempty"`
	ApplyResult  json.RawMessage `json:"applyResult,omitempty"`
	TestResults  json.RawMessage `json:"testResults,omitempty"`
	CiResults    json.RawMessage `json:"ciResults,omitempty"`
	Verification json.RawMessage `json:"verification,omitempty"`

	// Enhance artifacts.
	EAnalysis       json.RawMessage          `json:"eAnalysis,omitempty"`
	ResearchTopics  []ResearchTopic          `json:"researchTopics,omitempty"`
	PossibleItems   []Item                   `json:"possibleItems,omitempty"`
	ReadyItems      []Item                   `json:"readyItems,omitempty"`
	AuditResult     json.RawMessage          `json:"auditResult,omitempty"`
	EDecisions      json.RawMessage          `json:"eDecisions,omitempty"`
	Batches         []Batch                  `json:"batches,omitempty"`
	CurrentBatchID  string                   `json:"currentBatchId,omitempty"`
	EBatchState     map[string]BatchProgress `json:"eBatchState,omitempty"`

	// Shared.
	Error          string     `json:"error,omitempty"`
	OriginalSource string     `json:"-"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	// Prompts issued during this workflow's lifetime, keyed by promptKey,
	// surfaced under toJSON's "prompts" enrichment.
	Prompts map[string]string `json:"-"`
}

// BatchProgress tracks per-batch sidecar step completion for resume.
type BatchProgress struct {
	Status      Status `json:"status"`
	TestAttempt int    `json:"testAttempt"`
	CiAttempt   int    `json:"ciAttempt"`
}

// NewWorkflow constructs a fresh workflow entry for a target, as created by
// tryTransition(:notActive) on a target's first operation.
func NewWorkflow(name, sourcePath, relativePath string, mode Mode) *Workflow {
	return &Workflow{
		Name:         name,
		SourcePath:   sourcePath,
		RelativePath: relativePath,
		Mode:         mode,
		Status:       StatusIdle,
		StartedAt:    time.Now(),
		Prompts:      make(map[string]string),
		EBatchState:  make(map[string]BatchProgress),
	}
}

// SetPrompt records a prompt under key, lazily allocating the map.
func (w *Workflow) SetPrompt(key, prompt string) {
	if w.Prompts == nil {
		w.Prompts = make(map[string]string)
	}
	w.Prompts[key] = prompt
}

// MarkError sets the workflow to the error status with a sanitized message,
// the single translation point used by safeThread on unhandled failure.
func (w *Workflow) MarkError(sanitizedMessage string) {
	w.Error = sanitizedMessage
	w.Status = StatusError
}

// MarkComplete stamps CompletedAt to now.
func (w *Workflow) MarkComplete() {
	now := time.Now()
	w.CompletedAt = &now
}

// IsActive reports whether the workflow is mid in-flight async work.
func (w *Workflow) IsActive() bool {
	return IsActive(w.Status)
}
