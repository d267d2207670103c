package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

// Discover globs the configured project root for target files, annotates
// each from its sidecar artifacts, sorts the ready list, and resumes every
// target's workflow status from whatever sidecars are already on disk.
// Phase transitions idle -> discovering -> ready.
func (e *Engine) Discover(_ context.Context) error {
	e.mu.Lock()
	e.state.Phase = core.GlobalDiscovering
	root := e.cfg.Target.ProjectRoot
	pattern := e.cfg.Target.DiscoveryGlob
	excludes := e.cfg.Target.DiscoveryExcludes
	e.mu.Unlock()

	matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
	if err != nil {
		return err
	}

	targets := make([]core.Target, 0, len(matches))
	for _, m := range matches {
		if excluded(filepath.Base(m), excludes) {
			continue
		}
		rel, err := filepath.Rel(root, m)
		if err != nil {
			rel = m
		}
		t := core.Target{Name: rel, SourcePath: m, RelativePath: rel}
		e.annotateTarget(&t)
		targets = append(targets, t)
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].NeedsAttention != targets[j].NeedsAttention {
			return targets[i].NeedsAttention // needs-attention targets sort first
		}
		if targets[i].RiskOrder != targets[j].RiskOrder {
			return targets[i].RiskOrder > targets[j].RiskOrder // highest risk first
		}
		return targets[i].Name < targets[j].Name
	})

	e.mu.Lock()
	e.state.Targets = targets
	e.resumeFromSidecarsLocked()
	e.state.Phase = core.GlobalReady
	e.mu.Unlock()
	e.invalidateCache()
	return nil
}

func excluded(basename string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, _ := filepath.Match(ex, basename); ok {
			return true
		}
	}
	return false
}

type analysisSummary struct {
	Risk     int               `json:"risk"`
	Findings []json.RawMessage `json:"findings"`
}

// annotateTarget reads whatever hardening analysis sidecar exists for t and
// derives Stale/NeedsAttention/RiskOrder/FindingCount. A target with no
// analysis yet is always flagged as needing attention.
func (e *Engine) annotateTarget(t *core.Target) {
	analysisPath := filepath.Join(sidecar.TargetDir(e.hardeningRoot(), t.Name), "analysis.json")

	info, err := os.Stat(analysisPath)
	if err != nil {
		t.NeedsAttention = true
		t.Stale = true
		return
	}
	if srcInfo, err := os.Stat(t.SourcePath); err == nil && srcInfo.ModTime().After(info.ModTime()) {
		t.Stale = true
	}

	var summary analysisSummary
	if err := sidecar.ReadJSON(analysisPath, &summary); err == nil {
		t.RiskOrder = summary.Risk
		t.FindingCount = len(summary.Findings)
	}
	t.NeedsAttention = t.Stale || t.FindingCount > 0
}

// refreshStale recomputes Stale/NeedsAttention for whichever discovered
// target's SourcePath matches changedPath, without a full Discover pass.
// Called by the optional fsnotify Watcher on a source file write/create.
func (e *Engine) refreshStale(changedPath string) {
	e.mu.Lock()
	found := false
	for i := range e.state.Targets {
		if e.state.Targets[i].SourcePath == changedPath {
			e.annotateTarget(&e.state.Targets[i])
			found = true
			break
		}
	}
	e.mu.Unlock()
	if found {
		e.invalidateCache()
	}
}

func (e *Engine) hardeningRoot() string {
	return filepath.Join(e.cfg.Target.ProjectRoot, e.cfg.Target.HardeningDir)
}

func (e *Engine) enhanceRoot() string {
	return filepath.Join(e.cfg.Target.ProjectRoot, e.cfg.Target.EnhanceDir)
}

// resumeFromSidecarsLocked derives each target's initial workflow status
// from whatever sidecar artifacts survive on disk, in descending order of
// pipeline completeness, without overwriting a workflow already tracked in
// memory (e.g. one actively running). Callers must hold e.mu.
func (e *Engine) resumeFromSidecarsLocked() {
	for _, t := range e.state.Targets {
		if _, tracked := e.state.Workflows[t.Name]; tracked {
			continue
		}
		status, mode := e.deriveResumeStatus(t.Name)
		if status == "" {
			continue
		}
		w := core.NewWorkflow(t.Name, t.SourcePath, t.RelativePath, mode)
		w.Status = status
		e.state.Workflows[t.Name] = w
	}
}

func (e *Engine) deriveResumeStatus(name string) (core.Status, core.Mode) {
	enhDir := sidecar.TargetDir(e.enhanceRoot(), name)
	hardDir := sidecar.TargetDir(e.hardeningRoot(), name)

	batchesPath := filepath.Join(enhDir, "batches.json")
	if sidecar.Exists(batchesPath) {
		var batches []core.Batch
		if err := sidecar.ReadJSON(batchesPath, &batches); err == nil && len(batches) > 0 {
			return e.deriveBatchResumeStatus(enhDir, batches)
		}
		return core.StatusEAwaitingBatchApproval, core.ModeEnhance
	}

	// Reconciles against the E5 sequence diagram (submitEnhanceDecisions ->
	// e_planning_batches) rather than the literal "decisions present, no
	// batches -> e_awaiting_decisions" resume text, which would contradict
	// the diagram: by the time decisions.json exists the operator has
	// already passed through e_awaiting_decisions.
	decisionsPath := filepath.Join(enhDir, "decisions.json")
	if sidecar.Exists(decisionsPath) {
		return core.StatusEPlanningBatches, core.ModeEnhance
	}

	analysisEPath := filepath.Join(enhDir, "analysis.json")
	if sidecar.Exists(analysisEPath) {
		var eAnalysis struct {
			ResearchTopics []core.ResearchTopic `json:"researchTopics"`
		}
		if err := sidecar.ReadJSON(analysisEPath, &eAnalysis); err == nil {
			if core.ResearchComplete(eAnalysis.ResearchTopics) {
				return core.StatusEExtracting, core.ModeEnhance
			}
		}
		return core.StatusEAwaitingResearch, core.ModeEnhance
	}

	verificationPath := filepath.Join(hardDir, "verification.json")
	if sidecar.Exists(verificationPath) {
		return core.StatusHComplete, core.ModeHardening
	}

	analysisHPath := filepath.Join(hardDir, "analysis.json")
	if sidecar.Exists(analysisHPath) {
		return core.StatusHAwaitingDecisions, core.ModeHardening
	}

	return "", ""
}

// deriveBatchResumeStatus resumes at the first not-yet-complete batch's
// last-completed sidecar step, or reports e_enhance_complete if every
// batch's verification.json is present.
func (e *Engine) deriveBatchResumeStatus(enhDir string, batches []core.Batch) (core.Status, core.Mode) {
	for _, b := range batches {
		batchDir := sidecar.BatchDir(enhDir, b.ID)
		switch {
		case sidecar.Exists(filepath.Join(batchDir, "verification.json")):
			continue // this batch is done; check the next one
		case sidecar.Exists(filepath.Join(batchDir, "ci_results.json")):
			return core.StatusEBatchCiPassed, core.ModeEnhance
		case sidecar.Exists(filepath.Join(batchDir, "test_results.json")):
			return core.StatusEBatchTested, core.ModeEnhance
		case sidecar.Exists(filepath.Join(batchDir, "apply.json")):
			return core.StatusEBatchApplied, core.ModeEnhance
		default:
			return core.StatusEAwaitingBatchApproval, core.ModeEnhance
		}
	}
	return core.StatusEEnhanceComplete, core.ModeEnhance
}
