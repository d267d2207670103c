package sharedphases

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
)

// ApplyPromptFn builds the write-phase prompt; stagingDir is where the
// agent is instructed to write files instead of inlining their content.
type ApplyPromptFn func(source string, analysis, decision json.RawMessage, stagingDir string) string

// ApplyParams parameterizes sharedApply for one mode/target.
type ApplyParams struct {
	TargetName     string
	ApplyPromptFn  ApplyPromptFn
	ApplyingStatus core.Status
	AppliedStatus  core.Status
	SkippedStatus  *core.Status // nullable
	SidecarDir     string
	StagingSubdir  string // usually "staging"
	PromptKey      string
	SidecarFile    string // absolute path, e.g. <SidecarDir>/hardened.json
	GrantID        string

	GetAnalysis    func(w *core.Workflow) json.RawMessage
	GetDecision    func(w *core.Workflow) json.RawMessage
	SetApplyResult func(w *core.Workflow, result json.RawMessage)
}

// SharedApply runs the write core: read source, stage a clean working
// directory, prompt the agent, parse its response, and mirror staged files
// back onto the project tree under the grant (if any).
func SharedApply(ctx context.Context, deps Deps, p ApplyParams) error {
	var sourcePath string
	var analysisJSON, decisionJSON json.RawMessage
	var skipped bool

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil {
			return
		}
		decisionJSON = p.GetDecision(w)
		if p.SkippedStatus != nil && decisionAction(decisionJSON) == "skip" {
			w.Status = *p.SkippedStatus
			w.MarkComplete()
			skipped = true
			return
		}
		w.Status = p.ApplyingStatus
		sourcePath = w.SourcePath
		analysisJSON = p.GetAnalysis(w)
	})
	if skipped {
		return nil
	}

	result, prompt, err := runApply(ctx, deps, p, sourcePath, analysisJSON, decisionJSON)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil {
			return
		}
		w.OriginalSource = result.originalSource
		p.SetApplyResult(w, result.parsed)
		w.SetPrompt(p.PromptKey, prompt)
		w.Status = p.AppliedStatus
	})

	stagingDir := filepath.Join(p.SidecarDir, p.StagingSubdir)
	return deps.Sidecar.CopyFromStaging(stagingDir, p.GrantID)
}

type applyResult struct {
	originalSource string
	parsed         json.RawMessage
}

func runApply(ctx context.Context, deps Deps, p ApplyParams, sourcePath string, analysisJSON, decisionJSON json.RawMessage) (applyResult, string, error) {
	source, err := fsutil.ReadFileScoped(sourcePath)
	if err != nil {
		return applyResult{}, "", err
	}

	if err := os.MkdirAll(p.SidecarDir, 0o755); err != nil {
		return applyResult{}, "", err
	}
	stagingDir := filepath.Join(p.SidecarDir, p.StagingSubdir)
	if err := fsutil.CleanStagingDir(stagingDir); err != nil {
		return applyResult{}, "", err
	}

	prompt := p.ApplyPromptFn(string(source), analysisJSON, decisionJSON, stagingDir)
	response, err := deps.Agent.CLICall(ctx, deps.Control, prompt)
	if err != nil {
		return applyResult{}, "", err
	}

	parsed, err := agentclient.ParseJSON(response)
	if err != nil {
		return applyResult{}, "", err
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		return applyResult{}, "", err
	}
	if err := deps.Sidecar.WriteJSON(p.SidecarFile, parsed, p.GrantID); err != nil {
		return applyResult{}, "", err
	}

	return applyResult{originalSource: string(source), parsed: raw}, prompt, nil
}

// decisionAction extracts the "action" field from a decision JSON object,
// returning "" when absent or the JSON doesn't decode as an object.
func decisionAction(decision json.RawMessage) string {
	if len(decision) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(decision, &m); err != nil {
		return ""
	}
	action, _ := m["action"].(string)
	return action
}

// failWorkflow is the shared error path used by every phase: sanitize the
// message, transition the workflow to the error status, and append the same
// sanitized message to the engine's global errors list so it surfaces in the
// operator-visible snapshot, not just the individual workflow entry.
func failWorkflow(deps Deps, targetName string, err error) {
	sanitized := deps.sanitize(err.Error())
	deps.Store.WithLock(targetName, func(w *core.Workflow) {
		if w == nil {
			return
		}
		w.MarkError(sanitized)
	})
	deps.Store.AppendError(fmt.Sprintf("%s: %s", targetName, sanitized))
}
