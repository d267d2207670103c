package sharedphases

import (
	"context"
	"encoding/json"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
)

// VerifyPromptFn builds the final verification prompt, comparing the
// original and current source against the recorded analysis.
type VerifyPromptFn func(originalSource, currentSource string, analysis json.RawMessage) string

// VerifyParams parameterizes sharedVerify for one mode/target.
type VerifyParams struct {
	TargetName  string
	Guard       core.Status
	Verifying   core.Status
	Verified    core.Status
	VerifyPromptFn VerifyPromptFn
	PromptKey   string
	SidecarFile string
	GrantID     string

	GetAnalysis      func(w *core.Workflow) json.RawMessage
	SetVerification  func(w *core.Workflow, result json.RawMessage)
}

// SharedVerify re-reads the current source, prompts the agent for a final
// verification pass, and records the result.
func SharedVerify(ctx context.Context, deps Deps, p VerifyParams) error {
	var sourcePath, originalSource string
	var analysisJSON json.RawMessage
	var active bool

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil || w.Status != p.Guard {
			return
		}
		w.Status = p.Verifying
		sourcePath = w.SourcePath
		originalSource = w.OriginalSource
		analysisJSON = p.GetAnalysis(w)
		active = true
	})
	if !active {
		return nil
	}

	current, err := fsutil.ReadFileScoped(sourcePath)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}

	prompt := p.VerifyPromptFn(originalSource, string(current), analysisJSON)
	response, err := deps.Agent.CLICall(ctx, deps.Control, prompt)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}

	parsed, err := agentclient.ParseJSON(response)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}
	if err := deps.Sidecar.WriteJSON(p.SidecarFile, parsed, p.GrantID); err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil {
			return
		}
		p.SetVerification(w, raw)
		w.Status = p.Verified
		w.MarkComplete()
		w.SetPrompt(p.PromptKey, prompt)
	})
	return nil
}
