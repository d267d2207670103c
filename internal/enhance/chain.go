package enhance

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
	"github.com/quorumlabs/agentpipeline/internal/prompts"
	"github.com/quorumlabs/agentpipeline/internal/sharedphases"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

// batchGrantTimeout bounds how long a batch waits for a conflict-free
// write-lock grant before giving up.
const batchGrantTimeout = 30 * time.Second

// runExtractChain runs E2-E4 (extract -> synthesize -> audit) as one
// synchronous chain, writing the sidecar artifact and advancing the
// workflow's status between each step.
func (o *Orchestrator) runExtractChain(ctx context.Context, name string) {
	var sourcePath string
	var eAnalysis json.RawMessage
	var research []core.ResearchTopic
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil || w.Status != core.StatusEExtracting {
			return
		}
		sourcePath = w.SourcePath
		eAnalysis = w.EAnalysis
		research = w.ResearchTopics
	})
	if sourcePath == "" {
		return
	}

	source, err := readScoped(sourcePath)
	if err != nil {
		o.fail(name, err)
		return
	}

	results := make([]prompts.ResearchResult, 0, len(research))
	for _, t := range research {
		if t.Status == core.ResearchCompleted {
			results = append(results, prompts.ResearchResult{Topic: t.Prompt, Result: t.Result})
		}
	}

	possibleItems, err := o.extract(ctx, name, source, eAnalysis, results)
	if err != nil {
		o.fail(name, err)
		return
	}
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.PossibleItems = possibleItems
			w.Status = core.StatusESynthesizing
		}
	})

	readyItems, err := o.synthesize(ctx, name, possibleItems)
	if err != nil {
		o.fail(name, err)
		return
	}
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.ReadyItems = readyItems
			w.Status = core.StatusEAuditing
		}
	})

	audit, err := o.audit(ctx, name, readyItems, nil, nil)
	if err != nil {
		o.fail(name, err)
		return
	}
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.AuditResult = audit
			w.Status = core.StatusEAwaitingDecisions
		}
	})
}

func (o *Orchestrator) extract(ctx context.Context, name, source string, eAnalysis json.RawMessage, research []prompts.ResearchResult) ([]core.Item, error) {
	prompt, err := o.prompts.Render("enhance/extract", prompts.ExtractParams{TargetName: name, Source: source, EAnalysis: eAnalysis, Research: research})
	if err != nil {
		return nil, err
	}
	response, err := o.agent.CLICall(ctx, o.eng.Control(), prompt)
	if err != nil {
		return nil, err
	}
	parsed, err := agentclient.ParseJSON(response)
	if err != nil {
		return nil, err
	}
	items, err := core.ParseItems(marshalField(parsed, "possibleItems"))
	if err != nil {
		return nil, err
	}
	if err := o.sidecar.WriteJSON(filepath.Join(o.sidecarDir(name), "extract.json"), parsed, ""); err != nil {
		return nil, err
	}
	return items, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, name string, possibleItems []core.Item) ([]core.Item, error) {
	raw, err := json.Marshal(possibleItems)
	if err != nil {
		return nil, err
	}
	prompt, err := o.prompts.Render("enhance/synthesize", prompts.SynthesizeParams{TargetName: name, PossibleItems: raw})
	if err != nil {
		return nil, err
	}
	response, err := o.agent.CLICall(ctx, o.eng.Control(), prompt)
	if err != nil {
		return nil, err
	}
	parsed, err := agentclient.ParseJSON(response)
	if err != nil {
		return nil, err
	}
	items, err := core.ParseItems(marshalField(parsed, "readyItems"))
	if err != nil {
		return nil, err
	}
	if err := o.sidecar.WriteJSON(filepath.Join(o.sidecarDir(name), "synthesize.json"), parsed, ""); err != nil {
		return nil, err
	}
	return items, nil
}

func (o *Orchestrator) audit(ctx context.Context, name string, readyItems []core.Item, deferred, rejected []string) (json.RawMessage, error) {
	raw, err := json.Marshal(readyItems)
	if err != nil {
		return nil, err
	}
	prompt, err := o.prompts.Render("enhance/audit", prompts.AuditParams{TargetName: name, ReadyItems: raw, Deferred: deferred, Rejected: rejected})
	if err != nil {
		return nil, err
	}
	response, err := o.agent.CLICall(ctx, o.eng.Control(), prompt)
	if err != nil {
		return nil, err
	}
	parsed, err := agentclient.ParseJSON(response)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	if err := o.sidecar.WriteJSON(filepath.Join(o.sidecarDir(name), "audit.json"), parsed, ""); err != nil {
		return nil, err
	}
	return result, nil
}

func marshalField(m map[string]interface{}, key string) json.RawMessage {
	raw, err := json.Marshal(m[key])
	if err != nil || string(raw) == "null" {
		return nil
	}
	return raw
}

// decisionSets is the operator's E5 payload: per-item action plus the
// derived deferred/rejected id lists persisted alongside it.
type decisionSets struct {
	Applied  []core.Item `json:"applied"`
	Deferred []string    `json:"deferred"`
	Rejected []string    `json:"rejected"`
}

// SubmitDecisions persists the operator's E5 decision and moves the
// workflow into batch planning.
func (o *Orchestrator) SubmitDecisions(name string, decisions json.RawMessage) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusEAwaitingDecisions), core.StatusEPlanningBatches, "", "", "")
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusEPlanningBatches))
	}

	var sets decisionSets
	if err := json.Unmarshal(decisions, &sets); err != nil {
		o.fail(name, err)
		return err
	}

	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.EDecisions = decisions
		}
	})

	dir := o.sidecarDir(name)
	if err := o.sidecar.WriteJSON(filepath.Join(dir, "decisions.json"), decisions, ""); err != nil {
		o.fail(name, err)
		return err
	}
	if err := o.sidecar.WriteJSON(filepath.Join(dir, "decisions", "deferred.json"), sets.Deferred, ""); err != nil {
		o.fail(name, err)
		return err
	}
	if err := o.sidecar.WriteJSON(filepath.Join(dir, "decisions", "rejected.json"), sets.Rejected, ""); err != nil {
		o.fail(name, err)
		return err
	}

	appliedJSON, err := json.Marshal(sets.Applied)
	if err != nil {
		o.fail(name, err)
		return err
	}

	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.planBatches(ctx, name, appliedJSON, "")
	})
	return nil
}

// ReplanBatches re-runs E6 with operator feedback, looping
// e_awaiting_batch_approval -> e_planning_batches -> e_awaiting_batch_approval.
// The operator may call this as many times as needed before approving.
func (o *Orchestrator) ReplanBatches(name, feedback string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusEAwaitingBatchApproval), core.StatusEPlanningBatches, "", "", "")
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusEPlanningBatches))
	}

	var decisions decisionSets
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			_ = json.Unmarshal(w.EDecisions, &decisions)
		}
	})
	appliedJSON, err := json.Marshal(decisions.Applied)
	if err != nil {
		o.fail(name, err)
		return err
	}

	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.planBatches(ctx, name, appliedJSON, feedback)
	})
	return nil
}

func (o *Orchestrator) planBatches(ctx context.Context, name string, appliedItems json.RawMessage, feedback string) {
	prompt, err := o.prompts.Render("enhance/plan-batches", prompts.PlanBatchesParams{TargetName: name, AppliedItems: appliedItems, Feedback: feedback})
	if err != nil {
		o.fail(name, err)
		return
	}
	response, err := o.agent.CLICall(ctx, o.eng.Control(), prompt)
	if err != nil {
		o.fail(name, err)
		return
	}
	parsed, err := agentclient.ParseJSON(response)
	if err != nil {
		o.fail(name, err)
		return
	}

	var doc struct {
		Batches []core.Batch `json:"batches"`
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		o.fail(name, err)
		return
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		o.fail(name, err)
		return
	}

	if err := o.sidecar.WriteJSON(filepath.Join(o.sidecarDir(name), "batches.json"), doc.Batches, ""); err != nil {
		o.fail(name, err)
		return
	}

	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil {
			return
		}
		w.Batches = doc.Batches
		if w.EBatchState == nil {
			w.EBatchState = make(map[string]core.BatchProgress)
		}
		for _, b := range doc.Batches {
			if _, exists := w.EBatchState[b.ID]; !exists {
				w.EBatchState[b.ID] = core.BatchProgress{Status: core.StatusEApplying}
			}
		}
		w.Status = core.StatusEAwaitingBatchApproval
	})
}

// ApproveBatches starts (or resumes) the E7-E10 batch execution loop from
// the first batch that has not yet reached e_batch_complete.
func (o *Orchestrator) ApproveBatches(name string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusEAwaitingBatchApproval), core.StatusEApplying, "", "", "")
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusEApplying))
	}
	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runBatches(ctx, name)
	})
	return nil
}

// RetryBatch re-enters batch approval after a fix-exhausted test/ci
// failure. The operator calls ApproveBatches again to relaunch; runBatches
// resumes from the first batch not yet recorded e_batch_complete.
func (o *Orchestrator) RetryBatch(name string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardAnyOf(core.StatusETestsFailed, core.StatusECiFailed), core.StatusEAwaitingBatchApproval, "", "", "")
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusEAwaitingBatchApproval))
	}
	return nil
}

// runBatches resumes batch execution from the first batch not yet recorded
// e_batch_complete in EBatchState, running each to completion in order.
func (o *Orchestrator) runBatches(ctx context.Context, name string) {
	var batches []core.Batch
	start := 0
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil {
			return
		}
		batches = w.Batches
		start = len(batches)
		for i, b := range batches {
			if w.EBatchState[b.ID].Status != core.StatusEBatchComplete {
				start = i
				break
			}
		}
	})
	o.runBatchFrom(ctx, name, batches, start)
}

// runBatchFrom runs batches[i] end to end and, on success, either advances
// to the next batch or (on the last batch) leaves the workflow at
// e_enhance_complete, which SharedVerify itself sets via MarkComplete.
func (o *Orchestrator) runBatchFrom(ctx context.Context, name string, batches []core.Batch, i int) {
	if i >= len(batches) {
		return
	}
	batch := batches[i]
	last := i == len(batches)-1

	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.CurrentBatchID = batch.ID
		}
	})

	dir := sidecar.BatchDir(o.sidecarDir(name), batch.ID)
	writePaths := make([]string, 0, len(batch.WriteTargets))
	for _, rel := range batch.WriteTargets {
		abs, err := fsutil.SafeJoin(o.cfg.Target.ProjectRoot, rel)
		if err != nil {
			o.fail(name, err)
			return
		}
		writePaths = append(writePaths, abs)
	}

	locks := o.eng.Locks()
	grant, err := locks.Acquire(ctx, name, writePaths, batchGrantTimeout)
	if err != nil {
		o.fail(name, err)
		return
	}
	defer locks.Release(grant.ID)

	itemsJSON, err := json.Marshal(batch.Items)
	if err != nil {
		o.fail(name, err)
		return
	}
	getBatchItems := func(*core.Workflow) json.RawMessage { return itemsJSON }

	verifiedStatus := core.StatusEBatchComplete
	if last {
		verifiedStatus = core.StatusEEnhanceComplete
	}

	deps := o.deps()

	applyErr := sharedphases.SharedApply(ctx, deps, sharedphases.ApplyParams{
		TargetName:     name,
		ApplyPromptFn:  func(source string, _, _ json.RawMessage, stagingDir string) string { return o.batchApplyPrompt(name, source, itemsJSON, stagingDir) },
		ApplyingStatus: core.StatusEApplying,
		AppliedStatus:  core.StatusEBatchApplied,
		SidecarDir:     dir,
		StagingSubdir:  "staging",
		PromptKey:      "enhance/apply",
		SidecarFile:    filepath.Join(dir, "apply.json"),
		GrantID:        grant.ID,
		GetAnalysis:    getBatchItems,
		GetDecision:    func(*core.Workflow) json.RawMessage { return nil },
		SetApplyResult: func(w *core.Workflow, result json.RawMessage) { w.ApplyResult = result },
	})
	if applyErr != nil {
		return
	}
	locks.Renew(grant.ID)

	testErr := sharedphases.SharedTest(ctx, deps, sharedphases.TestParams{
		TargetName:    name,
		Guard:         core.StatusEBatchApplied,
		Testing:       core.StatusETesting,
		Fixing:        core.StatusEFixingTests,
		Tested:        core.StatusEBatchTested,
		Failed:        core.StatusETestsFailed,
		FixPromptFn:   func(source, output string, analysis json.RawMessage, stagingDir string) string { return o.batchFixPrompt(name, source, output, itemsJSON, stagingDir) },
		TestCommandFn: o.testCommand,
		PromptKey:     "enhance/fix-test",
		SidecarDir:    dir,
		SidecarFile:   filepath.Join(dir, "test_results.json"),
		GrantID:       grant.ID,
		GetAnalysis:   getBatchItems,
		NextPhaseFn: func(n string) {
			locks.Renew(grant.ID)
			o.runBatchCi(ctx, deps, n, dir, itemsJSON, grant.ID, verifiedStatus)
		},
	})
	if testErr != nil {
		o.logger.Error("enhance test phase failed", "target", name, "batch", batch.ID, "error", testErr)
		return
	}

	if !last {
		if status, _ := o.eng.WorkflowStatus(name); status == verifiedStatus {
			o.advanceBatch(ctx, name, batches, i)
		}
	}
}

func (o *Orchestrator) runBatchCi(ctx context.Context, deps sharedphases.Deps, name, dir string, itemsJSON json.RawMessage, grantID string, verifiedStatus core.Status) {
	getBatchItems := func(*core.Workflow) json.RawMessage { return itemsJSON }
	locks := o.eng.Locks()

	ciErr := sharedphases.SharedCiCheck(ctx, deps, sharedphases.CiParams{
		TargetName:  name,
		Guard:       core.StatusEBatchTested,
		Checking:    core.StatusECiChecking,
		Fixing:      core.StatusEFixingCi,
		Passed:      core.StatusEBatchCiPassed,
		Failed:      core.StatusECiFailed,
		Commands:    o.ciCommands(),
		FixPromptFn: func(source, output string, analysis json.RawMessage, stagingDir string) string { return o.batchFixPrompt(name, source, output, itemsJSON, stagingDir) },
		PromptKey:   "enhance/fix-ci",
		SidecarDir:  dir,
		SidecarFile: filepath.Join(dir, "ci_results.json"),
		GrantID:     grantID,
		GetAnalysis: getBatchItems,
		NextPhaseFn: func(n string) {
			locks.Renew(grantID)
			o.runBatchVerify(ctx, deps, n, dir, itemsJSON, verifiedStatus)
		},
	})
	if ciErr != nil {
		o.logger.Error("enhance ci phase failed", "target", name, "error", ciErr)
	}
}

func (o *Orchestrator) runBatchVerify(ctx context.Context, deps sharedphases.Deps, name, dir string, itemsJSON json.RawMessage, verifiedStatus core.Status) {
	getBatchItems := func(*core.Workflow) json.RawMessage { return itemsJSON }
	batchID, _ := o.currentBatchID(name)

	verifyErr := sharedphases.SharedVerify(ctx, deps, sharedphases.VerifyParams{
		TargetName:     name,
		Guard:          core.StatusEBatchCiPassed,
		Verifying:      core.StatusEVerifying,
		Verified:       verifiedStatus,
		VerifyPromptFn: func(original, current string, analysis json.RawMessage) string { return o.batchVerifyPrompt(name, original, current, itemsJSON) },
		PromptKey:      "enhance/verify",
		SidecarFile:    filepath.Join(dir, "verification.json"),
		GetAnalysis:    getBatchItems,
		SetVerification: func(w *core.Workflow, result json.RawMessage) {
			w.Verification = result
			if w.EBatchState == nil {
				w.EBatchState = make(map[string]core.BatchProgress)
			}
			w.EBatchState[batchID] = core.BatchProgress{Status: core.StatusEBatchComplete}
		},
	})
	if verifyErr != nil {
		o.logger.Error("enhance verify phase failed", "target", name, "error", verifyErr)
	}
}

func (o *Orchestrator) currentBatchID(name string) (string, bool) {
	var id string
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			id = w.CurrentBatchID
		}
	})
	return id, id != ""
}

// advanceBatch moves the workflow from e_batch_complete into the next
// batch's e_applying, then dispatches it on a fresh managed task so the
// current one's deferred grant release runs first.
func (o *Orchestrator) advanceBatch(ctx context.Context, name string, batches []core.Batch, finished int) {
	ok, _ := o.eng.TryTransition(name, engine.GuardStatus(core.StatusEBatchComplete), core.StatusEApplying, "", "", "")
	if !ok {
		return
	}
	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runBatchFrom(ctx, name, batches, finished+1)
	})
}

func (o *Orchestrator) batchApplyPrompt(name, source string, items json.RawMessage, stagingDir string) string {
	s, err := o.prompts.Render("enhance/apply", prompts.EApplyParams{TargetName: name, Source: source, Items: items, StagingDir: stagingDir})
	if err != nil {
		panic(err)
	}
	return s
}

func (o *Orchestrator) batchFixPrompt(name, source, output string, items json.RawMessage, stagingDir string) string {
	s, err := o.prompts.Render("enhance/fix", prompts.FixParams{TargetName: name, Source: source, Output: output, Analysis: items, StagingDir: stagingDir})
	if err != nil {
		panic(err)
	}
	return s
}

func (o *Orchestrator) batchVerifyPrompt(name, original, current string, items json.RawMessage) string {
	s, err := o.prompts.Render("enhance/verify", prompts.EVerifyParams{TargetName: name, OriginalSource: original, CurrentSource: current, Items: items})
	if err != nil {
		panic(err)
	}
	return s
}

func (o *Orchestrator) testCommand(_, sourcePath string) (string, []string) {
	cmd := o.cfg.Target.TestCommand
	if len(cmd) == 0 {
		return "true", nil
	}
	return cmd[0], append(append([]string{}, cmd[1:]...), sourcePath)
}

func (o *Orchestrator) ciCommands() []sharedphases.CiCommand {
	commands := make([]sharedphases.CiCommand, 0, len(o.cfg.Commands.StaticAnalysis))
	for _, c := range o.cfg.Commands.StaticAnalysis {
		c := c
		commands = append(commands, sharedphases.CiCommand{
			Name: c.Name,
			Build: func(_, sourcePath string) (string, []string) {
				return c.Cmd, append(append([]string{}, c.Args...), sourcePath)
			},
		})
	}
	return commands
}
