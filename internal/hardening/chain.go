package hardening

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/prompts"
	"github.com/quorumlabs/agentpipeline/internal/sharedphases"
)

// SubmitDecision records the operator's decision for an analyzed target and
// launches the write core chain (apply -> test -> ci -> verify), unless the
// decision's action is "skip" (handled inside sharedApply itself).
func (o *Orchestrator) SubmitDecision(name string, decision json.RawMessage) error {
	transitioned, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusHAwaitingDecisions), core.StatusHApplying, "", "", "")
	if !transitioned {
		return core.ErrStateGuard(name, msg, string(core.StatusHAwaitingDecisions))
	}
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.Decision = decision
		}
	})

	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runApply(ctx, name)
	})
	return nil
}

func getAnalysis(w *core.Workflow) json.RawMessage { return w.Analysis }
func getDecision(w *core.Workflow) json.RawMessage { return w.Decision }

func (o *Orchestrator) applyPrompt(source string, analysis, decision json.RawMessage, stagingDir string) string {
	s, err := o.prompts.Render("hardening/apply", prompts.ApplyParams{
		Source: source, Analysis: analysis, Decision: decision, StagingDir: stagingDir,
	})
	if err != nil {
		panic(err)
	}
	return s
}

func (o *Orchestrator) fixPrompt(source, output string, analysis json.RawMessage, stagingDir string) string {
	s, err := o.prompts.Render("hardening/fix", prompts.FixParams{
		Source: source, Output: output, Analysis: analysis, StagingDir: stagingDir,
	})
	if err != nil {
		panic(err)
	}
	return s
}

func (o *Orchestrator) verifyPrompt(originalSource, currentSource string, analysis json.RawMessage) string {
	s, err := o.prompts.Render("hardening/verify", prompts.VerifyParams{
		OriginalSource: originalSource, CurrentSource: currentSource, Analysis: analysis,
	})
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

func (o *Orchestrator) runApply(ctx context.Context, name string) {
	skippedStatus := core.StatusHSkipped
	dir := o.sidecarDir(name)
	err := sharedphases.SharedApply(ctx, o.deps(), sharedphases.ApplyParams{
		TargetName:     name,
		ApplyPromptFn:  o.applyPrompt,
		ApplyingStatus: core.StatusHApplying,
		AppliedStatus:  core.StatusHHardened,
		SkippedStatus:  &skippedStatus,
		SidecarDir:     dir,
		StagingSubdir:  "staging",
		PromptKey:      "hardening/apply",
		SidecarFile:    filepath.Join(dir, "apply.json"),
		GetAnalysis:    getAnalysis,
		GetDecision:    getDecision,
		SetApplyResult: func(w *core.Workflow, result json.RawMessage) { w.ApplyResult = result },
	})
	if err != nil {
		return
	}
	status, _ := o.eng.WorkflowStatus(name)
	if status != core.StatusHHardened {
		return
	}
	o.runTest(ctx, name)
}

func (o *Orchestrator) runTest(ctx context.Context, name string) {
	dir := o.sidecarDir(name)
	err := sharedphases.SharedTest(ctx, o.deps(), sharedphases.TestParams{
		TargetName:    name,
		Guard:         core.StatusHHardened,
		Testing:       core.StatusHTesting,
		Fixing:        core.StatusHFixing,
		Tested:        core.StatusHTested,
		Failed:        core.StatusHTestsFailed,
		FixPromptFn:   o.fixPrompt,
		TestCommandFn: o.testCommand,
		PromptKey:     "hardening/fix-test",
		NextPhaseFn:   func(n string) { o.runCi(ctx, n) },
		SidecarDir:    dir,
		SidecarFile:   filepath.Join(dir, "test_results.json"),
		GetAnalysis:   getAnalysis,
	})
	if err != nil {
		o.logger.Error("hardening test phase failed", "target", name, "error", err)
	}
}

func (o *Orchestrator) runCi(ctx context.Context, name string) {
	dir := o.sidecarDir(name)
	err := sharedphases.SharedCiCheck(ctx, o.deps(), sharedphases.CiParams{
		TargetName:  name,
		Guard:       core.StatusHTested,
		Checking:    core.StatusHCiChecking,
		Fixing:      core.StatusHFixingCi,
		Passed:      core.StatusHCiPassed,
		Failed:      core.StatusHCiFailed,
		Commands:    o.ciCommands(),
		FixPromptFn: o.fixPrompt,
		PromptKey:   "hardening/fix-ci",
		NextPhaseFn: func(n string) { o.runVerify(ctx, n) },
		SidecarDir:  dir,
		SidecarFile: filepath.Join(dir, "ci_results.json"),
		GetAnalysis: getAnalysis,
	})
	if err != nil {
		o.logger.Error("hardening ci phase failed", "target", name, "error", err)
	}
}

func (o *Orchestrator) runVerify(ctx context.Context, name string) {
	dir := o.sidecarDir(name)
	err := sharedphases.SharedVerify(ctx, o.deps(), sharedphases.VerifyParams{
		TargetName:     name,
		Guard:          core.StatusHCiPassed,
		Verifying:      core.StatusHVerifying,
		Verified:       core.StatusHComplete,
		VerifyPromptFn: o.verifyPrompt,
		PromptKey:      "hardening/verify",
		SidecarFile:    filepath.Join(dir, "verification.json"),
		GetAnalysis:    getAnalysis,
		SetVerification: func(w *core.Workflow, result json.RawMessage) { w.Verification = result },
	})
	if err != nil {
		o.logger.Error("hardening verify phase failed", "target", name, "error", err)
	}
}

// RetryTests re-runs sharedTest after an operator-triggered fix from
// h_tests_failed -> h_hardened.
func (o *Orchestrator) RetryTests(name string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusHTestsFailed), core.StatusHHardened, "", "", "")
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusHHardened))
	}
	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runTest(ctx, name)
	})
	return nil
}

// RetryCi re-runs sharedCiCheck after an operator-triggered fix from
// h_ci_failed -> h_tested.
func (o *Orchestrator) RetryCi(name string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusHCiFailed), core.StatusHTested, "", "", "")
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusHTested))
	}
	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runCi(ctx, name)
	})
	return nil
}

// RetryAnalysis re-runs the analysis step after error -> h_analyzing.
func (o *Orchestrator) RetryAnalysis(name, sourcePath, relativePath string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardStatus(core.StatusError), core.StatusHAnalyzing, sourcePath, relativePath, core.ModeHardening)
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusHAnalyzing))
	}
	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runAnalysis(ctx, name)
	})
	return nil
}
