package sharedphases

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
)

// FixPromptFn builds the fix-loop prompt after a failing test run.
type FixPromptFn func(source, testOutput string, analysis json.RawMessage, stagingDir string) string

// TestCommandFn resolves the test subprocess for a target: either a
// target-specific invocation (e.g. one file's test) or the full suite.
type TestCommandFn func(targetName, sourcePath string) (name string, args []string)

// TestParams parameterizes sharedTest for one mode/target.
type TestParams struct {
	TargetName string
	Guard      core.Status
	Testing    core.Status
	Fixing     core.Status
	Tested     core.Status
	Failed     core.Status

	FixPromptFn   FixPromptFn
	TestCommandFn TestCommandFn
	PromptKey     string
	NextPhaseFn   func(name string)
	SidecarDir    string
	SidecarFile   string
	GrantID       string

	GetAnalysis func(w *core.Workflow) json.RawMessage
}

type testAttempt struct {
	Attempt int    `json:"attempt"`
	Passed  bool   `json:"passed"`
	Output  string `json:"output"`
}

type testResultsDoc struct {
	Attempts []testAttempt `json:"attempts"`
	Passed   bool          `json:"passed"`
}

// SharedTest runs the project's test command, and on failure loops the
// fix-and-retest cycle up to MaxFixAttempts times before giving up.
func SharedTest(ctx context.Context, deps Deps, p TestParams) error {
	var sourcePath string
	var analysisJSON json.RawMessage
	var active bool

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil || w.Status != p.Guard {
			return
		}
		w.Status = p.Testing
		sourcePath = w.SourcePath
		analysisJSON = p.GetAnalysis(w)
		active = true
	})
	if !active {
		return nil
	}

	doc := testResultsDoc{}
	passed, output, err := runTestCommand(ctx, deps, p, sourcePath)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}
	doc.Attempts = append(doc.Attempts, testAttempt{Attempt: 1, Passed: passed, Output: output})

	if !passed {
		for attempt := 2; attempt <= MaxFixAttempts+1; attempt++ {
			deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
				if w == nil {
					return
				}
				w.Status = p.Fixing
				analysisJSON = p.GetAnalysis(w)
			})

			stagingDir := filepath.Join(p.SidecarDir, "staging")
			if err := fsutil.CleanStagingDir(stagingDir); err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}

			source, err := fsutil.ReadFileScoped(sourcePath)
			if err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}
			prompt := p.FixPromptFn(string(source), output, analysisJSON, stagingDir)
			response, err := deps.Agent.CLICall(ctx, deps.Control, prompt)
			if err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}
			if _, err := agentclient.ParseJSON(response); err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}
			deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
				if w == nil {
					return
				}
				w.SetPrompt(p.PromptKey, prompt)
			})
			if err := deps.Sidecar.CopyFromStaging(stagingDir, p.GrantID); err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}

			deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
				if w == nil {
					return
				}
				w.Status = p.Testing
			})

			passed, output, err = runTestCommand(ctx, deps, p, sourcePath)
			if err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}
			doc.Attempts = append(doc.Attempts, testAttempt{Attempt: attempt, Passed: passed, Output: output})
			if passed {
				break
			}
		}
	}
	doc.Passed = passed

	if err := deps.Sidecar.WriteJSON(p.SidecarFile, doc, p.GrantID); err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil {
			return
		}
		if passed {
			w.Status = p.Tested
		} else {
			w.Status = p.Failed
		}
	})
	if !passed {
		return nil
	}
	if p.NextPhaseFn != nil {
		p.NextPhaseFn(p.TargetName)
	}
	return nil
}

func runTestCommand(ctx context.Context, deps Deps, p TestParams, sourcePath string) (bool, string, error) {
	name, args := p.TestCommandFn(p.TargetName, sourcePath)
	res, err := deps.Subprocess.Run(ctx, deps.Control, name, args, deps.SubprocessTimeout, deps.ProjectRoot)
	if err != nil {
		return false, "", err
	}
	return res.Success, res.Output, nil
}
