package sharedphases

import (
	"context"
	"encoding/json"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
	"github.com/quorumlabs/agentpipeline/internal/subprocess"
)

// CiCommand is one configured static-analysis command; Build resolves it
// to a spawnable executable and argument list (never a shell string).
type CiCommand struct {
	Name  string
	Build func(targetName, sourcePath string) (name string, args []string)
}

// CiParams parameterizes sharedCiCheck for one mode/target.
type CiParams struct {
	TargetName string
	Guard      core.Status
	Checking   core.Status
	Fixing     core.Status
	Passed     core.Status
	Failed     core.Status

	Commands      []CiCommand
	FixPromptFn   FixPromptFn
	PromptKey     string
	NextPhaseFn   func(name string)
	SidecarDir    string
	SidecarFile   string
	GrantID       string

	GetAnalysis func(w *core.Workflow) json.RawMessage
}

type ciCommandResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Output  string `json:"output"`
}

type ciResultsDoc struct {
	Attempt  int               `json:"attempt"`
	Results  []ciCommandResult `json:"results"`
	Passed   bool              `json:"passed"`
}

// SharedCiCheck runs every configured static-analysis command in parallel
// and, like sharedTest, loops a fix-and-recheck cycle on failure.
func SharedCiCheck(ctx context.Context, deps Deps, p CiParams) error {
	var sourcePath string
	var analysisJSON json.RawMessage
	var active bool

	deps.Store.WithLock(p.TargetName, func(w *core.Workflow) {
		if w == nil || w.Status != p.Guard {
			return
		}
		w.Status = p.Checking
		sourcePath = w.SourcePath
		analysisJSON = p.GetAnalysis(w)
		active = true
	})
	if !active {
		return nil
	}

	doc := ciResultsDoc{}
	results, passed, err := runCiCommands(ctx, deps, p, sourcePath, 1)
	if err != nil {
		failWorkflow(deps, p.TargetName, err)
		return err
	}
	doc.Results = results
	doc.Attempt = 1

	if !passed {
		for attempt := 2; attempt <= MaxCIFixAttempts+1; attempt++ {
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
			prompt := p.FixPromptFn(string(source), combinedOutput(results), analysisJSON, stagingDir)
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
				w.Status = p.Checking
			})

			results, passed, err = runCiCommands(ctx, deps, p, sourcePath, attempt)
			if err != nil {
				failWorkflow(deps, p.TargetName, err)
				return err
			}
			doc.Results = results
			doc.Attempt = attempt
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
			w.Status = p.Passed
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

// runCiCommands runs every command in its own Supervisor concurrently.
// Supervisor instances aren't safe to multiplex, so each command gets its
// own; a failing command cancels the shared context, tearing down the rest.
func runCiCommands(ctx context.Context, deps Deps, p CiParams, sourcePath string, attempt int) ([]ciCommandResult, bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]ciCommandResult, len(p.Commands))

	for i, cmd := range p.Commands {
		i, cmd := i, cmd
		g.Go(func() error {
			name, args := cmd.Build(p.TargetName, sourcePath)
			sup := subprocess.New()
			res, err := sup.Run(gctx, deps.Control, name, args, deps.SubprocessTimeout, deps.ProjectRoot)
			if err != nil {
				return err
			}
			results[i] = ciCommandResult{Name: cmd.Name, Passed: res.Success, Output: res.Output}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	passed := true
	for _, r := range results {
		if !r.Passed {
			passed = false
			break
		}
	}
	return results, passed, nil
}

func combinedOutput(results []ciCommandResult) string {
	var out string
	for _, r := range results {
		if !r.Passed {
			out += r.Name + ":\n" + r.Output + "\n"
		}
	}
	return out
}
