// Package hardening implements the per-target hardening orchestrator:
// analyze -> operator decision -> apply -> test -> ci -> verify, plus the
// ad-hoc query surface (askQuestion/explainFinding).
package hardening

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/sahilm/fuzzy"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/config"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
	"github.com/quorumlabs/agentpipeline/internal/prompts"
	"github.com/quorumlabs/agentpipeline/internal/sharedphases"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
	"github.com/quorumlabs/agentpipeline/internal/subprocess"
)

// Orchestrator drives the hardening workflow for every discovered target.
type Orchestrator struct {
	eng     *engine.Engine
	agent   *agentclient.Client
	sidecar *sidecar.Store
	prompts *prompts.Renderer
	cfg     *config.Config
	logger  *slog.Logger
}

// New constructs an Orchestrator.
func New(eng *engine.Engine, agent *agentclient.Client, store *sidecar.Store, renderer *prompts.Renderer, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{eng: eng, agent: agent, sidecar: store, prompts: renderer, cfg: cfg, logger: logger}
}

func (o *Orchestrator) sidecarDir(name string) string {
	return sidecar.TargetDir(filepath.Join(o.cfg.Target.ProjectRoot, o.cfg.Target.HardeningDir), name)
}

func (o *Orchestrator) deps() sharedphases.Deps {
	return sharedphases.Deps{
		Store:             o.eng,
		Agent:             o.agent,
		Sidecar:           o.sidecar,
		Control:           o.eng.Control(),
		Subprocess:        subprocess.New(),
		ProjectRoot:       o.cfg.Target.ProjectRoot,
		SubprocessTimeout: o.cfg.Agent.SubprocessTimeout,
	}
}

type analysisDoc struct {
	Risk     int        `json:"risk"`
	Findings []core.Item `json:"findings"`
}

// RunAnalysis starts a fresh analysis for name, or no-ops if the workflow
// is already active.
func (o *Orchestrator) RunAnalysis(name, sourcePath, relativePath string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardNotActive(), core.StatusHAnalyzing, sourcePath, relativePath, core.ModeHardening)
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusHAnalyzing))
	}

	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.runAnalysis(ctx, name)
	})
	return nil
}

func (o *Orchestrator) runAnalysis(ctx context.Context, name string) {
	var sourcePath string
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			sourcePath = w.SourcePath
		}
	})
	if sourcePath == "" {
		return
	}

	source, err := readScoped(sourcePath)
	if err != nil {
		o.fail(name, err)
		return
	}

	prompt, err := o.prompts.Render("hardening/analyze", prompts.AnalyzeParams{TargetName: name, Source: source})
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
	raw, err := json.Marshal(parsed)
	if err != nil {
		o.fail(name, err)
		return
	}

	analysisPath := filepath.Join(o.sidecarDir(name), "analysis.json")
	if err := o.sidecar.WriteJSON(analysisPath, parsed, ""); err != nil {
		o.fail(name, err)
		return
	}

	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil {
			return
		}
		w.Analysis = raw
		w.SetPrompt("hardening/analyze", prompt)
		w.Status = core.StatusHAwaitingDecisions
	})
}

// LoadExistingAnalysis reads the sidecar analysis.json for name without
// invoking the agent, for resuming a workflow that already has one.
func (o *Orchestrator) LoadExistingAnalysis(name, sourcePath, relativePath string) error {
	analysisPath := filepath.Join(o.sidecarDir(name), "analysis.json")
	var doc json.RawMessage
	if err := sidecar.ReadJSON(analysisPath, &doc); err != nil {
		return err
	}

	ok, msg := o.eng.TryTransition(name, engine.GuardNotActive(), core.StatusHAwaitingDecisions, sourcePath, relativePath, core.ModeHardening)
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusHAwaitingDecisions))
	}
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			w.Analysis = doc
		}
	})
	return nil
}

func (o *Orchestrator) fail(name string, err error) {
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil {
			return
		}
		w.MarkError(err.Error())
	})
	o.eng.AppendError(fmt.Sprintf("%s: %v", name, err))
}

func readScoped(path string) (string, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// findFinding resolves a findingId argument against a target's recorded
// analysis, first by exact id match, then falling back to fuzzy matching
// against id and title (supplementing the spec's exact-id lookup per
// DESIGN.md).
func findFinding(analysis json.RawMessage, query string) (core.Item, bool) {
	var doc analysisDoc
	if err := json.Unmarshal(analysis, &doc); err != nil {
		return nil, false
	}
	for _, f := range doc.Findings {
		if f.ID() == query {
			return f, true
		}
	}

	candidates := make([]string, len(doc.Findings))
	for i, f := range doc.Findings {
		candidates[i] = f.ID() + " " + f.Title()
	}
	matches := fuzzy.Find(query, candidates)
	if len(matches) == 0 {
		return nil, false
	}
	return doc.Findings[matches[0].Index], true
}
