// Package enhance implements the per-target enhancement orchestrator:
// analyze -> research -> extract -> synthesize -> audit -> operator
// decisions -> batch planning -> per-batch apply/test/ci/verify.
package enhance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

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

// Orchestrator drives the enhancement workflow for every discovered target.
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
	return sidecar.TargetDir(filepath.Join(o.cfg.Target.ProjectRoot, o.cfg.Target.EnhanceDir), name)
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

// StartEnhance begins E0 for a target that has just completed hardening
// (h_complete) or a prior enhancement round (e_enhance_complete).
func (o *Orchestrator) StartEnhance(name, sourcePath, relativePath string) error {
	ok, msg := o.eng.TryTransition(name, engine.GuardAnyOf(core.StatusHComplete, core.StatusEEnhanceComplete), core.StatusEAnalyzing, sourcePath, relativePath, core.ModeEnhance)
	if !ok {
		return core.ErrStateGuard(name, msg, string(core.StatusEAnalyzing))
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

	prompt, err := o.prompts.Render("enhance/analyze", prompts.EAnalyzeParams{TargetName: name, Source: source})
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

	topics := parseResearchTopics(parsed["researchTopics"])

	analysisPath := filepath.Join(o.sidecarDir(name), "analysis.json")
	if err := o.sidecar.WriteJSON(analysisPath, parsed, ""); err != nil {
		o.fail(name, err)
		return
	}

	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil {
			return
		}
		w.EAnalysis = raw
		w.ResearchTopics = topics
		w.SetPrompt("enhance/analyze", prompt)
		if core.ResearchComplete(topics) {
			w.Status = core.StatusEExtracting
		} else {
			w.Status = core.StatusEAwaitingResearch
		}
	})

	if status, _ := o.eng.WorkflowStatus(name); status == core.StatusEExtracting {
		o.enqueueExtractChain(name)
	}
}

func parseResearchTopics(raw interface{}) []core.ResearchTopic {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	topics := make([]core.ResearchTopic, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		prompt, _ := m["prompt"].(string)
		if prompt == "" {
			continue
		}
		topics = append(topics, core.ResearchTopic{Prompt: prompt, Status: core.ResearchPending})
	}
	return topics
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// researchSlug lowercases s, collapses every run of non-alphanumerics to a
// single underscore, and truncates to 50 characters.
func researchSlug(s string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(s), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 50 {
		slug = slug[:50]
	}
	return slug
}

// SubmitResearch records an operator-supplied answer for one research
// topic.
func (o *Orchestrator) SubmitResearch(name string, topicIndex int, result string) error {
	return o.completeTopic(name, topicIndex, result)
}

// RejectResearchTopic marks a topic rejected, excluding it from the
// completion check.
func (o *Orchestrator) RejectResearchTopic(name string, topicIndex int) error {
	var found, complete bool
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil || topicIndex < 0 || topicIndex >= len(w.ResearchTopics) {
			return
		}
		found = true
		w.ResearchTopics[topicIndex].Status = core.ResearchRejected
		complete = core.ResearchComplete(w.ResearchTopics)
		if complete {
			w.Status = core.StatusEExtracting
		}
	})
	if !found {
		return core.ErrNotFound("research topic", fmt.Sprintf("%d", topicIndex))
	}
	if complete {
		o.enqueueExtractChain(name)
	}
	return o.writeResearchStatus(name)
}

// SubmitResearchApi marks a topic researching and launches a per-topic task
// that resolves it via the agent's web-search API call. A failure reverts
// the topic to pending and is logged globally without failing the workflow.
func (o *Orchestrator) SubmitResearchApi(name string, topicIndex int) error {
	var prompt string
	var found bool
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil || topicIndex < 0 || topicIndex >= len(w.ResearchTopics) {
			return
		}
		found = true
		w.ResearchTopics[topicIndex].Status = core.ResearchResearching
		prompt = w.ResearchTopics[topicIndex].Prompt
	})
	if !found {
		return core.ErrNotFound("research topic", fmt.Sprintf("%d", topicIndex))
	}
	if err := o.writeResearchStatus(name); err != nil {
		return err
	}

	o.eng.SafeThread("", func(ctx context.Context, cp *control.ControlPlane) {
		o.runResearchApi(ctx, name, topicIndex, prompt)
	})
	return nil
}

func (o *Orchestrator) runResearchApi(ctx context.Context, name string, topicIndex int, topicPrompt string) {
	rendered, err := o.prompts.Render("enhance/research-api", prompts.ResearchAPIParams{TargetName: name, Topic: topicPrompt})
	if err != nil {
		o.revertResearchTopic(name, topicIndex, err)
		return
	}
	result, err := o.agent.APICall(ctx, o.eng.Control(), rendered)
	if err != nil {
		o.revertResearchTopic(name, topicIndex, err)
		return
	}
	if err := o.completeTopic(name, topicIndex, result); err != nil {
		o.revertResearchTopic(name, topicIndex, err)
	}
}

func (o *Orchestrator) revertResearchTopic(name string, topicIndex int, cause error) {
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil || topicIndex < 0 || topicIndex >= len(w.ResearchTopics) {
			return
		}
		w.ResearchTopics[topicIndex].Status = core.ResearchPending
	})
	o.eng.AppendError(fmt.Sprintf("%s: research topic %d: %v", name, topicIndex, cause))
}

func (o *Orchestrator) completeTopic(name string, topicIndex int, result string) error {
	var prompt string
	var found bool
	var complete bool
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w == nil || topicIndex < 0 || topicIndex >= len(w.ResearchTopics) {
			return
		}
		found = true
		w.ResearchTopics[topicIndex].Status = core.ResearchCompleted
		w.ResearchTopics[topicIndex].Result = result
		prompt = w.ResearchTopics[topicIndex].Prompt
		complete = core.ResearchComplete(w.ResearchTopics)
		if complete {
			w.Status = core.StatusEExtracting
		}
	})
	if !found {
		return core.ErrNotFound("research topic", fmt.Sprintf("%d", topicIndex))
	}

	slug := researchSlug(prompt)
	mdPath := filepath.Join(o.sidecarDir(name), "research", slug+".md")
	if err := o.sidecar.SafeWrite(mdPath, []byte(result), ""); err != nil {
		return err
	}
	if err := o.writeResearchStatus(name); err != nil {
		return err
	}
	if complete {
		o.enqueueExtractChain(name)
	}
	return nil
}

func (o *Orchestrator) writeResearchStatus(name string) error {
	var topics []core.ResearchTopic
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			topics = w.ResearchTopics
		}
	})
	path := filepath.Join(o.sidecarDir(name), "research_status.json")
	return o.sidecar.WriteJSON(path, topics, "")
}

func (o *Orchestrator) enqueueExtractChain(name string) {
	o.eng.Enqueue(name, "e_extracting", nil, func(ctx context.Context, cp *control.ControlPlane) {
		o.runExtractChain(ctx, name)
	})
}
