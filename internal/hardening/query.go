package hardening

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/prompts"
)

// AskQuestion appends a pending query for name and launches a background
// task that answers it via the agent, updating its status on completion.
func (o *Orchestrator) AskQuestion(name, question string) (string, error) {
	return o.ask(name, "question", question, "")
}

// ExplainFinding appends a pending query asking the agent to explain one
// finding, resolved via exact-or-fuzzy lookup against the recorded
// analysis (see findFinding).
func (o *Orchestrator) ExplainFinding(name, findingQuery string) (string, error) {
	var analysisJSON []byte
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			analysisJSON = w.Analysis
		}
	})
	finding, ok := findFinding(analysisJSON, findingQuery)
	if !ok {
		return "", core.ErrNotFound("finding", findingQuery)
	}
	return o.ask(name, "explain_finding", fmt.Sprintf("Explain finding %q: %s", finding.ID(), finding.Title()), finding.ID())
}

func (o *Orchestrator) ask(name, qType, question, findingID string) (string, error) {
	id := uuid.NewString()
	o.eng.AppendQuery(core.Query{
		ID:         id,
		TargetName: name,
		Type:       qType,
		Question:   question,
		FindingID:  findingID,
		Status:     core.QueryPending,
		CreatedAt:  time.Now(),
	})

	o.eng.SafeThread(name, func(ctx context.Context, cp *control.ControlPlane) {
		o.answerQuery(ctx, id, name, question, findingID)
	})
	return id, nil
}

func (o *Orchestrator) answerQuery(ctx context.Context, id, name, question, findingID string) {
	var analysisJSON []byte
	o.eng.WithLock(name, func(w *core.Workflow) {
		if w != nil {
			analysisJSON = w.Analysis
		}
	})

	prompt, err := o.prompts.Render("hardening/question", prompts.QuestionParams{
		TargetName: name,
		Question:   question,
		FindingID:  findingID,
		Analysis:   analysisJSON,
	})
	if err != nil {
		o.failQuery(id, err)
		return
	}

	response, err := o.agent.CLICall(ctx, o.eng.Control(), prompt)
	if err != nil {
		o.failQuery(id, err)
		return
	}

	o.eng.UpdateQuery(id, func(q *core.Query) {
		q.Result = response
		q.Status = core.QueryComplete
	})
}

func (o *Orchestrator) failQuery(id string, err error) {
	o.eng.UpdateQuery(id, func(q *core.Query) {
		q.Error = err.Error()
		q.Status = core.QueryError
	})
}
