package sharedphases

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
	"github.com/quorumlabs/agentpipeline/internal/subprocess"
)

type fakeStore struct {
	mu     sync.Mutex
	wf     map[string]*core.Workflow
	errors []string
}

func newFakeStore(w *core.Workflow) *fakeStore {
	return &fakeStore{wf: map[string]*core.Workflow{w.Name: w}}
}

func (f *fakeStore) WithLock(name string, fn func(w *core.Workflow)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.wf[name])
}

func (f *fakeStore) AppendError(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
}

func testDeps(t *testing.T, projectRoot string, cliPath string) Deps {
	t.Helper()
	agent := agentclient.New(agentclient.Config{
		CLIPath:     cliPath,
		CLIPoolSize: 2,
		APIPoolSize: 2,
		CLITimeout:  2 * time.Second,
	})
	return Deps{
		Agent:             agent,
		Sidecar:           sidecar.New(projectRoot, "", []string{"."}, nil),
		Subprocess:        subprocess.New(),
		ProjectRoot:       projectRoot,
		SubprocessTimeout: 2 * time.Second,
	}
}

func TestSharedApplySkipDecision(t *testing.T) {
	root := t.TempDir()
	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHAwaitingDecisions
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	skipped := core.StatusHSkipped
	err := SharedApply(context.Background(), deps, ApplyParams{
		TargetName:     "user.rb",
		SkippedStatus:  &skipped,
		ApplyingStatus: core.StatusHApplying,
		AppliedStatus:  core.StatusHApplied,
		GetDecision:    func(w *core.Workflow) json.RawMessage { return w.Decision },
		GetAnalysis:    func(w *core.Workflow) json.RawMessage { return w.Analysis },
		SetApplyResult: func(w *core.Workflow, r json.RawMessage) { w.ApplyResult = r },
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHSkipped, w.Status)
}

func TestSharedApplyWritesResultAndStages(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "user.rb"), []byte("class User; end"), 0o644))
	sidecarDir := filepath.Join(root, ".harden", "user.rb")

	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHAwaitingDecisions
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	err := SharedApply(context.Background(), deps, ApplyParams{
		TargetName:     "user.rb",
		ApplyingStatus: core.StatusHApplying,
		AppliedStatus:  core.StatusHApplied,
		SidecarDir:     sidecarDir,
		StagingSubdir:  "staging",
		PromptKey:      "apply",
		SidecarFile:    filepath.Join(sidecarDir, "hardened.json"),
		GetDecision:    func(w *core.Workflow) json.RawMessage { return w.Decision },
		GetAnalysis:    func(w *core.Workflow) json.RawMessage { return w.Analysis },
		SetApplyResult: func(w *core.Workflow, r json.RawMessage) { w.ApplyResult = r },
		ApplyPromptFn: func(source string, analysis, decision json.RawMessage, stagingDir string) string {
			return `{"summary":"hardened"}`
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHApplied, w.Status)
	assert.Equal(t, "class User; end", w.OriginalSource)
	assert.Contains(t, string(w.ApplyResult), "hardened")
	assert.FileExists(t, filepath.Join(sidecarDir, "hardened.json"))
}

func TestSharedApplyFailureAppendsGlobalError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "user.rb"), []byte("class User; end"), 0o644))
	sidecarDir := filepath.Join(root, ".harden", "user.rb")

	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHAwaitingDecisions
	store := newFakeStore(w)

	deps := testDeps(t, root, "/nonexistent/agent-cli-that-does-not-exist")
	deps.Store = store

	err := SharedApply(context.Background(), deps, ApplyParams{
		TargetName:     "user.rb",
		ApplyingStatus: core.StatusHApplying,
		AppliedStatus:  core.StatusHApplied,
		SidecarDir:     sidecarDir,
		StagingSubdir:  "staging",
		PromptKey:      "apply",
		SidecarFile:    filepath.Join(sidecarDir, "hardened.json"),
		GetDecision:    func(w *core.Workflow) json.RawMessage { return w.Decision },
		GetAnalysis:    func(w *core.Workflow) json.RawMessage { return w.Analysis },
		SetApplyResult: func(w *core.Workflow, r json.RawMessage) { w.ApplyResult = r },
		ApplyPromptFn: func(source string, analysis, decision json.RawMessage, stagingDir string) string {
			return "irrelevant, the CLI binary itself is missing"
		},
	})
	require.Error(t, err)
	assert.Equal(t, core.StatusError, w.Status)
	require.Len(t, store.errors, 1)
	assert.Contains(t, store.errors[0], "user.rb")
}

func TestSharedTestPassesOnFirstAttempt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "user.rb"), []byte("class User; end"), 0o644))
	sidecarDir := filepath.Join(root, ".harden", "user.rb")
	require.NoError(t, os.MkdirAll(sidecarDir, 0o755))

	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHHardened
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	var nextCalled bool
	err := SharedTest(context.Background(), deps, TestParams{
		TargetName:  "user.rb",
		Guard:       core.StatusHHardened,
		Testing:     core.StatusHTesting,
		Fixing:      core.StatusHFixing,
		Tested:      core.StatusHTested,
		Failed:      core.StatusHTestsFailed,
		SidecarDir:  sidecarDir,
		SidecarFile: filepath.Join(sidecarDir, "test_results.json"),
		GetAnalysis: func(w *core.Workflow) json.RawMessage { return w.Analysis },
		TestCommandFn: func(name, source string) (string, []string) {
			return "true", nil
		},
		NextPhaseFn: func(string) { nextCalled = true },
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHTested, w.Status)
	assert.True(t, nextCalled)
	assert.FileExists(t, filepath.Join(sidecarDir, "test_results.json"))
}

func TestSharedTestGuardMismatchIsNoop(t *testing.T) {
	root := t.TempDir()
	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHApplying
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	err := SharedTest(context.Background(), deps, TestParams{
		TargetName: "user.rb",
		Guard:      core.StatusHHardened,
		TestCommandFn: func(name, source string) (string, []string) {
			return "true", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHApplying, w.Status)
}

func TestSharedTestExhaustsFixAttemptsAndFails(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "user.rb"), []byte("class User; end"), 0o644))
	sidecarDir := filepath.Join(root, ".harden", "user.rb")
	require.NoError(t, os.MkdirAll(sidecarDir, 0o755))

	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHHardened
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	err := SharedTest(context.Background(), deps, TestParams{
		TargetName:  "user.rb",
		Guard:       core.StatusHHardened,
		Testing:     core.StatusHTesting,
		Fixing:      core.StatusHFixing,
		Tested:      core.StatusHTested,
		Failed:      core.StatusHTestsFailed,
		SidecarDir:  sidecarDir,
		SidecarFile: filepath.Join(sidecarDir, "test_results.json"),
		GetAnalysis: func(w *core.Workflow) json.RawMessage { return w.Analysis },
		TestCommandFn: func(name, source string) (string, []string) {
			return "false", nil
		},
		FixPromptFn: func(source, output string, analysis json.RawMessage, stagingDir string) string {
			return `{"summary":"fix attempt"}`
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHTestsFailed, w.Status)

	var doc testResultsDoc
	require.NoError(t, sidecar.ReadJSON(filepath.Join(sidecarDir, "test_results.json"), &doc))
	assert.Len(t, doc.Attempts, MaxFixAttempts+1)
	assert.False(t, doc.Passed)
}

func TestSharedCiCheckAllPass(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "user.rb"), []byte("class User; end"), 0o644))
	sidecarDir := filepath.Join(root, ".harden", "user.rb")
	require.NoError(t, os.MkdirAll(sidecarDir, 0o755))

	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHTested
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	err := SharedCiCheck(context.Background(), deps, CiParams{
		TargetName:  "user.rb",
		Guard:       core.StatusHTested,
		Checking:    core.StatusHCiChecking,
		Fixing:      core.StatusHFixingCi,
		Passed:      core.StatusHCiPassed,
		Failed:      core.StatusHCiFailed,
		SidecarDir:  sidecarDir,
		SidecarFile: filepath.Join(sidecarDir, "ci_results.json"),
		GetAnalysis: func(w *core.Workflow) json.RawMessage { return w.Analysis },
		Commands: []CiCommand{
			{Name: "rubocop", Build: func(string, string) (string, []string) { return "true", nil }},
			{Name: "brakeman", Build: func(string, string) (string, []string) { return "true", nil }},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHCiPassed, w.Status)
}

func TestSharedVerifyRecordsResult(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "user.rb"), []byte("class User; end"), 0o644))
	sidecarDir := filepath.Join(root, ".harden", "user.rb")
	require.NoError(t, os.MkdirAll(sidecarDir, 0o755))

	w := core.NewWorkflow("user.rb", filepath.Join(root, "user.rb"), "user.rb", core.ModeHardening)
	w.Status = core.StatusHCiPassed
	w.OriginalSource = "class User; end"
	store := newFakeStore(w)

	deps := testDeps(t, root, "echo")
	deps.Store = store

	err := SharedVerify(context.Background(), deps, VerifyParams{
		TargetName:  "user.rb",
		Guard:       core.StatusHCiPassed,
		Verifying:   core.StatusHVerifying,
		Verified:    core.StatusHComplete,
		SidecarFile: filepath.Join(sidecarDir, "verification.json"),
		GetAnalysis: func(w *core.Workflow) json.RawMessage { return w.Analysis },
		SetVerification: func(w *core.Workflow, r json.RawMessage) { w.Verification = r },
		VerifyPromptFn: func(original, current string, analysis json.RawMessage) string {
			return `{"verified":true}`
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusHComplete, w.Status)
	assert.NotNil(t, w.CompletedAt)
	assert.Contains(t, string(w.Verification), "verified")
}

func TestDecisionActionSkip(t *testing.T) {
	assert.Equal(t, "skip", decisionAction(json.RawMessage(`{"action":"skip"}`)))
	assert.Equal(t, "", decisionAction(json.RawMessage(``)))
	assert.Equal(t, "", decisionAction(json.RawMessage(`not json`)))
}
