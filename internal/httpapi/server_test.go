package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/config"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/enhance"
	"github.com/quorumlabs/agentpipeline/internal/hardening"
	"github.com/quorumlabs/agentpipeline/internal/lockmanager"
	"github.com/quorumlabs/agentpipeline/internal/prompts"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

// fakeResponse satisfies every hardening phase's tolerant parse at once.
const fakeResponse = `{"risk":5,"findings":[{"id":"f1","title":"SQL injection","severity":"high","description":"unsanitized query","recommendation":"use parameterized queries"}],"summary":"applied","verified":true}`

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeAgentCLI(t *testing.T, root, response string) string {
	t.Helper()
	path := filepath.Join(root, "fake-agent.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n" + response + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestServer(t *testing.T, root, cliPath string) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Target.ProjectRoot = root
	cfg.Target.HardeningDir = ".harden"
	cfg.Target.EnhanceDir = ".enhance"
	cfg.Target.TestCommand = []string{"true"}
	cfg.Commands.StaticAnalysis = nil

	hardenStore := sidecar.New(root, filepath.Join(root, ".harden"), []string{".harden"}, nil)
	locks := lockmanager.New()
	t.Cleanup(locks.Stop)
	enhanceStore := sidecar.New(root, filepath.Join(root, ".enhance"), []string{".enhance"}, locks)

	eng := engine.New(&cfg, control.New(), locks, nil, hardenStore, enhanceStore, silentLogger())

	renderer, err := prompts.New()
	require.NoError(t, err)

	agent := agentclient.New(agentclient.Config{
		CLIPath:     cliPath,
		CLIPoolSize: 2,
		APIPoolSize: 2,
		CLITimeout:  2 * time.Second,
	})

	harden := hardening.New(eng, agent, hardenStore, renderer, &cfg, silentLogger())
	enh := enhance.New(eng, agent, enhanceStore, renderer, &cfg, silentLogger())

	return NewServer(eng, harden, enh, silentLogger())
}

func seedHardeningAnalyzing(t *testing.T, s *Server, name string) {
	t.Helper()
	ok, msg := s.eng.TryTransition(name, engine.GuardNotActive(), core.StatusHAnalyzing, filepath.Join(name), name, core.ModeHardening)
	require.True(t, ok, msg)
}

func decodeJSON(t *testing.T, body *bytes.Buffer, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body.Bytes(), v))
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, t.TempDir(), "true")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeJSON(t, rec.Body, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestHandleStateReturnsEngineSnapshot(t *testing.T) {
	s := newTestServer(t, t.TempDir(), "true")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]interface{}
	decodeJSON(t, rec.Body, &snap)
	assert.Contains(t, snap, "phase")
	assert.Contains(t, snap, "workflows")
}

func TestHandleRunAnalysisStartsHardeningChain(t *testing.T) {
	root := t.TempDir()
	srcPath := filepath.Join(root, "user.rb")
	require.NoError(t, os.WriteFile(srcPath, []byte("class User; end"), 0o644))

	s := newTestServer(t, root, fakeAgentCLI(t, root, fakeResponse))

	reqBody, err := json.Marshal(targetPathRequest{SourcePath: srcPath, RelativePath: "user.rb"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/user.rb/harden/analysis", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	deadline := time.Now().Add(2 * time.Second)
	var status core.Status
	for time.Now().Before(deadline) {
		var found bool
		status, found = s.eng.WorkflowStatus("user.rb")
		if found && status == core.StatusHAwaitingDecisions {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, core.StatusHAwaitingDecisions, status)
}

func TestHandleRunAnalysisInvalidBodyReturnsBadRequest(t *testing.T) {
	s := newTestServer(t, t.TempDir(), "true")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/user.rb/harden/analysis", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitDecisionRejectsOutsideAwaitingDecisions(t *testing.T) {
	s := newTestServer(t, t.TempDir(), "true")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/user.rb/harden/decision", bytes.NewReader([]byte(`{"action":"apply"}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleAskQuestionReturnsQueryID(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(t, root, fakeAgentCLI(t, root, fakeResponse))
	seedHardeningAnalyzing(t, s, "user.rb")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/user.rb/harden/ask", bytes.NewReader([]byte(`{"question":"why is this flagged?"}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	decodeJSON(t, rec.Body, &body)
	assert.NotEmpty(t, body["queryId"])
}

func TestHandleStartEnhanceRejectsWithoutPriorCompletion(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(t, root, "true")

	reqBody, err := json.Marshal(targetPathRequest{SourcePath: filepath.Join(root, "user.rb"), RelativePath: "user.rb"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/user.rb/enhance/start", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleCancelAndReset(t *testing.T) {
	s := newTestServer(t, t.TempDir(), "true")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.eng.Control().Cancelled())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reset", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
