package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/agentpipeline/internal/config"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/lockmanager"
	"github.com/quorumlabs/agentpipeline/internal/scheduler"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, root string) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Target.ProjectRoot = root
	cfg.Target.DiscoveryGlob = "app/**/*.rb"
	cfg.Target.HardeningDir = ".harden"
	cfg.Target.EnhanceDir = ".enhance"

	harden := sidecar.New(root, filepath.Join(root, ".harden"), []string{".harden"}, nil)
	enhance := sidecar.New(root, filepath.Join(root, ".enhance"), []string{".enhance"}, nil)
	locks := lockmanager.New()
	t.Cleanup(locks.Stop)

	return New(&cfg, control.New(), locks, nil, harden, enhance, silentLogger())
}

func TestTryTransitionNotActiveCreatesWorkflow(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ok, msg := e.TryTransition("user.rb", GuardNotActive(), core.StatusHAnalyzing, "/src/user.rb", "user.rb", core.ModeHardening)
	require.True(t, ok, msg)

	status, found := e.WorkflowStatus("user.rb")
	require.True(t, found)
	assert.Equal(t, core.StatusHAnalyzing, status)
}

func TestTryTransitionNotActiveRejectsWhileActive(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ok, _ := e.TryTransition("user.rb", GuardNotActive(), core.StatusHAnalyzing, "/src/user.rb", "user.rb", core.ModeHardening)
	require.True(t, ok)

	ok, msg := e.TryTransition("user.rb", GuardNotActive(), core.StatusHAnalyzing, "/src/user.rb", "user.rb", core.ModeHardening)
	assert.False(t, ok)
	assert.NotEmpty(t, msg)
}

func TestTryTransitionSingleWinnerUnderConcurrency(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ok, _ := e.TryTransition("user.rb", GuardNotActive(), core.StatusHAwaitingDecisions, "/src/user.rb", "user.rb", core.ModeHardening)
	require.True(t, ok)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := e.TryTransition("user.rb", GuardStatus(core.StatusHAwaitingDecisions), core.StatusHApplying, "", "", ""); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTryTransitionAnyOfGuard(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, _ = e.TryTransition("user.rb", GuardNotActive(), core.StatusHCiFailed, "/src/user.rb", "user.rb", core.ModeHardening)

	ok, _ := e.TryTransition("user.rb", GuardAnyOf(core.StatusHCiFailed, core.StatusHTestsFailed), core.StatusHTesting, "", "", "")
	assert.True(t, ok)
}

func TestDiscoverFindsTargetsAndResumesStatus(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "models"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "models", "user.rb"), []byte("class User; end"), 0o644))

	hardDir := filepath.Join(root, ".harden", "app/models/user.rb")
	require.NoError(t, os.MkdirAll(hardDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hardDir, "analysis.json"), []byte(`{"risk":3,"findings":[{"id":"f1"}]}`), 0o644))

	e := newTestEngine(t, root)
	require.NoError(t, e.Discover(context.Background()))

	assert.Equal(t, core.GlobalReady, e.Phase())
	status, found := e.WorkflowStatus("app/models/user.rb")
	require.True(t, found)
	assert.Equal(t, core.StatusHAwaitingDecisions, status)
}

func TestDiscoverIsIdempotentAndDoesNotClobberActiveWorkflow(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "models"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "models", "user.rb"), []byte("class User; end"), 0o644))

	e := newTestEngine(t, root)
	require.NoError(t, e.Discover(context.Background()))

	ok, _ := e.TryTransition("app/models/user.rb", GuardNotActive(), core.StatusHAnalyzing, "", "", core.ModeHardening)
	require.True(t, ok)

	require.NoError(t, e.Discover(context.Background()))
	status, _ := e.WorkflowStatus("app/models/user.rb")
	assert.Equal(t, core.StatusHAnalyzing, status)
}

func TestSafeThreadRecoversPanicIntoWorkflowError(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, _ = e.TryTransition("user.rb", GuardNotActive(), core.StatusHAnalyzing, "/src/user.rb", "user.rb", core.ModeHardening)

	done := make(chan struct{})
	e.SafeThread("user.rb", func(ctx context.Context, cp *control.ControlPlane) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("safe thread never completed")
	}
	// give the deferred recover a moment to commit the error under lock
	time.Sleep(50 * time.Millisecond)
	status, _ := e.WorkflowStatus("user.rb")
	assert.Equal(t, core.StatusError, status)
}

func TestToJSONCachesWithinTTL(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	first, err := e.ToJSON()
	require.NoError(t, err)

	_, _ = e.TryTransition("user.rb", GuardNotActive(), core.StatusHAnalyzing, "/src/user.rb", "user.rb", core.ModeHardening)
	second, err := e.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "cached snapshot should not reflect the mutation yet")

	time.Sleep(snapshotTTL + 20*time.Millisecond)
	third, err := e.ToJSON()
	require.NoError(t, err)
	assert.NotEqual(t, string(first), string(third))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(third, &parsed))
	assert.Contains(t, parsed, "workflows")
}

func TestResetClearsWorkflows(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, _ = e.TryTransition("user.rb", GuardNotActive(), core.StatusHAnalyzing, "/src/user.rb", "user.rb", core.ModeHardening)

	e.Reset()
	_, found := e.WorkflowStatus("user.rb")
	assert.False(t, found)
	assert.Equal(t, core.GlobalIdle, e.Phase())
}

func TestWatcherRefreshesStaleOnSourceWrite(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "models"), 0o755))
	srcPath := filepath.Join(root, "app", "models", "user.rb")
	require.NoError(t, os.WriteFile(srcPath, []byte("class User; end"), 0o644))

	hardDir := filepath.Join(root, ".harden", "app/models/user.rb")
	require.NoError(t, os.MkdirAll(hardDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hardDir, "analysis.json"), []byte(`{"risk":1,"findings":[]}`), 0o644))

	e := newTestEngine(t, root)
	require.NoError(t, e.Discover(context.Background()))

	data, err := e.ToJSON()
	require.NoError(t, err)
	var before struct {
		Targets []core.Target `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(data, &before))
	require.Len(t, before.Targets, 1)
	require.False(t, before.Targets[0].Stale, "freshly discovered target with newer analysis than source should not start stale")

	watcher, err := e.StartWatch()
	require.NoError(t, err)
	defer watcher.Stop()

	// Touch the source file so its mtime moves past analysis.json's,
	// simulating an on-disk edit the watcher should notice.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(srcPath, []byte("class User; def x; end; end"), 0o644))

	require.Eventually(t, func() bool {
		data, err := e.ToJSON()
		if err != nil {
			return false
		}
		var snap struct {
			Targets []core.Target `json:"targets"`
		}
		if json.Unmarshal(data, &snap) != nil || len(snap.Targets) != 1 {
			return false
		}
		return snap.Targets[0].Stale
	}, 2*time.Second, 20*time.Millisecond, "watcher should mark the target stale without a full Discover pass")
}

func TestResetClearsSchedulerQueue(t *testing.T) {
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Target.ProjectRoot = root

	locks := lockmanager.New()
	t.Cleanup(locks.Stop)
	sched := scheduler.New(locks, func() bool { return false }) // never free: items stay queued
	t.Cleanup(sched.Stop)

	harden := sidecar.New(root, filepath.Join(root, ".harden"), []string{".harden"}, nil)
	enhance := sidecar.New(root, filepath.Join(root, ".enhance"), []string{".enhance"}, nil)
	e := New(&cfg, control.New(), locks, sched, harden, enhance, silentLogger())

	e.Enqueue("user.rb", "e_analyzing", nil, func(context.Context, *control.ControlPlane) {})
	require.Eventually(t, func() bool { return sched.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	e.Reset()
	assert.Equal(t, 0, sched.QueueDepth())
}
