package sidecar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGrantLookup struct {
	covers map[string]bool
}

func (f fakeGrantLookup) Covers(grantID, path string) (bool, error) {
	return f.covers[grantID+"|"+path], nil
}

func TestSafeWriteWithinAllowlist(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "models"), 0o755))

	store := New(root, "", []string{"app/models"}, nil)
	target := filepath.Join(root, "app", "models", "user.rb")
	require.NoError(t, store.SafeWrite(target, []byte("class User; end"), ""))

	var got string
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	got = string(data)
	assert.Contains(t, got, "class User")
}

func TestSafeWriteOutsideAllowlistFails(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))
	store := New(root, "", []string{"app/models"}, nil)

	target := filepath.Join(root, "config", "secrets.rb")
	err := store.SafeWrite(target, []byte("x"), "")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatPathEscape))
}

func TestSafeWriteGrantScoped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "models"), 0o755))
	target := filepath.Join(root, "app", "models", "user.rb")

	lookup := fakeGrantLookup{covers: map[string]bool{"g1|" + target: true}}
	store := New(root, "", []string{"app/models"}, lookup)

	require.NoError(t, store.SafeWrite(target, []byte("ok"), "g1"))

	err := store.SafeWrite(target, []byte("ok"), "g2")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLockViolation))
}

func TestWriteAndReadJSONRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := New(root, "", []string{"."}, nil)
	path := filepath.Join(root, "analysis.json")

	type analysis struct {
		Status string `json:"status"`
	}
	require.NoError(t, store.WriteJSON(path, analysis{Status: "analyzed"}, ""))

	var got analysis
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "analyzed", got.Status)
}

func TestReadJSONMissingIsNotFound(t *testing.T) {
	err := ReadJSON("/nonexistent/path/x.json", &struct{}{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestMergeDecisionRecords(t *testing.T) {
	existing := []DecisionRecord{
		{ID: "a", Title: "A", Timestamp: time.Now()},
		{ID: "b", Title: "B", Timestamp: time.Now()},
	}
	incoming := []DecisionRecord{
		{ID: "b", Title: "B updated", Timestamp: time.Now()},
		{ID: "c", Title: "C", Timestamp: time.Now()},
	}
	merged := MergeDecisionRecords(existing, incoming)
	require.Len(t, merged, 3)
	assert.Equal(t, "B updated", merged[1].Title)
	assert.Equal(t, "C", merged[2].Title)
}

func TestSafeWriteSidecarRootBypassesAllowlistAndGrant(t *testing.T) {
	root := t.TempDir()
	sidecarRoot := filepath.Join(root, ".enhance")
	require.NoError(t, os.MkdirAll(filepath.Join(sidecarRoot, "user.rb"), 0o755))

	// Allowlist only covers applied writes under app/models, never the
	// sidecar directory itself — mirrors the production enhance allowlist.
	lookup := fakeGrantLookup{covers: map[string]bool{}}
	store := New(root, sidecarRoot, []string{"app/models"}, lookup)

	target := filepath.Join(sidecarRoot, "user.rb", "analysis.json")
	require.NoError(t, store.SafeWrite(target, []byte(`{"ok":true}`), ""))

	// Same bypass applies to a grant-scoped sidecar write (a batch's own
	// apply.json), even though the grant doesn't cover this path.
	require.NoError(t, store.SafeWrite(target, []byte(`{"ok":true}`), "g1"))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ok")
}

func TestSafeWriteAppliedWriteStillRequiresAllowlistAndGrant(t *testing.T) {
	root := t.TempDir()
	sidecarRoot := filepath.Join(root, ".enhance")
	require.NoError(t, os.MkdirAll(sidecarRoot, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))

	store := New(root, sidecarRoot, []string{"app/models"}, fakeGrantLookup{covers: map[string]bool{}})

	// Outside both the sidecar root and the allowlist: rejected.
	outside := filepath.Join(root, "config", "secrets.rb")
	err := store.SafeWrite(outside, []byte("x"), "")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatPathEscape))

	// Inside the allowlist but grant doesn't cover it: rejected.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "models"), 0o755))
	applied := filepath.Join(root, "app", "models", "user.rb")
	err = store.SafeWrite(applied, []byte("x"), "g1")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLockViolation))
}

func TestCopyFromStaging(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "app", "models"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "app", "models", "user.rb"), []byte("hi"), 0o644))

	store := New(root, "", []string{"app/models"}, nil)
	require.NoError(t, store.CopyFromStaging(staging, ""))

	data, err := os.ReadFile(filepath.Join(root, "app", "models", "user.rb"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}
