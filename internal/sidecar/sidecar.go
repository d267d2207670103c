// Package sidecar reads and writes the per-target JSON artifacts that let
// the pipeline resume across restarts, enforcing the write-path allowlist
// and staging-then-copy discipline.
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
)

// Store resolves sidecar paths and enforces the write-path allowlist for
// one project root.
type Store struct {
	ProjectRoot string
	// SidecarRoot is the hidden bookkeeping directory this Store writes
	// artifacts under (e.g. "<ProjectRoot>/.enhance"). Writes resolving
	// under it are sidecar bookkeeping, not applied writes, and bypass
	// both Allowlist and the grant-coverage check below: Allowlist and
	// lock grants govern paths written through the apply/fix pipeline
	// into the project tree, not the orchestrator's own state files.
	SidecarRoot string
	Allowlist   []string
	Locks       GrantLookup
}

// GrantLookup resolves a grant id to its write-path set, for SafeWrite's
// grant-scoped check. Implemented by *lockmanager.Manager.
type GrantLookup interface {
	Covers(grantID, path string) (bool, error)
}

// New constructs a Store. sidecarRoot is the bookkeeping directory this
// Store owns (pass "" if the Store never distinguishes one, e.g. in tests
// that use the same directory for both).
func New(projectRoot, sidecarRoot string, allowlist []string, locks GrantLookup) *Store {
	return &Store{ProjectRoot: projectRoot, SidecarRoot: sidecarRoot, Allowlist: allowlist, Locks: locks}
}

// SafeWrite resolves realpath(dirname(path)). Writes under SidecarRoot are
// bookkeeping and always allowed. Every other write must resolve within
// Allowlist (each entry resolved relative to ProjectRoot), and — if a
// grantID is supplied — requires the grant to exist, be active, and cover
// path exactly. Hardening mode passes no grant; enhance mode's applied
// writes always do.
func (s *Store) SafeWrite(path string, content []byte, grantID string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sidecar dir %q: %w", dir, err)
	}
	realDir, err := fsutil.RealParentDir(path)
	if err != nil {
		return err
	}
	bookkeeping := s.SidecarRoot != "" && fsutil.WithinAllowlist(s.ProjectRoot, realDir, []string{s.SidecarRoot})
	if !bookkeeping && !fsutil.WithinAllowlist(s.ProjectRoot, realDir, s.Allowlist) {
		return core.ErrPathEscape(path)
	}
	if grantID != "" && !bookkeeping {
		if s.Locks == nil {
			return core.ErrLockViolation("no lock manager configured for a grant-scoped write")
		}
		ok, err := s.Locks.Covers(grantID, path)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrLockViolation(fmt.Sprintf("grant %s does not cover %q", grantID, path))
		}
	}
	return renameio.WriteFile(path, content, 0o644)
}

// CopyFromStaging walks stagingDir and, for each file <stagingDir>/<rel>,
// computes <ProjectRoot>/<rel>, creates parents, and SafeWrites it.
func (s *Store) CopyFromStaging(stagingDir, grantID string) error {
	rels, err := fsutil.WalkStagingFiles(stagingDir)
	if err != nil {
		return fmt.Errorf("walk staging dir %q: %w", stagingDir, err)
	}
	for _, rel := range rels {
		src := filepath.Join(stagingDir, rel)
		dst, err := fsutil.SafeJoin(s.ProjectRoot, rel)
		if err != nil {
			return err
		}
		content, err := fsutil.ReadFileScoped(src)
		if err != nil {
			return fmt.Errorf("read staged file %q: %w", src, err)
		}
		if err := s.SafeWrite(dst, content, grantID); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON pretty-prints v with a trailing newline and writes it via
// SafeWrite.
func (s *Store) WriteJSON(path string, v interface{}, grantID string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar json: %w", err)
	}
	data = append(data, '\n')
	return s.SafeWrite(path, data, grantID)
}

// ReadJSON reads and parses path into v. A malformed or missing file is
// reported as core.ErrNotFound so callers can treat the phase as not yet
// run and re-execute it (sidecars are idempotent w.r.t. their inputs).
func ReadJSON(path string, v interface{}) error {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return core.ErrNotFound("sidecar", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ErrNotFound("sidecar", path)
	}
	return nil
}

// Exists reports whether a sidecar file is present and parses as JSON.
func Exists(path string) bool {
	var v interface{}
	return ReadJSON(path, &v) == nil
}

// TargetDir returns <sidecarRoot>/<targetBasename>, the per-target hidden
// directory layout shared by both modes.
func TargetDir(sidecarRoot, targetName string) string {
	return filepath.Join(sidecarRoot, targetName)
}

// BatchDir returns the batch sidecar directory under an enhance target dir.
func BatchDir(targetDir, batchID string) string {
	return filepath.Join(targetDir, "batches", batchID)
}

// StagingDir returns the staging subdirectory of a sidecar directory.
func StagingDir(dir string) string {
	return filepath.Join(dir, "staging")
}
