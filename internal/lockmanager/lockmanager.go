// Package lockmanager tracks file-level write-lock grants with all-or-
// nothing acquisition, rejecting directory locks and TTL-reaping expired
// grants.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/fsutil"
)

// DefaultTTL is the grant lifetime extended by Renew and set on Acquire.
const DefaultTTL = 30 * time.Minute

// ReapInterval is how often the background reaper sweeps expired grants.
const ReapInterval = 60 * time.Second

// Manager owns the grants table and reaper loop.
type Manager struct {
	mu     sync.Mutex
	grants map[string]*core.LockGrant
	ttl    time.Duration
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Manager and starts its reaper goroutine.
func New() *Manager {
	m := &Manager{
		grants: make(map[string]*core.LockGrant),
		ttl:    DefaultTTL,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// TryAcquire attempts a non-blocking all-or-nothing acquisition for holder
// over writePaths. Rejects any path that is an existing directory with an
// OverLock error. Returns (nil, nil) on conflict (no error, no grant) and
// (grant, nil) on success.
func (m *Manager) TryAcquire(holder string, writePaths []string) (*core.LockGrant, error) {
	for _, p := range writePaths {
		if fsutil.IsDir(p) {
			return nil, core.ErrOverLock(p)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, g := range m.grants {
		if !g.Active(now) {
			continue
		}
		if g.IntersectsPaths(writePaths) {
			return nil, nil
		}
	}

	grant := &core.LockGrant{
		ID:         uuid.NewString(),
		Holder:     holder,
		WritePaths: append([]string(nil), writePaths...),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.grants[grant.ID] = grant
	return grant, nil
}

// Acquire loops calling TryAcquire with a 0.5s sleep between attempts,
// failing with a Timeout error after timeout elapses.
func (m *Manager) Acquire(ctx context.Context, holder string, writePaths []string, timeout time.Duration) (*core.LockGrant, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		grant, err := m.TryAcquire(holder, writePaths)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			return grant, nil
		}
		if time.Now().After(deadline) {
			return nil, core.ErrTimeout("lock acquisition timed out")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release marks a grant released. Idempotent; a missing grant id is a no-op.
func (m *Manager) Release(grantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grants[grantID]; ok {
		g.Released = true
	}
}

// Renew extends a grant's ExpiresAt by the TTL. No-op if already released
// or unknown.
func (m *Manager) Renew(grantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[grantID]
	if !ok || g.Released {
		return
	}
	g.ExpiresAt = m.now().Add(m.ttl)
}

// Covers reports whether grantID is active and covers path exactly,
// implementing sidecar.GrantLookup.
func (m *Manager) Covers(grantID, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[grantID]
	if !ok {
		return false, nil
	}
	return g.Active(m.now()) && g.Covers(path), nil
}

// CheckConflicts returns the active grants that intersect writePaths, for
// diagnostic UI display.
func (m *Manager) CheckConflicts(writePaths []string) []*core.LockGrant {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var conflicts []*core.LockGrant
	for _, g := range m.grants {
		if g.Active(now) && g.IntersectsPaths(writePaths) {
			conflicts = append(conflicts, g)
		}
	}
	return conflicts
}

// ActiveGrants returns every currently-active grant, for UI snapshots.
func (m *Manager) ActiveGrants() []*core.LockGrant {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var active []*core.LockGrant
	for _, g := range m.grants {
		if g.Active(now) {
			active = append(active, g)
		}
	}
	return active
}

// ReleaseAll marks every grant released, used by reset().
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		g.Released = true
	}
}

func (m *Manager) reapLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, g := range m.grants {
		if !g.Released && now.After(g.ExpiresAt) {
			g.Released = true
		}
	}
}

// Stop halts the reaper goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}
