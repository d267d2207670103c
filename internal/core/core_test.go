package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsActive(t *testing.T) {
	assert.True(t, IsActive(StatusHAnalyzing))
	assert.True(t, IsActive(StatusEApplying))
	assert.False(t, IsActive(StatusHComplete))
	assert.False(t, IsActive(StatusIdle))
	assert.False(t, IsActive(StatusError))
}

func TestResearchComplete(t *testing.T) {
	topics := []ResearchTopic{
		{Prompt: "a", Status: ResearchCompleted},
		{Prompt: "b", Status: ResearchRejected},
		{Prompt: "c", Status: ResearchCompleted},
	}
	assert.True(t, ResearchComplete(topics))

	topics[0].Status = ResearchPending
	assert.False(t, ResearchComplete(topics))
}

func TestLockGrantConflicts(t *testing.T) {
	now := time.Now()
	g1 := &LockGrant{ID: "1", WritePaths: []string{"a.rb", "b.rb"}, ExpiresAt: now.Add(time.Hour)}
	g2 := &LockGrant{ID: "2", WritePaths: []string{"b.rb", "c.rb"}, ExpiresAt: now.Add(time.Hour)}
	g3 := &LockGrant{ID: "3", WritePaths: []string{"d.rb"}, ExpiresAt: now.Add(time.Hour)}

	assert.True(t, g1.Conflicts(g2))
	assert.False(t, g1.Conflicts(g3))
	assert.True(t, g1.Active(now))

	g1.Released = true
	assert.False(t, g1.Active(now))
}

func TestLockGrantCovers(t *testing.T) {
	g := &LockGrant{WritePaths: []string{"a.rb", "b.rb"}}
	assert.True(t, g.Covers("a.rb"))
	assert.False(t, g.Covers("c.rb"))
}

func TestGlobalStatePruneQueries(t *testing.T) {
	g := NewGlobalState()
	for i := 0; i < MaxQueries+5; i++ {
		status := QueryPending
		if i < 10 {
			status = QueryComplete
		}
		g.Queries = append(g.Queries, Query{ID: string(rune('a' + i%26)), Status: status})
	}
	g.PruneQueries()
	require.LessOrEqual(t, len(g.Queries), MaxQueries)
}

func TestDomainErrorIsAndCategory(t *testing.T) {
	err := ErrLockViolation("grant does not cover path")
	assert.Equal(t, ErrCatLockViolation, GetCategory(err))
	assert.False(t, IsRetryable(err))

	to := ErrTimeout("deadline exceeded")
	assert.True(t, IsRetryable(to))
	assert.True(t, IsCategory(to, ErrCatTimeout))
}

func TestErrParseTruncates(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	err := ErrParse(string(long))
	assert.LessOrEqual(t, len(err.Message), 260)
}
