package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	s := New()
	res, err := s.Run(context.Background(), nil, "echo", []string{"hello"}, 5*time.Second, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "hello")
}

func TestRunNonZeroExit(t *testing.T) {
	s := New()
	res, err := s.Run(context.Background(), nil, "false", nil, 5*time.Second, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRunTimeout(t *testing.T) {
	s := New()
	_, err := s.Run(context.Background(), nil, "sleep", []string{"5"}, 100*time.Millisecond, "")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatTimeout))
}

func TestRunCancelled(t *testing.T) {
	s := New()
	cp := control.New()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cp.Cancel()
	}()
	_, err := s.Run(context.Background(), cp, "sleep", []string{"5"}, 5*time.Second, "")
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
}

func TestRunManyNoLeaks(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		_, err := s.Run(context.Background(), nil, "echo", []string{"loop"}, 2*time.Second, "")
		require.NoError(t, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.activeCmd)
}
