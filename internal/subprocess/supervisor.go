// Package subprocess runs external commands in their own process group,
// enforcing timeouts and cooperative cancellation with clean termination.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
)

// Supervisor spawns and polices one subprocess at a time per instance.
// Callers create a new Supervisor per Run call (or reuse one sequentially);
// it is not meant to multiplex concurrent runs.
type Supervisor struct {
	mu        sync.Mutex
	activeCmd *exec.Cmd
}

// New creates a Supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Result is the outcome of a subprocess run.
type Result struct {
	Output  string
	Success bool
}

// Run spawns cmd with args in its own process group, merging stdout and
// stderr into one buffer. It polls for exit with a non-blocking reap; on
// deadline elapsed or cooperative-cancel signal, it sends TERM to the
// group, sleeps, then KILL, then reaps. File descriptors are always closed
// on every exit path.
//
// On success: (output, true, nil). On non-zero exit: (output, false, nil).
// On timeout: err wraps core.ErrTimeout. On cancellation: err wraps
// core.ErrCancelled.
func (s *Supervisor) Run(ctx context.Context, cp *control.ControlPlane, name string, args []string, timeout time.Duration, chdir string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	if chdir != "" {
		cmd.Dir = chdir
	}
	configureProcAttr(cmd)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return Result{}, core.ErrSubprocess(name, -1, err.Error())
	}

	s.setActiveProcess(cmd)
	defer s.clearActiveProcess()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	watchTicker := time.NewTicker(100 * time.Millisecond)
	defer watchTicker.Stop()

	for {
		select {
		case err := <-waitDone:
			output := buf.String()
			if err == nil {
				return Result{Output: output, Success: true}, nil
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return Result{Output: output, Success: false}, nil
			}
			return Result{Output: output}, core.ErrSubprocess(name, -1, err.Error())
		case <-runCtx.Done():
			_ = s.gracefulKill(500 * time.Millisecond)
			<-waitDone
			if cp != nil && cp.Cancelled() {
				return Result{Output: buf.String()}, core.ErrCancelled()
			}
			return Result{Output: buf.String()}, core.ErrTimeout("subprocess exceeded timeout")
		case <-watchTicker.C:
			if cp != nil && cp.Cancelled() {
				_ = s.gracefulKill(500 * time.Millisecond)
				<-waitDone
				return Result{Output: buf.String()}, core.ErrCancelled()
			}
		}
	}
}

