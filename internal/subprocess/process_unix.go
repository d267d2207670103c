//go:build !windows

package subprocess

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr places the child in its own process group so it can be
// signaled as a group, independent of the supervisor's own process group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (s *Supervisor) setActiveProcess(cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCmd = cmd
}

func (s *Supervisor) clearActiveProcess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCmd = nil
}

// gracefulKill sends SIGTERM to the process group, waits up to gracePeriod,
// then escalates to SIGKILL. It does not call cmd.Wait(); the caller's own
// Wait goroutine owns that race.
func (s *Supervisor) gracefulKill(gracePeriod time.Duration) error {
	s.mu.Lock()
	cmd := s.activeCmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return fmt.Errorf("getpgid(%d): %w", pid, err)
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("sigterm pgid %d: %w", pgid, err)
	}

	deadline := time.After(gracePeriod)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if err := syscall.Kill(pid, 0); err != nil {
				return nil
			}
		}
	}
}
