//go:build windows

package subprocess

import (
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

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

// gracefulKill on Windows falls back to Process.Kill(); there is no process
// group to signal.
func (s *Supervisor) gracefulKill(_ time.Duration) error {
	s.mu.Lock()
	cmd := s.activeCmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
